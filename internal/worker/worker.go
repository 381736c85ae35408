// Package worker streams one contiguous byte range of a remote file into a
// local append-only file. A Worker runs once. Pause is a cooperative flag
// observed between block reads; Stop also aborts the request in flight.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/fetchd/internal/utils"
	"golang.org/x/time/rate"
)

var (
	ErrAlreadyStarted = errors.New("worker already started")
	ErrRangeIgnored   = errors.New("server ignored range request")
	ErrShortBody      = errors.New("connection closed before range was complete")
	ErrIdleTimeout    = errors.New("read timed out")
)

type EventKind int

const (
	EventProgress EventKind = iota
	EventComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is reported synchronously from the worker goroutine. Position is the
// absolute file offset written through, that is Start plus everything the
// segment file holds.
type Event struct {
	Kind         EventKind
	Key          string
	Run          uint64
	Segment      int
	Position     int64
	Speed        float64
	AverageSpeed float64
	Err          error
}

type Reporter interface {
	Report(Event)
}

type ReporterFunc func(Event)

func (f ReporterFunc) Report(ev Event) { f(ev) }

type Config struct {
	Key     string
	Run     uint64
	Segment int
	URL     string
	Path    string
	Start   int64
	End     int64 // inclusive, -1 when the size is unknown

	BlockSize    int   // fixed read size; 0 selects the adaptive size
	RateLimit    int64 // bytes per second; 0 is unlimited
	IdleTimeout  time.Duration
	PollInterval time.Duration
}

type Worker struct {
	cfg      Config
	client   utils.HTTPDoer
	reporter Reporter
	limiter  *rate.Limiter

	started atomic.Bool
	paused  atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	written int64
	speed   float64
	abort   context.CancelFunc
	log     zerolog.Logger
}

func New(cfg Config, client utils.HTTPDoer, reporter Reporter) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	w := &Worker{
		cfg:      cfg,
		client:   client,
		reporter: reporter,
		done:     make(chan struct{}),
		log:      utils.GetLogger("worker"),
	}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(max(cfg.RateLimit, utils.MaxBlockSize)))
	}
	return w
}

func (w *Worker) Pause()  { w.paused.Store(true) }
func (w *Worker) Resume() { w.paused.Store(false) }

// Stop makes Run return without reporting an error. A read blocked on the
// network is interrupted rather than waited out.
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.mu.Lock()
	abort := w.abort
	w.mu.Unlock()
	if abort != nil {
		abort()
	}
}

func (w *Worker) Paused() bool  { return w.paused.Load() }
func (w *Worker) Stopped() bool { return w.stopped.Load() }

// Done is closed once Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Alive reports whether Run has started and not yet returned.
func (w *Worker) Alive() bool {
	if !w.started.Load() {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Written returns the bytes of this segment on disk, including bytes that were
// there before the run started.
func (w *Worker) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Worker) Speed() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.speed
}

// Length is the number of bytes the segment covers, or -1 when unknown.
func (w *Worker) Length() int64 {
	if w.cfg.End < 0 {
		return -1
	}
	return w.cfg.End - w.cfg.Start + 1
}

// Run streams the remaining part of the range. It returns nil after a stop
// request or context cancellation, leaving the bytes on disk for a later
// worker. Failures are both reported as an EventError and returned.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(w.done)
	err := w.run(ctx)
	if err != nil {
		w.log.Debug().Str("op", "worker/run").Str("url", w.cfg.URL).Int("segment", w.cfg.Segment).Err(err).Msg("segment failed")
		w.report(Event{Kind: EventError, Err: err})
	}
	return err
}

func (w *Worker) run(ctx context.Context) error {
	onDisk, err := fileSize(w.cfg.Path)
	if err != nil {
		return fmt.Errorf("%w: inspect %s: %v", utils.ErrTransfer, w.cfg.Path, err)
	}
	length := w.Length()
	if length >= 0 && onDisk > length {
		// a longer file cannot belong to this range
		w.log.Warn().Str("op", "worker/run").Str("path", w.cfg.Path).Msgf("segment file holds %d bytes, expected at most %d, restarting segment", onDisk, length)
		if err := os.Truncate(w.cfg.Path, 0); err != nil {
			return fmt.Errorf("%w: truncate %s: %v", utils.ErrTransfer, w.cfg.Path, err)
		}
		onDisk = 0
	}
	w.setProgress(onDisk, 0)
	if length >= 0 && onDisk == length {
		w.report(Event{Kind: EventComplete})
		return nil
	}
	if w.stopped.Load() || ctx.Err() != nil {
		return nil
	}

	file, err := os.OpenFile(w.cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", utils.ErrTransfer, w.cfg.Path, err)
	}
	defer file.Close()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.abort = cancel
	w.mu.Unlock()
	if w.stopped.Load() {
		return nil
	}
	resp, err := w.request(reqCtx, w.cfg.Start+onDisk)
	if err != nil {
		if ctx.Err() != nil || w.stopped.Load() {
			return nil
		}
		return fmt.Errorf("%w: %v", utils.ErrTransfer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status code: %d", utils.ErrTransfer, resp.StatusCode)
	}
	from := w.cfg.Start + onDisk
	if resp.StatusCode == http.StatusPartialContent {
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && start != from {
			return fmt.Errorf("%w: server returned range starting at %d, requested %d", utils.ErrTransfer, start, from)
		}
	} else if from > 0 {
		if w.cfg.Start != 0 {
			return fmt.Errorf("%w: %w (status %d)", utils.ErrTransfer, ErrRangeIgnored, resp.StatusCode)
		}
		w.log.Warn().Str("op", "worker/run").Str("url", w.cfg.URL).Msg("server ignored range request, restarting from byte 0")
		if err := file.Truncate(0); err != nil {
			return fmt.Errorf("%w: truncate %s: %v", utils.ErrTransfer, w.cfg.Path, err)
		}
		onDisk = 0
		w.setProgress(0, 0)
	}

	body := newIdleReader(resp.Body, w.cfg.IdleTimeout, cancel)
	defer body.stop()
	return w.stream(ctx, file, body, onDisk)
}

func (w *Worker) request(ctx context.Context, from int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case w.cfg.End >= 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, w.cfg.End))
	case from > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", from))
	}
	return w.client.Do(req)
}

func (w *Worker) stream(ctx context.Context, file *os.File, body *idleReader, onDisk int64) error {
	length := w.Length()
	written := onDisk
	meter := newSpeedMeter(time.Now(), onDisk)
	buf := make([]byte, utils.MaxBlockSize)
	for {
		if !w.waitWhilePaused(ctx) {
			return nil
		}
		size := w.cfg.BlockSize
		if size <= 0 {
			size = meter.blockSize()
		}
		size = min(size, len(buf))
		if length >= 0 {
			size = int(min(int64(size), length-written))
		}
		n, rerr := body.Read(buf[:size])
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: write %s: %v", utils.ErrTransfer, w.cfg.Path, err)
			}
			written += int64(n)
			speed := meter.observe(time.Now(), written)
			w.setProgress(written, speed)
			w.report(Event{Kind: EventProgress, Position: w.cfg.Start + written, Speed: speed})
			if w.limiter != nil {
				if err := w.limiter.WaitN(ctx, n); err != nil {
					return nil
				}
			}
		}
		if length >= 0 && written >= length {
			break
		}
		if rerr == io.EOF {
			if length >= 0 {
				return fmt.Errorf("%w: %w: got %d of %d bytes", utils.ErrTransfer, ErrShortBody, written, length)
			}
			break
		}
		if rerr != nil {
			if w.stopped.Load() {
				return nil
			}
			if body.timedOut() {
				return fmt.Errorf("%w: %w after %s", utils.ErrTransfer, ErrIdleTimeout, w.cfg.IdleTimeout)
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", utils.ErrTransfer, rerr)
		}
	}
	avg := meter.average(time.Now(), written)
	w.setProgress(written, 0)
	w.report(Event{Kind: EventComplete, Position: w.cfg.Start + written, AverageSpeed: avg})
	return nil
}

// waitWhilePaused blocks while the pause flag is set. It returns false when
// the worker should exit instead of reading the next block.
func (w *Worker) waitWhilePaused(ctx context.Context) bool {
	for {
		if w.stopped.Load() || ctx.Err() != nil {
			return false
		}
		if !w.paused.Load() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) setProgress(written int64, speed float64) {
	w.mu.Lock()
	w.written = written
	w.speed = speed
	w.mu.Unlock()
}

func (w *Worker) report(ev Event) {
	if w.reporter == nil {
		return
	}
	ev.Key = w.cfg.Key
	ev.Run = w.cfg.Run
	ev.Segment = w.cfg.Segment
	if ev.Kind != EventProgress && ev.Position == 0 {
		ev.Position = w.cfg.Start + w.Written()
	}
	w.reporter.Report(ev)
}

func contentRangeStart(header string) (int64, bool) {
	var start, end int64
	if _, err := fmt.Sscanf(header, "bytes %d-%d", &start, &end); err != nil {
		return 0, false
	}
	return start, true
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
