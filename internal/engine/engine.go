// Package engine coordinates segmented downloads: it partitions each file,
// drives range workers, folds their progress into per-download totals,
// checkpoints everything to the store and publishes download events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/fetchd/internal/store"
	"github.com/tanq16/fetchd/internal/utils"
	"github.com/tanq16/fetchd/internal/worker"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("engine closed")

type Options struct {
	SavePath       string
	MaxConnections int
	MinSegmentSize int64
	BlockSize      int   // fixed read size; 0 is adaptive
	RateLimit      int64 // bytes per second per download; 0 is unlimited
	IdleTimeout    time.Duration
	PollInterval   time.Duration
	ResumeDelay    time.Duration // delay before auto-starting recovered downloads
	StatsInterval  time.Duration // 0 disables periodic stats recomputation
}

type Engine struct {
	opts   Options
	store  store.Store
	client *utils.HTTPClient
	sink   Sink
	log    zerolog.Logger

	// gen numbers every launch across all downloads, so events from a run
	// of a removed download never match its replacement.
	gen atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	runMu  sync.Mutex
	closed bool

	mu        sync.RWMutex
	downloads map[string]*Download
	pending   map[string]struct{}
	timers    map[string]*time.Timer
	removed   map[string]*Download // may still have a run draining
}

func New(st store.Store, client *utils.HTTPClient, opts Options, sink Sink) *Engine {
	if opts.MaxConnections < 1 {
		opts.MaxConnections = 1
	}
	if opts.MinSegmentSize <= 0 {
		opts.MinSegmentSize = 1 << 20
	}
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = client.Timeout()
	}
	if sink == nil {
		sink = nopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:      opts,
		store:     st,
		client:    client,
		sink:      sink,
		log:       utils.GetLogger("engine"),
		ctx:       ctx,
		cancel:    cancel,
		downloads: make(map[string]*Download),
		pending:   make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
		removed:   make(map[string]*Download),
	}
	if opts.StatsInterval > 0 && e.track() {
		go e.statsLoop(opts.StatsInterval)
	}
	return e
}

// Create registers a new download for rawURL and returns its key. It probes
// the remote size, partitions the file and records the download, but does not
// start transferring.
func (e *Engine) Create(ctx context.Context, rawURL, filename string) (string, error) {
	if err := utils.ValidateURL(rawURL); err != nil {
		return "", err
	}
	if err := e.reserve(rawURL); err != nil {
		return "", err
	}
	d, err := e.build(ctx, rawURL, filename)
	e.mu.Lock()
	delete(e.pending, rawURL)
	if err == nil {
		// the first run waits for a removed predecessor to let go of the files
		d.predecessor = e.removed[rawURL]
		delete(e.removed, rawURL)
		e.downloads[rawURL] = d
	}
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	return rawURL, nil
}

func (e *Engine) reserve(rawURL string) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.downloads[rawURL]; ok {
		return fmt.Errorf("%w: %s is already tracked", utils.ErrInvalidInput, rawURL)
	}
	if _, ok := e.pending[rawURL]; ok {
		return fmt.Errorf("%w: %s is already being created", utils.ErrInvalidInput, rawURL)
	}
	e.pending[rawURL] = struct{}{}
	return nil
}

func (e *Engine) build(ctx context.Context, rawURL, filename string) (*Download, error) {
	info, err := e.client.Probe(ctx, rawURL)
	if err != nil {
		e.log.Warn().Str("op", "engine/create").Str("url", rawURL).Err(err).Msg("continuing with unknown size")
		info = utils.FileInfo{}
	}
	name := utils.SanitizeFileName(filename)
	if name == "" {
		name = utils.FileNameFromURL(rawURL)
	}
	if name == "" {
		name = info.FileName
	}
	if name == "" {
		name = "download"
	}
	if err := os.MkdirAll(e.opts.SavePath, 0755); err != nil {
		return nil, fmt.Errorf("create save path: %w", err)
	}
	outputPath := filepath.Join(e.opts.SavePath, name)
	tempPath := outputPath + utils.PartSuffix
	finished := fileExists(outputPath) && !hasTempFiles(tempPath)

	prior, stale, err := e.unfinished(ctx, rawURL, name, info.Size)
	if err != nil {
		return nil, err
	}
	if prior != nil && finished {
		// the file was renamed into place but completion was never recorded
		stale = append(stale, prior.ID)
		prior = nil
	}
	if err := e.supersede(ctx, rawURL, stale); err != nil {
		return nil, err
	}
	if prior != nil {
		return e.adopt(ctx, prior)
	}

	if finished {
		outputPath = utils.RenewOutputPath(outputPath)
		name = filepath.Base(outputPath)
		tempPath = outputPath + utils.PartSuffix
	}

	var segments []store.Segment
	switch {
	case fileExists(tempPath), !info.AcceptRanges:
		segments = Partition(info.Size, 1, e.opts.MinSegmentSize)
	default:
		segments = Partition(info.Size, e.opts.MaxConnections, e.opts.MinSegmentSize)
	}
	d := newDownload(&store.Download{
		URL:       rawURL,
		Filename:  name,
		SavePath:  e.opts.SavePath,
		TotalSize: info.Size,
		Status:    store.StatusQueued,
		Segments:  segments,
	})
	if offset := d.measureLocked(); offset > 0 {
		d.status = store.StatusPaused
	}
	rec := d.recordLocked()
	if err := e.store.AddDownload(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrPersistence, err)
	}
	d.id = rec.ID
	d.addedAt = rec.AddedAt
	e.log.Info().Str("op", "engine/create").Str("url", rawURL).Str("file", outputPath).
		Int64("size", info.Size).Int("segments", len(segments)).Int64("offset", rec.Downloaded).Msg("download created")
	return d, nil
}

// unfinished looks for records of rawURL that an earlier process left queued,
// downloading or paused. It returns the newest one saved under name with a
// matching size, which the new download continues, and the ids of the rest.
func (e *Engine) unfinished(ctx context.Context, rawURL, name string, size int64) (*store.Download, []uint64, error) {
	records, err := e.store.Active(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load active downloads: %v", utils.ErrPersistence, err)
	}
	var prior *store.Download
	var stale []uint64
	for i := range records {
		rec := &records[i]
		if rec.URL != rawURL {
			continue
		}
		sameFile := rec.SavePath == e.opts.SavePath && rec.Filename == name
		sameSize := size <= 0 || rec.TotalSize <= 0 || rec.TotalSize == size
		if prior == nil && sameFile && sameSize {
			prior = rec
			continue
		}
		stale = append(stale, rec.ID)
	}
	return prior, stale, nil
}

// supersede stops records that would otherwise be resumed behind the back of
// the download replacing them.
func (e *Engine) supersede(ctx context.Context, rawURL string, ids []uint64) error {
	for _, id := range ids {
		if err := e.store.SetStatus(ctx, id, store.StatusStopped, "superseded by a newer download", true); err != nil {
			return fmt.Errorf("%w: supersede download %d: %v", utils.ErrPersistence, id, err)
		}
		e.log.Info().Str("op", "engine/create").Str("url", rawURL).Uint64("id", id).Msg("superseded unfinished download")
	}
	return nil
}

// adopt continues an unfinished record under its own id and partition, so
// the segment files on disk stay valid.
func (e *Engine) adopt(ctx context.Context, prior *store.Download) (*Download, error) {
	d := newDownload(prior)
	d.status = store.StatusQueued
	d.lastErr = ""
	if offset := d.measureLocked(); offset > 0 {
		d.status = store.StatusPaused
	}
	rec := d.recordLocked()
	if err := e.store.SaveDownload(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrPersistence, err)
	}
	// the interrupted run's session ends here
	if err := e.store.SetStatus(ctx, rec.ID, rec.Status, "", true); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrPersistence, err)
	}
	e.log.Info().Str("op", "engine/create").Str("url", d.url).Uint64("id", d.id).
		Int64("offset", rec.Downloaded).Msg("continuing unfinished download")
	return d, nil
}

// Start begins or revives a queued, paused, failed or stopped download. A
// paused download whose workers are still alive is resumed in place.
func (e *Engine) Start(rawURL string) error {
	return e.activate(rawURL, store.StatusQueued, store.StatusPaused, store.StatusError, store.StatusStopped)
}

// Resume continues a paused download, starting fresh workers when none are alive.
func (e *Engine) Resume(rawURL string) error {
	return e.activate(rawURL, store.StatusPaused)
}

func (e *Engine) activate(rawURL string, allowed ...store.Status) error {
	d, err := e.lookup(rawURL)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if !statusIn(d.status, allowed) {
		d.mu.Unlock()
		return nil
	}
	if d.status == store.StatusPaused && d.liveLocked() && !d.run.stopped {
		d.run.paused = false
		for _, seg := range d.segments {
			if seg.worker != nil {
				seg.worker.Resume()
			}
		}
	} else if err := e.launchLocked(d); err != nil {
		d.mu.Unlock()
		return err
	}
	d.status = store.StatusDownloading
	d.lastErr = ""
	d.mu.Unlock()
	e.log.Debug().Str("op", "engine/start").Str("url", rawURL).Msg("download active")
	return e.persistStatus(d, "", false)
}

func (e *Engine) Pause(rawURL string) error {
	d, err := e.lookup(rawURL)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.status != store.StatusDownloading {
		d.mu.Unlock()
		return nil
	}
	if d.run != nil {
		d.run.paused = true
	}
	for _, seg := range d.segments {
		if seg.worker != nil {
			seg.worker.Pause()
		}
		seg.speed = 0
	}
	d.status = store.StatusPaused
	d.mu.Unlock()
	e.log.Debug().Str("op", "engine/pause").Str("url", rawURL).Msg("download paused")
	// each resume is its own session
	return e.persistStatus(d, "", true)
}

// Stop ends a download that has not completed. Bytes already written stay on
// disk so a later Start continues from them.
func (e *Engine) Stop(rawURL string) error {
	d, err := e.lookup(rawURL)
	if err != nil {
		return err
	}
	if !e.stopDownload(d) {
		return nil
	}
	e.log.Debug().Str("op", "engine/stop").Str("url", rawURL).Msg("download stopped")
	return e.persistStatus(d, "", true)
}

func (e *Engine) stopDownload(d *Download) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status.Terminal() {
		return false
	}
	if d.run != nil {
		d.run.stopped = true
	}
	for _, seg := range d.segments {
		if seg.worker != nil {
			seg.worker.Stop()
		}
		seg.speed = 0
	}
	d.status = store.StatusStopped
	d.finishing = false
	return true
}

// Remove stops the download if needed and forgets it. Its history record is
// kept. Removing an unknown URL is not an error.
func (e *Engine) Remove(rawURL string) error {
	e.mu.Lock()
	d, ok := e.downloads[rawURL]
	delete(e.downloads, rawURL)
	if ok {
		e.removed[rawURL] = d
	}
	if timer, ok := e.timers[rawURL]; ok {
		timer.Stop()
		delete(e.timers, rawURL)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if e.stopDownload(d) {
		if err := e.persistStatus(d, "", true); err != nil {
			return err
		}
	}
	e.log.Debug().Str("op", "engine/remove").Str("url", rawURL).Msg("download removed")
	return nil
}

// RecreateWorker rebinds an idle download to the bytes currently on disk and
// saves the result. It does nothing while workers are alive or once the
// download has completed.
func (e *Engine) RecreateWorker(rawURL string) error {
	d, err := e.lookup(rawURL)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.liveLocked() || d.status == store.StatusCompleted {
		d.mu.Unlock()
		return nil
	}
	d.measureLocked()
	for _, seg := range d.segments {
		seg.worker = nil
	}
	rec := d.recordLocked()
	d.mu.Unlock()

	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.SaveDownload(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrPersistence, err)
	}
	return nil
}

// launchLocked starts a new transfer generation. Events from older
// generations are ignored from here on.
func (e *Engine) launchLocked(d *Download) error {
	if !e.track() {
		return ErrClosed
	}
	d.gen = e.gen.Add(1)
	prev := d.run
	if prev == nil && d.predecessor != nil {
		prev = d.predecessor.drainingRun()
		d.predecessor = nil
	}
	t := &transfer{gen: d.gen, done: make(chan struct{})}
	d.run = t
	d.finishing = false
	for _, seg := range d.segments {
		seg.worker = nil
		seg.speed = 0
	}
	go e.runTransfer(d, t, prev)
	return nil
}

func (e *Engine) runTransfer(d *Download, t *transfer, prev *transfer) {
	defer e.wg.Done()
	defer close(t.done)
	if prev != nil {
		// a segment file must only ever have one writer
		select {
		case <-prev.done:
		case <-e.ctx.Done():
			return
		}
	}

	d.mu.Lock()
	if d.run != t || t.stopped {
		d.mu.Unlock()
		return
	}
	d.measureLocked()
	workers := e.bindWorkersLocked(d, t)
	d.mu.Unlock()

	if len(workers) == 0 {
		e.segmentsDone(d, t.gen)
		return
	}
	g, ctx := errgroup.WithContext(e.ctx)
	for _, w := range workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Debug().Str("op", "engine/run").Str("url", d.url).Err(err).Msg("transfer ended with error")
	}
}

func (e *Engine) bindWorkersLocked(d *Download, t *transfer) []*worker.Worker {
	var pending []*segment
	for _, seg := range d.segments {
		seg.worker = nil
		if !seg.completed {
			pending = append(pending, seg)
		}
	}
	var rateLimit int64
	if e.opts.RateLimit > 0 && len(pending) > 0 {
		rateLimit = max(1, e.opts.RateLimit/int64(len(pending)))
	}
	workers := make([]*worker.Worker, 0, len(pending))
	for _, seg := range pending {
		w := worker.New(worker.Config{
			Key:          d.url,
			Run:          t.gen,
			Segment:      seg.index,
			URL:          d.url,
			Path:         seg.path,
			Start:        seg.start,
			End:          seg.end,
			BlockSize:    e.opts.BlockSize,
			RateLimit:    rateLimit,
			IdleTimeout:  e.opts.IdleTimeout,
			PollInterval: e.opts.PollInterval,
		}, e.client, e)
		if t.paused {
			w.Pause()
		}
		seg.worker = w
		workers = append(workers, w)
	}
	return workers
}

func (e *Engine) lookup(rawURL string) (*Download, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.downloads[rawURL]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrNotFound, rawURL)
	}
	return d, nil
}

func (e *Engine) Get(rawURL string) (Info, error) {
	d, err := e.lookup(rawURL)
	if err != nil {
		return Info{}, err
	}
	return d.info(), nil
}

// List returns every tracked download in the order it was added.
func (e *Engine) List() []Info {
	e.mu.RLock()
	all := make([]*Download, 0, len(e.downloads))
	for _, d := range e.downloads {
		all = append(all, d)
	}
	e.mu.RUnlock()
	infos := make([]Info, 0, len(all))
	for _, d := range all {
		infos = append(infos, d.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].AddedAt.Equal(infos[j].AddedAt) {
			return infos[i].AddedAt.Before(infos[j].AddedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

func (e *Engine) History(ctx context.Context) ([]store.Download, error) {
	return e.store.History(ctx)
}

func (e *Engine) Active(ctx context.Context) ([]store.Download, error) {
	return e.store.Active(ctx)
}

func (e *Engine) Stats(ctx context.Context) (store.Stats, error) {
	return e.store.Stats(ctx)
}

func (e *Engine) Sessions(ctx context.Context, id uint64) ([]store.Session, error) {
	return e.store.Sessions(ctx, id)
}

// Wait blocks until no download has live workers, pending auto-starts or an
// unfinished completion.
func (e *Engine) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !e.busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) busy() bool {
	e.mu.RLock()
	if len(e.timers) > 0 || len(e.pending) > 0 {
		e.mu.RUnlock()
		return true
	}
	all := make([]*Download, 0, len(e.downloads))
	for _, d := range e.downloads {
		all = append(all, d)
	}
	e.mu.RUnlock()
	for _, d := range all {
		d.mu.Lock()
		busy := d.finishing || (d.liveLocked() && d.status != store.StatusPaused)
		d.mu.Unlock()
		if busy {
			return true
		}
	}
	return false
}

// Close cancels running transfers without touching their persisted status,
// so the next LoadFromStore picks them up again.
func (e *Engine) Close() error {
	e.runMu.Lock()
	if e.closed {
		e.runMu.Unlock()
		return nil
	}
	e.closed = true
	e.runMu.Unlock()

	e.mu.Lock()
	for key, timer := range e.timers {
		timer.Stop()
		delete(e.timers, key)
	}
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	e.log.Debug().Str("op", "engine/close").Msg("engine closed")
	return nil
}

func (e *Engine) track() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Engine) isClosed() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.closed
}

func statusIn(s store.Status, allowed []store.Status) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
