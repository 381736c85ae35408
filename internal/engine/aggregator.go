package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tanq16/fetchd/internal/store"
	"github.com/tanq16/fetchd/internal/utils"
	"github.com/tanq16/fetchd/internal/worker"
)

const (
	persistTimeout = 5 * time.Second
	persistRetries = 3
	renameRetries  = 3
)

// Report folds a worker event into its download. Events from a superseded
// generation are dropped so a recreated worker never races its predecessor.
func (e *Engine) Report(ev worker.Event) {
	e.mu.RLock()
	d, ok := e.downloads[ev.Key]
	e.mu.RUnlock()
	if !ok {
		return
	}
	switch ev.Kind {
	case worker.EventProgress:
		e.onProgress(d, ev)
	case worker.EventComplete:
		e.onSegmentComplete(d, ev)
	case worker.EventError:
		e.fail(d, ev.Run, ev.Err)
	}
}

func (e *Engine) onProgress(d *Download, ev worker.Event) {
	d.mu.Lock()
	seg := d.segmentLocked(ev)
	if seg == nil {
		d.mu.Unlock()
		return
	}
	seg.written = ev.Position - seg.start
	if d.status != store.StatusDownloading {
		// a block that was in flight when the download was paused or stopped
		d.mu.Unlock()
		return
	}
	seg.speed = ev.Speed
	published := d.eventLocked(EventProgress)
	d.mu.Unlock()

	e.checkpoint(d)
	e.sink.Publish(published)
}

func (e *Engine) onSegmentComplete(d *Download, ev worker.Event) {
	d.mu.Lock()
	seg := d.segmentLocked(ev)
	if seg == nil {
		d.mu.Unlock()
		return
	}
	seg.written = ev.Position - seg.start
	seg.speed = 0
	seg.avgSpeed = ev.AverageSpeed
	seg.completed = true
	d.mu.Unlock()
	e.segmentsDone(d, ev.Run)
}

// segmentsDone finishes the download once every segment of generation gen
// has completed.
func (e *Engine) segmentsDone(d *Download, gen uint64) {
	d.mu.Lock()
	if d.gen != gen || d.finishing || d.status != store.StatusDownloading {
		d.mu.Unlock()
		return
	}
	for _, seg := range d.segments {
		if !seg.completed {
			d.mu.Unlock()
			return
		}
	}
	d.finishing = true
	d.mu.Unlock()
	e.finish(d, gen)
}

func (e *Engine) finish(d *Download, gen uint64) {
	d.mu.Lock()
	total := d.downloadedLocked()
	if d.totalSize > 0 {
		total = d.totalSize
	}
	var avg float64
	parts := make([]string, 0, len(d.segments))
	for _, seg := range d.segments {
		avg += seg.avgSpeed
		parts = append(parts, seg.path)
	}
	tempPath, outputPath := d.tempPath, d.outputPath
	d.mu.Unlock()

	if len(parts) > 1 {
		if err := assembleFile(parts, tempPath, total); err != nil {
			e.fail(d, gen, fmt.Errorf("%w: assemble segments: %v", utils.ErrTransfer, err))
			return
		}
	}
	if err := e.renameWithRetry(tempPath, outputPath); err != nil {
		e.fail(d, gen, fmt.Errorf("%w: %v", utils.ErrRename, err))
		return
	}

	d.mu.Lock()
	d.totalSize = total
	d.status = store.StatusCompleted
	d.lastErr = ""
	d.finishing = false
	for _, seg := range d.segments {
		seg.speed = 0
	}
	id := d.id
	published := d.eventLocked(EventComplete)
	published.AverageSpeed = avg
	d.mu.Unlock()

	d.persistMu.Lock()
	err := retry(func(ctx context.Context) error {
		return e.store.CompleteDownload(ctx, id, total, avg)
	})
	d.persistMu.Unlock()
	if err != nil {
		// the file is in place, so the download still completes
		published.Message = fmt.Sprintf("%v: record completion: %v", utils.ErrPersistence, err)
		e.log.Error().Str("op", "engine/finish").Str("url", d.url).Err(err).Msg("failed to record completion")
	}
	e.log.Info().Str("op", "engine/finish").Str("url", d.url).Str("file", outputPath).Int64("size", total).Msg("download completed")
	e.sink.Publish(published)
}

// fail moves the download to error, keeping every byte on disk for a later
// Start. Stopped and finished downloads are left as they are.
func (e *Engine) fail(d *Download, gen uint64, cause error) {
	d.mu.Lock()
	if d.gen != gen || d.status == store.StatusStopped || d.status == store.StatusCompleted || d.status == store.StatusError {
		d.mu.Unlock()
		return
	}
	msg := "transfer failed"
	if cause != nil {
		msg = cause.Error()
	}
	d.status = store.StatusError
	d.lastErr = msg
	d.finishing = false
	for _, seg := range d.segments {
		if seg.worker != nil {
			seg.worker.Stop()
		}
		seg.speed = 0
	}
	published := d.eventLocked(EventError)
	published.Message = msg
	d.mu.Unlock()

	e.log.Error().Str("op", "engine/fail").Str("url", d.url).Err(cause).Msg("download failed")
	if err := e.persistStatus(d, msg, true); err != nil {
		e.log.Error().Str("op", "engine/fail").Str("url", d.url).Err(err).Msg("failed to record error status")
	}
	e.sink.Publish(published)
}

// checkpoint writes the freshest progress snapshot. A failed checkpoint only
// costs progress the next one will carry. Nothing is written once the
// download has left downloading, since that would reopen a closed session.
func (e *Engine) checkpoint(d *Download) {
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	d.mu.Lock()
	if d.status != store.StatusDownloading {
		d.mu.Unlock()
		return
	}
	id := d.id
	p := d.progressLocked()
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.UpdateProgress(ctx, id, p); err != nil {
		e.log.Warn().Str("op", "engine/checkpoint").Str("url", d.url).Err(err).Msg("failed to checkpoint progress")
	}
}

// persistStatus records the current status. Terminal and error transitions
// are retried because losing them would misreport the download on restart.
func (e *Engine) persistStatus(d *Download, errMsg string, closeSession bool) error {
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	d.mu.Lock()
	id, status := d.id, d.status
	d.mu.Unlock()

	write := func(ctx context.Context) error {
		return e.store.SetStatus(ctx, id, status, errMsg, closeSession)
	}
	var err error
	if status.Terminal() || status == store.StatusError {
		err = retry(write)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = write(ctx)
		cancel()
	}
	if err != nil {
		return fmt.Errorf("%w: set status %s for %s: %v", utils.ErrPersistence, status, d.url, err)
	}
	return nil
}

// RefreshStats rebuilds the global average speed from completed downloads.
func (e *Engine) RefreshStats(ctx context.Context) (store.Stats, error) {
	return e.store.RecomputeAverageSpeed(ctx)
}

func (e *Engine) statsLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, persistTimeout)
			if _, err := e.RefreshStats(ctx); err != nil {
				e.log.Warn().Str("op", "engine/stats").Err(err).Msg("failed to refresh stats")
			}
			cancel()
		}
	}
}

func (d *Download) segmentLocked(ev worker.Event) *segment {
	if ev.Run != d.gen || ev.Segment < 0 || ev.Segment >= len(d.segments) {
		return nil
	}
	return d.segments[ev.Segment]
}

func (d *Download) eventLocked(kind EventKind) Event {
	return Event{
		Kind:       kind,
		URL:        d.url,
		ID:         d.id,
		Filename:   d.filename,
		Downloaded: d.downloadedLocked(),
		TotalSize:  d.totalSize,
		Speed:      d.speedLocked(),
		Status:     d.status,
	}
}

func retry(write func(ctx context.Context) error) error {
	var err error
	for attempt := range persistRetries {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = write(ctx)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return err
}

func (e *Engine) renameWithRetry(from, to string) error {
	var err error
	for attempt := range renameRetries {
		if err = os.Rename(from, to); err == nil {
			return nil
		}
		e.log.Warn().Str("op", "engine/finish").Str("from", from).Err(err).Msgf("rename failed, attempt %d", attempt+1)
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	return err
}
