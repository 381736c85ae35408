package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tanq16/fetchd/internal/store"
	"github.com/tanq16/fetchd/internal/utils"
)

// LoadFromStore rehydrates every unfinished download recorded in the store
// and returns how many were loaded. Downloads that were transferring when the
// process last exited are started again after the resume delay.
func (e *Engine) LoadFromStore(ctx context.Context) (int, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	records, err := e.store.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: load active downloads: %v", utils.ErrPersistence, err)
	}
	loaded := 0
	for i := range records {
		rec := &records[i]
		d := newDownload(rec)
		offset := d.measureLocked()
		resume := rec.Status == store.StatusDownloading
		if resume {
			d.status = store.StatusPaused
		}

		e.mu.Lock()
		if cur, ok := e.downloads[rec.URL]; ok {
			e.mu.Unlock()
			if cur.id != rec.ID {
				// records come newest first, so this one is an older leftover
				if err := e.supersede(ctx, rec.URL, []uint64{rec.ID}); err != nil {
					e.log.Warn().Str("op", "engine/load").Str("url", rec.URL).Err(err).Msg("failed to supersede duplicate")
				}
				continue
			}
			e.log.Debug().Str("op", "engine/load").Str("url", rec.URL).Msg("already tracked, skipping")
			continue
		}
		e.downloads[rec.URL] = d
		if resume {
			e.scheduleStartLocked(rec.URL)
		}
		e.mu.Unlock()

		loaded++
		e.log.Info().Str("op", "engine/load").Str("url", rec.URL).Str("status", string(rec.Status)).
			Int64("offset", offset).Bool("resume", resume).Msg("download restored")
	}
	return loaded, nil
}

func (e *Engine) scheduleStartLocked(rawURL string) {
	var timer *time.Timer
	timer = time.AfterFunc(e.opts.ResumeDelay, func() {
		e.mu.Lock()
		if e.timers[rawURL] != timer {
			e.mu.Unlock()
			return
		}
		delete(e.timers, rawURL)
		e.mu.Unlock()
		if err := e.Start(rawURL); err != nil {
			e.log.Error().Str("op", "engine/load").Str("url", rawURL).Err(err).Msg("failed to resume download")
		}
	})
	e.timers[rawURL] = timer
}
