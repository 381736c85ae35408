// Package scheduler feeds download jobs to the engine with a bounded number
// of transfers in flight.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/fetchd/internal/engine"
	"github.com/tanq16/fetchd/internal/store"
)

type Job struct {
	URL      string
	FileName string
}

// Engine is the part of engine.Engine the scheduler drives.
type Engine interface {
	Create(ctx context.Context, url, filename string) (string, error)
	Start(url string) error
	Get(url string) (engine.Info, error)
}

type Registrar interface {
	Register(engine.Info)
}

var pollInterval = 100 * time.Millisecond

// Run creates and starts jobs using numWorkers workers. A worker takes the
// next job only after its current download settles. It returns one error per
// job that could not be created or started.
func Run(ctx context.Context, eng Engine, display Registrar, jobs []Job, numWorkers int) []error {
	jobCh := make(chan Job, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for range max(numWorkers, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				if ctx.Err() != nil {
					return
				}
				if err := process(ctx, eng, display, job); err != nil {
					log.Error().Str("op", "scheduler/run").Str("url", job.URL).Err(err).Msg("job failed")
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return errs
}

func process(ctx context.Context, eng Engine, display Registrar, job Job) error {
	key, err := eng.Create(ctx, job.URL, job.FileName)
	if err != nil {
		return fmt.Errorf("%s: %w", job.URL, err)
	}
	if info, err := eng.Get(key); err == nil && display != nil {
		display.Register(info)
	}
	if err := eng.Start(key); err != nil {
		return fmt.Errorf("%s: %w", job.URL, err)
	}
	return waitSettled(ctx, eng, key)
}

// waitSettled blocks until the download finishes, fails or stops transferring.
func waitSettled(ctx context.Context, eng Engine, key string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		info, err := eng.Get(key)
		if err != nil {
			return nil
		}
		switch {
		case info.Status == store.StatusCompleted, info.Status == store.StatusError, info.Status == store.StatusStopped:
			return nil
		case !info.Live && info.Status != store.StatusDownloading:
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
