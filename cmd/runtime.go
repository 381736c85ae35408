package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/fetchd/internal/config"
	"github.com/tanq16/fetchd/internal/engine"
	"github.com/tanq16/fetchd/internal/output"
	"github.com/tanq16/fetchd/internal/scheduler"
	"github.com/tanq16/fetchd/internal/store"
	"github.com/tanq16/fetchd/internal/utils"
	"golang.org/x/term"
)

var errFailedDownloads = errors.New("encountered failed download(s)")

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, cfg.Store.DSN)
	default:
		return store.OpenBolt(cfg.Store.Path)
	}
}

func engineOptions() engine.Options {
	return engine.Options{
		SavePath:       cfg.SavePath,
		MaxConnections: cfg.MaxConnections,
		MinSegmentSize: int64(cfg.MinSegmentSize),
		BlockSize:      int(cfg.ChunkSize),
		RateLimit:      int64(cfg.RateLimit),
		IdleTimeout:    cfg.Timeout.Std(),
		ResumeDelay:    cfg.ResumeDelay.Std(),
		StatsInterval:  cfg.StatsInterval.Std(),
	}
}

// session is one CLI invocation that drives downloads with a live display.
type session struct {
	store   store.Store
	engine  *engine.Engine
	display *output.Manager
	ctx     context.Context
	stop    context.CancelFunc

	failures []error
}

func newSession() (*session, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	st, err := openStore(ctx)
	if err != nil {
		stop()
		return nil, err
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		// the live display owns the terminal
		if err := os.MkdirAll(cfg.SavePath, 0755); err == nil {
			if closer, err := utils.InitLogger(debug, filepath.Join(cfg.SavePath, utils.LogFile)); err == nil {
				logCloser.Close()
				logCloser = closer
			}
		}
	}
	display := output.NewManager()
	display.StartDisplay()
	client := utils.NewHTTPClient(httpConfig)
	return &session{
		store:   st,
		engine:  engine.New(st, client, engineOptions(), display),
		display: display,
		ctx:     ctx,
		stop:    stop,
	}, nil
}

// run feeds jobs to the engine, at most `workers` transferring at once.
// Failures to create or start are reported after the display stops.
func (s *session) run(jobs []scheduler.Job) {
	s.failures = append(s.failures, scheduler.Run(s.ctx, s.engine, s.display, jobs, workers)...)
}

// wait blocks until every download settles or the process is interrupted.
// Interrupted transfers keep their downloading status so `fetchd resume`
// continues them.
func (s *session) wait() error {
	err := s.engine.Wait(s.ctx)
	if err != nil {
		log.Info().Str("op", "cmd/wait").Msg("interrupted, checkpointing downloads")
	}
	s.engine.Close()
	s.display.StopDisplay()
	if cerr := s.store.Close(); cerr != nil {
		log.Warn().Str("op", "cmd/wait").Err(cerr).Msg("failed to close store")
	}
	s.stop()
	for _, ferr := range s.failures {
		output.PrintError(fmt.Sprintf("%s %v", output.StyleSymbols["fail"], ferr))
	}
	if len(s.failures) > 0 {
		return errFailedDownloads
	}
	for _, info := range s.engine.List() {
		if info.Status == store.StatusError {
			return errFailedDownloads
		}
	}
	return nil
}
