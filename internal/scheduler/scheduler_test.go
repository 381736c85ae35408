package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fetchd/internal/engine"
	"github.com/tanq16/fetchd/internal/store"
)

// fakeEngine completes a download a few polls after it starts.
type fakeEngine struct {
	mu        sync.Mutex
	downloads map[string]*engine.Info
	polls     map[string]int
	live      int
	maxLive   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{downloads: map[string]*engine.Info{}, polls: map[string]int{}}
}

func (f *fakeEngine) Create(_ context.Context, url, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if url == "" {
		return "", errors.New("invalid input")
	}
	f.downloads[url] = &engine.Info{URL: url, Filename: filename, Status: store.StatusQueued}
	return url, nil
}

func (f *fakeEngine) Start(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.downloads[url]
	d.Status = store.StatusDownloading
	d.Live = true
	f.live++
	f.maxLive = max(f.maxLive, f.live)
	return nil
}

func (f *fakeEngine) Get(url string) (engine.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.downloads[url]
	if !ok {
		return engine.Info{}, errors.New("not found")
	}
	if d.Status == store.StatusDownloading {
		f.polls[url]++
		if f.polls[url] > 2 {
			d.Status = store.StatusCompleted
			d.Live = false
			f.live--
		}
	}
	return *d, nil
}

type registrar struct {
	mu   sync.Mutex
	urls []string
}

func (r *registrar) Register(info engine.Info) {
	r.mu.Lock()
	r.urls = append(r.urls, info.URL)
	r.mu.Unlock()
}

func TestRunBoundsConcurrency(t *testing.T) {
	pollInterval = time.Millisecond
	eng := newFakeEngine()
	reg := &registrar{}
	jobs := []Job{{URL: "http://a/1"}, {URL: "http://a/2"}, {URL: ""}, {URL: "http://a/3"}, {URL: "http://a/4"}}

	errs := Run(context.Background(), eng, reg, jobs, 2)
	require.Len(t, errs, 1)
	assert.LessOrEqual(t, eng.maxLive, 2)
	assert.ElementsMatch(t, []string{"http://a/1", "http://a/2", "http://a/3", "http://a/4"}, reg.urls)
	for _, d := range eng.downloads {
		assert.Equal(t, store.StatusCompleted, d.Status)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	eng := newFakeEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errs := Run(ctx, eng, nil, []Job{{URL: "http://a/1"}}, 1)
	assert.Empty(t, errs)
	assert.Empty(t, eng.downloads)
}
