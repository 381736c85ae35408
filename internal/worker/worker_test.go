package worker

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fetchd/internal/utils"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (r *recorder) Report(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func testPayload(size int) []byte {
	payload := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(payload)
	return payload
}

func rangeServer(t *testing.T, payload []byte, ranges *[]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ranges != nil {
			mu.Lock()
			*ranges = append(*ranges, r.Header.Get("Range"))
			mu.Unlock()
		}
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestWorker(srvURL, path string, start, end int64, rec *recorder) *Worker {
	cfg := Config{
		Key:          srvURL,
		Run:          1,
		URL:          srvURL,
		Path:         path,
		Start:        start,
		End:          end,
		BlockSize:    1000,
		IdleTimeout:  2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}
	return New(cfg, utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: 5 * time.Second}), rec)
}

func TestFreshDownload(t *testing.T) {
	payload := testPayload(10000)
	srv := rangeServer(t, payload, nil)
	path := filepath.Join(t.TempDir(), "file.bin.part")
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 0, 9999, rec)

	require.NoError(t, w.Run(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	events := rec.all()
	require.NotEmpty(t, events)
	var last int64
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventProgress, ev.Kind)
		assert.GreaterOrEqual(t, ev.Position, last)
		last = ev.Position
	}
	assert.Equal(t, int64(10000), last)
	final := events[len(events)-1]
	assert.Equal(t, EventComplete, final.Kind)
	assert.Equal(t, srv.URL, final.Key)
	assert.Equal(t, uint64(1), final.Run)
	assert.Equal(t, int64(10000), w.Written())
	assert.False(t, w.Alive())
	assert.ErrorIs(t, w.Run(context.Background()), ErrAlreadyStarted)
}

func TestResumeRequestsRemainingRange(t *testing.T) {
	payload := testPayload(10000)
	var ranges []string
	srv := rangeServer(t, payload, &ranges)
	path := filepath.Join(t.TempDir(), "file.bin.part")
	require.NoError(t, os.WriteFile(path, payload[:4000], 0644))
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 0, 9999, rec)

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []string{"bytes=4000-9999"}, ranges)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	events := rec.all()
	assert.GreaterOrEqual(t, events[0].Position, int64(4001))
	assert.Equal(t, 1, rec.count(EventComplete))
}

func TestSegmentWritesOnlyItsRange(t *testing.T) {
	payload := testPayload(10000)
	var ranges []string
	srv := rangeServer(t, payload, &ranges)
	path := filepath.Join(t.TempDir(), "file.bin.part1")
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 5000, 9999, rec)

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []string{"bytes=5000-9999"}, ranges)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload[5000:], data)
	events := rec.all()
	assert.Equal(t, int64(10000), events[len(events)-1].Position)
}

func TestAlreadyCompleteSegment(t *testing.T) {
	payload := testPayload(2000)
	var ranges []string
	srv := rangeServer(t, payload, &ranges)
	path := filepath.Join(t.TempDir(), "file.bin.part0")
	require.NoError(t, os.WriteFile(path, payload[:1000], 0644))
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 0, 999, rec)

	require.NoError(t, w.Run(context.Background()))
	assert.Empty(t, ranges)
	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventComplete, events[0].Kind)
	assert.Equal(t, int64(1000), events[0].Position)
}

func slowServer(t *testing.T, payload []byte, sent int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:sent])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStopMidTransfer(t *testing.T) {
	payload := testPayload(10000)
	srv := slowServer(t, payload, 3000)
	path := filepath.Join(t.TempDir(), "file.bin.part")
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 0, 9999, rec)
	rec.hook = func(ev Event) {
		if ev.Kind == EventProgress {
			w.Stop()
		}
	}

	start := time.Now()
	require.NoError(t, w.Run(context.Background()))
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Zero(t, rec.count(EventComplete))
	assert.Zero(t, rec.count(EventError))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, w.Written(), info.Size())
	assert.Greater(t, info.Size(), int64(0))
	assert.Less(t, info.Size(), int64(10000))
	data, _ := os.ReadFile(path)
	assert.Equal(t, payload[:len(data)], data)
}

func TestStopInterruptsStalledRead(t *testing.T) {
	payload := testPayload(10000)
	srv := slowServer(t, payload, 3000)
	path := filepath.Join(t.TempDir(), "file.bin.part")
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 0, 9999, rec)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()
	require.Eventually(t, func() bool { return w.Written() == 3000 }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	w.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stop did not interrupt the blocked read")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, w.Alive())
	assert.Zero(t, rec.count(EventError))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), info.Size())
}

func TestPauseAndResume(t *testing.T) {
	payload := testPayload(10000)
	srv := rangeServer(t, payload, nil)
	path := filepath.Join(t.TempDir(), "file.bin.part")
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 0, 9999, rec)
	var once sync.Once
	rec.hook = func(ev Event) {
		if ev.Kind == EventProgress {
			once.Do(w.Pause)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	require.Eventually(t, w.Paused, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	held := w.Written()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, held, w.Written())
	assert.True(t, w.Alive())

	w.Resume()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish after resume")
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, 1, rec.count(EventComplete))
}

func TestStopWinsOverPause(t *testing.T) {
	payload := testPayload(10000)
	srv := rangeServer(t, payload, nil)
	path := filepath.Join(t.TempDir(), "file.bin.part")
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 0, 9999, rec)
	var once sync.Once
	rec.hook = func(ev Event) {
		once.Do(func() {
			w.Pause()
			w.Stop()
		})
	}

	require.NoError(t, w.Run(context.Background()))
	assert.Zero(t, rec.count(EventComplete))
	assert.Equal(t, 1, rec.count(EventProgress))
	assert.Greater(t, w.Written(), int64(0))
	assert.LessOrEqual(t, w.Written(), int64(1000))
}

func TestTransportFailurePreservesBytes(t *testing.T) {
	payload := testPayload(10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10000")
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:3000])
	}))
	defer srv.Close()
	path := filepath.Join(t.TempDir(), "file.bin.part")
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 0, 9999, rec)

	err := w.Run(context.Background())
	require.ErrorIs(t, err, utils.ErrTransfer)
	assert.Equal(t, 1, rec.count(EventError))
	assert.Zero(t, rec.count(EventComplete))
	events := rec.all()
	assert.NotEmpty(t, events[len(events)-1].Err.Error())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload[:3000], data)
}

func TestBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	rec := &recorder{}
	w := newTestWorker(srv.URL, filepath.Join(t.TempDir(), "x.part"), 0, 99, rec)

	err := w.Run(context.Background())
	require.ErrorIs(t, err, utils.ErrTransfer)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, 1, rec.count(EventError))
}

func TestIdleTimeout(t *testing.T) {
	payload := testPayload(10000)
	srv := slowServer(t, payload, 1000)
	rec := &recorder{}
	w := newTestWorker(srv.URL, filepath.Join(t.TempDir(), "x.part"), 0, 9999, rec)
	w.cfg.IdleTimeout = 150 * time.Millisecond

	err := w.Run(context.Background())
	require.ErrorIs(t, err, ErrIdleTimeout)
	assert.Equal(t, int64(1000), w.Written())
}

func TestRangeIgnoredRestartsWholeFile(t *testing.T) {
	payload := testPayload(10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10000")
		w.Write(payload)
	}))
	defer srv.Close()
	path := filepath.Join(t.TempDir(), "file.bin.part")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'x'}, 4000), 0644))
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 0, 9999, rec)

	require.NoError(t, w.Run(context.Background()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestRangeIgnoredForLaterSegment(t *testing.T) {
	payload := testPayload(10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()
	rec := &recorder{}
	w := newTestWorker(srv.URL, filepath.Join(t.TempDir(), "x.part1"), 5000, 9999, rec)

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrRangeIgnored)
}

func TestUnknownSize(t *testing.T) {
	payload := testPayload(7777)
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		for i := 0; i < len(payload); i += 1000 {
			w.Write(payload[i:min(i+1000, len(payload))])
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()
	path := filepath.Join(t.TempDir(), "x.part")
	rec := &recorder{}
	w := newTestWorker(srv.URL, path, 0, -1, rec)

	require.NoError(t, w.Run(context.Background()))
	assert.Empty(t, gotRange)
	assert.Equal(t, int64(-1), w.Length())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	events := rec.all()
	assert.Equal(t, EventComplete, events[len(events)-1].Kind)
	assert.Equal(t, int64(7777), events[len(events)-1].Position)
}

func TestContextCancelIsQuiet(t *testing.T) {
	payload := testPayload(10000)
	srv := slowServer(t, payload, 2000)
	rec := &recorder{}
	w := newTestWorker(srv.URL, filepath.Join(t.TempDir(), "x.part"), 0, 9999, rec)
	ctx, cancel := context.WithCancel(context.Background())
	rec.hook = func(ev Event) { cancel() }

	require.NoError(t, w.Run(ctx))
	assert.Zero(t, rec.count(EventError))
	assert.Zero(t, rec.count(EventComplete))
}
