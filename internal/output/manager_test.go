package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tanq16/fetchd/internal/engine"
	"github.com/tanq16/fetchd/internal/store"
)

func TestManagerPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	m := newManager(&buf, false)
	m.Register(engine.Info{URL: "http://a/1.bin", Filename: "1.bin", Status: store.StatusQueued, TotalSize: 2048})
	m.Register(engine.Info{URL: "http://a/2.bin", Filename: "2.bin", Status: store.StatusQueued})
	m.Register(engine.Info{URL: "http://a/3.bin", Filename: "3.bin", Status: store.StatusQueued})
	assert.Equal(t, 3, m.Pending())

	m.Publish(engine.Event{Kind: engine.EventProgress, URL: "http://a/1.bin", Downloaded: 1024, TotalSize: 2048, Status: store.StatusDownloading})
	assert.Empty(t, buf.String())
	m.Publish(engine.Event{Kind: engine.EventComplete, URL: "http://a/1.bin", Downloaded: 2048, TotalSize: 2048, Status: store.StatusCompleted, AverageSpeed: 1024})
	m.Publish(engine.Event{Kind: engine.EventError, URL: "http://a/2.bin", Status: store.StatusError, Message: "transfer failed: reset"})
	m.Publish(engine.Event{Kind: engine.EventComplete, URL: "http://a/unknown"})
	assert.Equal(t, 1, m.Pending())

	out := buf.String()
	assert.Contains(t, out, "Completed 1.bin (2.0 KiB at 1.0 KiB/s)")
	assert.Contains(t, out, "Failed 2.bin: transfer failed: reset")

	buf.Reset()
	m.StartDisplay()
	m.StopDisplay()
	m.StopDisplay()
	summary := buf.String()
	assert.Contains(t, summary, "Completed 1 of 3")
	assert.Contains(t, summary, "Failed 1 of 3")
	assert.Contains(t, summary, "Unfinished 1 of 3")
	assert.Contains(t, summary, "transfer failed: reset")
}

func TestCompletionWithUnrecordedStore(t *testing.T) {
	var buf bytes.Buffer
	m := newManager(&buf, false)
	m.Register(engine.Info{URL: "http://a/1.bin", Filename: "1.bin", Status: store.StatusQueued, TotalSize: 10})
	m.Publish(engine.Event{Kind: engine.EventComplete, URL: "http://a/1.bin", TotalSize: 10, Status: store.StatusCompleted,
		Message: "persistence failed: record completion: disk full"})

	out := buf.String()
	assert.Contains(t, out, "Completed 1.bin")
	assert.Contains(t, out, "record completion: disk full")
	assert.Zero(t, m.Pending())

	buf.Reset()
	m.StartDisplay()
	m.StopDisplay()
	summary := buf.String()
	assert.Contains(t, summary, "Completed 1 of 1")
	assert.Contains(t, summary, "disk full")
}

func TestRenderOrdersActiveBeforeCompleted(t *testing.T) {
	m := newManager(&bytes.Buffer{}, true)
	m.Register(engine.Info{URL: "http://a/done", Filename: "done.bin", Status: store.StatusQueued})
	m.Register(engine.Info{URL: "http://a/live", Filename: "live.bin", Status: store.StatusQueued})
	m.Publish(engine.Event{Kind: engine.EventComplete, URL: "http://a/done", TotalSize: 10, Status: store.StatusCompleted})
	m.Publish(engine.Event{Kind: engine.EventProgress, URL: "http://a/live", Downloaded: 5, TotalSize: 10, Status: store.StatusDownloading})

	lines := m.render()
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "live.bin")
	assert.Contains(t, lines[1], "50.0%")
	assert.Contains(t, lines[2], "done.bin")
}

func TestTables(t *testing.T) {
	done := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	history := HistoryTable([]store.Download{{
		ID: 7, Filename: "archive.tar", Status: store.StatusCompleted,
		TotalSize: 4096, Downloaded: 4096, AverageSpeed: 2048, AddedAt: done, CompletedAt: &done,
	}}, true)
	assert.Contains(t, history, "archive.tar")
	assert.Contains(t, history, "4.0 KiB / 4.0 KiB")
	assert.Contains(t, history, "2.0 KiB/s")
	assert.True(t, strings.Contains(history, "|"))

	stats := StatsTable(store.Stats{TotalDownloads: 3, TotalDownloadedBytes: 3 << 20}, false)
	assert.Contains(t, stats, "3.0 MiB")

	active := ActiveTable([]engine.Info{{
		Filename: "a.bin", URL: "http://a/a.bin", Status: store.StatusPaused,
		Segments: []engine.SegmentInfo{{Completed: true}, {}},
	}}, false)
	assert.Contains(t, active, "1/2")
	assert.Contains(t, active, "paused")
}

func TestFormatProgress(t *testing.T) {
	assert.Equal(t, "1.0 KiB", FormatProgress(1024, 0))
	assert.Equal(t, "512 B / 1.0 KiB", FormatProgress(512, 1024))
	assert.Equal(t, "0 B/s", FormatSpeed(0))
}
