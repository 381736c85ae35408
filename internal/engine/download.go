package engine

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/tanq16/fetchd/internal/store"
	"github.com/tanq16/fetchd/internal/utils"
	"github.com/tanq16/fetchd/internal/worker"
)

// Download is the in-memory state of one tracked transfer. mu guards every
// mutable field and is never held across I/O. persistMu orders checkpoint
// writes so the last write always carries the freshest snapshot.
type Download struct {
	mu        sync.Mutex
	persistMu sync.Mutex

	id         uint64
	url        string
	filename   string
	savePath   string
	outputPath string
	tempPath   string
	addedAt    time.Time

	totalSize int64
	status    store.Status
	lastErr   string
	segments  []*segment
	gen       uint64
	run       *transfer
	finishing bool

	// predecessor is the removed download this one replaced. Its last run
	// must exit before the first run here touches the same files.
	predecessor *Download
}

type segment struct {
	index     int
	start     int64
	end       int64
	path      string
	written   int64
	speed     float64
	avgSpeed  float64
	completed bool
	worker    *worker.Worker
}

func (s *segment) length() int64 {
	if s.end < 0 {
		return -1
	}
	return s.end - s.start + 1
}

// transfer is one launch of a download's workers. Its flags are guarded by
// the owning Download's mu so workers created late still see them.
type transfer struct {
	gen     uint64
	paused  bool
	stopped bool
	done    chan struct{}
}

func (t *transfer) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

type SegmentInfo struct {
	Index     int
	Start     int64
	End       int64
	Written   int64
	Completed bool
}

// Info is a point-in-time copy of a Download.
type Info struct {
	ID         uint64
	URL        string
	Filename   string
	SavePath   string
	OutputPath string
	TempPath   string
	TotalSize  int64
	Downloaded int64
	Speed      float64
	Status     store.Status
	Error      string
	AddedAt    time.Time
	Live       bool
	Segments   []SegmentInfo
}

func newDownload(rec *store.Download) *Download {
	outputPath := filepath.Join(rec.SavePath, rec.Filename)
	d := &Download{
		id:         rec.ID,
		url:        rec.URL,
		filename:   rec.Filename,
		savePath:   rec.SavePath,
		outputPath: outputPath,
		tempPath:   outputPath + utils.PartSuffix,
		addedAt:    rec.AddedAt,
		totalSize:  rec.TotalSize,
		status:     rec.Status,
		lastErr:    rec.Error,
	}
	parts := rec.Segments
	if len(parts) == 0 {
		end := rec.TotalSize - 1
		if rec.TotalSize <= 0 {
			end = -1
		}
		parts = []store.Segment{{Index: 0, Start: 0, End: end}}
	}
	for i, p := range parts {
		d.segments = append(d.segments, &segment{
			index: i,
			start: p.Start,
			end:   p.End,
			path:  segmentPath(d.tempPath, i, len(parts)),
		})
	}
	return d
}

// measureLocked reloads segment progress from the files on disk, which are
// the source of truth for resumption.
func (d *Download) measureLocked() int64 {
	var total int64
	for _, seg := range d.segments {
		size := fileSize(seg.path)
		length := seg.length()
		if length >= 0 && size > length {
			size = 0
		}
		seg.written = size
		seg.speed = 0
		seg.completed = length >= 0 && size == length
		total += size
	}
	return total
}

func (d *Download) downloadedLocked() int64 {
	var total int64
	for _, seg := range d.segments {
		total += seg.written
	}
	return total
}

func (d *Download) speedLocked() float64 {
	var total float64
	for _, seg := range d.segments {
		total += seg.speed
	}
	return total
}

// drainingRun returns the run whose exit frees this download's files. A
// download removed before it ever launched defers to its own predecessor.
func (d *Download) drainingRun() *transfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.run == nil && d.predecessor != nil {
		return d.predecessor.drainingRun()
	}
	return d.run
}

func (d *Download) liveLocked() bool {
	return d.run != nil && d.run.alive()
}

func (d *Download) recordLocked() *store.Download {
	rec := &store.Download{
		ID:         d.id,
		URL:        d.url,
		Filename:   d.filename,
		SavePath:   d.savePath,
		TotalSize:  d.totalSize,
		Downloaded: d.downloadedLocked(),
		Status:     d.status,
		AddedAt:    d.addedAt,
		Error:      d.lastErr,
	}
	for _, seg := range d.segments {
		rec.Segments = append(rec.Segments, store.Segment{Index: seg.index, Start: seg.start, End: seg.end})
	}
	return rec
}

func (d *Download) progressLocked() store.Progress {
	return store.Progress{
		Downloaded: d.downloadedLocked(),
		TotalSize:  d.totalSize,
		Status:     d.status,
		Speed:      d.speedLocked(),
	}
}

func (d *Download) infoLocked() Info {
	info := Info{
		ID:         d.id,
		URL:        d.url,
		Filename:   d.filename,
		SavePath:   d.savePath,
		OutputPath: d.outputPath,
		TempPath:   d.tempPath,
		TotalSize:  d.totalSize,
		Downloaded: d.downloadedLocked(),
		Speed:      d.speedLocked(),
		Status:     d.status,
		Error:      d.lastErr,
		AddedAt:    d.addedAt,
		Live:       d.liveLocked(),
	}
	for _, seg := range d.segments {
		info.Segments = append(info.Segments, SegmentInfo{
			Index:     seg.index,
			Start:     seg.start,
			End:       seg.end,
			Written:   seg.written,
			Completed: seg.completed,
		})
	}
	return info
}

func (d *Download) info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.infoLocked()
}
