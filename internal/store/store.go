// Package store persists download records, per-resume sessions and global
// transfer statistics. Every mutation is a single transaction so a crash
// never leaves a half-written record behind.
package store

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusStopped     Status = "stopped"
	StatusError       Status = "error"
)

// Active reports whether a download in this status is rehydrated on startup.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusDownloading || s == StatusPaused
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

var ErrNotFound = errors.New("record not found")

// Segment is the persisted partition of a download. End is inclusive and -1
// when the total size is unknown.
type Segment struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type Download struct {
	ID           uint64     `json:"id"`
	URL          string     `json:"url"`
	Filename     string     `json:"filename"`
	SavePath     string     `json:"save_path"`
	TotalSize    int64      `json:"total_size"`
	Downloaded   int64      `json:"downloaded"`
	Status       Status     `json:"status"`
	Segments     []Segment  `json:"segments,omitempty"`
	AddedAt      time.Time  `json:"added_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	AverageSpeed float64    `json:"average_speed"`
	Error        string     `json:"error,omitempty"`
}

type Session struct {
	ID              string     `json:"id"`
	DownloadID      uint64     `json:"download_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	StartBytes      int64      `json:"start_bytes"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	AverageSpeed    float64    `json:"average_speed"`
}

type Stats struct {
	TotalDownloads       int64     `json:"total_downloads"`
	TotalDownloadedBytes int64     `json:"total_downloaded_bytes"`
	AverageSpeed         float64   `json:"average_speed"`
	LastUpdated          time.Time `json:"last_updated"`
}

// Progress is one checkpoint of a running download.
type Progress struct {
	Downloaded int64
	TotalSize  int64
	Status     Status
	Speed      float64
}

type Store interface {
	// AddDownload inserts d, assigning d.ID and d.AddedAt when unset.
	AddDownload(ctx context.Context, d *Download) error
	SaveDownload(ctx context.Context, d *Download) error
	// UpdateProgress checkpoints the record and upserts its open session.
	UpdateProgress(ctx context.Context, id uint64, p Progress) error
	// SetStatus records a lifecycle transition; closeSession ends the open session.
	SetStatus(ctx context.Context, id uint64, status Status, errMsg string, closeSession bool) error
	// CompleteDownload marks the record completed, closes its session and folds
	// it into the global stats in one transaction.
	CompleteDownload(ctx context.Context, id uint64, totalSize int64, averageSpeed float64) error
	GetDownload(ctx context.Context, id uint64) (*Download, error)
	History(ctx context.Context) ([]Download, error)
	Active(ctx context.Context) ([]Download, error)
	Sessions(ctx context.Context, downloadID uint64) ([]Session, error)
	Stats(ctx context.Context) (Stats, error)
	// RecomputeAverageSpeed rebuilds the global average from completed downloads.
	RecomputeAverageSpeed(ctx context.Context) (Stats, error)
	Close() error
}

func runningMean(mean float64, n int64, sample float64) float64 {
	if n <= 0 {
		return sample
	}
	return mean + (sample-mean)/float64(n)
}

func sessionSpeed(s *Session, now time.Time) float64 {
	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.DownloadedBytes) / elapsed
}
