package engine

import "github.com/tanq16/fetchd/internal/store"

type EventKind int

const (
	EventProgress EventKind = iota
	EventComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is the download-level notification published to the Sink. Events are
// delivered from transfer goroutines.
type Event struct {
	Kind         EventKind
	URL          string
	ID           uint64
	Filename     string
	Downloaded   int64
	TotalSize    int64
	Speed        float64
	AverageSpeed float64
	Status       store.Status
	Message      string
}

type Sink interface {
	Publish(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

type nopSink struct{}

func (nopSink) Publish(Event) {}
