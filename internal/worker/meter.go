package worker

import (
	"time"

	"github.com/tanq16/fetchd/internal/utils"
)

const sampleInterval = 500 * time.Millisecond

// BlockSizeFor sizes the next read to roughly 0.1s of transfer at speed.
func BlockSizeFor(speed float64) int {
	if speed <= 0 {
		return utils.DefaultBlockSize
	}
	return max(utils.MinBlockSize, min(int(speed*0.1), utils.MaxBlockSize))
}

// speedMeter takes a throughput sample at most every sampleInterval and keeps
// every sample of the session.
type speedMeter struct {
	start      time.Time
	startBytes int64
	lastTime   time.Time
	lastBytes  int64
	current    float64
	samples    []float64
}

func newSpeedMeter(now time.Time, written int64) *speedMeter {
	return &speedMeter{start: now, startBytes: written, lastTime: now, lastBytes: written}
}

func (m *speedMeter) observe(now time.Time, written int64) float64 {
	elapsed := now.Sub(m.lastTime)
	if elapsed >= sampleInterval {
		m.current = float64(written-m.lastBytes) / elapsed.Seconds()
		m.samples = append(m.samples, m.current)
		m.lastTime = now
		m.lastBytes = written
	}
	return m.current
}

func (m *speedMeter) blockSize() int {
	return BlockSizeFor(m.current)
}

// average is the mean of the samples. A session too short to take a sample
// falls back to its overall rate.
func (m *speedMeter) average(now time.Time, written int64) float64 {
	if len(m.samples) > 0 {
		var sum float64
		for _, s := range m.samples {
			sum += s
		}
		return sum / float64(len(m.samples))
	}
	elapsed := now.Sub(m.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(written-m.startBytes) / elapsed
}
