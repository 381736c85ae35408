package worker

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// idleReader cancels the request when a single Read blocks longer than
// timeout. The clock only runs inside Read, so time spent paused between
// blocks does not count.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, func() {
			ir.fired.Store(true)
			cancel()
		})
		ir.timer.Stop()
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if ir.timer == nil {
		return ir.r.Read(p)
	}
	ir.timer.Reset(ir.timeout)
	n, err := ir.r.Read(p)
	ir.timer.Stop()
	return n, err
}

func (ir *idleReader) timedOut() bool {
	return ir.fired.Load()
}

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}
