// Package throttle caps the bytes per second written by one side of the
// proxy. All writers created from one Limiter share its budget.
package throttle

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/rcproxy/internal/metrics"
)

// Limiter is a token bucket holding one second worth of bytes.
type Limiter struct {
	limiter   *rate.Limiter
	direction string
	burst     int
}

// New creates a Limiter for bytesPerSec. A non-positive rate disables
// throttling.
func New(bytesPerSec int64, direction string) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{direction: direction}
	}
	burst := int(bytesPerSec)
	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		direction: direction,
		burst:     burst,
	}
}

// Enabled reports whether writes are rate limited.
func (l *Limiter) Enabled() bool {
	return l != nil && l.limiter != nil
}

// Wait blocks until n bytes may be sent.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if !l.Enabled() || n <= 0 {
		return nil
	}
	start := time.Now()
	for n > 0 {
		chunk := min(n, l.burst)
		if err := l.limiter.WaitN(ctx, chunk); err != nil {
			return fmt.Errorf("bandwidth wait: %w", err)
		}
		n -= chunk
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveThrottleDelay(l.direction, d)
	}
	return nil
}

// Reader wraps rc so every read waits for bandwidth before returning data.
// Proxied bodies are pulled by the server's copy loop, so limiting reads caps
// what reaches the client.
func (l *Limiter) Reader(ctx context.Context, rc io.ReadCloser) io.ReadCloser {
	if !l.Enabled() || rc == nil {
		return rc
	}
	return &reader{ctx: ctx, rc: rc, l: l}
}

type reader struct {
	ctx context.Context
	rc  io.ReadCloser
	l   *Limiter
}

func (tr *reader) Read(p []byte) (int, error) {
	if len(p) > tr.l.burst {
		p = p[:tr.l.burst]
	}
	n, err := tr.rc.Read(p)
	if n > 0 {
		if werr := tr.l.Wait(tr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (tr *reader) Close() error {
	return tr.rc.Close()
}
