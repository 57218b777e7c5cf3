// Package netstatus tracks how well the local proxy can currently reach the
// remote proxy.
package netstatus

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the current connectivity class.
type Status int

const (
	// Offline means the remote proxy is unreachable; misses are queued.
	Offline Status = iota
	// Slow means the link is usable but expensive; misses are queued and the
	// dispatch loop drains the queue.
	Slow
	// Online means misses stream straight through the remote proxy.
	Online
)

// String returns the name reported by the control plane.
func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Slow:
		return "cached"
	default:
		return "offline"
	}
}

// Parse maps a configured name onto a Status. "slow" and "cached" are
// synonyms.
func Parse(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "online":
		return Online, nil
	case "slow", "cached":
		return Slow, nil
	case "offline":
		return Offline, nil
	default:
		return Offline, fmt.Errorf("unknown network status %q", v)
	}
}

// Holder publishes the current status and notifies watchers on change.
type Holder struct {
	mu       sync.Mutex
	status   Status
	watchers []chan struct{}
}

// NewHolder starts at initial.
func NewHolder(initial Status) *Holder {
	return &Holder{status: initial}
}

// Get returns the current status.
func (h *Holder) Get() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Set updates the status and wakes watchers when it changes.
func (h *Holder) Set(s Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == s {
		return false
	}
	h.status = s
	for _, w := range h.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	return true
}

// Watch returns a channel signalled after every change. The channel has a
// buffer of one, so bursts of changes collapse into a single wakeup.
func (h *Holder) Watch() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan struct{}, 1)
	h.watchers = append(h.watchers, ch)
	return ch
}

// Prober periodically measures the remote proxy and updates a Holder.
type Prober struct {
	Holder    *Holder
	Target    string
	Interval  time.Duration
	Threshold time.Duration
	Client    *http.Client
	Logger    *zap.Logger
}

// Classify maps one probe outcome onto a Status.
func Classify(err error, latency, threshold time.Duration) Status {
	switch {
	case err != nil:
		return Offline
	case threshold > 0 && latency > threshold:
		return Slow
	default:
		return Online
	}
}

// Probe issues one HEAD request against the target.
func (p *Prober) Probe(ctx context.Context) Status {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.Target, nil)
	if err != nil {
		return Offline
	}
	resp, err := client.Do(req)
	if err == nil {
		_ = resp.Body.Close()
	}
	return Classify(err, time.Since(start), p.Threshold)
}

// Run probes until ctx is canceled.
func (p *Prober) Run(ctx context.Context) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status := p.Probe(ctx)
		if p.Holder.Set(status) {
			logger.Info("network status changed", zap.String("status", status.String()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
