// Package dispatcher drains the local proxy's global queue: one request at a
// time goes to the remote proxy and the package it answers with is unpacked
// into the local cache.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/metrics"
	"github.com/JakeFAU/rcproxy/internal/netstatus"
	"github.com/JakeFAU/rcproxy/internal/pack"
	"github.com/JakeFAU/rcproxy/internal/request"
)

// smoothing is the weight of the newest sample in the time-per-request average.
const smoothing = 0.2

// Queue is the part of the queue manager the loop drives.
type Queue interface {
	PopGlobal() *request.Record
	Position(rec *request.Record) int
	Wake() <-chan struct{}
	Touch()
}

// Transferer sends one request to the remote proxy and unpacks the answer.
type Transferer interface {
	Transfer(ctx context.Context, rec *request.Record, envelope pack.RequestHeaders) (int64, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Dispatcher is the single worker behind the local queue.
type Dispatcher struct {
	queue    Queue
	status   *netstatus.Holder
	transfer Transferer
	clock    Clock
	logger   *zap.Logger

	richness atomic.Int32

	mu  sync.Mutex
	avg time.Duration
}

// New creates a Dispatcher.
func New(queue Queue, status *netstatus.Holder, transfer Transferer, clock Clock, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		status:   status,
		transfer: transfer,
		clock:    clock,
		logger:   logger.Named("dispatcher"),
	}
}

// SetRichness selects the richness requested for subsequent transfers.
func (d *Dispatcher) SetRichness(r pack.Richness) {
	d.richness.Store(int32(r))
}

// Richness returns the richness used for transfers.
func (d *Dispatcher) Richness() pack.Richness {
	return pack.Richness(d.richness.Load())
}

// Run dispatches queued requests until ctx is canceled. Nothing is sent
// while the network is offline; the loop sleeps until a request is queued
// or the status changes.
func (d *Dispatcher) Run(ctx context.Context) {
	statusChanged := d.status.Watch()
	d.logger.Info("dispatch loop started")
	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatch loop stopped")
			return
		}
		if d.status.Get() != netstatus.Offline {
			if rec := d.queue.PopGlobal(); rec != nil {
				d.dispatch(ctx, rec)
				continue
			}
		}
		select {
		case <-ctx.Done():
		case <-d.queue.Wake():
		case <-statusChanged:
		}
	}
}

// dispatch handles one popped record, which PopGlobal already marked
// Downloading.
func (d *Dispatcher) dispatch(ctx context.Context, rec *request.Record) {
	start := d.clock.Now()
	logger := d.logger.With(zap.String("url", rec.URI()), zap.String("id", rec.ID()))

	n, err := d.transfer.Transfer(ctx, rec, pack.RequestHeaders{Richness: d.Richness()})
	took := d.clock.Now().Sub(start)
	if err != nil && ctx.Err() != nil {
		// Left Downloading: the next restore puts it back in the global queue.
		metrics.ObserveDispatch("interrupted", took)
		logger.Info("dispatch interrupted by shutdown", zap.Duration("took", took), zap.Error(err))
		d.queue.Touch()
		return
	}
	if err == nil && n <= 0 {
		err = fmt.Errorf("empty package for %s", rec)
	}
	if err != nil {
		_ = rec.Fail(d.clock.Now())
		metrics.ObserveDispatch("failed", took)
		logger.Warn("dispatch failed", zap.Duration("took", took), zap.Error(err))
	} else {
		_ = rec.Complete(d.clock.Now(), n)
		metrics.ObserveDispatch("completed", took)
		logger.Info("dispatch completed", zap.Int64("bytes", n), zap.Duration("took", took))
	}
	d.observe(took)
	d.queue.Touch()
}

func (d *Dispatcher) observe(took time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.avg == 0 {
		d.avg = took
		return
	}
	d.avg = time.Duration(smoothing*float64(took) + (1-smoothing)*float64(d.avg))
}

// AverageTimePerRequest is the smoothed dispatch duration; zero before the
// first request finishes.
func (d *Dispatcher) AverageTimePerRequest() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.avg
}

// ETA estimates when rec will be done. ok is false while no estimate is
// possible. A terminal record has a zero ETA.
func (d *Dispatcher) ETA(rec *request.Record) (eta time.Duration, ok bool) {
	if rec.Status().Terminal() {
		return 0, true
	}
	avg := d.AverageTimePerRequest()
	if avg == 0 {
		return 0, false
	}
	pos := d.queue.Position(rec)
	return time.Duration(pos+2) * avg, true
}

// FormatETA renders an ETA the way the control plane reports it: "0" for
// finished requests, "-1" when unknown, else a coarse human duration.
func (d *Dispatcher) FormatETA(rec *request.Record) string {
	if rec.Status().Terminal() {
		return "0"
	}
	eta, ok := d.ETA(rec)
	if !ok {
		return "-1"
	}
	return HumanizeETA(eta)
}

// HumanizeETA renders d in minutes, hours or days.
func HumanizeETA(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "< 1 min"
	case d < time.Hour:
		return fmt.Sprintf("%d min", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	default:
		return "> 1 day"
	}
}
