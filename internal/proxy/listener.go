// Package proxy contains the local proxy's client-facing pieces: the
// admission-controlled listener, the request handler that decides between
// cache, stream-through and queue, and the host blacklist.
package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultPollInterval = 50 * time.Millisecond

// Listener stops accepting while the number of open connections is at the
// ceiling, polling until one closes.
type Listener struct {
	net.Listener
	max    int64
	poll   time.Duration
	active atomic.Int64
	closed atomic.Bool
	logger *zap.Logger
}

// NewListener wraps inner. A non-positive ceiling disables the limit.
func NewListener(inner net.Listener, ceiling int, poll time.Duration, logger *zap.Logger) *Listener {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{Listener: inner, max: int64(ceiling), poll: poll, logger: logger.Named("listener")}
}

// Accept waits for capacity, then accepts the next connection.
func (l *Listener) Accept() (net.Conn, error) {
	waited := false
	for l.max > 0 && l.active.Load() >= l.max {
		if l.closed.Load() {
			return nil, net.ErrClosed
		}
		if !waited {
			l.logger.Debug("connection ceiling reached", zap.Int64("active", l.active.Load()))
			waited = true
		}
		time.Sleep(l.poll)
	}
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.active.Add(1)
	return &trackedConn{Conn: conn, release: func() { l.active.Add(-1) }}, nil
}

// Close stops the listener and any pending Accept.
func (l *Listener) Close() error {
	l.closed.Store(true)
	return l.Listener.Close()
}

// Active is the number of accepted connections not yet closed.
func (l *Listener) Active() int64 {
	return l.active.Load()
}

type trackedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
