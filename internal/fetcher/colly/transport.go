package collyfetcher

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/rcproxy/internal/metrics"
)

// meteredTransport records every upstream round trip and the body bytes it
// pulled over the wire.
type meteredTransport struct {
	base http.RoundTripper
}

func newMeteredTransport(base http.RoundTripper) *meteredTransport {
	return &meteredTransport{base: base}
}

func (t *meteredTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("metered transport received nil request")
	}
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		metrics.ObserveFetch(req.Method, 0, time.Since(start), 0)
		return nil, fmt.Errorf("upstream roundtrip: %w", err)
	}
	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		done: func(n int64) {
			metrics.ObserveFetch(req.Method, resp.StatusCode, time.Since(start), n)
		},
	}
	return resp, nil
}

// countingBody reports the bytes read once the body is closed.
type countingBody struct {
	io.ReadCloser
	n      int64
	done   func(int64)
	closed bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	if !b.closed {
		b.closed = true
		b.done(b.n)
	}
	return b.ReadCloser.Close()
}
