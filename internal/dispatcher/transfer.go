package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/metrics"
	"github.com/JakeFAU/rcproxy/internal/pack"
	"github.com/JakeFAU/rcproxy/internal/request"
)

// ErrRemoteStatus is returned when the remote proxy answers with an error
// status instead of a package.
var ErrRemoteStatus = errors.New("remote proxy refused request")

// RemoteTransfer sends requests through the remote proxy and unpacks the
// packages it returns.
type RemoteTransfer struct {
	client   *http.Client
	unpacker *pack.Unpacker
	logger   *zap.Logger
}

// NewRemoteTransfer builds a transfer through the proxy at remote, given as
// host:port or URL. The client has no timeout: a crawl ends on the remote's
// own deadline.
func NewRemoteTransfer(remote string, unpacker *pack.Unpacker, logger *zap.Logger) (*RemoteTransfer, error) {
	proxyURL, err := ParseRemote(remote)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteTransfer{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:              http.ProxyURL(proxyURL),
				DisableCompression: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		unpacker: unpacker,
		logger:   logger.Named("transfer"),
	}, nil
}

// ParseRemote turns the configured remote address into a proxy URL.
func ParseRemote(remote string) (*url.URL, error) {
	if remote == "" {
		return nil, errors.New("remote proxy address is required")
	}
	raw := remote
	if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
		raw = "http://" + remote
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse remote proxy address: %w", err)
	}
	return u, nil
}

// Transfer implements Transferer.
func (t *RemoteTransfer) Transfer(ctx context.Context, rec *request.Record, envelope pack.RequestHeaders) (int64, error) {
	var body io.Reader
	if b := rec.Body(); len(b) > 0 {
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, rec.Method(), rec.URI(), body)
	if err != nil {
		return 0, fmt.Errorf("build remote request: %w", err)
	}
	envelope.Apply(req.Header)

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("%w: %s", ErrRemoteStatus, resp.Status)
	}
	sizes, err := pack.ReadResponseHeaders(resp.Header)
	if err != nil {
		return 0, err
	}
	n, err := t.unpacker.Unpack(resp.Body, sizes.IndexSize, sizes.ContentSize)
	metrics.ObserveUnpack(n, err)
	if err != nil {
		return n, fmt.Errorf("unpack %s: %w", rec, err)
	}
	t.logger.Debug("package unpacked",
		zap.String("url", rec.URI()),
		zap.Int64("index_bytes", sizes.IndexSize),
		zap.Int64("bytes", n))
	return n, nil
}
