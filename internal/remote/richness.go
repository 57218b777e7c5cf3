package remote

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/cache"
)

var nonTextTypes = []string{"image", "audio", "video"}

// IsATextPage guesses whether uri is worth downloading in low-richness mode.
// Known extensions decide immediately; anything else costs a HEAD request.
// A failed probe counts as text.
func (c *Crawler) IsATextPage(ctx context.Context, uri string) bool {
	contentType := ""
	if u, err := url.Parse(uri); err == nil {
		if ct, ok := cache.TypeByExtension(u.Path); ok {
			contentType = ct
		}
	}
	if contentType == "" {
		resp, err := c.fetcher.Head(ctx, uri)
		if err != nil {
			c.logger.Debug("head probe failed", zap.String("url", uri), zap.Error(err))
		} else {
			contentType = resp.Header.Get("Content-Type")
		}
	}
	return isTextType(contentType)
}

func isTextType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, kind := range nonTextTypes {
		if strings.Contains(ct, kind) {
			return false
		}
	}
	return true
}
