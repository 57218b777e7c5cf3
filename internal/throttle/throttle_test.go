package throttle

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledLimiterPassesThrough(t *testing.T) {
	t.Parallel()

	l := New(0, "local")
	require.False(t, l.Enabled())
	rc := io.NopCloser(bytes.NewReader([]byte("abc")))
	require.Equal(t, rc, l.Reader(context.Background(), rc))
	require.NoError(t, l.Wait(context.Background(), 1<<20))
}

func TestReaderHonoursRate(t *testing.T) {
	t.Parallel()

	l := New(1000, "remote")
	rc := l.Reader(context.Background(), io.NopCloser(bytes.NewReader(bytes.Repeat([]byte("x"), 1500))))

	start := time.Now()
	// The first 1000 bytes drain the initial burst; the next 500 wait ~0.5s.
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Len(t, data, 1500)
	require.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	require.NoError(t, rc.Close())
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(10, "remote")
	require.NoError(t, l.Wait(context.Background(), 10))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, 10))
}
