package netstatus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Status{"online": Online, "SLOW": Slow, "cached": Slow, " offline ": Offline} {
		got, err := Parse(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := Parse("sometimes")
	require.Error(t, err)

	require.Equal(t, "online", Online.String())
	require.Equal(t, "cached", Slow.String())
	require.Equal(t, "offline", Offline.String())
}

func TestHolderNotifiesOnChange(t *testing.T) {
	t.Parallel()

	h := NewHolder(Offline)
	ch := h.Watch()

	require.False(t, h.Set(Offline))
	select {
	case <-ch:
		t.Fatal("unexpected notification without a change")
	default:
	}

	require.True(t, h.Set(Slow))
	require.True(t, h.Set(Online))
	require.Equal(t, Online, h.Get())
	<-ch
	select {
	case <-ch:
		t.Fatal("changes should collapse into one wakeup")
	default:
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, Offline, Classify(errors.New("refused"), 0, time.Second))
	require.Equal(t, Slow, Classify(nil, 2*time.Second, time.Second))
	require.Equal(t, Online, Classify(nil, 10*time.Millisecond, time.Second))
	require.Equal(t, Online, Classify(nil, time.Hour, 0))
}

func TestProbe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	p := &Prober{Holder: NewHolder(Offline), Target: srv.URL, Threshold: time.Minute}
	require.Equal(t, Online, p.Probe(context.Background()))

	srv.Close()
	require.Equal(t, Offline, p.Probe(context.Background()))
}

func TestRunUpdatesHolder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHolder(Offline)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go (&Prober{Holder: h, Target: srv.URL, Interval: 10 * time.Millisecond}).Run(ctx)

	require.Eventually(t, func() bool { return h.Get() == Online }, time.Second, 5*time.Millisecond)
}
