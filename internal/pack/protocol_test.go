package pack

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	RequestHeaders{}.Apply(h)
	require.Empty(t, h)

	RequestHeaders{Stream: true, UserID: "alice", Richness: RichnessLow}.Apply(h)
	got := ReadRequestHeaders(h)
	require.Equal(t, RequestHeaders{Stream: true, UserID: "alice", Richness: RichnessLow}, got)

	RequestHeaders{}.Strip(h)
	require.Empty(t, h)
}

func TestReadResponseHeadersRequiresBothSizes(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set(HeaderIndexSize, "12")
	_, err := ReadResponseHeaders(h)
	require.ErrorIs(t, err, ErrProtocol)

	h.Set(HeaderContentSize, "abc")
	_, err = ReadResponseHeaders(h)
	require.ErrorIs(t, err, ErrProtocol)

	h.Set(HeaderContentSize, "30")
	sizes, err := ReadResponseHeaders(h)
	require.NoError(t, err)
	require.Equal(t, ResponseHeaders{IndexSize: 12, ContentSize: 30}, sizes)
}

func TestParseRichness(t *testing.T) {
	t.Parallel()

	require.Equal(t, RichnessLow, ParseRichness(" LOW "))
	require.Equal(t, RichnessNormal, ParseRichness(""))
	require.Equal(t, RichnessNormal, ParseRichness("rich"))
}
