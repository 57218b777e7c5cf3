package proxy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocklist(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		bl := NewBlocklist([]string{"example.org"})
		require.NotNil(t, bl)
		assert.True(t, bl.IsBlocked("example.org"))
		assert.True(t, bl.IsBlocked("EXAMPLE.org."))
		assert.False(t, bl.IsBlocked("sub.example.org"))
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		t.Parallel()
		bl := NewBlocklist([]string{"*.ads.net", ".tracker.org"})
		cases := map[string]bool{
			"ads.net":          true,
			"x.ads.net":        true,
			"deep.x.ads.net":   true,
			"tracker.org":      true,
			"cdn.tracker.org":  true,
			"badads.net":       false,
			"example.com":      false,
			"tracker.org.evil": false,
		}
		for host, want := range cases {
			assert.Equal(t, want, bl.IsBlocked(host), host)
		}
	})

	t.Run("nil blocklist", func(t *testing.T) {
		t.Parallel()
		var bl *Blocklist
		assert.False(t, bl.IsBlocked("anything"))
		assert.Zero(t, bl.Len())
		assert.Nil(t, NewBlocklist([]string{" ", "# comment"}))
	})
}

func TestReadBlocklist(t *testing.T) {
	t.Parallel()

	bl, err := ReadBlocklist(strings.NewReader("# ads\ndoubleclick.net\n\n*.ads.net\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, bl.Len())
	assert.True(t, bl.IsBlocked("doubleclick.net"))
}

func TestLoadBlocklist(t *testing.T) {
	t.Parallel()

	bl, err := LoadBlocklist(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, bl)

	path := filepath.Join(t.TempDir(), "blacklist")
	require.NoError(t, os.WriteFile(path, []byte(".tracker.org\n"), 0o600))
	bl, err = LoadBlocklist(path)
	require.NoError(t, err)
	assert.True(t, bl.IsBlocked("a.tracker.org"))
}
