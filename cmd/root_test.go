package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/config"
)

type fakeRunner struct {
	err error
	ran bool
}

func (f *fakeRunner) Run(context.Context) error {
	f.ran = true
	return f.err
}

func swapBuilders(t *testing.T, local, remote func(config.Config, *zap.Logger) (runner, error)) {
	t.Helper()
	prevLocal, prevRemote, prevCfg := buildLocal, buildRemote, cfgFile
	buildLocal, buildRemote = local, remote
	t.Cleanup(func() {
		buildLocal, buildRemote, cfgFile = prevLocal, prevRemote, prevCfg
	})
}

func TestLocalCommandLoadsConfigAndRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rcproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("local:\n  listen: \":3128\"\nlogging:\n  development: false\n"), 0o600))

	fake := &fakeRunner{}
	var got config.Config
	swapBuilders(t,
		func(cfg config.Config, _ *zap.Logger) (runner, error) {
			got = cfg
			return fake, nil
		},
		func(config.Config, *zap.Logger) (runner, error) {
			t.Fatal("remote builder should not run")
			return nil, nil
		},
	)

	root := newRootCmd()
	root.SetArgs([]string{"local", "--config", path})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.True(t, fake.ran)
	assert.Equal(t, ":3128", got.Local.Listen)
}

func TestRemoteCommandReportsBuildFailure(t *testing.T) {
	swapBuilders(t,
		func(config.Config, *zap.Logger) (runner, error) { return nil, nil },
		func(config.Config, *zap.Logger) (runner, error) { return nil, errors.New("no cache") },
	)

	root := newRootCmd()
	root.SetArgs([]string{"remote"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cache")
}

func TestCommandRejectsMissingConfig(t *testing.T) {
	swapBuilders(t,
		func(config.Config, *zap.Logger) (runner, error) { return &fakeRunner{}, nil },
		func(config.Config, *zap.Logger) (runner, error) { return &fakeRunner{}, nil },
	)

	root := newRootCmd()
	root.SetArgs([]string{"local", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, root.ExecuteContext(context.Background()))
}
