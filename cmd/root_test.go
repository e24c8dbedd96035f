package cmd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/config"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "worker", "standalone", "migrate"} {
		require.True(t, names[want], want)
	}
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestMigrateCommandRequiresDSN(t *testing.T) {
	orig := newRuntime
	t.Cleanup(func() { newRuntime = orig })
	newRuntime = func(string) (*runtime, error) {
		return &runtime{cfg: config.Config{}, logger: zap.NewNop()}, nil
	}

	root := newRootCmd()
	root.SetArgs([]string{"migrate"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	require.ErrorContains(t, err, "db.dsn")
}

func TestRuntimeErrorsStopCommands(t *testing.T) {
	orig := newRuntime
	t.Cleanup(func() { newRuntime = orig })
	newRuntime = func(string) (*runtime, error) {
		return nil, errors.New("bad config")
	}

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	require.EqualError(t, root.Execute(), "bad config")
}
