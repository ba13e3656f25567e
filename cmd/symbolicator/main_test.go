package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/grafana/symbolicator/pkg/api/v1"
	"github.com/grafana/symbolicator/pkg/format"
	"github.com/grafana/symbolicator/pkg/precog"
)

const testModuleID = "0123456789abcdef"

var testSymbols = []byte("MODULE Linux x86_64 " + testModuleID + " libfoo.so\n" +
	"FILE 0 foo.c\n" +
	"FUNC 1000 20 0 foo\n" +
	"1000 20 12 0\n" +
	"FUNC 1020 30 0 bar\n")

func TestLoadConfig(t *testing.T) {
	c, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":8080", c.Server.HTTPListenAddress)
	require.Equal(t, 10, c.Repository.MaxConcurrency)
	require.Equal(t, 120*time.Second, c.Repository.RequestTimeout)
	require.NoError(t, c.Validate())

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_listen_address: 127.0.0.1:9999
repository:
  endpoints: https://debuginfod.example.com,symsrv+https://symbols.example.com
  cache_dir: /var/cache/symbolicator
registry:
  refine_boundaries: true
symbolizer:
  frame_cache_size: 10
`), 0o644))
	c, err = loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", c.Server.HTTPListenAddress)
	require.Equal(t, []string{"https://debuginfod.example.com", "symsrv+https://symbols.example.com"}, []string(c.Repository.Endpoints))
	require.Equal(t, "/var/cache/symbolicator", c.Repository.CacheDir)
	require.True(t, c.Registry.RefineBoundaries)
	require.Equal(t, 10, c.Symbolizer.FrameCacheSize)
	// Unset keys keep their defaults.
	require.Equal(t, 16, c.Symbolizer.MaxConcurrency)
	require.NoError(t, c.Validate())

	require.NoError(t, os.WriteFile(path, []byte("server:\n  no_such_option: 1\n"), 0o644))
	_, err = loadConfig(path)
	require.Error(t, err)
}

func TestWriteDump(t *testing.T) {
	c, err := format.Parse(testSymbols)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeDump(&buf, c, uint64(len(testSymbols)), true))
	out := buf.String()
	require.Contains(t, out, "breakpad")
	require.Contains(t, out, testModuleID)
	require.Contains(t, out, "libfoo.so")
	require.Contains(t, out, "0x1020")
	require.Contains(t, out, "bar")
}

func withCommandLine(t *testing.T, searchPath string) {
	t.Helper()
	saved := cfg
	t.Cleanup(func() { cfg = saved })
	cfg.searchPaths = []string{searchPath}
}

func TestSymbolicateAndPresymbolicate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, testModuleID), testSymbols, 0o644))
	withCommandLine(t, dir)

	reqPath := filepath.Join(dir, "request.json")
	require.NoError(t, os.WriteFile(reqPath, []byte(`{"jobs":[{"moduleIdentity":"`+testModuleID+`","debugName":"libfoo.so","loadBase":65536,"addresses":[69648,69680,1]}]}`), 0o644))

	var buf bytes.Buffer
	ctx := withOutput(context.Background(), &buf)
	require.NoError(t, symbolicate(ctx, reqPath))
	resp, err := v1.DecodeResponse(&buf)
	require.NoError(t, err)
	one := uint64(1)
	require.Equal(t, [][]v1.Frame{
		{{Symbol: "foo", File: "foo.c", Line: 12}},
		{{Symbol: "bar"}},
		{{Address: &one}},
	}, resp.Jobs[0].Frames)

	out := filepath.Join(dir, "out.json")
	require.NoError(t, presymbolicate(ctx, reqPath, out))
	cs, err := precog.LoadFile(out)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.Equal(t, testModuleID, cs[0].Identity().ID)
	require.Len(t, cs[0].Symbols(), 2)
	require.Equal(t, uint64(0x1010), cs[0].Symbols()[0].Start)
	require.Equal(t, "bar", cs[0].Symbols()[1].Name)
	require.Equal(t, "foo", cs[0].Symbols()[0].Name)
}
