package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig lays out six local disks under a temp dir with small
// blocks so multi-chunk objects stay small.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	var b strings.Builder
	fmt.Fprintf(&b, "backend: local\ndata_dir: %s\ndisks:\n", filepath.Join(dir, "disks"))
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, "  - {node: %d, index: %d}\n", i%3, i/3)
	}
	b.WriteString("reliability: {data: 4, parity: 2}\nblock_size: 64KB\nchunk_blocks: 2\nlog_level: error\n")
	path := filepath.Join(dir, "archive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func randomFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestCLI_ObjectLifecycle(t *testing.T) {
	cfg := writeTestConfig(t)
	input, data := randomFile(t, 300<<10)
	textfile := filepath.Join(t.TempDir(), "oarchive.prom")

	out, err := run(t, "--config", cfg, "--metrics-textfile", textfile, "put", input, "--metadata", "nightly")
	require.NoError(t, err)
	link1 := strings.TrimSpace(out)
	require.NotEmpty(t, link1)

	prom, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "oarchive_bytes_stored_total")

	restored := filepath.Join(t.TempDir(), "restored.bin")
	_, err = run(t, "--config", cfg, "get", link1, restored)
	require.NoError(t, err)
	got, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	out, err = run(t, "--config", cfg, "stat", link1)
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 1")
	assert.Regexp(t, `CHUNKS\s+3\n`, out)
	assert.Contains(t, out, `"nightly"`)

	out, err = run(t, "--config", cfg, "ref", link1)
	require.NoError(t, err)
	link2 := strings.TrimSpace(out)

	out, err = run(t, "--config", cfg, "stat", link2)
	require.NoError(t, err)
	assert.Contains(t, out, "2 of 2")

	out, err = run(t, "--config", cfg, "fsck", link2)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	_, err = run(t, "--config", cfg, "rm", link1)
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "get", link1, "-")
	assert.Error(t, err)

	out, err = run(t, "--config", cfg, "get", link2)
	require.NoError(t, err)
	assert.Equal(t, data, []byte(out))

	_, err = run(t, "--config", cfg, "rm", link2)
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "rm", link2)
	assert.Error(t, err)
}

func TestCLI_Retention(t *testing.T) {
	cfg := writeTestConfig(t)
	input, _ := randomFile(t, 1000)

	out, err := run(t, "--config", cfg, "put", "--retain", "1h", input)
	require.NoError(t, err)
	link := strings.TrimSpace(out)

	_, err = run(t, "--config", cfg, "rm", link)
	assert.ErrorContains(t, err, "retention")

	_, err = run(t, "--config", cfg, "retain", link, time.Now().Add(-time.Hour).Format(time.RFC3339))
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "rm", link)
	assert.NoError(t, err)
}

func TestCLI_LocateAndRecover(t *testing.T) {
	cfg := writeTestConfig(t)
	input, data := randomFile(t, 5000)

	out, err := run(t, "--config", cfg, "put", input)
	require.NoError(t, err)
	link := strings.TrimSpace(out)

	out, err = run(t, "--config", cfg, "locate", link)
	require.NoError(t, err)
	assert.Equal(t, 7, strings.Count(out, "\n"), out)
	assert.NotContains(t, out, "<offline>")

	_, err = run(t, "--config", cfg, "recover", link, "2")
	require.NoError(t, err)

	out, err = run(t, "--config", cfg, "get", link)
	require.NoError(t, err)
	assert.Equal(t, data, []byte(out))

	_, err = run(t, "--config", cfg, "recover", link, "two")
	assert.Error(t, err)
}

func TestCLI_Disks(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := run(t, "--config", cfg, "disks")
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(out, "online"), out)
}

func TestCLI_ProgressWithoutStore(t *testing.T) {
	cfg := writeTestConfig(t)
	_, err := run(t, "--config", cfg, "progress", "6ba7b810-9dad-11d1-80b4-00c04fd430c8.0.0")
	assert.ErrorContains(t, err, "no such object")
}

func TestCLI_BadArguments(t *testing.T) {
	cfg := writeTestConfig(t)
	_, err := run(t, "--config", cfg, "stat", "not-an-id")
	assert.Error(t, err)
	_, err = run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "disks")
	assert.Error(t, err)
	_, err = run(t, "--config", cfg, "put", "--retain", "someday", "-")
	assert.Error(t, err)
}

func TestParseRetention(t *testing.T) {
	zero, err := parseRetention("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	at, err := parseRetention("2030-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC), at.UTC())

	later, err := parseRetention("2h")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), later, time.Minute)

	_, err = parseRetention("tomorrow")
	assert.Error(t, err)
}
