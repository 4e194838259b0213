package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pltd/internal/counter"
	"pltd/internal/server"
	"pltd/internal/store"
	"pltd/internal/table"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func pltctl(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"-log-level", "error"}, args...)
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func startDaemon(t *testing.T) (socket, root string) {
	t.Helper()
	dir := t.TempDir()
	root = filepath.Join(dir, "plt")
	tbl := table.New(root)
	require.NoError(t, tbl.Init())
	counters, err := counter.New(tbl, bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	socket = filepath.Join(dir, "s.sock")
	srv := server.New(socket, tbl, counters)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return socket, root
}

func TestUsage(t *testing.T) {
	r := pltctl(t, "")
	assert.Equal(t, 2, r.code)
	assert.Contains(t, r.stderr, "usage: pltctl")

	r = pltctl(t, "", "frobnicate")
	assert.Equal(t, 2, r.code)
}

func TestClientCommands(t *testing.T) {
	socket, root := startDaemon(t)

	r := pltctl(t, "", "-socket", socket, "store", "100", "hello")
	require.Equal(t, 0, r.code, r.stderr)

	r = pltctl(t, "", "-socket", socket, "get", "100")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "hello", r.stdout, "non-terminal output is raw")

	r = pltctl(t, "\x00\x01binary", "-socket", socket, "store", "7", "-")
	require.Equal(t, 0, r.code, r.stderr)
	r = pltctl(t, "", "-socket", socket, "get", "7")
	assert.Equal(t, "\x00\x01binary", r.stdout)

	r = pltctl(t, "", "-socket", socket, "exists", "100")
	assert.Equal(t, "true\n", r.stdout)

	r = pltctl(t, "", "-socket", socket, "keys")
	assert.Equal(t, "7\n100\n", r.stdout)

	r = pltctl(t, "", "-socket", socket, "remove", "100")
	require.Equal(t, 0, r.code, r.stderr)
	assert.NoDirExists(t, filepath.Join(root, "100"))

	r = pltctl(t, "", "-socket", socket, "get", "100")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "not found")

	r = pltctl(t, "", "-socket", socket, "exists", "100")
	assert.Equal(t, "false\n", r.stdout)
}

func TestCounterCommands(t *testing.T) {
	socket, _ := startDaemon(t)

	r := pltctl(t, "", "-socket", socket, "counter", "create", "3")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "0\n", r.stdout)

	for _, want := range []string{"1\n", "2\n"} {
		r = pltctl(t, "", "-socket", socket, "counter", "incr", "3")
		require.Equal(t, 0, r.code, r.stderr)
		assert.Equal(t, want, r.stdout)
	}

	r = pltctl(t, "", "-socket", socket, "counter", "read", "3")
	assert.Equal(t, "2\n", r.stdout)

	r = pltctl(t, "", "-socket", socket, "counter", "list")
	assert.Equal(t, "3\n", r.stdout)

	r = pltctl(t, "", "-socket", socket, "counter", "rm", "3")
	require.Equal(t, 0, r.code, r.stderr)

	r = pltctl(t, "", "-socket", socket, "counter", "read", "3")
	assert.Equal(t, 1, r.code)

	r = pltctl(t, "", "-socket", socket, "counter", "spin", "3")
	assert.Equal(t, 2, r.code)
}

func TestBadKey(t *testing.T) {
	socket, _ := startDaemon(t)

	r := pltctl(t, "", "-socket", socket, "get", "-1")
	assert.Equal(t, 2, r.code)
	assert.Contains(t, r.stderr, "invalid key")

	r = pltctl(t, "", "-socket", socket, "get", "18446744073709551616")
	assert.Equal(t, 2, r.code)

	r = pltctl(t, "", "-socket", socket, "store", "1")
	assert.Equal(t, 2, r.code)
}

func TestDaemonNotRunning(t *testing.T) {
	r := pltctl(t, "", "-socket", filepath.Join(t.TempDir(), "none.sock"), "keys")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "connecting to")
}

func TestFsck(t *testing.T) {
	root := filepath.Join(t.TempDir(), "plt")
	tbl := table.New(root)
	require.NoError(t, tbl.Init())
	require.NoError(t, tbl.StoreValue(5, []byte("abc")))
	require.NoError(t, tbl.StoreValue(5, []byte("abcdef")))
	require.NoError(t, tbl.StoreValue(9, []byte("x")))

	r := pltctl(t, "", "fsck", "-root", root)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "5\t6 bytes\n9\t1 bytes\n2 keys, 2 with a value\n", r.stdout)

	entries, err := filepath.Glob(filepath.Join(root, "5", "*"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "5", "2.value")}, entries)
}

func TestFsckMissingRoot(t *testing.T) {
	r := pltctl(t, "", "fsck", "-root", filepath.Join(t.TempDir(), "absent"))
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "does not exist")

	r = pltctl(t, "", "fsck")
	assert.Equal(t, 2, r.code)
}

func TestMigrateToBolt(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "plt")
	tbl := table.New(root)
	require.NoError(t, tbl.Init())
	require.NoError(t, tbl.StoreValue(1, []byte("one")))
	require.NoError(t, tbl.StoreValue(2, []byte("two")))
	require.NoError(t, tbl.StoreValue(3, nil))

	dbPath := filepath.Join(dir, "out", "table.db")
	r := pltctl(t, "", "migrate", "-from", "fs:"+root, "-to", "bolt:"+dbPath)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "copied 2 keys")

	dst, err := store.Open(store.BackendBolt, dbPath, store.Options{})
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.Init())

	v, err := dst.GetValue(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)
	assert.False(t, dst.KeyExists(3))
}

func TestMigrateRejectsBadLocations(t *testing.T) {
	dir := t.TempDir()

	r := pltctl(t, "", "migrate", "-from", "fs:"+dir)
	assert.Equal(t, 2, r.code)

	r = pltctl(t, "", "migrate", "-from", "fs:"+dir, "-to", "fs:"+dir)
	assert.Equal(t, 2, r.code)

	r = pltctl(t, "", "migrate", "-from", "tape:"+dir, "-to", "bolt:"+filepath.Join(dir, "x.db"))
	assert.Equal(t, 2, r.code)
}
