package interp_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/sievecore/cache"
	"github.com/migadu/sievecore/sieve"
	"github.com/migadu/sievecore/sieve/interp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// baseCaps builds a Capabilities table that satisfies Validate and parses
// every extension these tests exercise.
func baseCaps(t *testing.T, exts ...string) *sieve.Capabilities {
	t.Helper()
	c := sieve.NewCapabilities()
	c.Logger = func(format string, args ...interface{}) {}
	c.ExecuteErr = func(reason string) {}
	c.Keep = func(ctx context.Context, ac sieve.ActionContext, flags []string) error { return nil }
	for _, e := range exts {
		c.EnableExtension(e)
	}
	return c
}

// compileToFile parses src, compiles it, and writes the bytecode blob to
// a file under dir, returning its path. mmap requires a non-empty file
// backed by a real path, so cache tests can't work purely in memory.
func compileToFile(t *testing.T, dir, name, src string, caps *sieve.Capabilities) string {
	t.Helper()
	script, err := sieve.ParseFromString(src, caps, nil)
	require.NoError(t, err)
	require.False(t, script.HasErrors(), script.ErrorString())
	blob, err := sieve.Compile(script)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, blob, 0o644))
	return path
}

func loadHandle(t *testing.T, path string) *cache.Handle {
	t.Helper()
	h := cache.NewHandle()
	st, err := h.Load(path)
	require.NoError(t, err)
	require.Equal(t, sieve.Ok, st)
	return h
}

func TestExecuteKeepOnly(t *testing.T) {
	dir := t.TempDir()
	caps := baseCaps(t)
	path := compileToFile(t, dir, "keep.bc", `keep;`, caps)
	h := loadHandle(t, path)

	result, status := interp.Execute(context.Background(), h, caps, nil, nil)
	require.Equal(t, sieve.Ok, status)
	items := result.Actions.Items()
	require.Len(t, items, 1)
	assert.Equal(t, interp.ActionKeep, items[0].Kind)
	assert.True(t, items[0].CancelKeep)
}

func TestExecuteDiscardWins(t *testing.T) {
	dir := t.TempDir()
	caps := baseCaps(t)
	path := compileToFile(t, dir, "discard.bc", `discard;`, caps)
	h := loadHandle(t, path)

	result, status := interp.Execute(context.Background(), h, caps, nil, nil)
	require.Equal(t, sieve.Ok, status)
	items := result.Actions.Items()
	require.Len(t, items, 1)
	assert.Equal(t, interp.ActionDiscard, items[0].Kind)
	assert.True(t, items[0].CancelKeep)
}

func TestExecuteFileIntoWithFlags(t *testing.T) {
	dir := t.TempDir()
	caps := baseCaps(t, "fileinto", "imap4flags")
	src := `require "fileinto"; require "imap4flags"; setflag ["\\Seen"]; fileinto "INBOX/x";`
	path := compileToFile(t, dir, "fileinto.bc", src, caps)
	h := loadHandle(t, path)

	result, status := interp.Execute(context.Background(), h, caps, nil, nil)
	require.Equal(t, sieve.Ok, status)
	items := result.Actions.Items()
	require.Len(t, items, 2)
	assert.Equal(t, interp.ActionSetFlag, items[0].Kind)
	require.Equal(t, interp.ActionFileInto, items[1].Kind)
	assert.Equal(t, "INBOX/x", items[1].FileInto.Mailbox)
	assert.Contains(t, items[1].FileInto.Flags, "\\Seen")
}

// TestExecuteIncludeCycleShortCircuits is the regression test for the
// inode-dedup fix: A includes B, B includes A. The second Load of A
// returns Reloaded and must not re-run A's body, so A's fileinto action
// appears exactly once and evaluation terminates instead of recursing to
// MaxIncludeDepth.
func TestExecuteIncludeCycleShortCircuits(t *testing.T) {
	dir := t.TempDir()
	caps := baseCaps(t, "fileinto", "include")

	pathA := compileToFile(t, dir, "a.bc",
		`require "fileinto"; require "include"; fileinto "A"; include :global "B";`, caps)
	pathB := compileToFile(t, dir, "b.bc",
		`require "fileinto"; require "include"; fileinto "B"; include :global "A";`, caps)

	paths := map[string]string{"A": pathA, "B": pathB}
	caps.Include = func(ctx context.Context, ac sieve.ActionContext, name string, global bool) (string, error) {
		return paths[name], nil
	}

	h := loadHandle(t, pathA)
	result, status := interp.Execute(context.Background(), h, caps, nil, nil)
	require.Equal(t, sieve.Ok, status)

	items := result.Actions.Items()
	require.Len(t, items, 2, "A's include of B must run once, and B's include of A must be skipped rather than re-running A")
	assert.Equal(t, interp.ActionFileInto, items[0].Kind)
	assert.Equal(t, "A", items[0].FileInto.Mailbox)
	assert.Equal(t, interp.ActionFileInto, items[1].Kind)
	assert.Equal(t, "B", items[1].FileInto.Mailbox)

	// Only two distinct inodes were ever mapped onto the handle, not a
	// third remap of A's file on the return trip through the cycle.
	assert.Equal(t, 2, h.Len())
}

func TestExecuteIncludeOnceSkipsRepeat(t *testing.T) {
	dir := t.TempDir()
	caps := baseCaps(t, "fileinto", "include")

	pathShared := compileToFile(t, dir, "shared.bc",
		`require "fileinto"; fileinto "Shared";`, caps)
	pathMain := compileToFile(t, dir, "main.bc",
		`require "fileinto"; require "include";
		 include :once "shared";
		 include :once "shared";
		 fileinto "Main";`, caps)

	caps.Include = func(ctx context.Context, ac sieve.ActionContext, name string, global bool) (string, error) {
		if name == "shared" {
			return pathShared, nil
		}
		return "", assert.AnError
	}

	h := loadHandle(t, pathMain)
	result, status := interp.Execute(context.Background(), h, caps, nil, nil)
	require.Equal(t, sieve.Ok, status)

	items := result.Actions.Items()
	require.Len(t, items, 2, "the second include of an already-loaded inode must be skipped regardless of :once")
	assert.Equal(t, "Shared", items[0].FileInto.Mailbox)
	assert.Equal(t, "Main", items[1].FileInto.Mailbox)
}
