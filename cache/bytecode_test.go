package cache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/sievecore/cache"
	"github.com/migadu/sievecore/sieve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileFixture(t *testing.T, dir, name, src string) string {
	t.Helper()
	caps := sieve.NewCapabilities()
	caps.Logger = func(format string, args ...interface{}) {}
	caps.ExecuteErr = func(reason string) {}
	caps.Keep = func(ctx context.Context, ac sieve.ActionContext, flags []string) error { return nil }

	script, err := sieve.ParseFromString(src, caps, nil)
	require.NoError(t, err)
	require.False(t, script.HasErrors(), script.ErrorString())
	blob, err := sieve.Compile(script)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, blob, 0o644))
	return path
}

func TestLoadFreshFileReturnsOk(t *testing.T) {
	dir := t.TempDir()
	path := compileFixture(t, dir, "a.bc", `keep;`)

	h := cache.NewHandle()
	st, err := h.Load(path)
	require.NoError(t, err)
	assert.Equal(t, sieve.Ok, st)
	assert.Equal(t, 1, h.Len())
	require.NotNil(t, h.Current())
}

func TestLoadSameInodeTwiceReturnsReloadedWithNoSecondMapping(t *testing.T) {
	dir := t.TempDir()
	path := compileFixture(t, dir, "a.bc", `keep;`)

	h := cache.NewHandle()
	st, err := h.Load(path)
	require.NoError(t, err)
	require.Equal(t, sieve.Ok, st)
	require.Equal(t, 1, h.Len())

	st, err = h.Load(path)
	require.NoError(t, err)
	assert.Equal(t, sieve.Reloaded, st)
	assert.Equal(t, 1, h.Len(), "a second Load of the same inode must not create a second mapping")
}

func TestLoadDistinctFilesBothTrackedByInode(t *testing.T) {
	dir := t.TempDir()
	pathA := compileFixture(t, dir, "a.bc", `keep;`)
	pathB := compileFixture(t, dir, "b.bc", `discard;`)

	h := cache.NewHandle()
	stA, err := h.Load(pathA)
	require.NoError(t, err)
	assert.Equal(t, sieve.Ok, stA)

	stB, err := h.Load(pathB)
	require.NoError(t, err)
	assert.Equal(t, sieve.Ok, stB)
	assert.Equal(t, 2, h.Len())

	// current follows the most recent Load.
	require.NotNil(t, h.Current())
	assert.Equal(t, "discard", h.Current().Tree.Block[0].Name)

	// Re-pointing at A's already-mapped inode does not grow the set.
	stA2, err := h.Load(pathA)
	require.NoError(t, err)
	assert.Equal(t, sieve.Reloaded, stA2)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, "keep", h.Current().Tree.Block[0].Name)
}

func TestSeenReportsInodeWithoutMutatingCursor(t *testing.T) {
	dir := t.TempDir()
	pathA := compileFixture(t, dir, "a.bc", `keep;`)
	pathB := compileFixture(t, dir, "b.bc", `discard;`)

	h := cache.NewHandle()
	_, err := h.Load(pathA)
	require.NoError(t, err)

	assert.True(t, h.Seen(pathA))
	assert.False(t, h.Seen(pathB))
	// Seen must not have mutated current.
	assert.Equal(t, "keep", h.Current().Tree.Block[0].Name)
}

func TestLoadMissingFileReturnsFail(t *testing.T) {
	h := cache.NewHandle()
	st, err := h.Load(filepath.Join(t.TempDir(), "nope.bc"))
	assert.Error(t, err)
	assert.Equal(t, sieve.Fail, st)
}

func TestUnloadReleasesMappingsAndResetsCursor(t *testing.T) {
	dir := t.TempDir()
	path := compileFixture(t, dir, "a.bc", `keep;`)

	h := cache.NewHandle()
	_, err := h.Load(path)
	require.NoError(t, err)

	st, err := h.Unload()
	require.NoError(t, err)
	assert.Equal(t, sieve.Ok, st)
	assert.Equal(t, 0, h.Len())
	assert.Nil(t, h.Current())
}
