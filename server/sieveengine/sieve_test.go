package sieveengine

import (
	"context"
	"os"
	"testing"

	"github.com/migadu/sievecore/consts"
	"github.com/migadu/sievecore/db"
	"github.com/migadu/sievecore/sieve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal Store, the engine-level equivalent of
// managesieve's MockDatabase: just enough to drive Evaluate without a
// real database connection.
type fakeStore struct {
	active       *db.SieveScript
	autoresponds []sieve.VacationParams
}

func (f *fakeStore) GetActiveScript(ctx context.Context, userID int64) (*db.SieveScript, error) {
	if f.active == nil {
		return nil, consts.ErrScriptNotFound
	}
	return f.active, nil
}

func (f *fakeStore) Autorespond(ctx context.Context, ac sieve.ActionContext, p sieve.VacationParams) (sieve.Status, error) {
	f.autoresponds = append(f.autoresponds, p)
	return sieve.Ok, nil
}

func (f *fakeStore) SendResponse(ctx context.Context, ac sieve.ActionContext, p sieve.VacationParams) error {
	return nil
}

func newTestEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	dir := t.TempDir()
	return New(store, dir, nil, nil)
}

func TestEvaluateScriptFileIntoOnMatch(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store)

	script := "require \"fileinto\";\n" +
		"if header :contains \"subject\" \"important\" {\n" +
		"  fileinto \"Important\";\n" +
		"} else {\n" +
		"  keep;\n" +
		"}"

	msg := &Message{
		Header:       map[string][]string{"subject": {"this is important news"}},
		EnvelopeFrom: "sender@example.com",
		EnvelopeTo:   "recipient@example.com",
	}

	outcome, err := e.EvaluateScript(context.Background(), 1, script, msg)
	require.NoError(t, err)
	assert.Equal(t, sieve.Ok, outcome.Status)
	assert.Contains(t, outcome.Trace, "Filed into: Important")
}

func TestEvaluateScriptKeepOnNoMatch(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store)

	script := "require \"fileinto\";\n" +
		"if header :contains \"subject\" \"important\" {\n" +
		"  fileinto \"Important\";\n" +
		"} else {\n" +
		"  keep;\n" +
		"}"

	msg := &Message{
		Header:       map[string][]string{"subject": {"lunch plans"}},
		EnvelopeFrom: "sender@example.com",
		EnvelopeTo:   "recipient@example.com",
	}

	outcome, err := e.EvaluateScript(context.Background(), 1, script, msg)
	require.NoError(t, err)
	assert.Equal(t, sieve.Ok, outcome.Status)
	assert.Contains(t, outcome.Trace, "Kept")
}

func TestEvaluateUsesActiveScript(t *testing.T) {
	store := &fakeStore{active: &db.SieveScript{
		ID:     1,
		UserID: 42,
		Name:   "active",
		Active: true,
		Script: "require \"fileinto\";\nfileinto \"Archive\";",
	}}
	e := newTestEngine(t, store)

	outcome, err := e.Evaluate(context.Background(), 42, &Message{EnvelopeFrom: "a@b.com"})
	require.NoError(t, err)
	assert.Equal(t, sieve.Ok, outcome.Status)
	assert.Contains(t, outcome.Trace, "Archive")
}

func TestEvaluateNoActiveScript(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store)

	_, err := e.Evaluate(context.Background(), 42, &Message{})
	require.Error(t, err)
}

func TestEvaluateScriptParseError(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store)

	_, err := e.EvaluateScript(context.Background(), 1, "this is not sieve", &Message{})
	require.Error(t, err)
}

func TestEvaluateScriptVacation(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store)

	script := "require [\"vacation\"];\n" +
		"vacation \"I am out of office\";"

	msg := &Message{EnvelopeFrom: "sender@example.com", EnvelopeTo: "recipient@example.com"}
	_, err := e.EvaluateScript(context.Background(), 7, script, msg)
	require.NoError(t, err)
	require.Len(t, store.autoresponds, 1)
	assert.Equal(t, "I am out of office", store.autoresponds[0].Message)
}

func TestWriteScratchBlobCreatesAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	e := New(&fakeStore{}, dir, nil, nil)

	path, err := e.writeScratchBlob(99, []byte("bytecode"))
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
	os.Remove(path)
}
