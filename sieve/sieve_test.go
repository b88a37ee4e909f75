package sieve_test

import (
	"context"
	"strings"
	"testing"

	"github.com/migadu/sievecore/sieve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCaps builds a Capabilities table that satisfies Validate (Logger,
// ExecuteErr, Keep) plus whatever extensions a frontend-only test needs
// to require.
func newCaps(t *testing.T, exts ...string) *sieve.Capabilities {
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

func TestParseKeepOnly(t *testing.T) {
	caps := newCaps(t)
	script, err := sieve.ParseFromString(`keep;`, caps, nil)
	require.NoError(t, err)
	require.False(t, script.HasErrors(), script.ErrorString())
	require.Len(t, script.Tree.Block, 1)
	assert.Equal(t, "keep", script.Tree.Block[0].Name)
}

func TestParseDiscard(t *testing.T) {
	caps := newCaps(t)
	script, err := sieve.ParseFromString(`discard;`, caps, nil)
	require.NoError(t, err)
	require.False(t, script.HasErrors(), script.ErrorString())
	require.Len(t, script.Tree.Block, 1)
	assert.Equal(t, "discard", script.Tree.Block[0].Name)
}

func TestParseUnsupportedRequireFails(t *testing.T) {
	caps := newCaps(t, "fileinto")
	script, err := sieve.ParseFromString(`require "nosuchthing"; keep;`, caps, nil)
	require.NoError(t, err)
	require.True(t, script.HasErrors())
	assert.Contains(t, script.ErrorString(), "line 1: Unsupported feature nosuchthing")
}

func TestParseRequireKnownButDisabledFails(t *testing.T) {
	// fileinto is a name the engine recognizes but this interpreter
	// instance never enabled, so it must be rejected the same as an
	// unknown name: recognized and "currently enabled" are distinct.
	caps := newCaps(t)
	script, err := sieve.ParseFromString(`require "fileinto"; keep;`, caps, nil)
	require.NoError(t, err)
	require.True(t, script.HasErrors())
	assert.Contains(t, script.ErrorString(), "line 1: Unsupported feature fileinto")
}

func TestParseFileIntoWithFlags(t *testing.T) {
	caps := newCaps(t, "fileinto", "imap4flags")
	src := "require \"fileinto\"; require \"imap4flags\"; setflag [\"\\\\Seen\"]; fileinto \"INBOX/x\";"
	script, err := sieve.ParseFromString(src, caps, nil)
	require.NoError(t, err)
	require.False(t, script.HasErrors(), script.ErrorString())
	require.Len(t, script.Tree.Block, 4)
	assert.Equal(t, "setflag", script.Tree.Block[2].Name)
	assert.Equal(t, "fileinto", script.Tree.Block[3].Name)
	mailbox, ok := script.Tree.Block[3].StringArg(0)
	require.True(t, ok)
	assert.Equal(t, "INBOX/x", mailbox)
}

func TestParseNotWithoutParens(t *testing.T) {
	caps := newCaps(t)
	src := `if not header :contains "subject" "spam" { keep; }`
	script, err := sieve.ParseFromString(src, caps, nil)
	require.NoError(t, err)
	require.False(t, script.HasErrors(), script.ErrorString())
	require.Len(t, script.Tree.Block, 1)
	assert.Equal(t, "not", script.Tree.Block[0].Test.Name)
	assert.Equal(t, "header", script.Tree.Block[0].Test.Tests[0].Name)
}

func TestParseNotWithParens(t *testing.T) {
	caps := newCaps(t)
	src := `if not (header :contains "subject" "spam") { keep; }`
	script, err := sieve.ParseFromString(src, caps, nil)
	require.NoError(t, err)
	require.False(t, script.HasErrors(), script.ErrorString())
	assert.Equal(t, "not", script.Tree.Block[0].Test.Name)
	assert.Equal(t, "header", script.Tree.Block[0].Test.Tests[0].Name)
}

func TestCompileAndDecodeRoundTrip(t *testing.T) {
	caps := newCaps(t)
	script, err := sieve.ParseFromString(`keep;`, caps, nil)
	require.NoError(t, err)
	require.False(t, script.HasErrors())

	blob, err := sieve.Compile(script)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	prog, err := sieve.DecodeProgram(blob)
	require.NoError(t, err)
	require.Len(t, prog.Tree.Block, 1)
	assert.Equal(t, "keep", prog.Tree.Block[0].Name)
}

func TestCompileRejectsScriptWithParseErrors(t *testing.T) {
	caps := newCaps(t)
	script, err := sieve.ParseFromString(`require "nosuchthing"; keep;`, caps, nil)
	require.NoError(t, err)
	require.True(t, script.HasErrors())

	_, err = sieve.Compile(script)
	assert.Error(t, err)
}

func TestParseOnlyNeverInvokesCapabilities(t *testing.T) {
	script, err := sieve.ParseOnly(strings.NewReader(`keep;`))
	require.NoError(t, err)
	assert.False(t, script.HasErrors())
}
