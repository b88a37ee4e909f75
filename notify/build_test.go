package notify_test

import (
	"context"
	"testing"

	"github.com/migadu/sievecore/notify"
	"github.com/migadu/sievecore/sieve"
	"github.com/migadu/sievecore/sieve/interp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCapsWithMessage(headers map[string][]string, envelopeFrom, body string) *sieve.Capabilities {
	c := sieve.NewCapabilities()
	c.Header = func(ctx context.Context, ac sieve.ActionContext, name string) ([]string, error) {
		return headers[name], nil
	}
	c.Envelope = func(ctx context.Context, ac sieve.ActionContext, part string) (string, error) {
		if part == "from" {
			return envelopeFrom, nil
		}
		return "", nil
	}
	c.Body = func(ctx context.Context, ac sieve.ActionContext, contentType string) (string, error) {
		return body, nil
	}
	return c
}

func TestBuildExpandsFromAndBracketedSubject(t *testing.T) {
	caps := testCapsWithMessage(map[string][]string{
		"from":    {"a@b"},
		"subject": {"Hello World"},
	}, "a@b", "")
	entry := &interp.NotifyEntry{Message: "From: $from$, Subj: $subject[5]$"}

	body, err := notify.Build(context.Background(), caps, sieve.ActionContext{}, entry, "Action(s) taken:\nKept\n")
	require.NoError(t, err)
	assert.Contains(t, body, "From: a@b, Subj: Hello")
	assert.Contains(t, body, "Action(s) taken:\nKept\n")
}

func TestBuildBracketTruncationAppliesToEveryToken(t *testing.T) {
	caps := testCapsWithMessage(map[string][]string{
		"from": {"someone@example.com"},
	}, "env-someone@example.com", "the quick brown fox")
	entry := &interp.NotifyEntry{Message: "f=$from[4]$ e=$env-from[3]$ t=$text[5]$"}

	body, err := notify.Build(context.Background(), caps, sieve.ActionContext{}, entry, "")
	require.NoError(t, err)
	assert.Contains(t, body, "f=some")
	assert.Contains(t, body, "e=env")
	assert.Contains(t, body, "t=the q")
}

func TestBuildUnknownTokenCopiedVerbatim(t *testing.T) {
	caps := testCapsWithMessage(nil, "", "")
	entry := &interp.NotifyEntry{Message: "literal $nope$ text"}

	body, err := notify.Build(context.Background(), caps, sieve.ActionContext{}, entry, "")
	require.NoError(t, err)
	assert.Contains(t, body, "literal $nope$ text")
}

func TestBuildUnterminatedDollarCopiedVerbatim(t *testing.T) {
	caps := testCapsWithMessage(nil, "", "")
	entry := &interp.NotifyEntry{Message: "cost is $5 today"}

	body, err := notify.Build(context.Background(), caps, sieve.ActionContext{}, entry, "")
	require.NoError(t, err)
	assert.Contains(t, body, "cost is $5 today")
}

func TestBuildAppendsBlankLineThenTrace(t *testing.T) {
	caps := testCapsWithMessage(nil, "", "")
	entry := &interp.NotifyEntry{Message: "hi"}

	body, err := notify.Build(context.Background(), caps, sieve.ActionContext{}, entry, "Action(s) taken:\nDiscarded\n")
	require.NoError(t, err)
	assert.Equal(t, "hi\n\nAction(s) taken:\nDiscarded\n", body)
}
