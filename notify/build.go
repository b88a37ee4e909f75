// Package notify implements the Notification Builder (§4.5): expansion
// of the small $token$ template language notify messages use, distinct
// from the Sieve "variables" extension's ${name} syntax handled by
// package interp.
package notify

import (
	"mime"
	"strconv"
	"strings"

	"context"

	"github.com/migadu/sievecore/sieve"
	"github.com/migadu/sievecore/sieve/interp"
)

var wordDecoder = &mime.WordDecoder{}

// Build expands a notify message template against the message accessors
// in caps, then appends the blank-line separator and the accumulated
// action trace, matching §4.4 step 1 ("appends "\n\n" and the
// accumulated actions trace").
func Build(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, entry *interp.NotifyEntry, actionsTrace string) (string, error) {
	var sb strings.Builder
	sb.WriteString(expand(ctx, caps, ac, entry.Message))
	sb.WriteString("\n\n")
	sb.WriteString(actionsTrace)
	return sb.String(), nil
}

// expand scans s for $token$ placeholders (§4.5). Anything not matching
// a known token, including a lone unmatched '$', is copied through
// verbatim and scanning resumes right after it.
func expand(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '$' {
			sb.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i+1:], '$')
		if end < 0 {
			sb.WriteByte(s[i])
			i++
			continue
		}
		token := s[i+1 : i+1+end]
		if val, ok := resolveToken(ctx, caps, ac, token); ok {
			sb.WriteString(val)
			i += 1 + end + 1
			continue
		}
		sb.WriteByte(s[i])
		i++
	}
	return sb.String()
}

func resolveToken(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, token string) (string, bool) {
	lower := strings.ToLower(token)
	base, limit, bracketed := splitBracket(lower)

	var val string
	switch base {
	case "from":
		val = decodedHeader(ctx, caps, ac, "from")
	case "env-from":
		val = envFrom(ctx, caps, ac)
	case "subject":
		val = decodedHeader(ctx, caps, ac, "subject")
	case "text":
		val = textBody(ctx, caps, ac, -1)
	default:
		return "", false
	}

	if bracketed {
		if limit < 0 {
			return "", false
		}
		if limit < len(val) {
			val = val[:limit]
		}
	}
	return val, true
}

// splitBracket recognizes the "$token[N]$" form §4.5 defines for
// "$text[N]$" and applies it uniformly to every token, truncating the
// resolved value to N octets rather than limiting the special case to
// text alone.
func splitBracket(lower string) (base string, limit int, bracketed bool) {
	if !strings.HasSuffix(lower, "]") {
		return lower, -1, false
	}
	open := strings.IndexByte(lower, '[')
	if open < 0 {
		return lower, -1, false
	}
	n, err := strconv.Atoi(lower[open+1 : len(lower)-1])
	if err != nil {
		return lower[:open], -1, true
	}
	return lower[:open], n, true
}

// decodedHeader fetches the first value of a header and MIME-word
// decodes it (§4.5: "$from$" / "$subject$" are decoded, not raw). The
// host's Header capability returns the header value as a bare string
// already extracted from the message, so stdlib's RFC 2047 decoder is
// used directly rather than go-message/mail, which expects a structured
// header object the capability boundary does not provide.
func decodedHeader(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, name string) string {
	if caps.Header == nil {
		return ""
	}
	values, err := caps.Header(ctx, ac, name)
	if err != nil || len(values) == 0 {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(values[0])
	if err != nil {
		return values[0]
	}
	return decoded
}

func envFrom(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext) string {
	if caps.Envelope == nil {
		return ""
	}
	v, err := caps.Envelope(ctx, ac, "from")
	if err != nil {
		return ""
	}
	return v
}

func textBody(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, limit int) string {
	if caps.Body == nil {
		return ""
	}
	text, err := caps.Body(ctx, ac, "text")
	if err != nil {
		return ""
	}
	if limit >= 0 && len(text) > limit {
		return text[:limit]
	}
	return text
}
