package dispatch

import (
	"fmt"
	"strings"

	"github.com/migadu/sievecore/consts"
)

// trace is the operator-readable action log described in §4.4/§5. The
// source's 4 KiB fixed buffer is "implementation detritus, not a
// contract" (§9 Design Notes): this grows as needed and is only
// truncated when Run returns it in the Outcome.
type trace struct {
	b strings.Builder
}

func newTrace() *trace {
	t := &trace{}
	t.b.Grow(consts.TraceInitialCapacity)
	t.b.WriteString("Action(s) taken:\n")
	return t
}

func (t *trace) writeLine(format string, args ...interface{}) {
	fmt.Fprintf(&t.b, format, args...)
	t.b.WriteByte('\n')
}

func (t *trace) String() string { return t.b.String() }

// Truncated returns the trace bounded to max bytes.
func (t *trace) Truncated(max int) string {
	s := t.b.String()
	if len(s) <= max {
		return s
	}
	return s[:max]
}
