// Package interp implements the Evaluation Engine (§4.3): it drives a
// compiled script against a message, producing the action, notification
// and duplicate-tracking lists the Action Dispatcher consumes.
package interp

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/migadu/sievecore/cache"
	"github.com/migadu/sievecore/sieve"
)

// ActionKind tags the Action union described in §3. The set is closed:
// dispatch's switch is expected to be exhaustive and any addition here
// must be matched there too.
type ActionKind int

const (
	ActionReject ActionKind = iota
	ActionEReject
	ActionFileInto
	ActionSnooze
	ActionKeep
	ActionRedirect
	ActionDiscard
	ActionVacation
	ActionSetFlag
	ActionAddFlag
	ActionRemoveFlag
	ActionMark
	ActionUnmark
	ActionNotify
	ActionDenotify
	ActionNone
)

func (k ActionKind) String() string {
	switch k {
	case ActionReject:
		return "reject"
	case ActionEReject:
		return "ereject"
	case ActionFileInto:
		return "fileinto"
	case ActionSnooze:
		return "snooze"
	case ActionKeep:
		return "keep"
	case ActionRedirect:
		return "redirect"
	case ActionDiscard:
		return "discard"
	case ActionVacation:
		return "vacation"
	case ActionSetFlag, ActionAddFlag, ActionRemoveFlag:
		return "flags"
	case ActionMark:
		return "mark"
	case ActionUnmark:
		return "unmark"
	case ActionNotify:
		return "notify"
	case ActionDenotify:
		return "denotify"
	default:
		return "none"
	}
}

// Action is the tagged variant described in §3. Only the field matching
// Kind is populated.
type Action struct {
	Kind       ActionKind
	CancelKeep bool

	FileInto *sieve.FileIntoParams
	Redirect *sieve.RedirectParams
	Reject   *sieve.RejectParams
	Vacation *sieve.VacationParams
	Snooze   *sieve.SnoozeParams
	Flags    []string
}

// ActionList is the ordered, append-only sequence built during evaluation
// and consumed in order by the dispatcher.
type ActionList struct {
	items []Action
}

func (l *ActionList) append(a Action) { l.items = append(l.items, a) }

// Items returns the recorded actions in evaluation order.
func (l *ActionList) Items() []Action { return l.items }

// NotifyEntry is the pending notification record described in §3.
type NotifyEntry struct {
	Method   string
	From     string
	Options  []string
	Priority string
	Message  string
	Active   bool
}

// NotifyList holds pending notifications accumulated during evaluation;
// denotify deactivates entries in place rather than removing them, so the
// dispatcher can still report on what was suppressed.
type NotifyList struct {
	items []*NotifyEntry
}

func (l *NotifyList) add(e *NotifyEntry) { l.items = append(l.items, e) }

// Items returns every notify entry recorded, active or not.
func (l *NotifyList) Items() []*NotifyEntry { return l.items }

// DuptrackEntry records that delivery should be suppressed for future
// messages sharing ID for the given window, per §3.
type DuptrackEntry struct {
	ID      string
	Seconds time.Duration
}

// Variables is the VariableFrame stack described in §3: named variable
// frames, where the unnamed frame holds the script's own variables and
// "parsed-strings" caches parsed values. IMAP flags are kept in a
// separate list (flags) and the most recent regex/match captures in
// matchVars. Only the evaluation engine mutates these.
type Variables struct {
	mu        sync.Mutex
	frames    map[string]map[string]string
	flags     []string
	matchVars []string
}

func newVariables() *Variables {
	return &Variables{frames: map[string]map[string]string{"": {}, "parsed-strings": {}}}
}

// Set writes a named variable into the script's own (default) frame.
func (v *Variables) Set(name, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frames[""][strings.ToLower(name)] = value
}

// Get reads a named variable from the default frame.
func (v *Variables) Get(name string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.frames[""][strings.ToLower(name)]
	return val, ok
}

// CacheParsed memoizes a parsed header/address result under "parsed-strings",
// the frame §3 reserves for exactly that purpose.
func (v *Variables) CacheParsed(key, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frames["parsed-strings"][key] = value
}

func (v *Variables) GetParsed(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.frames["parsed-strings"][key]
	return val, ok
}

// Flags returns a copy of the unnamed IMAP-flag frame.
func (v *Variables) Flags() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.flags))
	copy(out, v.flags)
	return out
}

func (v *Variables) SetFlags(flags []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.flags = append([]string(nil), flags...)
}

func (v *Variables) AddFlags(flags []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, f := range flags {
		if !contains(v.flags, f) {
			v.flags = append(v.flags, f)
		}
	}
}

func (v *Variables) RemoveFlags(flags []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.flags[:0:0]
	for _, f := range v.flags {
		if !contains(flags, f) {
			out = append(out, f)
		}
	}
	v.flags = out
}

func (v *Variables) SetMatchVars(vars []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.matchVars = vars
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Expand interpolates ${name} and bare positional ${1}..${N} match-capture
// references against the active frames (§4.3 "String interpolation").
// Anything not recognized as a variable reference is copied through
// unchanged, matching the variables extension's "undefined expands to
// empty string, unknown syntax is literal" behavior.
func (v *Variables) Expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) || s[i+1] != '{' {
			sb.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+2:], '}')
		if end < 0 {
			sb.WriteByte(s[i])
			continue
		}
		name := s[i+2 : i+2+end]
		sb.WriteString(v.resolve(name))
		i += 2 + end
	}
	return sb.String()
}

func (v *Variables) resolve(name string) string {
	if n, err := strconv.Atoi(name); err == nil {
		v.mu.Lock()
		defer v.mu.Unlock()
		if n >= 0 && n < len(v.matchVars) {
			return v.matchVars[n]
		}
		return ""
	}
	val, _ := v.Get(name)
	return val
}

// ExpandList applies Expand to every element of a string list.
func (v *Variables) ExpandList(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = v.Expand(s)
	}
	return out
}

// RuntimeData is the per-invocation state threaded through one call to
// Execute: the compiled program, the capability table, the caller's
// contexts, and the three out-lists built during evaluation. It is never
// shared across evaluations (§5: "no process-wide mutable state").
type RuntimeData struct {
	ctx     context.Context
	handle  *cache.Handle
	caps    *sieve.Capabilities
	ac      sieve.ActionContext
	vars    *Variables
	actions *ActionList
	notify  *NotifyList
	duptrack []DuptrackEntry

	stopped bool
	depth   int
}

func newRuntimeData(ctx context.Context, handle *cache.Handle, caps *sieve.Capabilities, scriptCtx, msgCtx interface{}) *RuntimeData {
	return &RuntimeData{
		ctx:     ctx,
		handle:  handle,
		caps:    caps,
		ac:      sieve.ActionContext{Script: scriptCtx, Message: msgCtx},
		vars:    newVariables(),
		actions: &ActionList{},
		notify:  &NotifyList{},
	}
}

// Result is what Execute hands back to the Action Dispatcher: the three
// lists described in §4.3's Inputs/outputs plus the final status.
type Result struct {
	Actions  *ActionList
	Notify   *NotifyList
	Duptrack []DuptrackEntry
	Status   sieve.Status
	Vars     *Variables
}
