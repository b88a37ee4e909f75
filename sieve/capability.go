package sieve

import (
	"context"
	"fmt"
	"time"
)

// ActionContext carries the ambient state every capability callback
// receives: the opaque script-context set up by the caller of Parse, and
// the message-context handed to Execute. Both are caller-defined and
// opaque to the engine; it only threads them through to the capability
// table.
type ActionContext struct {
	Script  interface{}
	Message interface{}
}

// FileIntoParams is the payload of a fileinto action.
type FileIntoParams struct {
	Mailbox  string
	Flags    []string
	Copy     bool
	Create   bool
	Specific string // :specialuse
}

// RedirectParams is the payload of a redirect action.
type RedirectParams struct {
	Address string
	ListID  string
	Copy    bool
}

// RejectParams is the payload of reject/ereject.
type RejectParams struct {
	Reason    string
	Extended  bool // true for ereject
}

// VacationParams is the payload passed to the autorespond/send_response
// capability pair.
type VacationParams struct {
	Handle  string
	Period  time.Duration
	Subject string
	Message string
	From    string
	Mime    bool
}

// NotifyParams is the payload of a notify action.
type NotifyParams struct {
	Method   string
	From     string
	Options  []string
	Priority string
	Message  string
}

// DuplicateParams is the payload of a duplicate test/track pair.
type DuplicateParams struct {
	ID      string
	Seconds time.Duration
	Last    bool
}

// SnoozeParams is the payload of a snooze action.
type SnoozeParams struct {
	Mailbox string
	Until   time.Time
	Tzid    string
}

// Capabilities is the registry described in §4.6: a record of polymorphic
// capability slots, each either set or left nil. Dispatch fails any action
// whose slot is nil, mandatory or optional; Run then reports RunError, the
// same status as a callback that returned an error.
//
// Action callbacks return error instead of a status-code-plus-out-param
// pair: idiomatic Go reserves multiple return values for this, and it lets
// dispatch use the standard error-wrapping machinery for the trace and for
// execute_err's formatted reason.
type Capabilities struct {
	extensions map[string]bool

	Logger      func(format string, args ...interface{})
	ParseError  func(line int, msg string)
	ExecuteErr  func(reason string)
	GetFName    func(ctx ActionContext) string

	Keep     func(ctx context.Context, ac ActionContext, flags []string) error
	FileInto func(ctx context.Context, ac ActionContext, p FileIntoParams) error
	Redirect func(ctx context.Context, ac ActionContext, p RedirectParams) error
	Reject   func(ctx context.Context, ac ActionContext, p RejectParams) error
	Discard  func(ctx context.Context, ac ActionContext) error
	Snooze   func(ctx context.Context, ac ActionContext, p SnoozeParams) error
	Notify   func(ctx context.Context, ac ActionContext, p NotifyParams) error

	Vacation struct {
		Autorespond  func(ctx context.Context, ac ActionContext, p VacationParams) (Status, error)
		SendResponse func(ctx context.Context, ac ActionContext, p VacationParams) error
		// DefaultInterval overrides consts.DefaultVacationInterval as the
		// fallback gap between replies when a script's vacation command
		// gives neither :days nor :seconds. Zero keeps the package default.
		DefaultInterval time.Duration
	}

	Duplicate struct {
		Check func(ctx context.Context, ac ActionContext, p DuplicateParams) (bool, error)
		Track func(ctx context.Context, ac ActionContext, p DuplicateParams) error
	}

	Header           func(ctx context.Context, ac ActionContext, name string) ([]string, error)
	HeaderSection    func(ctx context.Context, ac ActionContext) (string, error)
	AddHeader        func(ctx context.Context, ac ActionContext, name, value string, last bool) error
	DeleteHeader     func(ctx context.Context, ac ActionContext, name string, index int) error
	Envelope         func(ctx context.Context, ac ActionContext, part string) (string, error)
	Environment      func(ctx context.Context, ac ActionContext, item string) (string, error)
	Body             func(ctx context.Context, ac ActionContext, contentType string) (string, error)
	Size             func(ctx context.Context, ac ActionContext) (int64, error)
	MailboxExists    func(ctx context.Context, ac ActionContext, names []string) (bool, error)
	MailboxIDExists  func(ctx context.Context, ac ActionContext, ids []string) (bool, error)
	SpecialUseExists func(ctx context.Context, ac ActionContext, mailbox string, uses []string) (bool, error)
	Metadata         func(ctx context.Context, ac ActionContext, mailbox, name string) (string, error)

	ExtLists struct {
		Validator  func(ctx context.Context, listName string) (bool, error)
		Comparator func(ctx context.Context, listName, value string) (bool, error)
	}

	IMIP      func(ctx context.Context, ac ActionContext, method string) error
	JMAPQuery func(ctx context.Context, ac ActionContext, query string) (bool, error)

	// Include resolves an include target (by script name, as given to the
	// include command) to a filesystem path the bytecode cache can load.
	// Left nil, include commands fail with InternalError.
	Include func(ctx context.Context, ac ActionContext, scriptName string, global bool) (path string, err error)
}

// NewCapabilities returns an empty registry with no extensions enabled and
// every callback slot nil. Callers register the slots they support and
// the extension names they enable before handing the table to Parse.
func NewCapabilities() *Capabilities {
	return &Capabilities{extensions: make(map[string]bool)}
}

// EnableExtension marks an extension name as supported so that a script's
// "require" directive for it succeeds.
func (c *Capabilities) EnableExtension(name string) {
	c.extensions[name] = true
}

// SupportsExtension reports whether an extension has been enabled.
func (c *Capabilities) SupportsExtension(name string) bool {
	return c.extensions[name]
}

// Validate checks the mandatory minimum described in §4.1: a logger, an
// error reporter, and a keep action. It is called by the Script Frontend
// before parsing begins.
func (c *Capabilities) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("%w: missing logger capability", errFail)
	}
	if c.ExecuteErr == nil {
		return fmt.Errorf("%w: missing error reporter capability", errFail)
	}
	if c.Keep == nil {
		return fmt.Errorf("%w: missing keep capability", errFail)
	}
	return nil
}

// knownExtensions is the set of extension names the engine itself
// recognizes (whether or not a given interpreter instance enables them).
// A require for a name outside this set is always rejected, independent of
// EnableExtension, matching real implementations refusing nonsense
// extension names outright rather than treating every unknown string as
// "maybe available".
var knownExtensions = map[string]bool{
	"fileinto": true, "reject": true, "ereject": true, "envelope": true,
	"encoded-character": true, "imap4flags": true, "copy": true,
	"vacation": true, "vacation-seconds": true, "notify": true,
	"mailbox": true, "mboxmetadata": true, "servermetadata": true,
	"duplicate": true, "variables": true, "body": true, "include": true,
	"relational": true, "comparator-i;ascii-numeric": true,
	"subaddress": true, "date": true, "index": true,
	"ihave": true, "editheader": true, "extlists": true,
	"special-use": true, "snooze": true, "imip": true, "jmapquery": true,
	"vnd.dovecot.testsuite": true,
}
