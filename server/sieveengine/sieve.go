// Package sieveengine wires the Script Frontend, Bytecode Cache,
// Evaluation Engine and Action Dispatcher together into the single
// operation a host actually wants: "run this account's active script
// against this message". It owns the concrete Capabilities table: the
// callbacks the engine and dispatcher call into, backed by db.Database
// for persistence and plain structured logging for the delivery actions
// this module does not implement a real mailbox for.
package sieveengine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/migadu/sievecore/cache"
	"github.com/migadu/sievecore/db"
	"github.com/migadu/sievecore/dispatch"
	"github.com/migadu/sievecore/sieve"
	"github.com/migadu/sievecore/sieve/interp"
)

// Message is the host-supplied view of the message under evaluation: a
// parsed header map, an extracted plaintext body, and the envelope the
// transport layer observed. Hosts that need true MIME structure build
// this from helpers.ExtractPlaintextBody and server.ParseMessage.
type Message struct {
	Header       map[string][]string
	Body         string
	EnvelopeFrom string
	EnvelopeTo   string
	Size         int64
}

// msgContext is the concrete type threaded through ActionContext.Message.
// It satisfies db's accountIdentity and vacationIdentity interfaces via
// AccountID/VacationIdentity so the duplicate and vacation capability
// implementations can recover the identifiers they need without the
// engine itself knowing anything about accounts.
type msgContext struct {
	accountID int64
	msg       *Message
}

func (m *msgContext) AccountID() int64 { return m.accountID }

func (m *msgContext) VacationIdentity() (int64, string) {
	return m.accountID, m.msg.EnvelopeFrom
}

// Store is the persistence surface Engine needs: the active script plus
// the vacation oracle (§10.4 C8). db.Database and db.SQLiteDatabase both
// implement it, so Engine never knows which backing store is active.
type Store interface {
	GetActiveScript(ctx context.Context, userID int64) (*db.SieveScript, error)
	Autorespond(ctx context.Context, ac sieve.ActionContext, p sieve.VacationParams) (sieve.Status, error)
	SendResponse(ctx context.Context, ac sieve.ActionContext, p sieve.VacationParams) error
}

// Engine evaluates stored Sieve scripts against messages for one
// database-backed deployment. It is safe for concurrent use; each
// Evaluate call builds its own cache.Handle and compiles/loads the
// account's script fresh, matching §5's "no process-wide mutable
// interpreter state".
type Engine struct {
	db        Store
	workDir   string // scratch directory for compiled bytecode blobs
	duplicate DuplicateCapability
	include   IncludeResolver

	// vacationInterval overrides consts.DefaultVacationInterval as the
	// fallback gap between vacation replies when a script's "vacation"
	// command carries neither :days nor :seconds. Zero keeps the default.
	vacationInterval time.Duration
}

// DuplicateCapability is the pair db.Database and cluster.GossipTracker
// both implement.
type DuplicateCapability interface {
	Check(ctx context.Context, ac sieve.ActionContext, p sieve.DuplicateParams) (bool, error)
	Track(ctx context.Context, ac sieve.ActionContext, p sieve.DuplicateParams) error
}

// IncludeResolver resolves a remote include name to a local path;
// scriptsource.Source implements it. Left nil, no Include capability is
// registered and every include command fails.
type IncludeResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// New returns an Engine backed by database, compiling scripts into
// scratch files under workDir. duplicate may be database itself (no
// cluster tier) or a *cluster.GossipTracker; include may be nil.
func New(database Store, workDir string, duplicate DuplicateCapability, include IncludeResolver) *Engine {
	return &Engine{db: database, workDir: workDir, duplicate: duplicate, include: include}
}

// WithVacationInterval overrides the fallback minimum gap between vacation
// replies (consts.DefaultVacationInterval) for scripts that omit both
// :days and :seconds on the vacation command.
func (e *Engine) WithVacationInterval(d time.Duration) *Engine {
	e.vacationInterval = d
	return e
}

// Evaluate parses and compiles the account's active script afresh on
// every call, runs it against msg, and dispatches the resulting actions.
func (e *Engine) Evaluate(ctx context.Context, accountID int64, msg *Message) (dispatch.Outcome, error) {
	row, err := e.db.GetActiveScript(ctx, accountID)
	if err != nil {
		return dispatch.Outcome{}, fmt.Errorf("sieveengine: load active script: %w", err)
	}
	return e.EvaluateScript(ctx, accountID, row.Script, msg)
}

// EvaluateScript runs a specific script body against msg without
// consulting the stored "active" flag; tests use this directly.
func (e *Engine) EvaluateScript(ctx context.Context, accountID int64, scriptBody string, msg *Message) (dispatch.Outcome, error) {
	mc := &msgContext{accountID: accountID, msg: msg}
	ac := sieve.ActionContext{Script: accountID, Message: mc}

	caps := e.capabilities(accountID)

	parsed, err := sieve.ParseFromString(scriptBody, caps, accountID)
	if err != nil {
		return dispatch.Outcome{}, fmt.Errorf("sieveengine: parse: %w", err)
	}
	if parsed.HasErrors() {
		return dispatch.Outcome{}, fmt.Errorf("sieveengine: %s", parsed.ErrorString())
	}

	blob, err := sieve.Compile(parsed)
	if err != nil {
		return dispatch.Outcome{}, fmt.Errorf("sieveengine: compile: %w", err)
	}

	path, err := e.writeScratchBlob(accountID, blob)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	defer os.Remove(path)

	handle := cache.NewHandle()
	if status, err := handle.Load(path); err != nil || status == sieve.Fail {
		return dispatch.Outcome{}, fmt.Errorf("sieveengine: load bytecode: %w", err)
	}
	defer handle.Unload()

	result, status := interp.Execute(ctx, handle, caps, accountID, mc)
	return dispatch.Run(ctx, caps, ac, result, status), nil
}

func (e *Engine) writeScratchBlob(accountID int64, blob []byte) (string, error) {
	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return "", fmt.Errorf("sieveengine: mkdir scratch dir: %w", err)
	}
	f, err := os.CreateTemp(e.workDir, fmt.Sprintf("script-%d-*.bc", accountID))
	if err != nil {
		return "", fmt.Errorf("sieveengine: scratch file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(blob); err != nil {
		return "", fmt.Errorf("sieveengine: write scratch file: %w", err)
	}
	return f.Name(), nil
}

// capabilities builds the full Capabilities table for one evaluation.
// Action callbacks (Keep/FileInto/Redirect/...) are the demo delivery
// agent: real mailbox storage is explicitly out of scope (Non-goals),
// so they log the action at INFO rather than move any bytes; a host
// wiring this into a real mailbox backend overrides these closures.
func (e *Engine) capabilities(accountID int64) *sieve.Capabilities {
	caps := sieve.NewCapabilities()
	for _, ext := range []string{
		"fileinto", "reject", "ereject", "envelope", "encoded-character",
		"imap4flags", "copy", "vacation", "vacation-seconds", "notify",
		"mailbox", "mboxmetadata", "servermetadata", "duplicate", "variables",
		"body", "include", "relational", "comparator-i;ascii-numeric",
		"subaddress", "date", "index", "ihave", "editheader", "extlists",
		"special-use", "snooze", "imip", "jmapquery",
	} {
		caps.EnableExtension(ext)
	}

	caps.Logger = func(format string, args ...interface{}) {
		log.Printf("[sieve account=%d] "+format, append([]interface{}{accountID}, args...)...)
	}
	caps.ExecuteErr = func(reason string) {
		log.Printf("[sieve account=%d] execution error: %s", accountID, reason)
	}
	caps.GetFName = func(ac sieve.ActionContext) string { return "INBOX" }

	caps.Keep = func(ctx context.Context, ac sieve.ActionContext, flags []string) error {
		log.Printf("[sieve account=%d] keep flags=%v", accountID, flags)
		return nil
	}
	caps.Discard = func(ctx context.Context, ac sieve.ActionContext) error {
		log.Printf("[sieve account=%d] discard", accountID)
		return nil
	}
	caps.FileInto = func(ctx context.Context, ac sieve.ActionContext, p sieve.FileIntoParams) error {
		log.Printf("[sieve account=%d] fileinto mailbox=%s flags=%v create=%v", accountID, p.Mailbox, p.Flags, p.Create)
		return nil
	}
	caps.Redirect = func(ctx context.Context, ac sieve.ActionContext, p sieve.RedirectParams) error {
		log.Printf("[sieve account=%d] redirect to=%s", accountID, p.Address)
		return nil
	}
	caps.Reject = func(ctx context.Context, ac sieve.ActionContext, p sieve.RejectParams) error {
		log.Printf("[sieve account=%d] reject extended=%v reason=%q", accountID, p.Extended, p.Reason)
		return nil
	}
	caps.Snooze = func(ctx context.Context, ac sieve.ActionContext, p sieve.SnoozeParams) error {
		log.Printf("[sieve account=%d] snooze mailbox=%s until=%s", accountID, p.Mailbox, p.Until.Format(time.RFC3339))
		return nil
	}
	caps.Notify = func(ctx context.Context, ac sieve.ActionContext, p sieve.NotifyParams) error {
		log.Printf("[sieve account=%d] notify method=%s priority=%s", accountID, p.Method, p.Priority)
		return nil
	}

	caps.Vacation.Autorespond = e.db.Autorespond
	caps.Vacation.SendResponse = e.db.SendResponse
	caps.Vacation.DefaultInterval = e.vacationInterval

	if e.duplicate != nil {
		caps.Duplicate.Check = e.duplicate.Check
		caps.Duplicate.Track = e.duplicate.Track
	}

	caps.Header = func(ctx context.Context, ac sieve.ActionContext, name string) ([]string, error) {
		mc := ac.Message.(*msgContext)
		return mc.msg.Header[strings.ToLower(name)], nil
	}
	caps.Envelope = func(ctx context.Context, ac sieve.ActionContext, part string) (string, error) {
		mc := ac.Message.(*msgContext)
		switch strings.ToLower(part) {
		case "from":
			return mc.msg.EnvelopeFrom, nil
		case "to":
			return mc.msg.EnvelopeTo, nil
		default:
			return "", nil
		}
	}
	caps.Size = func(ctx context.Context, ac sieve.ActionContext) (int64, error) {
		mc := ac.Message.(*msgContext)
		return mc.msg.Size, nil
	}
	caps.Body = func(ctx context.Context, ac sieve.ActionContext, contentType string) (string, error) {
		mc := ac.Message.(*msgContext)
		return mc.msg.Body, nil
	}
	caps.MailboxExists = func(ctx context.Context, ac sieve.ActionContext, names []string) (bool, error) {
		return true, nil // no real mailbox backend; fileinto targets are always considered valid
	}
	caps.SpecialUseExists = func(ctx context.Context, ac sieve.ActionContext, mailbox string, uses []string) (bool, error) {
		return true, nil
	}
	caps.Metadata = func(ctx context.Context, ac sieve.ActionContext, mailbox, name string) (string, error) {
		return "", nil
	}

	if e.include != nil {
		caps.Include = func(ctx context.Context, ac sieve.ActionContext, name string, global bool) (string, error) {
			return e.include.Resolve(ctx, name)
		}
	}

	return caps
}
