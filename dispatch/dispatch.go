// Package dispatch implements the Action Dispatcher (§4.4): given the
// action/notify lists an evaluation produced, it invokes host capability
// callbacks in the prescribed order, applies implicit-keep policy, and
// formats the operator trace, all with flat state rather than recursion
// (§9 Design Notes: "a flat implementation with three state booleans is
// preferred - same semantics, no stack growth").
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/sievecore/consts"
	"github.com/migadu/sievecore/notify"
	"github.com/migadu/sievecore/sieve"
	"github.com/migadu/sievecore/sieve/interp"
)

// Outcome is what a caller of Run gets back: the terminal status and the
// operator trace accumulated while dispatching.
type Outcome struct {
	Status sieve.Status
	Trace  string
}

// state is the flat replacement for the source's recursive error handler
// (§9): notifyDone/keepDone/inError together describe exactly the same
// state machine the recursive version walked, without the call stack.
type state struct {
	implicitKeep bool
	notifyDone   bool
	keepDone     bool
	inError      bool
	lastAction   string
	lastItem     string
}

// Run drives one evaluation Result through to host effects. evalStatus is
// the status Execute returned; a non-Ok evalStatus skips action dispatch
// entirely but still processes notifications and implicit keep, per §4.3
// "Failure" and §7 "Runtime errors ... do NOT prevent notification
// processing or implicit keep".
func Run(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, result *interp.Result, evalStatus sieve.Status) Outcome {
	start := time.Now()
	defer func() { dispatchDuration.Observe(time.Since(start).Seconds()) }()

	tr := newTrace()
	st := &state{implicitKeep: true}
	overall := sieve.Ok

	if evalStatus != sieve.Ok {
		overall = sieve.RunError
		st.lastAction = "evaluate"
	} else {
		overall = dispatchActions(ctx, caps, ac, result, tr, st)
	}

	dispatchNotifications(ctx, caps, ac, result, tr, st)

	if overall != sieve.Ok {
		reportErr(caps, st.lastAction, st.lastItem, overall, tr)
	}

	if st.implicitKeep {
		if err := doKeep(ctx, caps, ac, result, tr); err != nil {
			implicitKeeps.WithLabelValues("error").Inc()
			st.inError = true
			overall = sieve.RunError
			reportErr(caps, "keep", "", overall, tr)
		} else {
			implicitKeeps.WithLabelValues("ok").Inc()
			st.keepDone = true
		}
	}

	return Outcome{Status: overall, Trace: tr.Truncated(consts.MaxTraceBytes)}
}

func reportErr(caps *sieve.Capabilities, lastAction, lastItem string, status sieve.Status, tr *trace) {
	if caps.ExecuteErr == nil {
		return
	}
	msg := status.String()
	if lastAction != "" {
		if lastItem != "" {
			msg = fmt.Sprintf("%s (%s): %s", lastAction, lastItem, msg)
		} else {
			msg = fmt.Sprintf("%s: %s", lastAction, msg)
		}
	}
	caps.ExecuteErr(msg)
}

// dispatchActions walks the action list in order, aborting on the first
// failure (§4.4 step 5) but always finishing the AND of cancel_keep
// across whatever ran, so implicit keep reflects everything actually
// attempted.
func dispatchActions(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, result *interp.Result, tr *trace, st *state) sieve.Status {
	for _, a := range result.Actions.Items() {
		st.lastAction = a.Kind.String()
		if a.CancelKeep {
			st.implicitKeep = false
		}
		if err := dispatchOne(ctx, caps, ac, a, tr); err != nil {
			actionsDispatched.WithLabelValues(st.lastAction, "error").Inc()
			st.implicitKeep = false
			st.inError = true
			st.lastItem = itemOf(a)
			return sieve.RunError
		}
		actionsDispatched.WithLabelValues(st.lastAction, "ok").Inc()
	}
	return sieve.Ok
}

func itemOf(a interp.Action) string {
	switch a.Kind {
	case interp.ActionFileInto:
		if a.FileInto != nil {
			return a.FileInto.Mailbox
		}
	case interp.ActionRedirect:
		if a.Redirect != nil {
			return a.Redirect.Address
		}
	case interp.ActionReject, interp.ActionEReject:
		if a.Reject != nil {
			return a.Reject.Reason
		}
	}
	return ""
}

func dispatchOne(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, a interp.Action, tr *trace) error {
	switch a.Kind {
	case interp.ActionKeep:
		if caps.Keep == nil {
			return errMissingCapability("keep")
		}
		if err := caps.Keep(ctx, ac, a.Flags); err != nil {
			return err
		}
		tr.writeLine("Kept")
		return nil
	case interp.ActionDiscard:
		if caps.Discard == nil {
			return errMissingCapability("discard")
		}
		if err := caps.Discard(ctx, ac); err != nil {
			return err
		}
		tr.writeLine("Discarded")
		return nil
	case interp.ActionFileInto:
		if caps.FileInto == nil {
			return errMissingCapability("fileinto")
		}
		if err := caps.FileInto(ctx, ac, *a.FileInto); err != nil {
			return err
		}
		tr.writeLine("Filed into: %s", a.FileInto.Mailbox)
		return nil
	case interp.ActionRedirect:
		if caps.Redirect == nil {
			return errMissingCapability("redirect")
		}
		if err := caps.Redirect(ctx, ac, *a.Redirect); err != nil {
			return err
		}
		tr.writeLine("Redirected to %s", a.Redirect.Address)
		return nil
	case interp.ActionReject, interp.ActionEReject:
		if caps.Reject == nil {
			return errMissingCapability("reject")
		}
		if err := caps.Reject(ctx, ac, *a.Reject); err != nil {
			return err
		}
		tr.writeLine("Rejected with: %s", a.Reject.Reason)
		return nil
	case interp.ActionSnooze:
		if caps.Snooze == nil {
			return errMissingCapability("snooze")
		}
		if err := caps.Snooze(ctx, ac, *a.Snooze); err != nil {
			return err
		}
		tr.writeLine("Snoozed")
		return nil
	case interp.ActionVacation:
		return dispatchVacation(ctx, caps, ac, a, tr)
	case interp.ActionSetFlag, interp.ActionAddFlag, interp.ActionRemoveFlag:
		tr.writeLine("Flags updated: %v", a.Flags)
		return nil
	case interp.ActionMark:
		tr.writeLine("Marked")
		return nil
	case interp.ActionUnmark:
		tr.writeLine("Unmarked")
		return nil
	case interp.ActionNotify, interp.ActionDenotify:
		// Handled in bulk by dispatchNotifications after the action loop
		// (§4.4: "Notifications are dispatched after all actions").
		return nil
	default:
		return nil
	}
}

// dispatchVacation implements the two-phase protocol from §4.4: autorespond
// decides whether a reply is due (Ok=send, Done=suppress, error=propagate),
// and only on Ok is send_response invoked.
func dispatchVacation(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, a interp.Action, tr *trace) error {
	if caps.Vacation.Autorespond == nil {
		return errMissingCapability("vacation")
	}
	st, err := caps.Vacation.Autorespond(ctx, ac, *a.Vacation)
	if err != nil {
		return err
	}
	if st == sieve.Done {
		tr.writeLine("Vacation reply suppressed")
		return nil
	}
	if st != sieve.Ok {
		return fmt.Errorf("vacation: autorespond returned %s", st)
	}
	if caps.Vacation.SendResponse == nil {
		return errMissingCapability("vacation send_response")
	}
	if err := caps.Vacation.SendResponse(ctx, ac, *a.Vacation); err != nil {
		return err
	}
	tr.writeLine("Sent vacation reply")
	return nil
}

// dispatchNotifications implements §4.4 step 1: every active NotifyEntry
// is expanded via the Notification Builder, gets the accumulated action
// trace appended, and is sent through the host notify callback.
// Notification failures are recorded but never abort the remaining
// entries (§7: "do not prevent subsequent notifications").
func dispatchNotifications(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, result *interp.Result, tr *trace, st *state) {
	if result == nil || result.Notify == nil {
		return
	}
	actionsTrace := tr.String()
	for _, e := range result.Notify.Items() {
		if !e.Active {
			continue
		}
		body, err := notify.Build(ctx, caps, ac, e, actionsTrace)
		if err != nil {
			notificationsSent.WithLabelValues("error").Inc()
			continue
		}
		if caps.Notify == nil {
			notificationsSent.WithLabelValues("error").Inc()
			continue
		}
		p := sieve.NotifyParams{
			Method: e.Method, From: e.From, Options: e.Options,
			Priority: e.Priority, Message: body,
		}
		substituteEnvFromOption(ctx, caps, ac, &p)
		if err := caps.Notify(ctx, ac, p); err != nil {
			notificationsSent.WithLabelValues("error").Inc()
			continue
		}
		notificationsSent.WithLabelValues("ok").Inc()
	}
	st.notifyDone = true
}

// substituteEnvFromOption implements the mailto/$env-from$ special case
// from §4.4: when the options list's first entry is the literal token
// "$env-from$", it is replaced with the actual envelope sender.
func substituteEnvFromOption(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, p *sieve.NotifyParams) {
	if p.Method != "mailto" || len(p.Options) == 0 || p.Options[0] != "$env-from$" {
		return
	}
	if caps.Envelope == nil {
		return
	}
	if v, err := caps.Envelope(ctx, ac, "from"); err == nil {
		p.Options[0] = v
	}
}

func doKeep(ctx context.Context, caps *sieve.Capabilities, ac sieve.ActionContext, result *interp.Result, tr *trace) error {
	if caps.Keep == nil {
		return errMissingCapability("keep")
	}
	var flags []string
	if result != nil && result.Vars != nil {
		flags = result.Vars.Flags()
	}
	if err := caps.Keep(ctx, ac, flags); err != nil {
		return err
	}
	tr.writeLine("Kept")
	return nil
}

func errMissingCapability(name string) error {
	return fmt.Errorf("%s capability not registered", name)
}
