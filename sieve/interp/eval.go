package interp

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/sievecore/cache"
	"github.com/migadu/sievecore/consts"
	"github.com/migadu/sievecore/sieve"
)

func secondsToDuration(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

var defaultDuplicateWindow = consts.DefaultDuplicateWindow

// Execute implements the Evaluation Engine entry point described in
// §4.3: it walks the program the handle currently points to against a
// message, via the capability table, and returns the accumulated
// action/notify/duplicate-tracking lists plus a terminal status.
//
// Execute never mutates handle beyond following "include" commands, and
// a single RuntimeData is never shared across calls, so concurrent
// Execute calls against the same handle (after loading has quiesced) are
// safe as long as the handle's own Load/Unload aren't racing them.
func Execute(ctx context.Context, handle *cache.Handle, caps *sieve.Capabilities, scriptCtx, msgCtx interface{}) (*Result, sieve.Status) {
	if handle == nil {
		return nil, sieve.InternalError
	}
	prog := handle.Current()
	if prog == nil {
		return nil, sieve.NotFinalized
	}
	if caps == nil {
		return nil, sieve.InternalError
	}

	rd := newRuntimeData(ctx, handle, caps, scriptCtx, msgCtx)
	status := rd.run(prog.Tree.Block)
	// Implicit keep is a dispatch-time policy (§4.4), not something the
	// engine records here: the dispatcher ANDs cancel_keep across every
	// action in the list and only then decides whether to synthesize one.
	return &Result{
		Actions:  rd.actions,
		Notify:   rd.notify,
		Duptrack: rd.duptrack,
		Status:   status,
		Vars:     rd.vars,
	}, status
}

// run evaluates a command list in order, honoring "stop". The
// include-depth guard (MaxIncludeDepth) is enforced by execInclude.
func (rd *RuntimeData) run(cmds []*sieve.Command) sieve.Status {
	for _, cmd := range cmds {
		if rd.stopped {
			return sieve.Ok
		}
		if st := rd.execCommand(cmd); st != sieve.Ok {
			return st
		}
	}
	return sieve.Ok
}

func (rd *RuntimeData) execCommand(cmd *sieve.Command) sieve.Status {
	switch cmd.Name {
	case "", "require":
		return sieve.Ok
	case "stop":
		rd.stopped = true
		return sieve.Ok
	case "if":
		return rd.execIf(cmd)
	case "keep":
		flags, _ := cmd.StringListArg(0)
		if flags == nil {
			flags = rd.vars.Flags()
		}
		rd.actions.append(Action{Kind: ActionKeep, CancelKeep: true, Flags: flags})
		return sieve.Ok
	case "discard":
		rd.actions.append(Action{Kind: ActionDiscard, CancelKeep: true})
		return sieve.Ok
	case "fileinto":
		return rd.execFileInto(cmd)
	case "redirect":
		return rd.execRedirect(cmd)
	case "reject", "ereject":
		return rd.execReject(cmd)
	case "setflag", "addflag", "removeflag":
		return rd.execFlagCmd(cmd)
	case "mark":
		rd.actions.append(Action{Kind: ActionMark})
		return sieve.Ok
	case "unmark":
		rd.actions.append(Action{Kind: ActionUnmark})
		return sieve.Ok
	case "set":
		return rd.execSet(cmd)
	case "notify":
		return rd.execNotify(cmd)
	case "denotify":
		return rd.execDenotify(cmd)
	case "vacation":
		return rd.execVacation(cmd)
	case "snooze":
		return rd.execSnooze(cmd)
	case "include":
		return rd.execInclude(cmd)
	default:
		rd.reportErr(fmt.Sprintf("unknown command %q", cmd.Name))
		return sieve.InternalError
	}
}

func (rd *RuntimeData) execIf(cmd *sieve.Command) sieve.Status {
	v, st := rd.evalTest(cmd.Test)
	if st != sieve.Ok {
		return st
	}
	if v {
		return rd.run(cmd.Block)
	}
	for _, arm := range cmd.Elsif {
		if arm.Name == "else" {
			return rd.run(arm.Block)
		}
		v, st := rd.evalTest(arm.Test)
		if st != sieve.Ok {
			return st
		}
		if v {
			return rd.run(arm.Block)
		}
	}
	return sieve.Ok
}

func (rd *RuntimeData) execFileInto(cmd *sieve.Command) sieve.Status {
	mailbox, ok := cmd.StringArg(0)
	if !ok {
		rd.reportErr("fileinto: missing mailbox argument")
		return sieve.InternalError
	}
	mailbox = rd.vars.Expand(mailbox)
	p := sieve.FileIntoParams{
		Mailbox: mailbox,
		Copy:    hasTag(cmd.Arguments, "copy"),
		Create:  hasTag(cmd.Arguments, "create"),
	}
	if flags, ok := tagListValue(cmd.Arguments, "flags"); ok {
		p.Flags = rd.vars.ExpandList(flags)
	} else {
		p.Flags = rd.vars.Flags()
	}
	if v, ok := tagStringValue(cmd.Arguments, "specialuse"); ok {
		p.Specific = v
	}
	rd.actions.append(Action{Kind: ActionFileInto, CancelKeep: !p.Copy, FileInto: &p})
	return sieve.Ok
}

func (rd *RuntimeData) execRedirect(cmd *sieve.Command) sieve.Status {
	addr, ok := cmd.StringArg(0)
	if !ok {
		rd.reportErr("redirect: missing address argument")
		return sieve.InternalError
	}
	queued := 0
	for _, a := range rd.actions.Items() {
		if a.Kind == ActionRedirect {
			queued++
		}
	}
	if queued >= consts.MaxRedirects {
		rd.reportErr(fmt.Sprintf("redirect: more than %d redirect actions", consts.MaxRedirects))
		return sieve.InternalError
	}
	p := sieve.RedirectParams{
		Address: rd.vars.Expand(addr),
		Copy:    hasTag(cmd.Arguments, "copy"),
	}
	if v, ok := tagStringValue(cmd.Arguments, "list"); ok {
		p.ListID = v
	}
	rd.actions.append(Action{Kind: ActionRedirect, CancelKeep: !p.Copy, Redirect: &p})
	return sieve.Ok
}

func (rd *RuntimeData) execReject(cmd *sieve.Command) sieve.Status {
	reason, _ := cmd.StringArg(0)
	p := sieve.RejectParams{Reason: rd.vars.Expand(reason), Extended: cmd.Name == "ereject"}
	kind := ActionReject
	if p.Extended {
		kind = ActionEReject
	}
	rd.actions.append(Action{Kind: kind, CancelKeep: true, Reject: &p})
	return sieve.Ok
}

// execFlagCmd handles setflag/addflag/removeflag. With a single
// string-list argument they operate on the unnamed (IMAP-flag) frame;
// with a leading variable name they target that named variable instead
// (imap4flags' "variable-list" form).
func (rd *RuntimeData) execFlagCmd(cmd *sieve.Command) sieve.Status {
	varName, hasVarName := cmd.StringArg(0)
	flags, _ := cmd.StringListArg(0)
	flags = rd.vars.ExpandList(flags)

	var kind ActionKind
	switch cmd.Name {
	case "setflag":
		kind = ActionSetFlag
	case "addflag":
		kind = ActionAddFlag
	default:
		kind = ActionRemoveFlag
	}

	if hasVarName {
		cur, _ := rd.vars.Get(varName)
		switch kind {
		case ActionSetFlag:
			rd.vars.Set(varName, flagsJoin(flags))
		case ActionAddFlag:
			rd.vars.Set(varName, flagsJoin(append(splitFlags(cur), flags...)))
		case ActionRemoveFlag:
			rd.vars.Set(varName, flagsJoin(removeFlags(splitFlags(cur), flags)))
		}
		rd.actions.append(Action{Kind: kind, Flags: flags})
		return sieve.Ok
	}

	switch kind {
	case ActionSetFlag:
		rd.vars.SetFlags(flags)
	case ActionAddFlag:
		rd.vars.AddFlags(flags)
	case ActionRemoveFlag:
		rd.vars.RemoveFlags(flags)
	}
	rd.actions.append(Action{Kind: kind, Flags: flags})
	return sieve.Ok
}

func flagsJoin(flags []string) string {
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out
}

func splitFlags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func removeFlags(flags, remove []string) []string {
	out := flags[:0:0]
	for _, f := range flags {
		if !contains(remove, f) {
			out = append(out, f)
		}
	}
	return out
}

func (rd *RuntimeData) execSet(cmd *sieve.Command) sieve.Status {
	name, ok := cmd.StringArg(0)
	if !ok {
		rd.reportErr("set: missing variable name")
		return sieve.InternalError
	}
	value, _ := cmd.StringArg(1)
	rd.vars.Set(name, rd.vars.Expand(value))
	return sieve.Ok
}

func (rd *RuntimeData) execNotify(cmd *sieve.Command) sieve.Status {
	p := sieve.NotifyParams{}
	if v, ok := tagStringValue(cmd.Arguments, "method"); ok {
		p.Method = rd.vars.Expand(v)
	}
	if v, ok := tagStringValue(cmd.Arguments, "from"); ok {
		p.From = rd.vars.Expand(v)
	}
	if v, ok := tagStringValue(cmd.Arguments, "importance"); ok {
		p.Priority = v
	}
	if v, ok := tagStringValue(cmd.Arguments, "message"); ok {
		p.Message = rd.vars.Expand(v)
	}
	if v, ok := tagListValue(cmd.Arguments, "options"); ok {
		p.Options = rd.vars.ExpandList(v)
	}
	rd.notify.add(&NotifyEntry{
		Method: p.Method, From: p.From, Options: p.Options,
		Priority: p.Priority, Message: p.Message, Active: true,
	})
	rd.actions.append(Action{Kind: ActionNotify})
	return sieve.Ok
}

// execDenotify deactivates pending notify entries matching an optional
// :method and/or :importance filter, leaving unmatched ones untouched;
// this is simpler than full RFC 5435 priority-comparator matching but
// covers the common "denotify all of method X" and "denotify everything"
// cases hosts actually rely on.
func (rd *RuntimeData) execDenotify(cmd *sieve.Command) sieve.Status {
	method, hasMethod := tagStringValue(cmd.Arguments, "method")
	importance, hasImportance := tagStringValue(cmd.Arguments, "importance")
	for _, e := range rd.notify.Items() {
		if hasMethod && e.Method != method {
			continue
		}
		if hasImportance && e.Priority != importance {
			continue
		}
		e.Active = false
	}
	rd.actions.append(Action{Kind: ActionDenotify})
	return sieve.Ok
}

func (rd *RuntimeData) execVacation(cmd *sieve.Command) sieve.Status {
	reason, _ := cmd.StringArg(0)
	p := sieve.VacationParams{Message: rd.vars.Expand(reason)}
	if v, ok := tagStringValue(cmd.Arguments, "subject"); ok {
		p.Subject = rd.vars.Expand(v)
	}
	if v, ok := tagStringValue(cmd.Arguments, "from"); ok {
		p.From = rd.vars.Expand(v)
	}
	if v, ok := tagStringValue(cmd.Arguments, "handle"); ok {
		p.Handle = v
	}
	if n, ok := tagNumberValue(cmd.Arguments, "seconds"); ok {
		p.Period = secondsToDuration(n)
	} else if n, ok := tagNumberValue(cmd.Arguments, "days"); ok {
		p.Period = time.Duration(n) * 24 * time.Hour
	} else if rd.caps.Vacation.DefaultInterval > 0 {
		p.Period = rd.caps.Vacation.DefaultInterval
	} else {
		p.Period = consts.DefaultVacationInterval
	}
	p.Mime = hasTag(cmd.Arguments, "mime")

	// The autorespond/send_response two-phase call and its "have we
	// already replied to this correspondent" decision are dispatch-time
	// concerns (§4.4): the engine only records the action and its payload.
	rd.actions.append(Action{Kind: ActionVacation, CancelKeep: true, Vacation: &p})
	return sieve.Ok
}

func (rd *RuntimeData) execSnooze(cmd *sieve.Command) sieve.Status {
	p := sieve.SnoozeParams{}
	if v, ok := tagStringValue(cmd.Arguments, "mailbox"); ok {
		p.Mailbox = rd.vars.Expand(v)
	}
	if v, ok := tagStringValue(cmd.Arguments, "tzid"); ok {
		p.Tzid = v
	}
	if n, ok := tagNumberValue(cmd.Arguments, "seconds"); ok {
		p.Until = time.Now().Add(secondsToDuration(n))
	}
	rd.actions.append(Action{Kind: ActionSnooze, CancelKeep: true, Snooze: &p})
	return sieve.Ok
}

func (rd *RuntimeData) execInclude(cmd *sieve.Command) sieve.Status {
	name, ok := cmd.StringArg(0)
	if !ok {
		rd.reportErr("include: missing script name")
		return sieve.InternalError
	}
	if rd.caps.Include == nil {
		rd.reportErr("include capability not registered")
		return sieve.InternalError
	}
	if rd.depth >= consts.MaxIncludeDepth {
		rd.reportErr("include: max include depth exceeded")
		return sieve.InternalError
	}
	global := hasTag(cmd.Arguments, "global")
	path, err := rd.caps.Include(rd.ctx, rd.ac, name, global)
	if err != nil {
		rd.reportErr(fmt.Sprintf("include %q: %v", name, err))
		return sieve.InternalError
	}

	st, err := rd.handle.Load(path)
	if err != nil || st == sieve.Fail {
		rd.reportErr(fmt.Sprintf("include %q: %v", name, err))
		return sieve.InternalError
	}
	if st == sieve.Reloaded {
		// Already mapped under this handle by inode: an include cycle
		// (A -> B -> A) or a repeat include of the same script, either
		// way §4.2's short-circuit means the body does not run again.
		return sieve.Ok
	}

	prog := rd.handle.Current()
	if prog == nil {
		return sieve.InternalError
	}
	rd.depth++
	status := rd.run(prog.Tree.Block)
	rd.depth--
	return status
}
