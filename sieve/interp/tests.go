package interp

import (
	"fmt"
	"strings"

	"github.com/migadu/sievecore/sieve"
)

// evalTest evaluates a boolean test node against the current runtime,
// implementing the standard test set plus the extensions whose
// capabilities the table in capability.go exposes. An unknown test name
// reports InternalError, matching malformed-bytecode handling elsewhere
// in the engine (§4.3).
func (rd *RuntimeData) evalTest(t *sieve.Test) (bool, sieve.Status) {
	switch t.Name {
	case "true":
		return true, sieve.Ok
	case "false":
		return false, sieve.Ok
	case "not":
		v, st := rd.evalTest(t.Tests[0])
		if st != sieve.Ok {
			return false, st
		}
		return !v, sieve.Ok
	case "anyof":
		for _, sub := range t.Tests {
			v, st := rd.evalTest(sub)
			if st != sieve.Ok {
				return false, st
			}
			if v {
				return true, sieve.Ok
			}
		}
		return false, sieve.Ok
	case "allof":
		for _, sub := range t.Tests {
			v, st := rd.evalTest(sub)
			if st != sieve.Ok {
				return false, st
			}
			if !v {
				return false, sieve.Ok
			}
		}
		return true, sieve.Ok
	case "header":
		return rd.evalHeader(t.Arguments)
	case "address":
		return rd.evalAddress(t.Arguments)
	case "envelope":
		return rd.evalEnvelope(t.Arguments)
	case "size":
		return rd.evalSize(t.Arguments)
	case "exists":
		return rd.evalExists(t.Arguments)
	case "duplicate":
		return rd.evalDuplicate(t.Arguments)
	case "body":
		return rd.evalBody(t.Arguments)
	case "mailboxexists":
		return rd.evalMailboxExists(t.Arguments)
	case "specialuseexists":
		return rd.evalSpecialUseExists(t.Arguments)
	case "metadata", "servermetadata":
		return rd.evalMetadata(t.Arguments)
	case "ihave":
		return rd.evalIhave(t.Arguments)
	default:
		rd.reportErr(fmt.Sprintf("unknown test %q", t.Name))
		return false, sieve.InternalError
	}
}

func (rd *RuntimeData) reportErr(msg string) {
	if rd.caps.ExecuteErr != nil {
		rd.caps.ExecuteErr(msg)
	}
}

func (rd *RuntimeData) header(name string) ([]string, error) {
	if rd.caps.Header == nil {
		return nil, fmt.Errorf("header capability not registered")
	}
	return rd.caps.Header(rd.ctx, rd.ac, name)
}

func (rd *RuntimeData) evalHeader(args []sieve.Argument) (bool, sieve.Status) {
	lists := stringListArgs(args)
	if len(lists) < 2 {
		rd.reportErr("header: expected header-names and key-list arguments")
		return false, sieve.InternalError
	}
	mt := parseMatchType(args)
	for _, name := range lists[0] {
		values, err := rd.header(name)
		if err != nil {
			rd.reportErr(fmt.Sprintf("header %q: %v", name, err))
			return false, sieve.InternalError
		}
		for _, v := range values {
			if matchAny(mt, v, lists[1]) {
				return true, sieve.Ok
			}
		}
	}
	return false, sieve.Ok
}

// addressPart extracts the requested piece of an RFC 5322 mailbox, a
// deliberately simple implementation (no comment/group handling) since
// the host's MIME parsing is out of scope (§7): we only need enough to
// drive address tests against a raw header value.
func addressPart(raw, part string) string {
	raw = strings.TrimSpace(raw)
	if lt := strings.LastIndexByte(raw, '<'); lt >= 0 {
		if gt := strings.IndexByte(raw[lt:], '>'); gt >= 0 {
			raw = raw[lt+1 : lt+gt]
		}
	}
	raw = strings.TrimSpace(raw)
	at := strings.LastIndexByte(raw, '@')
	switch part {
	case "localpart":
		if at < 0 {
			return raw
		}
		return raw[:at]
	case "domain":
		if at < 0 {
			return ""
		}
		return raw[at+1:]
	default:
		return raw
	}
}

func addressPartTag(args []sieve.Argument) string {
	if hasTag(args, "localpart") {
		return "localpart"
	}
	if hasTag(args, "domain") {
		return "domain"
	}
	return "all"
}

func (rd *RuntimeData) evalAddress(args []sieve.Argument) (bool, sieve.Status) {
	lists := stringListArgs(args)
	if len(lists) < 2 {
		rd.reportErr("address: expected header-names and key-list arguments")
		return false, sieve.InternalError
	}
	mt := parseMatchType(args)
	part := addressPartTag(args)
	for _, name := range lists[0] {
		values, err := rd.header(name)
		if err != nil {
			rd.reportErr(fmt.Sprintf("address %q: %v", name, err))
			return false, sieve.InternalError
		}
		for _, v := range values {
			for _, addr := range strings.Split(v, ",") {
				if matchAny(mt, addressPart(addr, part), lists[1]) {
					return true, sieve.Ok
				}
			}
		}
	}
	return false, sieve.Ok
}

func (rd *RuntimeData) evalEnvelope(args []sieve.Argument) (bool, sieve.Status) {
	if rd.caps.Envelope == nil {
		rd.reportErr("envelope capability not registered")
		return false, sieve.InternalError
	}
	lists := stringListArgs(args)
	if len(lists) < 2 {
		rd.reportErr("envelope: expected part-names and key-list arguments")
		return false, sieve.InternalError
	}
	mt := parseMatchType(args)
	part := addressPartTag(args)
	for _, name := range lists[0] {
		v, err := rd.caps.Envelope(rd.ctx, rd.ac, name)
		if err != nil {
			rd.reportErr(fmt.Sprintf("envelope %q: %v", name, err))
			return false, sieve.InternalError
		}
		if matchAny(mt, addressPart(v, part), lists[1]) {
			return true, sieve.Ok
		}
	}
	return false, sieve.Ok
}

func (rd *RuntimeData) evalSize(args []sieve.Argument) (bool, sieve.Status) {
	if rd.caps.Size == nil {
		rd.reportErr("size capability not registered")
		return false, sieve.InternalError
	}
	n, ok := numberArg(args)
	if !ok {
		rd.reportErr("size: missing comparand")
		return false, sieve.InternalError
	}
	actual, err := rd.caps.Size(rd.ctx, rd.ac)
	if err != nil {
		rd.reportErr(fmt.Sprintf("size: %v", err))
		return false, sieve.InternalError
	}
	if hasTag(args, "under") {
		return actual < n, sieve.Ok
	}
	return actual > n, sieve.Ok
}

func (rd *RuntimeData) evalExists(args []sieve.Argument) (bool, sieve.Status) {
	for _, name := range stringArgs(args) {
		values, err := rd.header(name)
		if err != nil {
			rd.reportErr(fmt.Sprintf("exists %q: %v", name, err))
			return false, sieve.InternalError
		}
		if len(values) == 0 {
			return false, sieve.Ok
		}
	}
	return true, sieve.Ok
}

func (rd *RuntimeData) duplicateParams(args []sieve.Argument) sieve.DuplicateParams {
	p := sieve.DuplicateParams{Last: hasTag(args, "last")}
	if v, ok := tagStringValue(args, "header"); ok {
		if values, err := rd.header(v); err == nil && len(values) > 0 {
			p.ID = strings.TrimSpace(values[0])
		}
	} else if v, ok := tagStringValue(args, "uniqueid"); ok {
		p.ID = rd.vars.Expand(v)
	} else {
		if values, err := rd.header("message-id"); err == nil && len(values) > 0 {
			p.ID = strings.TrimSpace(values[0])
		}
	}
	if n, ok := tagNumberValue(args, "seconds"); ok {
		p.Seconds = secondsToDuration(n)
	}
	return p
}

func (rd *RuntimeData) evalDuplicate(args []sieve.Argument) (bool, sieve.Status) {
	if rd.caps.Duplicate.Check == nil {
		rd.reportErr("duplicate capability not registered")
		return false, sieve.InternalError
	}
	p := rd.duplicateParams(args)
	if p.ID == "" {
		return false, sieve.Ok
	}
	isDup, err := rd.caps.Duplicate.Check(rd.ctx, rd.ac, p)
	if err != nil {
		rd.reportErr(fmt.Sprintf("duplicate: %v", err))
		return false, sieve.InternalError
	}
	if !isDup {
		window := p.Seconds
		if window == 0 {
			window = defaultDuplicateWindow
		}
		rd.duptrack = append(rd.duptrack, DuptrackEntry{ID: p.ID, Seconds: window})
	}
	return isDup, sieve.Ok
}

func (rd *RuntimeData) evalBody(args []sieve.Argument) (bool, sieve.Status) {
	if rd.caps.Body == nil {
		rd.reportErr("body capability not registered")
		return false, sieve.InternalError
	}
	contentType := "text"
	if v, ok := tagStringValue(args, "content"); ok {
		contentType = v
	}
	keys := stringArgs(args)
	mt := parseMatchType(args)
	content, err := rd.caps.Body(rd.ctx, rd.ac, contentType)
	if err != nil {
		rd.reportErr(fmt.Sprintf("body: %v", err))
		return false, sieve.InternalError
	}
	return matchAny(mt, content, keys), sieve.Ok
}

func (rd *RuntimeData) evalMailboxExists(args []sieve.Argument) (bool, sieve.Status) {
	if rd.caps.MailboxExists == nil {
		rd.reportErr("mailboxexists capability not registered")
		return false, sieve.InternalError
	}
	ok, err := rd.caps.MailboxExists(rd.ctx, rd.ac, stringArgs(args))
	if err != nil {
		rd.reportErr(fmt.Sprintf("mailboxexists: %v", err))
		return false, sieve.InternalError
	}
	return ok, sieve.Ok
}

func (rd *RuntimeData) evalSpecialUseExists(args []sieve.Argument) (bool, sieve.Status) {
	if rd.caps.SpecialUseExists == nil {
		rd.reportErr("specialuseexists capability not registered")
		return false, sieve.InternalError
	}
	mailbox, _ := tagStringValue(args, "mailbox")
	ok, err := rd.caps.SpecialUseExists(rd.ctx, rd.ac, mailbox, stringArgs(args))
	if err != nil {
		rd.reportErr(fmt.Sprintf("specialuseexists: %v", err))
		return false, sieve.InternalError
	}
	return ok, sieve.Ok
}

func (rd *RuntimeData) evalMetadata(args []sieve.Argument) (bool, sieve.Status) {
	if rd.caps.Metadata == nil {
		rd.reportErr("metadata capability not registered")
		return false, sieve.InternalError
	}
	parts := stringArgs(args)
	if len(parts) < 3 {
		rd.reportErr("metadata: expected mailbox, annotation name and key-list")
		return false, sieve.InternalError
	}
	value, err := rd.caps.Metadata(rd.ctx, rd.ac, parts[0], parts[1])
	if err != nil {
		rd.reportErr(fmt.Sprintf("metadata: %v", err))
		return false, sieve.InternalError
	}
	mt := parseMatchType(args)
	return matchAny(mt, value, parts[2:]), sieve.Ok
}

func (rd *RuntimeData) evalIhave(args []sieve.Argument) (bool, sieve.Status) {
	for _, name := range stringArgs(args) {
		if !rd.caps.SupportsExtension(name) {
			return false, sieve.Ok
		}
	}
	return true, sieve.Ok
}
