package sieve

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Script is the parsed form of a source program (§3). Only the Script
// Frontend mutates it, during parsing; after that it is read-only.
type Script struct {
	Tree     *Command
	Support  map[string]bool // extensions this script's "require" directives pulled in
	Errors   []string        // one entry per "line N: msg" parse error
	caps     *Capabilities   // the interpreter snapshot that parsed this script
	Context  interface{}     // opaque script-context supplied by the caller
}

// ErrorString renders the collected parse errors as the single
// newline-terminated string described in §4.1: each line prefixed
// "line N: msg\r\n".
func (s *Script) ErrorString() string {
	var sb strings.Builder
	for _, e := range s.Errors {
		sb.WriteString(e)
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// HasErrors reports whether parsing recorded any error.
func (s *Script) HasErrors() bool {
	return len(s.Errors) > 0
}

// ParsedWith returns the interpreter snapshot that parsed this script.
func (s *Script) ParsedWith() *Capabilities {
	return s.caps
}

// ParseFromString parses source held entirely in memory.
func ParseFromString(source string, caps *Capabilities, scriptCtx interface{}) (*Script, error) {
	return parse(strings.NewReader(source), caps, scriptCtx, false)
}

// ParseFromStream parses source read from an io.Reader (typically an
// os.File), wrapping the returned error buffer in the file-oriented
// "script errors:" banner described in §4.1.
func ParseFromStream(r io.Reader, caps *Capabilities, scriptCtx interface{}) (*Script, error) {
	return parse(r, caps, scriptCtx, true)
}

// ParseOnly parses source using a disposable non-executing interpreter
// (§4.1, §4.6), so syntax/require validation can run with no ability to
// cause side effects. It is the operation CHECKSCRIPT-style hosts use.
func ParseOnly(r io.Reader) (*Script, error) {
	caps := buildNonExecInterp()
	return parse(r, caps, nil, false)
}

func parse(r io.Reader, caps *Capabilities, scriptCtx interface{}, banner bool) (*Script, error) {
	if caps == nil {
		return nil, fmt.Errorf("%w: nil capability table", errFail)
	}
	if err := caps.Validate(); err != nil {
		return nil, err
	}

	src, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errFail, err)
	}

	p, err := newParser(src)
	if err != nil {
		return scriptWithSingleError(caps, scriptCtx, err, banner), nil
	}

	tree, parseErrs := p.parseProgram()
	script := &Script{
		Tree:    tree,
		Support: make(map[string]bool),
		caps:    caps,
		Context: scriptCtx,
	}
	script.Errors = append(script.Errors, parseErrs...)

	script.validateRequires(tree)
	if banner && len(script.Errors) > 0 {
		script.Errors[0] = "script errors:\r\n" + script.Errors[0]
	}
	return script, nil
}

func scriptWithSingleError(caps *Capabilities, scriptCtx interface{}, err error, banner bool) *Script {
	msg := err.Error()
	if banner {
		msg = "script errors:\r\n" + msg
	}
	return &Script{
		Tree:    &Command{Name: ""},
		Support: make(map[string]bool),
		Errors:  []string{msg},
		caps:    caps,
		Context: scriptCtx,
	}
}

// validateRequires walks the top-level command list looking for "require"
// commands (require is only meaningful at top level per RFC 5228, but we
// scan the whole tree defensively) and checks every named extension
// against the capability table, recording one error per unsupported name
// and OR-ing supported ones into Support.
func (s *Script) validateRequires(root *Command) {
	var walk func(cmds []*Command)
	walk = func(cmds []*Command) {
		for _, c := range cmds {
			if c.Name == "require" {
				names := requireNames(c)
				for _, n := range names {
					if !knownExtensions[n] {
						s.Errors = append(s.Errors, fmt.Sprintf("line %d: Unsupported feature %s", c.Line, n))
						continue
					}
					if !s.caps.SupportsExtension(n) {
						s.Errors = append(s.Errors, fmt.Sprintf("line %d: Unsupported feature %s", c.Line, n))
						continue
					}
					s.Support[n] = true
				}
			}
			if c.Block != nil {
				walk(c.Block)
			}
			for _, arm := range c.Elsif {
				walk([]*Command{arm})
			}
		}
	}
	walk(root.Block)
}

func requireNames(c *Command) []string {
	var names []string
	for _, a := range c.Arguments {
		switch a.Kind {
		case ArgString:
			names = append(names, a.Str)
		case ArgStringList:
			names = append(names, a.List...)
		}
	}
	return names
}

// Free releases the tree and error buffer. Go's garbage collector makes
// this a no-op beyond dropping references, but it is kept as an explicit
// operation to mirror the lifecycle described in §3 ("destroyed
// explicitly") and to give hosts a single place to hook cleanup.
func (s *Script) Free() {
	s.Tree = nil
	s.Errors = nil
	s.Support = nil
}

// buildNonExecInterp constructs the disposable interpreter used by
// ParseOnly (§4.6): every known extension is enabled, so require
// validation accepts whatever the frontend recognizes. The Logger,
// ExecuteErr, GetFName and Keep slots are poison closures that panic if
// ever invoked; the other action and test slots are left nil. Parsing
// calls none of them, so a parse-only pass cannot have side effects.
// Logger/ExecuteErr/Keep still satisfy Capabilities.Validate.
func buildNonExecInterp() *Capabilities {
	c := NewCapabilities()
	for name := range knownExtensions {
		c.EnableExtension(name)
	}
	poison := func(name string) {
		panic(fmt.Sprintf("sieve: %s capability invoked on a parse-only interpreter", name))
	}
	c.Logger = func(format string, args ...interface{}) { poison("logger") }
	c.ParseError = func(line int, msg string) {}
	c.ExecuteErr = func(reason string) { poison("execute_err") }
	c.GetFName = func(ctx ActionContext) string { poison("getfname"); return "" }
	c.Keep = func(_ context.Context, _ ActionContext, _ []string) error {
		poison("keep")
		return nil
	}
	return c
}
