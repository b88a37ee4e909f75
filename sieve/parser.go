package sieve

import (
	"fmt"
	"strings"
)

// parser turns a token stream into a command tree. It is a straightforward
// recursive-descent implementation of the subset of RFC 5228 needed to
// exercise the evaluation engine's contract: require, control commands
// (if/elsif/else), block-free action commands, and the standard/extension
// test set (header, address, envelope, size, exists, duplicate, true,
// false, not, anyof, allof).
type parser struct {
	lex  *lexer
	tok  token
	errs []string
}

func newParser(src []byte) (*parser, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) errf(format string, args ...interface{}) error {
	return fmt.Errorf("line %d: %s", p.tok.line, fmt.Sprintf(format, args...))
}

// parseProgram parses the whole token stream into the root Command and
// returns every error it collected. After a failed command it recovers
// (p.recover) and goes on, so as many errors as possible are collected,
// matching §4.1's "continues past errors when the grammar permits".
func (p *parser) parseProgram() (*Command, []string) {
	root := &Command{Name: ""}
	for p.tok.kind != tokEOF {
		cmd, err := p.parseCommand()
		if err != nil {
			p.errs = append(p.errs, err.Error())
			if !p.recover() {
				break
			}
			continue
		}
		root.Block = append(root.Block, cmd)
	}
	return root, p.errs
}

// recover skips tokens up to and including the next top-level semicolon or
// closing brace so parsing can continue after a malformed command.
func (p *parser) recover() bool {
	depth := 0
	for {
		switch p.tok.kind {
		case tokEOF:
			return false
		case tokLBrace:
			depth++
		case tokRBrace:
			if depth == 0 {
				if err := p.advance(); err != nil {
					return false
				}
				return true
			}
			depth--
		case tokSemicolon:
			if depth == 0 {
				if err := p.advance(); err != nil {
					return false
				}
				return true
			}
		}
		if err := p.advance(); err != nil {
			return false
		}
	}
}

func (p *parser) parseCommand() (*Command, error) {
	if p.tok.kind != tokIdent {
		return nil, p.errf("expected command identifier, got %q", p.tok.text)
	}
	name := strings.ToLower(p.tok.text)
	line := p.tok.line
	if err := p.advance(); err != nil {
		return nil, err
	}

	if name == "if" {
		return p.parseIf(line)
	}

	args, err := p.parseArguments()
	if err != nil {
		return nil, err
	}

	if p.tok.kind != tokSemicolon {
		return nil, p.errf("expected ';' after %s, got %q", name, p.tok.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &Command{Name: name, Arguments: args, Line: line}, nil
}

func (p *parser) parseIf(line int) (*Command, error) {
	root := &Command{Name: "if", Line: line}
	test, err := p.parseTest()
	if err != nil {
		return nil, err
	}
	root.Test = test
	block, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	root.Block = block

	for p.tok.kind == tokIdent && (strings.EqualFold(p.tok.text, "elsif") || strings.EqualFold(p.tok.text, "else")) {
		kind := strings.ToLower(p.tok.text)
		arm := &Command{Name: kind, Line: p.tok.line}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if kind == "elsif" {
			t, err := p.parseTest()
			if err != nil {
				return nil, err
			}
			arm.Test = t
		}
		b, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		arm.Block = b
		root.Elsif = append(root.Elsif, arm)
	}
	return root, nil
}

func (p *parser) parseBlock() ([]*Command, error) {
	if p.tok.kind != tokLBrace {
		return nil, p.errf("expected '{', got %q", p.tok.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var cmds []*Command
	for p.tok.kind != tokRBrace {
		if p.tok.kind == tokEOF {
			return nil, p.errf("unterminated block")
		}
		if strings.EqualFold(p.tok.text, "if") && p.tok.kind == tokIdent {
			line := p.tok.line
			if err := p.advance(); err != nil {
				return nil, err
			}
			cmd, err := p.parseIf(line)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
			continue
		}
		cmd, err := p.parseCommand()
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, p.advance()
}

// parseArguments consumes tags, strings, string-lists and numbers until a
// ';' or '{' (the start of a test's nested block is never reached here
// since tests are parsed by parseTest, not parseArguments).
func (p *parser) parseArguments() ([]Argument, error) {
	var args []Argument
	for {
		switch p.tok.kind {
		case tokTag:
			args = append(args, Argument{Kind: ArgTag, Str: p.tok.text, Line: p.tok.line})
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokString:
			args = append(args, Argument{Kind: ArgString, Str: p.tok.text, Line: p.tok.line})
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokNumber:
			args = append(args, Argument{Kind: ArgNumber, Num: p.tok.num, Line: p.tok.line})
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokLBracket:
			list, err := p.parseStringList()
			if err != nil {
				return nil, err
			}
			args = append(args, list)
		default:
			return args, nil
		}
	}
}

func (p *parser) parseStringList() (Argument, error) {
	line := p.tok.line
	if err := p.advance(); err != nil { // consume '['
		return Argument{}, err
	}
	var items []string
	for p.tok.kind != tokRBracket {
		if p.tok.kind != tokString {
			return Argument{}, p.errf("expected string in list, got %q", p.tok.text)
		}
		items = append(items, p.tok.text)
		if err := p.advance(); err != nil {
			return Argument{}, err
		}
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return Argument{}, err
			}
			continue
		}
		break
	}
	if p.tok.kind != tokRBracket {
		return Argument{}, p.errf("expected ']', got %q", p.tok.text)
	}
	if err := p.advance(); err != nil {
		return Argument{}, err
	}
	return Argument{Kind: ArgStringList, List: items, Line: line}, nil
}

// parseTest parses a single test, which for anyof/allof/not expands into a
// parenthesized, comma-separated test-list.
func (p *parser) parseTest() (*Test, error) {
	if p.tok.kind != tokIdent {
		return nil, p.errf("expected test, got %q", p.tok.text)
	}
	name := strings.ToLower(p.tok.text)
	line := p.tok.line
	if err := p.advance(); err != nil {
		return nil, err
	}

	t := &Test{Name: name, Line: line}

	switch name {
	case "anyof", "allof":
		if err := p.expectTok(tokLParen); err != nil {
			return nil, err
		}
		for {
			sub, err := p.parseTest()
			if err != nil {
				return nil, err
			}
			t.Tests = append(t.Tests, sub)
			if p.tok.kind == tokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if err := p.expectTok(tokRParen); err != nil {
			return nil, err
		}
		return t, nil
	case "not":
		// RFC 5228 is "not test", no parentheses required; accept the
		// parenthesized form too since it reads the same either way.
		parenthesized := p.tok.kind == tokLParen
		if parenthesized {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		sub, err := p.parseTest()
		if err != nil {
			return nil, err
		}
		t.Tests = []*Test{sub}
		if parenthesized {
			if err := p.expectTok(tokRParen); err != nil {
				return nil, err
			}
		}
		return t, nil
	case "true", "false":
		return t, nil
	default:
		args, err := p.parseArguments()
		if err != nil {
			return nil, err
		}
		t.Arguments = args
		return t, nil
	}
}

func (p *parser) expectTok(kind tokenKind) error {
	if p.tok.kind != kind {
		return p.errf("expected token %d, got %q", kind, p.tok.text)
	}
	return p.advance()
}
