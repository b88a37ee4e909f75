package sieve

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Program is the engine's bytecode: the compact, serializable form the
// Bytecode Cache memory-maps and the Evaluation Engine interprets. This
// spec does not prescribe an encoding (§6), so Program simply gob-encodes
// the command tree produced by the frontend plus the capability mask
// needed to refuse evaluation against a mismatched interpreter. Real
// Sieve engines compile to a much denser instruction stream; here the
// tree *is* the bytecode; what the spec actually fixes is the evaluation
// contract downstream of it, not the bit layout.
type Program struct {
	Tree    *Command
	Support map[string]bool
}

// Compile produces the bytecode blob for a successfully parsed script.
// Bytecode production (§1's "compiler") is explicitly out of this
// spec's scope as a black box; Compile is the narrow bridge a caller
// needs to get from a Script to bytes a Bytecode Cache can Load.
func Compile(s *Script) ([]byte, error) {
	if s == nil || s.HasErrors() {
		return nil, fmt.Errorf("%w: cannot compile a script with parse errors", errParse)
	}
	prog := Program{Tree: s.Tree, Support: s.Support}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(prog); err != nil {
		return nil, fmt.Errorf("%w: %v", errNoMem, err)
	}
	return buf.Bytes(), nil
}

// DecodeProgram reverses Compile. The Bytecode Cache calls this once per
// memory-mapped blob to obtain the in-memory Program the evaluation
// engine walks; the mapping itself stays read-only and is never mutated.
func DecodeProgram(blob []byte) (*Program, error) {
	var prog Program
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&prog); err != nil {
		return nil, fmt.Errorf("%w: malformed bytecode: %v", errInternal, err)
	}
	return &prog, nil
}
