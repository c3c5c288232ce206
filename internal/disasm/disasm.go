// Package disasm decodes raw instruction bytes locally when the backend
// sends an encoding without text. The backend's own disassembler is the
// source of truth; this is the fallback for patched bytes the backend has
// not re-disassembled yet.
package disasm

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Inst is a locally decoded instruction.
type Inst struct {
	VA   uint64 // virtual address of the instruction
	Op   string // mnemonic in lowercase
	Args string // formatted operand list, Intel order
	Len  int    // encoded length in bytes
}

// Decode disassembles the first instruction in raw at virtual address va.
// The second result is false when the bytes do not form a valid encoding.
func Decode(raw []byte, va uint64) (Inst, bool) {
	inst, err := x86asm.Decode(raw, 64)
	if err != nil {
		return Inst{}, false
	}
	text := x86asm.IntelSyntax(inst, va, nil)
	op, args, _ := strings.Cut(text, " ")
	return Inst{
		VA:   va,
		Op:   strings.ToLower(op),
		Args: args,
		Len:  inst.Len,
	}, true
}

// DecodeRun disassembles a linear run starting at va, stopping at the first
// undecodable byte sequence.
func DecodeRun(raw []byte, va uint64) []Inst {
	var out []Inst
	for len(raw) > 0 {
		in, ok := Decode(raw, va)
		if !ok || in.Len == 0 {
			break
		}
		out = append(out, in)
		raw = raw[in.Len:]
		va += uint64(in.Len)
	}
	return out
}
