// Package flow classifies control-transfer instructions inside a disassembly
// window and resolves their targets to window indexes, producing the edge set
// the UI uses for jump arrows and jump-to-target navigation.
package flow

import (
	"strings"

	"dbgtui/internal/insn"
)

// EdgeKind distinguishes jumps from calls.
type EdgeKind uint8

const (
	KindJump EdgeKind = iota
	KindCall
)

func (k EdgeKind) String() string {
	if k == KindCall {
		return "call"
	}
	return "jump"
}

// Direction tags where an unresolved target lies relative to the window.
type Direction int8

const (
	DirNone     Direction = 0
	DirForward  Direction = 1  // target above the source address
	DirBackward Direction = -1 // target below the source address
)

// Edge is one control-flow transfer found in the analyzed window. Edges are
// derived data: they are recomputed whenever the window changes and never
// persisted.
type Edge struct {
	From        uint64
	To          uint64
	Kind        EdgeKind
	Conditional bool
	Resolved    bool // target address present in the window
	FromIndex   int
	ToIndex     int // valid only when Resolved
	Direction   Direction
}

// Classification of a mnemonic against the fixed transfer table.
type mnemonicClass struct {
	kind        EdgeKind
	conditional bool
}

// Transfer mnemonics, x86 families. Conditional forms are distinguished from
// bare jmp/call; loop and jcxz variants count as conditional jumps.
var transferTable = map[string]mnemonicClass{
	"jmp":    {KindJump, false},
	"call":   {KindCall, false},
	"callq":  {KindCall, false},
	"je":     {KindJump, true},
	"jne":    {KindJump, true},
	"jz":     {KindJump, true},
	"jnz":    {KindJump, true},
	"jl":     {KindJump, true},
	"jle":    {KindJump, true},
	"jg":     {KindJump, true},
	"jge":    {KindJump, true},
	"ja":     {KindJump, true},
	"jae":    {KindJump, true},
	"jb":     {KindJump, true},
	"jbe":    {KindJump, true},
	"jo":     {KindJump, true},
	"jno":    {KindJump, true},
	"js":     {KindJump, true},
	"jns":    {KindJump, true},
	"jc":     {KindJump, true},
	"jnc":    {KindJump, true},
	"jp":     {KindJump, true},
	"jnp":    {KindJump, true},
	"jcxz":   {KindJump, true},
	"jecxz":  {KindJump, true},
	"jrcxz":  {KindJump, true},
	"loop":   {KindJump, true},
	"loope":  {KindJump, true},
	"loopne": {KindJump, true},
}

// DefaultMinAddress is the smallest bare (un-prefixed) hex literal accepted
// as a target address. Anything below the first page is treated as a plain
// immediate, not an address.
const DefaultMinAddress = 0x1000

// Analyzer scans instruction windows for jump and call edges. The zero value
// uses DefaultMinAddress.
type Analyzer struct {
	// MinAddress is the bare-literal threshold; 0 means DefaultMinAddress.
	MinAddress uint64
}

// Analyze classifies every instruction in window and returns the edge set,
// ordered by source index. The result depends only on the window contents:
// the analyzer keeps no state between calls.
func (a *Analyzer) Analyze(window []insn.Instruction) []Edge {
	minAddr := a.MinAddress
	if minAddr == 0 {
		minAddr = DefaultMinAddress
	}

	var edges []Edge
	for i := range window {
		in := &window[i]
		class, ok := transferTable[strings.ToLower(in.Mnemonic)]
		if !ok {
			continue
		}
		target, ok := ParseTarget(in.Operands, minAddr)
		if !ok {
			continue
		}
		e := Edge{
			From:        in.Address,
			To:          target,
			Kind:        class.kind,
			Conditional: class.conditional,
			FromIndex:   i,
			ToIndex:     -1,
		}
		if idx := indexOf(window, target); idx >= 0 {
			e.Resolved = true
			e.ToIndex = idx
		} else if target >= in.Address {
			e.Direction = DirForward
		} else {
			e.Direction = DirBackward
		}
		edges = append(edges, e)
	}
	return edges
}

// IsTransfer reports whether mnemonic is a jump or call form.
func IsTransfer(mnemonic string) bool {
	_, ok := transferTable[strings.ToLower(mnemonic)]
	return ok
}

// ParseTarget extracts a literal target address from operand text. Priority:
// a 0x-prefixed hex literal anywhere in the text, then a bare hex literal of
// at least minAddr, then a bracketed indirect form unwrapped recursively.
// Register and symbolic operands yield no target.
func ParseTarget(operands string, minAddr uint64) (uint64, bool) {
	s := strings.TrimSpace(operands)
	if s == "" {
		return 0, false
	}

	if i := strings.Index(s, "0x"); i < 0 {
		if i = strings.Index(s, "0X"); i >= 0 {
			s = s[i:]
		}
	} else {
		s = s[i:]
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if v, n := scanHex(s[2:]); n > 0 {
			return v, true
		}
		return 0, false
	}

	// Bracketed indirect: unwrap and retry on the inner text.
	if open := strings.IndexByte(s, '['); open >= 0 {
		if close := strings.LastIndexByte(s, ']'); close > open {
			return ParseTarget(s[open+1:close], minAddr)
		}
	}

	// Bare hex literal: only accepted above the threshold so that small
	// immediates ("add rsp, 28") are not misread as addresses.
	if v, n := scanHex(s); n == len(s) && n > 0 {
		if v >= minAddr {
			return v, true
		}
	}
	return 0, false
}

// scanHex parses a leading run of hex digits, returning the value and the
// number of digits consumed.
func scanHex(s string) (uint64, int) {
	var v uint64
	n := 0
	for ; n < len(s); n++ {
		c := s[n]
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint64(c-'0')
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint64(c-'a'+10)
		case c >= 'A' && c <= 'F':
			v = v<<4 | uint64(c-'A'+10)
		default:
			return v, n
		}
		if n >= 16 {
			return v, n
		}
	}
	return v, n
}

func indexOf(window []insn.Instruction, addr uint64) int {
	lo, hi := 0, len(window)
	for lo < hi {
		mid := (lo + hi) / 2
		if window[mid].Address < addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(window) && window[lo].Address == addr {
		return lo
	}
	return -1
}
