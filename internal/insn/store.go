// Package insn defines the fixed-layout instruction record shared by the
// disassembly cache, the control-flow analyzer and the UI, together with an
// address-sorted store supporting binary-search lookup.
package insn

import (
	"sort"
)

// MaxBytes is the longest raw encoding kept inline. x86 instructions never
// exceed 15 bytes; 16 keeps the record size a power of two.
const MaxBytes = 16

// Instruction is a single decoded instruction as reported by the backend.
// Records are immutable once stored; a memory patch produces a whole new
// record at the same address. The raw bytes live inline so that scanning a
// visible window is a linear walk over a contiguous slice, not a pointer
// chase.
type Instruction struct {
	Address  uint64
	Size     uint32
	NumBytes uint8
	Bytes    [MaxBytes]byte
	Mnemonic string
	Operands string
}

// RawBytes returns the valid portion of the inline byte array.
func (in *Instruction) RawBytes() []byte {
	n := int(in.NumBytes)
	if n > MaxBytes {
		n = MaxBytes
	}
	return in.Bytes[:n]
}

// SetBytes copies up to MaxBytes of b into the record.
func (in *Instruction) SetBytes(b []byte) {
	n := copy(in.Bytes[:], b)
	in.NumBytes = uint8(n)
}

// Store is an address-sorted container of instructions. Load replaces the
// whole contents; lookups binary-search on address. The store never mutates
// a record in place, so concurrent readers holding a slice view stay safe
// across updates.
type Store struct {
	instructions []Instruction
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Load replaces the store contents, sorting by address. The input slice is
// not retained.
func (s *Store) Load(instructions []Instruction) {
	s.instructions = make([]Instruction, len(instructions))
	copy(s.instructions, instructions)
	sort.Slice(s.instructions, func(i, j int) bool {
		return s.instructions[i].Address < s.instructions[j].Address
	})
}

// Len returns the number of stored instructions.
func (s *Store) Len() int {
	return len(s.instructions)
}

// MinAddress returns the lowest stored address, or 0 when empty.
func (s *Store) MinAddress() uint64 {
	if len(s.instructions) == 0 {
		return 0
	}
	return s.instructions[0].Address
}

// MaxAddress returns the highest stored address, or 0 when empty.
func (s *Store) MaxAddress() uint64 {
	if len(s.instructions) == 0 {
		return 0
	}
	return s.instructions[len(s.instructions)-1].Address
}

// LowerBound returns the index of the first instruction whose address is
// >= addr, which may be Len() when every address is smaller.
func (s *Store) LowerBound(addr uint64) int {
	return sort.Search(len(s.instructions), func(i int) bool {
		return s.instructions[i].Address >= addr
	})
}

// FindByAddress returns the instruction at exactly addr, or nil.
func (s *Store) FindByAddress(addr uint64) *Instruction {
	i := s.LowerBound(addr)
	if i < len(s.instructions) && s.instructions[i].Address == addr {
		return &s.instructions[i]
	}
	return nil
}

// IndexByAddress returns the index of the instruction at exactly addr,
// or -1 when absent.
func (s *Store) IndexByAddress(addr uint64) int {
	i := s.LowerBound(addr)
	if i < len(s.instructions) && s.instructions[i].Address == addr {
		return i
	}
	return -1
}

// At returns the instruction at index i.
func (s *Store) At(i int) *Instruction {
	return &s.instructions[i]
}

// SliceRange returns a read-only view of count instructions starting at
// startIndex, clamped to the store bounds. The view aliases the store's
// backing array and stays valid until the next Load.
func (s *Store) SliceRange(startIndex, count int) []Instruction {
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex >= len(s.instructions) || count <= 0 {
		return nil
	}
	end := startIndex + count
	if end > len(s.instructions) {
		end = len(s.instructions)
	}
	return s.instructions[startIndex:end:end]
}

// All returns a read-only view of every stored instruction.
func (s *Store) All() []Instruction {
	n := len(s.instructions)
	return s.instructions[:n:n]
}
