// Package buffer maintains the sliding disassembly window that lets the UI
// scroll and single-step without a backend round trip for every movement.
// The window is kept far larger than the visible viewport; incoming batches
// either replace it, merge into it, or trim it depending on overlap.
package buffer

import (
	"sort"

	"dbgtui/internal/flow"
	"dbgtui/internal/insn"
)

const (
	// DefaultMaxSize bounds the window during long erratic navigation.
	DefaultMaxSize = 2048

	// FetchBefore and FetchAfter size a disassembly request around a focus
	// address: enough behind for backwards scrolling, more ahead for the
	// common case of stepping forward.
	FetchBefore = 200
	FetchAfter  = 300

	// avgInstrWidth approximates instruction spacing when deciding whether
	// an incoming batch is near enough to the current window to merge.
	avgInstrWidth = 8
)

// FetchRequest sizes a backend disassembly request around a focus address:
// FetchBefore instructions' worth of bytes behind it (approximated with the
// average width, since the true widths are unknown until decoded) and
// FetchBefore+FetchAfter instructions in total.
func FetchRequest(focus uint64) (addr uint64, count int) {
	span := uint64(FetchBefore) * avgInstrWidth
	if focus > span {
		addr = focus - span
	}
	return addr, FetchBefore + FetchAfter
}

// Window is the instruction buffer cache. It is not safe for concurrent use;
// the session controller owns it and serializes access.
type Window struct {
	maxSize   int
	analyzer  *flow.Analyzer
	insns     []insn.Instruction
	edges     []flow.Edge
	lastFocus uint64
}

// New returns an empty window with the given capacity; maxSize <= 0 selects
// DefaultMaxSize.
func New(maxSize int, analyzer *flow.Analyzer) *Window {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if analyzer == nil {
		analyzer = &flow.Analyzer{}
	}
	return &Window{maxSize: maxSize, analyzer: analyzer}
}

// Len returns the number of cached instructions.
func (w *Window) Len() int { return len(w.insns) }

// Base returns the first cached address, or 0 when empty.
func (w *Window) Base() uint64 {
	if len(w.insns) == 0 {
		return 0
	}
	return w.insns[0].Address
}

// End returns the last cached address, or 0 when empty.
func (w *Window) End() uint64 {
	if len(w.insns) == 0 {
		return 0
	}
	return w.insns[len(w.insns)-1].Address
}

// Edges returns the control-flow edges for the current contents.
func (w *Window) Edges() []flow.Edge { return w.edges }

// Instructions returns a read-only view of the cached run.
func (w *Window) Instructions() []insn.Instruction {
	n := len(w.insns)
	return w.insns[:n:n]
}

// Contains reports whether addr lies inside [Base, End].
func (w *Window) Contains(addr uint64) bool {
	return len(w.insns) > 0 && addr >= w.Base() && addr <= w.End()
}

// Clear drops all contents. Called on detach and on re-launch so that
// addresses from a previous process image never leak into a new session.
func (w *Window) Clear() {
	w.insns = nil
	w.edges = nil
	w.lastFocus = 0
}

// VisibleAround returns a viewport-sized slice centered on the instruction at
// or after focus. The second result is false on a miss: an empty window or a
// focus outside the cached range, meaning the caller must fetch from the
// backend.
func (w *Window) VisibleAround(focus uint64, viewport int) ([]insn.Instruction, bool) {
	if len(w.insns) == 0 || !w.Contains(focus) {
		return nil, false
	}
	w.lastFocus = focus

	i := sort.Search(len(w.insns), func(k int) bool {
		return w.insns[k].Address >= focus
	})
	if i == len(w.insns) {
		return nil, false
	}

	start := i - viewport/2
	if start < 0 {
		start = 0
	}
	end := start + viewport
	if end > len(w.insns) {
		end = len(w.insns)
		start = end - viewport
		if start < 0 {
			start = 0
		}
	}
	return w.insns[start:end:end], true
}

// Ingest folds a disassembly batch into the window and re-runs control-flow
// analysis. A batch disjoint from (or only marginally overlapping) the cached
// range replaces the window wholesale; an overlapping batch is merged with
// address de-duplication, newer records superseding older ones at the same
// address; when the merge exceeds maxSize the window is trimmed from the side
// farthest from the last focus address.
func (w *Window) Ingest(batch []insn.Instruction) {
	if len(batch) == 0 {
		return
	}
	sorted := make([]insn.Instruction, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Address < sorted[j].Address
	})
	sorted = dedupe(sorted)

	if len(w.insns) == 0 || !w.overlaps(sorted) {
		w.insns = sorted
	} else {
		w.insns = merge(w.insns, sorted)
	}

	if len(w.insns) > w.maxSize {
		w.trim()
	}
	w.edges = w.analyzer.Analyze(w.insns)
}

// overlaps reports whether the batch materially intersects the cached range,
// padded by an average instruction width so adjacent runs still merge.
func (w *Window) overlaps(batch []insn.Instruction) bool {
	pad := uint64(avgInstrWidth * 4)
	lo, hi := w.Base(), w.End()+pad
	if lo > pad {
		lo -= pad
	}
	bLo, bHi := batch[0].Address, batch[len(batch)-1].Address
	return bLo <= hi && bHi >= lo
}

// merge combines two sorted runs; records from b supersede records from a at
// the same address.
func merge(a, b []insn.Instruction) []insn.Instruction {
	out := make([]insn.Instruction, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Address < b[j].Address:
			out = append(out, a[i])
			i++
		case a[i].Address > b[j].Address:
			out = append(out, b[j])
			j++
		default:
			out = append(out, b[j]) // newer record wins
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// dedupe removes duplicate addresses from a sorted run, keeping the last
// occurrence.
func dedupe(run []insn.Instruction) []insn.Instruction {
	out := run[:0]
	for i := range run {
		if len(out) > 0 && out[len(out)-1].Address == run[i].Address {
			out[len(out)-1] = run[i]
			continue
		}
		out = append(out, run[i])
	}
	return out
}

// trim discards instructions from whichever end is farther from the last
// focus address until the window fits maxSize again.
func (w *Window) trim() {
	excess := len(w.insns) - w.maxSize
	focus := w.lastFocus
	if focus == 0 {
		focus = w.insns[len(w.insns)/2].Address
	}

	distLow := focus - w.Base()
	if focus < w.Base() {
		distLow = 0
	}
	distHigh := w.End() - focus
	if focus > w.End() {
		distHigh = 0
	}

	if distLow > distHigh {
		// Focus sits near the top; drop the oldest low addresses.
		w.insns = append(w.insns[:0:0], w.insns[excess:]...)
	} else {
		w.insns = append(w.insns[:0:0], w.insns[:len(w.insns)-excess]...)
	}
}
