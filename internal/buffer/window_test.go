package buffer

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"dbgtui/internal/flow"
	"dbgtui/internal/insn"
)

func run(base uint64, step uint32, n int) []insn.Instruction {
	out := make([]insn.Instruction, n)
	for i := range out {
		out[i] = insn.Instruction{
			Address:  base + uint64(i)*uint64(step),
			Size:     step,
			Mnemonic: "nop",
		}
	}
	return out
}

func checkInvariant(t *testing.T, w *Window) {
	t.Helper()
	insns := w.Instructions()
	for i := 1; i < len(insns); i++ {
		if insns[i].Address <= insns[i-1].Address {
			t.Fatalf("window not strictly sorted at %d: %#x after %#x",
				i, insns[i].Address, insns[i-1].Address)
		}
	}
}

func TestIngestReplaceIntoEmpty(t *testing.T) {
	// 17 instructions of 16 bytes covering [0x1000..0x1100).
	w := New(0, nil)
	w.Ingest(run(0x1000, 16, 17))
	checkInvariant(t, w)

	if w.Base() != 0x1000 {
		t.Errorf("Base = %#x, want 0x1000", w.Base())
	}
	view, hit := w.VisibleAround(0x1050, 8)
	if !hit {
		t.Fatal("VisibleAround(0x1050) missed inside the cached range")
	}
	if len(view) != 8 {
		t.Fatalf("viewport length = %d, want 8", len(view))
	}
	found := false
	for _, in := range view {
		if in.Address == 0x1050 {
			found = true
		}
	}
	if !found {
		t.Error("viewport does not contain the focus instruction 0x1050")
	}
	// Centered: the focus must not sit at the very edge.
	if view[0].Address == 0x1050 || view[len(view)-1].Address == 0x1050 {
		t.Errorf("focus not centered: viewport [%#x..%#x]", view[0].Address, view[len(view)-1].Address)
	}
}

func TestVisibleAroundMissOutsideRange(t *testing.T) {
	w := New(0, nil)
	if _, hit := w.VisibleAround(0x1000, 8); hit {
		t.Error("empty window reported a hit")
	}
	w.Ingest(run(0x1000, 4, 100))

	tests := []struct {
		name  string
		focus uint64
		hit   bool
	}{
		{"first address", 0x1000, true},
		{"last address", 0x118c, true},
		{"below range", 0xfff, false},
		{"above range", 0x1190, false},
		{"far away", 0x9000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, hit := w.VisibleAround(tt.focus, 10)
			if hit != tt.hit {
				t.Errorf("VisibleAround(%#x) hit=%v, want %v", tt.focus, hit, tt.hit)
			}
		})
	}
}

func TestVisibleAroundMatchesDirectSlice(t *testing.T) {
	w := New(0, nil)
	w.Ingest(run(0x4000, 2, 64))

	store := insn.NewStore()
	store.Load(w.Instructions())

	focus := uint64(0x4020)
	view, hit := w.VisibleAround(focus, 9)
	if !hit {
		t.Fatal("unexpected miss")
	}
	idx := store.IndexByAddress(focus)
	want := store.SliceRange(idx-4, 9)
	if diff := cmp.Diff(want, view); diff != "" {
		t.Errorf("hit differs from direct find+slice (-want +got):\n%s", diff)
	}
}

func TestIngestDisjointReplaces(t *testing.T) {
	w := New(0, nil)
	w.Ingest(run(0x1000, 4, 50))
	w.Ingest(run(0x90000, 4, 30))
	checkInvariant(t, w)

	if w.Len() != 30 || w.Base() != 0x90000 {
		t.Errorf("disjoint batch did not replace: len=%d base=%#x", w.Len(), w.Base())
	}
	if _, hit := w.VisibleAround(0x1000, 4); hit {
		t.Error("stale address still served after replacement")
	}
}

func TestIngestOverlappingMerges(t *testing.T) {
	w := New(0, nil)
	w.Ingest(run(0x1000, 4, 50)) // 0x1000..0x10c4
	w.Ingest(run(0x10c0, 4, 50)) // overlaps the tail
	checkInvariant(t, w)

	if w.Len() != 98 { // 0x10c0 and 0x10c4 shared
		t.Errorf("merged length = %d, want 98", w.Len())
	}
	if w.Base() != 0x1000 || w.End() != 0x1184 {
		t.Errorf("merged range = [%#x, %#x]", w.Base(), w.End())
	}
}

func TestIngestSupersedesPatchedInstruction(t *testing.T) {
	w := New(0, nil)
	w.Ingest(run(0x1000, 1, 16))

	patched := run(0x1008, 1, 1)
	patched[0].Mnemonic = "int3"
	w.Ingest(patched)
	checkInvariant(t, w)

	for _, in := range w.Instructions() {
		if in.Address == 0x1008 && in.Mnemonic != "int3" {
			t.Errorf("patched record not superseded: mnemonic %q", in.Mnemonic)
		}
	}
	if w.Len() != 16 {
		t.Errorf("merge duplicated the patched address: len=%d", w.Len())
	}
}

func TestIngestIdempotent(t *testing.T) {
	batch := run(0x2000, 4, 40)

	once := New(0, nil)
	once.Ingest(batch)

	twice := New(0, nil)
	twice.Ingest(batch)
	twice.Ingest(batch)

	if diff := cmp.Diff(once.Instructions(), twice.Instructions()); diff != "" {
		t.Errorf("re-ingesting a contained batch changed the window:\n%s", diff)
	}
	checkInvariant(t, twice)
}

func TestTrimKeepsFocusSide(t *testing.T) {
	w := New(100, nil)
	w.Ingest(run(0x1000, 4, 100))
	// Focus near the top of the range.
	if _, hit := w.VisibleAround(0x1180, 4); !hit {
		t.Fatal("focus miss before trim")
	}
	// Adjacent batch above pushes the window over maxSize.
	w.Ingest(run(0x1190, 4, 50))
	checkInvariant(t, w)

	if w.Len() != 100 {
		t.Fatalf("trim did not bound the window: len=%d", w.Len())
	}
	if !w.Contains(0x1180) {
		t.Error("trim discarded the focus side")
	}
	if w.Contains(0x1000) {
		t.Error("trim kept the far side instead")
	}
}

func TestClear(t *testing.T) {
	w := New(0, nil)
	w.Ingest(run(0x1000, 4, 20))
	w.Clear()

	if w.Len() != 0 || len(w.Edges()) != 0 {
		t.Errorf("Clear left %d instructions, %d edges", w.Len(), len(w.Edges()))
	}
	if _, hit := w.VisibleAround(0x1000, 4); hit {
		t.Error("cleared window still serves stale addresses")
	}
}

func TestIngestReanalyzesEdges(t *testing.T) {
	w := New(0, &flow.Analyzer{})

	first := []insn.Instruction{
		{Address: 0x1000, Size: 2, Mnemonic: "jne", Operands: "0x1004"},
		{Address: 0x1002, Size: 2, Mnemonic: "nop"},
		{Address: 0x1004, Size: 2, Mnemonic: "ret"},
	}
	w.Ingest(first)
	if len(w.Edges()) != 1 || !w.Edges()[0].Resolved {
		t.Fatalf("expected one resolved edge, got %+v", w.Edges())
	}

	// Replacement window no longer contains the target.
	second := []insn.Instruction{
		{Address: 0x9000, Size: 2, Mnemonic: "jne", Operands: "0x1004"},
		{Address: 0x9002, Size: 2, Mnemonic: "nop"},
	}
	w.Ingest(second)
	edges := w.Edges()
	if len(edges) != 1 {
		t.Fatalf("expected one edge after replacement, got %d", len(edges))
	}
	if edges[0].Resolved {
		t.Error("edge to an off-window target still marked resolved")
	}
	if edges[0].Direction != flow.DirBackward {
		t.Errorf("direction = %d, want backward", edges[0].Direction)
	}
}
