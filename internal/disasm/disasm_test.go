package disasm

import "testing"

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		raw   []byte
		op    string
		count int
	}{
		{"push rbp", []byte{0x55}, "push", 1},
		{"mov rbp rsp", []byte{0x48, 0x89, 0xe5}, "mov", 3},
		{"int3", []byte{0xcc}, "int3", 1},
		{"ret", []byte{0xc3}, "ret", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, ok := Decode(tt.raw, 0x401000)
			if !ok {
				t.Fatal("Decode failed")
			}
			if in.Op != tt.op {
				t.Errorf("Op = %q, want %q", in.Op, tt.op)
			}
			if in.Len != tt.count {
				t.Errorf("Len = %d, want %d", in.Len, tt.count)
			}
		})
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	// A lone lock prefix is not a complete instruction.
	if _, ok := Decode([]byte{0xf0}, 0); ok {
		t.Error("Decode accepted a bare prefix byte")
	}
	if _, ok := Decode(nil, 0); ok {
		t.Error("Decode accepted empty input")
	}
}

func TestDecodeRun(t *testing.T) {
	// push rbp; mov rbp, rsp; ret
	raw := []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}
	run := DecodeRun(raw, 0x1000)
	if len(run) != 3 {
		t.Fatalf("got %d instructions, want 3", len(run))
	}
	if run[1].VA != 0x1001 {
		t.Errorf("second VA = %#x, want 0x1001", run[1].VA)
	}
	if run[2].Op != "ret" {
		t.Errorf("last op = %q, want ret", run[2].Op)
	}
}
