package proto

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCommandRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"no args", CreateProcess()},
		{"attach", AttachToProcess(1234, "/bin/target", true)},
		{"disassembly", Disassembly(0x100003f80, 500)},
		{"write byte", WriteByte(0x1000, 0xcc)},
		{"set breakpoint", SetBreakpoint(0x100004000)},
		{"execute", ExecuteCommand("register read")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := tt.cmd.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := DecodeCommand(payload)
			if err != nil {
				t.Fatalf("DecodeCommand: %v", err)
			}
			if got.Name != tt.cmd.Name {
				t.Errorf("name = %q, want %q", got.Name, tt.cmd.Name)
			}
			// JSON numbers decode as float64; compare via re-encode.
			p2, err := got.Encode()
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			c2, _ := DecodeCommand(p2)
			if diff := cmp.Diff(got, c2); diff != "" {
				t.Errorf("second decode differs:\n%s", diff)
			}
			for k := range tt.cmd.Args {
				if _, ok := got.Args[k]; !ok {
					t.Errorf("argument %q lost in round trip", k)
				}
			}
		})
	}
}

func TestCommandArgsAreFlattened(t *testing.T) {
	payload, err := Disassembly(0x1000, 64).Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeCommand(payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Args["address"]; !ok {
		t.Errorf("address not at top level: %s", payload)
	}
	if _, ok := got.Args["args"]; ok {
		t.Errorf("arguments nested instead of flattened: %s", payload)
	}
}

func TestDecodeModernMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Message
	}{
		{
			"stopped",
			`{"type":"stopped","payload":{"reason":"step","threadId":42,"pc":4198400}}`,
			Stopped{Reason: "step", ThreadID: 42, PC: 0x401000},
		},
		{
			"stopped with thread_id spelling",
			`{"type":"stopped","payload":{"reason":"breakpoint","thread_id":7,"pc":4096}}`,
			Stopped{Reason: "breakpoint", ThreadID: 7, PC: 0x1000},
		},
		{
			"registers with null value",
			`{"type":"registers","payload":{"registers":{"rip":"0x401000","xmm0":null}}}`,
			Registers{Values: map[string]string{"rip": "0x401000"}},
		},
		{
			"disassembly",
			`{"type":"disassembly","payload":{"lines":[{"address":4096,"bytes":"55","instruction":"push","operands":"rbp"}]}}`,
			DisassemblyBatch{Lines: []DisasmLine{{Address: 0x1000, Bytes: "55", Instruction: "push", Operands: "rbp"}}},
		},
		{
			"memory",
			`{"type":"memory","payload":{"lines":[{"address":"0x0000000000001000","bytes":"48 89 e5","ascii":"H.."}]}}`,
			MemoryBatch{Lines: []MemoryLine{{Address: "0x0000000000001000", Bytes: "48 89 e5", ASCII: "H.."}}},
		},
		{
			"writeByte",
			`{"type":"writeByte","payload":{"success":true,"error":null,"address":4096,"value":204}}`,
			WriteAck{Success: true, Address: 0x1000, Value: 0xcc},
		},
		{
			"error",
			`{"type":"error","payload":{"message":"no process"}}`,
			BackendError{Message: "no process"},
		},
		{"attached", `{"type":"attached"}`, Attached{}},
		{"detached", `{"type":"detached"}`, Detached{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeLegacyMessages(t *testing.T) {
	t.Run("ok with breakpoint id", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"status":"ok","bkpt_id":3}`))
		if err != nil {
			t.Fatal(err)
		}
		ack, ok := msg.(Ack)
		if !ok {
			t.Fatalf("got %T, want Ack", msg)
		}
		id, ok := ack.BreakpointID()
		if !ok || id != 3 {
			t.Errorf("BreakpointID = (%d, %v), want (3, true)", id, ok)
		}
	})

	t.Run("error", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"status":"error","message":"cannot attach to process"}`))
		if err != nil {
			t.Fatal(err)
		}
		be, ok := msg.(BackendError)
		if !ok || be.Message != "cannot attach to process" {
			t.Errorf("got %#v", msg)
		}
	})

	t.Run("state event", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"status":"event","type":"state","inferior_state":5,"state_desc":"eStateStopped"}`))
		if err != nil {
			t.Fatal(err)
		}
		ev, ok := msg.(StateEvent)
		if !ok || ev.InferiorState != 5 || ev.StateDesc != "eStateStopped" {
			t.Errorf("got %#v", msg)
		}
	})

	t.Run("target stdout is hex decoded", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"status":"event","type":"stdout","output":"68690a"}`))
		if err != nil {
			t.Fatal(err)
		}
		out, ok := msg.(TargetOutput)
		if !ok || out.Stream != "stdout" || string(out.Data) != "hi\n" {
			t.Errorf("got %#v", msg)
		}
	})

	t.Run("callstack", func(t *testing.T) {
		raw := `{"status":"ok","callstack":[{"pc":4096,"function":"_main","filename":"target","uuid":"u"}]}`
		msg, err := DecodeMessage([]byte(raw))
		if err != nil {
			t.Fatal(err)
		}
		frames, ok := msg.(Ack).Callstack()
		if !ok || len(frames) != 1 || frames[0].Function != "_main" || frames[0].PC != 0x1000 {
			t.Errorf("frames = %#v", frames)
		}
	})

	t.Run("unknown legacy event preserved", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"status":"event","type":"moduleLoaded","modules":[]}`))
		if err != nil {
			t.Fatal(err)
		}
		ev, ok := msg.(LegacyEvent)
		if !ok || ev.Type != "moduleLoaded" {
			t.Errorf("got %#v", msg)
		}
	})
}

func TestDecodeRejectsUnknownShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no discriminator", `{"hello":"world"}`},
		{"unknown type", `{"type":"telemetry","payload":{}}`},
		{"unknown status", `{"status":"maybe"}`},
		{"not json", `<xml/>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage([]byte(tt.raw)); err == nil {
				t.Errorf("DecodeMessage(%q) accepted an unknown shape", tt.raw)
			}
		})
	}
}

func TestParseHexHelpers(t *testing.T) {
	addr, err := ParseHexAddress("0x0000000000401000")
	if err != nil || addr != 0x401000 {
		t.Errorf("ParseHexAddress = (%#x, %v)", addr, err)
	}
	if _, err := ParseHexAddress("zz"); err == nil {
		t.Error("ParseHexAddress accepted garbage")
	}
	b := ParseHexBytes("48 89 e5")
	if len(b) != 3 || b[0] != 0x48 || b[2] != 0xe5 {
		t.Errorf("ParseHexBytes = %x", b)
	}
}
