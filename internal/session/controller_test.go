package session

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"dbgtui/internal/flow"
	"dbgtui/internal/proto"
)

// fakeBackend records sent commands and lets tests inject replies.
type fakeBackend struct {
	sent chan proto.Command
	msgs chan proto.Message
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sent: make(chan proto.Command, 64),
		msgs: make(chan proto.Message, 64),
	}
}

func (f *fakeBackend) Start() error                   { return nil }
func (f *fakeBackend) Send(c proto.Command) error     { f.sent <- c; return nil }
func (f *fakeBackend) Messages() <-chan proto.Message { return f.msgs }
func (f *fakeBackend) Stop()                          {}
func (f *fakeBackend) inject(m proto.Message)         { f.msgs <- m }
func (f *fakeBackend) reply(t *testing.T) proto.Command {
	t.Helper()
	select {
	case c := <-f.sent:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no command sent")
		return proto.Command{}
	}
}

func (f *fakeBackend) expect(t *testing.T, name string) proto.Command {
	t.Helper()
	c := f.reply(t)
	if c.Name != name {
		t.Fatalf("sent %q, want %q", c.Name, name)
	}
	return c
}

func newTestController(t *testing.T) (*Controller, *fakeBackend) {
	t.Helper()
	fb := newFakeBackend()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	ctl := NewController(fb, logger, &flow.Analyzer{})
	if err := ctl.Run(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ctl.Close)
	return ctl, fb
}

// waitState drains snapshots until the state matches or the deadline passes.
func waitState(t *testing.T, ctl *Controller, want State) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ctl.Updates():
			if snap.State == want {
				return snap
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
			return Snapshot{}
		}
	}
}

// waitSnap drains snapshots until pred holds.
func waitSnap(t *testing.T, ctl *Controller, desc string, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ctl.Updates():
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("never observed: %s", desc)
			return Snapshot{}
		}
	}
}

func attach(t *testing.T, ctl *Controller, fb *fakeBackend) {
	t.Helper()
	ctl.Attach(1234, "/bin/target")
	fb.expect(t, proto.CmdAttachToProcess)
	fb.inject(proto.Attached{})
	fb.expect(t, proto.CmdGetRegisters)
	waitState(t, ctl, Attached)
}

func TestAttachLifecycle(t *testing.T) {
	ctl, fb := newTestController(t)

	ctl.Attach(1234, "/bin/target")
	cmd := fb.expect(t, proto.CmdAttachToProcess)
	if pid, ok := cmd.Args["pid"].(int); !ok || pid != 1234 {
		t.Errorf("attach pid = %v", cmd.Args["pid"])
	}
	waitState(t, ctl, Attaching)

	fb.inject(proto.Attached{})
	fb.expect(t, proto.CmdGetRegisters)
	snap := waitState(t, ctl, Attached)
	if snap.PID != 1234 || snap.Target != "/bin/target" {
		t.Errorf("snapshot target = %d %q", snap.PID, snap.Target)
	}
}

func TestStepRoundTrip(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	ctl.StepInto()
	fb.expect(t, proto.CmdStepInto)
	waitState(t, ctl, Stepping)

	fb.inject(proto.Stopped{Reason: "step", ThreadID: 1, PC: 0x401000})
	fb.expect(t, proto.CmdGetRegisters)
	fb.expect(t, proto.CmdGetCallstack)
	fb.expect(t, proto.CmdGetThreadIDList)
	// Cache is empty, so the stop triggers a disassembly fetch.
	dis := fb.expect(t, proto.CmdDisassembly)
	if _, ok := dis.Args["address"]; !ok {
		t.Error("disassembly request without address")
	}

	snap := waitState(t, ctl, Stopped)
	if snap.PC != 0x401000 || snap.StopReason != "step" {
		t.Errorf("pc = %#x reason = %q", snap.PC, snap.StopReason)
	}
}

func TestStoppedRefreshesRegistersAndDisassembly(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	ctl.Continue()
	fb.expect(t, proto.CmdContinueExecution)
	fb.inject(proto.Stopped{Reason: "breakpoint", ThreadID: 1, PC: 0x1000})
	fb.expect(t, proto.CmdGetRegisters)
	fb.expect(t, proto.CmdGetCallstack)
	fb.expect(t, proto.CmdGetThreadIDList)
	fb.expect(t, proto.CmdDisassembly)
	waitState(t, ctl, Stopped)

	fb.inject(proto.Registers{Values: map[string]string{"rip": "0x1000", "rax": "0x0"}})
	waitSnap(t, ctl, "registers arrive", func(s Snapshot) bool {
		return s.Registers["rip"] == "0x1000"
	})

	lines := make([]proto.DisasmLine, 8)
	for i := range lines {
		lines[i] = proto.DisasmLine{
			Address:     0x1000 + uint64(i),
			Bytes:       "90",
			Instruction: "nop",
		}
	}
	fb.inject(proto.DisassemblyBatch{Lines: lines})
	snap := waitSnap(t, ctl, "disassembly ingested", func(s Snapshot) bool {
		return len(s.Instructions) == 8
	})
	if snap.Instructions[0].Address != 0x1000 {
		t.Errorf("base = %#x", snap.Instructions[0].Address)
	}
}

func TestStepRejectedWhileRunning(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	ctl.Continue()
	fb.expect(t, proto.CmdContinueExecution)
	waitState(t, ctl, Continuing)

	ctl.StepInto()
	ctl.Continue()

	// Neither command may reach the backend while the target runs.
	select {
	case c := <-fb.sent:
		t.Fatalf("command %q sent while continuing", c.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCommandsRejectedWhenIdle(t *testing.T) {
	ctl, fb := newTestController(t)

	ctl.StepInto()
	ctl.Continue()
	ctl.Detach()
	ctl.ReadMemory(0x1000, 64)
	ctl.SendStdin([]byte("hello\n"))

	select {
	case c := <-fb.sent:
		t.Fatalf("command %q sent while idle", c.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBreakpointOptimismAndConfirmation(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	ctl.SetBreakpoint(0x401000)
	fb.expect(t, proto.CmdSetBreakpoint)
	snap := waitSnap(t, ctl, "pending breakpoint visible", func(s Snapshot) bool {
		return s.HasBreakpoint(0x401000)
	})
	if len(snap.Breakpoints) != 1 || !snap.Breakpoints[0].Pending {
		t.Fatalf("breakpoints = %#v", snap.Breakpoints)
	}

	fb.inject(proto.Ack{Fields: rawFields(t, map[string]any{"bkpt_id": 7})})
	snap = waitSnap(t, ctl, "breakpoint confirmed", func(s Snapshot) bool {
		return len(s.Breakpoints) == 1 && !s.Breakpoints[0].Pending
	})
	if snap.Breakpoints[0].ID != 7 {
		t.Errorf("id = %d, want 7", snap.Breakpoints[0].ID)
	}

	ctl.RemoveBreakpoint(0x401000)
	rm := fb.expect(t, proto.CmdRemoveBreakpoint)
	if id, _ := rm.Args["bkpt_id"].(int); id != 7 {
		t.Errorf("remove id = %v", rm.Args["bkpt_id"])
	}
	waitSnap(t, ctl, "breakpoint gone", func(s Snapshot) bool {
		return !s.HasBreakpoint(0x401000)
	})
}

func TestBreakpointRollbackOnError(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	ctl.SetBreakpoint(0x401000)
	fb.expect(t, proto.CmdSetBreakpoint)
	waitSnap(t, ctl, "pending breakpoint", func(s Snapshot) bool {
		return s.HasBreakpoint(0x401000)
	})

	fb.inject(proto.BackendError{Message: "invalid address"})
	snap := waitSnap(t, ctl, "breakpoint rolled back", func(s Snapshot) bool {
		return !s.HasBreakpoint(0x401000)
	})
	if snap.State != Errored || snap.Err != "invalid address" {
		t.Errorf("state = %s err = %q", snap.State, snap.Err)
	}
}

func TestErroredRetainsSessionData(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	fb.inject(proto.Registers{Values: map[string]string{"rip": "0x1000"}})
	waitSnap(t, ctl, "registers", func(s Snapshot) bool { return len(s.Registers) == 1 })

	fb.inject(proto.BackendError{Message: "transient"})
	snap := waitState(t, ctl, Errored)
	if snap.Registers["rip"] != "0x1000" {
		t.Error("error cleared session data")
	}

	// Commands still validate against the pre-error state.
	ctl.StepInto()
	fb.expect(t, proto.CmdStepInto)
}

func TestDetachClearsEverything(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	fb.inject(proto.Registers{Values: map[string]string{"rip": "0x1000"}})
	ctl.SetBreakpoint(0x2000)
	fb.expect(t, proto.CmdSetBreakpoint)
	waitSnap(t, ctl, "breakpoint set", func(s Snapshot) bool { return s.HasBreakpoint(0x2000) })

	ctl.Detach()
	fb.expect(t, proto.CmdRemoveAllBreakpoints)
	fb.expect(t, proto.CmdDetach)
	waitState(t, ctl, Detaching)

	fb.inject(proto.Detached{})
	snap := waitState(t, ctl, Idle)
	if len(snap.Registers) != 0 || len(snap.Breakpoints) != 0 || len(snap.Instructions) != 0 {
		t.Errorf("detach left state behind: %#v", snap)
	}
}

func TestLaunchedStopForcesReport(t *testing.T) {
	ctl, fb := newTestController(t)

	ctl.Launch("/bin/target", "/tmp", "")
	fb.expect(t, proto.CmdPrepareExecutable)
	fb.expect(t, proto.CmdCreateProcess)

	fb.inject(proto.Stopped{Reason: "launched", ThreadID: 1, PC: 0xdead})
	fb.expect(t, proto.CmdForceStopAndReport)

	// The authoritative stop arrives afterwards with the real location.
	fb.inject(proto.Stopped{Reason: "signal SIGSTOP", ThreadID: 1, PC: 0x401000})
	fb.expect(t, proto.CmdGetRegisters)
	fb.expect(t, proto.CmdGetCallstack)
	fb.expect(t, proto.CmdGetThreadIDList)
	fb.expect(t, proto.CmdDisassembly)
	snap := waitSnap(t, ctl, "real stop location", func(s Snapshot) bool {
		return s.State == Stopped && s.PC == 0x401000
	})
	if snap.StopReason == "launched" {
		t.Error("transient launch stop treated as authoritative")
	}
}

func TestWriteAckTriggersRefetchInsideWindow(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	lines := make([]proto.DisasmLine, 4)
	for i := range lines {
		lines[i] = proto.DisasmLine{Address: 0x1000 + uint64(i), Bytes: "90", Instruction: "nop"}
	}
	fb.inject(proto.DisassemblyBatch{Lines: lines})
	waitSnap(t, ctl, "window populated", func(s Snapshot) bool { return len(s.Instructions) == 4 })

	ctl.WriteByte(0x1002, 0xcc)
	fb.expect(t, proto.CmdWriteByte)
	fb.inject(proto.WriteAck{Success: true, Address: 0x1002, Value: 0xcc})
	// The patched address lies inside the cached window: stale text must be
	// replaced from the backend.
	fb.expect(t, proto.CmdDisassembly)
}

func TestFailedWriteSurfacesError(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	ctl.WriteByte(0x1000, 0xcc)
	fb.expect(t, proto.CmdWriteByte)
	fb.inject(proto.WriteAck{Success: false, Address: 0x1000, Error: "region not writable"})
	snap := waitState(t, ctl, Errored)
	if snap.Err == "" {
		t.Error("failed write left no error")
	}
}

func TestStdinForwardedToTarget(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	ctl.SendStdin([]byte("y\n"))
	cmd := fb.expect(t, proto.CmdSendToApplication)
	if _, ok := cmd.Args["data"]; !ok {
		t.Error("stdin payload missing")
	}
}

func TestTargetExitReturnsToIdle(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	status := 0
	fb.inject(proto.StateEvent{InferiorState: 10, StateDesc: "eStateExited", ExitStatus: &status})
	waitState(t, ctl, Idle)
}

func TestCallstackAndThreadsLandInSnapshot(t *testing.T) {
	ctl, fb := newTestController(t)
	attach(t, ctl, fb)

	fb.inject(proto.Ack{Fields: rawFields(t, map[string]any{
		"callstack": []map[string]any{
			{"pc": 0x401000, "function": "_main", "filename": "target", "uuid": "u"},
		},
	})})
	snap := waitSnap(t, ctl, "frames", func(s Snapshot) bool { return len(s.Frames) == 1 })
	if snap.Frames[0].Function != "_main" {
		t.Errorf("frame = %#v", snap.Frames[0])
	}

	fb.inject(proto.Ack{Fields: rawFields(t, map[string]any{
		"threads": []map[string]any{
			{"thread-id": 1, "state": "stopped"},
			{"thread-id": 2, "state": "running"},
		},
	})})
	snap = waitSnap(t, ctl, "threads", func(s Snapshot) bool { return len(s.Threads) == 2 })
	if snap.Threads[1].ThreadID != 2 {
		t.Errorf("threads = %#v", snap.Threads)
	}
}

func rawFields(t *testing.T, m map[string]any) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		out[k] = b
	}
	return out
}
