package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"dbgtui/internal/buffer"
	"dbgtui/internal/disasm"
	"dbgtui/internal/flow"
	"dbgtui/internal/insn"
	"dbgtui/internal/proto"
)

// Backend is the capability the controller drives. proto.Channel is the real
// implementation; tests substitute a fake that replays canned frames.
type Backend interface {
	Start() error
	Send(proto.Command) error
	Messages() <-chan proto.Message
	Stop()
}

// visibleSpan is the viewport width used when deciding whether the cache can
// serve a focus address without a backend round trip.
const visibleSpan = 64

// Controller is the session owner. All mutation happens on its run loop
// goroutine; public methods post operations into that loop and return
// immediately. Step and continue are fire-and-forget: the loop sends the
// command and the asynchronous stopped event drives the next transition.
type Controller struct {
	backend Backend
	logger  *log.Logger
	window  *buffer.Window

	ops  chan func()
	done chan struct{}

	// Owned by the run loop.
	state      State
	prevState  State
	errMsg     string
	stopReason string
	target     string
	pid        int
	pc         uint64
	threadID   uint64
	registers  map[string]string
	prevRegs   map[string]string
	memory     []proto.MemoryLine
	frames     []proto.Frame
	threads    []proto.ThreadInfo

	breakpoints   map[uint64]int // address -> backend id, -1 while pending
	bpOrder       []uint64
	pendingBPs    []uint64 // FIFO awaiting bkpt_id acks
	pendingWrites map[uint64]byte

	awaitingLaunchStop bool

	snapshots *publisher[Snapshot]
	logFeed   *publisher[string]
}

// NewController wires a controller to a backend. Run must be called before
// any command.
func NewController(backend Backend, logger *log.Logger, analyzer *flow.Analyzer) *Controller {
	return &Controller{
		backend:       backend,
		logger:        logger,
		window:        buffer.New(0, analyzer),
		ops:           make(chan func(), 32),
		done:          make(chan struct{}),
		state:         Idle,
		breakpoints:   make(map[uint64]int),
		pendingWrites: make(map[uint64]byte),
		snapshots:     newPublisher[Snapshot](1),
		logFeed:       newPublisher[string](256),
	}
}

// Run starts the backend subprocess and the session loop.
func (c *Controller) Run() error {
	if err := c.backend.Start(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	go c.loop()
	return nil
}

// Close tears the session down. Safe to call once.
func (c *Controller) Close() {
	c.backend.Stop()
	close(c.done)
}

// Updates delivers a fresh snapshot after every observable change. The
// channel holds only the newest snapshot; slow consumers skip intermediate
// states, never block the session.
func (c *Controller) Updates() <-chan Snapshot { return c.snapshots.ch }

// LogFeed is the append-only operator log line stream.
func (c *Controller) LogFeed() <-chan string { return c.logFeed.ch }

func (c *Controller) loop() {
	msgs := c.backend.Messages()
	for {
		select {
		case <-c.done:
			return
		case op := <-c.ops:
			op()
		case msg, ok := <-msgs:
			if !ok {
				c.setError("backend channel closed")
				c.publish()
				return
			}
			c.handleMessage(msg)
		}
	}
}

func (c *Controller) post(op func()) {
	select {
	case c.ops <- op:
	case <-c.done:
	}
}

// effState is the state used for command validation. While surfaced errors
// leave the session in Errored, the underlying session data is untouched, so
// commands validate against the state the error interrupted.
func (c *Controller) effState() State {
	if c.state == Errored {
		return c.prevState
	}
	return c.state
}

func (c *Controller) setState(s State) {
	if c.state != Errored {
		c.prevState = c.state
	}
	if s != Errored {
		c.errMsg = ""
	}
	c.state = s
}

func (c *Controller) setError(msg string) {
	c.appendLog("error: " + msg)
	if c.state != Errored {
		c.prevState = c.state
	}
	c.state = Errored
	c.errMsg = msg
}

func (c *Controller) reject(what string) {
	c.logger.Warn("command rejected in current state", "command", what, "state", c.state.String())
	c.appendLog(fmt.Sprintf("%s ignored while %s", what, c.state))
}

func (c *Controller) send(command proto.Command) {
	if err := c.backend.Send(command); err != nil {
		c.setError(fmt.Sprintf("send %s: %v", command.Name, err))
		c.publish()
	}
}

func (c *Controller) appendLog(line string) {
	stamped := time.Now().Format("15:04:05") + " " + line
	c.logFeed.send(stamped)
}

// Attach connects to a running process by pid.
func (c *Controller) Attach(pid int, executable string) {
	c.post(func() {
		if c.effState() != Idle {
			c.reject("attach")
			return
		}
		c.clearDerivedState()
		c.setState(Attaching)
		c.target = executable
		c.pid = pid
		c.appendLog(fmt.Sprintf("attaching to pid %d (%s)", pid, executable))
		c.send(proto.AttachToProcess(pid, executable, true))
		c.publish()
	})
}

// Launch prepares and creates a process from an executable path. The path
// must already be resolved (bundles unwrapped) by the caller.
func (c *Controller) Launch(path, cwd, args string) {
	c.post(func() {
		if c.effState() != Idle {
			c.reject("launch")
			return
		}
		c.clearDerivedState()
		c.setState(Attaching)
		c.target = path
		c.awaitingLaunchStop = false
		c.appendLog("launching " + path)
		c.send(proto.PrepareExecutable(path, true, cwd, args))
		c.send(proto.CreateProcess())
		c.publish()
	})
}

// Detach releases the target. This is the session's only cancellation
// primitive and is accepted from any non-terminal state.
func (c *Controller) Detach() {
	c.post(func() {
		st := c.effState()
		if st == Idle || st == Detaching {
			c.reject("detach")
			return
		}
		c.setState(Detaching)
		c.appendLog("detaching")
		c.send(proto.RemoveAllBreakpoints())
		c.send(proto.Detach())
		c.publish()
	})
}

// Kill terminates the target outright.
func (c *Controller) Kill() {
	c.post(func() {
		if c.effState() == Idle {
			c.reject("kill")
			return
		}
		c.send(proto.StopExecution())
		c.send(proto.DeleteProcess())
		c.setState(Idle)
		c.clearDerivedState()
		c.appendLog("target killed")
		c.publish()
	})
}

// StepInto executes one instruction, entering calls.
func (c *Controller) StepInto() { c.execute("stepInto", proto.StepInto(), Stepping) }

// StepOver executes one instruction, passing over calls.
func (c *Controller) StepOver() { c.execute("stepOver", proto.StepOver(), Stepping) }

// StepOut runs to the return of the current frame.
func (c *Controller) StepOut() { c.execute("stepOut", proto.StepOut(), Stepping) }

// Continue resumes the target until the next stop.
func (c *Controller) Continue() { c.execute("continue", proto.ContinueExecution(), Continuing) }

func (c *Controller) execute(name string, command proto.Command, next State) {
	c.post(func() {
		if !c.effState().canExecute() {
			c.reject(name)
			return
		}
		c.setState(next)
		c.send(command)
		c.publish()
	})
}

// Interrupt asks the backend to halt a running target.
func (c *Controller) Interrupt() {
	c.post(func() {
		st := c.effState()
		if st != Continuing && st != Stepping {
			c.reject("interrupt")
			return
		}
		c.send(proto.BreakExecution())
	})
}

// ToggleBreakpoint sets or removes a breakpoint at addr.
func (c *Controller) ToggleBreakpoint(addr uint64) {
	c.post(func() {
		if _, ok := c.breakpoints[addr]; ok {
			c.removeBreakpointLocked(addr)
		} else {
			c.setBreakpointLocked(addr)
		}
		c.publish()
	})
}

// SetBreakpoint places a breakpoint at addr, optimistically visible until
// the backend acknowledges with its id.
func (c *Controller) SetBreakpoint(addr uint64) {
	c.post(func() {
		c.setBreakpointLocked(addr)
		c.publish()
	})
}

// RemoveBreakpoint deletes the breakpoint at addr.
func (c *Controller) RemoveBreakpoint(addr uint64) {
	c.post(func() {
		c.removeBreakpointLocked(addr)
		c.publish()
	})
}

func (c *Controller) setBreakpointLocked(addr uint64) {
	if _, ok := c.breakpoints[addr]; ok {
		return
	}
	c.breakpoints[addr] = -1
	c.bpOrder = append(c.bpOrder, addr)
	c.pendingBPs = append(c.pendingBPs, addr)
	c.appendLog(fmt.Sprintf("breakpoint requested at %#x", addr))
	c.send(proto.SetBreakpoint(addr))
}

func (c *Controller) removeBreakpointLocked(addr uint64) {
	id, ok := c.breakpoints[addr]
	if !ok {
		return
	}
	delete(c.breakpoints, addr)
	for i, a := range c.bpOrder {
		if a == addr {
			c.bpOrder = append(c.bpOrder[:i], c.bpOrder[i+1:]...)
			break
		}
	}
	c.appendLog(fmt.Sprintf("breakpoint removed at %#x", addr))
	if id >= 0 {
		c.send(proto.RemoveBreakpoint(id))
	}
	// A still-pending breakpoint is deleted on ack instead; see confirm.
}

// EnsureVisible guarantees the window can serve a viewport around focus,
// requesting a fresh batch from the backend only on a cache miss.
func (c *Controller) EnsureVisible(focus uint64) {
	c.post(func() {
		if c.effState() == Idle {
			return
		}
		if _, hit := c.window.VisibleAround(focus, visibleSpan); hit {
			return
		}
		addr, count := buffer.FetchRequest(focus)
		c.send(proto.Disassembly(addr, count))
	})
}

// ReadMemory requests a hex dump of length bytes at addr.
func (c *Controller) ReadMemory(addr uint64, length int) {
	c.post(func() {
		if c.effState() == Idle {
			c.reject("readMemory")
			return
		}
		c.send(proto.ReadMemory(addr, length))
	})
}

// WriteByte patches one byte of target memory. The ack is correlated back by
// address, not arrival order.
func (c *Controller) WriteByte(addr uint64, value byte) {
	c.post(func() {
		if !c.effState().canExecute() {
			c.reject("writeByte")
			return
		}
		c.pendingWrites[addr] = value
		c.send(proto.WriteByte(addr, value))
	})
}

// WriteBytes patches a run of target memory.
func (c *Controller) WriteBytes(addr uint64, b []byte) {
	c.post(func() {
		if !c.effState().canExecute() {
			c.reject("writeBytes")
			return
		}
		c.send(proto.WriteBytes(addr, b))
	})
}

// WriteRegister sets a register on the selected frame and refreshes the
// register map.
func (c *Controller) WriteRegister(name, value string) {
	c.post(func() {
		if !c.effState().canExecute() {
			c.reject("setRegister")
			return
		}
		c.send(proto.SetRegister(name, value))
		c.send(proto.GetRegisters())
	})
}

// SelectThread switches the backend's selected thread and refreshes state.
func (c *Controller) SelectThread(tid uint64) {
	c.post(func() {
		if !c.effState().canExecute() {
			c.reject("selectThread")
			return
		}
		c.send(proto.SelectThreadID(tid))
		c.send(proto.GetRegisters())
		c.send(proto.GetCallstack())
	})
}

// SendStdin forwards a line of operator input to the target's standard
// input.
func (c *Controller) SendStdin(data []byte) {
	c.post(func() {
		if c.effState() == Idle {
			c.reject("sendToApplication")
			return
		}
		c.send(proto.SendToApplication(data))
	})
}

// Console passes a raw backend console command through; output lands on the
// log feed.
func (c *Controller) Console(cli string) {
	c.post(func() {
		if c.effState() == Idle {
			c.reject("console")
			return
		}
		c.appendLog("> " + cli)
		c.send(proto.ExecuteCommand(cli))
	})
}

func (c *Controller) handleMessage(msg proto.Message) {
	switch ev := msg.(type) {
	case proto.Attached:
		c.handleAttached()
	case proto.Stopped:
		c.handleStopped(ev)
	case proto.Registers:
		c.prevRegs = c.registers
		c.registers = ev.Values
		c.publish()
	case proto.DisassemblyBatch:
		c.ingestDisassembly(ev)
	case proto.MemoryBatch:
		c.memory = ev.Lines
		c.publish()
	case proto.WriteAck:
		c.handleWriteAck(ev)
	case proto.BackendError:
		c.handleBackendError(ev)
	case proto.Ack:
		c.handleAck(ev)
	case proto.Detached:
		c.handleDetached()
	case proto.StateEvent:
		c.handleStateEvent(ev)
	case proto.TargetOutput:
		c.appendLog(fmt.Sprintf("[%s] %s", ev.Stream, strings.TrimRight(string(ev.Data), "\n")))
	case proto.LegacyEvent:
		c.logger.Debug("unhandled backend event", "type", ev.Type)
	default:
		c.logger.Warn("unexpected message", "message", fmt.Sprintf("%T", msg))
	}
}

func (c *Controller) handleAttached() {
	if c.effState() != Attaching {
		c.logger.Debug("attached event outside Attaching", "state", c.state.String())
		return
	}
	c.setState(Attached)
	c.appendLog("attached")
	c.send(proto.GetRegisters())
	c.publish()
}

func (c *Controller) handleStopped(ev proto.Stopped) {
	switch c.effState() {
	case Stepping, Continuing, Attaching, Attached, Stopped:
	default:
		c.logger.Debug("stopped event ignored", "state", c.state.String(), "reason", ev.Reason)
		return
	}

	// A freshly created process reports a transient location; force an
	// explicit stop-and-report before trusting the program counter.
	if strings.EqualFold(ev.Reason, "launched") && !c.awaitingLaunchStop {
		c.awaitingLaunchStop = true
		c.setState(Stopped)
		c.stopReason = ev.Reason
		c.appendLog("launched, confirming stop location")
		c.send(proto.ForceStopAndReport())
		c.publish()
		return
	}
	c.awaitingLaunchStop = false

	c.setState(Stopped)
	c.stopReason = ev.Reason
	c.pc = ev.PC
	c.threadID = ev.ThreadID
	c.appendLog(fmt.Sprintf("stopped: %s at %#x", ev.Reason, ev.PC))

	c.send(proto.GetRegisters())
	c.send(proto.GetCallstack())
	c.send(proto.GetThreadIDList())
	if _, hit := c.window.VisibleAround(ev.PC, visibleSpan); !hit {
		addr, count := buffer.FetchRequest(ev.PC)
		c.send(proto.Disassembly(addr, count))
	}
	c.publish()
}

// ingestDisassembly converts and folds a batch off the loop: parsing the
// line text and raw bytes is the CPU-heavy part and must not stall event
// delivery. The window swap itself is posted back and applied atomically by
// the loop before observers are notified.
func (c *Controller) ingestDisassembly(ev proto.DisassemblyBatch) {
	go func() {
		batch := convertBatch(ev.Lines)
		c.post(func() {
			c.window.Ingest(batch)
			c.publish()
		})
	}()
}

// convertBatch maps wire lines to instruction records, decoding locally when
// the backend sent bytes without mnemonic text.
func convertBatch(lines []proto.DisasmLine) []insn.Instruction {
	batch := make([]insn.Instruction, 0, len(lines))
	for _, line := range lines {
		in := insn.Instruction{
			Address:  line.Address,
			Mnemonic: line.Instruction,
			Operands: line.Operands,
		}
		raw := proto.ParseHexBytes(line.Bytes)
		in.SetBytes(raw)
		in.Size = uint32(len(raw))
		if in.Mnemonic == "" && len(raw) > 0 {
			if dec, ok := disasm.Decode(raw, line.Address); ok {
				in.Mnemonic = dec.Op
				in.Operands = dec.Args
				if in.Size == 0 {
					in.Size = uint32(dec.Len)
				}
			}
		}
		batch = append(batch, in)
	}
	return batch
}

func (c *Controller) handleWriteAck(ev proto.WriteAck) {
	if _, ok := c.pendingWrites[ev.Address]; !ok {
		c.logger.Debug("write ack without pending write", "address", fmt.Sprintf("%#x", ev.Address))
	}
	delete(c.pendingWrites, ev.Address)

	if !ev.Success {
		c.setError(fmt.Sprintf("memory write at %#x failed: %s", ev.Address, ev.Error))
		c.publish()
		return
	}
	c.appendLog(fmt.Sprintf("wrote %#02x to %#x", ev.Value, ev.Address))
	// The patched bytes supersede the cached instruction at that address.
	if c.window.Contains(ev.Address) {
		addr, count := buffer.FetchRequest(ev.Address)
		c.send(proto.Disassembly(addr, count))
	}
	c.publish()
}

func (c *Controller) handleBackendError(ev proto.BackendError) {
	// Roll back the oldest optimistic breakpoint if one is unconfirmed; a
	// reply-shaped error most plausibly belongs to it.
	if len(c.pendingBPs) > 0 {
		addr := c.pendingBPs[0]
		c.pendingBPs = c.pendingBPs[1:]
		if id, ok := c.breakpoints[addr]; ok && id < 0 {
			delete(c.breakpoints, addr)
			for i, a := range c.bpOrder {
				if a == addr {
					c.bpOrder = append(c.bpOrder[:i], c.bpOrder[i+1:]...)
					break
				}
			}
			c.appendLog(fmt.Sprintf("breakpoint at %#x rejected: %s", addr, ev.Message))
		}
	}
	c.setError(ev.Message)
	c.publish()
}

func (c *Controller) handleAck(ack proto.Ack) {
	if id, ok := ack.BreakpointID(); ok {
		c.confirmBreakpoint(id)
		c.publish()
		return
	}
	if frames, ok := ack.Callstack(); ok {
		c.frames = frames
		c.publish()
		return
	}
	if threads, ok := ack.Threads(); ok {
		c.threads = threads
		c.publish()
		return
	}
	if out, ok := ack.Output(); ok {
		for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			c.appendLog(line)
		}
		return
	}
	// The legacy backend acknowledges a successful attach with a bare ok.
	if c.effState() == Attaching {
		c.handleAttachAck()
		return
	}
	c.logger.Debug("unadorned ack")
}

func (c *Controller) handleAttachAck() {
	c.setState(Attached)
	c.appendLog("attached")
	c.send(proto.GetRegisters())
	c.publish()
}

func (c *Controller) confirmBreakpoint(id int) {
	if len(c.pendingBPs) == 0 {
		c.logger.Warn("breakpoint ack without pending request", "id", id)
		return
	}
	addr := c.pendingBPs[0]
	c.pendingBPs = c.pendingBPs[1:]
	if _, ok := c.breakpoints[addr]; !ok {
		// Operator removed it before the ack arrived; undo on the backend.
		c.send(proto.RemoveBreakpoint(id))
		return
	}
	c.breakpoints[addr] = id
	c.appendLog(fmt.Sprintf("breakpoint %d confirmed at %#x", id, addr))
}

func (c *Controller) handleDetached() {
	if c.effState() != Detaching {
		c.logger.Debug("detached event outside Detaching", "state", c.state.String())
	}
	c.setState(Idle)
	c.clearDerivedState()
	c.appendLog("detached")
	c.publish()
}

func (c *Controller) handleStateEvent(ev proto.StateEvent) {
	c.logger.Debug("inferior state", "state", ev.StateDesc)
	if ev.ExitStatus != nil {
		c.appendLog(fmt.Sprintf("target exited with status %d", *ev.ExitStatus))
		c.setState(Idle)
		c.clearDerivedState()
		c.publish()
	}
}

// clearDerivedState drops everything derived from a process image: stale
// addresses from a previous target must never leak into a new session.
func (c *Controller) clearDerivedState() {
	c.window.Clear()
	c.registers = nil
	c.prevRegs = nil
	c.memory = nil
	c.frames = nil
	c.threads = nil
	c.breakpoints = make(map[uint64]int)
	c.bpOrder = nil
	c.pendingBPs = nil
	c.pendingWrites = make(map[uint64]byte)
	c.pc = 0
	c.threadID = 0
	c.stopReason = ""
	c.awaitingLaunchStop = false
}

func (c *Controller) publish() {
	c.snapshots.send(c.buildSnapshot())
}

func (c *Controller) buildSnapshot() Snapshot {
	snap := Snapshot{
		State:      c.state,
		StopReason: c.stopReason,
		Err:        c.errMsg,
		Target:     c.target,
		PID:        c.pid,
		PC:         c.pc,
		ThreadID:   c.threadID,
	}
	if len(c.registers) > 0 {
		snap.Registers = make(map[string]string, len(c.registers))
		for k, v := range c.registers {
			snap.Registers[k] = v
		}
	}
	if len(c.prevRegs) > 0 {
		snap.PrevRegisters = make(map[string]string, len(c.prevRegs))
		for k, v := range c.prevRegs {
			snap.PrevRegisters[k] = v
		}
	}
	snap.Instructions = c.window.Instructions()
	snap.Edges = c.window.Edges()
	snap.Memory = append([]proto.MemoryLine(nil), c.memory...)
	snap.Frames = append([]proto.Frame(nil), c.frames...)
	snap.Threads = append([]proto.ThreadInfo(nil), c.threads...)
	for _, addr := range c.bpOrder {
		id := c.breakpoints[addr]
		snap.Breakpoints = append(snap.Breakpoints, Breakpoint{
			Address: addr,
			ID:      id,
			Pending: id < 0,
		})
	}
	return snap
}

// publisher delivers values without ever blocking the session loop: when the
// buffer is full the oldest value is dropped in favor of the newest.
type publisher[T any] struct {
	ch chan T
}

func newPublisher[T any](size int) *publisher[T] {
	return &publisher[T]{ch: make(chan T, size)}
}

func (p *publisher[T]) send(v T) {
	for {
		select {
		case p.ch <- v:
			return
		default:
			select {
			case <-p.ch:
			default:
			}
		}
	}
}
