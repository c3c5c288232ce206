package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Wire command names. The backend parses the historical spellings for the
// single-instruction step and the breakpoint set; the session layer exposes
// them under the operator-facing names (StepInto, SetBreakpoint).
const (
	CmdPing                 = "ping"
	CmdAttachToProcess      = "attachToProcess"
	CmdPrepareExecutable    = "prepareExecutable"
	CmdCreateProcess        = "createProcess"
	CmdDetach               = "detach"
	CmdDeleteProcess        = "deleteProcess"
	CmdStepInto             = "stepInstruction"
	CmdStepOver             = "stepOver"
	CmdStepOut              = "stepOut"
	CmdContinueExecution    = "continueExecution"
	CmdBreakExecution       = "breakExecution"
	CmdStopExecution        = "stopExecution"
	CmdForceStopAndReport   = "forceStopAndReport"
	CmdGetRegisters         = "getRegisters"
	CmdSetRegister          = "setRegister"
	CmdDisassembly          = "disassembly"
	CmdReadMemory           = "readMemory"
	CmdWriteByte            = "writeByte"
	CmdWriteBytes           = "writeBytes"
	CmdSetBreakpoint        = "setBreakpointAtVirtualAddress"
	CmdRemoveBreakpoint     = "removeBreakpoint"
	CmdRemoveAllBreakpoints = "removeAllBreakpoints"
	CmdGetCallstack         = "getCallstack"
	CmdGetThreadIDList      = "getThreadIDList"
	CmdSelectThreadID       = "selectThreadID"
	CmdExecuteCommand       = "executeCommand"
	CmdSendToApplication    = "sendToApplication"
)

// Command is one outgoing request. Arguments are flattened alongside the
// command name at the top level of the JSON object, which is the shape the
// backend parser expects.
type Command struct {
	Name string
	Args map[string]any
}

// Encode serializes the command to its wire payload.
func (c Command) Encode() ([]byte, error) {
	obj := make(map[string]any, len(c.Args)+1)
	for k, v := range c.Args {
		obj[k] = v
	}
	obj["command"] = c.Name
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("proto: encode %s: %w", c.Name, err)
	}
	return data, nil
}

// DecodeCommand parses a wire payload back into a Command. Used by the fake
// backend in tests and by protocol tracing.
func DecodeCommand(data []byte) (Command, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return Command{}, fmt.Errorf("proto: decode command: %w", err)
	}
	name, ok := obj["command"].(string)
	if !ok || name == "" {
		return Command{}, fmt.Errorf("proto: command payload without a command name")
	}
	delete(obj, "command")
	if len(obj) == 0 {
		obj = nil
	}
	return Command{Name: name, Args: obj}, nil
}

func cmd(name string, args map[string]any) Command {
	return Command{Name: name, Args: args}
}

// AttachToProcess attaches the backend to a running process.
func AttachToProcess(pid int, executable string, is64Bits bool) Command {
	return cmd(CmdAttachToProcess, map[string]any{
		"pid": pid, "executable": executable, "is64Bits": is64Bits,
	})
}

// PrepareExecutable readies a binary for launching without modifying it.
func PrepareExecutable(path string, is64Bits bool, cwd, args string) Command {
	return cmd(CmdPrepareExecutable, map[string]any{
		"path": path, "is64Bits": is64Bits, "cwd": cwd, "args": args,
	})
}

// CreateProcess launches the previously prepared executable, stopped at its
// entry point.
func CreateProcess() Command { return cmd(CmdCreateProcess, nil) }

// Detach releases the target and leaves it running.
func Detach() Command { return cmd(CmdDetach, nil) }

// DeleteProcess destroys the backend's target after a detach.
func DeleteProcess() Command { return cmd(CmdDeleteProcess, nil) }

// StepInto executes one instruction, descending into calls.
func StepInto() Command { return cmd(CmdStepInto, nil) }

// StepOver executes one instruction, stepping across calls.
func StepOver() Command { return cmd(CmdStepOver, nil) }

// StepOut runs until the current function returns.
func StepOut() Command { return cmd(CmdStepOut, nil) }

// ContinueExecution resumes the target.
func ContinueExecution() Command { return cmd(CmdContinueExecution, nil) }

// BreakExecution sends an asynchronous interrupt to a running target.
func BreakExecution() Command { return cmd(CmdBreakExecution, nil) }

// StopExecution kills the target.
func StopExecution() Command { return cmd(CmdStopExecution, nil) }

// ForceStopAndReport interrupts the target and requests an authoritative
// stopped report. Issued after a launch, when the first reported program
// counter cannot be trusted.
func ForceStopAndReport() Command { return cmd(CmdForceStopAndReport, nil) }

// GetRegisters requests the register map of the selected thread.
func GetRegisters() Command { return cmd(CmdGetRegisters, nil) }

// SetRegister writes one register of the selected frame.
func SetRegister(register, value string) Command {
	return cmd(CmdSetRegister, map[string]any{"register": register, "value": value})
}

// Disassembly requests count decoded instructions starting at address.
func Disassembly(address uint64, count int) Command {
	return cmd(CmdDisassembly, map[string]any{"address": address, "count": count})
}

// ReadMemory requests length bytes at address.
func ReadMemory(address uint64, length int) Command {
	return cmd(CmdReadMemory, map[string]any{"address": address, "length": length})
}

// WriteByte patches one byte of process memory.
func WriteByte(address uint64, value byte) Command {
	return cmd(CmdWriteByte, map[string]any{"address": address, "value": value})
}

// WriteBytes patches a run of process memory; bytes travel hex-encoded.
func WriteBytes(address uint64, b []byte) Command {
	return cmd(CmdWriteBytes, map[string]any{
		"address": address, "bytes": hex.EncodeToString(b),
	})
}

// SetBreakpoint places a breakpoint at a virtual address.
func SetBreakpoint(address uint64) Command {
	return cmd(CmdSetBreakpoint, map[string]any{"address": address})
}

// RemoveBreakpoint deletes a breakpoint by its backend-assigned id.
func RemoveBreakpoint(id int) Command {
	return cmd(CmdRemoveBreakpoint, map[string]any{"bkpt_id": id})
}

// RemoveAllBreakpoints clears every breakpoint on the target.
func RemoveAllBreakpoints() Command { return cmd(CmdRemoveAllBreakpoints, nil) }

// GetCallstack requests the selected thread's frames.
func GetCallstack() Command { return cmd(CmdGetCallstack, nil) }

// GetThreadIDList requests all thread ids and their stop states.
func GetThreadIDList() Command { return cmd(CmdGetThreadIDList, nil) }

// SelectThreadID switches the backend's selected thread.
func SelectThreadID(tid uint64) Command {
	return cmd(CmdSelectThreadID, map[string]any{"tid": tid})
}

// ExecuteCommand passes a raw console command through to the backend.
func ExecuteCommand(cli string) Command {
	return cmd(CmdExecuteCommand, map[string]any{"cli": cli})
}

// SendToApplication forwards bytes to the target's standard input.
func SendToApplication(data []byte) Command {
	ints := make([]int, len(data))
	for i, b := range data {
		ints[i] = int(b)
	}
	return cmd(CmdSendToApplication, map[string]any{"data": ints})
}
