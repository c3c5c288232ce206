package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Message is one decoded frame from the backend: either a modern typed
// message (a "type" discriminator plus a payload substructure) or a legacy
// bare-status reply. The set of variants is closed; frames that match
// neither shape are protocol errors.
type Message interface {
	message()
}

// Attached reports a successful attach.
type Attached struct{}

// Detached reports that the backend released the target.
type Detached struct{}

// Stopped reports that execution halted.
type Stopped struct {
	Reason   string
	ThreadID uint64
	PC       uint64
}

// Registers carries the register map of the selected thread. Values are the
// backend's hex/decimal strings; a register the backend could not read is
// absent.
type Registers struct {
	Values map[string]string
}

// DisasmLine is one decoded instruction as reported by the backend. Bytes is
// a space-separated hex string; Instruction is the mnemonic.
type DisasmLine struct {
	Address     uint64 `json:"address"`
	Bytes       string `json:"bytes"`
	Instruction string `json:"instruction"`
	Operands    string `json:"operands"`
}

// DisassemblyBatch carries a disassembly reply.
type DisassemblyBatch struct {
	Lines []DisasmLine
}

// MemoryLine is one 16-byte row of a memory read.
type MemoryLine struct {
	Address string `json:"address"`
	Bytes   string `json:"bytes"`
	ASCII   string `json:"ascii"`
}

// MemoryBatch carries a readMemory reply.
type MemoryBatch struct {
	Lines []MemoryLine
}

// WriteAck acknowledges a memory patch.
type WriteAck struct {
	Success bool
	Error   string
	Address uint64
	Value   byte
}

// BackendError is an explicit error reported by the backend. The channel
// stays alive; the backend may recover on the next command.
type BackendError struct {
	Message string
}

// Frame is one stack frame from a callstack reply.
type Frame struct {
	PC       uint64 `json:"pc"`
	Function string `json:"function"`
	Filename string `json:"filename"`
	UUID     string `json:"uuid"`
}

// Ack is a legacy {"status":"ok", ...} reply with its inline fields
// preserved for correlation (breakpoint ids, callstacks, thread lists).
type Ack struct {
	Fields map[string]json.RawMessage
}

// BreakpointID extracts a bkpt_id field from a breakpoint-set ack.
func (a Ack) BreakpointID() (int, bool) {
	raw, ok := a.Fields["bkpt_id"]
	if !ok {
		return 0, false
	}
	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// Callstack extracts the frame list from a getCallstack ack.
func (a Ack) Callstack() ([]Frame, bool) {
	raw, ok := a.Fields["callstack"]
	if !ok {
		return nil, false
	}
	var frames []Frame
	if err := json.Unmarshal(raw, &frames); err != nil {
		return nil, false
	}
	return frames, true
}

// Threads extracts the thread list from a getThreadIDList ack.
func (a Ack) Threads() ([]ThreadInfo, bool) {
	raw, ok := a.Fields["threads"]
	if !ok {
		return nil, false
	}
	var threads []ThreadInfo
	if err := json.Unmarshal(raw, &threads); err != nil {
		return nil, false
	}
	return threads, true
}

// Output extracts the output text of an executeCommand ack.
func (a Ack) Output() (string, bool) {
	raw, ok := a.Fields["output"]
	if !ok {
		return "", false
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", false
	}
	return out, true
}

// ThreadInfo is one entry of a thread list reply.
type ThreadInfo struct {
	ThreadID uint64 `json:"thread-id"`
	State    string `json:"state"`
}

// StateEvent is a legacy inferior-state change notification.
type StateEvent struct {
	InferiorState int
	StateDesc     string
	ExitStatus    *int
}

// TargetOutput is hex-encoded stdout/stderr captured from the target.
type TargetOutput struct {
	Stream string // "stdout" or "stderr"
	Data   []byte
}

// LegacyEvent is a legacy event of a kind the session does not interpret
// (module loads and similar); carried for logging.
type LegacyEvent struct {
	Type   string
	Fields map[string]json.RawMessage
}

func (Attached) message()         {}
func (Detached) message()         {}
func (Stopped) message()          {}
func (Registers) message()        {}
func (DisassemblyBatch) message() {}
func (MemoryBatch) message()      {}
func (WriteAck) message()         {}
func (BackendError) message()     {}
func (Ack) message()              {}
func (StateEvent) message()       {}
func (TargetOutput) message()     {}
func (LegacyEvent) message()      {}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Status  string          `json:"status"`
}

// DecodeMessage parses one inbound frame into the closed message union.
// Modern frames are dispatched on the "type" discriminator; frames without
// one fall back to the legacy bare-status form. Anything else is a protocol
// error: the frame is dropped by the caller, never guessed at.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("proto: undecodable frame: %w", err)
	}

	if env.Type != "" && env.Status == "" {
		return decodeModern(env)
	}
	if env.Status != "" {
		return decodeLegacy(env, data)
	}
	return nil, fmt.Errorf("proto: frame carries neither type nor status")
}

func decodeModern(env envelope) (Message, error) {
	switch env.Type {
	case "attached":
		return Attached{}, nil
	case "detached":
		return Detached{}, nil
	case "stopped":
		var p struct {
			Reason    string `json:"reason"`
			ThreadID  uint64 `json:"threadId"`
			ThreadID2 uint64 `json:"thread_id"`
			PC        uint64 `json:"pc"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("proto: stopped payload: %w", err)
		}
		tid := p.ThreadID
		if tid == 0 {
			tid = p.ThreadID2
		}
		return Stopped{Reason: p.Reason, ThreadID: tid, PC: p.PC}, nil
	case "registers":
		var p struct {
			Registers map[string]*string `json:"registers"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("proto: registers payload: %w", err)
		}
		values := make(map[string]string, len(p.Registers))
		for name, v := range p.Registers {
			if v != nil {
				values[name] = *v
			}
		}
		return Registers{Values: values}, nil
	case "disassembly":
		var p struct {
			Lines []DisasmLine `json:"lines"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("proto: disassembly payload: %w", err)
		}
		return DisassemblyBatch{Lines: p.Lines}, nil
	case "memory":
		var p struct {
			Lines []MemoryLine `json:"lines"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("proto: memory payload: %w", err)
		}
		return MemoryBatch{Lines: p.Lines}, nil
	case "writeByte":
		var p struct {
			Success bool    `json:"success"`
			Error   *string `json:"error"`
			Address uint64  `json:"address"`
			Value   byte    `json:"value"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("proto: writeByte payload: %w", err)
		}
		ack := WriteAck{Success: p.Success, Address: p.Address, Value: p.Value}
		if p.Error != nil {
			ack.Error = *p.Error
		}
		return ack, nil
	case "error":
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("proto: error payload: %w", err)
		}
		return BackendError{Message: p.Message}, nil
	}
	return nil, fmt.Errorf("proto: unknown message type %q", env.Type)
}

func decodeLegacy(env envelope, data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("proto: legacy frame: %w", err)
	}
	delete(fields, "status")

	switch env.Status {
	case "ok":
		return Ack{Fields: fields}, nil
	case "error":
		var msg string
		if raw, ok := fields["message"]; ok {
			_ = json.Unmarshal(raw, &msg)
		}
		return BackendError{Message: msg}, nil
	case "event":
		return decodeLegacyEvent(env.Type, fields)
	}
	return nil, fmt.Errorf("proto: unknown status %q", env.Status)
}

func decodeLegacyEvent(typ string, fields map[string]json.RawMessage) (Message, error) {
	switch typ {
	case "state":
		var ev StateEvent
		if raw, ok := fields["inferior_state"]; ok {
			_ = json.Unmarshal(raw, &ev.InferiorState)
		}
		if raw, ok := fields["state_desc"]; ok {
			_ = json.Unmarshal(raw, &ev.StateDesc)
		}
		if raw, ok := fields["exit_status"]; ok {
			var code int
			if json.Unmarshal(raw, &code) == nil {
				ev.ExitStatus = &code
			}
		}
		return ev, nil
	case "stdout", "stderr":
		var out string
		if raw, ok := fields["output"]; ok {
			_ = json.Unmarshal(raw, &out)
		}
		decoded, err := hex.DecodeString(out)
		if err != nil {
			decoded = []byte(out)
		}
		return TargetOutput{Stream: typ, Data: decoded}, nil
	}
	delete(fields, "type")
	return LegacyEvent{Type: typ, Fields: fields}, nil
}

// ParseHexAddress parses an address string of either "0x..." or bare hex
// form, as found in memory-line replies.
func ParseHexAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("proto: bad address %q: %w", s, err)
	}
	return v, nil
}

// ParseHexBytes decodes a space-separated hex byte string ("48 89 e5").
func ParseHexBytes(s string) []byte {
	parts := strings.Fields(s)
	out := make([]byte, 0, len(parts))
	for _, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			continue
		}
		out = append(out, byte(b))
	}
	return out
}
