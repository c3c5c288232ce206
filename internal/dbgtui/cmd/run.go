package cmd

import (
	"fmt"
	"sort"
	"time"

	"dbgtui/internal/logging"
	"dbgtui/internal/session"
	"dbgtui/internal/ui/colorize"
)

// oneShotTimeout bounds the wait for the first authoritative stop.
const oneShotTimeout = 30 * time.Second

// runOnce attaches (or launches), waits for the target to stop, prints the
// stop location, registers and disassembly, then detaches. Used for piped
// output and scripting.
func runOnce(opts sessionOptions) error {
	logger := logging.NewLogger()
	defer logger.Close()

	ctl, err := newSession(opts, logger)
	if err != nil {
		return err
	}
	defer ctl.Close()

	snap, err := waitForStop(ctl)
	if err != nil {
		return err
	}

	fmt.Printf("stopped: %s  pc=%#x  thread=%d\n\n", snap.StopReason, snap.PC, snap.ThreadID)

	if len(snap.Registers) > 0 {
		fmt.Println("registers:")
		for _, name := range sortedRegisterNames(snap.Registers) {
			fmt.Printf("  %-6s %s\n", name, snap.Registers[name])
		}
		fmt.Println()
	}

	if len(snap.Frames) > 0 {
		fmt.Println("callstack:")
		for i, fr := range snap.Frames {
			fmt.Printf("  %2d  %012x  %s\n", i, fr.PC, prettySymbol(fr.Function))
		}
		fmt.Println()
	}

	if len(snap.Instructions) > 0 {
		fmt.Println("disassembly:")
		for _, in := range snap.Instructions {
			marker := "   "
			if in.Address == snap.PC {
				marker = "=> "
			}
			line := fmt.Sprintf("%x  %-8s %s", in.Address, in.Mnemonic, in.Operands)
			fmt.Printf("%s%s\n", marker, colorize.ColorizeInstructionLine(line))
		}
	}

	ctl.Detach()
	waitForIdle(ctl)
	return nil
}

// waitForStop drains updates until the session reports a stop with both
// registers and disassembly present, or fails.
func waitForStop(ctl *session.Controller) (session.Snapshot, error) {
	deadline := time.After(oneShotTimeout)
	var last session.Snapshot
	for {
		select {
		case snap := <-ctl.Updates():
			last = snap
			if snap.State == session.Errored {
				return snap, fmt.Errorf("session error: %s", snap.Err)
			}
			if snap.State == session.Stopped && len(snap.Registers) > 0 && len(snap.Instructions) > 0 {
				return snap, nil
			}
		case <-deadline:
			return last, fmt.Errorf("target did not stop within %s (state %s)", oneShotTimeout, last.State)
		}
	}
}

func waitForIdle(ctl *session.Controller) {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap := <-ctl.Updates():
			if snap.State == session.Idle {
				return
			}
		case <-deadline:
			return
		}
	}
}

func sortedRegisterNames(regs map[string]string) []string {
	// General-purpose registers first, in conventional order; the rest sorted.
	conventional := []string{
		"rip", "rsp", "rbp", "rax", "rbx", "rcx", "rdx",
		"rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rflags",
	}
	seen := make(map[string]bool, len(regs))
	var out []string
	for _, name := range conventional {
		if _, ok := regs[name]; ok {
			out = append(out, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range regs {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
