// Package assist runs a local llama.cpp model over the current disassembly
// window and streams explanations back to the UI. The model binary is
// optional; every entry point degrades to a clear error when it is missing.
package assist

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"dbgtui/internal/flow"
	"dbgtui/internal/insn"
)

// DefaultBinary is the llama.cpp CLI looked up on PATH when DBGTUI_LLAMA_BIN
// is unset.
const DefaultBinary = "llama-cli"

// Assistant shells out to a local model for window analysis.
type Assistant struct {
	binary string
	model  string
}

// New builds an assistant from the environment: DBGTUI_LLAMA_BIN overrides
// the CLI path, DBGTUI_LLAMA_MODEL names the gguf file.
func New() *Assistant {
	bin := os.Getenv("DBGTUI_LLAMA_BIN")
	if bin == "" {
		bin = DefaultBinary
	}
	return &Assistant{
		binary: bin,
		model:  os.Getenv("DBGTUI_LLAMA_MODEL"),
	}
}

// Available reports whether the model CLI can be found.
func (a *Assistant) Available() bool {
	_, err := exec.LookPath(a.binary)
	return err == nil && a.model != ""
}

// ExplainWindow asks the model to describe what the visible instructions do.
// The reply is markdown, suitable for the glamour renderer.
func (a *Assistant) ExplainWindow(ctx context.Context, window []insn.Instruction, edges []flow.Edge, pc uint64) (string, error) {
	return a.run(ctx, explainPrompt(window, edges, pc))
}

// SuggestBreakpoints asks the model for addresses worth breaking on.
func (a *Assistant) SuggestBreakpoints(ctx context.Context, window []insn.Instruction, edges []flow.Edge) (string, error) {
	return a.run(ctx, suggestPrompt(window, edges))
}

// Comment asks the model for a one-line comment on the instruction at addr,
// with the rest of the window as context.
func (a *Assistant) Comment(ctx context.Context, window []insn.Instruction, edges []flow.Edge, addr uint64) (string, error) {
	return a.run(ctx, commentPrompt(window, edges, addr))
}

func explainPrompt(window []insn.Instruction, edges []flow.Edge, pc uint64) string {
	var b strings.Builder
	b.WriteString("You are reading x86-64 disassembly from a live debugging session.\n")
	b.WriteString("Explain concisely what this code does. Use markdown. Note loops and calls.\n\n")
	fmt.Fprintf(&b, "The program counter is at %#x.\n\n", pc)
	b.WriteString(formatListing(window, edges))
	b.WriteString("\nExplanation:\n")
	return b.String()
}

func suggestPrompt(window []insn.Instruction, edges []flow.Edge) string {
	var b strings.Builder
	b.WriteString("You are reading x86-64 disassembly. Suggest up to three addresses\n")
	b.WriteString("worth setting breakpoints on and say why, as a markdown list.\n\n")
	b.WriteString(formatListing(window, edges))
	b.WriteString("\nSuggestions:\n")
	return b.String()
}

func commentPrompt(window []insn.Instruction, edges []flow.Edge, addr uint64) string {
	var b strings.Builder
	b.WriteString("You are reading x86-64 disassembly. Write one short comment for the\n")
	b.WriteString("instruction marked with '*'. Plain text, a single line.\n\n")
	b.WriteString(listing(window, edges, addr))
	b.WriteString("\nComment:\n")
	return b.String()
}

func (a *Assistant) run(ctx context.Context, prompt string) (string, error) {
	if !a.Available() {
		return "", fmt.Errorf("assist: %s not available (set DBGTUI_LLAMA_BIN and DBGTUI_LLAMA_MODEL)", a.binary)
	}
	cmd := exec.CommandContext(ctx, a.binary,
		"-m", a.model,
		"--no-display-prompt",
		"-p", prompt,
	)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("assist: %s: %w: %s", a.binary, err, strings.TrimSpace(errBuf.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// formatListing renders the window as plain text for the prompt, marking
// resolved jump targets so the model sees the control flow.
func formatListing(window []insn.Instruction, edges []flow.Edge) string {
	return listing(window, edges, 0)
}

// listing is formatListing with an optional focus address, marked '*' so a
// prompt can single out one instruction. A focus of 0 marks nothing.
func listing(window []insn.Instruction, edges []flow.Edge, focus uint64) string {
	targets := make(map[uint64]bool, len(edges))
	for _, e := range edges {
		if e.Resolved {
			targets[e.To] = true
		}
	}
	var b strings.Builder
	for _, in := range window {
		marker := "  "
		if targets[in.Address] {
			marker = "> "
		}
		if focus != 0 && in.Address == focus {
			marker = "* "
		}
		fmt.Fprintf(&b, "%s%#x  %s %s\n", marker, in.Address, in.Mnemonic, in.Operands)
	}
	return b.String()
}
