package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/textinput"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"

	"dbgtui/internal/assist"
	"dbgtui/internal/dbgtui/styles"
	"dbgtui/internal/flow"
	"dbgtui/internal/insn"
	"dbgtui/internal/logging"
	"dbgtui/internal/procutil"
	"dbgtui/internal/session"
	"dbgtui/internal/ui/colorize"
)

type viewMode int

const (
	viewDisasm viewMode = iota
	viewMemory
	viewThreads
	viewLog
	viewAssist
	viewPicker
)

// promptKind selects what the text input at the bottom is collecting.
type promptKind int

const (
	promptNone promptKind = iota
	promptGoto
	promptMemory
	promptWrite
	promptRegister
	promptConsole
	promptStdin
)

// Message types
type snapshotMsg session.Snapshot

type logLineMsg string

type assistResultMsg struct {
	markdown string
	err      error
}

type processListMsg struct {
	procs []procutil.Process
	err   error
}

// Commands
func waitForSnapshot(ctl *session.Controller) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ctl.Updates()
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func waitForLogLine(ctl *session.Controller) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-ctl.LogFeed()
		if !ok {
			return nil
		}
		return logLineMsg(line)
	}
}

func listProcessesCmd() tea.Cmd {
	return func() tea.Msg {
		procs, err := procutil.ListProcesses()
		return processListMsg{procs: procs, err: err}
	}
}

func runAssistCmd(a *assist.Assistant, window []insn.Instruction, edges []flow.Edge, pc uint64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		md, err := a.ExplainWindow(ctx, window, edges, pc)
		return assistResultMsg{markdown: md, err: err}
	}
}

func runSuggestCmd(a *assist.Assistant, window []insn.Instruction, edges []flow.Edge) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		md, err := a.SuggestBreakpoints(ctx, window, edges)
		return assistResultMsg{markdown: md, err: err}
	}
}

func runCommentCmd(a *assist.Assistant, window []insn.Instruction, edges []flow.Edge, addr uint64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		md, err := a.Comment(ctx, window, edges, addr)
		return assistResultMsg{markdown: md, err: err}
	}
}

type processItem struct {
	proc procutil.Process
}

func (i processItem) Title() string       { return fmt.Sprintf("%6d  %s", i.proc.PID, i.proc.Name) }
func (i processItem) Description() string { return i.proc.Path }
func (i processItem) FilterValue() string { return fmt.Sprintf("%d %s", i.proc.PID, i.proc.Name) }

type tuiModel struct {
	ctl       *session.Controller
	assistant *assist.Assistant

	snap     session.Snapshot
	cursor   uint64 // address the disassembly cursor sits on
	follow   bool   // keep cursor glued to the program counter
	logLines []string

	mode        viewMode
	prompt      promptKind
	promptInput textinput.Model

	disasmView  viewport.Model
	memoryView  viewport.Model
	threadsView viewport.Model
	logView     viewport.Model
	assistView  viewport.Model
	picker      list.Model
	spinner     spinner.Model

	assistBusy     bool
	assistMarkdown string

	width  int
	height int
}

func newTUIModel(ctl *session.Controller, withPicker bool) tuiModel {
	mkView := func() viewport.Model {
		vp := viewport.New()
		vp.SetWidth(80)
		vp.SetHeight(24)
		return vp
	}

	picker := list.New([]list.Item{}, list.NewDefaultDelegate(), 80, 24)
	picker.Title = "Attach to process"
	picker.SetShowStatusBar(false)
	picker.SetFilteringEnabled(true)
	picker.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		MarginLeft(2)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))

	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 128

	mode := viewDisasm
	if withPicker {
		mode = viewPicker
	}

	return tuiModel{
		ctl:         ctl,
		assistant:   assist.New(),
		follow:      true,
		mode:        mode,
		promptInput: input,
		disasmView:  mkView(),
		memoryView:  mkView(),
		threadsView: mkView(),
		logView:     mkView(),
		assistView:  mkView(),
		picker:      picker,
		spinner:     s,
		width:       80,
		height:      24,
	}
}

func (m tuiModel) Init() tea.Cmd {
	cmds := []tea.Cmd{
		waitForSnapshot(m.ctl),
		waitForLogLine(m.ctl),
		m.spinner.Tick,
	}
	if m.mode == viewPicker {
		cmds = append(cmds, listProcessesCmd())
	}
	return tea.Batch(cmds...)
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case snapshotMsg:
		m.snap = session.Snapshot(msg)
		if m.follow && m.snap.PC != 0 {
			m.cursor = m.snap.PC
		}
		m.updateContent()
		return m, waitForSnapshot(m.ctl)

	case logLineMsg:
		m.logLines = append(m.logLines, string(msg))
		if len(m.logLines) > 500 {
			m.logLines = m.logLines[len(m.logLines)-500:]
		}
		m.updateLogView()
		return m, waitForLogLine(m.ctl)

	case processListMsg:
		if msg.err == nil {
			items := make([]list.Item, 0, len(msg.procs))
			for _, p := range msg.procs {
				items = append(items, processItem{proc: p})
			}
			m.picker.SetItems(items)
		}
		return m, nil

	case assistResultMsg:
		m.assistBusy = false
		if msg.err != nil {
			m.assistMarkdown = fmt.Sprintf("**assist failed:** %v", msg.err)
		} else {
			m.assistMarkdown = msg.markdown
		}
		m.updateAssistView()
		return m, nil

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		if m.busy() {
			m.updateContent()
			return m, cmd
		}
		return m, nil

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width = msg.Width
			m.height = msg.Height
			body := msg.Height - 2
			for _, vp := range []*viewport.Model{&m.disasmView, &m.memoryView, &m.threadsView, &m.logView, &m.assistView} {
				vp.SetWidth(msg.Width)
				vp.SetHeight(body)
			}
			m.picker.SetWidth(msg.Width)
			m.picker.SetHeight(body)
			m.updateContent()
		}

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	switch m.mode {
	case viewPicker:
		m.picker, cmd = m.picker.Update(msg)
	case viewMemory:
		m.memoryView, cmd = m.memoryView.Update(msg)
	case viewThreads:
		m.threadsView, cmd = m.threadsView.Update(msg)
	case viewLog:
		m.logView, cmd = m.logView.Update(msg)
	case viewAssist:
		m.assistView, cmd = m.assistView.Update(msg)
	default:
		m.disasmView, cmd = m.disasmView.Update(msg)
	}
	return m, cmd
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// An open prompt swallows everything except escape.
	if m.prompt != promptNone {
		switch msg.String() {
		case "esc":
			m.prompt = promptNone
			m.promptInput.Blur()
			return m, nil
		case "enter":
			value := m.promptInput.Value()
			kind := m.prompt
			m.prompt = promptNone
			m.promptInput.Blur()
			m.promptInput.SetValue("")
			m.submitPrompt(kind, value)
			return m, nil
		default:
			var cmd tea.Cmd
			m.promptInput, cmd = m.promptInput.Update(msg)
			return m, cmd
		}
	}

	// The picker gets its own key handling while filtering.
	if m.mode == viewPicker && m.picker.FilterState() == list.Filtering {
		switch msg.String() {
		case "ctrl+c":
			m.ctl.Detach()
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.picker, cmd = m.picker.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.ctl.Detach()
		return m, tea.Quit

	case "enter":
		if m.mode == viewPicker {
			if item, ok := m.picker.SelectedItem().(processItem); ok {
				m.ctl.Attach(item.proc.PID, item.proc.Path)
				m.mode = viewDisasm
			}
			return m, nil
		}

	case "tab":
		m.mode = m.nextMode(1)
		m.updateContent()
		return m, nil
	case "shift+tab":
		m.mode = m.nextMode(-1)
		m.updateContent()
		return m, nil

	case "s":
		m.follow = true
		m.ctl.StepInto()
		return m, nil
	case "n":
		m.follow = true
		m.ctl.StepOver()
		return m, nil
	case "o":
		m.follow = true
		m.ctl.StepOut()
		return m, nil
	case "c":
		m.follow = true
		m.ctl.Continue()
		return m, nil
	case "i":
		m.ctl.Interrupt()
		return m, nil
	case "x":
		m.ctl.Detach()
		return m, nil

	case "b":
		if m.cursor != 0 {
			m.ctl.ToggleBreakpoint(m.cursor)
		}
		return m, nil

	case "up", "k":
		if m.mode == viewDisasm {
			m.moveCursor(-1)
			return m, nil
		}
	case "down", "j":
		if m.mode == viewDisasm {
			m.moveCursor(1)
			return m, nil
		}

	case "g":
		return m.openPrompt(promptGoto, "goto address")
	case "m":
		return m.openPrompt(promptMemory, "read memory at")
	case "w":
		return m.openPrompt(promptWrite, "write addr:byte")
	case "r":
		return m.openPrompt(promptRegister, "set reg=value")
	case ":":
		return m.openPrompt(promptConsole, "backend command")
	case "p":
		return m.openPrompt(promptStdin, "send to target stdin")

	case "a":
		return m.startAssist(runAssistCmd(m.assistant, m.snap.Instructions, m.snap.Edges, m.snap.PC))
	case "A":
		return m.startAssist(runSuggestCmd(m.assistant, m.snap.Instructions, m.snap.Edges))
	case "C":
		if m.cursor == 0 {
			return m, nil
		}
		return m.startAssist(runCommentCmd(m.assistant, m.snap.Instructions, m.snap.Edges, m.cursor))
	}

	var cmd tea.Cmd
	switch m.mode {
	case viewPicker:
		m.picker, cmd = m.picker.Update(msg)
	case viewMemory:
		m.memoryView, cmd = m.memoryView.Update(msg)
	case viewThreads:
		m.threadsView, cmd = m.threadsView.Update(msg)
	case viewLog:
		m.logView, cmd = m.logView.Update(msg)
	case viewAssist:
		m.assistView, cmd = m.assistView.Update(msg)
	default:
		m.disasmView, cmd = m.disasmView.Update(msg)
	}
	return m, cmd
}

// startAssist switches to the assist pane and kicks off one model query,
// unless a query is already in flight or there is nothing to analyze.
func (m *tuiModel) startAssist(cmd tea.Cmd) (tea.Model, tea.Cmd) {
	if m.assistBusy || len(m.snap.Instructions) == 0 {
		m.mode = viewAssist
		m.updateAssistView()
		return *m, nil
	}
	m.assistBusy = true
	m.mode = viewAssist
	m.assistMarkdown = ""
	m.updateAssistView()
	return *m, cmd
}

func (m *tuiModel) openPrompt(kind promptKind, placeholder string) (tea.Model, tea.Cmd) {
	m.prompt = kind
	m.promptInput.Placeholder = placeholder
	m.promptInput.SetValue("")
	return *m, m.promptInput.Focus()
}

func (m *tuiModel) submitPrompt(kind promptKind, value string) {
	switch kind {
	case promptGoto:
		if addr, err := parseAddress(value); err == nil {
			m.follow = false
			m.cursor = addr
			m.ctl.EnsureVisible(addr)
			m.updateDisasmView()
		}
	case promptMemory:
		if addr, err := parseAddress(value); err == nil {
			m.ctl.ReadMemory(addr, 256)
			m.mode = viewMemory
		}
	case promptWrite:
		addrStr, byteStr, ok := strings.Cut(value, ":")
		if !ok {
			return
		}
		addr, err := parseAddress(addrStr)
		if err != nil {
			return
		}
		b, err := parseAddress(byteStr)
		if err != nil || b > 0xff {
			return
		}
		m.ctl.WriteByte(addr, byte(b))
	case promptRegister:
		name, val, ok := strings.Cut(value, "=")
		if ok {
			m.ctl.WriteRegister(strings.TrimSpace(name), strings.TrimSpace(val))
		}
	case promptConsole:
		if value != "" {
			m.ctl.Console(value)
			m.mode = viewLog
		}
	case promptStdin:
		m.ctl.SendStdin([]byte(value + "\n"))
	}
}

func (m *tuiModel) nextMode(dir int) viewMode {
	order := []viewMode{viewDisasm, viewMemory, viewThreads, viewLog, viewAssist}
	cur := 0
	for i, v := range order {
		if v == m.mode {
			cur = i
			break
		}
	}
	next := (cur + dir + len(order)) % len(order)
	return order[next]
}

// moveCursor steps the disassembly cursor by whole instructions.
func (m *tuiModel) moveCursor(delta int) {
	insns := m.snap.Instructions
	if len(insns) == 0 {
		return
	}
	i := sort.Search(len(insns), func(k int) bool { return insns[k].Address >= m.cursor })
	if i == len(insns) {
		i = len(insns) - 1
	}
	i += delta
	if i < 0 {
		i = 0
	}
	if i >= len(insns) {
		i = len(insns) - 1
	}
	m.follow = false
	m.cursor = insns[i].Address
	m.ctl.EnsureVisible(m.cursor)
	m.updateDisasmView()
}

func (m *tuiModel) busy() bool {
	switch m.snap.State {
	case session.Attaching, session.Stepping, session.Continuing, session.Detaching:
		return true
	}
	return m.assistBusy
}

func (m tuiModel) View() string {
	var content string
	switch m.mode {
	case viewPicker:
		content = m.picker.View()
	case viewMemory:
		content = m.memoryView.View()
	case viewThreads:
		content = m.threadsView.View()
	case viewLog:
		content = m.logView.View()
	case viewAssist:
		content = m.assistView.View()
	default:
		content = m.disasmView.View()
	}

	bottom := m.statusLine()
	if m.prompt != promptNone {
		bottom = m.promptInput.View()
	}

	menuStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1).
		Width(m.width)

	return content + "\n" + menuStyle.Render(bottom)
}

func (m tuiModel) statusLine() string {
	state := m.snap.State.String()
	if m.busy() {
		state = m.spinner.View() + " " + state
	}
	var b strings.Builder
	fmt.Fprintf(&b, " %s ", state)
	if m.snap.Target != "" {
		fmt.Fprintf(&b, "• %s ", m.snap.Target)
	}
	if m.snap.PC != 0 {
		fmt.Fprintf(&b, "• pc %#x ", m.snap.PC)
	}
	if m.snap.StopReason != "" {
		fmt.Fprintf(&b, "(%s) ", m.snap.StopReason)
	}
	if m.snap.Err != "" {
		fmt.Fprintf(&b, "• ERROR: %s ", m.snap.Err)
	}
	b.WriteString("• s/n/o: step • c: continue • b: bkpt • g: goto • a: explain • A: bkpt hints • tab: cycle • q: quit")
	return b.String()
}

func (m *tuiModel) updateContent() {
	m.updateDisasmView()
	m.updateMemoryView()
	m.updateThreadsView()
	m.updateLogView()
}

// updateDisasmView renders the instruction listing with a control-flow arrow
// gutter, breakpoint markers and register sidebar.
func (m *tuiModel) updateDisasmView() {
	insns := m.snap.Instructions
	if len(insns) == 0 {
		m.disasmView.SetContent("\n  no disassembly yet")
		return
	}

	gutter := arrowGutter(insns, m.snap.Edges)

	regPane := m.renderRegisters()
	regLines := strings.Split(regPane, "\n")

	pcStyle := lipgloss.NewStyle().Background(lipgloss.Color("236")).Bold(true)
	cursorStyle := lipgloss.NewStyle().Background(lipgloss.Color("238"))
	bpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	regWidth := 0
	for _, l := range regLines {
		if w := lipgloss.Width(l); w > regWidth {
			regWidth = w
		}
	}
	asmWidth := m.width - regWidth - 3
	if asmWidth < 40 {
		asmWidth = m.width
		regLines = nil
	}

	var rows []string
	for i, in := range insns {
		marker := " "
		if m.snap.HasBreakpoint(in.Address) {
			marker = bpStyle.Render("●")
		}

		line := fmt.Sprintf("%s%s %x  %-8s %s",
			marker, gutter[i], in.Address, in.Mnemonic, in.Operands)

		switch {
		case in.Address == m.snap.PC:
			line = pcStyle.Render(line)
		case in.Address == m.cursor:
			line = cursorStyle.Render(line)
		default:
			line = colorize.ColorizeInstructionLine(strings.TrimLeft(line, " "))
			line = " " + line
		}

		if regLines != nil && i < len(regLines) {
			pad := asmWidth - lipgloss.Width(line)
			if pad < 1 {
				pad = 1
			}
			line += strings.Repeat(" ", pad) + "│ " + regLines[i]
		}
		rows = append(rows, line)
	}

	m.disasmView.SetContent(strings.Join(rows, "\n"))
	m.scrollToCursor(insns)
}

func (m *tuiModel) scrollToCursor(insns []insn.Instruction) {
	i := sort.Search(len(insns), func(k int) bool { return insns[k].Address >= m.cursor })
	if i >= len(insns) {
		return
	}
	h := m.disasmView.Height()
	top := i - h/2
	if top < 0 {
		top = 0
	}
	m.disasmView.SetYOffset(top)
}

// renderRegisters lists registers in a stable order, highlighting values that
// changed since the previous stop.
func (m *tuiModel) renderRegisters() string {
	if len(m.snap.Registers) == 0 {
		return ""
	}
	names := sortedRegisterNames(m.snap.Registers)

	changed := lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	normal := lipgloss.NewStyle().Foreground(lipgloss.Color("250"))

	var b strings.Builder
	for _, name := range names {
		val := m.snap.Registers[name]
		style := normal
		if prev, ok := m.snap.PrevRegisters[name]; ok && prev != val {
			style = changed
		}
		fmt.Fprintf(&b, "%-6s %s\n", name, style.Render(val))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *tuiModel) updateMemoryView() {
	if len(m.snap.Memory) == 0 {
		m.memoryView.SetContent("\n  no memory read yet (press m)")
		return
	}
	var b strings.Builder
	addrStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	for _, line := range m.snap.Memory {
		fmt.Fprintf(&b, "%s  %-48s  %s\n",
			addrStyle.Render(line.Address), line.Bytes, line.ASCII)
	}
	m.memoryView.SetContent(b.String())
}

func (m *tuiModel) updateThreadsView() {
	var b strings.Builder
	if len(m.snap.Threads) > 0 {
		b.WriteString("## Threads\n\n")
		for _, th := range m.snap.Threads {
			cur := " "
			if th.ThreadID == m.snap.ThreadID {
				cur = ">"
			}
			fmt.Fprintf(&b, "%s %4d  %s\n", cur, th.ThreadID, th.State)
		}
		b.WriteString("\n")
	}
	if len(m.snap.Frames) > 0 {
		b.WriteString("## Callstack\n\n")
		for i, fr := range m.snap.Frames {
			fmt.Fprintf(&b, "%2d  %012x  %s  (%s)\n", i, fr.PC, prettySymbol(fr.Function), fr.Filename)
		}
	}
	if b.Len() == 0 {
		b.WriteString("\n  no thread info yet")
	}
	m.threadsView.SetContent(b.String())
}

func (m *tuiModel) updateLogView() {
	m.logView.SetContent(strings.Join(m.logLines, "\n"))
	m.logView.GotoBottom()
}

func (m *tuiModel) updateAssistView() {
	if m.assistBusy {
		m.assistView.SetContent(fmt.Sprintf("\n %s thinking...", m.spinner.View()))
		return
	}
	if m.assistMarkdown == "" {
		m.assistView.SetContent("\n  press a to analyze the visible code")
		return
	}
	width := m.width
	if width == 0 {
		width = 80
	}
	renderer := styles.GetMarkdownRenderer(width - 2)
	rendered, err := renderer.Render(m.assistMarkdown)
	if err != nil {
		rendered = m.assistMarkdown
	}
	m.assistView.SetContent(strings.TrimSuffix(rendered, "\n"))
}

// arrowGutter builds a one-rune-per-line gutter marking jump sources,
// targets, and the span between resolved edges.
func arrowGutter(insns []insn.Instruction, edges []flow.Edge) []string {
	gutter := make([]string, len(insns))
	for i := range gutter {
		gutter[i] = " "
	}
	for _, e := range edges {
		if !e.Resolved || e.FromIndex < 0 || e.ToIndex < 0 {
			if e.FromIndex >= 0 && e.FromIndex < len(gutter) {
				switch e.Direction {
				case flow.DirForward:
					gutter[e.FromIndex] = "↓"
				case flow.DirBackward:
					gutter[e.FromIndex] = "↑"
				default:
					gutter[e.FromIndex] = "·"
				}
			}
			continue
		}
		lo, hi := e.FromIndex, e.ToIndex
		if lo > hi {
			lo, hi = hi, lo
		}
		for i := lo + 1; i < hi && i < len(gutter); i++ {
			if gutter[i] == " " {
				gutter[i] = "│"
			}
		}
		if e.FromIndex < len(gutter) {
			gutter[e.FromIndex] = "╮"
			if e.FromIndex > e.ToIndex {
				gutter[e.FromIndex] = "╯"
			}
		}
		if e.ToIndex < len(gutter) {
			gutter[e.ToIndex] = "►"
		}
	}
	return gutter
}

// runTUI stands up the session and hands the terminal to bubbletea.
func runTUI(opts sessionOptions) error {
	logger := logging.NewLogger()
	defer logger.Close()

	ctl, err := newSession(opts, logger)
	if err != nil {
		return err
	}
	defer ctl.Close()

	withPicker := opts.target == "" && opts.pid == 0
	model := newTUIModel(ctl, withPicker)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
