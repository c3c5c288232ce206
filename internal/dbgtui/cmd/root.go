package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"dbgtui/internal/dbgtui/log"
	"dbgtui/internal/flow"
	"dbgtui/internal/logging"
	"dbgtui/internal/procutil"
	"dbgtui/internal/proto"
	"dbgtui/internal/session"
)

func init() {
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().String("server", "", "Debugger backend command (default: lldb_server.py on PATH)")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
	rootCmd.Flags().IntP("attach", "p", 0, "Attach to a running process by pid")
	rootCmd.Flags().String("args", "", "Arguments passed to the launched target")
	rootCmd.Flags().BoolP("no-tui", "n", false, "Run one attach-dump-detach pass without the TUI")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.Flags().String("memprofile", "", "Write memory profile to file")
	rootCmd.Flags().Uint64("min-address", flow.DefaultMinAddress, "Smallest operand value treated as a code address")
}

var rootCmd = &cobra.Command{
	Use:   "dbgtui [target]",
	Short: "Terminal front-end for instruction-level debugging",
	Long: `Dbgtui drives a native debugger backend over a framed JSON protocol and
presents an interactive disassembly view: stepping, breakpoints, registers,
memory and control-flow arrows, all in the terminal.`,
	Example: `
# Launch a binary under the debugger
dbgtui /path/to/binary

# Attach to a running process
dbgtui --attach 1234 /path/to/binary

# One non-interactive stop report
dbgtui -n /path/to/binary
  `,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Setup CPU profiling if requested
		cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
		if cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %v", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %v", err)
			}
			defer pprof.StopCPUProfile()
		}

		// Setup memory profiling if requested
		memprofile, _ := cmd.Flags().GetString("memprofile")
		if memprofile != "" {
			defer func() {
				f, err := os.Create(memprofile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
					return
				}
				defer f.Close()
				if err := pprof.WriteHeapProfile(f); err != nil {
					fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
				}
			}()
		}

		debug, _ := cmd.Flags().GetBool("debug")
		log.Setup(os.Getenv("DBGTUI_SLOG_FILE"), debug)

		noTUI, _ := cmd.Flags().GetBool("no-tui")
		if !term.IsTerminal(os.Stdout.Fd()) {
			noTUI = true
			os.Setenv("DBGTUI_NO_COLOR", "1")
		}
		if noTUI {
			os.Setenv("DBGTUI_NO_COLOR", "1")
		}

		cwd, err := ResolveCwd(cmd)
		if err != nil {
			return err
		}

		pid, _ := cmd.Flags().GetInt("attach")
		target := ""
		if len(args) == 1 {
			target, err = procutil.ResolveExecutable(args[0])
			if err != nil {
				return err
			}
		}
		if target == "" && pid == 0 && noTUI {
			return fmt.Errorf("usage: dbgtui <target> (or --attach <pid>)")
		}

		targetArgs, _ := cmd.Flags().GetString("args")
		minAddr, _ := cmd.Flags().GetUint64("min-address")

		opts := sessionOptions{
			target:     target,
			pid:        pid,
			cwd:        cwd,
			targetArgs: targetArgs,
			minAddress: minAddr,
			server:     serverCommand(cmd),
		}

		if noTUI {
			return runOnce(opts)
		}
		return runTUI(opts)
	},
}

// sessionOptions is everything needed to stand a session up.
type sessionOptions struct {
	target     string
	pid        int
	cwd        string
	targetArgs string
	minAddress uint64
	server     []string
}

// serverCommand resolves the backend command line. The --server flag wins;
// otherwise DBGTUI_SERVER, then the conventional name on PATH.
func serverCommand(cmd *cobra.Command) []string {
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		return []string{s}
	}
	if s := os.Getenv("DBGTUI_SERVER"); s != "" {
		return []string{s}
	}
	if path, err := exec.LookPath("lldb_server.py"); err == nil {
		return []string{path}
	}
	return []string{"lldb_server.py"}
}

// newSession wires channel, analyzer and controller and starts them.
func newSession(opts sessionOptions, logger *logging.LoggerCloser) (*session.Controller, error) {
	channel := proto.NewChannel(opts.server, logger.Logger)
	analyzer := &flow.Analyzer{MinAddress: opts.minAddress}
	ctl := session.NewController(channel, logger.Logger, analyzer)
	if err := ctl.Run(); err != nil {
		return nil, err
	}
	if opts.pid != 0 {
		ctl.Attach(opts.pid, opts.target)
	} else if opts.target != "" {
		ctl.Launch(opts.target, opts.cwd, opts.targetArgs)
	}
	return ctl, nil
}

func Execute() {
	// Bypass fang's markdown rendering for plain runs and piped output.
	noTUI := false
	for _, arg := range os.Args[1:] {
		if arg == "--no-tui" || arg == "-n" {
			noTUI = true
			break
		}
	}
	if !noTUI && !term.IsTerminal(os.Stdout.Fd()) {
		noTUI = true
	}

	if noTUI {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
	} else {
		if err := fang.Execute(
			context.Background(),
			rootCmd,
			fang.WithNotifySignal(os.Interrupt),
		); err != nil {
			os.Exit(1)
		}
	}
}

func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd != "" {
		err := os.Chdir(cwd)
		if err != nil {
			return "", fmt.Errorf("failed to change directory: %v", err)
		}
		return cwd, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %v", err)
	}
	return cwd, nil
}

// parseAddress accepts 0x-prefixed or bare hex operator input.
func parseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("not an address: %q", s)
	}
	return v, nil
}
