// Package procutil resolves launch targets and lists candidate processes
// for attaching.
package procutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// Process is one attachable process.
type Process struct {
	PID  int
	Name string
	Path string
}

// ResolveExecutable maps a launch target to the actual binary to hand the
// backend. A macOS-style .app bundle resolves through its Info.plist
// CFBundleExecutable; anything else must simply exist and is returned
// absolute.
func ResolveExecutable(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("procutil: resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("procutil: %w", err)
	}
	if info.IsDir() && strings.HasSuffix(abs, ".app") {
		return resolveBundle(abs)
	}
	return abs, nil
}

var bundleExecRe = regexp.MustCompile(`<key>CFBundleExecutable</key>\s*<string>([^<]+)</string>`)

// resolveBundle reads the bundle metadata for the executable name. The plist
// is property-list XML; a single key lookup does not warrant a full plist
// decoder.
func resolveBundle(bundle string) (string, error) {
	plist := filepath.Join(bundle, "Contents", "Info.plist")
	data, err := os.ReadFile(plist)
	if err != nil {
		return "", fmt.Errorf("procutil: bundle without Info.plist: %w", err)
	}
	m := bundleExecRe.FindSubmatch(data)
	if m == nil {
		return "", fmt.Errorf("procutil: %s names no CFBundleExecutable", plist)
	}
	exe := filepath.Join(bundle, "Contents", "MacOS", string(m[1]))
	if _, err := os.Stat(exe); err != nil {
		return "", fmt.Errorf("procutil: bundle executable missing: %w", err)
	}
	return exe, nil
}

// ListProcesses enumerates running processes: /proc where available, the ps
// command elsewhere. Results are sorted by pid.
func ListProcesses() ([]Process, error) {
	var procs []Process
	var err error
	if runtime.GOOS == "linux" {
		procs, err = listProc()
	} else {
		procs, err = listPS()
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

func listProc() ([]Process, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("procutil: read /proc: %w", err)
	}
	var out []Process
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		path, _ := os.Readlink(filepath.Join("/proc", e.Name(), "exe"))
		out = append(out, Process{
			PID:  pid,
			Name: strings.TrimSpace(string(comm)),
			Path: path,
		})
	}
	return out, nil
}

func listPS() ([]Process, error) {
	cmd := exec.Command("ps", "-axo", "pid=,comm=")
	data, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("procutil: ps: %w", err)
	}
	var out []Process
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		path := strings.Join(fields[1:], " ")
		out = append(out, Process{PID: pid, Name: filepath.Base(path), Path: path})
	}
	return out, nil
}
