// Package reexec implements the privilege-ladder process model of
// SPEC_FULL.md §10.1: the steps of spec.md §2's process table that
// cross a privilege boundary (Root Daemon → Session Server, Job
// Runner → Executor) are, in this Go implementation, re-execs of
// /proc/self/exe under a hidden role name; the other steps run
// in-process (see the Role constants). Grounded on the pattern used
// by runc/gvisor (see
// _examples/other_examples/*runc*process_linux.go.go).
package reexec

import (
	"fmt"
	"os"
	"os/exec"
)

// Role names, passed as argv[1] to the re-exec'd binary. Only
// privilege-boundary crossings get their own role: the Root Daemon
// re-execs RoleSessionServer per accepted connection (still root, but
// scoped to one caller uid), and the Job Runner re-execs RoleExecutor
// to cross into the target uid/gid. The Job Handler and Job Runner of
// spec.md §4.2-§4.4 are plain in-process calls within the Session
// Server, since neither changes privilege by itself.
const (
	RoleSessionServer = "__session-server"
	RoleExecutor      = "__executor"
)

// Func is a role entry point. It receives the remaining argv (after
// the role name) and exits the process itself; it never returns
// control to main() on success.
type Func func(args []string)

var registry = map[string]Func{}

// Register associates a role name with its entry point. Called from
// each role package's init().
func Register(role string, fn Func) {
	registry[role] = fn
}

// Dispatch checks os.Args[1] against the registry and, if it matches
// a registered role, invokes it and exits — never returning. Plain
// (non-role) argv falls through so the normal cobra CLI can run.
func Dispatch() {
	if len(os.Args) < 2 {
		return
	}

	fn, ok := registry[os.Args[1]]
	if !ok {
		return
	}

	fn(os.Args[2:])
	os.Exit(0)
}

// Self returns the path to the running binary, the way each role
// re-execs itself, per SPEC_FULL.md §10.1.
func Self() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving self executable: %w", err)
	}

	return exe, nil
}

// Command builds an *exec.Cmd that re-execs the current binary under
// the given role and extra arguments. Callers customize SysProcAttr,
// ExtraFiles, Env and the bootstrap pipe before calling Start.
func Command(role string, args ...string) (*exec.Cmd, error) {
	exe, err := Self()
	if err != nil {
		return nil, err
	}

	fullArgs := append([]string{role}, args...)
	cmd := exec.Command(exe, fullArgs...)

	return cmd, nil
}
