// Package child implements the final pre-exec step of a chrootuid
// job, spec.md §4.8 ("Child"): the last few setup calls made inside
// the already-chrooted, already-namespaced process before it becomes
// the caller's program. Grounded on
// _examples/original_source/hasher-priv/executor.c's child-side half
// of do_chrootuid and on x11.c's do_create_listener for the
// in-process X11 handshake.
//
// This runs inside the Executor process (reexec.RoleExecutor); there
// is no separate child role and no further re-exec of this binary.
// Exec replaces the Executor's process image with the caller's
// program via execve(2).
package child

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/altlinux/hasher-priv/internal/x11"
)

// xauthPaths mirrors child.c's fixed xauth(1) search list: this
// process never inherits a caller-controlled PATH it should trust for
// a privileged-adjacent exec.
var xauthPaths = []string{"/usr/bin/xauth", "/usr/X11R6/bin/xauth"}

// Config carries everything the Child role needs, already resolved
// by the Executor. The process is expected to already be chrooted,
// namespaced, and credentialed (its uid/gid are set when the Executor
// process is started, so this code never runs as a different uid than
// the one it execs under).
type Config struct {
	Argv []string
	Env  []string

	Nice int
	Umask uint32

	// PTY is true when the job runner allocated the child a
	// controlling terminal; setsidCtty then performs setsid +
	// TIOCSCTTY on fd 0.
	PTY bool

	// ShuffleAffinity reassigns the child away from CPU 0, per
	// spec.md §4.8's note on avoiding pileup on the boot CPU under
	// heavy concurrent job load.
	ShuffleAffinity bool

	// X11Control, when non-nil, is the control socket back to the
	// parent multiplexer; the child listens for forwarded X11
	// connections and hands the fd + fake cookie back over it.
	X11Control *net.UnixConn
	X11KeyLen  int
}

// Setup performs every step of spec.md §4.8 except the final exec:
// controlling terminal, signal dispositions, niceness, CPU affinity,
// the X11 listener handshake, and umask. Exec (below) is always
// called last and does not return on success.
func Setup(cfg Config) error {
	if cfg.PTY {
		if err := setsidCtty(); err != nil {
			return fmt.Errorf("child: controlling terminal: %w", err)
		}
	}

	resetSignalDispositions()

	if cfg.Nice != 0 {
		// Nice is already relative to the daemon's own niceness; errors
		// are tolerated since an unprivileged target uid cannot always
		// lower it further.
		_ = unix.Setpriority(unix.PRIO_PROCESS, 0, cfg.Nice)
	}

	if cfg.ShuffleAffinity {
		shuffleAffinity()
	}

	if cfg.X11Control != nil {
		if err := doX11Handshake(cfg.X11Control, cfg.X11KeyLen, cfg.Env); err != nil {
			return fmt.Errorf("child: x11 handshake: %w", err)
		}
	}

	unix.Umask(int(cfg.Umask))

	if err := unblockSigchld(); err != nil {
		return fmt.Errorf("child: unblock SIGCHLD: %w", err)
	}

	return nil
}

// Exec replaces the process image with cfg.Argv, per spec.md §4.8's
// final step. It only returns on failure.
func Exec(cfg Config) error {
	exe, err := exePath(cfg.Argv[0])
	if err != nil {
		return err
	}

	return syscall.Exec(exe, cfg.Argv, cfg.Env)
}

func exePath(name string) (string, error) {
	if len(name) > 0 && (name[0] == '/' || name[0] == '.') {
		return name, nil
	}

	path, err := exec_LookPath(name)
	if err != nil {
		return "", fmt.Errorf("child: %s: %w", name, err)
	}

	return path, nil
}

// setsidCtty creates a new session and makes fd 0 the controlling
// terminal, per spec.md §4.8 ("when a PTY was allocated, the child
// calls setsid() then TIOCSCTTY on the PTY slave").
func setsidCtty() error {
	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("setsid: %w", err)
	}

	if err := unix.IoctlSetInt(0, unix.TIOCSCTTY, 0); err != nil {
		return fmt.Errorf("TIOCSCTTY: %w", err)
	}

	return nil
}

// resetSignalDispositions restores SIG_DFL for the handful of
// signals the daemon process tree may have altered, per spec.md §4.8
// ("the child must not inherit any non-default signal disposition").
func resetSignalDispositions() {
	for _, sig := range []os.Signal{
		syscall.SIGPIPE,
		syscall.SIGCHLD,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	} {
		signalResetDefault(sig)
	}
}

// doX11Handshake creates the in-chroot fake X listener, generates a
// fake cookie the same length as the real one, registers it with
// xauth(1) against the fake display (:10.0), and hands the listener
// fd + cookie back to the parent over ctrl, per spec.md §4.7's
// "Child" half.
func doX11Handshake(ctrl *net.UnixConn, keyLen int, env []string) error {
	l, err := x11.Listen()
	if err != nil {
		return err
	}

	uc, ok := l.(*net.UnixListener)
	if !ok {
		l.Close()

		return fmt.Errorf("x11 listener is not AF_UNIX")
	}

	f, err := uc.File()
	if err != nil {
		l.Close()

		return err
	}
	defer f.Close()

	_, fakeHex, err := x11.GenerateFakeKey(keyLen)
	if err != nil {
		l.Close()

		return err
	}

	if err := xauthAdd(fakeHex, env); err != nil {
		l.Close()

		return fmt.Errorf("xauth add: %w", err)
	}

	fakeKey, err := x11.ParseKey(fakeHex)
	if err != nil {
		l.Close()

		return err
	}

	if err := x11.SendListener(ctrl, int(f.Fd()), fakeKey); err != nil {
		l.Close()

		return err
	}

	// The listener's fd has been handed off via SCM_RIGHTS; the local
	// copies (and the real key, which this process never held) go out
	// of scope here and are not retained past this function.
	return nil
}

// xauthAdd records the fake cookie for the fake display, the
// in-chroot half of spec.md §4.7's cookie substitution: "xauth add
// :10.0 . <hex-key>", run with the job's own environment so it
// resolves HOME/XAUTHORITY the way the exec'd program will.
func xauthAdd(fakeHex string, env []string) error {
	var lastErr error

	for _, path := range xauthPaths {
		if _, err := os.Stat(path); err != nil {
			lastErr = err

			continue
		}

		cmd := exec.Command(path, "add", ":10.0", ".", fakeHex)
		cmd.Env = env

		if err := cmd.Run(); err != nil {
			lastErr = err

			continue
		}

		return nil
	}

	return lastErr
}

// unblockSigchld clears SIGCHLD from the signal mask, in case it was
// inherited blocked, per spec.md §4.8 ("the exec'd program must see
// default SIGCHLD semantics").
func unblockSigchld() error {
	var set unix.Sigset_t
	sigaddset(&set, int(syscall.SIGCHLD))

	return unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil)
}
