// Package executor implements the Executor of spec.md §4.4: the
// process the Job Runner re-execs (already running as the target
// uid/gid, via SysProcAttr.Credential) to build the mount namespace
// and chroot via internal/sandbox, then hand off to internal/child
// for the last setup calls and the final execve. There is no
// separate OS process for the "Child" role: spec.md §4.8's steps all
// happen in this same process, right up to the execve that replaces
// its image, matching the original implementation's do_chrootuid
// running both halves in one forked child of the Job Runner.
package executor

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/altlinux/hasher-priv/internal/child"
	"github.com/altlinux/hasher-priv/internal/fstab"
	"github.com/altlinux/hasher-priv/internal/reexec"
	"github.com/altlinux/hasher-priv/internal/sandbox"
)

// fd layout for a re-exec'd Executor, fixed by the Job Runner when it
// builds the *exec.Cmd: 3 is always the JSON Config pipe (the
// internal/reexec convention); 4 is the control socket back to the
// parent multiplexer, used to hand back the in-chroot log listener fd
// and, when X11 is enabled, the X11 handshake; 5-7 are the child's
// stdin/stdout/stderr, wired by the Job Runner to either a PTY slave
// (all three, when use_pty) or three separate pipe ends.
const (
	fdControl = 4
	fdStdin   = 5
	fdStdout  = 6
	fdStderr  = 7
)

// Config is the JSON payload the Job Runner sends down fd 3.
type Config struct {
	Sandbox sandbox.ChrootuidConfig
	Fstab   []fstab.Entry

	Argv []string
	Env  []string

	Nice  int
	Umask uint32
	PTY   bool

	X11Enabled bool
	X11KeyLen  int
}

func init() {
	reexec.Register(reexec.RoleExecutor, Main)
}

// Main is the reexec.Func registered for reexec.RoleExecutor.
func Main(_ []string) {
	var cfg Config
	if err := reexec.ReadConfig(&cfg); err != nil {
		fail(fmt.Errorf("executor: reading config: %w", err))
	}

	cfg.Sandbox.FstabOverride = cfg.Fstab

	prep, err := sandbox.Chrootuid(cfg.Sandbox)
	if err != nil {
		fail(fmt.Errorf("executor: %w", err))
	}

	f := os.NewFile(fdControl, "control")

	ctrl, err := unixConnFromFile(f)
	f.Close()

	if err != nil {
		fail(fmt.Errorf("executor: control conn: %w", err))
	}

	// Hand the in-chroot log socket back to the parent multiplexer so
	// it can relay the job's syslog(3) traffic to the caller, per
	// spec.md §4.6. A failure here is not fatal to the job: the parent
	// just runs without log relay, the same way it tolerates a failed
	// X11 handshake below.
	if err := sendFD(ctrl, prep.LogFD); err != nil {
		logrus.WithError(err).Debug("log listener handoff failed")
	}

	unix.Close(prep.LogFD)

	childCfg := child.Config{
		Argv:            cfg.Argv,
		Env:             cfg.Env,
		Nice:            cfg.Nice,
		Umask:           cfg.Umask,
		PTY:             cfg.PTY,
		ShuffleAffinity: true,
	}

	if cfg.X11Enabled {
		childCfg.X11Control = ctrl
		childCfg.X11KeyLen = cfg.X11KeyLen
	} else {
		ctrl.Close()
	}

	if err := redirectStdio(); err != nil {
		fail(fmt.Errorf("executor: %w", err))
	}

	if err := child.Setup(childCfg); err != nil {
		fail(err)
	}

	if err := child.Exec(childCfg); err != nil {
		fail(fmt.Errorf("executor: exec: %w", err))
	}
}

// sendFD passes fd to the parent over ctrl via SCM_RIGHTS, with a
// single marker byte of main data (some platforms reject an entirely
// empty sendmsg payload).
func sendFD(ctrl *net.UnixConn, fd int) error {
	oob := unix.UnixRights(fd)
	_, _, err := ctrl.WriteMsgUnix([]byte{0}, oob, nil)

	return err
}

func redirectStdio() error {
	for fd, target := range map[uintptr]int{fdStdin: 0, fdStdout: 1, fdStderr: 2} {
		f := os.NewFile(fd, "job-std")
		err := dup2(int(f.Fd()), target)
		f.Close()

		if err != nil {
			return err
		}
	}

	return nil
}
