// Package runner implements the Job Runner of spec.md §4.4: it
// receives one validated wire.Job from the Job Handler, loads the
// caller's configuration, and dispatches to the matching job body
// (getconf, killuid, getugid{1,2}, or chrootuid{1,2}). The chrootuid
// variants re-exec internal/executor to build the mount namespace and
// run the target program, then drive the parent-side multiplexer
// until it exits.
package runner

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/altlinux/hasher-priv/internal/cgroupjoin"
	"github.com/altlinux/hasher-priv/internal/config"
	"github.com/altlinux/hasher-priv/internal/executor"
	"github.com/altlinux/hasher-priv/internal/fstab"
	"github.com/altlinux/hasher-priv/internal/jobs"
	"github.com/altlinux/hasher-priv/internal/limits"
	"github.com/altlinux/hasher-priv/internal/multiplexer"
	"github.com/altlinux/hasher-priv/internal/pty"
	"github.com/altlinux/hasher-priv/internal/reexec"
	"github.com/altlinux/hasher-priv/internal/sandbox"
	"github.com/altlinux/hasher-priv/internal/wire"
	"github.com/altlinux/hasher-priv/internal/x11"
)

// Runner implements jobhandler.Dispatcher for one authenticated
// caller session.
type Runner struct {
	Log *logrus.Entry

	CfgDir   string
	Caller   *config.CallerIdentity
	User1    *config.TargetUser
	User2    *config.TargetUser
	FstabCfg []fstab.Entry
}

// Run dispatches job to the matching body, returning the wire
// response code and diagnostic text.
func (r *Runner) Run(job *wire.Job) (int32, string, error) {
	switch job.Type {
	case wire.JobGetConf:
		return wire.RCDone, jobs.GetConf(r.CfgDir, r.Caller.UserName, r.Caller.SubconfigN) + "\n", nil

	case wire.JobKillUID:
		if err := jobs.KillUID(r.User1.UID, r.User2.UID); err != nil {
			return wire.RCFailed, err.Error(), err
		}

		return wire.RCDone, "", nil

	case wire.JobGetUGID1:
		return wire.RCDone, jobs.GetUGID(r.User1.UID, r.User1.GID), nil

	case wire.JobGetUGID2:
		return wire.RCDone, jobs.GetUGID(r.User2.UID, r.User2.GID), nil

	case wire.JobChrootUID1:
		return r.runChrootuid(job, r.User1)

	case wire.JobChrootUID2:
		return r.runChrootuid(job, r.User2)

	default:
		err := fmt.Errorf("%w: unhandled job type %s", wire.ErrProtocol, job.Type)

		return wire.RCFailed, err.Error(), err
	}
}

// runChrootuid loads the caller's config for target, re-execs the
// Executor role to build the sandbox and run the job's program, and
// drives the parent-side multiplexer until it exits.
func (r *Runner) runChrootuid(job *wire.Job, target *config.TargetUser) (int32, string, error) {
	cfg, err := config.LoadCallerConfig(r.CfgDir, r.Caller.UserName, r.Caller.SubconfigN, r.Caller.Home)
	if err != nil {
		return wire.RCFailed, err.Error(), err
	}

	x11s, err := r.prepareX11(job.Env)
	if err != nil {
		r.Log.WithError(err).Debug("x11 forwarding disabled")
	}

	wlimits := cfg.Wlimits
	wlimits.Tighten(parseWlimitOverride(job.Env))

	requestedMounts := cfg.AllowedMountpoints
	if override, ok := parseMountpointList(job.Env); ok {
		requestedMounts = override
	}

	usePTY := parseBoolEnv(job.Env, "use_pty")

	execCfg := executor.Config{
		Sandbox: sandbox.ChrootuidConfig{
			ChrootFD:           job.ChrootFD,
			CallerUser:         r.Caller.UserName,
			CallerUID:          r.Caller.UID,
			CallerGID:          r.Caller.GID,
			CallerPID:          r.Caller.PID,
			OwnerGID:           r.User1.GID,
			TargetUID:          target.UID,
			TargetGID:          target.GID,
			Prefix:             cfg.Prefix,
			AllowedDevices:     cfg.AllowedDevices,
			AllowedMountpoints: cfg.AllowedMountpoints,
			RequestedMounts:    requestedMounts,
			ShareNetwork:       x11s.shareNetwork || parseBoolEnv(job.Env, "share_network"),
		},
		Fstab: r.FstabCfg,
		Argv:  job.Argv,
		Env:   job.Env,
		Nice:  cfg.Nice,
		Umask: cfg.Umask,
		PTY:   usePTY,
	}

	if x11s.enabled {
		execCfg.X11Enabled = true
		execCfg.X11KeyLen = len(x11s.realKey)

		env := make([]string, 0, len(job.Env)+1)

		for _, kv := range job.Env {
			if !strings.HasPrefix(kv, "DISPLAY=") {
				env = append(env, kv)
			}
		}

		execCfg.Env = append(env, "DISPLAY="+x11.FakeDisplay)
	}

	cmd, err := reexec.Command(reexec.RoleExecutor)
	if err != nil {
		return wire.RCFailed, err.Error(), err
	}

	cfgR, cfgW, err := reexec.SendConfig(execCfg)
	if err != nil {
		return wire.RCFailed, err.Error(), err
	}
	defer cfgW.Close()

	cmd.ExtraFiles = append(cmd.ExtraFiles, cfgR) // fd 3

	ctrlParent, ctrlChild, err := controlPair()
	if err != nil {
		return wire.RCFailed, err.Error(), err
	}

	cmd.ExtraFiles = append(cmd.ExtraFiles, ctrlChild) // fd 4

	mplexCfg := multiplexer.Config{
		Log:     r.Log,
		Wlimits: wlimits,
	}

	if job.StdFDs[0] != wire.NoFD && job.StdFDs[1] != wire.NoFD && job.StdFDs[2] != wire.NoFD {
		mplexCfg.CallerStdin = os.NewFile(uintptr(job.StdFDs[0]), "caller-stdin")
		mplexCfg.CallerStdout = os.NewFile(uintptr(job.StdFDs[1]), "caller-stdout")
		mplexCfg.CallerStderr = os.NewFile(uintptr(job.StdFDs[2]), "caller-stderr")
	}

	var childCloseFiles []*os.File

	if usePTY {
		master, slave, err := pty.Open()
		if err != nil {
			ctrlParent.Close()
			ctrlChild.Close()

			return wire.RCFailed, err.Error(), err
		}

		cmd.ExtraFiles = append(cmd.ExtraFiles, slave, slave, slave) // fd 5,6,7
		childCloseFiles = append(childCloseFiles, slave)
		mplexCfg.PTYMaster = master
	} else {
		inR, inW, err := os.Pipe()
		if err != nil {
			ctrlParent.Close()
			ctrlChild.Close()

			return wire.RCFailed, err.Error(), err
		}

		outR, outW, err := os.Pipe()
		if err != nil {
			ctrlParent.Close()
			ctrlChild.Close()
			inR.Close()
			inW.Close()

			return wire.RCFailed, err.Error(), err
		}

		errR, errW, err := os.Pipe()
		if err != nil {
			ctrlParent.Close()
			ctrlChild.Close()
			inR.Close()
			inW.Close()
			outR.Close()
			outW.Close()

			return wire.RCFailed, err.Error(), err
		}

		cmd.ExtraFiles = append(cmd.ExtraFiles, inR, outW, errW) // fd 5,6,7
		childCloseFiles = append(childCloseFiles, inR, outW, errW)
		mplexCfg.ChildStdin = inW
		mplexCfg.ChildStdout = outR
		mplexCfg.ChildStderr = errR
	}

	cmd.SysProcAttr = &unix.SysProcAttr{
		Credential: &unix.Credential{Uid: target.UID, Gid: target.GID},
	}

	if err := cmd.Start(); err != nil {
		return wire.RCFailed, err.Error(), err
	}

	cfgR.Close()
	ctrlChild.Close()

	for _, f := range childCloseFiles {
		f.Close()
	}

	if err := cgroupjoin.JoinCaller(int(r.Caller.PID), cmd.Process.Pid); err != nil {
		r.Log.WithError(err).Debug("cgroup join skipped")
	}

	mplexCfg.Wait = func() (*os.ProcessState, error) {
		err := cmd.Wait()

		return cmd.ProcessState, err
	}

	if listener, err := recvLogListener(ctrlParent); err != nil {
		r.Log.WithError(err).Debug("log listener handoff failed")
	} else {
		mplexCfg.LogListener = listener
	}

	if x11s.enabled {
		relay, err := x11s.receiveListener(ctrlParent)
		if err != nil {
			r.Log.WithError(err).Warn("x11 handshake failed")
		} else {
			mplexCfg.X11 = relay
		}
	} else {
		ctrlParent.Close()
	}

	res, err := multiplexer.Run(mplexCfg)
	if err != nil {
		return wire.RCFailed, err.Error(), err
	}

	rc := int32(wire.RCDone)
	if res.ChildState != nil && !res.ChildState.Success() {
		rc = wire.RCFailed
	}

	return rc, "", nil
}

// x11Setup bundles the parent-side state of an in-flight X11
// forwarding setup.
type x11Setup struct {
	enabled      bool
	shareNetwork bool
	display      x11.Display
	realKey      []byte
}

func (r *Runner) prepareX11(env []string) (x11Setup, error) {
	display, found := lookupEnv(env, "XAUTH_DISPLAY")
	if !found {
		return x11Setup{}, nil
	}

	keyHex, found := lookupEnv(env, "XAUTH_KEY")
	if !found {
		return x11Setup{}, nil
	}

	realKey, err := x11.ParseKey(keyHex)
	if err != nil {
		return x11Setup{}, err
	}

	d, shareNetwork, err := x11.ParseDisplay(display)
	if err != nil {
		return x11Setup{}, err
	}

	return x11Setup{
		enabled:      true,
		shareNetwork: shareNetwork,
		display:      d,
		realKey:      realKey,
	}, nil
}

// receiveListener blocks for the Child's x11 handshake (fake listener
// fd + fake cookie) over the control socket, per spec.md §4.7.
func (x *x11Setup) receiveListener(ctrlParent *net.UnixConn) (*multiplexer.X11Relay, error) {
	defer ctrlParent.Close()

	fakeKey, fd, err := x11.RecvListener(ctrlParent, len(x.realKey))
	if err != nil {
		return nil, err
	}

	l, err := net.FileListener(os.NewFile(uintptr(fd), "x11-fake"))
	if err != nil {
		unix.Close(fd)

		return nil, err
	}

	return &multiplexer.X11Relay{
		Listener: l,
		RealKey:  x.realKey,
		FakeKey:  fakeKey,
		Connect:  func() (net.Conn, error) { return x11.ConnectReal(x.display) },
	}, nil
}

// parseWlimitOverride reads the wlimit_* caller-env overrides
// (wlimit_time_elapsed, wlimit_time_idle, wlimit_bytes_written), per
// config.c's modify_wlim: plain non-negative decimal integers, unlike
// rlimit_* values these never support "inf".
func parseWlimitOverride(env []string) limits.Wlimits {
	var w limits.Wlimits

	if v, ok := lookupEnv(env, "wlimit_time_elapsed"); ok {
		w.TimeElapsed, _ = strconv.ParseUint(v, 10, 64)
	}

	if v, ok := lookupEnv(env, "wlimit_time_idle"); ok {
		w.TimeIdle, _ = strconv.ParseUint(v, 10, 64)
	}

	if v, ok := lookupEnv(env, "wlimit_bytes_written"); ok {
		w.BytesWritten, _ = strconv.ParseUint(v, 10, 64)
	}

	return w
}

// parseMountpointList reads the requested_mountpoints caller-env
// override, tokenized on space/tab/comma per caller_config.c's
// parse_str_list. The result still passes through the configured
// allow-list via sandbox.ClassifyMountpoints; this only changes which
// subset of that allow-list a given job actually asks to have mounted.
func parseMountpointList(env []string) ([]string, bool) {
	v, ok := lookupEnv(env, "requested_mountpoints")
	if !ok {
		return nil, false
	}

	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ','
	})

	return fields, true
}

// parseBoolEnv reports whether key is present in env and set to a
// truthy value ("1", "yes", "true", case-insensitive).
func parseBoolEnv(env []string, key string) bool {
	v, ok := lookupEnv(env, key)
	if !ok {
		return false
	}

	switch strings.ToLower(v) {
	case "1", "yes", "true":
		return true
	default:
		return false
	}
}

func lookupEnv(env []string, key string) (string, bool) {
	prefix := key + "="

	for _, kv := range env {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):], true
		}
	}

	return "", false
}
