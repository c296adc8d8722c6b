package sandbox

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/altlinux/hasher-priv/internal/fstab"
	"github.com/altlinux/hasher-priv/internal/jobs"
)

// ChrootuidConfig bundles the inputs to Chrootuid, assembled by the
// Executor from the validated Job and the caller's resolved
// CallerConfig/TargetUser, per spec.md §4.4.
type ChrootuidConfig struct {
	ChrootFD int

	CallerUser           string
	CallerUID, CallerGID uint32
	CallerPID            int32

	// OwnerGID is change_gid1: the single, job-independent group every
	// caller-owned path component (the chroot root itself, and every
	// non-/dev mountpoint) must belong to, per chdir.c's
	// stat_caller_ok_validator. The original always validates against
	// user1's group even for chrootuid2 jobs; callers of Chrootuid
	// should do the same.
	OwnerGID uint32

	TargetUID, TargetGID uint32

	Prefix             []string
	AllowedDevices     []string
	AllowedMountpoints []string
	RequestedMounts    []string
	FstabOverride      []fstab.Entry

	ShareNetwork bool // TCP X11 or a true share_network job env entry.
}

// Prepared is everything Chrootuid hands back to the Executor once
// the mount namespace is ready: the log socket fd.
type Prepared struct {
	LogFD int
}

// Chrootuid implements spec.md §4.4 steps 1-10 ("Job: chrootuid{1,2}"):
// the mount namespace construction. It applies no rlimits, and neither
// does its caller: the rlimit_* values of the caller configuration are
// not applied on the chrootuid path. After it returns, the Executor
// continues in the same process, with no further fork.
//
// Grounded on
// _examples/original_source/hasher-priv/executor.c's do_chrootuid.
func Chrootuid(cfg ChrootuidConfig) (*Prepared, error) {
	// Step 1: pre-clean via killuid, so no leftover processes or IPC
	// from a previous job under the same target uids survive.
	if err := jobs.KillUID(cfg.TargetUID, cfg.TargetGID); err != nil {
		return nil, fmt.Errorf("chrootuid: pre-clean: %w", err)
	}

	// Step 2: drop supplementary groups before entering the caller's
	// namespaces, matching the original's ordering; no copy of the
	// previous group list is kept or restored.
	if err := unix.Setgroups(nil); err != nil {
		return nil, fmt.Errorf("chrootuid: setgroups: %w", err)
	}

	// Step 3: namespace entry.
	if err := EnterCallerNamespaces(cfg.CallerPID, cfg.CallerUID); err != nil {
		return nil, fmt.Errorf("chrootuid: namespace entry: %w", err)
	}

	// Step 4: validate the caller-passed chroot fd (owned by the caller,
	// group OwnerGID, no world-write, group-write only if sticky), then
	// enter it and unshare a private mount namespace so further mounts
	// don't leak to the caller's.
	if err := FchdirValidated(cfg.ChrootFD, cfg.CallerUser, cfg.CallerUID, cfg.CallerGID, CallerOK(cfg.CallerUID, cfg.OwnerGID)); err != nil {
		return nil, fmt.Errorf("chrootuid: validating chroot fd: %w", err)
	}

	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return nil, fmt.Errorf("chrootuid: unshare(CLONE_NEWNS): %w", err)
	}

	if err := RemountRootSlave(); err != nil {
		return nil, err
	}

	// Step 5: classify and mount the caller-requested mountpoints plus
	// the always-on /dev and /dev/shm. Every mount resolves "." under a
	// validated, chroot-fd-relative descent (mount.c's xmount): the
	// actual chroot(2) call is deferred until every mount and device is
	// in place, so these validations and copyDev's host-path stats
	// still see the real filesystem, not an empty chroot.
	devices, mountpoints, err := ClassifyMountpoints(cfg.RequestedMounts, cfg.AllowedDevices, cfg.AllowedMountpoints)
	if err != nil {
		return nil, fmt.Errorf("chrootuid: classifying mountpoints: %w", err)
	}

	if err := MountValidated(cfg.ChrootFD, cfg.CallerUser, cfg.CallerUID, cfg.CallerGID, cfg.OwnerGID, cfg.FstabOverride, "/dev", CallerOK(cfg.CallerUID, cfg.OwnerGID)); err != nil {
		return nil, err
	}

	// Step 6: populate /dev (cwd is left inside it by the mount above),
	// open the in-chroot log socket.
	_, devPtsMounted := fstab.Lookup(cfg.FstabOverride, "/dev/pts")

	logFD, err := SetupDevices(devices, false, devPtsMounted)
	if err != nil {
		return nil, fmt.Errorf("chrootuid: setup_devices: %w", err)
	}

	// dev/ subdirectories (pts, shm) were just created by setup_devices
	// running as root, so they validate as RootOK; everything else the
	// caller requested validates as CallerOK/OwnerGID.
	for _, dir := range append([]string{"/dev/shm"}, mountpoints...) {
		validate := CallerOK(cfg.CallerUID, cfg.OwnerGID)
		if strings.HasPrefix(strings.TrimPrefix(dir, "/"), "dev/") {
			validate = RootOK
		}

		if err := MountValidated(cfg.ChrootFD, cfg.CallerUser, cfg.CallerUID, cfg.CallerGID, cfg.OwnerGID, cfg.FstabOverride, dir, validate); err != nil {
			unix.Close(logFD)

			return nil, err
		}
	}

	// Step 7: return to the chroot root before unsharing the remaining
	// namespaces and finally entering the chroot, matching chrootuid.c's
	// second fchdiruid(chroot_fd, ...) once setup_mountpoints() returns.
	if err := FchdirValidated(cfg.ChrootFD, cfg.CallerUser, cfg.CallerUID, cfg.CallerGID, CallerOK(cfg.CallerUID, cfg.OwnerGID)); err != nil {
		unix.Close(logFD)

		return nil, fmt.Errorf("chrootuid: re-entering chroot root: %w", err)
	}

	// Step 8: unshare the remaining namespaces unless the caller's
	// network is explicitly shared (TCP X11 requires it).
	flags := unix.CLONE_NEWIPC | unix.CLONE_NEWUTS
	if !cfg.ShareNetwork {
		flags |= unix.CLONE_NEWNET
	}

	if err := unix.Unshare(flags); err != nil {
		unix.Close(logFD)

		return nil, fmt.Errorf("chrootuid: unshare(ipc|uts|net): %w", err)
	}

	// Step 9: only now does the mount namespace actually become the
	// process's root, matching chrootuid.c's placement of chroot(2)
	// right before the in-chroot PTY open (performed one level up by
	// the Executor once this returns).
	if err := unix.Chroot("."); err != nil {
		unix.Close(logFD)

		return nil, fmt.Errorf("chrootuid: chroot(.): %w", err)
	}

	if err := unix.Chdir("/"); err != nil {
		unix.Close(logFD)

		return nil, fmt.Errorf("chrootuid: chdir(/): %w", err)
	}

	return &Prepared{LogFD: logFD}, nil
}
