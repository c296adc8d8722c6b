// Package jobs implements the six job bodies dispatched by the
// Executor (spec.md §4.4): getconf, killuid, getugid{1,2}, and
// chrootuid{1,2} (the latter delegated to internal/sandbox and
// internal/multiplexer). Grounded on
// _examples/original_source/hasher-priv/{killuid,getconf,getugid}.c.
package jobs

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/altlinux/hasher-priv/internal/config"
	"github.com/altlinux/hasher-priv/internal/ipcpurge"
)

// KillUID implements spec.md §4.4's killuid job: validate the target
// uids, raise RLIMIT_NPROC, clear dumpable, pair-swap to (uid1,
// uid2), SIGKILL every signalable process, purge IPC, pair-swap to
// (uid2, uid1), and purge IPC again so both orientations are covered
// (spec.md §8's idempotence property).
//
// The two Setreuid calls bracket the real/effective uid pair this
// process signals and purges IPC as; uid is a per-OS-thread kernel
// attribute, so the goroutine is pinned to its current thread for the
// whole sequence. Without that, the scheduler could resume it on
// another thread between the swap and the kill/purge, signaling with
// the wrong credentials.
func KillUID(uid1, uid2 uint32) error {
	self := uint32(unix.Getuid())

	if uid1 < config.MinChangeUID || uid1 == self {
		return fmt.Errorf("invalid uid: %d", uid1)
	}

	if uid2 < config.MinChangeUID || uid2 == self {
		return fmt.Errorf("invalid uid: %d", uid2)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	raiseRlimitNproc()

	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl PR_SET_DUMPABLE: %w", err)
	}

	if err := unix.Setreuid(int(uid1), int(uid2)); err != nil {
		return fmt.Errorf("setreuid(%d, %d): %w", uid1, uid2, err)
	}

	if err := unix.Kill(-1, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("kill(-1, SIGKILL): %w", err)
	}

	_ = ipcpurge.Purge(uid1)
	_ = ipcpurge.Purge(uid2)

	if err := unix.Setreuid(int(uid2), int(uid1)); err != nil {
		return fmt.Errorf("setreuid(%d, %d): %w", uid2, uid1, err)
	}

	_ = ipcpurge.Purge(uid1)
	_ = ipcpurge.Purge(uid2)

	return nil
}

func raiseRlimitNproc() {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &rlim); err != nil {
		return
	}

	rlim.Cur = unix.RLIM_INFINITY
	rlim.Max = unix.RLIM_INFINITY
	// Best-effort, per spec.md §4.4 ("best effort").
	_ = unix.Setrlimit(unix.RLIMIT_NPROC, &rlim)
}
