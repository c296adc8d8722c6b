// Package sandbox implements the chroot+namespace+mount+device
// construction sequence of spec.md §4.4 ("Job: chrootuid{1,2}") and
// the path-validation primitives of §4.9, grounded on
// _examples/original_source/hasher-priv/{chdir,chdiruid,ns,mount,makedev}.c.
package sandbox

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// Validator checks an lstat'd directory component before chdir, the
// Go form of spec.md §4.9's validator callback.
type Validator func(st *unix.Stat_t, name string) error

// RootOK validates owner uid 0, no group/world write, per spec.md
// §4.9 ("root_ok").
func RootOK(st *unix.Stat_t, name string) error {
	if st.Uid != 0 {
		return fmt.Errorf("%s: bad owner: %d", name, st.Uid)
	}

	if st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
		return fmt.Errorf("%s: bad perms: %o", name, st.Mode&0o7777)
	}

	return nil
}

// CallerOK returns a Validator asserting owner = callerUID, group =
// changeGID1, no world-write, group-write only when sticky is set,
// per spec.md §4.9 ("caller_ok").
func CallerOK(callerUID, changeGID1 uint32) Validator {
	return func(st *unix.Stat_t, name string) error {
		if st.Uid != callerUID {
			return fmt.Errorf("%s: expected owner %d, found owner %d", name, callerUID, st.Uid)
		}

		if st.Gid != changeGID1 {
			return fmt.Errorf("%s: expected group %d, found group %d", name, changeGID1, st.Gid)
		}

		if st.Mode&unix.S_IWOTH != 0 || (st.Mode&unix.S_IWGRP != 0 && st.Mode&unix.S_ISVTX == 0) {
			return fmt.Errorf("%s: bad perms: %o", name, st.Mode&0o7777)
		}

		return nil
	}
}

// SafeChdir walks path one component at a time (if relative and
// contains slashes) using the lstat+validate+chdir+lstat+compare
// technique of spec.md §4.9: after each chdir, the (dev, ino, rdev,
// mode, uid, gid) tuple of "." must equal the pre-chdir tuple of the
// component, or the change is fatal.
func SafeChdir(path string, validate Validator) error {
	if path == "" {
		return fmt.Errorf("invalid chroot path")
	}

	if path[0] == '/' || !strings.Contains(path, "/") {
		return safeChdirComponent(path, validate)
	}

	for _, elem := range strings.Split(path, "/") {
		if elem == "" {
			continue
		}

		if err := safeChdirComponent(elem, validate); err != nil {
			return err
		}
	}

	return nil
}

func safeChdirComponent(name string, validate Validator) error {
	var st1 unix.Stat_t
	if err := unix.Lstat(name, &st1); err != nil {
		return fmt.Errorf("lstat %s: %w", name, err)
	}

	if st1.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("%s: not a directory", name)
	}

	if err := validate(&st1, name); err != nil {
		return err
	}

	if err := unix.Chdir(name); err != nil {
		return fmt.Errorf("chdir %s: %w", name, err)
	}

	var st2 unix.Stat_t
	if err := unix.Lstat(".", &st2); err != nil {
		return fmt.Errorf("lstat . (after chdir %s): %w", name, err)
	}

	if what := changed(&st1, &st2); what != "" {
		return fmt.Errorf("%s: %s changed during execution", name, what)
	}

	return nil
}

func changed(a, b *unix.Stat_t) string {
	switch {
	case a.Dev != b.Dev:
		return "device number"
	case a.Ino != b.Ino:
		return "inode number"
	case a.Rdev != b.Rdev:
		return "device type"
	case a.Mode != b.Mode:
		return "protection"
	case a.Uid != b.Uid || a.Gid != b.Gid:
		return "ownership"
	default:
		return ""
	}
}

// CredGuard is the scoped "temporarily act as caller" guard of
// spec.md §9 ("Credential switching"): on construction it initializes
// the caller's supplementary groups, saves the real uid/gid and
// switches fsuid/fsgid to the caller's; Close sets fsuid/fsgid back
// to the saved values and resets supplementary groups. Grounded on
// chdiruid.c's change_creds/restore_creds pair.
type CredGuard struct {
	savedUID, savedGID int
}

// EnterAsCaller switches filesystem credentials to the caller's
// identity for the duration of a path walk, initializing
// supplementary groups from callerUser first.
//
// fsuid/fsgid are per-OS-thread kernel attributes, so the calling
// goroutine is pinned to its current thread for the lifetime of the
// guard: Close unpins it after restoring credentials. Without this,
// the Go scheduler could resume the goroutine on a different thread
// mid-walk, one that never got the fsuid/fsgid drop, silently
// defeating the checks SafeChdir relies on.
func EnterAsCaller(callerUser string, callerUID, callerGID uint32) (*CredGuard, error) {
	runtime.LockOSThread()

	if err := unix.Initgroups(callerUser, int(callerGID)); err != nil {
		runtime.UnlockOSThread()

		return nil, fmt.Errorf("initgroups(%s, %d): %w", callerUser, callerGID, err)
	}

	g := &CredGuard{savedUID: unix.Getuid(), savedGID: unix.Getgid()}

	if err := unix.Setfsgid(int(callerGID)); err != nil {
		runtime.UnlockOSThread()

		return nil, fmt.Errorf("setfsgid(%d): %w", callerGID, err)
	}

	if err := unix.Setfsuid(int(callerUID)); err != nil {
		runtime.UnlockOSThread()

		return nil, fmt.Errorf("setfsuid(%d): %w", callerUID, err)
	}

	return g, nil
}

// Close restores the credentials saved by EnterAsCaller, resets
// supplementary groups to empty, and unpins the goroutine from its OS
// thread.
func (g *CredGuard) Close() error {
	defer runtime.UnlockOSThread()

	if err := unix.Setfsuid(g.savedUID); err != nil {
		return err
	}

	if err := unix.Setfsgid(g.savedGID); err != nil {
		return err
	}

	return unix.Setgroups(nil)
}

// Chdiruid is the combination described in spec.md §4.9: switch to
// the caller's filesystem credentials, walk path component by
// component via SafeChdir, then (with credentials still switched)
// require that the resulting absolute working directory matches one
// of prefixes (or prefixes is empty, meaning "any"), per the
// quantified property of spec.md §8.
func Chdiruid(path, callerUser string, callerUID, callerGID uint32, validate Validator, matchesPrefix func(string) bool) error {
	guard, err := EnterAsCaller(callerUser, callerUID, callerGID)
	if err != nil {
		return err
	}
	defer guard.Close()

	if err := SafeChdir(path, validate); err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getcwd: %w", err)
	}

	if !matchesPrefix(cwd) {
		return fmt.Errorf("%s: prefix mismatch, working directory should start with one of the configured prefixes", cwd)
	}

	return nil
}

// FchdirValidated is Chdiruid's counterpart for an already-open
// directory fd rather than a path string: validate the fd under the
// caller's filesystem credentials, then fchdir to it. Grounded on
// chdir.h/chrootuid.c's fchdiruid, used there both to accept the
// caller-passed chroot fd and, a second time, to return to the chroot
// root once mountpoint setup has completed.
func FchdirValidated(fd int, callerUser string, callerUID, callerGID uint32, validate Validator) error {
	guard, err := EnterAsCaller(callerUser, callerUID, callerGID)
	if err != nil {
		return err
	}
	defer guard.Close()

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("fstat chroot fd: %w", err)
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("chroot fd: not a directory")
	}

	if err := validate(&st, "chroot_fd"); err != nil {
		return err
	}

	return unix.Fchdir(fd)
}
