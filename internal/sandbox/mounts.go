package sandbox

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/altlinux/hasher-priv/internal/fstab"
)

// ClassifyMountpoints splits the caller-requested mountpoints of
// spec.md §4.4 step 5 into device entries (must be under /dev/,
// collected for setup_devices) and regular mountpoint entries,
// validating that each is an absolute path with no double slash and
// appears in exactly one of allowedDevices / allowedMountpoints.
func ClassifyMountpoints(requested, allowedDevices, allowedMountpoints []string) (devices, mountpoints []string, err error) {
	devSet := toSet(allowedDevices)
	mntSet := toSet(allowedMountpoints)

	seen := map[string]bool{}

	for _, r := range requested {
		if seen[r] {
			// Requesting the same entry twice creates it once
			// (spec.md §8's idempotence property).
			continue
		}

		seen[r] = true

		if r == "/dev" || r == "/dev/shm" {
			// Always mounted; skipped here as duplicates, per
			// spec.md §4.4 step 5.
			continue
		}

		if !path.IsAbs(r) {
			return nil, nil, fmt.Errorf("%s: not an absolute path", r)
		}

		if strings.Contains(r, "//") {
			return nil, nil, fmt.Errorf("%s: double slash not allowed", r)
		}

		inDev := devSet[r]
		inMnt := mntSet[r]

		switch {
		case inDev && inMnt:
			return nil, nil, fmt.Errorf("%s: listed in both allowed_devices and allowed_mountpoints", r)
		case inDev:
			if !strings.HasPrefix(r, "/dev/") {
				return nil, nil, fmt.Errorf("%s: device entries must be under /dev/", r)
			}

			devices = append(devices, r)
		case inMnt:
			mountpoints = append(mountpoints, r)
		default:
			return nil, nil, fmt.Errorf("%s: not listed in allowed_devices or allowed_mountpoints", r)
		}
	}

	return devices, mountpoints, nil
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[s] = true
	}

	return m
}

// MountValidated re-enters the chroot root via chrootFD, validates and
// descends into dir's relative path component by component under the
// caller's filesystem credentials (the chdiruid.c xmount technique),
// then mounts the resolved fstab entry's source onto the validated
// ".", per spec.md §4.4 step 5. Mounting onto a validated relative "."
// rather than dir's absolute path keeps every mount pre-chroot(2) safe:
// an absolute path like /dev still names the real host /dev at this
// point in Chrootuid.
//
// ownerGID is the caller's change_gid1, the fixed group every
// caller-owned chroot path component must belong to; it governs the
// chroot-root re-entry check regardless of which validate the caller
// passes for dir's own descent.
func MountValidated(chrootFD int, callerUser string, callerUID, callerGID, ownerGID uint32, override []fstab.Entry, dir string, validate Validator) error {
	entry, ok := fstab.Lookup(override, dir)
	if !ok {
		return fmt.Errorf("%s: no fstab entry", dir)
	}

	if err := FchdirValidated(chrootFD, callerUser, callerUID, callerGID, CallerOK(callerUID, ownerGID)); err != nil {
		return fmt.Errorf("re-entering chroot root before mounting %s: %w", dir, err)
	}

	rel := strings.TrimPrefix(dir, "/")

	guard, err := EnterAsCaller(callerUser, callerUID, callerGID)
	if err != nil {
		return fmt.Errorf("validating mountpoint %s: %w", dir, err)
	}

	walkErr := SafeChdir(rel, validate)

	if closeErr := guard.Close(); closeErr != nil && walkErr == nil {
		walkErr = closeErr
	}

	if walkErr != nil {
		return fmt.Errorf("validating mountpoint %s: %w", dir, walkErr)
	}

	flags, data, err := fstab.ParseOptions(entry.Options)
	if err != nil {
		return err
	}

	if err := unix.Mount(entry.Source, ".", entry.Type, uintptr(flags), data); err != nil {
		return fmt.Errorf("mount %s on %s (%s): %w", entry.Source, dir, entry.Type, err)
	}

	return nil
}

// RemountRootSlave implements spec.md §4.4 step 5's "Remount / as
// MS_SLAVE|MS_REC (ignore EINVAL)".
func RemountRootSlave() error {
	err := unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, "")
	if err != nil && err != unix.EINVAL {
		return fmt.Errorf("remount / as slave: %w", err)
	}

	return nil
}
