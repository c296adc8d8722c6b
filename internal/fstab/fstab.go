// Package fstab implements the built-in default mountpoint table and
// the optional override fstab of spec.md §4.4, step 5
// ("Mountpoint setup"), and the fixed option→flag parsing table
// grounded on _examples/original_source/hasher-priv/mount.c.
package fstab

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Entry is one classical-fstab line: source, mountpoint, filesystem
// type, and comma-separated options.
type Entry struct {
	Source  string
	Dir     string
	Type    string
	Options string
}

// Default is the built-in table of spec.md §4.4 step 5, used when no
// entry in the caller-supplied or system fstab matches, grounded on
// mount.c's def_fstab[].
var Default = []Entry{
	{"dev", "/dev", "tmpfs", "nosuid,noexec,gid=0,mode=755,nr_blocks=0,nr_inodes=256"},
	{"proc", "/proc", "proc", "ro,nosuid,nodev,noexec,gid=proc,hidepid=2"},
	{"devpts", "/dev/pts", "devpts", "ro,nosuid,noexec,gid=tty,mode=0620,ptmxmode=0666,newinstance"},
	{"sysfs", "/sys", "sysfs", "ro,nosuid,nodev,noexec"},
	{"shmfs", "/dev/shm", "tmpfs", "nosuid,nodev,noexec,gid=0,mode=1777,nr_blocks=4096,nr_inodes=4096"},
	{"/sys/fs/cgroup", "/sys/fs/cgroup", "rbind", "ro,rbind,nosuid,nodev,noexec"},
}

// Load reads the classical-fstab-format override file, per spec.md
// §6 ("System fstab"). A missing file yields no entries; an existing
// file that is not root-owned, or is group- or world-writable, is
// rejected.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}
	defer f.Close()

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, fmt.Errorf("fstab: stat %s: %w", path, err)
	}

	if st.Uid != 0 || st.Mode&0o022 != 0 {
		return nil, fmt.Errorf("fstab: %s: not root-owned or group/world-writable", path)
	}

	var entries []Entry

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("fstab: malformed line %q", line)
		}

		entries = append(entries, Entry{
			Source:  fields[0],
			Dir:     fields[1],
			Type:    fields[2],
			Options: fields[3],
		})
	}

	return entries, scanner.Err()
}

// Lookup returns the first entry (override table, then Default)
// whose Dir matches dir, per spec.md §4.4's "first matching entry
// from the user fstab, falling back to a built-in default table".
func Lookup(override []Entry, dir string) (Entry, bool) {
	for _, e := range override {
		if e.Dir == dir {
			return e, true
		}
	}

	for _, e := range Default {
		if e.Dir == dir {
			return e, true
		}
	}

	return Entry{}, false
}

// optMap is the fixed option→mount-flag table grounded on mount.c's
// opt_map[].
var optMap = []struct {
	name   string
	invert bool
	value  uintptr
}{
	{"defaults", false, 0},
	{"rw", true, unix.MS_RDONLY},
	{"ro", false, unix.MS_RDONLY},
	{"suid", true, unix.MS_NOSUID},
	{"nosuid", false, unix.MS_NOSUID},
	{"dev", true, unix.MS_NODEV},
	{"nodev", false, unix.MS_NODEV},
	{"exec", true, unix.MS_NOEXEC},
	{"noexec", false, unix.MS_NOEXEC},
	{"sync", false, unix.MS_SYNCHRONOUS},
	{"async", true, unix.MS_SYNCHRONOUS},
	{"mand", false, unix.MS_MANDLOCK},
	{"nomand", true, unix.MS_MANDLOCK},
	{"dirsync", false, unix.MS_DIRSYNC},
	{"dirasync", true, unix.MS_DIRSYNC},
	{"bind", false, unix.MS_BIND},
	{"rbind", false, unix.MS_BIND | unix.MS_REC},
	{"atime", true, unix.MS_NOATIME},
	{"noatime", false, unix.MS_NOATIME},
	{"diratime", true, unix.MS_NODIRATIME},
	{"nodiratime", false, unix.MS_NODIRATIME},
}

// ParseOptions turns a comma-separated option string into a mount
// flags bitmask and a leftover data string (e.g. "gid=100"), per
// spec.md §4.4 step 5: "Mount options are parsed against a fixed
// option→flag table; numeric-free gid=<name> is resolved via the
// group database."
func ParseOptions(opts string) (flags uintptr, data string, err error) {
	flags = unix.MS_NOSUID

	var extras []string

	for _, opt := range strings.Split(opts, ",") {
		if opt == "" {
			continue
		}

		matched := false

		for _, m := range optMap {
			if m.name == opt {
				if m.invert {
					flags &^= m.value
				} else {
					flags |= m.value
				}

				matched = true

				break
			}
		}

		if matched {
			continue
		}

		if strings.HasPrefix(opt, "gid=") {
			name := strings.TrimPrefix(opt, "gid=")
			if _, convErr := strconv.Atoi(name); convErr != nil {
				grp, lookErr := user.LookupGroup(name)
				if lookErr == nil {
					opt = "gid=" + grp.Gid
				}
			}
		}

		extras = append(extras, opt)
	}

	return flags, strings.Join(extras, ","), nil
}
