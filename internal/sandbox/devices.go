package sandbox

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// mkdev mirrors the kernel's makedev(major, minor) macro.
func mkdev(major, minor uint32) uint64 {
	return unix.Mkdev(major, minor)
}

// SetupDevices implements spec.md §4.4 step 6: under the chroot's
// dev/, create the fd/stdin/stdout/stderr symlinks and the standard
// device nodes, optionally console/tty0/fb0, optionally the devpts
// tty+ptmx pair, open the inside-chroot log socket, and mknod every
// entry in devices (copied from /dev/<name> on the host with a
// permission-sanitized mode), per makedev.c's setup_devices /
// copy_dev. The current directory must already be the chroot's dev/
// (the caller fchdir's there per §4.4 step 6).
func SetupDevices(devices []string, makedevConsole, devPtsMounted bool) (logFD int, err error) {
	oldmask := unix.Umask(0)
	defer unix.Umask(oldmask)

	if err := os.Mkdir("pts", 0o755); err != nil && !os.IsExist(err) {
		return -1, fmt.Errorf("mkdir pts: %w", err)
	}

	if err := os.Mkdir("shm", 0o755); err != nil && !os.IsExist(err) {
		return -1, fmt.Errorf("mkdir shm: %w", err)
	}

	symlinks := map[string]string{
		"fd":     "../proc/self/fd",
		"stdin":  "../proc/self/fd/0",
		"stdout": "../proc/self/fd/1",
		"stderr": "../proc/self/fd/2",
	}

	for link, target := range symlinks {
		if err := os.Symlink(target, link); err != nil {
			return -1, fmt.Errorf("symlink %s: %w", link, err)
		}
	}

	stdNodes := []struct {
		name  string
		mode  uint32
		major uint32
		minor uint32
	}{
		{"null", 0o666, 1, 3},
		{"zero", 0o666, 1, 5},
		{"full", 0o666, 1, 7},
		{"urandom", 0o644, 1, 9},
		{"random", 0o644, 1, 9}, // pseudo-alias of urandom.
	}

	for _, n := range stdNodes {
		if err := unix.Mknod(n.name, unix.S_IFCHR|n.mode, int(mkdev(n.major, n.minor))); err != nil {
			return -1, fmt.Errorf("mknod %s: %w", n.name, err)
		}
	}

	if makedevConsole {
		consoleNodes := []struct {
			name  string
			major uint32
			minor uint32
		}{
			{"console", 5, 1},
			{"tty0", 4, 0},
			{"fb0", 29, 0},
		}

		for _, n := range consoleNodes {
			if err := unix.Mknod(n.name, unix.S_IFCHR|0o600, int(mkdev(n.major, n.minor))); err != nil {
				return -1, fmt.Errorf("mknod %s: %w", n.name, err)
			}
		}
	}

	if devPtsMounted {
		if err := unix.Mknod("tty", unix.S_IFCHR|0o666, int(mkdev(5, 0))); err != nil {
			return -1, fmt.Errorf("mknod tty: %w", err)
		}

		if err := os.Symlink("pts/ptmx", "ptmx"); err != nil {
			return -1, fmt.Errorf("symlink ptmx: %w", err)
		}
	}

	logFD, err = logListen("log")
	if err != nil {
		return -1, err
	}

	for _, dev := range devices {
		if err := copyDev(dev); err != nil {
			unix.Close(logFD)

			return -1, err
		}
	}

	return logFD, nil
}

// logListen creates the log listening socket at name (called with
// "log" while the working directory is the chroot's dev/), mode 0622,
// per spec.md §4.4 step 6 and x11.c's log_listen. The socket file
// stays in place; the caller owns the returned descriptor.
func logListen(name string) (int, error) {
	l, err := net.Listen("unix", name)
	if err != nil {
		return -1, fmt.Errorf("listen %s: %w", name, err)
	}

	if err := os.Chmod(name, 0o622); err != nil {
		l.Close()

		return -1, fmt.Errorf("chmod %s: %w", name, err)
	}

	uc := l.(*net.UnixListener)
	uc.SetUnlinkOnClose(false)

	f, err := uc.File()
	if err != nil {
		l.Close()

		return -1, err
	}

	// f and the listener each hold their own descriptor; keep an
	// independent duplicate for the caller and close both.
	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	l.Close()

	if err != nil {
		return -1, fmt.Errorf("dup log socket: %w", err)
	}

	return fd, nil
}

// copyDev stats a host device under /dev/<name>, derives a
// permission-sanitized mode, creates parent directories as needed,
// and mknods it with the source device's major/minor, per makedev.c's
// copy_dev.
func copyDev(src string) error {
	const prefix = "/dev/"

	if !strings.HasPrefix(src, prefix) || src == prefix {
		return fmt.Errorf("%s: invalid device name", src)
	}

	name := strings.TrimPrefix(src, prefix)

	var st unix.Stat_t
	if err := unix.Stat(src, &st); err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	devMode := st.Mode & (unix.S_IFCHR | unix.S_IFBLK)
	if devMode == 0 {
		return fmt.Errorf("%s: not a device", src)
	}

	if st.Mode&unix.S_IRUSR != 0 && st.Mode&(unix.S_IRGRP|unix.S_IROTH) != 0 {
		devMode |= unix.S_IRUSR | unix.S_IRGRP | unix.S_IROTH
	}

	if st.Mode&unix.S_IWUSR != 0 && st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
		devMode |= unix.S_IWUSR | unix.S_IWGRP | unix.S_IWOTH
	}

	if strings.Contains(name, "/") {
		if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			return fmt.Errorf("mkdir parents for %s: %w", name, err)
		}
	}

	if err := unix.Mknod(name, devMode, int(st.Rdev)); err != nil {
		return fmt.Errorf("mknod %s: %w", name, err)
	}

	return nil
}
