// Package pidutil is a small pidfile utility, grounded in spirit on
// _examples/original_source/hasher-priv/pidfile.c. spec.md §1 places
// "the pidfile utility" out of scope as an external collaborator;
// this is the minimal stand-in the Root Daemon consumes.
package pidutil

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// File is a locked, open pidfile.
type File struct {
	f    *os.File
	path string
}

// Write creates (or opens) path, takes an exclusive non-blocking
// flock, truncates it, and writes the current pid.
func Write(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening pidfile %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("locking pidfile %s: another instance running? %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, err
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()

		return nil, err
	}

	return &File{f: f, path: path}, nil
}

// Remove unlocks, closes and removes the pidfile.
func (p *File) Remove() error {
	defer p.f.Close()

	_ = unix.Flock(int(p.f.Fd()), unix.LOCK_UN)

	return os.Remove(p.path)
}
