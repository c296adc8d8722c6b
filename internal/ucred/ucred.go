// Package ucred extracts peer credentials from a Unix socket
// connection, the sole authentication mechanism permitted by
// spec.md §1 ("no authentication beyond peer uid/gid from the local
// socket"). Grounded on the teacher's use of syscall.Ucred /
// SO_PEERCRED in lxd/api_devlxd.go and devlxd.go.
package ucred

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Ucred is the peer identity of a Unix socket connection: uid, gid
// and pid, per spec.md §3 ("Caller identity").
type Ucred struct {
	UID uint32
	GID uint32
	PID int32
}

// Get reads SO_PEERCRED off the underlying fd of a *net.UnixConn.
func Get(conn *net.UnixConn) (Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Ucred{}, fmt.Errorf("obtaining raw conn: %w", err)
	}

	var (
		cred    *unix.Ucred
		sysErr  error
		callErr error
	)

	callErr = raw.Control(func(fd uintptr) {
		cred, sysErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})

	if callErr != nil {
		return Ucred{}, callErr
	}

	if sysErr != nil {
		return Ucred{}, fmt.Errorf("SO_PEERCRED: %w", sysErr)
	}

	return Ucred{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}
