package runner

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// controlPair opens an AF_UNIX SOCK_STREAM socketpair: the parent end
// as a *net.UnixConn for this process, the child end as a raw *os.File
// suitable for (*exec.Cmd).ExtraFiles. The Executor uses its end to
// hand the in-chroot log listener fd back unconditionally, and, when
// X11 is enabled, the X11 fake-listener handshake afterwards.
func controlPair() (*net.UnixConn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("runner: socketpair: %w", err)
	}

	parentFile := os.NewFile(uintptr(fds[0]), "control-parent")

	parentConn, err := net.FileConn(parentFile)
	if err != nil {
		parentFile.Close()
		unix.Close(fds[1])

		return nil, nil, err
	}

	parentFile.Close()

	uc, ok := parentConn.(*net.UnixConn)
	if !ok {
		parentConn.Close()
		unix.Close(fds[1])

		return nil, nil, fmt.Errorf("runner: unexpected control conn type")
	}

	return uc, os.NewFile(uintptr(fds[1]), "control-child"), nil
}

// recvLogListener reads the in-chroot log socket fd the Executor
// sends immediately after Chrootuid succeeds (see executor.Main's
// sendFD), turning it into a net.Listener the multiplexer can
// Accept() on, per spec.md §4.6's log relay. A read failure (e.g. the
// Executor died before reaching that point) is reported to the caller
// so log relay can be disabled without failing the job.
func recvLogListener(ctrl *net.UnixConn) (net.Listener, error) {
	data := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := ctrl.ReadMsgUnix(data, oob)
	if err != nil {
		return nil, fmt.Errorf("runner: reading log listener fd: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) != 1 {
		return nil, fmt.Errorf("runner: malformed log listener ancillary data")
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) != 1 {
		return nil, fmt.Errorf("runner: expected exactly one log listener fd")
	}

	f := os.NewFile(uintptr(fds[0]), "chroot-log")

	l, err := net.FileListener(f)

	f.Close()

	if err != nil {
		return nil, err
	}

	return l, nil
}
