package x11

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SendListener sends the child's X11 listening socket fd plus its
// fake cookie to the parent over the control socketpair, per
// spec.md §4.7 ("sends its fd along with a freshly-generated random
// cookie ... back to the parent over the control socketpair").
func SendListener(ctrl *net.UnixConn, listenerFD int, fakeKey []byte) error {
	oob := unix.UnixRights(listenerFD)
	_, _, err := ctrl.WriteMsgUnix(fakeKey, oob, nil)

	return err
}

// RecvListener is the parent side of SendListener.
func RecvListener(ctrl *net.UnixConn, keyLen int) (fakeKey []byte, fd int, err error) {
	data := make([]byte, keyLen)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := ctrl.ReadMsgUnix(data, oob)
	if err != nil {
		return nil, -1, err
	}

	if n != keyLen {
		return nil, -1, fmt.Errorf("x11: short control read (%d/%d)", n, keyLen)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) != 1 {
		return nil, -1, fmt.Errorf("x11: malformed control ancillary data")
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) != 1 {
		return nil, -1, fmt.Errorf("x11: expected exactly one descriptor")
	}

	return data, fds[0], nil
}

// clientPrefixLen is the fixed 12-byte X connection-setup prefix
// parsed by spec.md §4.7: byte order, one unused byte,
// protocol-major/minor (each u16), then auth-protocol-name-length and
// auth-protocol-data-length (each u16), then 2 pad bytes.
const clientPrefixLen = 12

// SubstituteCookie inspects the first bytes of an X client's initial
// connection setup message and, if its auth-data matches fakeKey
// exactly, returns a copy of buf with the auth-data replaced by
// realKey, per spec.md §4.7 and the quantified property of §8:
// "bytes ... that begin with a correct 12-byte prefix have their
// auth-data field replaced exactly when it matches the fake cookie;
// no other substitutions are performed."
func SubstituteCookie(buf []byte, fakeKey, realKey []byte) ([]byte, error) {
	if len(buf) < clientPrefixLen {
		return nil, fmt.Errorf("x11: short client prefix (%d bytes)", len(buf))
	}

	order := buf[0]

	var bo binary.ByteOrder

	switch order {
	case 0x42: // 'B', big-endian.
		bo = binary.BigEndian
	case 0x6c: // 'l', little-endian.
		bo = binary.LittleEndian
	default:
		return nil, fmt.Errorf("x11: unrecognized byte-order byte %#x", order)
	}

	protoNameLen := bo.Uint16(buf[6:8])
	protoDataLen := bo.Uint16(buf[8:10])

	nameOff := clientPrefixLen
	namePad := pad4(int(protoNameLen))
	dataOff := nameOff + int(protoNameLen) + namePad
	dataPad := pad4(int(protoDataLen))
	dataEnd := dataOff + int(protoDataLen)

	if len(buf) < dataEnd+dataPad {
		return nil, fmt.Errorf("x11: truncated client setup message")
	}

	authData := buf[dataOff:dataEnd]

	if len(authData) != len(fakeKey) || !bytesEqual(authData, fakeKey) {
		// Per spec.md §4.7: "Otherwise the connection is dropped with
		// an error."
		return nil, fmt.Errorf("x11: auth data does not match the forwarded cookie")
	}

	out := make([]byte, len(buf))
	copy(out, buf)
	copy(out[dataOff:dataEnd], realKey)

	return out, nil
}

func pad4(n int) int {
	if n%4 == 0 {
		return 0
	}

	return 4 - n%4
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
