package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// byteOrder is used only for the two u32 header fields; it need not
// match any wire format other implementations read, since both ends
// of every connection are this same Go binary.
var byteOrder = binary.LittleEndian

const headerSize = 8 // Type u32 + Len u32

// Conn wraps a *net.UnixConn with the header/payload/ancillary
// framing of spec.md §3 ("Wire records") and the strict ancillary-data
// validation required by SPEC_FULL.md's grounding notes (single
// message, ≥1 data byte, one SCM_RIGHTS cmsg, exact length).
type Conn struct {
	UC *net.UnixConn
}

// ReadHeader reads one (type, len) command header.
func (c *Conn) ReadHeader() (Header, error) {
	var buf [headerSize]byte

	if _, err := readFull(c.UC, buf[:]); err != nil {
		return Header{}, err
	}

	return Header{
		Type: Command(byteOrder.Uint32(buf[0:4])),
		Len:  byteOrder.Uint32(buf[4:8]),
	}, nil
}

// WriteHeader writes one command header.
func (c *Conn) WriteHeader(h Header) error {
	var buf [headerSize]byte
	byteOrder.PutUint32(buf[0:4], uint32(h.Type))
	byteOrder.PutUint32(buf[4:8], h.Len)

	_, err := c.UC.Write(buf[:])

	return err
}

// ReadPayload reads exactly n bytes of plain payload (no ancillary
// data expected).
func (c *Conn) ReadPayload(n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, n)
	if _, err := readFull(c.UC, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadResponse reads a (rc, len) response header plus its optional
// diagnostic text, per spec.md §3.
func (c *Conn) ReadResponse() (ResponseHeader, string, error) {
	var buf [headerSize]byte

	if _, err := readFull(c.UC, buf[:]); err != nil {
		return ResponseHeader{}, "", err
	}

	rh := ResponseHeader{
		RC:  int32(byteOrder.Uint32(buf[0:4])),
		Len: byteOrder.Uint32(buf[4:8]),
	}

	if rh.Len == 0 {
		return rh, "", nil
	}

	text := make([]byte, rh.Len)
	if _, err := readFull(c.UC, text); err != nil {
		return ResponseHeader{}, "", err
	}

	return rh, string(text), nil
}

// WriteResponse writes a response header plus its optional text, or
// silently drops the write on EPIPE per spec.md §5 ("Ordering
// guarantees": "both may be dropped silently if the client has
// disconnected").
func (c *Conn) WriteResponse(rc int32, text string) error {
	var buf [headerSize]byte
	byteOrder.PutUint32(buf[0:4], uint32(rc))
	byteOrder.PutUint32(buf[4:8], uint32(len(text)))

	if _, err := c.UC.Write(buf[:]); err != nil {
		if isEPIPE(err) {
			return nil
		}

		return err
	}

	if len(text) > 0 {
		if _, err := c.UC.Write([]byte(text)); err != nil && !isEPIPE(err) {
			return err
		}
	}

	return nil
}

// ReadFDs receives n file descriptors piggybacked as SCM_RIGHTS
// ancillary data on a record carrying dataLen bytes of in-band
// payload, validating strictly per SPEC_FULL.md's grounding notes:
// exactly one cmsg, of the expected level/type, exact fd count, no
// secondary cmsg.
func (c *Conn) ReadFDs(dataLen int, n int) ([]byte, []int, error) {
	data := make([]byte, dataLen)
	oob := make([]byte, unix.CmsgSpace(n*4))

	nr, oobn, _, _, err := c.UC.ReadMsgUnix(data, oob)
	if err != nil {
		return nil, nil, err
	}

	if nr != dataLen {
		return nil, nil, fmt.Errorf("%w: short read (%d/%d bytes)", ErrProtocol, nr, dataLen)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing ancillary data: %v", ErrProtocol, err)
	}

	if len(cmsgs) != 1 {
		return nil, nil, fmt.Errorf("%w: expected exactly one ancillary message, got %d", ErrProtocol, len(cmsgs))
	}

	if cmsgs[0].Header.Level != unix.SOL_SOCKET || cmsgs[0].Header.Type != unix.SCM_RIGHTS {
		return nil, nil, fmt.Errorf("%w: unexpected ancillary message type", ErrProtocol)
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing SCM_RIGHTS: %v", ErrProtocol, err)
	}

	if len(fds) != n {
		closeAll(fds)

		return nil, nil, fmt.Errorf("%w: expected %d descriptors, got %d", ErrProtocol, n, len(fds))
	}

	return data, fds, nil
}

// WriteFDs sends fds as SCM_RIGHTS ancillary data alongside data (the
// kernel requires at least one in-band byte when carrying ancillary
// data, per SPEC_FULL.md's grounding notes).
func (c *Conn) WriteFDs(data []byte, fds []int) error {
	if len(data) == 0 {
		data = []byte{0}
	}

	oob := unix.UnixRights(fds...)

	_, _, err := c.UC.WriteMsgUnix(data, oob, nil)

	return err
}

func closeAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

func readFull(uc *net.UnixConn, buf []byte) (int, error) {
	total := 0

	for total < len(buf) {
		n, err := uc.Read(buf[total:])
		if n > 0 {
			total += n
		}

		if err != nil {
			return total, err
		}

		if n == 0 {
			return total, fmt.Errorf("unexpected EOF")
		}
	}

	return total, nil
}

func isEPIPE(err error) bool {
	return errors.Is(err, unix.EPIPE)
}
