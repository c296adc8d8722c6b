// Package x11 implements X11 forwarding (spec.md §4.7), grounded on
// _examples/original_source/hasher-priv/x11.c: display parsing, the
// in-chroot listening socket, the fake-cookie handshake over a
// control socketpair, and the parent-side connect + cookie
// substitution relay.
package x11

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Display is a parsed DISPLAY string, per spec.md §4.7: "<host>:<number>[.<screen>]".
type Display struct {
	Host   string
	Number int
	Unix   bool // connect via AF_UNIX under /tmp/.X11-unix/ instead of TCP.
}

// ParseDisplay parses display per the grammar of spec.md §4.7. An
// empty host, or a host ending in "/unix", selects AF_UNIX; any
// other host forces TCP and therefore share_caller_network (TCP
// requires the caller's network namespace).
func ParseDisplay(display string) (Display, bool, error) {
	colon := strings.LastIndexByte(display, ':')
	if colon < 0 {
		return Display{}, false, fmt.Errorf("unrecognized DISPLAY=%s", display)
	}

	host := display[:colon]
	rest := display[colon+1:]

	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}

	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || n > 100 {
		return Display{}, false, fmt.Errorf("unrecognized DISPLAY=%s", display)
	}

	d := Display{Host: host, Number: n}

	if host == "" {
		d.Unix = true

		return d, false, nil
	}

	if idx := strings.LastIndexByte(host, '/'); idx >= 0 && host[idx+1:] == "unix" {
		d.Unix = true

		return d, false, nil
	}

	return d, true, nil // forceShareNetwork = true for TCP.
}

// ParseKey decodes the even-length hex XAUTH_KEY cookie, per spec.md
// §4.7. Activation is silently disabled (both values return an error
// the caller should treat as "forwarding off", not fatal) when
// malformed.
func ParseKey(hexKey string) ([]byte, error) {
	if len(hexKey) == 0 || len(hexKey)%2 != 0 {
		return nil, fmt.Errorf("malformed XAUTH_KEY")
	}

	return hex.DecodeString(hexKey)
}

// GenerateFakeKey returns a fresh random cookie the same length as
// real, matching spec.md §4.7's "randomly-generated fake key". The
// hex encoding is lowercase, per spec.md §9's open question ("do not
// change case, xauth is case-sensitive in places").
func GenerateFakeKey(n int) ([]byte, string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", err
	}

	return buf, hex.EncodeToString(buf), nil
}

// ConnectReal dials the real X display described by d.
func ConnectReal(d Display) (net.Conn, error) {
	if d.Unix {
		path := fmt.Sprintf("/tmp/.X11-unix/X%d", d.Number)

		return net.Dial("unix", path)
	}

	addr := fmt.Sprintf("%s:%d", d.Host, 6000+d.Number)

	return net.Dial("tcp", addr)
}

// Listen creates the in-chroot X11 forwarding listener at
// /tmp/.X11-unix/X10, per spec.md §4.7 ("the Child creates
// /tmp/.X11-unix/X10 as an AF_UNIX listening socket").
func Listen() (net.Listener, error) {
	const dir = "/tmp/.X11-unix"

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	path := dir + "/X10"
	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	return l, nil
}

// FakeDisplay is the DISPLAY value advertised inside the chroot for
// the forwarded fake listener, per spec.md §6 ("DISPLAY=:10.0 when
// X11 is on").
const FakeDisplay = ":10.0"
