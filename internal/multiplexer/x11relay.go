package multiplexer

import (
	"io"
	"net"

	"github.com/altlinux/hasher-priv/internal/x11"
)

// runX11Relay accepts forwarded X11 client connections on the fake
// listener, substitutes the real cookie into each client's initial
// setup message, dials the real display, and splices the rest of the
// stream, per spec.md §4.7.
func runX11Relay(r *X11Relay, touch func()) {
	for {
		fake, err := r.Listener.Accept()
		if err != nil {
			return
		}

		go relayX11Conn(fake, r, touch)
	}
}

func relayX11Conn(fake net.Conn, r *X11Relay, touch func()) {
	defer fake.Close()

	head := make([]byte, 4096)

	n, err := fake.Read(head)
	if err != nil {
		return
	}

	touch()

	patched, err := x11.SubstituteCookie(head[:n], r.FakeKey, r.RealKey)
	if err != nil {
		return
	}

	real, err := r.Connect()
	if err != nil {
		return
	}
	defer real.Close()

	if _, err := real.Write(patched); err != nil {
		return
	}

	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(real, fake)
		done <- struct{}{}
	}()

	go func() {
		_, _ = io.Copy(fake, real)
		done <- struct{}{}
	}()

	<-done
}
