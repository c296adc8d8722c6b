package x11

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildClientMsg(fakeKey []byte) []byte {
	protoName := []byte("MIT-MAGIC-COOKIE-1")
	buf := make([]byte, 0, 64)
	buf = append(buf, 0x6c, 0, 11, 0, 0, 0) // little-endian, proto 11.0
	var nlen, dlen [2]byte
	binary.LittleEndian.PutUint16(nlen[:], uint16(len(protoName)))
	binary.LittleEndian.PutUint16(dlen[:], uint16(len(fakeKey)))
	buf = append(buf, nlen[:]...)
	buf = append(buf, dlen[:]...)
	buf = append(buf, 0, 0) // pad
	buf = append(buf, protoName...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, fakeKey...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}

	return buf
}

func TestSubstituteCookieMatches(t *testing.T) {
	fake := []byte{0xde, 0xad, 0xbe, 0xef}
	real := []byte{0x01, 0x02, 0x03, 0x04}

	msg := buildClientMsg(fake)

	out, err := SubstituteCookie(msg, fake, real)
	require.NoError(t, err)
	assert.NotEqual(t, msg, out)
	assert.Equal(t, len(msg), len(out))
	assert.Contains(t, string(out), string(real))
	assert.NotContains(t, string(out), string(fake))
}

func TestSubstituteCookieRejectsMismatch(t *testing.T) {
	fake := []byte{0xde, 0xad, 0xbe, 0xef}
	real := []byte{0x01, 0x02, 0x03, 0x04}
	other := []byte{0xff, 0xff, 0xff, 0xff}

	msg := buildClientMsg(other)

	_, err := SubstituteCookie(msg, fake, real)
	require.Error(t, err)
}

func TestSubstituteCookieShortBuffer(t *testing.T) {
	_, err := SubstituteCookie([]byte{0x6c, 0, 0}, []byte{1}, []byte{2})
	require.Error(t, err)
}
