package jobhandler

import (
	"net"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/altlinux/hasher-priv/internal/wire"
)

type fakeDispatcher struct {
	job *wire.Job
	rc  int32
	txt string
}

func (f *fakeDispatcher) Run(job *wire.Job) (int32, string, error) {
	f.job = job

	return f.rc, f.txt, nil
}

// unixConnPair returns two ends of an AF_UNIX SOCK_STREAM socketpair
// as *net.UnixConn, standing in for a real client/Session Server
// connection in tests.
func unixConnPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	toConn := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "test-pair")

		c, err := net.FileConn(f)
		require.NoError(t, err)

		f.Close()

		uc, ok := c.(*net.UnixConn)
		require.True(t, ok)

		return uc
	}

	return toConn(fds[0]), toConn(fds[1])
}

func TestHandleAssemblesGetConfJob(t *testing.T) {
	ca, cb := unixConnPair(t)
	client := &wire.Conn{UC: ca}
	server := &wire.Conn{UC: cb}

	defer client.UC.Close()
	defer server.UC.Close()

	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)

	disp := &fakeDispatcher{rc: wire.RCDone, txt: "ok\n"}

	done := make(chan error, 1)

	go func() {
		done <- Handle(server, entry, disp)
	}()

	typeBuf := []byte{byte(wire.JobGetConf), 0, 0, 0}
	require.NoError(t, client.WriteHeader(wire.Header{Type: wire.CmdJobType, Len: 4}))
	_, err := client.UC.Write(typeBuf)
	require.NoError(t, err)

	stepRH, stepText, err := client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, wire.RCDone, stepRH.RC)
	assert.Equal(t, "", stepText)

	require.NoError(t, client.WriteHeader(wire.Header{Type: wire.CmdJobRun, Len: 0}))

	rh, text, err := client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, wire.RCDone, rh.RC)
	assert.Equal(t, "ok\n", text)

	client.UC.Close()
	<-done

	require.NotNil(t, disp.job)
	assert.Equal(t, wire.JobGetConf, disp.job.Type)
}

func TestHandleRejectsDuplicateCommand(t *testing.T) {
	ca, cb := unixConnPair(t)
	client := &wire.Conn{UC: ca}
	server := &wire.Conn{UC: cb}

	defer client.UC.Close()
	defer server.UC.Close()

	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)

	disp := &fakeDispatcher{}

	done := make(chan error, 1)

	go func() {
		done <- Handle(server, entry, disp)
	}()

	typeBuf := []byte{byte(wire.JobGetConf), 0, 0, 0}
	require.NoError(t, client.WriteHeader(wire.Header{Type: wire.CmdJobType, Len: 4}))
	_, err := client.UC.Write(typeBuf)
	require.NoError(t, err)

	stepRH, _, err := client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, wire.RCDone, stepRH.RC)

	require.NoError(t, client.WriteHeader(wire.Header{Type: wire.CmdJobType, Len: 4}))
	_, err = client.UC.Write(typeBuf)
	require.NoError(t, err)

	rh, text, err := client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, wire.RCFailed, rh.RC)
	assert.Equal(t, wire.BadRequest, text)

	<-done
}
