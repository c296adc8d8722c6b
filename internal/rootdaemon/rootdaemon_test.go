package rootdaemon

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenCreatesGroupRestrictedSocket(t *testing.T) {
	sockPath := t.TempDir() + "/rootdaemon-test.sock"

	l, err := Listen(sockPath, uint32(os.Getgid()))
	require.NoError(t, err)
	defer l.Close()

	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o660), info.Mode().Perm())
}

func TestListenRemovesStaleSocket(t *testing.T) {
	sockPath := t.TempDir() + "/rootdaemon-test.sock"

	l1, err := Listen(sockPath, uint32(os.Getgid()))
	require.NoError(t, err)
	l1.Close()

	l2, err := Listen(sockPath, uint32(os.Getgid()))
	require.NoError(t, err)
	defer l2.Close()
}
