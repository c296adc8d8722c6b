package session

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/altlinux/hasher-priv/internal/config"
)

func TestRunExitsAfterIdleTimeoutWithNoConnections(t *testing.T) {
	sockPath := t.TempDir() + "/session-test.sock"

	cfg := Config{
		SocketPath:  sockPath,
		Caller:      config.CallerIdentity{UID: 12345, GID: 12345},
		IdleTimeout: 50 * time.Millisecond,
		User1Name:   "root",
		User2Name:   "nobody",
	}

	log := logrus.NewEntry(logrus.New())

	done := make(chan error, 1)

	go func() {
		done <- Run(cfg, log)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after idle timeout")
	}
}
