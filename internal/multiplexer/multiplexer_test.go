package multiplexer

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altlinux/hasher-priv/internal/limits"
)

func TestRunStopsOnBytesWrittenLimit(t *testing.T) {
	var out bytes.Buffer

	cfg := Config{
		CallerStdout: &out,
		ChildStdout:  strings.NewReader(strings.Repeat("x", 4096)),
		Wlimits:      limits.Wlimits{BytesWritten: 10},
		Wait: func() (*os.ProcessState, error) {
			select {}
		},
	}

	res, err := Run(cfg)
	require.Error(t, err)
	assert.Equal(t, ExitBytesLimit, res.Reason)
}

func TestRunReturnsChildState(t *testing.T) {
	cfg := Config{
		Wait: func() (*os.ProcessState, error) {
			return nil, nil
		},
	}

	res, err := Run(cfg)
	require.NoError(t, err)
	assert.Equal(t, ExitChildDone, res.Reason)
}
