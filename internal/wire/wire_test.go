package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobMaskAtMostOnce(t *testing.T) {
	j := NewJob()
	assert.False(t, j.Received(CmdJobType))

	j.Mark(CmdJobType)
	assert.True(t, j.Received(CmdJobType))
}

func TestJobValidateChrootuidRequiresChrootFDAndArgs(t *testing.T) {
	j := NewJob()
	j.Type = JobChrootUID1
	j.Mark(CmdJobType)

	err := j.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))

	j.Mark(CmdJobChrootFD)
	err = j.Validate()
	require.Error(t, err)

	j.Mark(CmdJobArguments)
	j.Argv = []string{"/bin/true"}
	require.NoError(t, j.Validate())
}

func TestJobValidateNonChrootuidRejectsArgv(t *testing.T) {
	j := NewJob()
	j.Type = JobGetConf
	j.Mark(CmdJobType)
	j.Argv = []string{"oops"}

	err := j.Validate()
	require.Error(t, err)
}

func TestNewJobSentinels(t *testing.T) {
	j := NewJob()
	assert.Equal(t, NoFD, j.ChrootFD)

	for _, fd := range j.StdFDs {
		assert.Equal(t, NoFD, fd)
	}
}
