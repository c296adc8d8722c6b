package runner

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altlinux/hasher-priv/internal/config"
	"github.com/altlinux/hasher-priv/internal/wire"
)

func TestLookupEnvFindsValue(t *testing.T) {
	v, ok := lookupEnv([]string{"PATH=/bin", "DISPLAY=:1"}, "DISPLAY")
	require.True(t, ok)
	assert.Equal(t, ":1", v)
}

func TestLookupEnvMissingKey(t *testing.T) {
	_, ok := lookupEnv([]string{"PATH=/bin"}, "DISPLAY")
	assert.False(t, ok)
}

func TestLookupEnvRejectsBareKeyWithNoEquals(t *testing.T) {
	_, ok := lookupEnv([]string{"DISPLAY"}, "DISPLAY")
	assert.False(t, ok)
}

func newTestRunner() *Runner {
	return &Runner{
		Log:    logrus.NewEntry(logrus.New()),
		CfgDir: "/etc/hasher-priv",
		Caller: &config.CallerIdentity{UserName: "builder", SubconfigN: 0},
		User1:  &config.TargetUser{UID: 1000, GID: 1000},
		User2:  &config.TargetUser{UID: 1001, GID: 1001},
	}
}

func TestRunDispatchesGetConf(t *testing.T) {
	r := newTestRunner()

	rc, text, err := r.Run(&wire.Job{Type: wire.JobGetConf})
	require.NoError(t, err)
	assert.Equal(t, int32(wire.RCDone), rc)
	assert.Equal(t, "/etc/hasher-priv/user.d/builder\n", text)
}

func TestRunDispatchesGetUGID1(t *testing.T) {
	r := newTestRunner()

	rc, text, err := r.Run(&wire.Job{Type: wire.JobGetUGID1})
	require.NoError(t, err)
	assert.Equal(t, int32(wire.RCDone), rc)
	assert.Equal(t, "1000:1000\n", text)
}

func TestRunRejectsUnknownJobType(t *testing.T) {
	r := newTestRunner()

	rc, _, err := r.Run(&wire.Job{Type: wire.JobType(99)})
	require.Error(t, err)
	assert.Equal(t, int32(wire.RCFailed), rc)
}
