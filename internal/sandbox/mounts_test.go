package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyMountpointsSplitsDevicesFromMountpoints(t *testing.T) {
	allowedDevices := []string{"/dev/null", "/dev/zero"}
	allowedMountpoints := []string{"/usr/src", "/var/cache"}

	devices, mountpoints, err := ClassifyMountpoints(
		[]string{"/dev/null", "/usr/src", "/dev", "/dev/shm"},
		allowedDevices,
		allowedMountpoints,
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/null"}, devices)
	assert.Equal(t, []string{"/usr/src"}, mountpoints)
}

func TestClassifyMountpointsDeduplicatesRequests(t *testing.T) {
	devices, _, err := ClassifyMountpoints(
		[]string{"/dev/null", "/dev/null"},
		[]string{"/dev/null"},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/null"}, devices)
}

func TestClassifyMountpointsRejectsUnlistedEntry(t *testing.T) {
	_, _, err := ClassifyMountpoints([]string{"/srv/unlisted"}, nil, nil)
	require.Error(t, err)
}

func TestClassifyMountpointsRejectsRelativePath(t *testing.T) {
	_, _, err := ClassifyMountpoints([]string{"srv/unlisted"}, nil, []string{"srv/unlisted"})
	require.Error(t, err)
}

func TestClassifyMountpointsRejectsDoubleSlash(t *testing.T) {
	_, _, err := ClassifyMountpoints([]string{"/srv//unlisted"}, nil, []string{"/srv//unlisted"})
	require.Error(t, err)
}

func TestClassifyMountpointsRejectsEntryInBothLists(t *testing.T) {
	_, _, err := ClassifyMountpoints([]string{"/srv/x"}, []string{"/srv/x"}, []string{"/srv/x"})
	require.Error(t, err)
}

func TestClassifyMountpointsRejectsDeviceEntryOutsideDev(t *testing.T) {
	_, _, err := ClassifyMountpoints([]string{"/srv/fake-dev"}, []string{"/srv/fake-dev"}, nil)
	require.Error(t, err)
}
