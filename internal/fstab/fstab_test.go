package fstab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPrefersOverrideThenFallsBackToDefault(t *testing.T) {
	override := []Entry{{Source: "tmpfs", Dir: "/dev", Type: "tmpfs", Options: "mode=700"}}

	e, ok := Lookup(override, "/dev")
	require.True(t, ok)
	assert.Equal(t, "mode=700", e.Options)

	e, ok = Lookup(override, "/proc")
	require.True(t, ok)
	assert.Equal(t, "proc", e.Type)

	_, ok = Lookup(override, "/nonexistent")
	assert.False(t, ok)
}

func TestParseOptionsAppliesFixedTable(t *testing.T) {
	flags, data, err := ParseOptions("ro,nosuid,nodev,noexec,gid=0")
	require.NoError(t, err)
	assert.Equal(t, "gid=0", data)
	assert.NotZero(t, flags)
}

func TestParseOptionsResolvesNamedGroup(t *testing.T) {
	_, data, err := ParseOptions("gid=root")
	require.NoError(t, err)
	assert.Equal(t, "gid=0", data)
}

func TestParseOptionsLeavesNumericGidAlone(t *testing.T) {
	_, data, err := ParseOptions("gid=1234")
	require.NoError(t, err)
	assert.Equal(t, "gid=1234", data)
}
