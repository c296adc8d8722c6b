package cgroupjoin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinWritesPid(t *testing.T) {
	root := t.TempDir()

	sub := filepath.Join(root, "user.slice", "user-1000.slice")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	procs := filepath.Join(sub, "cgroup.procs")
	require.NoError(t, os.WriteFile(procs, nil, 0o644))

	orig := cgroupRootForTest
	defer func() { cgroupRootForTest = orig }()
	cgroupRootForTest = root

	require.NoError(t, joinAt(root, "user.slice/user-1000.slice", 4242))

	got, err := os.ReadFile(procs)
	require.NoError(t, err)
	assert.Equal(t, "4242", string(got))
}
