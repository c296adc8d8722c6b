package sandbox

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lstatT(t *testing.T, path string) unix.Stat_t {
	t.Helper()

	var st unix.Stat_t
	require.NoError(t, unix.Lstat(path, &st))

	return st
}

func TestRootOKRejectsNonRootOwner(t *testing.T) {
	dir := t.TempDir()

	st := lstatT(t, dir)
	st.Uid = uint32(os.Getuid()) // t.TempDir() is owned by the test process, not root.

	err := RootOK(&st, dir)
	if os.Getuid() == 0 {
		assert.NoError(t, err)
	} else {
		assert.Error(t, err)
	}
}

func TestRootOKRejectsGroupWritable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o775))

	st := lstatT(t, dir)
	st.Uid = 0

	assert.Error(t, RootOK(&st, dir))
}

func TestCallerOKAcceptsMatchingOwnerAndGroup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o750))

	st := lstatT(t, dir)
	st.Uid = 1000
	st.Gid = 100

	assert.NoError(t, CallerOK(1000, 100)(&st, dir))
}

func TestCallerOKRejectsWrongOwner(t *testing.T) {
	dir := t.TempDir()

	st := lstatT(t, dir)
	st.Uid = 1000
	st.Gid = 100

	assert.Error(t, CallerOK(2000, 100)(&st, dir))
}

func TestCallerOKAllowsGroupWriteWhenSticky(t *testing.T) {
	dir := t.TempDir()

	st := lstatT(t, dir)
	st.Uid = 1000
	st.Gid = 100
	st.Mode |= unix.S_IWGRP | unix.S_ISVTX

	assert.NoError(t, CallerOK(1000, 100)(&st, dir))
}

func TestCallerOKRejectsGroupWriteWithoutSticky(t *testing.T) {
	dir := t.TempDir()

	st := lstatT(t, dir)
	st.Uid = 1000
	st.Gid = 100
	st.Mode |= unix.S_IWGRP
	st.Mode &^= unix.S_ISVTX

	assert.Error(t, CallerOK(1000, 100)(&st, dir))
}

func TestChangedDetectsOwnershipDrift(t *testing.T) {
	a := unix.Stat_t{Dev: 1, Ino: 2, Mode: 0o755, Uid: 1000, Gid: 100}
	b := a
	b.Uid = 1001

	assert.Equal(t, "ownership", changed(&a, &b))
}

func TestChangedReportsNoDriftWhenIdentical(t *testing.T) {
	a := unix.Stat_t{Dev: 1, Ino: 2, Mode: 0o755, Uid: 1000, Gid: 100}
	b := a

	assert.Equal(t, "", changed(&a, &b))
}
