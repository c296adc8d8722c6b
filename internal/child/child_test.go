package child

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestExePathAbsoluteOrRelativePassesThrough(t *testing.T) {
	p, err := exePath("/bin/true")
	assert.NoError(t, err)
	assert.Equal(t, "/bin/true", p)

	p, err = exePath("./run.sh")
	assert.NoError(t, err)
	assert.Equal(t, "./run.sh", p)
}

func TestSigaddsetSetsExpectedBit(t *testing.T) {
	var set unix.Sigset_t
	sigaddset(&set, int(unix.SIGCHLD))
	assert.NotZero(t, set.Val[(unix.SIGCHLD-1)/64]&(1<<uint((unix.SIGCHLD-1)%64)))
}
