package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetConfNoSubconfig(t *testing.T) {
	assert.Equal(t, "/etc/hasher-priv/user.d/builder", GetConf("/etc/hasher-priv", "builder", 0))
}

func TestGetConfWithSubconfig(t *testing.T) {
	assert.Equal(t, "/etc/hasher-priv/user.d/builder:3", GetConf("/etc/hasher-priv", "builder", 3))
}

func TestGetUGID(t *testing.T) {
	assert.Equal(t, "1000:1000\n", GetUGID(1000, 1000))
}
