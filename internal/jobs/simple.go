package jobs

import (
	"fmt"
	"path/filepath"
)

// GetConf implements spec.md §4.4's getconf job: print the
// caller-config path.
func GetConf(cfgDir, callerUser string, subconfig int) string {
	if subconfig == 0 {
		return filepath.Join(cfgDir, "user.d", callerUser)
	}

	return filepath.Join(cfgDir, "user.d", fmt.Sprintf("%s:%d", callerUser, subconfig))
}

// GetUGID implements spec.md §4.4's getugid{1,2} job: print
// "<uid>:<gid>\n" for the selected target.
func GetUGID(uid, gid uint32) string {
	return fmt.Sprintf("%d:%d\n", uid, gid)
}
