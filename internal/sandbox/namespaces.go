package sandbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// nsAllowList is the set of namespaces spec.md §4.4 step 3 permits
// the Executor to *enter* (via setns) when they differ from its own;
// any other differing namespace is fatal.
var nsAllowList = map[string]bool{
	"mnt": true,
	"ipc": true,
	"uts": true,
	"net": true,
}

// EnterCallerNamespaces implements spec.md §4.4 step 3 ("Namespace
// entry"): open /proc/<callerPid> (must be owned by callerUID), then
// for each symlink in /proc/self/ns compare device+inode against the
// matching link under the caller's ns directory. Namespaces that
// differ and are in nsAllowList are entered via setns; namespaces
// that differ and are not in the allow-list are a fatal error (§8
// scenario 6: "<name> namespace mismatch").
func EnterCallerNamespaces(callerPID int32, callerUID uint32) error {
	procDir := fmt.Sprintf("/proc/%d", callerPID)

	var st unix.Stat_t
	if err := unix.Stat(procDir, &st); err != nil {
		return fmt.Errorf("stat %s: %w", procDir, err)
	}

	if st.Uid != callerUID {
		return fmt.Errorf("%s: not owned by caller uid %d", procDir, callerUID)
	}

	callerNsDir := procDir + "/ns"

	entries, err := os.ReadDir("/proc/self/ns")
	if err != nil {
		return fmt.Errorf("readdir /proc/self/ns: %w", err)
	}

	for _, ent := range entries {
		name := ent.Name()

		var selfSt, callerSt unix.Stat_t
		if err := unix.Stat("/proc/self/ns/"+name, &selfSt); err != nil {
			return fmt.Errorf("stat /proc/self/ns/%s: %w", name, err)
		}

		if err := unix.Stat(callerNsDir+"/"+name, &callerSt); err != nil {
			return fmt.Errorf("stat %s/%s: %w", callerNsDir, name, err)
		}

		if selfSt.Dev == callerSt.Dev && selfSt.Ino == callerSt.Ino {
			// Same namespace already; nothing to do.
			continue
		}

		if !nsAllowList[name] {
			return fmt.Errorf("%s namespace mismatch", name)
		}

		fd, err := unix.Open(callerNsDir+"/"+name, unix.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("open %s/%s: %w", callerNsDir, name, err)
		}

		err = unix.Setns(fd, 0)
		unix.Close(fd)

		if err != nil {
			return fmt.Errorf("setns(%s): %w", name, err)
		}
	}

	return nil
}
