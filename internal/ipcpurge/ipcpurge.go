// Package ipcpurge destroys SysV IPC objects (semaphores,
// shared-memory segments, message queues) owned by a given uid, the
// purge step of spec.md §4.4's killuid job, grounded on
// _examples/original_source/hasher-priv/ipc.c.
package ipcpurge

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Purge destroys every semaphore array, shared-memory segment, and
// message queue in /proc/sysvipc/{sem,shm,msg} owned by uid.
func Purge(uid uint32) error {
	var firstErr error

	for _, kind := range []string{"sem", "shm", "msg"} {
		ids, err := ownedIDs(kind, uid)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		for _, id := range ids {
			if err := destroy(kind, id); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// ownedIDs enumerates kernel IPC identifiers owned by uid by reading
// /proc/sysvipc/<kind>, whose second column is the id; the owner
// "uid" column sits at a different position in each file, so it is
// located by name in the header line.
func ownedIDs(kind string, uid uint32) ([]int, error) {
	f, err := os.Open("/proc/sysvipc/" + kind)
	if err != nil {
		return nil, fmt.Errorf("open /proc/sysvipc/%s: %w", kind, err)
	}
	defer f.Close()

	var ids []int

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line

	uidCol := -1

	for i, name := range strings.Fields(scanner.Text()) {
		if name == "uid" {
			uidCol = i

			break
		}
	}

	if uidCol < 0 {
		return nil, fmt.Errorf("/proc/sysvipc/%s: no uid column in header", kind)
	}

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) <= uidCol {
			continue
		}

		id, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}

		ownerUID, err := strconv.ParseUint(fields[uidCol], 10, 32)
		if err != nil {
			continue
		}

		if uint32(ownerUID) == uid {
			ids = append(ids, id)
		}
	}

	return ids, scanner.Err()
}

// destroy issues IPC_RMID for one identifier via the raw semctl(2) /
// shmctl(2) / msgctl(2) syscalls, which golang.org/x/sys/unix does
// not wrap directly.
func destroy(kind string, id int) error {
	var sysno uintptr

	switch kind {
	case "sem":
		sysno = unix.SYS_SEMCTL
	case "shm":
		sysno = unix.SYS_SHMCTL
	case "msg":
		sysno = unix.SYS_MSGCTL
	default:
		return fmt.Errorf("unknown ipc kind %q", kind)
	}

	_, _, errno := unix.Syscall(sysno, uintptr(id), uintptr(unix.IPC_RMID), 0)
	if errno != 0 && errno != unix.EINVAL {
		return fmt.Errorf("%sctl(%d, IPC_RMID): %w", kind, id, errno)
	}

	return nil
}
