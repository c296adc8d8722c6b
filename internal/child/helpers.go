package child

import (
	"os"
	"os/exec"
	"os/signal"

	"golang.org/x/sys/unix"
)

func exec_LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// signalResetDefault restores sig's disposition to SIG_DFL. Go's
// runtime installs SIG_IGN for a few signals (notably SIGPIPE) which
// survives exec unless explicitly reset, per spec.md §4.8.
func signalResetDefault(sig os.Signal) {
	signal.Reset(sig)
}

// shuffleAffinity drops CPU 0 from the child's affinity mask when
// more than one CPU is available, spreading jobs off the boot CPU
// under concurrent load, per spec.md §4.8.
func shuffleAffinity() {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return
	}

	if set.Count() <= 1 || !set.IsSet(0) {
		return
	}

	set.Clear(0)
	_ = unix.SchedSetaffinity(0, &set)
}

// sigaddset sets sig's bit in a kernel sigset_t, matching the
// standard (sig-1)/64, (sig-1)%64 layout golang.org/x/sys/unix uses
// for Sigset_t.Val on linux/amd64.
func sigaddset(set *unix.Sigset_t, sig int) {
	set.Val[(sig-1)/64] |= 1 << uint((sig-1)%64)
}
