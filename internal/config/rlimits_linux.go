//go:build linux

package config

import "golang.org/x/sys/unix"

const (
	unixRlimitCPU        = unix.RLIMIT_CPU
	unixRlimitFsize      = unix.RLIMIT_FSIZE
	unixRlimitData       = unix.RLIMIT_DATA
	unixRlimitStack      = unix.RLIMIT_STACK
	unixRlimitCore       = unix.RLIMIT_CORE
	unixRlimitRSS        = unix.RLIMIT_RSS
	unixRlimitNproc      = unix.RLIMIT_NPROC
	unixRlimitNofile     = unix.RLIMIT_NOFILE
	unixRlimitMemlock    = unix.RLIMIT_MEMLOCK
	unixRlimitAS         = unix.RLIMIT_AS
	unixRlimitLocks      = unix.RLIMIT_LOCKS
	unixRlimitSigpending = unix.RLIMIT_SIGPENDING
	unixRlimitMsgqueue   = unix.RLIMIT_MSGQUEUE
	unixRlimitNice       = unix.RLIMIT_NICE
	unixRlimitRtprio     = unix.RLIMIT_RTPRIO
)
