package config

// rlimitNames is the list of per-resource rlimit names recognized in
// rlimit_hard_<name> / rlimit_soft_<name> config keys. spec.md §1
// explicitly places "the list of per-resource rlimit names" out of
// scope as an external collaborator; this table is the minimal stand-in
// for that collaborator, named after golang.org/x/sys/unix's
// RLIMIT_* constants the way the original's change_rlimit[] table
// names them.
var rlimitNames = map[string]int{
	"cpu":        unixRlimitCPU,
	"fsize":      unixRlimitFsize,
	"data":       unixRlimitData,
	"stack":      unixRlimitStack,
	"core":       unixRlimitCore,
	"rss":        unixRlimitRSS,
	"nproc":      unixRlimitNproc,
	"nofile":     unixRlimitNofile,
	"memlock":    unixRlimitMemlock,
	"as":         unixRlimitAS,
	"locks":      unixRlimitLocks,
	"sigpending": unixRlimitSigpending,
	"msgqueue":   unixRlimitMsgqueue,
	"nice":       unixRlimitNice,
	"rtprio":     unixRlimitRtprio,
}
