// Package wire implements the framed socket protocol of spec.md §3
// and §6: command headers, response records, and the Job record they
// assemble into. It is deliberately transport-agnostic — callers hand
// it a *net.UnixConn and it deals with header/payload/ancillary-data
// framing.
package wire

import "fmt"

// Command is a single command-kind code, one bit of the mask bitset
// described in spec.md §3 ("Job record") and §6 ("Wire protocol").
type Command uint32

// Command kinds, in the bitset order named by spec.md §6.
const (
	CmdOpenSession Command = 1 << iota
	CmdJobType
	CmdJobFDs
	CmdJobArguments
	CmdJobEnviron
	CmdJobChrootFD
	CmdJobPersonality
	CmdJobRun
)

func (c Command) String() string {
	switch c {
	case CmdOpenSession:
		return "OPEN_SESSION"
	case CmdJobType:
		return "JOB_TYPE"
	case CmdJobFDs:
		return "JOB_FDS"
	case CmdJobArguments:
		return "JOB_ARGUMENTS"
	case CmdJobEnviron:
		return "JOB_ENVIRON"
	case CmdJobChrootFD:
		return "JOB_CHROOT_FD"
	case CmdJobPersonality:
		return "JOB_PERSONALITY"
	case CmdJobRun:
		return "JOB_RUN"
	default:
		return fmt.Sprintf("Command(%#x)", uint32(c))
	}
}

// Header is the (type, len) record that precedes every command's
// payload, per spec.md §3 ("Wire records").
type Header struct {
	Type Command
	Len  uint32
}

// JobType enumerates the six job kinds of spec.md §3.
type JobType uint32

const (
	JobGetConf JobType = iota
	JobKillUID
	JobGetUGID1
	JobGetUGID2
	JobChrootUID1
	JobChrootUID2
)

func (j JobType) String() string {
	switch j {
	case JobGetConf:
		return "getconf"
	case JobKillUID:
		return "killuid"
	case JobGetUGID1:
		return "getugid1"
	case JobGetUGID2:
		return "getugid2"
	case JobChrootUID1:
		return "chrootuid1"
	case JobChrootUID2:
		return "chrootuid2"
	default:
		return fmt.Sprintf("JobType(%d)", uint32(j))
	}
}

// IsChrootuid reports whether j is one of the two chrootuid variants,
// which is what drives the CHROOT_FD/ARGUMENTS requirement of spec.md
// §3's Job record invariants.
func (j JobType) IsChrootuid() bool {
	return j == JobChrootUID1 || j == JobChrootUID2
}

// Response status codes, per spec.md §6: 0 = DONE, negative = FAILED.
const (
	RCDone   int32 = 0
	RCFailed int32 = -1
)

// ResponseHeader is the (rc, len) record of spec.md §3.
type ResponseHeader struct {
	RC  int32
	Len uint32
}

// NoFD is the sentinel value for an unset descriptor field of a Job,
// per spec.md §3's invariant "fd fields start as sentinel none".
const NoFD = -1

// Job is the record assembled by the Job Handler, field-by-field,
// from one or more wire commands, per spec.md §3 and §4.3.
type Job struct {
	Type JobType
	Mask Command

	ChrootFD int
	StdFDs   [3]int

	Argv []string
	Env  []string
}

// NewJob returns a Job with its fd fields at the "none" sentinel, as
// required by the §3 invariant.
func NewJob() *Job {
	return &Job{
		ChrootFD: NoFD,
		StdFDs:   [3]int{NoFD, NoFD, NoFD},
	}
}

// String renders a short debug form, grounded on the original
// implementation's job2str.c (see SPEC_FULL.md §12); used only in log
// lines, never on the wire.
func (j *Job) String() string {
	return fmt.Sprintf("Job{type=%s mask=%#x argv=%d env=%d chroot_fd=%d}",
		j.Type, uint32(j.Mask), len(j.Argv), len(j.Env), j.ChrootFD)
}

// Received reports whether command kind c has already been applied to
// this job, which is exactly the "each kind may arrive at most once"
// invariant of spec.md §3 and the quantified property of §8.
func (j *Job) Received(c Command) bool {
	return j.Mask&c != 0
}

// Mark records that command kind c has been applied.
func (j *Job) Mark(c Command) {
	j.Mask |= c
}

// MaxArgsSize bounds the combined size of the ARGUMENTS and ENVIRON
// blobs, per spec.md §3's "must not exceed the configured upper
// bound" invariant and §8's boundary test
// "MAX_ARGS_SIZE+1 bytes ... rejected before allocation".
//
// 128 KiB mirrors the original implementation's conservative default,
// comfortably under a typical system ARG_MAX.
const MaxArgsSize = 128 * 1024

// Validate checks the §3 Job-record invariants once JOB_RUN is
// received: required commands for chrootuid types, argv count, and
// the combined ARGUMENTS+ENVIRON size against MaxArgsSize (each blob
// on its own is bounded at receive time in the protocol reader).
func (j *Job) Validate() error {
	if !j.Received(CmdJobType) {
		return fmt.Errorf("%w: missing job type", ErrProtocol)
	}

	size := 0

	for _, s := range append(append([]string(nil), j.Argv...), j.Env...) {
		size += len(s) + 1
	}

	if size > MaxArgsSize {
		return fmt.Errorf("%w: arguments and environment exceed %d bytes", ErrProtocol, MaxArgsSize)
	}

	if j.Type.IsChrootuid() {
		if !j.Received(CmdJobChrootFD) {
			return fmt.Errorf("%w: chrootuid requires CHROOT_FD", ErrProtocol)
		}

		if !j.Received(CmdJobArguments) {
			return fmt.Errorf("%w: chrootuid requires ARGUMENTS", ErrProtocol)
		}

		if len(j.Argv) < 1 {
			return fmt.Errorf("%w: chrootuid requires a non-empty argv", ErrProtocol)
		}
	} else if len(j.Argv) != 0 {
		return fmt.Errorf("%w: argv not allowed for %s", ErrProtocol, j.Type)
	}

	return nil
}
