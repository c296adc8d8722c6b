// Package jobhandler implements the Job Handler of spec.md §4.3: the
// per-connection state machine that assembles a wire.Job one command
// record at a time and, on JOB_RUN, validates and dispatches it.
// Grounded on
// _examples/original_source/hasher-priv/{comm,job2str}.c and the
// Session Server's child-handling loop, session.c.
package jobhandler

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/altlinux/hasher-priv/internal/wire"
)

// MaxArgItems caps the number of NUL-separated strings accepted in a
// single ARGUMENTS or ENVIRON record, guarding against a hostile
// count claim inflating a small blob into a huge slice.
const MaxArgItems = 4096

// Dispatcher executes a fully assembled, validated Job and writes the
// wire response. Implemented by the Job Runner one layer up; kept as
// an interface here so jobhandler has no import-cycle on runner.
type Dispatcher interface {
	Run(job *wire.Job) (rc int32, text string, err error)
}

// Handle reads command records off conn until JOB_RUN (or an error),
// assembling a Job, then calls dispatch and writes its response. It
// returns once that response is written, or on a connection-level
// error (read failure, protocol violation, or the peer
// disconnecting); protocol violations already get BadRequest written
// to the peer before returning.
func Handle(conn *wire.Conn, log *logrus.Entry, dispatch Dispatcher) error {
	job := wire.NewJob()

	for {
		hdr, err := conn.ReadHeader()
		if err != nil {
			return err
		}

		if job.Received(hdr.Type) {
			return protoViolation(conn, log, fmt.Errorf("%w: duplicate command %s", wire.ErrProtocol, hdr.Type))
		}

		switch hdr.Type {
		case wire.CmdOpenSession:
			return protoViolation(conn, log, fmt.Errorf("%w: OPEN_SESSION not valid mid-job", wire.ErrProtocol))

		case wire.CmdJobType:
			if err := readJobType(conn, hdr, job); err != nil {
				return protoViolation(conn, log, err)
			}

			if err := conn.WriteResponse(wire.RCDone, ""); err != nil {
				return err
			}

		case wire.CmdJobChrootFD:
			if err := readChrootFD(conn, hdr, job); err != nil {
				return protoViolation(conn, log, err)
			}

			if err := conn.WriteResponse(wire.RCDone, ""); err != nil {
				return err
			}

		case wire.CmdJobFDs:
			if err := readStdFDs(conn, hdr, job); err != nil {
				return protoViolation(conn, log, err)
			}

			if err := conn.WriteResponse(wire.RCDone, ""); err != nil {
				return err
			}

		case wire.CmdJobArguments:
			items, err := readStrings(conn, hdr)
			if err != nil {
				return protoViolation(conn, log, err)
			}

			job.Argv = items
			job.Mark(hdr.Type)

			if err := conn.WriteResponse(wire.RCDone, ""); err != nil {
				return err
			}

		case wire.CmdJobEnviron:
			items, err := readStrings(conn, hdr)
			if err != nil {
				return protoViolation(conn, log, err)
			}

			job.Env = items
			job.Mark(hdr.Type)

			if err := conn.WriteResponse(wire.RCDone, ""); err != nil {
				return err
			}

		case wire.CmdJobPersonality:
			if _, err := conn.ReadPayload(hdr.Len); err != nil {
				return err
			}

			job.Mark(hdr.Type)

			if err := conn.WriteResponse(wire.RCDone, ""); err != nil {
				return err
			}

		case wire.CmdJobRun:
			if _, err := conn.ReadPayload(hdr.Len); err != nil {
				return err
			}

			job.Mark(hdr.Type)

			return runJob(conn, log, dispatch, job)

		default:
			return protoViolation(conn, log, fmt.Errorf("%w: unknown command %s", wire.ErrProtocol, hdr.Type))
		}
	}
}

func readJobType(conn *wire.Conn, hdr wire.Header, job *wire.Job) error {
	if hdr.Len != 4 {
		return fmt.Errorf("%w: JOB_TYPE must be 4 bytes", wire.ErrProtocol)
	}

	payload, err := conn.ReadPayload(hdr.Len)
	if err != nil {
		return err
	}

	job.Type = jobTypeFrom(payload)
	job.Mark(hdr.Type)

	return nil
}

func jobTypeFrom(payload []byte) wire.JobType {
	v := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24

	return wire.JobType(v)
}

func readChrootFD(conn *wire.Conn, hdr wire.Header, job *wire.Job) error {
	data, fds, err := conn.ReadFDs(int(hdr.Len), 1)
	if err != nil {
		return err
	}

	_ = data

	job.ChrootFD = fds[0]
	job.Mark(hdr.Type)

	return nil
}

func readStdFDs(conn *wire.Conn, hdr wire.Header, job *wire.Job) error {
	data, fds, err := conn.ReadFDs(int(hdr.Len), 3)
	if err != nil {
		return err
	}

	_ = data

	job.StdFDs = [3]int{fds[0], fds[1], fds[2]}
	job.Mark(hdr.Type)

	return nil
}

// readStrings parses a NUL-separated blob into a string slice, per
// spec.md §3's ARGUMENTS/ENVIRON encoding, enforcing MaxArgsSize and
// MaxArgItems before allocating.
func readStrings(conn *wire.Conn, hdr wire.Header) ([]string, error) {
	if hdr.Len > wire.MaxArgsSize {
		return nil, fmt.Errorf("%w: blob of %d bytes exceeds MAX_ARGS_SIZE", wire.ErrProtocol, hdr.Len)
	}

	payload, err := conn.ReadPayload(hdr.Len)
	if err != nil {
		return nil, err
	}

	var items []string

	start := 0

	for i, b := range payload {
		if b == 0 {
			items = append(items, string(payload[start:i]))
			start = i + 1

			if len(items) > MaxArgItems {
				return nil, fmt.Errorf("%w: too many items in blob", wire.ErrProtocol)
			}
		}
	}

	return items, nil
}

func runJob(conn *wire.Conn, log *logrus.Entry, dispatch Dispatcher, job *wire.Job) error {
	if err := job.Validate(); err != nil {
		return protoViolation(conn, log, err)
	}

	rc, text, err := dispatch.Run(job)
	if err != nil {
		log.WithError(err).Warn("job failed")

		if rc == wire.RCDone {
			rc = wire.RCFailed
		}
	}

	return conn.WriteResponse(rc, text)
}

func protoViolation(conn *wire.Conn, log *logrus.Entry, err error) error {
	log.WithError(err).Debug("protocol violation")

	if writeErr := conn.WriteResponse(wire.RCFailed, wire.BadRequest); writeErr != nil {
		return writeErr
	}

	if errors.Is(err, wire.ErrProtocol) {
		return err
	}

	return err
}
