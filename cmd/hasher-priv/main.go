// Command hasher-priv is the unprivileged client of spec.md §4.9's
// external interface: it connects to the Root Daemon's well-known
// socket, opens a session, then speaks the Job Handler's wire
// protocol for one of getconf/killuid/getugid{1,2}/chrootuid{1,2}.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/altlinux/hasher-priv/internal/wire"
)

var (
	socketPath = "/run/hasher-priv/hasher-priv.socket"
	subconfig  int
)

func main() {
	root := &cobra.Command{
		Use:          "hasher-priv",
		Short:        "hasher-priv client",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&socketPath, "socket", socketPath, "Root Daemon socket path")
	root.PersistentFlags().IntVarP(&subconfig, "subconfig", "N", 0, "caller subconfig number")

	root.AddCommand(
		simpleJobCmd("getconf", wire.JobGetConf),
		simpleJobCmd("killuid", wire.JobKillUID),
		simpleJobCmd("getugid1", wire.JobGetUGID1),
		simpleJobCmd("getugid2", wire.JobGetUGID2),
		chrootuidCmd("chrootuid1", wire.JobChrootUID1),
		chrootuidCmd("chrootuid2", wire.JobChrootUID2),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hasher-priv:", err)
		os.Exit(1)
	}
}

func simpleJobCmd(name string, jobType wire.JobType) *cobra.Command {
	return &cobra.Command{
		Use: name,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runJob(jobType, nil, nil, -1)
		},
	}
}

func chrootuidCmd(name string, jobType wire.JobType) *cobra.Command {
	return &cobra.Command{
		Use:  name + " <chroot-path> <prog> [args...]",
		Args: cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			chrootPath := args[0]
			argv := args[1:]

			fd, err := openChrootFD(chrootPath)
			if err != nil {
				return err
			}
			defer unix.Close(fd)

			return runJob(jobType, argv, os.Environ(), fd)
		},
	}
}

// openChrootFD opens path with a raw fd rather than an *os.File, so
// nothing finalizes (and closes) it out from under us before it is
// sent to the daemon as ancillary data.
func openChrootFD(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return -1, fmt.Errorf("opening chroot path %s: %w", path, err)
	}

	return fd, nil
}

// runJob opens a session with the Root Daemon, connects to the
// returned Session Server socket, and drives the job's wire exchange
// to completion. When the response is not DONE it prints the text to
// stderr and exits with status 1; the exit status of the program run
// by a chrootuid job is not carried back to this process.
func runJob(jobType wire.JobType, argv, env []string, chrootFD int) error {
	sessConn, err := openSession()
	if err != nil {
		return err
	}
	defer sessConn.Close()

	conn := &wire.Conn{UC: sessConn}

	if err := sendJob(conn, jobType, argv, env, chrootFD); err != nil {
		return err
	}

	rh, text, err := conn.ReadResponse()
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if text != "" {
		if rh.RC == wire.RCDone {
			fmt.Print(text)
		} else {
			fmt.Fprint(os.Stderr, text)
		}
	}

	if rh.RC != wire.RCDone {
		os.Exit(1)
	}

	return nil
}

// openSession dials the well-known socket, sends OPEN_SESSION, and
// dials the Session Server path it returns.
func openSession() (*net.UnixConn, error) {
	rootConn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer rootConn.Close()

	uc := rootConn.(*net.UnixConn)
	conn := &wire.Conn{UC: uc}

	payload := make([]byte, 4)
	payload[0] = byte(subconfig)
	payload[1] = byte(subconfig >> 8)
	payload[2] = byte(subconfig >> 16)
	payload[3] = byte(subconfig >> 24)

	if err := conn.WriteHeader(wire.Header{Type: wire.CmdOpenSession, Len: uint32(len(payload))}); err != nil {
		return nil, err
	}

	if _, err := uc.Write(payload); err != nil {
		return nil, err
	}

	rh, text, err := conn.ReadResponse()
	if err != nil {
		return nil, fmt.Errorf("reading OPEN_SESSION response: %w", err)
	}

	if rh.RC != wire.RCDone {
		return nil, fmt.Errorf("session rejected: %s", text)
	}

	sessConn, err := net.Dial("unix", text)
	if err != nil {
		return nil, fmt.Errorf("connecting to session socket %s: %w", text, err)
	}

	return sessConn.(*net.UnixConn), nil
}

func sendJob(conn *wire.Conn, jobType wire.JobType, argv, env []string, chrootFD int) error {
	typeBuf := []byte{byte(jobType), byte(jobType >> 8), byte(jobType >> 16), byte(jobType >> 24)}
	if err := writeRecord(conn, wire.CmdJobType, typeBuf); err != nil {
		return err
	}

	if err := awaitStepDone(conn); err != nil {
		return err
	}

	if chrootFD >= 0 {
		if err := conn.WriteHeader(wire.Header{Type: wire.CmdJobChrootFD, Len: 1}); err != nil {
			return err
		}

		if err := conn.WriteFDs([]byte{0}, []int{chrootFD}); err != nil {
			return err
		}

		if err := awaitStepDone(conn); err != nil {
			return err
		}

		if err := conn.WriteHeader(wire.Header{Type: wire.CmdJobFDs, Len: 1}); err != nil {
			return err
		}

		if err := conn.WriteFDs([]byte{0}, []int{0, 1, 2}); err != nil {
			return err
		}

		if err := awaitStepDone(conn); err != nil {
			return err
		}
	}

	if len(argv) > 0 {
		blob := joinNUL(argv)
		if err := writeRecord(conn, wire.CmdJobArguments, blob); err != nil {
			return err
		}

		if err := awaitStepDone(conn); err != nil {
			return err
		}
	}

	if len(env) > 0 {
		blob := joinNUL(env)
		if err := writeRecord(conn, wire.CmdJobEnviron, blob); err != nil {
			return err
		}

		if err := awaitStepDone(conn); err != nil {
			return err
		}
	}

	return conn.WriteHeader(wire.Header{Type: wire.CmdJobRun, Len: 0})
}

// awaitStepDone reads the per-step DONE record the Job Handler sends
// after every successful non-RUN command (spec.md §4.3/§5/§8), so the
// client's writes stay in lockstep with the server's reads.
func awaitStepDone(conn *wire.Conn) error {
	rh, text, err := conn.ReadResponse()
	if err != nil {
		return fmt.Errorf("reading step response: %w", err)
	}

	if rh.RC != wire.RCDone {
		return fmt.Errorf("job step rejected: %s", text)
	}

	return nil
}

func writeRecord(conn *wire.Conn, cmd wire.Command, payload []byte) error {
	if err := conn.WriteHeader(wire.Header{Type: cmd, Len: uint32(len(payload))}); err != nil {
		return err
	}

	if len(payload) == 0 {
		return nil
	}

	_, err := conn.UC.Write(payload)

	return err
}

func joinNUL(items []string) []byte {
	var out []byte

	for _, s := range items {
		out = append(out, []byte(s)...)
		out = append(out, 0)
	}

	return out
}
