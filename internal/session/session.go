// Package session implements the Session Server of spec.md §4.2: a
// per-caller-uid process, re-exec'd by the Root Daemon under
// reexec.RoleSessionServer, that listens on a private socket, accepts
// one connection per job, re-validates the peer's (uid, gid) on every
// accept, and retires itself after an idle timeout with no
// connections. Grounded on
// _examples/original_source/hasher-priv/session.c.
package session

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/altlinux/hasher-priv/internal/config"
	"github.com/altlinux/hasher-priv/internal/fstab"
	"github.com/altlinux/hasher-priv/internal/jobhandler"
	"github.com/altlinux/hasher-priv/internal/reexec"
	"github.com/altlinux/hasher-priv/internal/runner"
	"github.com/altlinux/hasher-priv/internal/ucred"
	"github.com/altlinux/hasher-priv/internal/wire"
)

func init() {
	reexec.Register(reexec.RoleSessionServer, Main)
}

// Config is the JSON payload the Root Daemon sends a Session Server
// down fd 3, per the internal/reexec convention.
type Config struct {
	SocketPath string

	Caller config.CallerIdentity

	CfgDir        string
	MinUID        uint32
	MinGID        uint32
	User1Name     string
	User2Name     string
	IdleTimeout   time.Duration
	FstabOverride []fstab.Entry
	LogLevel      string
}

// Main is the reexec.Func registered for reexec.RoleSessionServer.
func Main(_ []string) {
	var cfg Config
	if err := reexec.ReadConfig(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "session: reading config:", err)
		os.Exit(1)
	}

	log := logrus.WithField("component", "session").WithField("caller_uid", cfg.Caller.UID)

	if err := Run(cfg, log); err != nil {
		log.WithError(err).Error("session server exiting")
		os.Exit(1)
	}
}

// Run drives the per-uid socket accept loop until idle timeout.
func Run(cfg Config, log *logrus.Entry) error {
	_ = os.Remove(cfg.SocketPath)

	l, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("session: listen %s: %w", cfg.SocketPath, err)
	}
	defer l.Close()
	defer os.Remove(cfg.SocketPath)

	if err := os.Chmod(cfg.SocketPath, 0o600); err != nil {
		return fmt.Errorf("session: chmod %s: %w", cfg.SocketPath, err)
	}

	user1, user2, err := config.ResolveTargetPair(cfg.User1Name, cfg.User2Name, &cfg.Caller, cfg.MinUID, cfg.MinGID)
	if err != nil {
		return err
	}

	conns := make(chan net.Conn)

	go acceptLoop(l, conns, log)

	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case conn, ok := <-conns:
			if !ok {
				return nil
			}

			if !idle.Stop() {
				<-idle.C
			}

			handleConn(cfg, conn, user1, user2, log)

			idle.Reset(cfg.IdleTimeout)

		case <-idle.C:
			log.Debug("idle timeout, exiting")

			return nil
		}
	}
}

func acceptLoop(l net.Listener, out chan<- net.Conn, log *logrus.Entry) {
	defer close(out)

	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}

		out <- conn
	}
}

// handleConn re-validates the peer's (uid, gid) against the session's
// owning caller (spec.md §4.2: "every accepted connection is
// re-checked against SO_PEERCRED; a mismatch is fatal to that
// connection, not the session"), then runs the Job Handler/Runner.
func handleConn(cfg Config, conn net.Conn, user1, user2 *config.TargetUser, log *logrus.Entry) {
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}

	peer, err := ucred.Get(uc)
	if err != nil {
		log.WithError(err).Warn("SO_PEERCRED failed")

		return
	}

	if peer.UID != cfg.Caller.UID || peer.GID != cfg.Caller.GID {
		log.Warn("peer credential mismatch, dropping connection")

		return
	}

	// request_id gives each job its own correlation id in the logs,
	// the same way canonical-lxd tags each oidc/migrate exchange with
	// a fresh uuid rather than relying on connection order.
	jobLog := log.WithField("request_id", uuid.New().String())

	r := &runner.Runner{
		Log:      jobLog,
		CfgDir:   cfg.CfgDir,
		Caller:   &cfg.Caller,
		User1:    user1,
		User2:    user2,
		FstabCfg: cfg.FstabOverride,
	}

	wconn := &wire.Conn{UC: uc}

	if err := jobhandler.Handle(wconn, jobLog, r); err != nil {
		jobLog.WithError(err).Debug("connection ended")
	}
}
