// Package rootdaemon implements the Root Daemon of spec.md §4.1: the
// single long-lived root process listening on the well-known socket,
// group-restricted to access_group. Its only job is authenticating
// OPEN_SESSION requests via SO_PEERCRED and handing each caller uid
// off to a re-exec'd Session Server, returning that server's private
// socket path to the client. Grounded on
// _examples/original_source/hasher-priv/{main,session}.c.
package rootdaemon

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/altlinux/hasher-priv/internal/config"
	"github.com/altlinux/hasher-priv/internal/fstab"
	"github.com/altlinux/hasher-priv/internal/reexec"
	"github.com/altlinux/hasher-priv/internal/session"
	"github.com/altlinux/hasher-priv/internal/ucred"
	"github.com/altlinux/hasher-priv/internal/wire"
)

// Daemon is the Root Daemon's runtime state.
type Daemon struct {
	Log *logrus.Entry

	SocketPath string
	RunDir     string
	CfgDir     string

	Daemon config.DaemonConfig
	Fstab  []fstab.Entry

	User1Name, User2Name string

	mu       sync.Mutex
	sessions map[string]string // "uid:subconfig" -> socket path.
}

// Listen creates the well-known socket with access restricted to
// daemon.AccessGID, per spec.md §4.1 and §6.
func Listen(socketPath string, accessGID uint32) (net.Listener, error) {
	_ = os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("rootdaemon: listen %s: %w", socketPath, err)
	}

	if err := os.Chown(socketPath, 0, int(accessGID)); err != nil {
		l.Close()

		return nil, fmt.Errorf("rootdaemon: chown %s: %w", socketPath, err)
	}

	if err := os.Chmod(socketPath, 0o660); err != nil {
		l.Close()

		return nil, fmt.Errorf("rootdaemon: chmod %s: %w", socketPath, err)
	}

	return l, nil
}

// Serve accepts connections until l is closed, handling each
// OPEN_SESSION request synchronously (session creation is cheap; the
// expensive work happens in the Session Server it spawns).
func (d *Daemon) Serve(l net.Listener) error {
	d.sessions = map[string]string{}

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}

		d.handle(conn)
	}
}

func (d *Daemon) handle(conn net.Conn) {
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}

	peer, err := ucred.Get(uc)
	if err != nil {
		d.Log.WithError(err).Warn("SO_PEERCRED failed")

		return
	}

	wconn := &wire.Conn{UC: uc}

	hdr, err := wconn.ReadHeader()
	if err != nil {
		return
	}

	if hdr.Type != wire.CmdOpenSession {
		_ = wconn.WriteResponse(wire.RCFailed, wire.BadRequest)

		return
	}

	payload, err := wconn.ReadPayload(hdr.Len)
	if err != nil {
		return
	}

	subconfig := 0
	if len(payload) == 4 {
		subconfig = int(uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24)
	}

	caller, err := config.ResolveCaller(peer.UID, peer.GID, peer.PID, subconfig, d.Daemon.MinUID, d.Daemon.MinGID)
	if err != nil {
		d.Log.WithError(err).Debug("caller rejected")
		_ = wconn.WriteResponse(wire.RCFailed, err.Error())

		return
	}

	sockPath, err := d.sessionFor(caller)
	if err != nil {
		d.Log.WithError(err).Warn("failed to start session server")
		_ = wconn.WriteResponse(wire.RCFailed, err.Error())

		return
	}

	_ = wconn.WriteResponse(wire.RCDone, sockPath)
}

// sessionFor returns the Unix socket path of the running Session
// Server for caller, spawning one via reexec.RoleSessionServer if
// none is tracked yet.
func (d *Daemon) sessionFor(caller *config.CallerIdentity) (string, error) {
	key := fmt.Sprintf("%d:%d", caller.UID, caller.SubconfigN)

	d.mu.Lock()
	defer d.mu.Unlock()

	if path, ok := d.sessions[key]; ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}

		delete(d.sessions, key)
	}

	sockPath := fmt.Sprintf("%s/session-%s.sock", d.RunDir, key)

	cmd, err := reexec.Command(reexec.RoleSessionServer)
	if err != nil {
		return "", err
	}

	cfgR, cfgW, err := reexec.SendConfig(session.Config{
		SocketPath:    sockPath,
		Caller:        *caller,
		CfgDir:        d.CfgDir,
		MinUID:        d.Daemon.MinUID,
		MinGID:        d.Daemon.MinGID,
		User1Name:     d.User1Name,
		User2Name:     d.User2Name,
		IdleTimeout:   d.Daemon.SessionTimeout,
		FstabOverride: d.Fstab,
		LogLevel:      d.Daemon.LogLevel,
	})
	if err != nil {
		return "", err
	}
	defer cfgW.Close()

	cmd.ExtraFiles = []*os.File{cfgR}

	if err := cmd.Start(); err != nil {
		return "", err
	}

	cfgR.Close()

	d.sessions[key] = sockPath

	go d.reap(cmd, key)

	return sockPath, nil
}

func (d *Daemon) reap(cmd *exec.Cmd, key string) {
	_ = cmd.Wait()

	d.mu.Lock()
	delete(d.sessions, key)
	d.mu.Unlock()
}
