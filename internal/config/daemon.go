package config

import (
	"fmt"
	"os/user"
	"strconv"
	"time"
)

// DaemonConfig is the parsed form of /etc/hasher-priv/daemon.conf,
// per spec.md §6.
type DaemonConfig struct {
	AccessGroup    string
	SessionTimeout time.Duration
	Pidfile        string
	LogLevel       string
	MinUID         uint32
	MinGID         uint32

	// AccessGID is resolved from AccessGroup at load time, per
	// spec.md §4.1 ("resolves access_group to a gid").
	AccessGID uint32
}

// DefaultDaemonConfig mirrors the defaults the Root Daemon falls back
// to when daemon.conf omits a key.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		AccessGroup:    "hashman",
		SessionTimeout: 60 * time.Second,
		Pidfile:        "/run/hasher-priv/hasher-privd.pid",
		LogLevel:       "notice",
		MinUID:         MinChangeUID,
		MinGID:         MinChangeGID,
	}
}

// LoadDaemonConfig reads and validates daemon.conf, per spec.md §4.1
// and §6. The file must be root-owned per §6.
func LoadDaemonConfig(path string) (DaemonConfig, error) {
	if err := checkRootOwned(path); err != nil {
		return DaemonConfig{}, err
	}

	raw, err := readOptFile(path)
	if err != nil {
		return DaemonConfig{}, err
	}

	cfg := DefaultDaemonConfig()

	if v, ok := raw["access_group"]; ok {
		cfg.AccessGroup = v
	}

	if v, ok := raw["session_timeout"]; ok {
		secs, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return DaemonConfig{}, fmt.Errorf("daemon.conf: bad session_timeout %q: %w", v, err)
		}

		cfg.SessionTimeout = time.Duration(secs) * time.Second
	}

	if v, ok := raw["pidfile"]; ok {
		cfg.Pidfile = v
	}

	if v, ok := raw["loglevel"]; ok {
		switch v {
		case "debug", "info", "notice", "warning", "error":
			cfg.LogLevel = v
		default:
			return DaemonConfig{}, fmt.Errorf("daemon.conf: bad loglevel %q", v)
		}
	}

	if v, ok := raw["min_uid"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return DaemonConfig{}, fmt.Errorf("daemon.conf: bad min_uid %q: %w", v, err)
		}

		cfg.MinUID = uint32(n)
	}

	if v, ok := raw["min_gid"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return DaemonConfig{}, fmt.Errorf("daemon.conf: bad min_gid %q: %w", v, err)
		}

		cfg.MinGID = uint32(n)
	}

	grp, err := user.LookupGroup(cfg.AccessGroup)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("daemon.conf: resolving access_group %q: %w", cfg.AccessGroup, err)
	}

	gid, err := strconv.ParseUint(grp.Gid, 10, 32)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("daemon.conf: bad gid for group %q: %w", cfg.AccessGroup, err)
	}

	cfg.AccessGID = uint32(gid)

	return cfg, nil
}

// MinChangeUID and MinChangeGID are the defaults for the "uid ≥
// MIN_CHANGE_UID" / "gid ≥ MIN_CHANGE_GID" invariants of spec.md §3,
// overridable by daemon.conf's min_uid/min_gid.
const (
	MinChangeUID = 500
	MinChangeGID = 500
)
