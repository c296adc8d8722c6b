// Package logging configures the process-wide logrus logger the way
// lxd-user/main_daemon.go and lxd-export/core/logger do: a
// TextFormatter with full timestamps, a configurable level, and
// per-role fields so every privileged subprocess's lines are
// attributable. See spec.md §7 ("All fatal paths route through the
// logger ... a truncated message is better than no message").
package logging

import (
	"log/syslog"
	"os"

	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Setup configures the shared logrus logger and returns a
// role-scoped entry. level is one of debug/info/notice/warning/error
// (notice maps to logrus.InfoLevel, there being no logrus Notice
// level).
func Setup(level string, daemonized bool, role string) *logrus.Entry {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(parseLevel(level))

	if daemonized {
		hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON, "hasher-privd")
		if err == nil {
			logrus.AddHook(hook)
			logrus.SetOutput(discard{})
		} else {
			logrus.SetOutput(os.Stderr)
		}
	} else {
		logrus.SetOutput(os.Stderr)
	}

	return logrus.WithField("component", role)
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "info", "notice":
		return logrus.InfoLevel
	case "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
