// Command hasher-privd is the Root Daemon entry point of spec.md
// §4.1, plus the hidden re-exec roles of SPEC_FULL.md §10.1
// (Session Server, Executor) dispatched before cobra ever sees argv.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/altlinux/hasher-priv/internal/config"
	"github.com/altlinux/hasher-priv/internal/fstab"
	"github.com/altlinux/hasher-priv/internal/logging"
	"github.com/altlinux/hasher-priv/internal/pidutil"
	"github.com/altlinux/hasher-priv/internal/reexec"
	"github.com/altlinux/hasher-priv/internal/rootdaemon"

	// Blank imports for their side effect: each package's init()
	// registers its re-exec role, so its Main is reachable from
	// reexec.Dispatch.
	_ "github.com/altlinux/hasher-priv/internal/executor"
	_ "github.com/altlinux/hasher-priv/internal/session"
)

var (
	cfgDir     = "/etc/hasher-priv"
	daemonConf = "/etc/hasher-priv/daemon.conf"
	runDir     = "/run/hasher-priv"
	socketName = "hasher-priv.socket"
	user1Name  = "hasher"
	user2Name  = "girar-builder"
	foreground bool
)

func main() {
	// Every re-exec role is dispatched before cobra parses anything;
	// Dispatch never returns when argv[1] names a registered role.
	reexec.Dispatch()

	root := &cobra.Command{
		Use:          "hasher-privd",
		Short:        "hasher-priv Root Daemon",
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	root.PersistentFlags().StringVar(&cfgDir, "config-dir", cfgDir, "caller configuration directory")
	root.PersistentFlags().StringVar(&daemonConf, "daemon-conf", daemonConf, "path to daemon.conf")
	root.PersistentFlags().StringVar(&runDir, "run-dir", runDir, "runtime directory for sockets and pidfile")
	root.PersistentFlags().BoolVar(&foreground, "foreground", false, "do not daemonize")

	root.AddCommand(dumpConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hasher-privd:", err)
		os.Exit(1)
	}
}

func runDaemon(_ *cobra.Command, _ []string) error {
	dcfg, err := config.LoadDaemonConfig(daemonConf)
	if err != nil {
		return err
	}

	log := logging.Setup(dcfg.LogLevel, !foreground, "rootdaemon")

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}

	pf, err := pidutil.Write(dcfg.Pidfile)
	if err != nil {
		return err
	}
	defer pf.Remove()

	fstabEntries, err := fstab.Load(cfgDir + "/fstab")
	if err != nil {
		return err
	}

	d := &rootdaemon.Daemon{
		Log:       log,
		SocketPath: runDir + "/" + socketName,
		RunDir:    runDir,
		CfgDir:    cfgDir,
		Daemon:    dcfg,
		Fstab:     fstabEntries,
		User1Name: user1Name,
		User2Name: user2Name,
	}

	l, err := rootdaemon.Listen(d.SocketPath, dcfg.AccessGID)
	if err != nil {
		return err
	}
	defer l.Close()

	log.WithField("socket", d.SocketPath).Info("hasher-privd listening")

	return d.Serve(l)
}

func dumpConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-config",
		Short: "print the effective daemon configuration as YAML",
		RunE: func(_ *cobra.Command, _ []string) error {
			dcfg, err := config.LoadDaemonConfig(daemonConf)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(dcfg)
			if err != nil {
				return err
			}

			_, err = os.Stdout.Write(out)

			return err
		},
	}
}
