// Command cms-agent is the host-resident CMS agent. It runs as a
// systemd service (the hidden run command) and offers an operator CLI
// for enrollment and service control.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/paths"
	"github.com/cmsuite/cms-agent/internal/service"
)

var version = "dev"

// CLI exit codes.
const (
	exitOK                = 0
	exitGeneral           = 1
	exitNotRoot           = 2
	exitUserCancelled     = 3
	exitServerUnreachable = 4
	exitConfigSave        = 5
	exitServiceOp         = 6
	exitNotInstalled      = 7
	exitInvalidArgs       = 8
)

// exitError carries a CLI exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	dataRoot  string
	configDir string
	env       string
}

func main() {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "cms-agent",
		Short:         "CMS host agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.dataRoot, "data-root", paths.DefaultRoot, "agent data directory")
	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "directory holding appsettings.yaml (default: next to the binary)")
	root.PersistentFlags().StringVar(&flags.env, "env", "", "settings overlay name (appsettings.<env>.yaml)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: exitInvalidArgs, err: err}
	})

	root.AddCommand(
		newConfigureCmd(&flags),
		newStartCmd(&flags),
		newStopCmd(&flags),
		newUninstallCmd(&flags),
		newDebugCmd(&flags),
		newRunCmd(&flags),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cms-agent: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitGeneral)
	}
}

func newConfigureCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Enroll this host with the control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigure(cmd.Context(), flags)
		},
	}
}

func newStartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Install and start the systemd service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRoot(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			mgr := service.NewManager(logging.NewConsole(slog.LevelWarn))
			if !mgr.Installed() {
				exe, err := os.Executable()
				if err != nil {
					return exitErr(exitServiceOp, "locate executable: %v", err)
				}
				if err := mgr.Install(ctx, exe, resourceLimits(flags)); err != nil {
					return exitErr(exitServiceOp, "install service: %v", err)
				}
			}
			if err := mgr.Start(ctx); err != nil {
				return exitErr(exitServiceOp, "start service: %v", err)
			}
			fmt.Println("cms-agent service started")
			return nil
		},
	}
}

func newStopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the systemd service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRoot(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			mgr := service.NewManager(logging.NewConsole(slog.LevelWarn))
			if !mgr.Installed() {
				return exitErr(exitNotInstalled, "service is not installed")
			}
			if err := mgr.Stop(ctx); err != nil {
				return exitErr(exitServiceOp, "stop service: %v", err)
			}
			fmt.Println("cms-agent service stopped")
			return nil
		},
	}
}

func newUninstallCmd(flags *globalFlags) *cobra.Command {
	var removeData bool
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the systemd service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRoot(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			mgr := service.NewManager(logging.NewConsole(slog.LevelWarn))
			if !mgr.Installed() {
				return exitErr(exitNotInstalled, "service is not installed")
			}
			if err := mgr.Uninstall(ctx); err != nil {
				return exitErr(exitServiceOp, "uninstall service: %v", err)
			}
			if removeData {
				if err := os.RemoveAll(flags.dataRoot); err != nil {
					return exitErr(exitGeneral, "remove data root: %v", err)
				}
				fmt.Printf("removed %s\n", flags.dataRoot)
			}
			fmt.Println("cms-agent service uninstalled")
			return nil
		},
	}
	cmd.Flags().BoolVar(&removeData, "remove-data", false, "also delete the agent data directory")
	return cmd
}

func newDebugCmd(flags *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Run the agent in the foreground with console logging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.NewConsole(slog.LevelDebug)
			return runAgent(cmd.Context(), flags, log, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9459", "localhost Prometheus listen address")
	return cmd
}

// newRunCmd is the systemd service entry. Hidden from operators.
func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			layout := paths.New(flags.dataRoot)
			if err := layout.Ensure(); err != nil {
				return exitErr(exitGeneral, "prepare data root: %v", err)
			}
			log := logging.NewFile(layout.LogDir(), "agent.log", slog.LevelInfo)
			defer log.Close()
			return runAgent(cmd.Context(), flags, log, "")
		},
	}
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return exitErr(exitNotRoot, "this command requires root privileges")
	}
	return nil
}
