// Command cms-updater swaps an installed cms-agent for a staged newer
// version. The agent launches it detached, then exits; the updater
// waits for that exit, performs the swap through systemd, watches the
// new version, and rolls back when it fails to hold.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cmsuite/cms-agent/internal/clock"
	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/paths"
	"github.com/cmsuite/cms-agent/internal/service"
	"github.com/cmsuite/cms-agent/internal/updater"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		pid          = flag.Int("pid", 0, "PID of the agent that launched this updater")
		newAgentPath = flag.String("new-agent-path", "", "staged directory holding the new version")
		installDir   = flag.String("install-dir", "", "current agent install directory")
		logDir       = flag.String("log-dir", "", "updater log directory")
		prevVersion  = flag.String("previous-version", "", "version being replaced")
		dataRoot     = flag.String("data-root", paths.DefaultRoot, "agent data directory")
	)
	flag.Parse()

	params := updater.Params{
		AgentPID:        *pid,
		NewAgentPath:    *newAgentPath,
		InstallDir:      *installDir,
		LogDir:          *logDir,
		PreviousVersion: *prevVersion,
	}
	if err := params.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "cms-updater: %v\n", err)
		flag.Usage()
		return updater.ExitInvalidArgs
	}

	if err := os.MkdirAll(params.LogDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "cms-updater: create log dir: %v\n", err)
		return updater.ExitGeneral
	}
	log := logging.NewFile(params.LogDir, "updater.log", slog.LevelInfo)
	defer log.Close()

	log.Info("cms-updater starting",
		"version", version,
		"agent_pid", params.AgentPID,
		"staged", params.NewAgentPath,
		"install_dir", params.InstallDir,
		"previous_version", params.PreviousVersion)

	u := updater.New(updater.Config{
		Params:  params,
		Layout:  paths.New(*dataRoot),
		Process: updater.PIDWaiter{Interval: time.Second},
		Service: service.NewManager(log),
		Clock:   clock.Real{},
		Log:     log,
	})

	code := u.Run(context.Background())
	log.Info("cms-updater finished", "exit_code", code, "phase", u.Phase())
	return code
}
