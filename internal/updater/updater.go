// Package updater performs the install swap after the agent has
// stopped: back up, deploy, start, watch, and either clean up or roll
// back. It runs as its own process; every terminal path maps to a
// distinct exit code so the control plane can tell outcomes apart from
// service logs alone.
package updater

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cmsuite/cms-agent/internal/clock"
	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/paths"
	"github.com/cmsuite/cms-agent/internal/update"
)

// Exit codes. Stable; the control plane parses them out of unit logs.
const (
	ExitSuccess            = 0
	ExitBackupFailed       = 11
	ExitDeployFailed       = 12
	ExitServiceStartFailed = 13
	ExitRollbackFailed     = 14
	ExitInvalidArgs        = 15
	ExitAgentStopTimeout   = 16
	ExitWatchdogRollback   = 17
	ExitGeneral            = 99
)

// Phase names the updater's position in its linear state machine.
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseBackingUp   Phase = "backing_up"
	PhaseDeploying   Phase = "deploying"
	PhaseStarting    Phase = "starting"
	PhaseWatching    Phase = "watching"
	PhaseCleaningUp  Phase = "cleaning_up"
	PhaseRollingBack Phase = "rolling_back"
)

// Params are the launch arguments handed over by the old agent.
type Params struct {
	AgentPID        int
	NewAgentPath    string
	InstallDir      string
	LogDir          string
	PreviousVersion string
}

// Validate rejects parameter sets the swap cannot run with.
func (p Params) Validate() error {
	switch {
	case p.AgentPID <= 0:
		return fmt.Errorf("invalid agent pid %d", p.AgentPID)
	case p.NewAgentPath == "":
		return fmt.Errorf("new-agent-path is required")
	case p.InstallDir == "":
		return fmt.Errorf("install-dir is required")
	case p.PreviousVersion == "":
		return fmt.Errorf("previous-version is required")
	}
	return nil
}

// ProcessWaiter waits for the old agent to exit.
type ProcessWaiter interface {
	WaitExit(ctx context.Context, pid int) error
}

// ServiceController starts the agent unit and reports its state.
type ServiceController interface {
	Start(ctx context.Context) error
	ActiveState(ctx context.Context) (string, error)
}

// Config assembles an updater run.
type Config struct {
	Params  Params
	Layout  paths.Layout
	Process ProcessWaiter
	Service ServiceController
	Clock   clock.Clock
	Log     *logging.Logger

	AgentStopTimeout time.Duration
	WatchdogWindow   time.Duration
	WatchdogInterval time.Duration
	CrashThreshold   int
}

// Updater executes one swap.
type Updater struct {
	cfg   Config
	phase Phase
}

// New applies defaults and returns the updater.
func New(cfg Config) *Updater {
	if cfg.AgentStopTimeout == 0 {
		cfg.AgentStopTimeout = 30 * time.Second
	}
	if cfg.WatchdogWindow == 0 {
		cfg.WatchdogWindow = 90 * time.Second
	}
	if cfg.WatchdogInterval == 0 {
		cfg.WatchdogInterval = 2 * time.Second
	}
	if cfg.CrashThreshold == 0 {
		cfg.CrashThreshold = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Updater{cfg: cfg}
}

// Phase reports where the run currently is; read by tests and logs.
func (u *Updater) Phase() Phase { return u.phase }

func (u *Updater) enter(p Phase) {
	u.phase = p
	u.cfg.Log.Info("phase", "phase", p)
}

// Run executes the swap and returns the process exit code.
func (u *Updater) Run(ctx context.Context) int {
	if err := u.cfg.Params.Validate(); err != nil {
		u.cfg.Log.Error("invalid parameters", "error", err)
		return ExitInvalidArgs
	}
	log := u.cfg.Log

	u.enter(PhaseWaiting)
	waitCtx, cancel := context.WithTimeout(ctx, u.cfg.AgentStopTimeout)
	err := u.cfg.Process.WaitExit(waitCtx, u.cfg.Params.AgentPID)
	cancel()
	if err != nil {
		log.Error("old agent did not stop", "pid", u.cfg.Params.AgentPID, "error", err)
		return ExitAgentStopTimeout
	}

	backupDir := u.cfg.Layout.BackupVersionDir(u.cfg.Params.PreviousVersion)

	u.enter(PhaseBackingUp)
	if err := backupInstall(u.cfg.Params.InstallDir, backupDir); err != nil {
		// Nothing was touched; the old install keeps running on next boot.
		log.Error("backup failed", "error", err)
		return ExitBackupFailed
	}

	u.enter(PhaseDeploying)
	if err := deploy(u.cfg.Params.NewAgentPath, u.cfg.Params.InstallDir); err != nil {
		log.Error("deploy failed", "error", err)
		return u.rollback(ctx, backupDir, false, ExitDeployFailed)
	}

	u.enter(PhaseStarting)
	if err := u.cfg.Service.Start(ctx); err != nil {
		log.Error("new service failed to start", "error", err)
		return u.rollback(ctx, backupDir, true, ExitServiceStartFailed)
	}

	u.enter(PhaseWatching)
	if crashed := u.watch(ctx); crashed {
		log.Error("new service is crash looping, rolling back")
		if err := update.WriteRollbackMarker(u.cfg.Layout.RollbackMarkerFile(), versionOf(u.cfg.Params.NewAgentPath)); err != nil {
			log.Warn("rollback marker not written", "error", err)
		}
		return u.rollback(ctx, backupDir, true, ExitWatchdogRollback)
	}

	u.enter(PhaseCleaningUp)
	u.cleanup(backupDir)
	log.Info("update complete")
	return ExitSuccess
}

// watch observes the freshly started unit for the watchdog window and
// reports whether it crashed at least CrashThreshold times. Transitions
// into "failed" are counted edge-triggered so one long outage is one
// crash, not many.
func (u *Updater) watch(ctx context.Context) bool {
	deadline := u.cfg.Clock.Now().Add(u.cfg.WatchdogWindow)
	crashes := 0
	prevFailed := false

	for u.cfg.Clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-u.cfg.Clock.After(u.cfg.WatchdogInterval):
		}

		state, err := u.cfg.Service.ActiveState(ctx)
		if err != nil {
			u.cfg.Log.Warn("unit state probe failed", "error", err)
			continue
		}
		failed := state == "failed"
		if failed && !prevFailed {
			crashes++
			u.cfg.Log.Warn("new service crashed", "count", crashes)
			if crashes >= u.cfg.CrashThreshold {
				return true
			}
		}
		prevFailed = failed
	}
	return false
}

// rollback restores the backup and, when restart is set, starts the old
// service again. A rollback that itself fails outranks the original
// failure code.
func (u *Updater) rollback(ctx context.Context, backupDir string, restart bool, failureCode int) int {
	u.enter(PhaseRollingBack)

	if err := restoreInstall(backupDir, u.cfg.Params.InstallDir); err != nil {
		u.cfg.Log.Error("rollback failed, install dir is in an unknown state", "error", err)
		return ExitRollbackFailed
	}
	if restart {
		if err := u.cfg.Service.Start(ctx); err != nil {
			u.cfg.Log.Error("old service did not restart after rollback", "error", err)
			return ExitRollbackFailed
		}
	}
	u.cfg.Log.Info("rollback complete", "exit_code", failureCode)
	return failureCode
}

// cleanup removes the backup and all staging artifacts. Best-effort;
// leftovers cost disk, not correctness.
func (u *Updater) cleanup(backupDir string) {
	if err := os.RemoveAll(backupDir); err != nil {
		u.cfg.Log.Warn("cleanup failed", "dir", backupDir, "error", err)
	}
	for _, dir := range []string{u.cfg.Layout.DownloadDir(), u.cfg.Layout.ExtractedDir()} {
		if err := removeContents(dir); err != nil {
			u.cfg.Log.Warn("cleanup failed", "dir", dir, "error", err)
		}
	}
}
