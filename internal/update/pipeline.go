// Package update stages a newer agent release and hands the install
// over to the out-of-process updater. The pipeline never swaps files
// itself; a package that fails checksum or extraction dies in staging
// and the running install is untouched.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/metrics"
	"github.com/cmsuite/cms-agent/internal/paths"
	"github.com/cmsuite/cms-agent/internal/protocol"
)

// UpdaterBinary is the updater's file name inside packages and the
// install directory.
const UpdaterBinary = "cms-updater"

// Downloader fetches the package bytes. Satisfied by the HTTP client.
type Downloader interface {
	DownloadPackage(ctx context.Context, rawURL, destPath string) error
}

// Emitter reports update_status progress to the control plane, live or
// queued.
type Emitter func(protocol.UpdateStatus)

// Launcher starts the updater as a detached process. Replaced in tests.
type Launcher func(path string, args []string) error

// Config wires a pipeline.
type Config struct {
	Downloader     Downloader
	Layout         paths.Layout
	InstallDir     string
	CurrentVersion string
	AgentPID       int
	Emit           Emitter
	Launch         Launcher
	Log            *logging.Logger
}

// Pipeline runs the staging sequence for one update descriptor.
type Pipeline struct {
	cfg Config
}

// New builds a pipeline. A nil Launch uses the real detached exec.
func New(cfg Config) *Pipeline {
	if cfg.Launch == nil {
		cfg.Launch = launchDetached
	}
	if cfg.AgentPID == 0 {
		cfg.AgentPID = os.Getpid()
	}
	return &Pipeline{cfg: cfg}
}

// Run downloads, verifies, extracts, and launches the updater. It
// returns true when the updater was launched and the agent must now
// shut down so the swap can proceed. On any failure it emits the
// matching update_failed status, cleans its staging artifacts, and
// returns false; the agent keeps running the current version.
func (p *Pipeline) Run(ctx context.Context, desc protocol.UpdateDescriptor) (bool, error) {
	log := p.cfg.Log.With("version", desc.Version)
	emit := p.cfg.Emit

	emit(protocol.UpdateStatus{Status: protocol.UpdateStarted, Version: desc.Version})
	log.Info("update started", "url", desc.DownloadURL)

	archive := filepath.Join(p.cfg.Layout.DownloadDir(), "cms-agent-"+desc.Version+".tar.gz")
	if err := p.cfg.Downloader.DownloadPackage(ctx, desc.DownloadURL, archive); err != nil {
		emit(protocol.UpdateStatus{Status: protocol.UpdateFailed, Reason: protocol.ReasonDownloadFailed, Version: desc.Version})
		metrics.UpdateOutcomes.WithLabelValues("download_failed").Inc()
		return false, fmt.Errorf("download package: %w", err)
	}

	if err := verifyChecksum(archive, desc.SHA256); err != nil {
		os.Remove(archive)
		emit(protocol.UpdateStatus{Status: protocol.UpdateFailed, Reason: protocol.ReasonChecksum, Version: desc.Version})
		metrics.UpdateOutcomes.WithLabelValues("checksum_mismatch").Inc()
		return false, err
	}
	emit(protocol.UpdateStatus{Status: protocol.UpdateDownloaded, Version: desc.Version})

	staging := p.cfg.Layout.ExtractedVersionDir(desc.Version)
	if err := extractTarGz(archive, staging); err != nil {
		os.Remove(archive)
		os.RemoveAll(staging)
		emit(protocol.UpdateStatus{Status: protocol.UpdateFailed, Reason: protocol.ReasonExtractFailed, Version: desc.Version})
		metrics.UpdateOutcomes.WithLabelValues("extract_failed").Inc()
		return false, fmt.Errorf("extract package: %w", err)
	}

	updater, err := p.selectUpdater(staging)
	if err != nil {
		emit(protocol.UpdateStatus{Status: protocol.UpdateFailed, Reason: protocol.ReasonExtractFailed, Version: desc.Version})
		metrics.UpdateOutcomes.WithLabelValues("no_updater").Inc()
		return false, err
	}

	args := []string{
		"--pid", strconv.Itoa(p.cfg.AgentPID),
		"--new-agent-path", staging,
		"--install-dir", p.cfg.InstallDir,
		"--log-dir", p.cfg.Layout.LogDir(),
		"--previous-version", p.cfg.CurrentVersion,
		"--data-root", p.cfg.Layout.Root,
	}
	if err := p.cfg.Launch(updater, args); err != nil {
		emit(protocol.UpdateStatus{Status: protocol.UpdateFailed, Reason: protocol.ReasonServiceStart, Version: desc.Version})
		metrics.UpdateOutcomes.WithLabelValues("launch_failed").Inc()
		return false, fmt.Errorf("launch updater: %w", err)
	}

	emit(protocol.UpdateStatus{Status: protocol.UpdaterLaunched, Version: desc.Version})
	metrics.UpdateOutcomes.WithLabelValues("updater_launched").Inc()
	log.Info("updater launched", "updater", updater)
	return true, nil
}

// selectUpdater prefers the updater shipped inside the new package so
// fixes to the updater itself take effect in the same release.
func (p *Pipeline) selectUpdater(staging string) (string, error) {
	packaged := filepath.Join(staging, UpdaterBinary)
	if isExecutable(packaged) {
		return packaged, nil
	}
	installed := filepath.Join(p.cfg.InstallDir, UpdaterBinary)
	if isExecutable(installed) {
		p.cfg.Log.Warn("package ships no updater, using installed one", "updater", installed)
		return installed, nil
	}
	return "", fmt.Errorf("no updater binary in %s or %s", staging, p.cfg.InstallDir)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o100 != 0
}

func verifyChecksum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash package: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
	}
	return nil
}

// launchDetached starts the updater in its own session so it survives
// this process's exit.
func launchDetached(path string, args []string) error {
	cmd := exec.Command(path, args...)
	cmd.Dir = filepath.Dir(path)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
