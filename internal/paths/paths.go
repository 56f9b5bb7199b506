// Package paths defines the on-disk layout of the agent's data root and
// creates the directories on first use. Every other package resolves its
// files through a Layout rather than hardcoding paths.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRoot is the host-shared application data root used by the
// installed service. Tests and debug runs override it.
const DefaultRoot = "/var/lib/cms-agent"

// Layout resolves well-known files and directories under the data root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at dir, falling back to DefaultRoot when
// dir is empty.
func New(dir string) Layout {
	if dir == "" {
		dir = DefaultRoot
	}
	return Layout{Root: dir}
}

// Ensure creates the full directory tree with owner-only permissions.
func (l Layout) Ensure() error {
	for _, d := range []string{
		l.RuntimeConfigDir(),
		l.LogDir(),
		l.DownloadDir(),
		l.ExtractedDir(),
		l.BackupDir(),
		l.ErrorReportDir(),
		l.OfflineQueueDir(),
	} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func (l Layout) RuntimeConfigDir() string { return filepath.Join(l.Root, "runtime_config") }
func (l Layout) LogDir() string           { return filepath.Join(l.Root, "logs") }
func (l Layout) DownloadDir() string      { return filepath.Join(l.Root, "updates", "download") }
func (l Layout) ExtractedDir() string     { return filepath.Join(l.Root, "updates", "extracted") }
func (l Layout) BackupDir() string        { return filepath.Join(l.Root, "updates", "backup") }
func (l Layout) ErrorReportDir() string   { return filepath.Join(l.Root, "error_reports") }
func (l Layout) OfflineQueueDir() string  { return filepath.Join(l.Root, "offline_queue") }

// IdentityFile is the runtime identity record, written atomically by the
// config store.
func (l Layout) IdentityFile() string {
	return filepath.Join(l.RuntimeConfigDir(), "identity")
}

// KeySaltFile holds the per-install random salt mixed into the vault key.
func (l Layout) KeySaltFile() string {
	return filepath.Join(l.RuntimeConfigDir(), ".keysalt")
}

// LastVersionFile records the agent version that last ran, used to detect
// a completed update on startup.
func (l Layout) LastVersionFile() string {
	return filepath.Join(l.RuntimeConfigDir(), "last_version")
}

// RollbackMarkerFile is left behind by the updater when a watchdog
// rollback restored the previous install.
func (l Layout) RollbackMarkerFile() string {
	return filepath.Join(l.RuntimeConfigDir(), "rollback_marker")
}

// LockFile is the host-wide single-instance lock.
func (l Layout) LockFile() string {
	return filepath.Join(l.Root, "agent.lock")
}

// QueueDBFile is the BoltDB database backing the offline queues.
func (l Layout) QueueDBFile() string {
	return filepath.Join(l.OfflineQueueDir(), "queues.db")
}

// ExtractedVersionDir is the staging directory for one extracted package.
func (l Layout) ExtractedVersionDir(version string) string {
	return filepath.Join(l.ExtractedDir(), version)
}

// BackupVersionDir is the backup location for one previous install.
func (l Layout) BackupVersionDir(version string) string {
	return filepath.Join(l.BackupDir(), version)
}
