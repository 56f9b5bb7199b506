package update

import (
	"fmt"
	"os"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Newer reports whether candidate is a strictly newer release than
// current. Unparseable versions are never "newer"; a bad descriptor
// must not trigger an update.
func Newer(current, candidate string) bool {
	cur, err := goversion.NewVersion(current)
	if err != nil {
		return false
	}
	cand, err := goversion.NewVersion(candidate)
	if err != nil {
		return false
	}
	return cand.GreaterThan(cur)
}

// ReadLastRunVersion returns the version recorded by the previous run,
// or "" when none was recorded.
func ReadLastRunVersion(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// WriteLastRunVersion records the running version so the next start can
// tell whether an update completed in between.
func WriteLastRunVersion(path, version string) error {
	if err := os.WriteFile(path, []byte(version+"\n"), 0o600); err != nil {
		return fmt.Errorf("write last-run version: %w", err)
	}
	return nil
}

// ConsumeRollbackMarker reads and removes the marker the updater leaves
// behind after a watchdog rollback. It returns the version that failed
// to hold, or "" when no rollback happened.
func ConsumeRollbackMarker(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	os.Remove(path)
	return strings.TrimSpace(string(data))
}

// WriteRollbackMarker records a rolled-back version for the restarted
// old agent to report.
func WriteRollbackMarker(path, version string) error {
	if err := os.WriteFile(path, []byte(version+"\n"), 0o600); err != nil {
		return fmt.Errorf("write rollback marker: %w", err)
	}
	return nil
}
