// Package service adapts the agent to systemd: unit install and
// control over D-Bus, and the supervisor host that translates service
// manager signals into context cancellation.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/cmsuite/cms-agent/internal/logging"
)

// UnitName is the agent's systemd unit.
const UnitName = "cms-agent.service"

const unitDir = "/etc/systemd/system"

const unitTemplate = `[Unit]
Description=CMS host management agent
Documentation=https://github.com/cmsuite/cms-agent
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
ExecStart=%s run
Restart=on-failure
RestartSec=5
TimeoutStopSec=30
%s
[Install]
WantedBy=multi-user.target
`

// Limits are optional unit-level resource bounds, rendered as CPUQuota
// and MemoryMax. Zero means no bound.
type Limits struct {
	CPUPct int
	RAMMB  int
}

func (l Limits) unitLines() string {
	var b strings.Builder
	if l.CPUPct > 0 {
		fmt.Fprintf(&b, "CPUQuota=%d%%\n", l.CPUPct)
	}
	if l.RAMMB > 0 {
		fmt.Fprintf(&b, "MemoryMax=%dM\n", l.RAMMB)
	}
	return b.String()
}

// Manager drives the agent unit through systemd's D-Bus API. Each
// operation opens its own connection; unit control is rare enough that
// holding one open buys nothing.
type Manager struct {
	unit string
	log  *logging.Logger
}

// NewManager returns a manager for the agent unit.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{unit: UnitName, log: log}
}

func (m *Manager) connect(ctx context.Context) (*sddbus.Conn, error) {
	conn, err := sddbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return conn, nil
}

// Install writes the unit file for execPath, reloads systemd, and
// enables the unit.
func (m *Manager) Install(ctx context.Context, execPath string, lim Limits) error {
	unitPath := filepath.Join(unitDir, m.unit)
	content := fmt.Sprintf(unitTemplate, execPath, lim.unitLines())
	if err := os.WriteFile(unitPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unitPath}, false, true); err != nil {
		return fmt.Errorf("enable unit: %w", err)
	}
	m.log.Info("service installed", "unit", m.unit, "exec", execPath)
	return nil
}

// Start starts the unit and waits for the job to finish.
func (m *Manager) Start(ctx context.Context) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return m.waitJob(ctx, "start", func(done chan<- string) (int, error) {
		return conn.StartUnitContext(ctx, m.unit, "replace", done)
	})
}

// Stop stops the unit and waits for the job to finish.
func (m *Manager) Stop(ctx context.Context) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return m.waitJob(ctx, "stop", func(done chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, m.unit, "replace", done)
	})
}

// Restart restarts the unit and waits for the job to finish.
func (m *Manager) Restart(ctx context.Context) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return m.waitJob(ctx, "restart", func(done chan<- string) (int, error) {
		return conn.RestartUnitContext(ctx, m.unit, "replace", done)
	})
}

// Uninstall stops and disables the unit and removes the unit file.
func (m *Manager) Uninstall(ctx context.Context) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Stop failure is not fatal; the unit may already be down.
	if err := m.waitJob(ctx, "stop", func(done chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, m.unit, "replace", done)
	}); err != nil {
		m.log.Warn("stop before uninstall failed", "error", err)
	}

	if _, err := conn.DisableUnitFilesContext(ctx, []string{m.unit}, false); err != nil {
		return fmt.Errorf("disable unit: %w", err)
	}
	unitPath := filepath.Join(unitDir, m.unit)
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	m.log.Info("service uninstalled", "unit", m.unit)
	return nil
}

// ActiveState returns the unit's ActiveState property, e.g. "active",
// "failed", "activating".
func (m *Manager) ActiveState(ctx context.Context) (string, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	prop, err := conn.GetUnitPropertyContext(ctx, m.unit, "ActiveState")
	if err != nil {
		return "", fmt.Errorf("read unit state: %w", err)
	}
	state, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected ActiveState type %T", prop.Value.Value())
	}
	return state, nil
}

// Installed reports whether the unit file exists.
func (m *Manager) Installed() bool {
	_, err := os.Stat(filepath.Join(unitDir, m.unit))
	return err == nil
}

func (m *Manager) waitJob(ctx context.Context, op string, submit func(chan<- string) (int, error)) error {
	done := make(chan string, 1)
	if _, err := submit(done); err != nil {
		return fmt.Errorf("%s unit: %w", op, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("%s unit: job result %q", op, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s unit: %w", op, ctx.Err())
	}
}
