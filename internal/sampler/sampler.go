// Package sampler probes host utilisation and hardware through
// gopsutil. Probes are best-effort: a value that cannot be read becomes
// the -1 sentinel (or a zero value in the inventory) rather than a
// failed report.
package sampler

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/cmsuite/cms-agent/internal/clock"
	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/protocol"
)

// Unavailable marks a metric the probe could not read.
const Unavailable = -1

// Sampler reads utilisation for the status loop and the one-shot
// hardware inventory.
type Sampler struct {
	diskPath string
	clk      clock.Clock
	log      *logging.Logger
}

// New returns a sampler measuring disk usage at diskPath.
func New(diskPath string, clk clock.Clock, log *logging.Logger) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{diskPath: diskPath, clk: clk, log: log}
}

// Sample returns the current utilisation snapshot. CPU usage is
// measured since the previous call, so the first sample of a process
// reads low.
func (s *Sampler) Sample(ctx context.Context) protocol.StatusReport {
	report := protocol.StatusReport{
		CPUPct:  Unavailable,
		RAMPct:  Unavailable,
		DiskPct: Unavailable,
		Time:    s.clk.Now().UTC(),
	}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		report.CPUPct = pcts[0]
	} else if err != nil {
		s.log.Warn("cpu probe failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.RAMPct = vm.UsedPercent
	} else {
		s.log.Warn("memory probe failed", "error", err)
	}

	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		report.DiskPct = du.UsedPercent
	} else {
		s.log.Warn("disk probe failed", "path", s.diskPath, "error", err)
	}

	return report
}

// Inventory describes the host for the one-shot hardware submission.
// Fields the probes cannot fill stay at their zero values.
func (s *Sampler) Inventory(ctx context.Context) protocol.HardwareInventory {
	var inv protocol.HardwareInventory

	if info, err := host.InfoWithContext(ctx); err == nil {
		inv.OS = strings.TrimSpace(fmt.Sprintf("%s %s (%s)",
			info.Platform, info.PlatformVersion, info.KernelVersion))
	} else {
		s.log.Warn("host probe failed", "error", err)
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		inv.CPU = strings.TrimSpace(cpus[0].ModelName)
	} else if err != nil {
		s.log.Warn("cpu info probe failed", "error", err)
	}

	// No portable GPU probe; the field stays empty on hosts without one.

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		inv.TotalRAMBytes = vm.Total
	}
	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		inv.TotalDiskBytes = du.Total
	}

	return inv
}
