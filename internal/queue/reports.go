package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cmsuite/cms-agent/internal/clock"
	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/metrics"
	"github.com/cmsuite/cms-agent/internal/protocol"
)

// Timestamp prefix keeps lexical order equal to chronological order.
const reportNameFormat = "20060102T150405.000000000"

// ReportDir stores error reports as one JSON file each. Reports stay
// out of the queue database so a broken database can still be
// reported.
type ReportDir struct {
	dir string
	clk clock.Clock
	log *logging.Logger
}

// NewReportDir ensures the directory exists and returns the store.
func NewReportDir(dir string, clk clock.Clock, log *logging.Logger) (*ReportDir, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &ReportDir{dir: dir, clk: clk, log: log}, nil
}

// Add persists one report.
func (r *ReportDir) Add(report protocol.ErrorReport) error {
	if report.Timestamp.IsZero() {
		report.Timestamp = r.clk.Now().UTC()
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal error report: %w", err)
	}

	name := report.Timestamp.UTC().Format(reportNameFormat) + "-" + uuid.NewString() + ".json"
	tmp, err := os.CreateTemp(r.dir, ".report-*")
	if err != nil {
		return fmt.Errorf("write error report: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write error report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write error report: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(r.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store error report: %w", err)
	}
	return nil
}

// Drain sends stored reports oldest first, deleting each after a
// successful send. The first failure aborts. Files that no longer
// parse are dropped with a log line.
func (r *ReportDir) Drain(ctx context.Context, send func(protocol.ErrorReport) error) (int, error) {
	names, err := r.list()
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		path := filepath.Join(r.dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return sent, fmt.Errorf("read error report: %w", err)
		}
		var report protocol.ErrorReport
		if err := json.Unmarshal(data, &report); err != nil {
			r.log.Warn("dropping unreadable error report", "file", name, "error", err)
			os.Remove(path)
			continue
		}

		if err := send(report); err != nil {
			return sent, fmt.Errorf("drain error reports: %w", err)
		}
		if err := os.Remove(path); err != nil {
			return sent, fmt.Errorf("remove sent report: %w", err)
		}
		sent++
	}
	return sent, nil
}

// Expire removes reports beyond the count limit or older than maxAge,
// oldest first. Zero limits mean unlimited.
func (r *ReportDir) Expire(now time.Time, maxCount int, maxAge time.Duration) error {
	names, err := r.list()
	if err != nil {
		return err
	}

	evict := func(name string) {
		if err := os.Remove(filepath.Join(r.dir, name)); err == nil {
			metrics.OfflineEvictions.WithLabelValues("error_reports", "expire").Inc()
			r.log.Warn("expired error report", "file", name)
		}
	}

	if maxAge > 0 {
		cutoff := now.Add(-maxAge).UTC().Format(reportNameFormat)
		kept := names[:0]
		for _, name := range names {
			if name < cutoff {
				evict(name)
				continue
			}
			kept = append(kept, name)
		}
		names = kept
	}

	if maxCount > 0 && len(names) > maxCount {
		for _, name := range names[:len(names)-maxCount] {
			evict(name)
		}
	}
	return nil
}

// Len reports how many reports are stored.
func (r *ReportDir) Len() (int, error) {
	names, err := r.list()
	return len(names), err
}

func (r *ReportDir) list() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list error reports: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
