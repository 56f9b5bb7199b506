package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmsuite/cms-agent/internal/clock"
	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/protocol"
)

func newTestReportDir(t *testing.T, clk clock.Clock) *ReportDir {
	t.Helper()
	if clk == nil {
		clk = clock.Real{}
	}
	r, err := NewReportDir(filepath.Join(t.TempDir(), "error_reports"), clk, logging.Discard())
	if err != nil {
		t.Fatalf("NewReportDir: %v", err)
	}
	return r
}

func TestReportAddDrainOrder(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	r := newTestReportDir(t, clk)

	for _, msg := range []string{"first", "second", "third"} {
		err := r.Add(protocol.ErrorReport{Kind: protocol.ReportStatusFailed, Message: msg})
		if err != nil {
			t.Fatalf("Add(%s): %v", msg, err)
		}
		clk.Advance(time.Second)
	}

	var got []string
	sent, err := r.Drain(context.Background(), func(rep protocol.ErrorReport) error {
		got = append(got, rep.Message)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sent != 3 {
		t.Errorf("sent = %d, want 3", sent)
	}
	if len(got) != 3 || got[0] != "first" || got[2] != "third" {
		t.Errorf("drained order = %v", got)
	}

	if n, _ := r.Len(); n != 0 {
		t.Errorf("Len after drain = %d, want 0", n)
	}
}

func TestReportDrainAbortsOnFailure(t *testing.T) {
	r := newTestReportDir(t, nil)
	r.Add(protocol.ErrorReport{Message: "a"})
	r.Add(protocol.ErrorReport{Message: "b"})

	sendErr := errors.New("offline")
	sent, err := r.Drain(context.Background(), func(protocol.ErrorReport) error {
		return sendErr
	})
	if !errors.Is(err, sendErr) {
		t.Errorf("err = %v, want wrapped send error", err)
	}
	if sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
	if n, _ := r.Len(); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
}

func TestReportDropsUnparseableFile(t *testing.T) {
	r := newTestReportDir(t, nil)
	r.Add(protocol.ErrorReport{Message: "good"})

	bad := filepath.Join(r.dir, "00000000T000000.000000000-bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	var got []string
	sent, err := r.Drain(context.Background(), func(rep protocol.ErrorReport) error {
		got = append(got, rep.Message)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sent != 1 || len(got) != 1 || got[0] != "good" {
		t.Errorf("sent = %d, got = %v", sent, got)
	}
	if _, statErr := os.Stat(bad); !os.IsNotExist(statErr) {
		t.Error("unparseable file was not removed")
	}
}

func TestReportExpire(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	r := newTestReportDir(t, clk)

	r.Add(protocol.ErrorReport{Message: "old"})
	clk.Advance(2 * time.Hour)
	for _, msg := range []string{"a", "b", "c", "d"} {
		r.Add(protocol.ErrorReport{Message: msg})
		clk.Advance(time.Second)
	}

	// Age limit drops "old"; count limit of 3 then drops "a".
	if err := r.Expire(clk.Now(), 3, time.Hour); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	var got []string
	r.Drain(context.Background(), func(rep protocol.ErrorReport) error {
		got = append(got, rep.Message)
		return nil
	})
	if len(got) != 3 || got[0] != "b" || got[2] != "d" {
		t.Errorf("survivors = %v, want [b c d]", got)
	}
}

func TestReportSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "error_reports")
	r, err := NewReportDir(dir, clock.Real{}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	r.Add(protocol.ErrorReport{Message: "persisted"})

	r2, err := NewReportDir(dir, clock.Real{}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := r2.Len(); n != 1 {
		t.Errorf("Len after reopen = %d, want 1", n)
	}
}
