package executor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/protocol"
)

func newTestExecutor(t *testing.T, cfg Config) (*Executor, chan protocol.CommandResult) {
	t.Helper()
	results := make(chan protocol.CommandResult, 64)
	cfg.Deliver = func(res protocol.CommandResult) { results <- res }
	cfg.Log = logging.Discard()
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	e := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e, results
}

func waitResult(t *testing.T, results chan protocol.CommandResult) protocol.CommandResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a command result")
		return protocol.CommandResult{}
	}
}

func TestExecuteSuccess(t *testing.T) {
	e, results := newTestExecutor(t, Config{})
	e.Register("echo", func(_ context.Context, req protocol.CommandRequest) (Output, error) {
		return Output{Stdout: "hello"}, nil
	})
	e.Start()

	e.Submit(protocol.CommandRequest{CommandID: "c1", Kind: "echo"})

	res := waitResult(t, results)
	if !res.Success {
		t.Errorf("Success = false: %+v", res)
	}
	if res.CommandID != "c1" || res.Stdout != "hello" {
		t.Errorf("result = %+v", res)
	}
}

func TestUnknownKind(t *testing.T) {
	e, results := newTestExecutor(t, Config{})
	e.Start()

	e.Submit(protocol.CommandRequest{CommandID: "c1", Kind: "reboot-the-moon"})

	res := waitResult(t, results)
	if res.Success || res.ErrorKind != protocol.ErrorKindExecution {
		t.Errorf("result = %+v, want ExecutionError", res)
	}
	if !strings.Contains(res.ErrorMessage, "reboot-the-moon") {
		t.Errorf("ErrorMessage = %q, want the unknown kind named", res.ErrorMessage)
	}
}

func TestDefaultTimeout(t *testing.T) {
	e, results := newTestExecutor(t, Config{DefaultTimeout: 50 * time.Millisecond})
	e.Register("sleep", func(ctx context.Context, _ protocol.CommandRequest) (Output, error) {
		<-ctx.Done()
		return Output{}, ctx.Err()
	})
	e.Start()

	e.Submit(protocol.CommandRequest{CommandID: "c1", Kind: "sleep"})

	res := waitResult(t, results)
	if res.ErrorKind != protocol.ErrorKindTimeout {
		t.Errorf("ErrorKind = %q, want Timeout", res.ErrorKind)
	}
}

func TestTimeoutOverride(t *testing.T) {
	e, results := newTestExecutor(t, Config{DefaultTimeout: time.Hour})
	e.Register("sleep", func(ctx context.Context, _ protocol.CommandRequest) (Output, error) {
		<-ctx.Done()
		return Output{}, ctx.Err()
	})
	e.Start()

	// timeout_seconds only takes whole seconds, so use 1s and measure.
	start := time.Now()
	e.Submit(protocol.CommandRequest{
		CommandID:  "c1",
		Kind:       "sleep",
		Parameters: json.RawMessage(`{"timeout_seconds": 1}`),
	})

	res := waitResult(t, results)
	if res.ErrorKind != protocol.ErrorKindTimeout {
		t.Errorf("ErrorKind = %q, want Timeout", res.ErrorKind)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("took %s; the override did not shorten the hour default", elapsed)
	}
}

func TestHandlerPanicBecomesResult(t *testing.T) {
	e, results := newTestExecutor(t, Config{})
	e.Register("boom", func(_ context.Context, _ protocol.CommandRequest) (Output, error) {
		panic("wires crossed")
	})
	e.Start()

	e.Submit(protocol.CommandRequest{CommandID: "c1", Kind: "boom"})

	res := waitResult(t, results)
	if res.ErrorKind != protocol.ErrorKindExecution {
		t.Errorf("ErrorKind = %q, want ExecutionError", res.ErrorKind)
	}
	if !strings.Contains(res.ErrorMessage, "wires crossed") {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
}

func TestNonZeroExitFailsResult(t *testing.T) {
	e, results := newTestExecutor(t, Config{})
	e.Register("fail", func(_ context.Context, _ protocol.CommandRequest) (Output, error) {
		return Output{ExitCode: 3, Stderr: "nope"}, nil
	})
	e.Start()

	e.Submit(protocol.CommandRequest{CommandID: "c1", Kind: "fail"})

	res := waitResult(t, results)
	if res.Success {
		t.Error("Success = true for exit status 3")
	}
	if res.ExitCode != 3 || res.ErrorKind != protocol.ErrorKindExecution {
		t.Errorf("result = %+v", res)
	}
}

func TestIntakeOverflowDropsOldest(t *testing.T) {
	block := make(chan struct{})
	e, results := newTestExecutor(t, Config{QueueSize: 2, MaxParallel: 1})
	e.Register("wait", func(ctx context.Context, _ protocol.CommandRequest) (Output, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return Output{}, nil
	})
	e.Start()

	// First command occupies the single worker; the next two fill the
	// intake; the fourth forces the oldest queued one out.
	e.Submit(protocol.CommandRequest{CommandID: "running", Kind: "wait"})
	waitForQueueDrain(t, e, 0)
	e.Submit(protocol.CommandRequest{CommandID: "q1", Kind: "wait"})
	e.Submit(protocol.CommandRequest{CommandID: "q2", Kind: "wait"})
	e.Submit(protocol.CommandRequest{CommandID: "q3", Kind: "wait"})

	res := waitResult(t, results)
	if res.CommandID != "q1" || res.ErrorKind != protocol.ErrorKindQueueFull {
		t.Errorf("result = %+v, want q1 rejected as QueueFull", res)
	}
	close(block)
}

// waitForQueueDrain polls until the intake holds at most n entries, so
// tests can tell queued commands from the running one.
func waitForQueueDrain(t *testing.T, e *Executor, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		depth := len(e.intake)
		e.mu.Unlock()
		if depth <= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("intake never drained")
}

func TestStopCancelsPendingAndRunning(t *testing.T) {
	started := make(chan struct{})
	e, results := newTestExecutor(t, Config{QueueSize: 4, MaxParallel: 1})
	e.Register("wait", func(ctx context.Context, _ protocol.CommandRequest) (Output, error) {
		close(started)
		<-ctx.Done()
		return Output{}, ctx.Err()
	})
	e.Start()

	e.Submit(protocol.CommandRequest{CommandID: "running", Kind: "wait"})
	<-started
	e.Submit(protocol.CommandRequest{CommandID: "pending", Kind: "wait"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := map[string]protocol.ErrorKind{}
	for range 2 {
		res := waitResult(t, results)
		got[res.CommandID] = res.ErrorKind
	}
	if got["pending"] != protocol.ErrorKindCancelled {
		t.Errorf("pending result = %q, want Cancelled", got["pending"])
	}
	if got["running"] != protocol.ErrorKindCancelled {
		t.Errorf("running result = %q, want Cancelled", got["running"])
	}
}

func TestSubmitAfterStop(t *testing.T) {
	e, results := newTestExecutor(t, Config{})
	e.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.Stop(ctx)

	e.Submit(protocol.CommandRequest{CommandID: "late", Kind: "echo"})
	res := waitResult(t, results)
	if res.CommandID != "late" || res.ErrorKind != protocol.ErrorKindCancelled {
		t.Errorf("result = %+v, want Cancelled", res)
	}
}

func TestConsoleHandler(t *testing.T) {
	h := ConsoleHandler()

	tests := []struct {
		name       string
		payload    string
		wantOut    string
		wantErrSub string
		wantExit   int
		wantErr    bool
	}{
		{
			name:    "stdout captured",
			payload: `{"command": "echo hello"}`,
			wantOut: "hello\n",
		},
		{
			name:       "stderr and exit code captured",
			payload:    `{"command": "echo oops >&2; exit 3"}`,
			wantErrSub: "oops",
			wantExit:   3,
		},
		{
			name:    "empty payload rejected",
			payload: `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h(context.Background(), protocol.CommandRequest{
				Kind:    KindConsole,
				Payload: json.RawMessage(tt.payload),
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("handler: %v", err)
			}
			if out.Stdout != tt.wantOut {
				t.Errorf("Stdout = %q, want %q", out.Stdout, tt.wantOut)
			}
			if tt.wantErrSub != "" && !strings.Contains(out.Stderr, tt.wantErrSub) {
				t.Errorf("Stderr = %q, want substring %q", out.Stderr, tt.wantErrSub)
			}
			if out.ExitCode != tt.wantExit {
				t.Errorf("ExitCode = %d, want %d", out.ExitCode, tt.wantExit)
			}
		})
	}
}

func TestConsoleHandlerTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := ConsoleHandler()(ctx, protocol.CommandRequest{
		Kind:    KindConsole,
		Payload: json.RawMessage(`{"command": "sleep 30"}`),
	})
	if err == nil {
		t.Fatal("expected error when the context expires")
	}
}
