// Package executor runs server-issued commands with bounded intake and
// bounded parallelism. One bad command must not take down the agent:
// handler panics become failed results, timeouts are enforced per
// command, and every accepted command produces exactly one result.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/metrics"
	"github.com/cmsuite/cms-agent/internal/protocol"
)

// Output is what a handler produced for a command that actually ran.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Handler executes one command kind. The context carries the
// per-command timeout; handlers must stop when it ends.
type Handler func(ctx context.Context, req protocol.CommandRequest) (Output, error)

// Deliverer routes a finished result to the session or, offline, to the
// persistent queue.
type Deliverer func(protocol.CommandResult)

// Config sizes the executor.
type Config struct {
	QueueSize      int
	MaxParallel    int
	DefaultTimeout time.Duration
	Deliver        Deliverer
	Log            *logging.Logger
}

// Executor is the command intake and worker pool.
type Executor struct {
	cfg      Config
	handlers map[string]Handler
	sem      *semaphore.Weighted

	mu     sync.Mutex
	intake []protocol.CommandRequest
	wake   chan struct{}
	closed bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New builds an executor. Register handlers before Start.
func New(cfg Config) *Executor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		sem:      semaphore.NewWeighted(int64(cfg.MaxParallel)),
		wake:     make(chan struct{}, 1),
		runCtx:   runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Register installs the handler for a command kind.
func (e *Executor) Register(kind string, h Handler) {
	e.handlers[kind] = h
}

// Start launches the dispatch loop.
func (e *Executor) Start() {
	go e.dispatch()
}

// Submit accepts a command for execution. A full intake queue drops its
// oldest entry with a synthetic queue-full result so the newest command
// is never the one lost.
func (e *Executor) Submit(req protocol.CommandRequest) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.cfg.Deliver(failedResult(req, protocol.ErrorKindCancelled, "agent shutting down"))
		return
	}
	var dropped *protocol.CommandRequest
	if len(e.intake) >= e.cfg.QueueSize {
		d := e.intake[0]
		e.intake = e.intake[1:]
		dropped = &d
	}
	e.intake = append(e.intake, req)
	metrics.CommandQueueDepth.Set(float64(len(e.intake)))
	e.mu.Unlock()

	if dropped != nil {
		e.cfg.Log.Warn("command intake full, dropping oldest",
			"dropped", dropped.CommandID, "accepted", req.CommandID)
		e.cfg.Deliver(failedResult(*dropped, protocol.ErrorKindQueueFull, "command queue full"))
		metrics.CommandsExecuted.WithLabelValues("queue_full").Inc()
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Stop closes the intake, fails pending commands as cancelled, cancels
// running handlers, and waits for them until ctx expires.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := e.intake
	e.intake = nil
	metrics.CommandQueueDepth.Set(0)
	e.mu.Unlock()

	close(e.done)
	for _, req := range pending {
		e.cfg.Deliver(failedResult(req, protocol.ErrorKindCancelled, "agent shutting down"))
		metrics.CommandsExecuted.WithLabelValues("cancelled").Inc()
	}

	e.cancel()
	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop executor: %w", ctx.Err())
	}
}

// dispatch acquires a worker slot before popping so a command waiting
// for a slot still counts against the intake bound.
func (e *Executor) dispatch() {
	for {
		if err := e.sem.Acquire(e.runCtx, 1); err != nil {
			return
		}
		req, ok := e.next()
		if !ok {
			e.sem.Release(1)
			select {
			case <-e.wake:
				continue
			case <-e.done:
				return
			}
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.sem.Release(1)
			e.execute(req)
		}()
	}
}

func (e *Executor) next() (protocol.CommandRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.intake) == 0 {
		return protocol.CommandRequest{}, false
	}
	req := e.intake[0]
	e.intake = e.intake[1:]
	metrics.CommandQueueDepth.Set(float64(len(e.intake)))
	return req, true
}

func (e *Executor) execute(req protocol.CommandRequest) {
	start := time.Now()

	h, ok := e.handlers[req.Kind]
	if !ok {
		e.finish(req, start, failedResult(req, protocol.ErrorKindExecution,
			fmt.Sprintf("no handler for command kind %q", req.Kind)), "unknown_kind")
		return
	}

	timeout := e.cfg.DefaultTimeout
	if override := timeoutOverride(req.Parameters); override > 0 {
		timeout = override
	}
	ctx, cancel := context.WithTimeout(e.runCtx, timeout)
	defer cancel()

	out, err := e.runSafe(ctx, h, req)

	res := protocol.CommandResult{
		CommandID: req.CommandID,
		Kind:      req.Kind,
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ExitCode:  out.ExitCode,
	}
	outcome := "success"
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ErrorKind = protocol.ErrorKindTimeout
		res.ErrorMessage = fmt.Sprintf("command exceeded %s", timeout)
		outcome = "timeout"
	case err != nil && e.runCtx.Err() != nil:
		res.ErrorKind = protocol.ErrorKindCancelled
		res.ErrorMessage = "agent shutting down"
		outcome = "cancelled"
	case err != nil:
		res.ErrorKind = protocol.ErrorKindExecution
		res.ErrorMessage = err.Error()
		outcome = "error"
	case out.ExitCode != 0:
		res.ErrorKind = protocol.ErrorKindExecution
		res.ErrorMessage = fmt.Sprintf("exit status %d", out.ExitCode)
		outcome = "nonzero_exit"
	default:
		res.Success = true
	}

	e.finish(req, start, res, outcome)
}

func (e *Executor) finish(req protocol.CommandRequest, start time.Time, res protocol.CommandResult, outcome string) {
	metrics.CommandsExecuted.WithLabelValues(outcome).Inc()
	metrics.CommandDuration.Observe(time.Since(start).Seconds())
	e.cfg.Log.Info("command finished",
		"command_id", req.CommandID, "kind", req.Kind,
		"outcome", outcome, "duration", time.Since(start))
	e.cfg.Deliver(res)
}

// runSafe converts a handler panic into an error so one bad command
// cannot crash the process.
func (e *Executor) runSafe(ctx context.Context, h Handler, req protocol.CommandRequest) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.cfg.Log.Error("command handler panic",
				"command_id", req.CommandID, "kind", req.Kind, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, req)
}

func timeoutOverride(params json.RawMessage) time.Duration {
	if len(params) == 0 {
		return 0
	}
	var p struct {
		TimeoutSeconds int `json:"timeout_seconds"`
	}
	if json.Unmarshal(params, &p) != nil || p.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func failedResult(req protocol.CommandRequest, kind protocol.ErrorKind, msg string) protocol.CommandResult {
	return protocol.CommandResult{
		CommandID:    req.CommandID,
		Kind:         req.Kind,
		ErrorKind:    kind,
		ErrorMessage: msg,
	}
}
