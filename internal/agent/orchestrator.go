// Package agent contains the orchestrator: the single owner of the
// lifecycle state machine, the timers, and the composition of config,
// vault, transports, queues, executor, sampler, and update pipeline.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmsuite/cms-agent/internal/clock"
	"github.com/cmsuite/cms-agent/internal/config"
	"github.com/cmsuite/cms-agent/internal/events"
	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/metrics"
	"github.com/cmsuite/cms-agent/internal/protocol"
	"github.com/cmsuite/cms-agent/internal/queue"
	"github.com/cmsuite/cms-agent/internal/transport/ws"
	"github.com/cmsuite/cms-agent/internal/update"
	"github.com/cmsuite/cms-agent/internal/vault"
)

// reconnectDelayCap bounds the network backoff regardless of settings.
const reconnectDelayCap = 300 * time.Second

// First-fire delays for the steady-state timers.
const (
	firstStatusDelay      = 5 * time.Second
	firstUpdateCheckDelay = 10 * time.Minute
)

// ControlClient is the authenticated request/response surface of the
// control plane.
type ControlClient interface {
	SetCredentials(agentID, token string)
	Identify(ctx context.Context, req protocol.IdentifyRequest) (*protocol.IdentifyOutcome, error)
	SubmitHardwareInventory(ctx context.Context, inv protocol.HardwareInventory) error
	CheckUpdate(ctx context.Context, currentVersion string) (*protocol.UpdateDescriptor, error)
	ReportError(ctx context.Context, report protocol.ErrorReport) error
}

// Session is one established duplex connection.
type Session interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Inbound() <-chan ws.Inbound
	Done() <-chan struct{}
	Err() error
	Close()
}

// Dialer opens a new authenticated session.
type Dialer func(ctx context.Context, wsURL, agentID, token string) (Session, error)

// CommandExecutor is the intake side of the executor.
type CommandExecutor interface {
	Start()
	Submit(req protocol.CommandRequest)
	Stop(ctx context.Context) error
}

// StatusSampler probes utilisation and hardware.
type StatusSampler interface {
	Sample(ctx context.Context) protocol.StatusReport
	Inventory(ctx context.Context) protocol.HardwareInventory
}

// UpdateRunner stages a release and launches the updater.
type UpdateRunner interface {
	Run(ctx context.Context, desc protocol.UpdateDescriptor) (bool, error)
}

// Config assembles an orchestrator.
type Config struct {
	Settings *config.Settings
	Identity *config.Identity
	Store    *config.IdentityStore
	Vault    *vault.Vault

	HTTP     ControlClient
	Dial     Dialer
	Queues   *queue.Store
	Reports  *queue.ReportDir
	Executor CommandExecutor
	Sampler  StatusSampler
	Update   UpdateRunner

	Clock clock.Clock
	Bus   *events.Bus
	Log   *logging.Logger

	Version         string
	LastVersionFile string
	RollbackMarker  string
}

// Orchestrator owns the agent lifecycle.
type Orchestrator struct {
	cfg Config
	sm  *stateMachine
	log *logging.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	backoff ws.Backoff

	sessMu  sync.RWMutex
	session Session

	token        string
	failures     int
	hardwareSent bool

	// update statuses to deliver on the next established session
	pendingStatuses []protocol.UpdateStatus

	updating atomic.Bool
}

// New builds an orchestrator from its collaborators.
func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	o := &Orchestrator{
		cfg:  cfg,
		sm:   newStateMachine(cfg.Bus),
		log:  cfg.Log,
		done: make(chan struct{}),
	}
	o.backoff = ws.Backoff{
		Initial: cfg.Settings.RetryInitialDelay(),
		Max:     minDuration(cfg.Settings.WSReconnectDelayMax(), reconnectDelayCap),
	}
	if o.backoff.Initial <= 0 {
		o.backoff.Initial = time.Second
	}
	if o.backoff.Max <= 0 {
		o.backoff.Max = reconnectDelayCap
	}
	return o
}

// CurrentState is safe under concurrent calls.
func (o *Orchestrator) CurrentState() State { return o.sm.Current() }

// Transitions returns the ordered state history.
func (o *Orchestrator) Transitions() []State { return o.sm.History() }

// Start runs the lifecycle until a terminal state or shutdown. It is
// idempotent; a second call returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return nil
	}
	defer close(o.done)

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer cancel()

	if err := o.initialize(ctx); err != nil {
		o.sm.Transition(StateConfigurationError)
		return err
	}
	o.cfg.Executor.Start()

	// Status sampling runs across connection states: reports produced
	// during an outage accumulate in the offline queue.
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		o.runStatusLoop(ctx)
	}()

	o.runConnectionLoop(ctx)

	cancel()
	<-statusDone
	o.sm.Transition(StateStopping)
	o.shutdownComponents()
	return nil
}

// runStatusLoop samples on the status interval regardless of the
// connection state, first fire shortly after startup.
func (o *Orchestrator) runStatusLoop(ctx context.Context) {
	clk := o.cfg.Clock
	tick := clk.After(firstStatusDelay)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			o.sendStatus(ctx)
			tick = clk.After(o.cfg.Settings.StatusReportInterval())
		}
	}
}

// Stop initiates STOPPING and waits for Start to unwind.
func (o *Orchestrator) Stop(deadline time.Duration) error {
	if o.cancel == nil {
		return nil
	}
	o.cancel()
	select {
	case <-o.done:
		return nil
	case <-o.cfg.Clock.After(deadline):
		return ErrShutdownTimeout
	}
}

// initialize decrypts the token and prepares the startup update
// statuses. Failure here is terminal.
func (o *Orchestrator) initialize(ctx context.Context) error {
	if o.cfg.Identity == nil {
		return fmt.Errorf("%w: no runtime identity, run configure first", ErrConfigurationError)
	}

	token, err := o.cfg.Vault.Decrypt(o.cfg.Identity.EncryptedToken)
	if err != nil {
		o.report(ctx, protocol.ReportTokenDecryptFailed, err.Error())
		return fmt.Errorf("%w: %v", ErrConfigurationError, err)
	}
	o.token = token
	o.cfg.HTTP.SetCredentials(o.cfg.Identity.AgentID, token)

	// A rollback marker means a newer version failed its watchdog and
	// this old version is running again.
	if failed := update.ConsumeRollbackMarker(o.cfg.RollbackMarker); failed != "" {
		o.log.Warn("previous update was rolled back", "failed_version", failed)
		o.pendingStatuses = append(o.pendingStatuses, protocol.UpdateStatus{
			Status: protocol.UpdateFailed, Reason: protocol.ReasonServiceStart, Version: failed,
		})
	}

	// A changed last-run version means an update completed.
	if last := update.ReadLastRunVersion(o.cfg.LastVersionFile); last != "" && last != o.cfg.Version {
		o.log.Info("first run of a new version", "previous", last, "current", o.cfg.Version)
		o.pendingStatuses = append(o.pendingStatuses, protocol.UpdateStatus{
			Status: protocol.UpdateSuccess, Version: o.cfg.Version,
		})
	}
	if err := update.WriteLastRunVersion(o.cfg.LastVersionFile, o.cfg.Version); err != nil {
		o.log.Warn("last-run version not recorded", "error", err)
	}
	return nil
}

// runConnectionLoop cycles connect, steady state, disconnect, backoff
// until shutdown or until the update pipeline takes over.
func (o *Orchestrator) runConnectionLoop(ctx context.Context) {
	for ctx.Err() == nil && !o.updating.Load() {
		o.sm.Transition(StateAuthenticating)

		sess, err := o.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.failures++
			metrics.ConnectAttempts.WithLabelValues("failure").Inc()
			o.log.Warn("connection attempt failed",
				"error", err, "consecutive_failures", o.failures)
			o.report(ctx, protocol.ReportWSConnectionFailed, err.Error())

			if max := o.cfg.Settings.NetworkRetryMaxAttempts; max > 0 && o.failures >= max {
				o.sm.Transition(StateOffline)
			} else {
				o.sm.Transition(StateReconnecting)
			}
			// A nil attempt limit means retry forever.
			if lim := o.cfg.Settings.WSReconnectMaxAttempts; lim != nil && o.failures >= *lim {
				o.log.Error("reconnect attempt limit exhausted", "attempts", o.failures)
				return
			}
			if !o.sleep(ctx, o.backoff.Next()) {
				return
			}
			continue
		}

		o.failures = 0
		o.backoff.Reset()
		metrics.ConnectAttempts.WithLabelValues("success").Inc()
		o.setSession(sess)
		o.sm.Transition(StateConnected)
		o.cfg.Bus.Publish(events.Event{Type: events.EventConnected})

		o.runSteadyState(ctx, sess)

		o.setSession(nil)
		sess.Close()
		if ctx.Err() != nil || o.updating.Load() {
			return
		}
		o.sm.Transition(StateDisconnected)
		o.cfg.Bus.Publish(events.Event{Type: events.EventDisconnected, Detail: errString(sess.Err())})
	}
}

// connect dials the session, refreshing the token once when the server
// rejects the current one.
func (o *Orchestrator) connect(ctx context.Context) (Session, error) {
	wsURL, err := wsEndpoint(o.cfg.Settings.ServerBaseURL)
	if err != nil {
		return nil, err
	}

	sess, err := o.cfg.Dial(ctx, wsURL, o.cfg.Identity.AgentID, o.token)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ws.ErrAuthFailed) {
		return nil, err
	}

	o.cfg.Bus.Publish(events.Event{Type: events.EventAuthFailed})
	o.log.Info("token rejected, refreshing")
	if refreshErr := o.refreshToken(ctx, true); refreshErr != nil {
		return nil, fmt.Errorf("refresh after auth failure: %w", refreshErr)
	}
	return o.cfg.Dial(ctx, wsURL, o.cfg.Identity.AgentID, o.token)
}

// refreshToken re-identifies and, when the server issues a fresh token,
// persists it encrypted and installs it on the HTTP client. force_renew
// is reserved for the configure wizard; the server issues a token here
// on its own when the current one is no longer valid. requireNew marks
// the refresh-after-rejection path, where a success without a fresh
// token would just redial with the credential that was rejected.
func (o *Orchestrator) refreshToken(ctx context.Context, requireNew bool) error {
	outcome, err := o.cfg.HTTP.Identify(ctx, protocol.IdentifyRequest{
		AgentID:  o.cfg.Identity.AgentID,
		Location: o.cfg.Identity.Location,
	})
	if err != nil {
		return err
	}
	switch {
	case outcome.Success && outcome.Token != "":
		// fresh token below
	case outcome.Success:
		if requireNew {
			return errors.New("identify issued no fresh token for a rejected credential")
		}
		return nil // current token is still valid
	case outcome.MFARequired:
		return errors.New("server requires interactive MFA, run configure")
	default:
		return fmt.Errorf("identify rejected: %s", outcome.Message)
	}

	blob, err := o.cfg.Vault.Encrypt(outcome.Token)
	if err != nil {
		return fmt.Errorf("encrypt refreshed token: %w", err)
	}
	o.cfg.Identity.EncryptedToken = blob
	if err := o.cfg.Store.Save(o.cfg.Identity); err != nil {
		return fmt.Errorf("persist refreshed token: %w", err)
	}
	o.token = outcome.Token
	o.cfg.HTTP.SetCredentials(o.cfg.Identity.AgentID, o.token)
	o.log.Info("token refreshed")
	return nil
}

func (o *Orchestrator) setSession(s Session) {
	o.sessMu.Lock()
	o.session = s
	o.sessMu.Unlock()
}

func (o *Orchestrator) currentSession() Session {
	o.sessMu.RLock()
	defer o.sessMu.RUnlock()
	return o.session
}

// sleep waits d, cancellable. Reports whether the wait completed.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-o.cfg.Clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// report files an error report: live when possible, otherwise to the
// report directory. Never blocks the caller's path for long.
func (o *Orchestrator) report(ctx context.Context, kind protocol.ReportKind, msg string) {
	rep := protocol.ErrorReport{Kind: kind, Message: msg, Timestamp: o.cfg.Clock.Now().UTC()}
	metrics.ErrorReports.WithLabelValues(string(kind)).Inc()
	o.cfg.Bus.Publish(events.Event{Type: events.EventErrorReported, Detail: string(kind)})

	if o.sm.Current() == StateConnected {
		sendCtx, cancel := context.WithTimeout(ctx, o.cfg.Settings.HTTPRequestTimeout())
		err := o.cfg.HTTP.ReportError(sendCtx, rep)
		cancel()
		if err == nil {
			return
		}
	}
	if err := o.cfg.Reports.Add(rep); err != nil {
		o.log.Error("error report lost", "kind", kind, "error", err)
	}
}

func (o *Orchestrator) shutdownComponents() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.cfg.Executor.Stop(stopCtx); err != nil {
		o.log.Warn("executor did not stop cleanly", "error", err)
	}
	if sess := o.currentSession(); sess != nil {
		sess.Close()
	}
}

// wsEndpoint turns the configured base URL into the duplex session URL.
func wsEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/agent"
	return u.String(), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func minDuration(a, b time.Duration) time.Duration {
	if a != 0 && a < b {
		return a
	}
	return b
}
