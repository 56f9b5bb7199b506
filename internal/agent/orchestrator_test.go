package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cmsuite/cms-agent/internal/clock"
	"github.com/cmsuite/cms-agent/internal/config"
	"github.com/cmsuite/cms-agent/internal/events"
	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/paths"
	"github.com/cmsuite/cms-agent/internal/protocol"
	"github.com/cmsuite/cms-agent/internal/queue"
	"github.com/cmsuite/cms-agent/internal/transport/ws"
	"github.com/cmsuite/cms-agent/internal/update"
	"github.com/cmsuite/cms-agent/internal/vault"
)

type fakeSession struct {
	inbound chan ws.Inbound
	sent    chan protocol.Envelope
	done    chan struct{}
	once    sync.Once
	err     error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		inbound: make(chan ws.Inbound, 8),
		sent:    make(chan protocol.Envelope, 64),
		done:    make(chan struct{}),
	}
}

func (f *fakeSession) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case f.sent <- env:
		return nil
	case <-f.done:
		return ws.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (f *fakeSession) Inbound() <-chan ws.Inbound { return f.inbound }
func (f *fakeSession) Done() <-chan struct{}      { return f.done }
func (f *fakeSession) Err() error                 { return f.err }
func (f *fakeSession) Close()                     { f.once.Do(func() { close(f.done) }) }

type fakeClient struct {
	mu         sync.Mutex
	agentID    string
	token      string
	identify   func(protocol.IdentifyRequest) (*protocol.IdentifyOutcome, error)
	update     *protocol.UpdateDescriptor
	reports    []protocol.ErrorReport
	inventory  int
	identifies int
}

func (f *fakeClient) SetCredentials(agentID, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentID, f.token = agentID, token
}

func (f *fakeClient) Identify(_ context.Context, req protocol.IdentifyRequest) (*protocol.IdentifyOutcome, error) {
	f.mu.Lock()
	f.identifies++
	fn := f.identify
	f.mu.Unlock()
	if fn == nil {
		return &protocol.IdentifyOutcome{Success: true}, nil
	}
	return fn(req)
}

func (f *fakeClient) SubmitHardwareInventory(context.Context, protocol.HardwareInventory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory++
	return nil
}

func (f *fakeClient) CheckUpdate(context.Context, string) (*protocol.UpdateDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.update, nil
}

func (f *fakeClient) ReportError(_ context.Context, rep protocol.ErrorReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, rep)
	return nil
}

type fakeExecutor struct {
	mu        sync.Mutex
	submitted []protocol.CommandRequest
}

func (f *fakeExecutor) Start() {}
func (f *fakeExecutor) Submit(req protocol.CommandRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
}
func (f *fakeExecutor) Stop(context.Context) error { return nil }

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeSampler struct{}

func (fakeSampler) Sample(context.Context) protocol.StatusReport {
	return protocol.StatusReport{CPUPct: 10, RAMPct: 20, DiskPct: 30, Time: time.Now()}
}
func (fakeSampler) Inventory(context.Context) protocol.HardwareInventory {
	return protocol.HardwareInventory{OS: "testOS"}
}

type fakeUpdater struct {
	mu       sync.Mutex
	launched bool
	err      error
	calls    int
}

func (f *fakeUpdater) Run(context.Context, protocol.UpdateDescriptor) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.launched, f.err
}

type harness struct {
	o      *Orchestrator
	client *fakeClient
	exec   *fakeExecutor
	upd    *fakeUpdater
	store  *config.IdentityStore
	vlt    *vault.Vault
	queues *queue.Store
	layout paths.Layout

	dialMu    sync.Mutex
	dialCalls []string // tokens presented
	dialQueue []dialResult

	startErr chan error
}

type dialResult struct {
	sess *fakeSession
	err  error
}

func testSettings() *config.Settings {
	return &config.Settings{
		ServerBaseURL:              "https://cms.example.test",
		StatusReportIntervalSec:    30,
		AutoUpdateEnabled:          false,
		AutoUpdateIntervalSec:      3600,
		NetworkRetryMaxAttempts:    3,
		NetworkRetryInitialDelay:   1,
		TokenRefreshIntervalSec:    0,
		HTTPRequestTimeoutSec:      5,
		WSReconnectDelayInitialSec: 1,
		WSReconnectDelayMaxSec:     300,
		CommandDefaultTimeoutSec:   30,
		CommandMaxParallel:         2,
		CommandQueueMaxSize:        10,
		OfflineQueue: config.OfflineQueueSettings{
			MaxSizeBytes: 1 << 20,
			MaxAgeHours:  24,
		},
	}
}

func newAgentHarness(t *testing.T, settings *config.Settings) *harness {
	t.Helper()
	h := &harness{
		client:   &fakeClient{},
		exec:     &fakeExecutor{},
		upd:      &fakeUpdater{},
		layout:   paths.New(t.TempDir()),
		startErr: make(chan error, 1),
	}
	if err := h.layout.Ensure(); err != nil {
		t.Fatal(err)
	}

	var err error
	h.vlt, err = vault.NewWithMachineID([]byte("test-machine"), h.layout.KeySaltFile())
	if err != nil {
		t.Fatal(err)
	}
	blob, err := h.vlt.Encrypt("tok-original")
	if err != nil {
		t.Fatal(err)
	}

	h.store = config.NewIdentityStore(h.layout.IdentityFile())
	identity := &config.Identity{
		AgentID:        "agent-1",
		Location:       protocol.Location{Room: "lab", X: 1, Y: 2},
		EncryptedToken: blob,
	}
	if err := h.store.Save(identity); err != nil {
		t.Fatal(err)
	}

	h.queues, err = queue.Open(h.layout.QueueDBFile(), nil, clock.Real{}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.queues.Close() })

	reports, err := queue.NewReportDir(h.layout.ErrorReportDir(), clock.Real{}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	h.o = New(Config{
		Settings: settings,
		Identity: identity,
		Store:    h.store,
		Vault:    h.vlt,
		HTTP:     h.client,
		Dial: func(_ context.Context, _, _, token string) (Session, error) {
			h.dialMu.Lock()
			defer h.dialMu.Unlock()
			h.dialCalls = append(h.dialCalls, token)
			if len(h.dialQueue) == 0 {
				return newFakeSession(), nil
			}
			next := h.dialQueue[0]
			if len(h.dialQueue) > 1 {
				h.dialQueue = h.dialQueue[1:]
			}
			if next.err != nil {
				return nil, next.err
			}
			return next.sess, nil
		},
		Queues:          h.queues,
		Reports:         reports,
		Executor:        h.exec,
		Sampler:         fakeSampler{},
		Update:          h.upd,
		Bus:             events.New(),
		Log:             logging.Discard(),
		Version:         "1.0.0",
		LastVersionFile: h.layout.LastVersionFile(),
		RollbackMarker:  h.layout.RollbackMarkerFile(),
	})
	return h
}

func (h *harness) start(t *testing.T, ctx context.Context) {
	t.Helper()
	go func() { h.startErr <- h.o.Start(ctx) }()
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.o.CurrentState() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s (history %v)", h.o.CurrentState(), want, h.o.Transitions())
}

func waitEnvelope(t *testing.T, sess *fakeSession, typ protocol.EventType) protocol.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-sess.sent:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s envelope sent", typ)
		}
	}
}

func TestStartWithoutIdentityIsConfigurationError(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	h.o.cfg.Identity = nil

	err := h.o.Start(context.Background())
	if !errors.Is(err, ErrConfigurationError) {
		t.Fatalf("err = %v, want ErrConfigurationError", err)
	}
	if got := h.o.CurrentState(); got != StateConfigurationError {
		t.Errorf("state = %s", got)
	}
}

func TestStartUndecryptableTokenIsConfigurationError(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	h.o.cfg.Identity.EncryptedToken = []byte("not a ciphertext")

	err := h.o.Start(context.Background())
	if !errors.Is(err, ErrConfigurationError) {
		t.Fatalf("err = %v, want ErrConfigurationError", err)
	}
}

func TestConnectTransitionsAndCommandDispatch(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	sess := newFakeSession()
	h.dialQueue = []dialResult{{sess: sess}}

	h.start(t, context.Background())
	h.waitState(t, StateConnected)

	sess.inbound <- ws.Inbound{
		Type:    protocol.EventCommandExecute,
		Command: &protocol.CommandRequest{CommandID: "c1", Kind: "console"},
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.exec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if h.exec.count() != 1 {
		t.Fatal("inbound command never reached the executor")
	}

	if err := h.o.Stop(3 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-h.startErr; err != nil {
		t.Fatalf("Start returned %v", err)
	}

	hist := h.o.Transitions()
	want := []State{StateInitializing, StateAuthenticating, StateConnected, StateStopping}
	for i, st := range want {
		if i >= len(hist) || hist[i] != st {
			t.Fatalf("history = %v, want prefix %v", hist, want)
		}
	}
}

func TestAuthFailureRefreshesTokenOnce(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	sess := newFakeSession()
	h.dialQueue = []dialResult{{err: ws.ErrAuthFailed}, {sess: sess}}
	h.client.identify = func(req protocol.IdentifyRequest) (*protocol.IdentifyOutcome, error) {
		if req.ForceRenew {
			t.Error("autonomous refresh must not set force_renew")
		}
		return &protocol.IdentifyOutcome{Success: true, Token: "tok-fresh"}, nil
	}

	h.start(t, context.Background())
	h.waitState(t, StateConnected)
	defer h.o.Stop(3 * time.Second)

	h.dialMu.Lock()
	calls := append([]string(nil), h.dialCalls...)
	h.dialMu.Unlock()
	if len(calls) != 2 || calls[0] != "tok-original" || calls[1] != "tok-fresh" {
		t.Errorf("dial tokens = %v, want [tok-original tok-fresh]", calls)
	}

	// The refreshed token is persisted encrypted, never in plaintext.
	id, err := h.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	plain, err := h.vlt.Decrypt(id.EncryptedToken)
	if err != nil {
		t.Fatal(err)
	}
	if plain != "tok-fresh" {
		t.Errorf("persisted token = %q, want tok-fresh", plain)
	}
}

func TestAuthRefreshWithoutFreshTokenFailsTheAttempt(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	h.dialQueue = []dialResult{{err: ws.ErrAuthFailed}}
	h.client.identify = func(protocol.IdentifyRequest) (*protocol.IdentifyOutcome, error) {
		// Server considers the current token valid and issues nothing.
		return &protocol.IdentifyOutcome{Success: true}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.start(t, ctx)
	h.waitState(t, StateReconnecting)

	// Redialing with the credential the server just rejected is useless;
	// the attempt must fail without a second dial.
	h.dialMu.Lock()
	calls := len(h.dialCalls)
	h.dialMu.Unlock()
	if calls != 1 {
		t.Errorf("dial attempts = %d, want 1", calls)
	}
}

func TestRepeatedFailuresReachOffline(t *testing.T) {
	settings := testSettings()
	settings.NetworkRetryMaxAttempts = 2
	h := newAgentHarness(t, settings)
	h.dialQueue = []dialResult{{err: errors.New("network down")}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pump the fake clock so the reconnect sleeps complete.
	clk := clock.NewFake(time.Now())
	h.o.cfg.Clock = clk
	stopPump := make(chan struct{})
	defer close(stopPump)
	go func() {
		for {
			select {
			case <-stopPump:
				return
			default:
				clk.Advance(10 * time.Minute)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	h.start(t, ctx)
	h.waitState(t, StateOffline)
}

func TestReconnectAttemptLimitStopsTheAgent(t *testing.T) {
	settings := testSettings()
	limit := 2
	settings.WSReconnectMaxAttempts = &limit
	h := newAgentHarness(t, settings)
	h.dialQueue = []dialResult{{err: errors.New("network down")}}

	clk := clock.NewFake(time.Now())
	h.o.cfg.Clock = clk
	stopPump := make(chan struct{})
	defer close(stopPump)
	go func() {
		for {
			select {
			case <-stopPump:
				return
			default:
				clk.Advance(10 * time.Minute)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	h.start(t, context.Background())
	select {
	case err := <-h.startErr:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent kept retrying past the attempt limit")
	}

	h.dialMu.Lock()
	calls := len(h.dialCalls)
	h.dialMu.Unlock()
	if calls != limit {
		t.Errorf("dial attempts = %d, want %d", calls, limit)
	}
}

func TestUpdateNotificationLaunchesUpdaterAndStops(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	sess := newFakeSession()
	h.dialQueue = []dialResult{{sess: sess}}
	h.upd.launched = true

	h.start(t, context.Background())
	h.waitState(t, StateConnected)

	sess.inbound <- ws.Inbound{
		Type:   protocol.EventNewVersionAvailable,
		Update: &protocol.UpdateDescriptor{Version: "1.1.0"},
	}

	select {
	case err := <-h.startErr:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not shut down after updater launch")
	}

	hist := h.o.Transitions()
	sawUpdating := false
	for _, st := range hist {
		if st == StateUpdating {
			sawUpdating = true
		}
	}
	if !sawUpdating || hist[len(hist)-1] != StateStopping {
		t.Errorf("history = %v, want UPDATING then STOPPING", hist)
	}
}

func TestOlderVersionOfferIgnored(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	sess := newFakeSession()
	h.dialQueue = []dialResult{{sess: sess}}

	h.start(t, context.Background())
	h.waitState(t, StateConnected)
	defer h.o.Stop(3 * time.Second)

	sess.inbound <- ws.Inbound{
		Type:   protocol.EventNewVersionAvailable,
		Update: &protocol.UpdateDescriptor{Version: "0.9.0"},
	}
	time.Sleep(50 * time.Millisecond)

	h.upd.mu.Lock()
	calls := h.upd.calls
	h.upd.mu.Unlock()
	if calls != 0 {
		t.Error("pipeline ran for a non-newer version")
	}
	if got := h.o.CurrentState(); got != StateConnected {
		t.Errorf("state = %s, want CONNECTED", got)
	}
}

func TestDeliverResultQueuesWhenOffline(t *testing.T) {
	h := newAgentHarness(t, testSettings())

	h.o.DeliverResult(protocol.CommandResult{CommandID: "c9", Success: true})

	n, err := h.queues.Len(queue.KindCommandResults)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("queued results = %d, want 1", n)
	}
}

func TestStatusReportsAccumulateOfflineDuringOutage(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	sess := newFakeSession()
	h.dialQueue = []dialResult{{sess: sess}, {err: errors.New("network down")}}

	clk := clock.NewFake(time.Now())
	h.o.cfg.Clock = clk
	stopPump := make(chan struct{})
	defer close(stopPump)
	go func() {
		for {
			select {
			case <-stopPump:
				return
			default:
				clk.Advance(10 * time.Minute)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.start(t, ctx)
	h.waitState(t, StateConnected)

	// Sever the session; every redial fails, yet sampling keeps going
	// and the reports land in the offline queue.
	sess.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := h.queues.Len(queue.KindStatusReports); n >= 2 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	n, _ := h.queues.Len(queue.KindStatusReports)
	t.Fatalf("offline status reports = %d, want at least 2", n)
}

func TestOfflineQueueDrainedOnConnect(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	if err := h.queues.Enqueue(queue.KindCommandResults, protocol.CommandResult{CommandID: "old"}); err != nil {
		t.Fatal(err)
	}
	sess := newFakeSession()
	h.dialQueue = []dialResult{{sess: sess}}

	h.start(t, context.Background())
	defer h.o.Stop(3 * time.Second)

	env := waitEnvelope(t, sess, protocol.EventCommandResult)
	var res protocol.CommandResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		t.Fatal(err)
	}
	if res.CommandID != "old" {
		t.Errorf("drained CommandID = %q", res.CommandID)
	}
}

func TestUpdateSuccessEmittedAfterVersionChange(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	if err := update.WriteLastRunVersion(h.layout.LastVersionFile(), "0.9.0"); err != nil {
		t.Fatal(err)
	}
	sess := newFakeSession()
	h.dialQueue = []dialResult{{sess: sess}}

	h.start(t, context.Background())
	defer h.o.Stop(3 * time.Second)

	env := waitEnvelope(t, sess, protocol.EventUpdateStatus)
	var st protocol.UpdateStatus
	if err := json.Unmarshal(env.Payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != protocol.UpdateSuccess || st.Version != "1.0.0" {
		t.Errorf("update status = %+v, want update_success 1.0.0", st)
	}
}

func TestRollbackMarkerEmitsServiceStartFailure(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	if err := update.WriteRollbackMarker(h.layout.RollbackMarkerFile(), "1.1.0"); err != nil {
		t.Fatal(err)
	}
	sess := newFakeSession()
	h.dialQueue = []dialResult{{sess: sess}}

	h.start(t, context.Background())
	defer h.o.Stop(3 * time.Second)

	env := waitEnvelope(t, sess, protocol.EventUpdateStatus)
	var st protocol.UpdateStatus
	if err := json.Unmarshal(env.Payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != protocol.UpdateFailed || st.Reason != protocol.ReasonServiceStart || st.Version != "1.1.0" {
		t.Errorf("update status = %+v, want update_failed service_start_failed 1.1.0", st)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newAgentHarness(t, testSettings())
	sess := newFakeSession()
	h.dialQueue = []dialResult{{sess: sess}}

	h.start(t, context.Background())
	h.waitState(t, StateConnected)
	defer h.o.Stop(3 * time.Second)

	if err := h.o.Start(context.Background()); err != nil {
		t.Errorf("second Start = %v, want nil", err)
	}
}
