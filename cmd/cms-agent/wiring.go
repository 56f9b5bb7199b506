package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cmsuite/cms-agent/internal/agent"
	"github.com/cmsuite/cms-agent/internal/clock"
	"github.com/cmsuite/cms-agent/internal/config"
	"github.com/cmsuite/cms-agent/internal/events"
	"github.com/cmsuite/cms-agent/internal/executor"
	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/paths"
	"github.com/cmsuite/cms-agent/internal/protocol"
	"github.com/cmsuite/cms-agent/internal/queue"
	"github.com/cmsuite/cms-agent/internal/sampler"
	"github.com/cmsuite/cms-agent/internal/service"
	"github.com/cmsuite/cms-agent/internal/singleton"
	"github.com/cmsuite/cms-agent/internal/transport/httpx"
	"github.com/cmsuite/cms-agent/internal/transport/ws"
	"github.com/cmsuite/cms-agent/internal/update"
	"github.com/cmsuite/cms-agent/internal/vault"
)

// configDir resolves where appsettings.yaml lives: the flag when set,
// otherwise the directory holding the running binary.
func configDir(flags *globalFlags) (string, error) {
	if flags.configDir != "" {
		return flags.configDir, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return filepath.Dir(exe), nil
}

// resourceLimits reads the soft self-limits from settings for the unit
// file. Installation proceeds unbounded when settings cannot be read;
// the service itself will surface the load error on start.
func resourceLimits(flags *globalFlags) service.Limits {
	dir, err := configDir(flags)
	if err != nil {
		return service.Limits{}
	}
	settings, err := config.LoadSettings(dir, flags.env)
	if err != nil {
		return service.Limits{}
	}
	return service.Limits{
		CPUPct: settings.ResourceLimitCPUPct,
		RAMMB:  settings.ResourceLimitRAMMB,
	}
}

// runAgent assembles every component and hosts the orchestrator until
// shutdown. metricsAddr, when non-empty, serves Prometheus on localhost.
func runAgent(ctx context.Context, flags *globalFlags, log *logging.Logger, metricsAddr string) error {
	dir, err := configDir(flags)
	if err != nil {
		return exitErr(exitGeneral, "%v", err)
	}
	settings, err := config.LoadSettings(dir, flags.env)
	if err != nil {
		return exitErr(exitGeneral, "%v", err)
	}

	layout := paths.New(flags.dataRoot)
	if err := layout.Ensure(); err != nil {
		return exitErr(exitGeneral, "prepare data root: %v", err)
	}

	guard, err := singleton.Acquire(layout.LockFile())
	if err != nil {
		return exitErr(exitGeneral, "another cms-agent already owns this host: %v", err)
	}
	defer guard.Release()

	store := config.NewIdentityStore(layout.IdentityFile())
	identity, err := store.Load()
	if err != nil {
		return exitErr(exitGeneral, "load identity: %v", err)
	}

	vlt, err := vault.New(layout.KeySaltFile())
	if err != nil {
		return exitErr(exitGeneral, "open token vault: %v", err)
	}

	httpClient, err := httpx.New(settings.ServerBaseURL, settings.HTTPRequestTimeout(), settings.RetryInitialDelay(), log)
	if err != nil {
		return exitErr(exitGeneral, "build http client: %v", err)
	}

	clk := clock.Real{}
	maxAge := settings.OfflineQueueMaxAge()
	queues, err := queue.Open(layout.QueueDBFile(), map[queue.Kind]queue.Limits{
		queue.KindStatusReports: {
			MaxCount: settings.OfflineQueue.StatusReportsMaxCount,
			MaxBytes: settings.OfflineQueue.MaxSizeBytes,
			MaxAge:   maxAge,
		},
		queue.KindCommandResults: {
			MaxCount: settings.OfflineQueue.CommandResultsMaxCount,
			MaxBytes: settings.OfflineQueue.MaxSizeBytes,
			MaxAge:   maxAge,
		},
	}, clk, log)
	if err != nil {
		return exitErr(exitGeneral, "open offline queue: %v", err)
	}
	defer queues.Close()

	reports, err := queue.NewReportDir(layout.ErrorReportDir(), clk, log)
	if err != nil {
		return exitErr(exitGeneral, "open report directory: %v", err)
	}

	bus := events.New()
	if metricsAddr != "" {
		// Debug mode: echo lifecycle events alongside the regular log.
		evts, unsubscribe := bus.Subscribe()
		defer unsubscribe()
		go func() {
			for evt := range evts {
				log.Info("lifecycle event", "type", evt.Type, "detail", evt.Detail)
			}
		}()
	}

	// The orchestrator and the executor/pipeline reference each other;
	// the closures bind before Start runs.
	var orch *agent.Orchestrator

	exec := executor.New(executor.Config{
		QueueSize:      settings.CommandQueueMaxSize,
		MaxParallel:    settings.CommandMaxParallel,
		DefaultTimeout: settings.CommandDefaultTimeout(),
		Deliver:        func(res protocol.CommandResult) { orch.DeliverResult(res) },
		Log:            log,
	})
	exec.Register(executor.KindConsole, executor.ConsoleHandler())

	installDir := dir
	pipeline := update.New(update.Config{
		Downloader:     httpClient,
		Layout:         layout,
		InstallDir:     installDir,
		CurrentVersion: version,
		Emit:           func(st protocol.UpdateStatus) { orch.EmitUpdateStatus(st) },
		Log:            log,
	})

	orch = agent.New(agent.Config{
		Settings: settings,
		Identity: identity,
		Store:    store,
		Vault:    vlt,
		HTTP:     httpClient,
		Dial: func(ctx context.Context, wsURL, agentID, token string) (agent.Session, error) {
			sess, err := ws.Dial(ctx, wsURL, agentID, token, log)
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
		Queues:          queues,
		Reports:         reports,
		Executor:        exec,
		Sampler:         sampler.New("/", clk, log),
		Update:          pipeline,
		Clock:           clk,
		Bus:             bus,
		Log:             log,
		Version:         version,
		LastVersionFile: layout.LastVersionFile(),
		RollbackMarker:  layout.RollbackMarkerFile(),
	})

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", "addr", metricsAddr, "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info("metrics exposed", "addr", metricsAddr)
	}

	log.Info("cms-agent starting", "version", version, "data_root", flags.dataRoot)
	err = service.RunHost(ctx, log, orch.Start)
	if errors.Is(err, agent.ErrConfigurationError) {
		return exitErr(exitGeneral, "%v", err)
	}
	return err
}

// runConfigure is the interactive enrollment wizard. It asks for the
// host's room position, identifies against the control plane (handling
// the MFA round when required), and persists the encrypted token.
func runConfigure(ctx context.Context, flags *globalFlags) error {
	dir, err := configDir(flags)
	if err != nil {
		return exitErr(exitGeneral, "%v", err)
	}
	settings, err := config.LoadSettings(dir, flags.env)
	if err != nil {
		return exitErr(exitGeneral, "%v", err)
	}

	layout := paths.New(flags.dataRoot)
	if err := layout.Ensure(); err != nil {
		return exitErr(exitConfigSave, "prepare data root: %v", err)
	}

	store := config.NewIdentityStore(layout.IdentityFile())
	identity, err := store.Load()
	if err != nil {
		return exitErr(exitConfigSave, "load identity: %v", err)
	}
	if identity == nil {
		identity = &config.Identity{AgentID: uuid.NewString()}
		fmt.Printf("generated agent id %s\n", identity.AgentID)
	} else {
		fmt.Printf("existing agent id %s\n", identity.AgentID)
	}

	in := bufio.NewReader(os.Stdin)
	loc, err := promptLocation(in, identity.Location)
	if err != nil {
		return err
	}
	identity.Location = loc

	client, err := httpx.New(settings.ServerBaseURL, settings.HTTPRequestTimeout(), settings.RetryInitialDelay(), logging.Discard())
	if err != nil {
		return exitErr(exitGeneral, "build http client: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	outcome, err := client.Identify(reqCtx, protocol.IdentifyRequest{
		AgentID:    identity.AgentID,
		Location:   identity.Location,
		ForceRenew: true,
	})
	if err != nil {
		return exitErr(exitServerUnreachable, "identify: %v", err)
	}

	token := ""
	switch {
	case outcome.Success:
		token = outcome.Token
	case outcome.MFARequired:
		token, err = promptMFA(reqCtx, in, client, identity.AgentID)
		if err != nil {
			return err
		}
	case outcome.PositionError:
		return exitErr(exitConfigSave, "position rejected by server: %s", outcome.Message)
	default:
		return exitErr(exitServerUnreachable, "identify rejected: %s", outcome.Message)
	}
	if token == "" {
		return exitErr(exitServerUnreachable, "server accepted identify but issued no token")
	}

	vlt, err := vault.New(layout.KeySaltFile())
	if err != nil {
		return exitErr(exitConfigSave, "open token vault: %v", err)
	}
	blob, err := vlt.Encrypt(token)
	if err != nil {
		return exitErr(exitConfigSave, "encrypt token: %v", err)
	}
	identity.EncryptedToken = blob
	if err := store.Save(identity); err != nil {
		return exitErr(exitConfigSave, "persist identity: %v", err)
	}

	fmt.Printf("enrolled as %s in room %q at (%d,%d)\n",
		identity.AgentID, loc.Room, loc.X, loc.Y)
	return nil
}

func promptLocation(in *bufio.Reader, current protocol.Location) (protocol.Location, error) {
	room, err := promptString(in, "Room", current.Room)
	if err != nil {
		return protocol.Location{}, err
	}
	x, err := promptInt(in, "Position X", current.X)
	if err != nil {
		return protocol.Location{}, err
	}
	y, err := promptInt(in, "Position Y", current.Y)
	if err != nil {
		return protocol.Location{}, err
	}
	return protocol.Location{Room: room, X: x, Y: y}, nil
}

func promptString(in *bufio.Reader, label, current string) (string, error) {
	for {
		if current != "" {
			fmt.Printf("%s [%s]: ", label, current)
		} else {
			fmt.Printf("%s: ", label)
		}
		line, err := in.ReadString('\n')
		if err != nil {
			return "", exitErr(exitUserCancelled, "input aborted")
		}
		line = strings.TrimSpace(line)
		if line == "" && current != "" {
			return current, nil
		}
		if line != "" {
			return line, nil
		}
	}
}

func promptInt(in *bufio.Reader, label string, current int) (int, error) {
	for {
		s, err := promptString(in, label, strconv.Itoa(current))
		if err != nil {
			return 0, err
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			fmt.Println("please enter a whole number")
			continue
		}
		return v, nil
	}
}

func promptMFA(ctx context.Context, in *bufio.Reader, client *httpx.Client, agentID string) (string, error) {
	code, err := promptString(in, "MFA code", "")
	if err != nil {
		return "", err
	}
	resp, err := client.VerifyMFA(ctx, protocol.VerifyMFARequest{AgentID: agentID, MFACode: code})
	if err != nil {
		return "", exitErr(exitServerUnreachable, "verify mfa: %v", err)
	}
	if !resp.Success || resp.Token == "" {
		return "", exitErr(exitServerUnreachable, "mfa rejected: %s", resp.Message)
	}
	return resp.Token, nil
}
