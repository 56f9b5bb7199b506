package service

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/cmsuite/cms-agent/internal/logging"
)

// RunHost runs fn under the service manager's lifecycle: READY is
// announced once fn is underway, SIGTERM/SIGINT become context
// cancellation, and STOPPING is announced on the way out. No business
// logic lives here.
func RunHost(ctx context.Context, log *logging.Logger, fn func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", "error", err)
	} else if !sent {
		log.Debug("not running under systemd, sd_notify skipped")
	}

	err := fn(ctx)

	if _, notifyErr := daemon.SdNotify(false, daemon.SdNotifyStopping); notifyErr != nil {
		log.Warn("sd_notify stopping failed", "error", notifyErr)
	}
	return err
}
