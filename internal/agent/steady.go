package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cmsuite/cms-agent/internal/events"
	"github.com/cmsuite/cms-agent/internal/metrics"
	"github.com/cmsuite/cms-agent/internal/protocol"
	"github.com/cmsuite/cms-agent/internal/queue"
	"github.com/cmsuite/cms-agent/internal/update"
)

const (
	sendTimeout         = 10 * time.Second
	queueExpireInterval = 10 * time.Minute
)

// runSteadyState performs the CONNECTED duties until the session ends,
// shutdown begins, or an update hands control to the updater.
func (o *Orchestrator) runSteadyState(ctx context.Context, sess Session) {
	clk := o.cfg.Clock

	if !o.hardwareSent {
		o.submitInventory(ctx)
	}
	o.flushPendingStatuses(ctx, sess)
	o.drainQueues(ctx, sess)

	var refreshCh <-chan time.Time
	if iv := o.cfg.Settings.TokenRefreshInterval(); iv > 0 {
		refreshCh = clk.After(iv / 2)
	}

	expireCh := clk.After(queueExpireInterval)

	// The first update check fires off the monotonic clock; the
	// recurring schedule runs on cron.
	var firstCheckCh <-chan time.Time
	cronCheck := make(chan struct{}, 1)
	if o.cfg.Settings.AutoUpdateEnabled {
		firstCheckCh = clk.After(firstUpdateCheckDelay)
		if iv := o.cfg.Settings.AutoUpdateInterval(); iv > 0 {
			c := cron.New()
			_, err := c.AddFunc(fmt.Sprintf("@every %s", iv), func() {
				select {
				case cronCheck <- struct{}{}:
				default:
				}
			})
			if err != nil {
				o.log.Error("recurring update check not scheduled", "interval", iv, "error", err)
			} else {
				c.Start()
				defer c.Stop()
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return

		case in, ok := <-sess.Inbound():
			if !ok {
				return
			}
			switch {
			case in.Command != nil:
				o.cfg.Executor.Submit(*in.Command)
			case in.Update != nil:
				if o.maybeUpdate(ctx, *in.Update) {
					return
				}
			}

		case <-firstCheckCh:
			firstCheckCh = nil
			if o.checkForUpdate(ctx) {
				return
			}

		case <-cronCheck:
			if o.checkForUpdate(ctx) {
				return
			}

		case <-refreshCh:
			if err := o.refreshToken(ctx, false); err != nil {
				o.log.Warn("proactive token refresh failed", "error", err)
				o.report(ctx, protocol.ReportHTTPRequestFailed, err.Error())
			}
			refreshCh = clk.After(o.cfg.Settings.TokenRefreshInterval())

		case <-expireCh:
			if err := o.cfg.Queues.Expire(clk.Now()); err != nil {
				o.log.Warn("queue expiry failed", "error", err)
			}
			if err := o.cfg.Reports.Expire(clk.Now(),
				o.cfg.Settings.OfflineQueue.ErrorReportsMaxCount,
				o.cfg.Settings.OfflineQueueMaxAge()); err != nil {
				o.log.Warn("report expiry failed", "error", err)
			}
			expireCh = clk.After(queueExpireInterval)
		}
	}
}

// submitInventory is the one-shot hardware submission. Best-effort:
// the agent works fine without it, so a failure only produces a report.
func (o *Orchestrator) submitInventory(ctx context.Context) {
	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.Settings.HTTPRequestTimeout())
	defer cancel()

	inv := o.cfg.Sampler.Inventory(sendCtx)
	if err := o.cfg.HTTP.SubmitHardwareInventory(sendCtx, inv); err != nil {
		o.log.Warn("hardware inventory submission failed", "error", err)
		o.report(ctx, protocol.ReportHardwareInfoFailed, err.Error())
		return
	}
	o.hardwareSent = true
	o.log.Info("hardware inventory submitted")
}

// flushPendingStatuses delivers update statuses recorded before this
// session existed (update_success, rollback failures). Undelivered
// ones stay pending for the next session.
func (o *Orchestrator) flushPendingStatuses(ctx context.Context, sess Session) {
	remaining := o.pendingStatuses[:0]
	for _, st := range o.pendingStatuses {
		if err := o.sendUpdateStatus(ctx, sess, st); err != nil {
			remaining = append(remaining, st)
		}
	}
	o.pendingStatuses = remaining
}

// drainQueues empties the offline queues in the fixed order status
// reports, command results, error reports. A failure in one kind stops
// that kind but not the following ones.
func (o *Orchestrator) drainQueues(ctx context.Context, sess Session) {
	sent, err := o.cfg.Queues.Drain(ctx, queue.KindStatusReports, func(item queue.Item) error {
		return o.sendRaw(ctx, sess, protocol.EventStatusUpdate, item.Payload)
	})
	o.logDrain(queue.KindStatusReports, sent, err)

	sent, err = o.cfg.Queues.Drain(ctx, queue.KindCommandResults, func(item queue.Item) error {
		return o.sendRaw(ctx, sess, protocol.EventCommandResult, item.Payload)
	})
	o.logDrain(queue.KindCommandResults, sent, err)

	sent, err = o.cfg.Reports.Drain(ctx, func(rep protocol.ErrorReport) error {
		sendCtx, cancel := context.WithTimeout(ctx, o.cfg.Settings.HTTPRequestTimeout())
		defer cancel()
		return o.cfg.HTTP.ReportError(sendCtx, rep)
	})
	o.logDrain("error_reports", sent, err)
}

func (o *Orchestrator) logDrain(kind any, sent int, err error) {
	if err != nil {
		o.log.Warn("offline drain interrupted", "kind", kind, "sent", sent, "error", err)
	} else if sent > 0 {
		o.log.Info("offline queue drained", "kind", kind, "sent", sent)
	}
}

// sendStatus samples and emits one status report: live over the current
// session, otherwise into the offline queue.
func (o *Orchestrator) sendStatus(ctx context.Context) {
	report := o.cfg.Sampler.Sample(ctx)
	if sess := o.currentSession(); sess != nil {
		if err := o.send(ctx, sess, protocol.EventStatusUpdate, report); err == nil {
			metrics.StatusReportsSent.Inc()
			return
		}
		o.log.Warn("status report not sent live, queueing")
	}
	if err := o.cfg.Queues.Enqueue(queue.KindStatusReports, report); err != nil {
		o.log.Error("status report lost", "error", err)
	}
}

// DeliverResult routes a finished command result: live when connected,
// else to the offline queue. It is the executor's delivery function.
func (o *Orchestrator) DeliverResult(res protocol.CommandResult) {
	o.cfg.Bus.Publish(events.Event{Type: events.EventCommandDone, Detail: res.CommandID})

	if sess := o.currentSession(); sess != nil {
		if err := o.send(context.Background(), sess, protocol.EventCommandResult, res); err == nil {
			return
		}
	}
	if err := o.cfg.Queues.Enqueue(queue.KindCommandResults, res); err != nil {
		o.log.Error("command result lost", "command_id", res.CommandID, "error", err)
	}
}

// EmitUpdateStatus publishes update pipeline progress over the live
// session. It is the pipeline's emitter.
func (o *Orchestrator) EmitUpdateStatus(st protocol.UpdateStatus) {
	o.cfg.Bus.Publish(events.Event{Type: events.EventUpdateStatus, Detail: st.Status})

	sess := o.currentSession()
	if sess == nil {
		o.pendingStatuses = append(o.pendingStatuses, st)
		return
	}
	if err := o.sendUpdateStatus(context.Background(), sess, st); err != nil {
		o.log.Warn("update status not sent", "status", st.Status, "error", err)
		o.pendingStatuses = append(o.pendingStatuses, st)
	}
}

func (o *Orchestrator) sendUpdateStatus(ctx context.Context, sess Session, st protocol.UpdateStatus) error {
	return o.send(ctx, sess, protocol.EventUpdateStatus, st)
}

func (o *Orchestrator) send(ctx context.Context, sess Session, t protocol.EventType, payload any) error {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return sess.Send(sendCtx, env)
}

func (o *Orchestrator) sendRaw(ctx context.Context, sess Session, t protocol.EventType, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return sess.Send(sendCtx, protocol.Envelope{Type: t, Payload: payload})
}

// checkForUpdate polls the control plane and starts the pipeline when a
// newer version is offered. Reports whether the agent is now updating.
func (o *Orchestrator) checkForUpdate(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, o.cfg.Settings.HTTPRequestTimeout())
	desc, err := o.cfg.HTTP.CheckUpdate(reqCtx, o.cfg.Version)
	cancel()
	if err != nil {
		o.log.Warn("update check failed", "error", err)
		return false
	}
	if desc == nil {
		return false
	}
	return o.maybeUpdate(ctx, *desc)
}

// maybeUpdate runs the update pipeline for a descriptor. Reports true
// when the updater was launched and the agent must shut down.
func (o *Orchestrator) maybeUpdate(ctx context.Context, desc protocol.UpdateDescriptor) bool {
	if !update.Newer(o.cfg.Version, desc.Version) {
		o.log.Debug("offered version is not newer",
			"current", o.cfg.Version, "offered", desc.Version)
		return false
	}

	o.sm.Transition(StateUpdating)
	launched, err := o.cfg.Update.Run(ctx, desc)
	if err != nil {
		o.log.Error("update pipeline failed", "version", desc.Version, "error", err)
		o.report(ctx, protocol.ReportUpdateDownloadFailed, err.Error())
	}
	if !launched {
		o.sm.Transition(StateConnected)
		return false
	}

	o.updating.Store(true)
	o.log.Info("updater launched, shutting down for handover")
	return true
}
