package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blufio/blufio/internal/agent"
	"github.com/blufio/blufio/internal/channel"
	"github.com/blufio/blufio/internal/costledger"
	"github.com/blufio/blufio/internal/heartbeat"
	"github.com/blufio/blufio/internal/sessions"
	"github.com/blufio/blufio/pkg/models"
)

// dispatcher resolves each inbound envelope to a session, runs it through
// the agent runtime, and sends the assembled reply back out the channel it
// arrived on. One heartbeat runner is kept alive per session for as long as
// that session stays active.
type dispatcher struct {
	runtime      *agent.Runtime
	provider     agent.LLMProvider
	defaultModel string
	sessions     sessions.Store
	registry     *channel.Registry
	scheduler    *heartbeat.Scheduler
	ledger       *costledger.Ledger
	logger       *slog.Logger
}

func (d *dispatcher) dispatch(ctx context.Context, env channel.Envelope) {
	session, err := d.sessions.GetOrCreate(ctx, env.Channel, env.SenderID)
	if err != nil {
		d.logger.Error("resolve session failed", "channel", env.Channel, "sender", env.SenderID, "error", err)
		return
	}

	if err := d.sessions.AppendMessage(ctx, session.ID, env.Message); err != nil {
		d.logger.Error("append inbound message failed", "session_id", session.ID, "error", err)
		return
	}

	d.ensureHeartbeat(ctx, session)

	chunks, err := d.runtime.Process(ctx, session, env.Message)
	if err != nil {
		d.logger.Error("process message failed", "session_id", session.ID, "error", err)
		return
	}

	var reply string
	for chunk := range chunks {
		if chunk.Error != nil {
			d.logger.Error("runtime chunk error", "session_id", session.ID, "error", chunk.Error)
			continue
		}
		reply += chunk.Text
	}
	if reply == "" {
		return
	}

	out := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   []models.ContentBlock{models.NewTextBlock(reply)},
	}
	if err := d.sessions.AppendMessage(ctx, session.ID, out); err != nil {
		d.logger.Error("append outbound message failed", "session_id", session.ID, "error", err)
	}

	outbound, ok := d.registry.Outbound(env.Channel)
	if !ok {
		d.logger.Warn("no outbound adapter for channel", "channel", env.Channel)
		return
	}
	if err := outbound.Send(ctx, env.SenderID, out); err != nil {
		d.logger.Error("send reply failed", "channel", env.Channel, "session_id", session.ID, "error", err)
	}
}

// ensureHeartbeat starts a per-session heartbeat runner the first time a
// session is seen. The runner's state snapshot is the session's history
// length: a tick finds nothing to do unless a new message has landed since
// the last one, at which point its low-cost check asks the model (via the
// same provider the runtime uses) whether anything is worth proactively
// surfacing, and records that call's usage against the cost ledger tagged
// heartbeat so it's distinguishable from user-turn spend.
func (d *dispatcher) ensureHeartbeat(ctx context.Context, session *models.Session) {
	runner := d.scheduler.GetOrCreate(session.ID, func(deliverCtx context.Context, ack *heartbeat.HeartbeatAck) error {
		outbound, ok := d.registry.Outbound(session.Channel)
		if !ok {
			return fmt.Errorf("no outbound adapter for channel %s", session.Channel)
		}
		return outbound.Send(deliverCtx, session.SenderID, &models.Message{
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Content:   []models.ContentBlock{models.NewTextBlock(ack.Text)},
		})
	}, func(event *heartbeat.HeartbeatEvent) {
		if event.Type == "error" {
			d.logger.Warn("heartbeat error", "session_id", session.ID, "error", event.Error)
		}
	})

	if runner.IsRunning() {
		return
	}

	runner.SetStateFunc(func(stateCtx context.Context) (string, error) {
		history, err := d.sessions.GetHistory(stateCtx, session.ID, 1)
		if err != nil {
			return "", err
		}
		if len(history) == 0 {
			return "", nil
		}
		return history[0].ID, nil
	})
	runner.SetCheckFunc(func(checkCtx context.Context) (string, int64, int64, bool, error) {
		return d.heartbeatCheck(checkCtx, session)
	})
	runner.SetUsageRecorder(func(usageCtx context.Context, model string, inputTokens, outputTokens int64) error {
		_, err := d.ledger.Record(usageCtx, costledger.Usage{
			SessionID:    session.ID,
			Feature:      models.FeatureHeartbeat,
			Model:        model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		})
		return err
	})

	runner.Start(ctx, "", session.ID)
}

// heartbeatHint is what the low-cost check asks the model, and "none" is
// the one-word reply it's told to give when nothing is worth surfacing, so
// a tick can tell "model ran and found nothing" apart from "model found
// something" without a second round trip.
const heartbeatHint = `Given only the last message below, reply with the single word "none" unless there is a concrete, time-sensitive follow-up the user would want proactively surfaced; if there is, reply with that follow-up in one short sentence.

Last message: %s`

// heartbeatCheck makes one minimal, tool-free completion call directly
// against the provider (bypassing the full agentic runtime loop) and reports
// its usage separately so heartbeat spend is never confused with user-turn
// spend in the cost ledger.
func (d *dispatcher) heartbeatCheck(ctx context.Context, session *models.Session) (string, int64, int64, bool, error) {
	history, err := d.sessions.GetHistory(ctx, session.ID, 1)
	if err != nil || len(history) == 0 {
		return "", 0, 0, false, err
	}

	chunks, err := d.provider.Complete(ctx, &agent.CompletionRequest{
		Model: d.defaultModel,
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: fmt.Sprintf(heartbeatHint, history[0].Text())},
		},
	})
	if err != nil {
		return "", 0, 0, false, err
	}

	var text string
	var inputTokens, outputTokens int
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", 0, 0, false, chunk.Error
		}
		text += chunk.Text
		if chunk.Done {
			inputTokens, outputTokens = chunk.InputTokens, chunk.OutputTokens
		}
	}

	if text == "" || text == "none" {
		return "", int64(inputTokens), int64(outputTokens), false, nil
	}
	return text, int64(inputTokens), int64(outputTokens), true, nil
}
