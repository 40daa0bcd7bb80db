// Package telegram is the one concrete chat channel shipped as a worked
// example of the channel contract. It is deliberately thin: long polling in,
// plain text out, no reactions, no edits, no forum-topic routing.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/blufio/blufio/internal/channel"
	"github.com/blufio/blufio/pkg/models"
)

// Config configures the Telegram adapter.
type Config struct {
	Token string

	// PollTimeout is the long-polling timeout in seconds.
	PollTimeout int
}

// Adapter connects to Telegram via the Bot API using long polling.
type Adapter struct {
	bot    *telego.Bot
	logger *slog.Logger

	envelopes chan channel.Envelope

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	status   channel.Status
	lastPing time.Time
}

// New creates a Telegram adapter from config.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		bot:       bot,
		logger:    logger,
		envelopes: make(chan channel.Envelope, 100),
	}, nil
}

// Name implements channel.Adapter.
func (a *Adapter) Name() string { return "telegram" }

// Start begins long polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	a.mu.Lock()
	a.cancel = cancel
	a.done = make(chan struct{})
	a.status = channel.Status{Connected: true, LastPing: time.Now().Unix()}
	a.mu.Unlock()

	a.logger.Info("telegram adapter connected")

	go func() {
		defer close(a.done)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				a.handleUpdate(pollCtx, update)
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the receive loop to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.status = channel.Status{Connected: false}
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done != nil {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			a.logger.Warn("telegram adapter did not stop within timeout")
		}
	}
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	inbound := &models.Message{
		Role:      models.RoleUser,
		Content:   []models.ContentBlock{models.NewTextBlock(text)},
		CreatedAt: time.Now(),
	}

	env := channel.Envelope{Channel: a.Name(), SenderID: senderID, Message: inbound}
	select {
	case a.envelopes <- env:
	case <-ctx.Done():
	}
}

// Envelopes implements channel.InboundAdapter.
func (a *Adapter) Envelopes() <-chan channel.Envelope {
	return a.envelopes
}

// Send implements channel.OutboundAdapter, chunking long replies to stay
// under Telegram's 4096-character message limit.
func (a *Adapter) Send(ctx context.Context, senderID string, msg *models.Message) error {
	chatID, err := strconv.ParseInt(senderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", senderID, err)
	}

	text := msg.Text()
	if text == "" {
		return nil
	}

	chunker := channel.NewMessageChunker(4096)
	for _, chunk := range chunker.ChunkMarkdown(text) {
		params := tu.Message(tu.ID(chatID), chunk)
		if _, err := a.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// Status implements channel.HealthAdapter.
func (a *Adapter) Status() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// HealthCheck implements channel.HealthAdapter by calling getMe.
func (a *Adapter) HealthCheck(ctx context.Context) channel.HealthStatus {
	start := time.Now()
	_, err := a.bot.GetMe(ctx)
	latency := time.Since(start)
	if err != nil {
		return channel.HealthStatus{Healthy: false, Latency: latency, Message: err.Error(), LastCheck: time.Now()}
	}
	return channel.HealthStatus{Healthy: true, Latency: latency, LastCheck: time.Now()}
}
