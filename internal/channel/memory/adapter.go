// Package memory implements an in-process channel adapter used by tests
// and the `blufio shell` command. It never touches the network.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/blufio/blufio/internal/channel"
	"github.com/blufio/blufio/pkg/models"
)

// Adapter is a loopback channel: Inject() feeds inbound envelopes, Send()
// records outbound messages for a test or the shell's own echo loop to read.
type Adapter struct {
	name string

	mu  sync.Mutex
	out []Sent

	envelopes chan channel.Envelope
	closeOnce sync.Once
}

// Sent records one outbound message captured by Send.
type Sent struct {
	SenderID string
	Message  *models.Message
}

// New creates a memory adapter. name defaults to "memory".
func New(name string) *Adapter {
	if name == "" {
		name = "memory"
	}
	return &Adapter{
		name:      name,
		envelopes: make(chan channel.Envelope, 64),
	}
}

// Name implements channel.Adapter.
func (a *Adapter) Name() string { return a.name }

// Inject pushes an inbound envelope as if it arrived over the wire.
func (a *Adapter) Inject(ctx context.Context, senderID string, msg *models.Message) {
	env := channel.Envelope{Channel: a.name, SenderID: senderID, Message: msg}
	select {
	case a.envelopes <- env:
	case <-ctx.Done():
	}
}

// Envelopes implements channel.InboundAdapter.
func (a *Adapter) Envelopes() <-chan channel.Envelope {
	return a.envelopes
}

// Send implements channel.OutboundAdapter, recording the message for retrieval.
func (a *Adapter) Send(ctx context.Context, senderID string, msg *models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = append(a.out, Sent{SenderID: senderID, Message: msg})
	return nil
}

// Sent returns every message captured by Send so far.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Sent, len(a.out))
	copy(out, a.out)
	return out
}

// Start implements channel.LifecycleAdapter; there is nothing to connect.
func (a *Adapter) Start(ctx context.Context) error { return nil }

// Stop implements channel.LifecycleAdapter, closing the envelope channel.
func (a *Adapter) Stop(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.envelopes) })
	return nil
}

// Status implements channel.HealthAdapter.
func (a *Adapter) Status() channel.Status {
	return channel.Status{Connected: true, LastPing: time.Now().Unix()}
}

// HealthCheck implements channel.HealthAdapter.
func (a *Adapter) HealthCheck(ctx context.Context) channel.HealthStatus {
	return channel.HealthStatus{Healthy: true, LastCheck: time.Now()}
}
