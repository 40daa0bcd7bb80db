package channel

import (
	"context"
	"testing"
	"time"

	"github.com/blufio/blufio/pkg/models"
)

type stubAdapter struct {
	name string
	sent []*models.Message
	in   chan Envelope
}

func newStubAdapter(name string) *stubAdapter {
	return &stubAdapter{name: name, in: make(chan Envelope, 4)}
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Send(ctx context.Context, senderID string, msg *models.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubAdapter) Envelopes() <-chan Envelope { return s.in }

func (s *stubAdapter) Start(ctx context.Context) error { return nil }
func (s *stubAdapter) Stop(ctx context.Context) error {
	close(s.in)
	return nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	a := newStubAdapter("memory")
	reg.Register(a)

	got, ok := reg.Get("memory")
	if !ok || got != a {
		t.Fatalf("expected to get back registered adapter")
	}

	out, ok := reg.Outbound("memory")
	if !ok || out != a {
		t.Fatalf("expected outbound adapter")
	}
}

func TestRegistryFanin(t *testing.T) {
	reg := NewRegistry()
	a := newStubAdapter("memory")
	reg.Register(a)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	fanned := reg.Fanin(ctx)

	msg := &models.Message{Content: []models.ContentBlock{models.NewTextBlock("hi")}}
	a.in <- Envelope{Channel: "memory", SenderID: "u1", Message: msg}

	select {
	case env := <-fanned:
		if env.SenderID != "u1" || env.Message.Text() != "hi" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestRegistryStartStopAll(t *testing.T) {
	reg := NewRegistry()
	a := newStubAdapter("memory")
	reg.Register(a)

	if err := reg.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := reg.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}
