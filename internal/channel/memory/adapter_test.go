package memory

import (
	"context"
	"testing"
	"time"

	"github.com/blufio/blufio/pkg/models"
)

func TestAdapterInjectAndEnvelopes(t *testing.T) {
	a := New("")
	if a.Name() != "memory" {
		t.Fatalf("expected default name 'memory', got %q", a.Name())
	}

	msg := &models.Message{Content: []models.ContentBlock{models.NewTextBlock("hello")}}
	a.Inject(context.Background(), "user-1", msg)

	select {
	case env := <-a.Envelopes():
		if env.SenderID != "user-1" || env.Message.Text() != "hello" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for injected envelope")
	}
}

func TestAdapterSendRecordsMessages(t *testing.T) {
	a := New("shell")
	msg := &models.Message{Content: []models.ContentBlock{models.NewTextBlock("reply")}}

	if err := a.Send(context.Background(), "user-1", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sent := a.Sent()
	if len(sent) != 1 || sent[0].SenderID != "user-1" {
		t.Fatalf("expected one sent message for user-1, got %+v", sent)
	}
}

func TestAdapterStopClosesEnvelopes(t *testing.T) {
	a := New("memory")
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := <-a.Envelopes(); ok {
		t.Fatal("expected envelopes channel to be closed")
	}
}

func TestAdapterHealthCheck(t *testing.T) {
	a := New("memory")
	health := a.HealthCheck(context.Background())
	if !health.Healthy {
		t.Fatal("expected memory adapter to always report healthy")
	}
}
