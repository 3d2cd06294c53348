package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ceylonstays/concierge/internal/retry"
)

type fakeSendError struct{ retriable bool }

func (e *fakeSendError) Error() string   { return "send failed" }
func (e *fakeSendError) Retriable() bool { return e.retriable }

type fakeChannel struct {
	mu        sync.Mutex
	texts     []string
	templates []string
	failures  int // fail this many sends before succeeding
	err       error
}

func (f *fakeChannel) SendText(_ context.Context, _, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return "", f.err
	}
	f.texts = append(f.texts, body)
	return "wamid.out", nil
}

func (f *fakeChannel) SendTemplate(_ context.Context, _, template string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return "", f.err
	}
	f.templates = append(f.templates, template)
	return "wamid.out", nil
}

var sendPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestSenderRetriesTransient(t *testing.T) {
	ch := &fakeChannel{failures: 2, err: &fakeSendError{retriable: true}}
	s := NewSender(ch, sendPolicy, nil, nil)

	err := s.Send(context.Background(), OutboundMessage{
		RecipientID: "u1", Kind: KindFreeForm, Body: "hello", CorrelationID: "c1",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ch.texts) != 1 {
		t.Fatalf("delivered %d times, want 1", len(ch.texts))
	}
}

func TestSenderTerminalErrorNoRetry(t *testing.T) {
	ch := &fakeChannel{failures: 10, err: &fakeSendError{retriable: false}}
	s := NewSender(ch, sendPolicy, nil, nil)

	err := s.Send(context.Background(), OutboundMessage{
		RecipientID: "u1", Kind: KindFreeForm, Body: "hello", CorrelationID: "c1",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if ch.failures != 9 {
		t.Fatalf("terminal error retried: %d attempts", 10-ch.failures)
	}
}

func TestSenderCorrelationIdempotence(t *testing.T) {
	ch := &fakeChannel{}
	s := NewSender(ch, sendPolicy, nil, nil)
	msg := OutboundMessage{RecipientID: "u1", Kind: KindFreeForm, Body: "hello", CorrelationID: "c1"}

	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if len(ch.texts) != 1 {
		t.Fatalf("duplicate correlation id delivered %d times, want 1", len(ch.texts))
	}

	// A failed send is not marked delivered, so a retry by correlation id
	// still goes out.
	ch2 := &fakeChannel{failures: 10, err: &fakeSendError{retriable: false}}
	s2 := NewSender(ch2, sendPolicy, nil, nil)
	s2.Send(context.Background(), msg)
	ch2.failures = 0
	if err := s2.Send(context.Background(), msg); err != nil {
		t.Fatalf("resend after failure: %v", err)
	}
	if len(ch2.texts) != 1 {
		t.Fatalf("resend delivered %d times, want 1", len(ch2.texts))
	}
}

func TestSenderTemplateKind(t *testing.T) {
	ch := &fakeChannel{}
	s := NewSender(ch, sendPolicy, nil, nil)

	err := s.Send(context.Background(), OutboundMessage{
		RecipientID: "u1", Kind: KindTemplate, Template: "concierge_followup", CorrelationID: "c2",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ch.templates) != 1 || ch.templates[0] != "concierge_followup" {
		t.Fatalf("templates = %v", ch.templates)
	}
	if len(ch.texts) != 0 {
		t.Error("template message sent as text")
	}
}
