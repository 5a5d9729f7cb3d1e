package notify

import (
	"context"
	"sync"
)

// Fake records notifications for tests. Safe for concurrent use.
type Fake struct {
	mu   sync.Mutex
	sent []Message
	fail error
}

// Message is one recorded notification.
type Message struct {
	Subject string
	Body    string
}

func NewFake() *Fake {
	return &Fake{}
}

// FailWith makes every subsequent Send return err.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

// Sent returns a copy of all recorded notifications.
func (f *Fake) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *Fake) Send(ctx context.Context, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, Message{Subject: subject, Body: body})
	return nil
}
