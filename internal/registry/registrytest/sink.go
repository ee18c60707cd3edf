// Package registrytest provides an in-memory registry.Sink for tests.
package registrytest

import (
	"context"
	"sync"

	"parley/internal/models"
)

// Sink records every message sent to it. Err, when set, fails every send.
type Sink struct {
	id string

	mu       sync.Mutex
	messages []models.ServerMessage
	err      error
}

func NewSink(id string) *Sink {
	return &Sink{id: id}
}

func (s *Sink) ID() string {
	return s.id
}

func (s *Sink) Send(ctx context.Context, msg models.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.messages = append(s.messages, msg)
	return nil
}

// Fail makes subsequent sends return err. A nil err restores delivery.
func (s *Sink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Messages returns a copy of everything received so far.
func (s *Sink) Messages() []models.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ServerMessage(nil), s.messages...)
}

// OfType returns the received messages with the given type.
func (s *Sink) OfType(t models.ServerMessageType) []models.ServerMessage {
	var out []models.ServerMessage
	for _, m := range s.Messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}
