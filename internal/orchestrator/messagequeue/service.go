// Package messagequeue holds prompts submitted while a turn is running.
package messagequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/common/logger"
)

// DefaultLimit bounds each queue when no limit is configured.
const DefaultLimit = 64

var (
	// ErrQueueFull is returned when a queue is at its limit.
	ErrQueueFull = errors.New("message queue is full")
	// ErrNotQueued is returned when a queue entry does not exist.
	ErrNotQueued = errors.New("message not queued")
)

// Service keeps one FIFO per queue key.
// Uses in-memory storage as queued messages are best-effort and transient.
type Service struct {
	queues map[string][]*QueuedMessage
	limit  int
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewService creates a queue service with limit entries per key.
func NewService(log *logger.Logger, limit int) *Service {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Service{
		queues: make(map[string][]*QueuedMessage),
		limit:  limit,
		logger: log.WithFields(zap.String("component", "message-queue")),
	}
}

// Enqueue appends a prompt to the queue for key.
func (s *Service) Enqueue(ctx context.Context, key, sessionID, content, model string) (*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queues[key]) >= s.limit {
		return nil, fmt.Errorf("%w: %d entries for %s", ErrQueueFull, s.limit, key)
	}

	msg := &QueuedMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Content:   content,
		Model:     model,
		QueuedAt:  time.Now(),
	}
	s.queues[key] = append(s.queues[key], msg)
	s.logger.Info("message queued",
		zap.String("queue_key", key),
		zap.String("session_id", sessionID),
		zap.Int("content_length", len(content)),
		zap.Int("queue_length", len(s.queues[key])))

	return msg, nil
}

// Dequeue removes and returns the oldest prompt for key.
func (s *Service) Dequeue(ctx context.Context, key string) (*QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[key]
	if len(q) == 0 {
		return nil, false
	}
	msg := q[0]
	q[0] = nil
	if len(q) == 1 {
		delete(s.queues, key)
	} else {
		s.queues[key] = q[1:]
	}
	s.logger.Info("message dequeued",
		zap.String("queue_key", key),
		zap.String("queue_id", msg.ID))

	return msg, true
}

// Peek returns a copy of the oldest prompt for key without removing it.
func (s *Service) Peek(ctx context.Context, key string) (*QueuedMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := s.queues[key]
	if len(q) == 0 {
		return nil, false
	}
	msg := *q[0]
	return &msg, true
}

// Remove drops a prompt that was dispatched after a Peek. It reports false
// when the prompt is no longer queued.
func (s *Service) Remove(ctx context.Context, key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeLocked(key, id) == nil {
		return false
	}
	s.logger.Info("message dequeued",
		zap.String("queue_key", key),
		zap.String("queue_id", id))
	return true
}

// Len returns the number of prompts queued for key.
func (s *Service) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues[key])
}

// Clear drops every prompt queued for key and returns how many there were.
func (s *Service) Clear(ctx context.Context, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queues[key])
	delete(s.queues, key)
	if n > 0 {
		s.logger.Info("message queue cleared",
			zap.String("queue_key", key),
			zap.Int("dropped", n))
	}
	return n
}

// Cancel removes one queued prompt by id.
func (s *Service) Cancel(ctx context.Context, key, id string) (*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.removeLocked(key, id)
	if msg == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	s.logger.Info("queued message cancelled",
		zap.String("queue_key", key),
		zap.String("queue_id", id))
	return msg, nil
}

func (s *Service) removeLocked(key, id string) *QueuedMessage {
	q := s.queues[key]
	for i, msg := range q {
		if msg.ID != id {
			continue
		}
		s.queues[key] = append(q[:i:i], q[i+1:]...)
		if len(s.queues[key]) == 0 {
			delete(s.queues, key)
		}
		return msg
	}
	return nil
}

// UpdateMessage replaces the content of a queued prompt (for arrow up editing).
func (s *Service) UpdateMessage(ctx context.Context, key, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range s.queues[key] {
		if msg.ID == id {
			msg.Content = content
			s.logger.Info("queued message updated",
				zap.String("queue_key", key),
				zap.Int("new_length", len(content)))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotQueued, id)
}

// Retag points prompts queued against oldSID at newSID, after the engine
// minted a new session id. It returns the number of prompts changed.
func (s *Service) Retag(key, oldSID, newSID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, msg := range s.queues[key] {
		if msg.SessionID == oldSID {
			msg.SessionID = newSID
			n++
		}
	}
	if n > 0 {
		s.logger.Info("queued messages retagged",
			zap.String("queue_key", key),
			zap.String("old_session_id", oldSID),
			zap.String("new_session_id", newSID),
			zap.Int("count", n))
	}
	return n
}

// Status returns a snapshot of the queue for key.
func (s *Service) Status(ctx context.Context, key string) *QueueStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := s.queues[key]
	msgs := make([]*QueuedMessage, len(q))
	for i, m := range q {
		c := *m
		msgs[i] = &c
	}
	return &QueueStatus{
		IsQueued: len(q) > 0,
		Length:   len(q),
		Messages: msgs,
	}
}
