package server

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tonkeeper/ssestream/internal/models"
	"github.com/tonkeeper/ssestream/internal/storage"
)

// Session is one /bridge/events subscriber.
type Session struct {
	mux         sync.Mutex
	Topics      []string
	TraceID     string
	storage     storage.Storage
	messageCh   chan models.SseMessage
	lastEventId int64
	closed      bool
}

func NewSession(s storage.Storage, topics []string, lastEventId int64, traceID string) *Session {
	return &Session{
		Topics:      topics,
		TraceID:     traceID,
		storage:     s,
		messageCh:   make(chan models.SseMessage, 100),
		lastEventId: lastEventId,
	}
}

func (s *Session) Messages() <-chan models.SseMessage {
	return s.messageCh
}

// Start subscribes the session and queues the replayed history.
func (s *Session) Start(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.storage.Sub(ctx, s.Topics, s.lastEventId, s.messageCh)
}

// Close unsubscribes the session. The message channel stays open because
// storage may still hold a reference until Unsub returns.
func (s *Session) Close() {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err := s.storage.Unsub(context.Background(), s.Topics, s.messageCh); err != nil {
		log.WithField("prefix", "Session.Close").Errorf("failed to unsubscribe from storage: %v", err)
	}
}
