package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tonkeeper/ssestream/internal/models"
)

type MemStorage struct {
	db          map[string][]message
	subscribers map[string][]chan<- models.SseMessage
	lock        sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
}

type message struct {
	models.SseMessage
	expireAt time.Time
}

func (m message) IsExpired(now time.Time) bool {
	return m.expireAt.Before(now)
}

func NewMemStorage() *MemStorage {
	s := &MemStorage{
		db:          map[string][]message{},
		subscribers: make(map[string][]chan<- models.SseMessage),
		done:        make(chan struct{}),
	}
	go s.watcher(time.Second)
	return s
}

// removeExpiredMessages splits ms into live messages and expired ones that
// were never delivered.
func removeExpiredMessages(ms []message, now time.Time) ([]message, []message) {
	results := make([]message, 0, len(ms))
	expired := make([]message, 0)
	for _, m := range ms {
		if !m.IsExpired(now) {
			results = append(results, m)
			continue
		}
		if !Delivered.IsMarked(m.EventId) {
			expired = append(expired, m)
		}
	}
	return results, expired
}

func (s *MemStorage) watcher(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.expire(now)
			Delivered.Cleanup()
		}
	}
}

func (s *MemStorage) expire(now time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for topic, msgs := range s.db {
		actual, expired := removeExpiredMessages(msgs, now)
		if len(actual) == 0 {
			delete(s.db, topic)
		} else {
			s.db[topic] = actual
		}
		for _, m := range expired {
			expiredMessagesMetric.Inc()
			logrus.WithFields(logrus.Fields{
				"prefix":   "MemStorage.expire",
				"topic":    topic,
				"event_id": m.EventId,
			}).Debug("message expired")
		}
	}
}

// Pub stores the message with ttl seconds to live and sends it to the
// current subscribers of its topic.
func (s *MemStorage) Pub(ctx context.Context, mes models.SseMessage, ttl int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.db[mes.Topic] = append(s.db[mes.Topic], message{
		SseMessage: mes,
		expireAt:   time.Now().Add(time.Duration(ttl) * time.Second),
	})
	for _, ch := range s.subscribers[mes.Topic] {
		offer(ch, mes)
	}
	return nil
}

// Sub registers messageCh for topics and replays stored messages newer
// than lastEventId.
func (s *MemStorage) Sub(ctx context.Context, topics []string, lastEventId int64, messageCh chan<- models.SseMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, topic := range topics {
		s.subscribers[topic] = append(s.subscribers[topic], messageCh)
	}

	now := time.Now()
	for _, topic := range topics {
		for _, msg := range s.db[topic] {
			if msg.IsExpired(now) || msg.EventId <= lastEventId {
				continue
			}
			offer(messageCh, msg.SseMessage)
		}
	}
	return nil
}

func (s *MemStorage) Unsub(ctx context.Context, topics []string, messageCh chan<- models.SseMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, topic := range topics {
		subscribers, ok := s.subscribers[topic]
		if !ok {
			continue
		}
		kept := make([]chan<- models.SseMessage, 0, len(subscribers))
		for _, ch := range subscribers {
			if ch != messageCh {
				kept = append(kept, ch)
			}
		}
		if len(kept) == 0 {
			delete(s.subscribers, topic)
		} else {
			s.subscribers[topic] = kept
		}
	}
	return nil
}

func (s *MemStorage) HealthCheck() error {
	return nil
}

func (s *MemStorage) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
