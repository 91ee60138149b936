package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tonkeeper/ssestream/internal/models"
)

var (
	expiredMessagesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssestream_expired_messages_total",
		Help: "The total number of messages that expired before any subscriber received them",
	})

	// Delivered remembers event ids written to at least one subscriber.
	Delivered = NewDeliveryCache(time.Hour)
)

// Storage keeps topic history and fans published messages out to
// subscribers. Sends to subscriber channels never block.
type Storage interface {
	Pub(ctx context.Context, message models.SseMessage, ttl int64) error
	Sub(ctx context.Context, topics []string, lastEventId int64, messageCh chan<- models.SseMessage) error
	Unsub(ctx context.Context, topics []string, messageCh chan<- models.SseMessage) error
	HealthCheck() error
	Close() error
}

func NewStorage(storageType string, uri string) (Storage, error) {
	switch storageType {
	case "valkey", "redis":
		return NewValkeyStorage(uri)
	case "memory", "":
		return NewMemStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

func encodeMessage(m models.SseMessage) ([]byte, error) {
	b, err := sonic.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return b, nil
}

func decodeMessage(data []byte) (models.SseMessage, error) {
	var m models.SseMessage
	if err := sonic.Unmarshal(data, &m); err != nil {
		return models.SseMessage{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return m, nil
}

func offer(ch chan<- models.SseMessage, m models.SseMessage) bool {
	select {
	case ch <- m:
		return true
	default:
		// subscriber is too slow, skip
		return false
	}
}
