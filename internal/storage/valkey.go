package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"github.com/tonkeeper/ssestream/internal/models"
)

const (
	topicPrefix     = "topic:"
	connectAttempts = 5
)

type ValkeyStorage struct {
	client      redis.UniversalClient
	pubSubConn  *redis.PubSub
	subscribers map[string][]chan<- models.SseMessage
	subMutex    sync.RWMutex
}

// NewValkeyStorage connects to a single Valkey/Redis node. The first ping is
// retried with exponential backoff.
func NewValkeyStorage(valkeyURI string) (*ValkeyStorage, error) {
	log := log.WithField("prefix", "NewValkeyStorage")

	opts, err := redis.ParseURL(strings.TrimSpace(valkeyURI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse URI: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pingWithRetry(ctx, client, connectAttempts); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	log.Info("Successfully connected to Valkey")
	return newValkeyStorage(client), nil
}

func newValkeyStorage(client redis.UniversalClient) *ValkeyStorage {
	return &ValkeyStorage{
		client:      client,
		subscribers: make(map[string][]chan<- models.SseMessage),
	}
}

func pingWithRetry(ctx context.Context, client redis.UniversalClient, attempts uint64) error {
	log := log.WithField("prefix", "pingWithRetry")
	b := retry.NewExponential(100 * time.Millisecond)
	b = retry.WithCappedDuration(2*time.Second, b)
	b = retry.WithMaxRetries(attempts, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			log.Debugf("ping failed: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Pub publishes the message on the topic channel and keeps it in a sorted
// set scored by expiry for late subscribers.
func (s *ValkeyStorage) Pub(ctx context.Context, message models.SseMessage, ttl int64) error {
	log := log.WithField("prefix", "ValkeyStorage.Pub")

	key := topicKey(message.Topic)
	data, err := encodeMessage(message)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to publish message to channel %s: %w", key, err)
	}

	expireAt := time.Now().Add(time.Duration(ttl) * time.Second).Unix()
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expireAt), Member: data})
	pipe.Expire(ctx, key, time.Duration(ttl)*time.Second+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store message for topic %s: %w", message.Topic, err)
	}

	log.Debugf("published message %d to %s with TTL %d seconds", message.EventId, message.Topic, ttl)
	return nil
}

// Sub replays live history newer than lastEventId and subscribes messageCh
// to the topic channels.
func (s *ValkeyStorage) Sub(ctx context.Context, topics []string, lastEventId int64, messageCh chan<- models.SseMessage) error {
	log := log.WithField("prefix", "ValkeyStorage.Sub")

	s.subMutex.Lock()
	defer s.subMutex.Unlock()

	for _, topic := range topics {
		s.subscribers[topic] = append(s.subscribers[topic], messageCh)
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	for _, topic := range topics {
		key := topicKey(topic)
		if err := s.client.ZRemRangeByScore(ctx, key, "0", now).Err(); err != nil {
			log.Warnf("failed to trim expired messages for %s: %v", key, err)
		}
		history, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil && err != redis.Nil {
			log.Errorf("failed to get historical messages for %s: %v", key, err)
			continue
		}
		for _, raw := range history {
			msg, err := decodeMessage([]byte(raw))
			if err != nil {
				log.Error(err)
				continue
			}
			if msg.EventId > lastEventId {
				offer(messageCh, msg)
			}
		}
	}

	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = topicKey(topic)
	}
	if s.pubSubConn == nil {
		s.pubSubConn = s.client.Subscribe(ctx, channels...)
		go s.handlePubSub(s.pubSubConn)
	} else if err := s.pubSubConn.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("failed to subscribe to channels: %w", err)
	}

	log.Debugf("subscribed to topics: %v", topics)
	return nil
}

// Unsub removes messageCh and drops channel subscriptions nobody uses anymore.
func (s *ValkeyStorage) Unsub(ctx context.Context, topics []string, messageCh chan<- models.SseMessage) error {
	s.subMutex.Lock()
	defer s.subMutex.Unlock()

	unused := make([]string, 0, len(topics))
	for _, topic := range topics {
		kept := make([]chan<- models.SseMessage, 0)
		for _, ch := range s.subscribers[topic] {
			if ch != messageCh {
				kept = append(kept, ch)
			}
		}
		if len(kept) == 0 {
			delete(s.subscribers, topic)
			unused = append(unused, topicKey(topic))
		} else {
			s.subscribers[topic] = kept
		}
	}

	if s.pubSubConn != nil && len(unused) > 0 {
		if err := s.pubSubConn.Unsubscribe(ctx, unused...); err != nil {
			return fmt.Errorf("failed to unsubscribe from channels: %w", err)
		}
	}
	return nil
}

func (s *ValkeyStorage) handlePubSub(ps *redis.PubSub) {
	log := log.WithField("prefix", "ValkeyStorage.handlePubSub")

	for msg := range ps.Channel() {
		topic, ok := topicFromChannel(msg.Channel)
		if !ok {
			continue
		}
		sseMessage, err := decodeMessage([]byte(msg.Payload))
		if err != nil {
			log.Error(err)
			continue
		}

		s.subMutex.RLock()
		for _, ch := range s.subscribers[topic] {
			offer(ch, sseMessage)
		}
		s.subMutex.RUnlock()
	}
}

func (s *ValkeyStorage) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("valkey health check failed: %w", err)
	}
	return nil
}

func (s *ValkeyStorage) Close() error {
	s.subMutex.Lock()
	ps := s.pubSubConn
	s.pubSubConn = nil
	s.subMutex.Unlock()
	if ps != nil {
		if err := ps.Close(); err != nil {
			log.WithField("prefix", "ValkeyStorage.Close").Warnf("failed to close pub-sub: %v", err)
		}
	}
	return s.client.Close()
}

// topicKey uses a hash tag so a topic's channel and history share a slot.
func topicKey(topic string) string {
	return fmt.Sprintf("%s{%s}", topicPrefix, topic)
}

func topicFromChannel(channel string) (string, bool) {
	rest, ok := strings.CutPrefix(channel, topicPrefix)
	if !ok {
		return "", false
	}
	if len(rest) >= 2 && strings.HasPrefix(rest, "{") && strings.HasSuffix(rest, "}") {
		rest = rest[1 : len(rest)-1]
	}
	return rest, rest != ""
}
