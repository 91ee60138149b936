package storage

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tonkeeper/ssestream/internal/models"
)

func TestNewValkeyStorage_InvalidURI(t *testing.T) {
	if _, err := NewValkeyStorage("invalid://uri"); err == nil {
		t.Error("Expected error for invalid URI, got nil")
	}
}

func TestPingWithRetry(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:9999", // nothing listens here
		DialTimeout: 100 * time.Millisecond,
	})
	defer func() {
		if err := client.Close(); err != nil {
			t.Logf("Failed to close Redis client: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	err := pingWithRetry(ctx, client, 2)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected error when connecting to non-existent Redis, got nil")
	}
	// two retries wait at least 100ms + 200ms
	if elapsed < 300*time.Millisecond {
		t.Errorf("pingWithRetry() returned after %v, retries did not back off", elapsed)
	}
}

func TestTopicKey(t *testing.T) {
	tests := []struct {
		channel string
		topic   string
		ok      bool
	}{
		{channel: topicKey("news"), topic: "news", ok: true},
		{channel: "topic:plain", topic: "plain", ok: true},
		{channel: "client:{x}", ok: false},
		{channel: "topic:{}", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			topic, ok := topicFromChannel(tt.channel)
			if topic != tt.topic || ok != tt.ok {
				t.Errorf("topicFromChannel(%q) = %q, %v; want %q, %v", tt.channel, topic, ok, tt.topic, tt.ok)
			}
		})
	}
}

func TestMessageCodec(t *testing.T) {
	in := models.SseMessage{EventId: 77, Topic: "t", Message: []byte(`{"a":1}`)}
	data, err := encodeMessage(in)
	if err != nil {
		t.Fatalf("encodeMessage() error = %v", err)
	}
	out, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decodeMessage() error = %v", err)
	}
	if out.EventId != in.EventId || out.Topic != in.Topic || string(out.Message) != string(in.Message) {
		t.Errorf("decodeMessage() = %+v, want %+v", out, in)
	}
	if _, err := decodeMessage([]byte("{")); err == nil {
		t.Error("decodeMessage() must fail on broken json")
	}
}
