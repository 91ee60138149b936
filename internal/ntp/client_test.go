package ntp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Options{})
	if len(c.servers) != len(defaultServers) {
		t.Errorf("servers = %v", c.servers)
	}
	if c.syncInterval != 5*time.Minute || c.queryTimeout != 5*time.Second {
		t.Errorf("interval = %v, timeout = %v", c.syncInterval, c.queryTimeout)
	}
}

func TestClient_SyncOnceUsesFirstAnsweringServer(t *testing.T) {
	c := NewClient(Options{Servers: []string{"down", "up", "never"}})
	var asked []string
	c.query = func(server string, timeout time.Duration) (time.Duration, error) {
		asked = append(asked, server)
		if server == "down" {
			return 0, errors.New("timeout")
		}
		return time.Hour, nil
	}

	if !c.syncOnce() {
		t.Fatal("syncOnce() = false")
	}
	if len(asked) != 2 || asked[1] != "up" {
		t.Errorf("asked = %v", asked)
	}
	if c.Offset() != time.Hour || c.LastSync() == 0 {
		t.Errorf("offset = %v, lastSync = %d", c.Offset(), c.LastSync())
	}
	if diff := c.NowUnixMilli() - time.Now().UnixMilli(); diff < time.Hour.Milliseconds()-1000 {
		t.Errorf("NowUnixMilli() is %d ms ahead, want about an hour", diff)
	}
}

func TestClient_KeepsOffsetWhenAllFail(t *testing.T) {
	c := NewClient(Options{Servers: []string{"a"}})
	c.offset.Store(int64(time.Second))
	c.query = func(string, time.Duration) (time.Duration, error) {
		return 0, errors.New("unreachable")
	}
	if c.syncOnce() {
		t.Fatal("syncOnce() = true")
	}
	if c.Offset() != time.Second {
		t.Errorf("offset = %v, want 1s", c.Offset())
	}
}

func TestClient_StartStop(t *testing.T) {
	c := NewClient(Options{Servers: []string{"a"}, SyncInterval: 10 * time.Millisecond})
	calls := make(chan struct{}, 100)
	c.query = func(string, time.Duration) (time.Duration, error) {
		calls <- struct{}{}
		return time.Millisecond, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.Start(ctx) // no second loop

	for i := 0; i < 3; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("only %d syncs", i)
		}
	}
	c.Stop()
	c.Stop()
}
