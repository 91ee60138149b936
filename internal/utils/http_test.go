package utils

import (
	"net/http"
	"testing"
	"time"
)

func TestRealIPExtractor(t *testing.T) {
	tests := []struct {
		name          string
		forwardedFor  string
		remoteAddr    string
		trustedRanges []string
		want          string
	}{
		{
			name:          "no forwarding chain uses remote address",
			remoteAddr:    "203.0.113.1",
			trustedRanges: []string{"192.168.1.0/24"},
			want:          "203.0.113.1",
		},
		{
			name:          "trusted proxy forwards client address",
			forwardedFor:  "203.0.113.1",
			remoteAddr:    "192.168.1.1",
			trustedRanges: []string{"192.168.1.0/24"},
			want:          "203.0.113.1",
		},
		{
			name:          "untrusted proxy is the client",
			forwardedFor:  "203.0.113.1",
			remoteAddr:    "192.168.1.1",
			trustedRanges: []string{"10.0.0.0/8"},
			want:          "192.168.1.1",
		},
		{
			name:          "chain returns rightmost untrusted hop",
			forwardedFor:  "203.0.113.100, 8.8.8.8, 192.168.1.50, 10.0.0.25",
			remoteAddr:    "192.168.1.1",
			trustedRanges: []string{"192.168.1.0/24", "10.0.0.0/8"},
			want:          "8.8.8.8",
		},
		{
			name:          "bracketed IPv6 remote address",
			remoteAddr:    "[2001:db8::1]",
			trustedRanges: []string{"192.168.1.0/24"},
			want:          "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			extractor, err := NewRealIPExtractor(tt.trustedRanges)
			if err != nil {
				t.Fatalf("NewRealIPExtractor() error = %v", err)
			}
			req := &http.Request{Header: make(http.Header), RemoteAddr: tt.remoteAddr}
			if tt.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			if got := extractor.Extract(req); got != tt.want {
				t.Errorf("Extract() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRealIPExtractor_InvalidRange(t *testing.T) {
	if _, err := NewRealIPExtractor([]string{"not-a-range"}); err == nil {
		t.Error("expected error for invalid trusted range")
	}
}

func TestRunWithRecovery(t *testing.T) {
	done := make(chan struct{})
	RunWithRecovery(func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("function was not run")
	}
}
