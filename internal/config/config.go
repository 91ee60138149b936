package config

import (
	"log"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"
)

var Config = struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Port        int    `env:"PORT" envDefault:"8081"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9103"`
	Storage     string `env:"STORAGE" envDefault:"memory"` // memory or valkey

	// Redis related settings
	ValkeyURI string `env:"VALKEY_URI"`

	// Demo server settings
	CorsEnable         bool     `env:"CORS_ENABLE"`
	HeartbeatInterval  int      `env:"HEARTBEAT_INTERVAL" envDefault:"10"`
	RPSLimit           int      `env:"RPS_LIMIT" envDefault:"10"`
	ConnectionsLimit   int      `env:"CONNECTIONS_LIMIT" envDefault:"50"`
	TrustedProxyRanges []string `env:"TRUSTED_PROXY_RANGES" envDefault:"0.0.0.0/0"`
	MaxBodySize        int64    `env:"MAX_BODY_SIZE" envDefault:"10485760"` // 10 MB
	PprofEnabled       bool     `env:"PPROF_ENABLED" envDefault:"true"`
	MessageTTL         int64    `env:"MESSAGE_TTL" envDefault:"300"`
	TokenDelayMs       int      `env:"TOKEN_DELAY_MS" envDefault:"50"`

	// NTP settings for event id timestamps
	NTPEnabled      bool     `env:"NTP_ENABLED" envDefault:"false"`
	NTPServers      []string `env:"NTP_SERVERS" envSeparator:","`
	NTPSyncInterval int      `env:"NTP_SYNC_INTERVAL" envDefault:"300"`
	NTPQueryTimeout int      `env:"NTP_QUERY_TIMEOUT" envDefault:"5"`

	// Client settings
	SseBaseURL string `env:"SSE_BASE_URL"`
	SseDebug   bool   `env:"SSE_DEBUG" envDefault:"false"`
}{}

func LoadConfig() {
	if err := env.Parse(&Config); err != nil {
		log.Fatalf("config parsing failed: %v\n", err)
	}

	level, err := logrus.ParseLevel(strings.ToLower(Config.LogLevel))
	if err != nil {
		log.Printf("Invalid LOG_LEVEL '%s', using default 'info'. Valid levels: panic, fatal, error, warn, info, debug, trace", Config.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
