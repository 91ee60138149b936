package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/tonkeeper/ssestream/internal"
	"github.com/tonkeeper/ssestream/internal/app"
	"github.com/tonkeeper/ssestream/internal/config"
	demo_middleware "github.com/tonkeeper/ssestream/internal/middleware"
	"github.com/tonkeeper/ssestream/internal/ntp"
	"github.com/tonkeeper/ssestream/internal/server"
	"github.com/tonkeeper/ssestream/internal/storage"
	"github.com/tonkeeper/ssestream/internal/utils"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"
)

func main() {
	log.Info(fmt.Sprintf("ssedemo %s is running", internal.VersionRevision))
	config.LoadConfig()

	store := "memory"
	if config.Config.Storage != "" {
		store = config.Config.Storage
	}
	app.InitMetrics(store)

	dbConn, err := storage.NewStorage(store, config.Config.ValkeyURI)
	if err != nil {
		log.Fatalf("failed to create storage: %v", err)
	}
	defer dbConn.Close()
	log.WithField("storage", store).Info("storage ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	healthManager := app.NewHealthManager()
	healthManager.UpdateHealthStatus(dbConn)
	go healthManager.StartHealthMonitoring(ctx, dbConn, 5*time.Second)

	extractor, err := utils.NewRealIPExtractor(config.Config.TrustedProxyRanges)
	if err != nil {
		log.Warnf("failed to create realIPExtractor: %v, using defaults", err)
		extractor, _ = utils.NewRealIPExtractor([]string{})
	}

	mux := http.NewServeMux()
	mux.Handle("/health", http.HandlerFunc(healthManager.HealthHandler))
	mux.Handle("/ready", http.HandlerFunc(healthManager.HealthHandler))
	mux.Handle("/version", http.HandlerFunc(app.VersionHandler))
	mux.Handle("/metrics", promhttp.Handler())
	if config.Config.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
	}
	go func() {
		log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", config.Config.MetricsPort), mux))
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		DisableStackAll:   true,
		DisablePrintStack: false,
	}))
	e.Use(app.LogrusLoggerMiddleware())
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: app.OnlyPaths("/bridge/message", "/v1/stream"),
		Store:   middleware.NewRateLimiterMemoryStore(rate.Limit(config.Config.RPSLimit)),
	}))
	e.Use(app.ConnectionsLimitMiddleware(
		demo_middleware.NewConnectionLimiter(config.Config.ConnectionsLimit, extractor),
		app.OnlyPaths("/bridge/events", "/v1/stream"),
	))

	if config.Config.CorsEnable {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     []string{"*"},
			AllowMethods:     []string{echo.GET, echo.POST, echo.OPTIONS},
			AllowHeaders:     []string{"Cache-Control", "Content-Type", "Authorization", "Last-Event-ID"},
			AllowCredentials: true,
			MaxAge:           86400,
		}))
	}

	var timeProvider server.TimeProvider
	if config.Config.NTPEnabled {
		ntpClient := ntp.NewClient(ntp.Options{
			Servers:      config.Config.NTPServers,
			SyncInterval: time.Duration(config.Config.NTPSyncInterval) * time.Second,
			QueryTimeout: time.Duration(config.Config.NTPQueryTimeout) * time.Second,
		})
		ntpClient.Start(ctx)
		defer ntpClient.Stop()
		timeProvider = ntpClient
		log.WithField("servers", config.Config.NTPServers).Info("NTP synchronization enabled")
	} else {
		timeProvider = server.NewLocalTimeProvider()
		log.Info("NTP synchronization disabled, using local time")
	}

	h := server.NewHandler(dbConn, timeProvider, server.Options{
		HeartbeatInterval: time.Duration(config.Config.HeartbeatInterval) * time.Second,
		TokenDelay:        time.Duration(config.Config.TokenDelayMs) * time.Millisecond,
		MessageTTL:        config.Config.MessageTTL,
		MaxBodySize:       config.Config.MaxBodySize,
	})
	h.Register(e)

	var existedPaths []string
	for _, r := range e.Routes() {
		existedPaths = append(existedPaths, r.Path)
	}
	p := prometheus.NewPrometheus("http", func(c echo.Context) bool {
		return !slices.Contains(existedPaths, c.Path())
	})
	e.Use(p.HandlerFunc)

	log.Fatal(e.Start(fmt.Sprintf(":%v", config.Config.Port)))
}
