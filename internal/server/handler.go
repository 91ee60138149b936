// Package server is a development upstream that speaks text/event-stream:
// a token streaming endpoint and a small topic pub/sub.
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/tonkeeper/ssestream/internal/models"
	"github.com/tonkeeper/ssestream/internal/storage"
	"github.com/tonkeeper/ssestream/internal/utils"
)

const maxTTL = 300

var (
	activeConnectionMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ssedemo_active_connections",
		Help: "The number of open streaming responses",
	})
	publishedMessagesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssedemo_published_messages_total",
		Help: "The total number of messages published to topics",
	})
	deliveredMessagesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssedemo_delivered_messages_total",
		Help: "The total number of topic messages written to subscribers",
	})
	streamedTokensMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssedemo_streamed_tokens_total",
		Help: "The total number of tokens written by the stream endpoint",
	})
	badRequestMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssedemo_bad_requests_total",
		Help: "The total number of bad requests",
	})
	topicsPerConnectionMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ssedemo_topics_per_connection",
		Buckets: []float64{1, 2, 3, 4, 5, 10, 20, 50},
	})
)

type Options struct {
	HeartbeatInterval time.Duration
	TokenDelay        time.Duration
	// MessageTTL is used when a publish request names no ttl, in seconds.
	MessageTTL  int64
	MaxBodySize int64
}

type Handler struct {
	storage    storage.Storage
	eventIDGen *EventIDGenerator
	opts       Options
}

func NewHandler(s storage.Storage, timeProvider TimeProvider, opts Options) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.MessageTTL <= 0 || opts.MessageTTL > maxTTL {
		opts.MessageTTL = maxTTL
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 10 << 20
	}
	return &Handler{
		storage:    s,
		eventIDGen: NewEventIDGenerator(timeProvider),
		opts:       opts,
	}
}

// Register mounts the handler routes on e.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/v1/stream", h.StreamHandler)
	e.GET("/bridge/events", h.EventRegistrationHandler)
	e.POST("/bridge/message", h.SendMessageHandler)
}

type streamRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	Usage     bool   `json:"usage"`
}

// StreamHandler echoes the prompt back one whitespace separated token per
// event and ends with the sentinel.
func (h *Handler) StreamHandler(c echo.Context) error {
	traceID := utils.ParseOrGenerateTraceID(c.QueryParam("trace_id"))
	log := logrus.WithFields(logrus.Fields{
		"prefix":   "StreamHandler",
		"trace_id": traceID,
	})

	body, err := h.readBody(c)
	if err != nil {
		badRequestMetric.Inc()
		return c.JSON(utils.StatusError(err.Error(), http.StatusBadRequest))
	}
	var req streamRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		badRequestMetric.Inc()
		return c.JSON(utils.StatusError("body should be a json object", http.StatusBadRequest))
	}
	tokens := strings.Fields(req.Prompt)
	if len(tokens) == 0 {
		badRequestMetric.Inc()
		return c.JSON(utils.StatusError("param \"prompt\" is empty", http.StatusBadRequest))
	}
	if req.MaxTokens > 0 && req.MaxTokens < len(tokens) {
		tokens = tokens[:req.MaxTokens]
	}

	w, err := startStream(c)
	if err != nil {
		return err
	}
	activeConnectionMetric.Inc()
	defer activeConnectionMetric.Dec()

	ctx := c.Request().Context()
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for i, token := range tokens {
		if i > 0 && h.opts.TokenDelay > 0 {
			if !w.wait(ctx, h.opts.TokenDelay, ticker.C) {
				log.Info("client went away")
				return nil
			}
		}
		data, err := sonic.MarshalString(models.Token{Token: token, Index: i})
		if err != nil {
			return err
		}
		if err := w.event("", strconv.FormatInt(h.eventIDGen.NextID(), 10), data); err != nil {
			log.Errorf("token can't be written: %v", err)
			return nil
		}
		streamedTokensMetric.Inc()
	}

	if req.Usage {
		data, err := sonic.MarshalString(models.Usage{
			PromptTokens:     len(strings.Fields(req.Prompt)),
			CompletionTokens: len(tokens),
		})
		if err != nil {
			return err
		}
		if err := w.event("usage", "", data); err != nil {
			log.Errorf("usage can't be written: %v", err)
			return nil
		}
	}
	if err := w.event("", "", models.Sentinel); err != nil {
		log.Errorf("sentinel can't be written: %v", err)
	}
	log.WithField("tokens", len(tokens)).Debug("stream finished")
	return nil
}

// EventRegistrationHandler streams topic messages to the client until it
// disconnects.
func (h *Handler) EventRegistrationHandler(c echo.Context) error {
	log := logrus.WithField("prefix", "EventRegistrationHandler")
	params := c.QueryParams()
	traceID := utils.ParseOrGenerateTraceID(params.Get("trace_id"))

	topics := splitTopics(params.Get("topic"))
	if len(topics) == 0 {
		badRequestMetric.Inc()
		return c.JSON(utils.StatusError("param \"topic\" not present", http.StatusBadRequest))
	}

	lastEventID, err := parseLastEventID(c)
	if err != nil {
		badRequestMetric.Inc()
		return c.JSON(utils.StatusError(err.Error(), http.StatusBadRequest))
	}

	w, err := startStream(c)
	if err != nil {
		return err
	}
	topicsPerConnectionMetric.Observe(float64(len(topics)))
	activeConnectionMetric.Inc()
	defer activeConnectionMetric.Dec()

	ctx := c.Request().Context()
	session := NewSession(h.storage, topics, lastEventID, traceID)
	defer session.Close()
	if err := session.Start(ctx); err != nil {
		log.Errorf("failed to subscribe: %v", err)
		return nil
	}
	log.WithFields(logrus.Fields{
		"topics":   topics,
		"trace_id": traceID,
	}).Info("subscribed")

	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("connection %v closed: %v", topics, ctx.Err())
			return nil
		case msg := <-session.Messages():
			if err := w.event(models.DefaultEventType, strconv.FormatInt(msg.EventId, 10), string(msg.Message)); err != nil {
				log.Errorf("msg can't write to connection: %v", err)
				return nil
			}
			storage.Delivered.Mark(msg.EventId)
			deliveredMessagesMetric.Inc()
		case <-ticker.C:
			if err := w.heartbeat(); err != nil {
				log.Errorf("ticker can't write heartbeat to connection: %v", err)
				return nil
			}
		}
	}
}

// SendMessageHandler publishes the request body to a topic.
func (h *Handler) SendMessageHandler(c echo.Context) error {
	ctx := c.Request().Context()
	params := c.QueryParams()
	traceID := utils.ParseOrGenerateTraceID(params.Get("trace_id"))
	log := logrus.WithFields(logrus.Fields{
		"prefix":   "SendMessageHandler",
		"trace_id": traceID,
	})

	topic := params.Get("topic")
	if topic == "" {
		badRequestMetric.Inc()
		return c.JSON(utils.StatusError("param \"topic\" not present", http.StatusBadRequest))
	}
	ttl := h.opts.MessageTTL
	if raw := params.Get("ttl"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed <= 0 {
			badRequestMetric.Inc()
			return c.JSON(utils.StatusError("param \"ttl\" should be a positive int", http.StatusBadRequest))
		}
		if parsed > maxTTL {
			badRequestMetric.Inc()
			return c.JSON(utils.StatusError("param \"ttl\" too high", http.StatusBadRequest))
		}
		ttl = parsed
	}

	body, err := h.readBody(c)
	if err != nil {
		badRequestMetric.Inc()
		return c.JSON(utils.StatusError(err.Error(), http.StatusBadRequest))
	}
	envelope, err := sonic.Marshal(models.TopicMessage{
		Topic:   topic,
		Message: string(body),
		TraceId: traceID,
	})
	if err != nil {
		return c.JSON(utils.StatusError(err.Error(), http.StatusBadRequest))
	}

	msg := models.SseMessage{
		EventId: h.eventIDGen.NextID(),
		Message: envelope,
		Topic:   topic,
	}
	if err := h.storage.Pub(ctx, msg, ttl); err != nil {
		log.Errorf("db error: %v", err)
		return c.JSON(utils.StatusError("failed to publish message", http.StatusInternalServerError))
	}
	log.WithFields(logrus.Fields{
		"topic":    topic,
		"event_id": msg.EventId,
	}).Debug("message published")
	publishedMessagesMetric.Inc()
	return c.JSON(http.StatusOK, utils.StatusOK())
}

func (h *Handler) readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, h.opts.MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > h.opts.MaxBodySize {
		return nil, fmt.Errorf("body is larger than %d bytes", h.opts.MaxBodySize)
	}
	return body, nil
}

func splitTopics(raw string) []string {
	parts := strings.Split(raw, ",")
	topics := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			topics = append(topics, p)
		}
	}
	return topics
}

// parseLastEventID prefers the Last-Event-ID header over the last_event_id
// query parameter.
func parseLastEventID(c echo.Context) (int64, error) {
	if raw := c.Request().Header.Get("Last-Event-ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, errors.New("Last-Event-ID should be int")
		}
		return id, nil
	}
	if raw := c.QueryParam("last_event_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, errors.New("last_event_id should be int")
		}
		return id, nil
	}
	return 0, nil
}
