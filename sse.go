// Package ssestream turns a server-sent events response into a pull-based
// sequence of messages.
//
//	s, err := ssestream.New(ssestream.Options{
//		BaseURL: "https://api.example.com",
//		URL:     "/v1/chat",
//		Data:    map[string]any{"prompt": "hi"},
//	})
//	if err != nil {
//		return err
//	}
//	for m := range s.All(ctx) {
//		fmt.Print(m.Data)
//	}
//
// A message whose data is "[DONE]" ends the sequence and is not yielded.
package ssestream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/tonkeeper/ssestream/internal/bridge"
	"github.com/tonkeeper/ssestream/internal/metrics"
	"github.com/tonkeeper/ssestream/internal/models"
	"github.com/tonkeeper/ssestream/internal/request"
	"github.com/tonkeeper/ssestream/internal/router"
	"github.com/tonkeeper/ssestream/internal/transport"
	"github.com/tonkeeper/ssestream/internal/utils"
)

type Message = models.Message

type ReadyState = models.ReadyState

const Sentinel = models.Sentinel

var (
	ErrMissingURL = request.ErrMissingURL
	ErrInvalidURL = request.ErrInvalidURL
)

// Options configure a single stream.
type Options struct {
	BaseURL string
	URL     string
	// Data is the request body. Strings and byte slices are sent as is,
	// anything else is encoded as JSON.
	Data    interface{}
	Headers map[string]string
	// Method defaults to POST when Data is set and GET otherwise.
	Method          string
	WithCredentials bool
	Debug           bool
	// Listen lists the event types to subscribe to, "message" when empty.
	Listen []string

	// OnConnect is called once the response headers are received.
	OnConnect func(resp *http.Response)
	// OnError is called for every transport error. resp is nil when no
	// response was received.
	OnError func(text string, resp *http.Response)

	// Client sends the request. The default client has no timeout.
	Client *http.Client
}

// TransportError is the last error the transport reported.
type TransportError struct {
	Text     string
	Response *http.Response
}

func (e *TransportError) Error() string {
	if e.Response != nil {
		return "ssestream: " + e.Response.Status + ": " + e.Text
	}
	return "ssestream: " + e.Text
}

// source is the event source contract the stream drives.
type source interface {
	AddEventListener(eventType string, h transport.Handler)
	OnError(fn func(transport.ErrorEvent))
	OnOpen(fn func(*http.Response))
	OnReadyStateChange(fn func(models.ReadyState))
	Stream(ctx context.Context) error
	Close()
	ReadyState() models.ReadyState
	Response() *http.Response
}

// Stream is a single-use, single-consumer message sequence.
type Stream struct {
	src    source
	queue  *bridge.Queue
	listen []string
	opts   Options
	log    *logrus.Entry

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	finished  atomic.Bool

	mu  sync.Mutex
	err *TransportError
}

// New validates the options and prepares the stream. The request is sent by
// the first call to Next.
func New(opts Options) (*Stream, error) {
	d, err := request.Build(request.Params{
		BaseURL:         opts.BaseURL,
		URL:             opts.URL,
		Data:            opts.Data,
		Headers:         opts.Headers,
		Method:          opts.Method,
		WithCredentials: opts.WithCredentials,
		Debug:           opts.Debug,
		Listen:          opts.Listen,
	})
	if err != nil {
		return nil, err
	}
	if !request.IsAbsolute(d.URL()) {
		return nil, fmt.Errorf("%w: %q has no scheme or host", ErrInvalidURL, d.URL())
	}
	s := newStream(opts, d.Listen(), transport.New(d, opts.Client))
	s.log = s.log.WithField("url", d.URL())
	return s, nil
}

func newStream(opts Options, listen []string, src source) *Stream {
	s := &Stream{
		src:   src,
		queue: bridge.NewQueue(),
		opts:  opts,
		log:   logrus.WithField("trace_id", utils.NewTraceID()),
	}
	s.listen = router.Subscribe(src, listen, s.queue, func(m models.Message) {
		metrics.DroppedMessages.Inc()
		s.log.WithFields(logrus.Fields{
			"prefix": "Stream.drop",
			"event":  m.Event,
		}).Debug("message arrived after the stream finished")
	})
	src.OnReadyStateChange(func(state models.ReadyState) {
		if state == models.Closed {
			s.queue.Seal()
		}
	})
	src.OnError(s.handleError)
	src.OnOpen(s.handleOpen)
	return s
}

// Listen returns the event types the stream is subscribed to.
func (s *Stream) Listen() []string {
	return append([]string(nil), s.listen...)
}

// Next returns the next message. The first call sends the request and its
// ctx governs the whole request. Next reports false once the stream ended
// because of the sentinel, a closed transport, Close or ctx, and keeps
// reporting false afterwards. A caller that stops calling Next before it
// reports false must call Close, otherwise the connection stays open until
// the server ends the stream.
func (s *Stream) Next(ctx context.Context) (Message, bool) {
	if s.finished.Load() {
		return Message{}, false
	}
	s.startOnce.Do(func() { s.start(ctx) })

	log := s.log.WithField("prefix", "Stream.Next")
	for !s.finished.Load() && (s.queue.Len() > 0 || s.src.ReadyState() != models.Closed) {
		m, ok := s.queue.TryTake()
		if !ok {
			var err error
			m, err = s.queue.Consume(ctx)
			switch {
			case errors.Is(err, bridge.ErrClosed):
				// sealed and drained, nothing can arrive anymore
				s.finish(metrics.ReasonClosed)
				return Message{}, false
			case errors.Is(err, bridge.ErrBusy):
				log.Warn("concurrent Next calls on one stream")
				return Message{}, false
			case err != nil:
				log.WithError(err).Debug("consumer gave up")
				s.finish(metrics.ReasonAbandoned)
				return Message{}, false
			}
		}
		if m.Data == models.Sentinel {
			s.finish(metrics.ReasonSentinel)
			return Message{}, false
		}
		metrics.DeliveredMessages.WithLabelValues(m.Event).Inc()
		return m, true
	}
	s.finish(metrics.ReasonClosed)
	return Message{}, false
}

// All returns the stream as a range-over-func sequence. The stream is
// closed when the loop ends, however it ends.
func (s *Stream) All(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer s.Close()
		for {
			m, ok := s.Next(ctx)
			if !ok || !yield(m) {
				return
			}
		}
	}
}

// Close releases the transport. It is safe to call at any time and more
// than once. A stream closed before it finished counts as abandoned.
func (s *Stream) Close() error {
	s.finish(metrics.ReasonAbandoned)
	return nil
}

// Response returns the response of the streaming request, nil until the
// connection is open.
func (s *Stream) Response() *http.Response {
	return s.src.Response()
}

// ReadyState reports the transport lifecycle state.
func (s *Stream) ReadyState() ReadyState {
	return s.src.ReadyState()
}

// Err returns the last transport error, nil when none was reported.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

func (s *Stream) start(ctx context.Context) {
	s.started.Store(true)
	metrics.ActiveStreams.Inc()
	if err := s.src.Stream(ctx); err != nil {
		s.log.WithField("prefix", "Stream.start").WithError(err).Debug("transport not started")
		s.queue.Seal()
	}
}

func (s *Stream) finish(reason string) {
	s.closeOnce.Do(func() {
		s.finished.Store(true)
		if s.src.ReadyState() != models.Closed {
			s.src.Close()
		}
		s.queue.Seal()
		if s.started.Load() {
			metrics.ActiveStreams.Dec()
			metrics.FinishedStreams.WithLabelValues(reason).Inc()
		}
		s.log.WithFields(logrus.Fields{
			"prefix": "Stream.finish",
			"reason": reason,
		}).Debug("stream finished")
	})
}

func (s *Stream) handleOpen(resp *http.Response) {
	s.log.WithFields(logrus.Fields{
		"prefix": "Stream.handleOpen",
		"status": resp.StatusCode,
	}).Debug("stream opened")
	if s.opts.OnConnect != nil {
		s.opts.OnConnect(resp)
	}
}

func (s *Stream) handleError(e transport.ErrorEvent) {
	metrics.TransportErrors.Inc()
	s.mu.Lock()
	s.err = &TransportError{Text: e.Data, Response: e.Response}
	s.mu.Unlock()

	fields := logrus.Fields{"prefix": "Stream.handleError"}
	if e.Response != nil {
		fields["status"] = e.Response.StatusCode
	}
	s.log.WithFields(fields).Warnf("transport error: %s", e.Data)
	if s.opts.OnError != nil {
		s.opts.OnError(e.Data, e.Response)
	}
}
