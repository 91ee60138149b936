// Package transport implements a text/event-stream client: it issues the
// request, parses the wire format and dispatches named events to listeners.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/tonkeeper/ssestream/internal/models"
	"github.com/tonkeeper/ssestream/internal/request"
	"github.com/tonkeeper/ssestream/internal/utils"
)

// maxErrorBodySize caps how much of a non-2xx body is reported as error data.
const maxErrorBodySize = 64 * 1024

var (
	ErrAlreadyStarted = errors.New("transport: stream already started")
	ErrClosed         = errors.New("transport: event source closed")
)

// Event is a single dispatched server-sent event.
type Event struct {
	Type string
	Data string
	// ID is the id field of this event, empty when the event carried none.
	ID string
	// LastEventID is the last id seen on the connection so far.
	LastEventID string
}

// ErrorEvent describes a transport failure. Response is nil when the error
// happened before a response was received.
type ErrorEvent struct {
	Data     string
	Response *http.Response
}

type Handler func(Event)

// EventSource is a single-use event-stream connection. Nothing is sent
// before Stream is called.
type EventSource struct {
	descriptor request.Descriptor
	client     *http.Client

	mu          sync.RWMutex
	listeners   map[string][]Handler
	onError     func(ErrorEvent)
	onOpen      func(*http.Response)
	onState     []func(models.ReadyState)
	resp        *http.Response
	cancel      context.CancelFunc
	started     bool
	closeCalled bool

	state    atomic.Int32
	done     chan struct{}
	doneOnce sync.Once
}

// New prepares an event source for the descriptor. A nil client means a
// plain http.Client without timeout, which suits long-lived streams.
func New(d request.Descriptor, client *http.Client) *EventSource {
	if client == nil {
		client = &http.Client{}
	}
	if !d.WithCredentials() && client.Jar != nil {
		withoutJar := *client
		withoutJar.Jar = nil
		client = &withoutJar
	}
	s := &EventSource{
		descriptor: d,
		client:     client,
		listeners:  make(map[string][]Handler),
		done:       make(chan struct{}),
	}
	s.state.Store(int32(models.Initializing))
	return s
}

// AddEventListener registers h for events of the given type.
func (s *EventSource) AddEventListener(eventType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[eventType] = append(s.listeners[eventType], h)
}

// OnError sets the error callback, replacing any previous one.
func (s *EventSource) OnError(fn func(ErrorEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// OnOpen sets the callback invoked once the response headers arrived.
func (s *EventSource) OnOpen(fn func(*http.Response)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOpen = fn
}

// OnReadyStateChange adds a callback for ready state transitions.
func (s *EventSource) OnReadyStateChange(fn func(models.ReadyState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

func (s *EventSource) ReadyState() models.ReadyState {
	return models.ReadyState(s.state.Load())
}

// Response returns the response handle, nil until the connection is open.
func (s *EventSource) Response() *http.Response {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resp
}

// Done is closed when the event source has stopped for good.
func (s *EventSource) Done() <-chan struct{} {
	return s.done
}

// Stream sends the request and starts dispatching events from a reader
// goroutine. It does not wait for the connection.
func (s *EventSource) Stream(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.closeCalled {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if s.state.CompareAndSwap(int32(models.Initializing), int32(models.Connecting)) {
		s.fireState(models.Connecting)
	}
	utils.RunWithRecovery(func() { s.run(ctx) })
	return nil
}

// Close terminates the connection. Safe to call more than once.
func (s *EventSource) Close() {
	s.mu.Lock()
	if s.closeCalled {
		s.mu.Unlock()
		return
	}
	s.closeCalled = true
	cancel, resp, started := s.cancel, s.resp, s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	s.markClosed()
	if !started {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

func (s *EventSource) run(ctx context.Context) {
	log := logrus.WithFields(logrus.Fields{
		"prefix": "EventSource.run",
		"url":    s.descriptor.URL(),
	})
	defer func() {
		s.markClosed()
		s.doneOnce.Do(func() { close(s.done) })
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("listener panicked: %v", r)
			s.dispatchError(ErrorEvent{Data: fmt.Sprintf("listener panic: %v", r), Response: s.Response()})
		}
	}()

	var body io.Reader
	if s.descriptor.HasBody() {
		body = bytes.NewReader(s.descriptor.Body())
	}
	req, err := http.NewRequestWithContext(ctx, s.descriptor.Method(), s.descriptor.URL(), body)
	if err != nil {
		s.dispatchError(ErrorEvent{Data: err.Error()})
		return
	}
	req.Header = s.descriptor.Header()

	resp, err := s.client.Do(req)
	if err != nil {
		if !s.stopped(ctx) {
			s.dispatchError(ErrorEvent{Data: err.Error()})
		}
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Debugf("failed to close response body: %v", err)
		}
	}()

	s.mu.Lock()
	s.resp = resp
	closing := s.closeCalled
	s.mu.Unlock()
	if closing {
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		data := strings.TrimSpace(string(b))
		if data == "" {
			data = resp.Status
		}
		log.WithField("status", resp.StatusCode).Warn("unexpected response status")
		s.dispatchError(ErrorEvent{Data: data, Response: resp})
		return
	}

	if !s.state.CompareAndSwap(int32(models.Connecting), int32(models.Open)) {
		return
	}
	s.fireState(models.Open)
	s.fireOpen(resp)

	if err := s.read(resp.Body); err != nil && !s.stopped(ctx) {
		s.dispatchError(ErrorEvent{Data: err.Error(), Response: resp})
	}
}

func (s *EventSource) read(body io.Reader) error {
	log := logrus.WithField("prefix", "EventSource.read")
	debug := s.descriptor.Debug()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	sc.Split(scanLines)

	var p parser
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		if debug {
			log.Infof("line: %q", line)
		}
		ev, ok := p.feed(line)
		if !ok {
			continue
		}
		if debug {
			log.WithFields(logrus.Fields{
				"event":    ev.Type,
				"event_id": ev.ID,
			}).Infof("event: %s", ev.Data)
		}
		if s.isClosing() {
			return nil
		}
		s.dispatch(ev)
	}
	return sc.Err()
}

func (s *EventSource) dispatch(ev Event) {
	s.mu.RLock()
	handlers := append([]Handler(nil), s.listeners[ev.Type]...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (s *EventSource) dispatchError(e ErrorEvent) {
	s.mu.RLock()
	fn := s.onError
	s.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

func (s *EventSource) fireOpen(resp *http.Response) {
	s.mu.RLock()
	fn := s.onOpen
	s.mu.RUnlock()
	if fn != nil {
		fn(resp)
	}
}

func (s *EventSource) fireState(state models.ReadyState) {
	s.mu.RLock()
	fns := make([]func(models.ReadyState), len(s.onState))
	copy(fns, s.onState)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (s *EventSource) markClosed() {
	if models.ReadyState(s.state.Swap(int32(models.Closed))) != models.Closed {
		s.fireState(models.Closed)
	}
}

func (s *EventSource) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeCalled
}

// stopped reports whether a failure is the consequence of Close or of the
// caller's context ending, neither of which is reported as an error.
func (s *EventSource) stopped(ctx context.Context) bool {
	return s.isClosing() || ctx.Err() != nil
}
