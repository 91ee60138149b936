package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tonkeeper/ssestream/internal/models"
	"github.com/tonkeeper/ssestream/internal/request"
)

func newServer(t *testing.T, register func(e *echo.Echo)) *httptest.Server {
	t.Helper()
	e := echo.New()
	e.HideBanner = true
	register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func writeStream(c echo.Context, chunks ...string) error {
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().WriteHeader(http.StatusOK)
	for _, chunk := range chunks {
		if _, err := fmt.Fprint(c.Response(), chunk); err != nil {
			return err
		}
		c.Response().Flush()
	}
	return nil
}

func descriptor(t *testing.T, p request.Params) request.Descriptor {
	t.Helper()
	d, err := request.Build(p)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return d
}

func waitDone(t *testing.T, s *EventSource) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event source did not stop")
	}
}

func TestEventSource_NotStartedBeforeStream(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(e *echo.Echo) {
		e.GET("/events", func(c echo.Context) error {
			hits.Add(1)
			return writeStream(c, "data: a\n\n")
		})
	})

	s := New(descriptor(t, request.Params{BaseURL: srv.URL, URL: "/events"}), nil)
	s.AddEventListener("message", func(Event) {})
	time.Sleep(50 * time.Millisecond)

	if hits.Load() != 0 {
		t.Errorf("request sent before Stream(), hits = %d", hits.Load())
	}
	if s.ReadyState() != models.Initializing {
		t.Errorf("ReadyState() = %v, want initializing", s.ReadyState())
	}
	s.Close()
	waitDone(t, s)
	if err := s.Stream(context.Background()); err != ErrClosed {
		t.Errorf("Stream() after Close() error = %v, want ErrClosed", err)
	}
}

func TestEventSource_DispatchesByType(t *testing.T) {
	srv := newServer(t, func(e *echo.Echo) {
		e.GET("/events", func(c echo.Context) error {
			return writeStream(c,
				"data: one\n\n",
				"event: usage\nid: 2\ndata: {\"n\":1}\n\n",
				"event: ignored\ndata: nope\n\n",
				"id: 3\ndata: three\n\n",
			)
		})
	})

	s := New(descriptor(t, request.Params{BaseURL: srv.URL, URL: "events"}), nil)

	var mu sync.Mutex
	var got []Event
	collect := func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}
	s.AddEventListener("message", collect)
	s.AddEventListener("usage", collect)

	var opened *http.Response
	s.OnOpen(func(resp *http.Response) { opened = resp })
	var states []models.ReadyState
	s.OnReadyStateChange(func(st models.ReadyState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	s.OnError(func(e ErrorEvent) { t.Errorf("unexpected error event: %v", e.Data) })

	if err := s.Stream(context.Background()); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if err := s.Stream(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Stream() error = %v, want ErrAlreadyStarted", err)
	}
	waitDone(t, s)

	want := []Event{
		{Type: "message", Data: "one"},
		{Type: "usage", Data: `{"n":1}`, ID: "2", LastEventID: "2"},
		{Type: "message", Data: "three", ID: "3", LastEventID: "3"},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if opened == nil || opened.StatusCode != http.StatusOK {
		t.Errorf("OnOpen response = %v", opened)
	}
	if s.Response() != opened {
		t.Error("Response() must return the opened response")
	}
	wantStates := []models.ReadyState{models.Connecting, models.Open, models.Closed}
	if fmt.Sprint(states) != fmt.Sprint(wantStates) {
		t.Errorf("states = %v, want %v", states, wantStates)
	}
}

func TestEventSource_SendsRequestDescriptor(t *testing.T) {
	type seen struct {
		method, accept, contentType, auth, body string
	}
	seenCh := make(chan seen, 1)
	srv := newServer(t, func(e *echo.Echo) {
		e.POST("/chat", func(c echo.Context) error {
			b, _ := io.ReadAll(c.Request().Body)
			seenCh <- seen{
				method:      c.Request().Method,
				accept:      c.Request().Header.Get("Accept"),
				contentType: c.Request().Header.Get("Content-Type"),
				auth:        c.Request().Header.Get("Authorization"),
				body:        string(b),
			}
			return writeStream(c, "data: [DONE]\n\n")
		})
	})

	s := New(descriptor(t, request.Params{
		BaseURL: srv.URL + "/",
		URL:     "/chat",
		Data:    map[string]int{"x": 1},
		Headers: map[string]string{"Authorization": "Bearer k"},
	}), nil)
	if err := s.Stream(context.Background()); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitDone(t, s)

	got := <-seenCh
	want := seen{
		method:      http.MethodPost,
		accept:      "text/event-stream",
		contentType: "application/json; charset=utf-8",
		auth:        "Bearer k",
		body:        `{"x":1}`,
	}
	if got != want {
		t.Errorf("request = %+v, want %+v", got, want)
	}
}

func TestEventSource_ErrorStatus(t *testing.T) {
	srv := newServer(t, func(e *echo.Echo) {
		e.GET("/events", func(c echo.Context) error {
			return c.String(http.StatusUnauthorized, "invalid api key")
		})
	})

	s := New(descriptor(t, request.Params{BaseURL: srv.URL, URL: "/events"}), nil)
	errCh := make(chan ErrorEvent, 1)
	s.OnError(func(e ErrorEvent) { errCh <- e })
	opened := false
	s.OnOpen(func(*http.Response) { opened = true })

	if err := s.Stream(context.Background()); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitDone(t, s)

	select {
	case e := <-errCh:
		if e.Data != "invalid api key" {
			t.Errorf("error data = %q", e.Data)
		}
		if e.Response == nil || e.Response.StatusCode != http.StatusUnauthorized {
			t.Errorf("error response = %v", e.Response)
		}
	default:
		t.Fatal("no error event for 401")
	}
	if opened {
		t.Error("OnOpen must not fire for a failed response")
	}
	if s.ReadyState() != models.Closed {
		t.Errorf("ReadyState() = %v, want closed", s.ReadyState())
	}
}

func TestEventSource_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	s := New(descriptor(t, request.Params{BaseURL: addr, URL: "/events"}), nil)
	errCh := make(chan ErrorEvent, 1)
	s.OnError(func(e ErrorEvent) { errCh <- e })
	if err := s.Stream(context.Background()); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitDone(t, s)

	select {
	case e := <-errCh:
		if e.Data == "" {
			t.Error("error data is empty")
		}
		if e.Response != nil {
			t.Error("error before connection must not carry a response")
		}
	default:
		t.Fatal("no error event for refused connection")
	}
}

func TestEventSource_CloseMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(e *echo.Echo) {
		e.GET("/events", func(c echo.Context) error {
			if err := writeStream(c, "data: first\n\n"); err != nil {
				return err
			}
			select {
			case <-release:
			case <-c.Request().Context().Done():
			}
			return nil
		})
	})
	defer close(release)

	s := New(descriptor(t, request.Params{BaseURL: srv.URL, URL: "/events"}), nil)
	first := make(chan struct{})
	var once sync.Once
	s.AddEventListener("message", func(Event) { once.Do(func() { close(first) }) })
	s.OnError(func(e ErrorEvent) { t.Errorf("Close() must not report an error: %v", e.Data) })

	if err := s.Stream(context.Background()); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first event not delivered")
	}

	s.Close()
	if s.ReadyState() != models.Closed {
		t.Errorf("ReadyState() = %v right after Close()", s.ReadyState())
	}
	s.Close()
	waitDone(t, s)
}

func TestEventSource_ListenerPanicIsReported(t *testing.T) {
	srv := newServer(t, func(e *echo.Echo) {
		e.GET("/events", func(c echo.Context) error {
			return writeStream(c, "data: a\n\ndata: b\n\n")
		})
	})

	s := New(descriptor(t, request.Params{BaseURL: srv.URL, URL: "/events", Debug: true}), nil)
	s.AddEventListener("message", func(Event) { panic("listener bug") })
	errCh := make(chan ErrorEvent, 1)
	s.OnError(func(e ErrorEvent) { errCh <- e })

	if err := s.Stream(context.Background()); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitDone(t, s)

	select {
	case e := <-errCh:
		if e.Response == nil {
			t.Error("panic after open should carry the response")
		}
	default:
		t.Fatal("listener panic was not reported")
	}
	if s.ReadyState() != models.Closed {
		t.Errorf("ReadyState() = %v, want closed", s.ReadyState())
	}
}

func TestEventSource_NotifiesEveryStateListener(t *testing.T) {
	srv := newServer(t, func(e *echo.Echo) {
		e.GET("/events", func(c echo.Context) error {
			return writeStream(c, "data: a\n\n")
		})
	})

	s := New(descriptor(t, request.Params{BaseURL: srv.URL, URL: "/events"}), nil)
	var mu sync.Mutex
	seen := make([][]models.ReadyState, 2)
	for i := range seen {
		i := i
		s.OnReadyStateChange(func(st models.ReadyState) {
			mu.Lock()
			seen[i] = append(seen[i], st)
			mu.Unlock()
		})
	}

	if err := s.Stream(context.Background()); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitDone(t, s)

	mu.Lock()
	defer mu.Unlock()
	want := fmt.Sprint([]models.ReadyState{models.Connecting, models.Open, models.Closed})
	for i, states := range seen {
		if fmt.Sprint(states) != want {
			t.Errorf("listener %d states = %v, want %v", i, states, want)
		}
	}
}
