package models

const (
	// Sentinel is the reserved data payload that marks an explicit end of stream.
	Sentinel = "[DONE]"
	// DefaultEventType is the event-stream type used when an event names none.
	DefaultEventType = "message"
)

// Message is a single event delivered to the consumer of a stream.
type Message struct {
	// Data is the raw, unparsed payload. Usually a JSON document.
	Data string
	// ID is the event id reported by the server, empty when absent.
	ID string
	// LastID is the id known when the event was received, empty when absent.
	LastID string
	// Event is the event type the message was subscribed under.
	Event string
}

// ReadyState mirrors the EventSource lifecycle.
type ReadyState int32

const (
	Initializing ReadyState = -1
	Connecting   ReadyState = 0
	Open         ReadyState = 1
	Closed       ReadyState = 2
)

func (s ReadyState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// SseMessage is a message stored and fanned out by the demo server.
type SseMessage struct {
	EventId int64  `json:"event_id"`
	Message []byte `json:"message"`
	Topic   string `json:"topic"`
}

// TopicMessage is the envelope written to /bridge/events subscribers.
type TopicMessage struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TraceId string `json:"trace_id"`
}

// Token is a single chunk emitted by the /v1/stream endpoint.
type Token struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

// Usage is sent as a separate "usage" event before the sentinel.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
