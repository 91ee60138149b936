// Package router subscribes a queue to the event types a stream listens to.
package router

import (
	"github.com/tonkeeper/ssestream/internal/models"
	"github.com/tonkeeper/ssestream/internal/request"
	"github.com/tonkeeper/ssestream/internal/transport"
)

// Listener is the part of an event source the router needs.
type Listener interface {
	AddEventListener(eventType string, h transport.Handler)
}

// Producer receives translated messages. Produce must not block.
type Producer interface {
	Produce(m models.Message) bool
}

// DropFunc is called with every message the producer refused.
type DropFunc func(models.Message)

// Subscribe registers one listener per event type on src. Each event becomes
// a Message tagged with the type it was subscribed under. It returns the
// effective listen-set.
func Subscribe(src Listener, eventTypes []string, q Producer, onDrop DropFunc) []string {
	listen := request.NormalizeListen(eventTypes)
	for _, eventType := range listen {
		eventType := eventType
		src.AddEventListener(eventType, func(ev transport.Event) {
			m := Translate(eventType, ev)
			if !q.Produce(m) && onDrop != nil {
				onDrop(m)
			}
		})
	}
	return listen
}

// Translate converts a transport event into a Message. LastID carries the
// id of the event itself.
func Translate(eventType string, ev transport.Event) models.Message {
	return models.Message{
		Data:   ev.Data,
		ID:     ev.ID,
		LastID: ev.ID,
		Event:  eventType,
	}
}
