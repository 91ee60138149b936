package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ReasonSentinel  = "sentinel"
	ReasonClosed    = "closed"
	ReasonAbandoned = "abandoned"
)

var (
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ssestream_active_streams",
		Help: "The number of started streams that have not finished yet",
	})
	DeliveredMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssestream_delivered_messages_total",
		Help: "The total number of messages yielded to consumers",
	}, []string{"event"})
	TransportErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssestream_transport_errors_total",
		Help: "The total number of transport error notifications",
	})
	FinishedStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssestream_finished_streams_total",
		Help: "The total number of finished streams by reason",
	}, []string{"reason"})
	DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssestream_dropped_messages_total",
		Help: "The total number of events that arrived after the stream was finished",
	})
)
