package utils

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewTraceID returns a time-ordered uuid, or a random one if that fails.
func NewTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		logrus.WithField("prefix", "NewTraceID").Error(err)
		return uuid.New().String()
	}
	return id.String()
}

// ParseOrGenerateTraceID keeps a valid caller supplied trace id and
// generates a new one otherwise.
func ParseOrGenerateTraceID(traceID string) string {
	if traceID == "" {
		return NewTraceID()
	}
	parsed, err := uuid.Parse(traceID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"prefix":           "ParseOrGenerateTraceID",
			"error":            err,
			"invalid_trace_id": traceID,
		}).Warn("generating a new trace_id")
		return NewTraceID()
	}
	return parsed.String()
}
