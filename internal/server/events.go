package server

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// TimeProvider provides the current time in milliseconds.
type TimeProvider interface {
	NowUnixMilli() int64
}

// LocalTimeProvider reads the local system clock.
type LocalTimeProvider struct{}

func NewLocalTimeProvider() *LocalTimeProvider {
	return &LocalTimeProvider{}
}

func (l *LocalTimeProvider) NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// EventIDGenerator produces mostly increasing event ids without
// coordination between server instances:
// (timestamp_ms << 16) | ((counter + offset) & 0xFFFF).
type EventIDGenerator struct {
	counter      int64
	offset       int64
	timeProvider TimeProvider
}

func NewEventIDGenerator(timeProvider TimeProvider) *EventIDGenerator {
	return &EventIDGenerator{
		offset:       rand.Int63() & 0xFFFF,
		timeProvider: timeProvider,
	}
}

func (g *EventIDGenerator) NextID() int64 {
	timestamp := g.timeProvider.NowUnixMilli()
	counter := atomic.AddInt64(&g.counter, 1)
	return (timestamp << 16) | ((counter + g.offset) & 0xFFFF)
}
