// Package ntp keeps a clock offset against public NTP servers so event ids
// from several demo server instances sort by real time.
package ntp

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
	"github.com/sirupsen/logrus"
)

var defaultServers = []string{
	"time.google.com",
	"time.cloudflare.com",
	"pool.ntp.org",
}

type queryFunc func(server string, timeout time.Duration) (time.Duration, error)

type Client struct {
	servers      []string
	syncInterval time.Duration
	queryTimeout time.Duration
	query        queryFunc

	offset   atomic.Int64 // nanoseconds
	lastSync atomic.Int64
	started  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
}

type Options struct {
	Servers      []string
	SyncInterval time.Duration
	QueryTimeout time.Duration
}

func NewClient(opts Options) *Client {
	if len(opts.Servers) == 0 {
		opts.Servers = defaultServers
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 5 * time.Minute
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	return &Client{
		servers:      opts.Servers,
		syncInterval: opts.SyncInterval,
		queryTimeout: opts.QueryTimeout,
		query:        queryOffset,
		stopCh:       make(chan struct{}),
	}
}

// Start synchronizes once and then keeps resyncing until ctx ends or Stop
// is called.
func (c *Client) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		logrus.WithField("prefix", "ntp.Start").Warn("NTP client already started")
		return
	}
	logrus.WithFields(logrus.Fields{
		"prefix":        "ntp.Start",
		"servers":       c.servers,
		"sync_interval": c.syncInterval,
	}).Info("starting NTP client")

	c.syncOnce()
	go c.syncLoop(ctx)
}

func (c *Client) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	close(c.stopCh)
}

func (c *Client) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.syncOnce()
		}
	}
}

// syncOnce takes the offset of the first server that answers. The previous
// offset is kept when none does.
func (c *Client) syncOnce() bool {
	log := logrus.WithField("prefix", "ntp.syncOnce")
	for _, server := range c.servers {
		offset, err := c.query(server, c.queryTimeout)
		if err != nil {
			log.WithField("server", server).WithError(err).Debug("NTP query failed")
			continue
		}
		c.offset.Store(int64(offset))
		c.lastSync.Store(time.Now().Unix())
		log.WithFields(logrus.Fields{
			"server": server,
			"offset": offset,
		}).Debug("synchronized with NTP server")
		return true
	}
	log.Warn("failed to synchronize with any NTP server, using local time")
	return false
}

func queryOffset(server string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

func (c *Client) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// LastSync is the unix time of the last successful sync, zero if none.
func (c *Client) LastSync() int64 {
	return c.lastSync.Load()
}

func (c *Client) NowUnixMilli() int64 {
	return time.Now().Add(c.Offset()).UnixMilli()
}
