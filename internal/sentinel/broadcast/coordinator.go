package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/metrics"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// StatsSource supplies the presence stats published after scans commit.
type StatsSource interface {
	GetStats(ctx context.Context) (types.PresenceStats, error)
}

type Config struct {
	// QueueDepth bounds the messages waiting for the pump. When full the
	// oldest message is dropped.
	QueueDepth   int
	TopicPrefix  string
	StatsTimeout time.Duration
	// DrainTimeout bounds how long Serve keeps publishing queued messages
	// after its context ends.
	DrainTimeout time.Duration
}

type outbound struct {
	topics []string
	msg    types.Message
}

// Coordinator decouples the write path from delivery. Enqueueing never
// blocks; a single pump goroutine (Serve) publishes to the bus behind a
// circuit breaker. Stats requests are coalesced: any number of
// StatsChanged calls between two pump iterations yield one stats fetch.
type Coordinator struct {
	pub     message.Publisher
	breaker *gobreaker.CircuitBreaker[any]
	stats   StatsSource
	topics  Topics
	cfg     Config

	mu     sync.Mutex // serialises enqueue so drop-oldest stays consistent
	queue  chan outbound
	dirty  chan struct{}
	closed bool
}

func NewCoordinator(pub message.Publisher, stats StatsSource, cfg Config) *Coordinator {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	return &Coordinator{
		pub:     pub,
		breaker: newBreaker("broadcast-publish"),
		stats:   stats,
		topics:  Topics{Prefix: cfg.TopicPrefix},
		cfg:     cfg,
		queue:   make(chan outbound, cfg.QueueDepth),
		dirty:   make(chan struct{}, 1),
	}
}

// Topics returns the topic names this coordinator publishes to.
func (c *Coordinator) Topics() Topics { return c.topics }

// PublishScan queues a scan_accepted message for the facility topic and,
// when the scan belongs to an event, for that event's topic.
func (c *Coordinator) PublishScan(ev types.ScanEvent) {
	topics := []string{c.topics.Facility()}
	if ev.EventID != "" {
		topics = append(topics, c.topics.Event(ev.EventID))
	}
	c.enqueue(outbound{topics: topics, msg: types.Message{Type: types.MessageScanAccepted, Data: ev}})
}

// PublishStats queues a stats_updated message with the given stats.
func (c *Coordinator) PublishStats(st types.PresenceStats) {
	c.enqueue(outbound{
		topics: []string{c.topics.Facility()},
		msg:    types.Message{Type: types.MessageStatsUpdated, Data: st},
	})
}

// StatsChanged marks stats as stale. The pump fetches and publishes them
// once queued scan messages have gone out.
func (c *Coordinator) StatsChanged() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Coordinator) enqueue(ob outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		metrics.BroadcastDropped.WithLabelValues("closed").Inc()
		return
	}
	for {
		select {
		case c.queue <- ob:
			metrics.BroadcastQueueDepth.Set(float64(len(c.queue)))
			return
		default:
		}
		select {
		case old := <-c.queue:
			metrics.BroadcastDropped.WithLabelValues("queue_full").Inc()
			logging.Debug().Str("type", old.msg.Type).Msg("broadcast queue full, dropped oldest")
		default:
		}
	}
}

// Serve runs the pump until ctx ends, then drains what is queued. It
// implements suture.Service.
func (c *Coordinator) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return ctx.Err()
		case ob := <-c.queue:
			metrics.BroadcastQueueDepth.Set(float64(len(c.queue)))
			c.publish(ob)
		case <-c.dirty:
			c.flushQueued()
			c.publishStats(ctx)
		}
	}
}

func (c *Coordinator) String() string { return "broadcast-coordinator" }

// Close stops accepting messages. Anything already queued is still
// published by Serve's drain.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Coordinator) flushQueued() {
	for {
		select {
		case ob := <-c.queue:
			c.publish(ob)
		default:
			metrics.BroadcastQueueDepth.Set(0)
			return
		}
	}
}

func (c *Coordinator) drain() {
	deadline := time.Now().Add(c.cfg.DrainTimeout)
	pending := false
	select {
	case <-c.dirty:
		pending = true
	default:
	}

flush:
	for time.Now().Before(deadline) {
		select {
		case ob := <-c.queue:
			c.publish(ob)
		default:
			break flush
		}
	}
	if pending && time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		c.publishStats(ctx)
		cancel()
	}
	if n := len(c.queue); n > 0 {
		metrics.BroadcastDropped.WithLabelValues("shutdown").Add(float64(n))
		logging.Warn().Int("dropped", n).Msg("broadcast drain timed out")
	}
}

func (c *Coordinator) publishStats(ctx context.Context) {
	if c.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatsTimeout)
	defer cancel()

	st, err := c.stats.GetStats(ctx)
	if err != nil {
		metrics.BroadcastDropped.WithLabelValues("stats_error").Inc()
		logging.Warn().Err(err).Msg("presence stats unavailable for broadcast")
		return
	}
	c.publish(outbound{
		topics: []string{c.topics.Facility()},
		msg:    types.Message{Type: types.MessageStatsUpdated, Data: st},
	})
}

func (c *Coordinator) publish(ob outbound) {
	payload, err := json.Marshal(ob.msg)
	if err != nil {
		metrics.BroadcastDropped.WithLabelValues("encode_error").Inc()
		logging.Error().Err(err).Str("type", ob.msg.Type).Msg("encode broadcast message")
		return
	}

	for _, topic := range ob.topics {
		m := message.NewMessage(watermill.NewUUID(), payload)
		m.Metadata.Set("type", ob.msg.Type)

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.pub.Publish(topic, m)
		})
		switch {
		case err == nil:
			metrics.BroadcastPublished.WithLabelValues(ob.msg.Type).Inc()
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.BroadcastDropped.WithLabelValues("breaker_open").Inc()
		default:
			metrics.BroadcastDropped.WithLabelValues("publish_error").Inc()
			logging.Warn().Err(err).Str("topic", topic).Str("type", ob.msg.Type).Msg("broadcast publish failed")
		}
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("broadcast circuit breaker state change")
		},
	})
}
