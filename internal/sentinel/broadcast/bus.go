// Package broadcast fans committed scans and presence stats out to
// real-time subscribers over a watermill pub/sub.
package broadcast

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/config"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
)

// Topics names the bus topics under a common prefix.
type Topics struct {
	Prefix string
}

// Facility carries every scan and every stats update.
func (t Topics) Facility() string { return t.Prefix + "facility" }

// Event carries the scans tagged with one event id.
func (t Topics) Event(eventID string) string { return t.Prefix + "event." + eventID }

// Bus is a publisher and subscriber pair on the same transport.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Transport  string
}

// OpenBus connects the transport named by cfg.Transport. gochannel keeps
// everything in process; nats lets several server instances share one
// stream of updates.
func OpenBus(cfg config.BroadcastConfig) (*Bus, error) {
	logger := logging.NewWatermillAdapter()

	switch cfg.Transport {
	case "gochannel", "":
		return NewInProcessBus(cfg.QueueDepth, logger), nil
	case "nats":
		return openNATSBus(cfg.NATSURL, logger)
	default:
		return nil, fmt.Errorf("unknown broadcast transport %q", cfg.Transport)
	}
}

// NewInProcessBus returns a gochannel-backed bus. Messages published with
// no subscriber are discarded. Publish waits for subscribers to ack so
// each subscriber sees messages in publish order.
func NewInProcessBus(buffer int, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            int64(buffer),
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return &Bus{Publisher: ch, Subscriber: ch, Transport: "gochannel"}
}

func openNATSBus(url string, logger watermill.LoggerAdapter) (*Bus, error) {
	natsOpts := []natsgo.Option{
		natsgo.Name("sentinel-broadcast"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	// Live updates are fire-and-forget, so plain core NATS is enough.
	js := wmNats.JetStreamConfig{Disabled: true}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   js,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              url,
		SubscribersCount: 1,
		CloseTimeout:     5 * time.Second,
		AckWaitTimeout:   5 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        js,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	return &Bus{Publisher: pub, Subscriber: sub, Transport: "nats"}, nil
}

// Close shuts both sides down. gochannel uses one value for both.
func (b *Bus) Close() error {
	err := b.Publisher.Close()
	if s, ok := b.Subscriber.(message.Publisher); ok && s == b.Publisher {
		return err
	}
	return errors.Join(err, b.Subscriber.Close())
}
