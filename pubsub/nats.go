package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"QFMCast/logger"

	"github.com/nats-io/nats.go"
)

const (
	natsReconnectWait = 2 * time.Second
	natsFlushTimeout  = 5 * time.Second
)

// NatsTransport implements Transport on core NATS subjects. Topic names are used as
// subjects verbatim; room topics contain no dots or wildcards.
type NatsTransport struct {
	nc *nats.Conn
}

// NewNatsTransport connects to NATS with unlimited reconnects.
func NewNatsTransport(url, name string) (*NatsTransport, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", logger.ErrorField(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", logger.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("NATS error", logger.String("subject", subject), logger.ErrorField(err))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NatsTransport{nc: nc}, nil
}

// Publish publishes a message to the subject named by topic.
func (n *NatsTransport) Publish(ctx context.Context, topic string, msg *Message) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := n.nc.Publish(topic, data); err != nil {
		if err == nats.ErrConnectionClosed {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Subscribe registers the subject. Ready closes after a server round trip (flush)
// confirms the interest is registered.
func (n *NatsTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	sub := newSubscription(topic)
	ns, err := n.nc.Subscribe(topic, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			logger.Debug("invalid message format",
				logger.String("topic", topic),
				logger.ErrorField(err))
			return
		}
		sub.deliver(&msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}
	sub.onClose = ns.Unsubscribe

	go func() {
		if err := n.nc.FlushTimeout(natsFlushTimeout); err != nil {
			logger.Warn("NATS subscribe flush failed",
				logger.String("topic", topic),
				logger.ErrorField(err))
			return
		}
		sub.markReady()
	}()
	return sub, nil
}

// Close drains nothing; pending publishes are best effort.
func (n *NatsTransport) Close() error {
	n.nc.Close()
	return nil
}

var _ Transport = (*NatsTransport)(nil)
