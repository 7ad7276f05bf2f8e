package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// publisher is the part of *nats.Conn the sink uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each notification as JSON on <prefix>.<event>.
type NATSSink struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NATSConfig holds connection parameters.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
	Timeout       time.Duration
}

// NewNATSSink connects to NATS. Reconnects are unlimited; publishes made
// while disconnected are buffered by the client.
func NewNATSSink(cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "billing"
	}
	if cfg.Name == "" {
		cfg.Name = "billrun"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger = logger.With(slog.String("sink", "nats"))

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSSink{pub: nc, conn: nc, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

func (s *NATSSink) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	subject := s.prefix + "." + n.Event
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
