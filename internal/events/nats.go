package events

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher publishes events on <subject>.<executor>.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// DialNATS connects to url. The connection reconnects forever once
// established.
func DialNATS(url, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	if subject == "" {
		subject = "execd.events"
	}
	opts := []nats.Option{
		nats.Name("execd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) Subject(executor string) string { return p.subject + "." + executor }

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.Subject(ev.Executor), data)
}

func (p *NATSPublisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}
