// Package events publishes call-domain events for consumers outside the
// call core (history, payouts, analytics).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"paidcall/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	SubjectSessionEnded   = "calls.session.ended"
	SubjectBillingSettled = "calls.billing.settled"
)

type SessionEnded struct {
	Session models.CallSession `json:"session"`
}

type BillingSettled struct {
	SessionID    string `json:"session_id"`
	PayerID      string `json:"payer_id"`
	PayeeID      string `json:"payee_id"`
	Amount       int64  `json:"amount"`
	PayerBalance int64  `json:"payer_balance"`
	PayeeBalance int64  `json:"payee_balance"`
	BilledCoins  int64  `json:"billed_coins"`
}

// Publisher sends an event as JSON on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
	Close() error
}

// Nop discards events; used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }

// NATSPublisher publishes events on a core NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(url, name string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Error().Err(err).Msg("NATS disconnected with error")
			} else {
				log.Warn().Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Str("url", url).Msg("Connected to NATS")
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
