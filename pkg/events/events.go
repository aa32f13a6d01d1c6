// Package events publishes vault lifecycle events to external consumers.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

// Event types emitted by the vault engine.
const (
	TypeDeposit         = "deposit"
	TypeWithdraw        = "withdraw"
	TypeStrikeTriggered = "strike_triggered"
	TypeNAVUpdate       = "nav_update"
	TypeDelever         = "delever"
)

// Event is a single vault lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Holder    string    `json:"holder,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Shares    string    `json:"shares,omitempty"`
	Price     string    `json:"price,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates an event with a fresh ID and timestamp.
func New(eventType string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// Publisher delivers events to an external bus. Publish failures must not
// affect vault state; callers log and continue.
type Publisher interface {
	Publish(ev Event) error
	Close()
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) error { return nil }
func (NoopPublisher) Close()              {}

// NATSPublisher publishes events to NATS subjects <prefix>.<type>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger log.Logger
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, prefix string, logger log.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info("Connected to NATS", "url", url, "prefix", prefix)
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Publish sends the event to <prefix>.<type>.
func (p *NATSPublisher) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.prefix + "." + ev.Type
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("NATS drain failed", "error", err)
	}
}
