// Package events publishes committed ledger facts for external indexers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

type Type string

const (
	DepositCreated    Type = "DepositCreated"
	DepositWithdrawn  Type = "DepositWithdrawn"
	DepositClosed     Type = "DepositClosed"
	IntentSignaled    Type = "IntentSignaled"
	IntentCancelled   Type = "IntentCancelled"
	IntentPruned      Type = "IntentPruned"
	IntentFulfilled   Type = "IntentFulfilled"
	IntentReleased    Type = "IntentReleased"
	AccountRegistered Type = "AccountRegistered"
	AccountReset      Type = "AccountReset"
	DenylistUpdated   Type = "DenylistUpdated"
	ParamsUpdated     Type = "ParamsUpdated"
)

// Event is a flat record of one committed transition. Values are strings so the
// wire form stays stable regardless of big.Int or hash encodings.
type Event struct {
	Type       Type              `json:"type"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes"`
}

func New(t Type, at time.Time, kv ...string) Event {
	attrs := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	return Event{Type: t, OccurredAt: at.UTC(), Attributes: attrs}
}

// Publisher delivers events. Publishing happens after commit and never rolls
// a transition back.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	Log *logrus.Logger
}

func (p LogPublisher) Publish(_ context.Context, evts ...Event) error {
	for _, e := range evts {
		fields := logrus.Fields{"event": string(e.Type)}
		for k, v := range e.Attributes {
			fields[k] = v
		}
		p.Log.WithFields(fields).Info("ledger event")
	}
	return nil
}

// NATSPublisher publishes JSON-encoded events on "<prefix>.<Type>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string, log *logrus.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("rampledger"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if prefix == "" {
		prefix = "rampledger"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, evts ...Event) error {
	for _, e := range evts {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := p.conn.Publish(p.prefix+"."+string(e.Type), data); err != nil {
			return fmt.Errorf("publish %s: %w", e.Type, err)
		}
	}
	return nil
}

func (p *NATSPublisher) Ping(_ context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", p.conn.Status())
	}
	return nil
}

func (p *NATSPublisher) Close() {
	_ = p.conn.Drain()
}

// Multi fans out to several publishers and reports the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evts ...Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, evts...); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps events in memory; used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evts ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evts...)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
