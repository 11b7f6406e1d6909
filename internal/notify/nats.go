package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kinesis-scaling-controller/ksc/internal/logging"
)

// NATSNotifier publishes scaling reports onto a broker subject as JSON
// envelopes, for operators who fan reports into their own tooling instead
// of (or alongside) SNS.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	log     logging.Logger
}

// reportEnvelope is the wire form of a broker notification.
type reportEnvelope struct {
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NewNATSNotifier connects to the broker and binds the notifier to a
// subject.
func NewNATSNotifier(url, subject string, log logging.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSNotifier{conn: conn, subject: subject, log: log}, nil
}

// Publish sends one report envelope to the subject.
func (n *NATSNotifier) Publish(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(reportEnvelope{
		Subject:     subject,
		Body:        body,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding report envelope: %w", err)
	}

	n.log.Info(ctx, "publishing scaling report",
		zap.String("target", n.subject), zap.String("subject", subject))

	if err := n.conn.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", n.subject, err)
	}
	return n.conn.FlushTimeout(5 * time.Second)
}

// Close drains the broker connection.
func (n *NATSNotifier) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// Directional routes scale up and scale down reports to separate sinks,
// for policies that configure a different target per direction. A missing
// sink drops that direction's reports.
type Directional struct {
	Up   Notifier
	Down Notifier
}

// Publish routes by the conventional subject suffix.
func (d *Directional) Publish(ctx context.Context, subject, body string) error {
	sink := d.Up
	if strings.HasSuffix(subject, "Scale Down") {
		sink = d.Down
	}
	if sink == nil {
		return nil
	}
	return sink.Publish(ctx, subject, body)
}

// Fanout delivers every report to all of its sinks, logging rather than
// failing when one sink errors: a lost notification never aborts a
// completed scaling action.
type Fanout struct {
	sinks []Notifier
	log   logging.Logger
}

// NewFanout builds a fanout over the given sinks; nils are skipped.
func NewFanout(log logging.Logger, sinks ...Notifier) *Fanout {
	f := &Fanout{log: log}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish sends to every sink.
func (f *Fanout) Publish(ctx context.Context, subject, body string) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, subject, body); err != nil {
			f.log.Error(ctx, "notification sink failed", zap.Error(err))
		}
	}
	return nil
}
