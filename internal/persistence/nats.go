package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher is the slice of *nats.Conn the recorder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSRecorder publishes each record as JSON on "<prefix>.<sessionId>".
type NATSRecorder struct {
	pub    Publisher
	prefix string
}

func NewNATSRecorder(pub Publisher, prefix string) *NATSRecorder {
	if prefix == "" {
		prefix = "tactics.sessions.ended"
	}
	return &NATSRecorder{pub: pub, prefix: prefix}
}

func (r *NATSRecorder) Record(ctx context.Context, rec SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	subject := r.prefix + "." + rec.SessionID
	if err := r.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("combat-sync"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}
