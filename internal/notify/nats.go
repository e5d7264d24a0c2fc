package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"phaseline/internal/domain"
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each notification as JSON on <Subject>.<work item id>.
type NATSSink struct {
	Conn    Publisher
	Subject string
}

func (s NATSSink) Notify(ctx context.Context, n domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := s.Subject + "." + n.WorkItemID
	if err := s.Conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// DialNATS connects to a NATS server for notification delivery.
func DialNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name("phaseline"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
