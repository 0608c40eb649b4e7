package delivery

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubject is the subject an external mailer subscribes to.
const DefaultNATSSubject = "mailotp.delivery.email"

// NATSPublisher is the subset of *nats.Conn used by NATSGateway.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSGateway hands messages to an out-of-process mailer over NATS. A send
// succeeds once the server has acknowledged the publish via flush.
type NATSGateway struct {
	conn    NATSPublisher
	subject string
}

func NewNATSGateway(conn NATSPublisher, subject string) *NATSGateway {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSGateway{conn: conn, subject: subject}
}

// ConnectNATS dials the server at url.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name("mailotp"))
}

func (g *NATSGateway) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return sendFailed("nats", err)
	}
	if err := g.conn.Publish(g.subject, data); err != nil {
		return sendFailed("nats", err)
	}
	if err := g.conn.FlushWithContext(ctx); err != nil {
		return sendFailed("nats", err)
	}
	return nil
}
