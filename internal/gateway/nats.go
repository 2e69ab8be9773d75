package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// duplicateWindow is how long JetStream remembers message IDs.
const duplicateWindow = 10 * time.Minute

// publisher is the slice of jetstream.JetStream the gateway uses.
type publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSGateway publishes messages to a JetStream stream. Subjects are
// <prefix>.<tenant>.<kind>; the message ID is used as Nats-Msg-Id.
type NATSGateway struct {
	conn   *nats.Conn
	js     publisher
	prefix string
}

// ConnectNATS connects to url and makes sure the outbound stream exists.
func ConnectNATS(ctx context.Context, url, stream, prefix string) (*NATSGateway, error) {
	conn, err := nats.Connect(url,
		nats.Name("msgflow-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing jetstream: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   []string{prefix + ".>"},
		Duplicates: duplicateWindow,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating stream %s: %w", stream, err)
	}
	return &NATSGateway{conn: conn, js: js, prefix: prefix}, nil
}

func newNATSGateway(js publisher, prefix string) *NATSGateway {
	return &NATSGateway{js: js, prefix: prefix}
}

// Send publishes msg and waits for the stream acknowledgement.
func (g *NATSGateway) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	m := nats.NewMsg(g.subject(msg))
	m.Data = data
	m.Header.Set("Content-Type", "application/json")

	var opts []jetstream.PublishOpt
	if msg.ID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.ID))
	}
	if _, err := g.js.PublishMsg(ctx, m, opts...); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (g *NATSGateway) subject(msg Message) string {
	token := func(s string) string {
		s = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
		if s == "" {
			return "_"
		}
		return s
	}
	return g.prefix + "." + token(msg.TenantID) + "." + token(msg.Kind)
}

// Close drains the connection.
func (g *NATSGateway) Close() {
	if g.conn != nil {
		_ = g.conn.Drain()
	}
}
