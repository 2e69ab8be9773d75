// Package gateway delivers outbound messages produced by flow runs.
//
// Delivery is at-least-once. Every message carries an ID derived from the run
// and node that produced it so downstream consumers can drop duplicates.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"msgflow/backend/internal/config"
	"msgflow/backend/internal/logging"
	"msgflow/backend/internal/metrics"
)

// Message kinds.
const (
	KindText     = "text"
	KindTemplate = "template"
)

// Message is one outbound message.
type Message struct {
	ID           string   `json:"id"`
	TenantID     string   `json:"tenantId"`
	Channel      string   `json:"channel"`
	Kind         string   `json:"kind"`
	Recipient    string   `json:"recipient"`
	Body         string   `json:"body,omitempty"`
	TemplateName string   `json:"templateName,omitempty"`
	LanguageCode string   `json:"languageCode,omitempty"`
	Parameters   []string `json:"parameters,omitempty"`
}

// Gateway sends messages to the messaging provider.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

// New builds the gateway selected by cfg.Gateway.Driver. The returned close
// function releases connections and is never nil.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (Gateway, func(), error) {
	driver := strings.ToLower(cfg.Gateway.Driver)
	switch driver {
	case "nats":
		gw, err := ConnectNATS(ctx, cfg.Gateway.NATS.URL, cfg.Gateway.NATS.Stream, cfg.Gateway.NATS.SubjectPrefix)
		if err != nil {
			return nil, func() {}, err
		}
		logger.Info("messaging gateway connected", "driver", driver, "url", cfg.Gateway.NATS.URL)
		return Instrument(gw, driver), gw.Close, nil
	case "http":
		if cfg.Gateway.HTTP.URL == "" {
			return nil, func() {}, fmt.Errorf("gateway.http.url is required for the http driver")
		}
		gw := NewHTTPGateway(cfg.Gateway.HTTP.URL, cfg.Gateway.HTTP.Token, cfg.Gateway.HTTP.Timeout)
		return Instrument(gw, driver), func() {}, nil
	case "", "log":
		return Instrument(NewLogGateway(logger), "log"), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown gateway driver %q", cfg.Gateway.Driver)
	}
}

type instrumented struct {
	next   Gateway
	driver string
}

// Instrument counts sends per driver, kind and outcome.
func Instrument(gw Gateway, driver string) Gateway {
	return &instrumented{next: gw, driver: driver}
}

func (g *instrumented) Send(ctx context.Context, msg Message) error {
	err := g.next.Send(ctx, msg)
	metrics.RecordGatewaySend(g.driver, msg.Kind, err)
	return err
}

// LogGateway writes messages to the log instead of delivering them.
type LogGateway struct {
	logger *logging.Logger
}

// NewLogGateway creates a LogGateway.
func NewLogGateway(logger *logging.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(_ context.Context, msg Message) error {
	g.logger.Info("outbound message",
		"message_id", msg.ID,
		"tenant_id", msg.TenantID,
		"kind", msg.Kind,
		"recipient", msg.Recipient,
		"template", msg.TemplateName)
	return nil
}

// Recorder keeps every message in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	// Err, when set, is returned from Send after recording.
	Err error
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.Err
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}
