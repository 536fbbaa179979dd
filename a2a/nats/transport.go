// Package nats provides an a2a.Transport over NATS JetStream so agents can run
// as separate processes. Each agent owns the subject <prefix>.<agent> and a
// durable consumer of the same name; an envelope is acknowledged only once the
// receiving router has taken it, so a restarted receiver resumes where the
// previous one stopped.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/loanmesh/a2a"
	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/logging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds NATS transport configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// Stream is the JetStream stream capturing all agent subjects.
	Stream string

	// SubjectPrefix is prepended to agent names to form subjects.
	SubjectPrefix string

	// Peers lists the agents envelopes may be addressed to. Empty allows any.
	Peers []string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration

	// AckWait is how long an undelivered envelope stays claimed before redelivery.
	AckWait time.Duration

	// MaxAge bounds how long undelivered envelopes are retained.
	MaxAge time.Duration

	// Token for token-based authentication (optional).
	Token string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "loanmesh",
		Stream:        "LOANMESH_A2A",
		SubjectPrefix: "loanmesh.a2a",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		AckWait:       30 * time.Second,
		MaxAge:        24 * time.Hour,
	}
}

// Options configures a Transport.
type Options struct {
	Logger logging.Logger
	// FaultHandler observes inbound messages that do not decode into a valid
	// envelope. They are counted as protocol faults and never redelivered.
	FaultHandler a2a.FaultHandler
}

// Transport implements a2a.Transport on JetStream.
type Transport struct {
	cfg    Config
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	peers  map[string]bool
	logger logging.Logger
	fault  a2a.FaultHandler

	mu     sync.Mutex
	active map[string]bool
}

var _ a2a.Transport = (*Transport)(nil)

// Connect dials NATS and ensures the stream exists.
func Connect(ctx context.Context, cfg Config, optFns ...func(o *Options)) (*Transport, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	natsOpts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				opts.Logger.Warn("nats.disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			opts.Logger.Info("nats.reconnected")
		}),
	}
	if cfg.Token != "" {
		natsOpts = append(natsOpts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	t, err := New(ctx, conn, cfg, optFns...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// New builds a Transport on an existing connection.
func New(ctx context.Context, conn *nats.Conn, cfg Config, optFns ...func(o *Options)) (*Transport, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		MaxAge:    cfg.MaxAge,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Stream, err)
	}

	t := newTransport(cfg, opts.Logger)
	t.fault = opts.FaultHandler
	t.conn = conn
	t.js = js
	t.stream = stream
	return t, nil
}

func newTransport(cfg Config, logger logging.Logger) *Transport {
	peers := make(map[string]bool, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[p] = true
	}
	return &Transport{cfg: cfg, peers: peers, logger: logger, active: make(map[string]bool)}
}

// Subject returns the subject an agent receives on.
func (t *Transport) Subject(agent string) string {
	return t.cfg.SubjectPrefix + "." + agent
}

func (t *Transport) checkAgent(agent string) error {
	if agent == "" || strings.ContainsAny(agent, ".*> \t") {
		return core.NewError(core.CodeTransport, "invalid agent name %q", agent)
	}
	if len(t.peers) > 0 && !t.peers[agent] {
		return core.NewError(core.CodeTransport, "unknown recipient %q", agent).WithDetail("recipient", agent)
	}
	return nil
}

// Send implements a2a.Transport. It returns once JetStream acknowledged the
// envelope.
func (t *Transport) Send(ctx context.Context, env *a2a.Envelope) error {
	if err := t.checkAgent(env.Recipient); err != nil {
		return err
	}
	if t.conn == nil || t.conn.IsClosed() {
		return core.NewError(core.CodeTransport, "transport closed")
	}

	data, err := a2a.Marshal(env)
	if err != nil {
		return core.WrapError(core.CodeTransport, err, "encode envelope %s: %v", env.ID, err)
	}

	if _, err := t.js.Publish(ctx, t.Subject(env.Recipient), data, jetstream.WithMsgID(env.ID)); err != nil {
		return core.WrapError(core.CodeTransport, err, "publish envelope %s: %v", env.ID, err)
	}
	return nil
}

// Receive implements a2a.Transport.
func (t *Transport) Receive(ctx context.Context, agent string) (<-chan *a2a.Envelope, error) {
	if err := t.checkAgent(agent); err != nil {
		return nil, err
	}
	if t.conn == nil || t.conn.IsClosed() {
		return nil, core.NewError(core.CodeTransport, "transport closed")
	}

	t.mu.Lock()
	if t.active[agent] {
		t.mu.Unlock()
		return nil, core.NewError(core.CodeTransport, "agent %q already has an active receiver", agent)
	}
	t.active[agent] = true
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		delete(t.active, agent)
		t.mu.Unlock()
	}

	consumer, err := t.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          agent,
		Durable:       agent,
		FilterSubject: t.Subject(agent),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.cfg.AckWait,
		MaxAckPending: 1,
	})
	if err != nil {
		release()
		return nil, core.WrapError(core.CodeTransport, err, "consumer %s: %v", agent, err)
	}

	out := make(chan *a2a.Envelope)
	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		env, err := a2a.Unmarshal(msg.Data())
		if err != nil {
			t.malformed(agent, msg.Data(), err)
			_ = msg.Term()
			return
		}
		select {
		case out <- env:
			_ = msg.Ack()
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		release()
		return nil, core.WrapError(core.CodeTransport, err, "consume %s: %v", agent, err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-cons.Closed():
		}
		cons.Stop()
		<-cons.Closed()
		release()
		close(out)
	}()

	return out, nil
}

// malformed accounts for a message addressed to agent that is not a valid
// envelope. The handler gets whatever fields could be decoded.
func (t *Transport) malformed(agent string, data []byte, err error) {
	var partial a2a.Envelope
	_ = json.Unmarshal(data, &partial)
	if partial.Recipient == "" {
		partial.Recipient = agent
	}

	a2a.ProtocolFaults.WithLabelValues(agent, string(partial.Kind)).Inc()
	t.logger.Error("nats.receive.malformed", "agent", agent, "envelope_id", partial.ID, "error", err.Error())
	if t.fault != nil {
		t.fault(&partial, core.WrapError(core.CodeProtocolFault, err, "malformed envelope for %s: %v", agent, err))
	}
}

// Close drains the connection.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Drain()
}
