package a2a

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hupe1980/loanmesh/capability"
	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/logging"
)

// FaultHandler observes protocol faults detected by a router.
type FaultHandler func(env *Envelope, err error)

// Options configures a Router.
type Options struct {
	Logger logging.Logger
	// DefaultTimeout applies to calls made with a zero timeout.
	DefaultTimeout time.Duration
	// RecentCapacity bounds how many resolved call ids are remembered to tell
	// late replies apart from unresolved correlations.
	RecentCapacity int
	// HistoryCapacity bounds the message history of the router. Zero
	// disables it.
	HistoryCapacity int
	// FaultHandler is invoked for every protocol fault after it is logged.
	FaultHandler FaultHandler
}

// CallOptions tune a single outbound call.
type CallOptions struct {
	SessionID string
}

// WithSession tags the request (and therefore its pending call) with a session.
func WithSession(id string) func(o *CallOptions) {
	return func(o *CallOptions) { o.SessionID = id }
}

// Router dispatches inbound requests to the agent's capability registry and
// correlates inbound replies with the outbound calls waiting for them.
//
// Outbound calls are registered in the pending table before the request is
// sent. A call resolves exactly once: the first matching reply, the timeout,
// or cancellation wins and everything after it is logged and discarded.
type Router struct {
	agent     string
	transport Transport
	registry  *capability.Registry
	pending   *PendingTable
	recent    *lru.Cache[string, Resolution]
	history   *lru.Cache[string, *Envelope]
	logger    logging.Logger
	opts      Options

	wg sync.WaitGroup
}

// NewRouter creates a router for agent. A nil registry gives an agent that
// only makes calls.
func NewRouter(agent string, transport Transport, registry *capability.Registry, optFns ...func(o *Options)) (*Router, error) {
	opts := Options{
		Logger:         logging.NoOpLogger{},
		DefaultTimeout:  30 * time.Second,
		RecentCapacity:  1024,
		HistoryCapacity: 256,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if agent == "" {
		return nil, fmt.Errorf("router: agent name is empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("router: transport is nil")
	}
	if registry == nil {
		registry = capability.NewRegistry(agent, func(o *capability.Options) { o.Logger = opts.Logger })
	}

	recent, err := lru.New[string, Resolution](opts.RecentCapacity)
	if err != nil {
		return nil, fmt.Errorf("router: recent cache: %w", err)
	}

	var history *lru.Cache[string, *Envelope]
	if opts.HistoryCapacity > 0 {
		history, err = lru.New[string, *Envelope](opts.HistoryCapacity)
		if err != nil {
			return nil, fmt.Errorf("router: history: %w", err)
		}
	}

	return &Router{
		agent:     agent,
		transport: transport,
		registry:  registry,
		pending:   NewPendingTable(),
		recent:    recent,
		history:   history,
		logger:    opts.Logger,
		opts:      opts,
	}, nil
}

// Agent returns the identifier the router receives for.
func (r *Router) Agent() string { return r.agent }

// Registry returns the capability registry requests are dispatched to.
func (r *Router) Registry() *capability.Registry { return r.registry }

// Pending returns the number of outstanding outbound calls.
func (r *Router) Pending() int { return r.pending.Len() }

// History returns copies of the most recent envelopes the router sent or
// received, oldest first. A non-empty sessionID keeps only that session.
func (r *Router) History(sessionID string) []*Envelope {
	if r.history == nil {
		return nil
	}
	var out []*Envelope
	for _, id := range r.history.Keys() {
		env, ok := r.history.Peek(id)
		if !ok || (sessionID != "" && env.SessionID != sessionID) {
			continue
		}
		out = append(out, env.clone())
	}
	return out
}

func (r *Router) record(env *Envelope) {
	if r.history != nil {
		r.history.Add(env.ID, env.clone())
	}
}

// Serve consumes the agent's inbound stream until ctx is done or the
// transport closes the stream. In-flight asynchronous handlers are awaited
// before Serve returns.
func (r *Router) Serve(ctx context.Context) error {
	in, err := r.transport.Receive(ctx, r.agent)
	if err != nil {
		return err
	}

	r.logger.Info("router.serve.start", "agent", r.agent)

	for env := range in {
		r.handle(ctx, env)
	}

	r.wg.Wait()
	r.logger.Info("router.serve.stop", "agent", r.agent)

	if err := ctx.Err(); err != nil {
		return err
	}
	return transportError("inbound stream of %s closed", r.agent)
}

func (r *Router) handle(ctx context.Context, env *Envelope) {
	EnvelopesReceived.WithLabelValues(r.agent, string(env.Kind)).Inc()
	r.record(env)

	if err := env.Validate(); err != nil {
		r.fault(env, err)
		return
	}
	if env.Recipient != r.agent {
		r.fault(env, core.NewError(core.CodeProtocolFault, "envelope %s addressed to %s delivered to %s", env.ID, env.Recipient, r.agent))
		return
	}

	if env.Kind == KindRequest {
		r.dispatch(ctx, env)
		return
	}
	r.correlate(env)
}

func (r *Router) dispatch(ctx context.Context, req *Envelope) {
	d, err := r.registry.Resolve(req.Capability)
	if err != nil {
		r.logger.Warn("router.dispatch.unknown_capability", "capability", req.Capability, "sender", req.Sender)
		r.replyError(ctx, req, err)
		return
	}

	run := func() {
		hctx := ContextWithRequest(ctx, req)
		result, err := r.registry.Invoke(hctx, d.Name, req.Payload)
		if err != nil {
			r.replyError(ctx, req, err)
			return
		}
		r.reply(ctx, NewResponse(req, result))
	}

	if !d.Async {
		run()
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		run()
	}()
}

func (r *Router) replyError(ctx context.Context, req *Envelope, err error) {
	HandlerErrors.WithLabelValues(r.agent, req.Capability, string(core.CodeOf(err))).Inc()
	r.reply(ctx, NewErrorReply(req, err))
}

func (r *Router) reply(ctx context.Context, env *Envelope) {
	// Replies to requests already accepted still go out while the router shuts down.
	if err := r.send(context.WithoutCancel(ctx), env); err != nil {
		r.logger.Error("router.reply.failed", "in_reply_to", env.InReplyTo, "recipient", env.Recipient, "error", err.Error())
	}
}

func (r *Router) send(ctx context.Context, env *Envelope) error {
	if err := r.transport.Send(ctx, env); err != nil {
		return err
	}
	EnvelopesSent.WithLabelValues(r.agent, string(env.Kind)).Inc()
	r.record(env)
	return nil
}

func (r *Router) correlate(reply *Envelope) {
	p, ok := r.pending.Get(reply.InReplyTo)
	if !ok {
		if res, seen := r.recent.Get(reply.InReplyTo); seen {
			LateReplies.WithLabelValues(r.agent).Inc()
			r.logger.Warn("router.reply.late", "in_reply_to", reply.InReplyTo, "resolution", res.String(), "sender", reply.Sender)
			return
		}
		r.fault(reply, core.NewError(core.CodeProtocolFault, "reply %s references unknown request %s", reply.ID, reply.InReplyTo))
		return
	}

	if p.Recipient != reply.Sender {
		r.fault(reply, core.NewError(core.CodeProtocolFault, "reply to %s came from %s, expected %s", p.EnvelopeID, reply.Sender, p.Recipient))
		return
	}
	if p.SessionID != reply.SessionID {
		r.fault(reply, core.NewError(core.CodeProtocolFault, "reply to %s carries session %q, expected %q", p.EnvelopeID, reply.SessionID, p.SessionID))
		return
	}

	res, err := ResolutionFulfilled, error(nil)
	if reply.Kind == KindError {
		res, err = ResolutionErrored, reply.AsError()
	}

	if !p.resolve(res, reply, err) {
		LateReplies.WithLabelValues(r.agent).Inc()
		r.logger.Warn("router.reply.duplicate", "in_reply_to", reply.InReplyTo, "resolution", p.Resolution().String())
	}
}

func (r *Router) fault(env *Envelope, err error) {
	ProtocolFaults.WithLabelValues(r.agent, string(env.Kind)).Inc()
	r.logger.Error("router.protocol_fault", "envelope_id", env.ID, "kind", string(env.Kind), "sender", env.Sender, "in_reply_to", env.InReplyTo, "error", err.Error())
	if r.opts.FaultHandler != nil {
		r.opts.FaultHandler(env, err)
	}
}

// Call sends a request and waits for its reply. It fails with the decoded
// protocol error for ERROR replies, CallTimeoutError when no reply arrives
// in time, and Cancelled when ctx or the session is cancelled first.
func (r *Router) Call(ctx context.Context, recipient, capabilityName string, payload map[string]any, timeout time.Duration, optFns ...func(o *CallOptions)) (map[string]any, error) {
	opts := CallOptions{SessionID: SessionFromContext(ctx)}
	for _, fn := range optFns {
		fn(&opts)
	}
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}

	req := NewRequest(r.agent, recipient, capabilityName, payload)
	req.SessionID = opts.SessionID

	p := newPendingCall(req, timeout)
	if err := r.pending.Add(p); err != nil {
		return nil, err
	}
	PendingCalls.WithLabelValues(r.agent).Inc()

	r.logger.Debug("router.call.start", "id", req.ID, "recipient", recipient, "capability", capabilityName, "session", req.SessionID, "timeout_ms", timeout.Milliseconds())

	defer func() {
		res := p.Resolution()
		r.recent.Add(p.EnvelopeID, res)
		r.pending.Remove(p.EnvelopeID)
		PendingCalls.WithLabelValues(r.agent).Dec()
		CallDuration.WithLabelValues(r.agent, capabilityName, res.String()).Observe(time.Since(p.IssuedAt).Seconds())
	}()

	if err := r.send(ctx, req); err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = core.WrapError(core.CodeCallTimeout, err, "%s.%s: caller deadline exceeded", recipient, capabilityName).
				WithDetail("capability", capabilityName)
		case ctx.Err() != nil:
			err = core.WrapError(core.CodeCancelled, err, "%s.%s: call cancelled", recipient, capabilityName)
		}
		p.resolve(ResolutionErrored, nil, err)
		r.logger.Warn("router.call.send_failed", "id", req.ID, "error", err.Error())
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.Done():
	case <-timer.C:
		p.resolve(ResolutionTimedOut, nil, core.NewError(core.CodeCallTimeout, "%s.%s did not reply within %s", recipient, capabilityName, timeout).
			WithDetail("capability", capabilityName))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.resolve(ResolutionTimedOut, nil, core.WrapError(core.CodeCallTimeout, ctx.Err(), "%s.%s: caller deadline exceeded", recipient, capabilityName).
				WithDetail("capability", capabilityName))
		} else {
			p.resolve(ResolutionErrored, nil, core.WrapError(core.CodeCancelled, ctx.Err(), "%s.%s: call cancelled", recipient, capabilityName))
		}
	}

	reply, err := p.Result()
	if err != nil {
		r.logger.Info("router.call.failed", "id", req.ID, "capability", capabilityName, "resolution", p.Resolution().String(), "error", err.Error())
		return nil, err
	}

	r.logger.Debug("router.call.fulfilled", "id", req.ID, "capability", capabilityName, "duration_ms", time.Since(p.IssuedAt).Milliseconds())

	if reply.Payload == nil {
		return map[string]any{}, nil
	}
	return reply.Payload, nil
}

// CancelSession resolves every outstanding call of a session as cancelled and
// returns how many were cancelled. Their replies are discarded on arrival.
func (r *Router) CancelSession(sessionID string) int {
	var n int
	for _, p := range r.pending.BySession(sessionID) {
		if p.resolve(ResolutionErrored, nil, core.NewError(core.CodeCancelled, "session %s cancelled", sessionID)) {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("router.session.cancelled", "session", sessionID, "calls", n)
	}
	return n
}
