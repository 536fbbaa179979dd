package a2a

import (
	"context"
	"sync"

	"github.com/hupe1980/loanmesh/core"
)

// Transport delivers envelopes between agents. It never inspects payloads.
//
// Send fails with a TransportError when the recipient is unknown or the
// transport is closed. Receive returns the inbound stream of one agent; the
// stream ends when ctx is done, and a later Receive for the same agent resumes
// with the first envelope not yet delivered. Envelopes from one sender to one
// recipient arrive in send order.
type Transport interface {
	Send(ctx context.Context, env *Envelope) error
	Receive(ctx context.Context, agent string) (<-chan *Envelope, error)
}

func transportError(format string, args ...any) *core.Error {
	return core.NewError(core.CodeTransport, format, args...)
}

// ChannelTransport is an in-process Transport. Every envelope is encoded and
// decoded on Send, so sender and receiver never share payload maps and see
// exactly what a wire transport would deliver.
type ChannelTransport struct {
	mu      sync.Mutex
	boxes   map[string]*mailbox
	closed  bool
	closeCh chan struct{}
}

type mailbox struct {
	mu        sync.Mutex
	queue     []*Envelope
	notify    chan struct{}
	receiving bool
}

// NewChannelTransport creates a transport that knows the given agents.
func NewChannelTransport(agents ...string) *ChannelTransport {
	t := &ChannelTransport{boxes: make(map[string]*mailbox), closeCh: make(chan struct{})}
	for _, a := range agents {
		t.boxes[a] = newMailbox()
	}
	return t
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// Register makes an agent addressable. Registering twice is a no-op.
func (t *ChannelTransport) Register(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.boxes[agent]; !ok {
		t.boxes[agent] = newMailbox()
	}
}

func (t *ChannelTransport) box(agent string) (*mailbox, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transportError("transport closed")
	}
	b, ok := t.boxes[agent]
	if !ok {
		return nil, transportError("unknown recipient %q", agent).WithDetail("recipient", agent)
	}
	return b, nil
}

// Send implements Transport.
func (t *ChannelTransport) Send(ctx context.Context, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return core.WrapError(core.CodeTransport, err, "send envelope %s: %v", env.ID, err)
	}
	b, err := t.box(env.Recipient)
	if err != nil {
		return err
	}

	raw, err := Marshal(env)
	if err != nil {
		return core.WrapError(core.CodeTransport, err, "encode envelope %s: %v", env.ID, err)
	}
	copied, err := Unmarshal(raw)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.queue = append(b.queue, copied)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive implements Transport. Only one stream per agent may be active.
func (t *ChannelTransport) Receive(ctx context.Context, agent string) (<-chan *Envelope, error) {
	b, err := t.box(agent)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.receiving {
		b.mu.Unlock()
		return nil, transportError("agent %q already has an active receiver", agent)
	}
	b.receiving = true
	b.mu.Unlock()

	out := make(chan *Envelope)
	go t.forward(ctx, b, out)
	return out, nil
}

// forward peeks at the head of the queue and only pops it once the receiver
// has taken it, so a stream that stops never loses an envelope.
func (t *ChannelTransport) forward(ctx context.Context, b *mailbox, out chan<- *Envelope) {
	defer func() {
		b.mu.Lock()
		b.receiving = false
		b.mu.Unlock()
		close(out)
	}()

	for {
		b.mu.Lock()
		var head *Envelope
		if len(b.queue) > 0 {
			head = b.queue[0]
		}
		b.mu.Unlock()

		if head == nil {
			select {
			case <-ctx.Done():
				return
			case <-t.closeCh:
				return
			case <-b.notify:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-t.closeCh:
			return
		case out <- head:
			b.mu.Lock()
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()
		}
	}
}

// Pending returns the number of undelivered envelopes for agent.
func (t *ChannelTransport) Pending(agent string) int {
	b, err := t.box(agent)
	if err != nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops all streams; further sends fail.
func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closeCh)
	}
	return nil
}
