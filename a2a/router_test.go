package a2a

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/loanmesh/capability"
	"github.com/hupe1980/loanmesh/core"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -------------------- Fixtures --------------------

type faultRecorder struct {
	mu     sync.Mutex
	faults []error
}

func (f *faultRecorder) handle(_ *Envelope, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, err)
}

func (f *faultRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.faults)
}

type pair struct {
	transport *ChannelTransport
	caller    *Router
	callee    *Router
	faults    *faultRecorder
	release   chan struct{}
}

// newPair wires a caller ("uw") and a callee ("df") over a channel transport.
// The callee exposes echo, slow (blocks until release is closed) and fail.
func newPair(t *testing.T) *pair {
	t.Helper()
	tr := NewChannelTransport("uw", "df")
	faults := &faultRecorder{}
	release := make(chan struct{})

	reg := capability.NewRegistry("df")
	reg.MustRegister("echo", map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}, nil, func(_ context.Context, p map[string]any) (map[string]any, error) {
		return map[string]any{"text": p["text"]}, nil
	})
	reg.MustRegister("slow", nil, nil, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]any{"late": true}, nil
	}, capability.WithAsync())
	reg.MustRegister("fail", nil, nil, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, core.NewError(core.CodeCollaboratorUnavail, "document store offline").WithDetail("reason", core.ReasonNetwork)
	})
	reg.MustRegister("session_of", nil, nil, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"session": SessionFromContext(ctx)}, nil
	})

	callee, err := NewRouter("df", tr, reg)
	require.NoError(t, err)
	caller, err := NewRouter("uw", tr, nil, func(o *Options) { o.FaultHandler = faults.handle })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = callee.Serve(ctx) }()
	go func() { defer wg.Done(); _ = caller.Serve(ctx) }()

	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		cancel()
		wg.Wait()
	})

	return &pair{transport: tr, caller: caller, callee: callee, faults: faults, release: release}
}

// -------------------- Outbound calls --------------------

func TestRouter_CallFulfilled(t *testing.T) {
	p := newPair(t)

	res, err := p.caller.Call(context.Background(), "df", "echo", map[string]any{"text": "hi"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", res["text"])
	assert.Equal(t, 0, p.caller.Pending())
}

func TestRouter_ErrorReplies(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		cap     string
		payload map[string]any
		code    core.ErrorCode
	}{
		{"unknown capability", "nope", nil, core.CodeUnknownCapability},
		{"validation", "echo", map[string]any{"text": 5}, core.CodeValidation},
		{"collaborator failure", "fail", nil, core.CodeCollaboratorUnavail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.caller.Call(ctx, "df", tt.cap, tt.payload, time.Second)
			require.Error(t, err)
			assert.Equal(t, tt.code, core.CodeOf(err))
		})
	}

	_, err := p.caller.Call(ctx, "df", "fail", nil, time.Second)
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.ReasonNetwork, e.Reason())
	assert.Equal(t, 0, p.faults.count())
}

func TestRouter_UnknownRecipient(t *testing.T) {
	p := newPair(t)
	_, err := p.caller.Call(context.Background(), "ghost", "echo", nil, time.Second)
	assert.True(t, core.HasCode(err, core.CodeTransport))
	assert.Equal(t, 0, p.caller.Pending())
}

func TestRouter_TimeoutThenLateReplyDiscarded(t *testing.T) {
	p := newPair(t)
	late := testutil.ToFloat64(LateReplies.WithLabelValues("uw"))

	start := time.Now()
	_, err := p.caller.Call(context.Background(), "df", "slow", nil, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeCallTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, p.caller.Pending())

	close(p.release)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(LateReplies.WithLabelValues("uw")) == late+1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.faults.count())
}

func TestRouter_CallerContextCancelled(t *testing.T) {
	p := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.caller.Call(ctx, "df", "slow", nil, time.Minute)
	assert.True(t, core.HasCode(err, core.CodeCancelled))

	_, err = p.caller.Call(ctx, "df", "echo", map[string]any{"text": "late"}, time.Second)
	assert.True(t, core.HasCode(err, core.CodeCancelled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.caller.Pending())
}

func TestRouter_CancelSession(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.caller.Call(ctx, "df", "slow", nil, time.Minute, WithSession("s-1"))
			errs <- err
		}()
	}
	other := make(chan error, 1)
	go func() {
		_, err := p.caller.Call(ctx, "df", "slow", nil, time.Minute, WithSession("s-2"))
		other <- err
	}()

	require.Eventually(t, func() bool { return p.caller.Pending() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, p.caller.CancelSession("s-1"))

	for i := 0; i < 3; i++ {
		err := <-errs
		assert.True(t, core.HasCode(err, core.CodeCancelled))
	}

	close(p.release)
	assert.NoError(t, <-other)
	require.Eventually(t, func() bool { return p.caller.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.faults.count())
}

func TestRouter_SessionPropagatesToHandler(t *testing.T) {
	p := newPair(t)
	res, err := p.caller.Call(context.Background(), "df", "session_of", nil, time.Second, WithSession("s-42"))
	require.NoError(t, err)
	assert.Equal(t, "s-42", res["session"])
}

func TestRouter_ConcurrentCallsCorrelate(t *testing.T) {
	p := newPair(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := string(rune('a' + i%26))
			res, err := p.caller.Call(context.Background(), "df", "echo", map[string]any{"text": text}, 2*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, text, res["text"])
			}
		}(i)
	}
	wg.Wait()
}

// -------------------- Faults and duplicates --------------------

func TestRouter_UnresolvedReplyIsProtocolFault(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	orphan := NewRequest("uw", "df", "echo", nil)
	require.NoError(t, p.transport.Send(ctx, NewResponse(orphan, nil)))

	require.Eventually(t, func() bool { return p.faults.count() == 1 }, time.Second, 5*time.Millisecond)
	p.faults.mu.Lock()
	assert.True(t, core.HasCode(p.faults.faults[0], core.CodeProtocolFault))
	p.faults.mu.Unlock()

	// the router keeps serving after a fault
	_, err := p.caller.Call(ctx, "df", "echo", map[string]any{"text": "still alive"}, time.Second)
	assert.NoError(t, err)
}

func TestRouter_DuplicateAndMismatchedReplies(t *testing.T) {
	tr := NewChannelTransport("uw", "df")
	faults := &faultRecorder{}
	caller, err := NewRouter("uw", tr, nil, func(o *Options) { o.FaultHandler = faults.handle })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = caller.Serve(ctx) }()

	late := testutil.ToFloat64(LateReplies.WithLabelValues("uw"))

	// a hand-rolled callee answering twice, first with a wrong session
	in, err := tr.Receive(ctx, "df")
	require.NoError(t, err)
	go func() {
		req := <-in
		wrong := NewResponse(req, map[string]any{"n": 0.0})
		wrong.SessionID = "other"
		_ = tr.Send(ctx, wrong)
		_ = tr.Send(ctx, NewResponse(req, map[string]any{"n": 1.0}))
		_ = tr.Send(ctx, NewResponse(req, map[string]any{"n": 2.0}))
	}()

	res, err := caller.Call(ctx, "df", "anything", nil, time.Second, WithSession("s-1"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res["n"])

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(LateReplies.WithLabelValues("uw")) == late+1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, faults.count())
}

func TestRouter_History(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	_, err := p.caller.Call(ctx, "df", "echo", map[string]any{"text": "a"}, time.Second, WithSession("s-1"))
	require.NoError(t, err)
	_, err = p.caller.Call(ctx, "df", "echo", map[string]any{"text": "b"}, time.Second, WithSession("s-2"))
	require.NoError(t, err)

	all := p.caller.History("")
	require.Len(t, all, 4)
	assert.Equal(t, KindRequest, all[0].Kind)
	assert.Equal(t, KindResponse, all[1].Kind)
	assert.Equal(t, all[0].ID, all[1].InReplyTo)

	s1 := p.caller.History("s-1")
	require.Len(t, s1, 2)
	for _, env := range s1 {
		assert.Equal(t, "s-1", env.SessionID)
	}

	s1[0].Payload["text"] = "changed"
	assert.Equal(t, "a", p.caller.History("s-1")[0].Payload["text"])

	assert.Eventually(t, func() bool { return len(p.callee.History("")) == 4 }, time.Second, 10*time.Millisecond)

	p.transport.Register("small")
	small, err := NewRouter("small", p.transport, nil, func(o *Options) { o.HistoryCapacity = 2 })
	require.NoError(t, err)
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { defer close(done); _ = small.Serve(sctx) }()
	t.Cleanup(func() { cancel(); <-done })

	for _, text := range []string{"x", "y"} {
		_, err := small.Call(ctx, "df", "echo", map[string]any{"text": text}, time.Second)
		require.NoError(t, err)
	}
	kept := small.History("")
	require.Len(t, kept, 2)
	assert.Equal(t, "y", kept[0].Payload["text"])
	assert.Equal(t, KindResponse, kept[1].Kind)

	off, err := NewRouter("off", p.transport, nil, func(o *Options) { o.HistoryCapacity = 0 })
	require.NoError(t, err)
	assert.Nil(t, off.History(""))
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter("", NewChannelTransport(), nil)
	assert.Error(t, err)
	_, err = NewRouter("a", nil, nil)
	assert.Error(t, err)
	_, err = NewRouter("a", NewChannelTransport("a"), nil, func(o *Options) { o.RecentCapacity = 0 })
	assert.Error(t, err)
}

func TestRouter_ServeStopsOnCancel(t *testing.T) {
	tr := NewChannelTransport("df")
	r, err := NewRouter("df", tr, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("serve did not stop")
	}
}
