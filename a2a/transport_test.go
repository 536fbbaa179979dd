package a2a

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hupe1980/loanmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, ch <-chan *Envelope) *Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "stream closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestChannelTransport_FIFOPerPair(t *testing.T) {
	ctx := context.Background()
	tr := NewChannelTransport("u", "d")

	for i := 0; i < 50; i++ {
		require.NoError(t, tr.Send(ctx, NewRequest("u", "d", "cap", map[string]any{"n": float64(i)})))
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	in, err := tr.Receive(rctx, "d")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		env := recvOne(t, in)
		assert.Equal(t, float64(i), env.Payload["n"])
	}
}

func TestChannelTransport_Errors(t *testing.T) {
	ctx := context.Background()
	tr := NewChannelTransport("u")

	err := tr.Send(ctx, NewRequest("u", "ghost", "cap", nil))
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeTransport))

	_, err = tr.Receive(ctx, "ghost")
	assert.True(t, core.HasCode(err, core.CodeTransport))

	tr.Register("ghost")
	require.NoError(t, tr.Send(ctx, NewRequest("u", "ghost", "cap", nil)))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = tr.Send(cancelled, NewRequest("u", "ghost", "cap", nil))
	assert.True(t, core.HasCode(err, core.CodeTransport))
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, tr.Close())
	err = tr.Send(ctx, NewRequest("u", "ghost", "cap", nil))
	assert.True(t, core.HasCode(err, core.CodeTransport))
}

func TestChannelTransport_IsolatesPayload(t *testing.T) {
	ctx := context.Background()
	tr := NewChannelTransport("u", "d")

	payload := map[string]any{"list": []any{"a"}}
	require.NoError(t, tr.Send(ctx, NewRequest("u", "d", "cap", payload)))
	payload["list"].([]any)[0] = "mutated"

	in, err := tr.Receive(ctx, "d")
	require.NoError(t, err)
	env := recvOne(t, in)
	assert.Equal(t, []any{"a"}, env.Payload["list"])
}

func TestChannelTransport_RestartIsLossless(t *testing.T) {
	ctx := context.Background()
	tr := NewChannelTransport("u", "d")

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Send(ctx, NewRequest("u", "d", fmt.Sprintf("cap-%d", i), nil)))
	}

	first, cancel := context.WithCancel(ctx)
	in, err := tr.Receive(first, "d")
	require.NoError(t, err)
	assert.Equal(t, "cap-0", recvOne(t, in).Capability)
	assert.Equal(t, "cap-1", recvOne(t, in).Capability)

	// second receiver rejected while the first is active
	_, err = tr.Receive(ctx, "d")
	assert.True(t, core.HasCode(err, core.CodeTransport))

	cancel()

	require.Eventually(t, func() bool {
		in2, err := tr.Receive(ctx, "d")
		if err != nil {
			return false
		}
		assert.Equal(t, "cap-2", recvOne(t, in2).Capability)
		assert.Equal(t, "cap-3", recvOne(t, in2).Capability)
		assert.Equal(t, "cap-4", recvOne(t, in2).Capability)
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestChannelTransport_CloseEndsStreams(t *testing.T) {
	tr := NewChannelTransport("d")
	in, err := tr.Receive(context.Background(), "d")
	require.NoError(t, err)

	require.NoError(t, tr.Close())

	select {
	case _, ok := <-in:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}
