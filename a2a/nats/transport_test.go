package nats

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/hupe1980/loanmesh/a2a"
	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_Subject(t *testing.T) {
	tr := newTransport(DefaultConfig(), logging.NoOpLogger{})
	assert.Equal(t, "loanmesh.a2a.datafetcher", tr.Subject("datafetcher"))
}

func TestTransport_CheckAgent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peers = []string{"underwriter", "datafetcher"}
	tr := newTransport(cfg, logging.NoOpLogger{})

	tests := []struct {
		agent   string
		wantErr bool
	}{
		{"underwriter", false},
		{"datafetcher", false},
		{"ghost", true},
		{"", true},
		{"a.b", true},
		{"wild*", true},
	}
	for _, tt := range tests {
		t.Run(tt.agent, func(t *testing.T) {
			err := tr.checkAgent(tt.agent)
			if tt.wantErr {
				assert.True(t, core.HasCode(err, core.CodeTransport))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransport_SendWithoutConnection(t *testing.T) {
	tr := newTransport(DefaultConfig(), logging.NoOpLogger{})

	err := tr.Send(context.Background(), a2a.NewRequest("u", "datafetcher", "cap", nil))
	assert.True(t, core.HasCode(err, core.CodeTransport))

	_, err = tr.Receive(context.Background(), "datafetcher")
	assert.True(t, core.HasCode(err, core.CodeTransport))
	assert.NoError(t, tr.Close())
}

func TestTransport_MalformedIsProtocolFault(t *testing.T) {
	tr := newTransport(DefaultConfig(), logging.NoOpLogger{})

	var (
		got    *a2a.Envelope
		gotErr error
	)
	tr.fault = func(env *a2a.Envelope, err error) { got, gotErr = env, err }

	tr.malformed("datafetcher", []byte(`{"id":"e-1","kind":"REQUEST","sender":"underwriter"}`), errors.New("missing recipient"))

	require.NotNil(t, got)
	assert.Equal(t, "e-1", got.ID)
	assert.Equal(t, "datafetcher", got.Recipient)
	assert.True(t, core.HasCode(gotErr, core.CodeProtocolFault))

	tr.malformed("datafetcher", []byte("{not json"), errors.New("bad json"))
	require.NotNil(t, got)
	assert.Empty(t, got.ID)
	assert.Equal(t, "datafetcher", got.Recipient)
}

// Requires a JetStream enabled server, e.g. `nats-server -js`.
func TestTransport_RoundTrip(t *testing.T) {
	url := os.Getenv("LOANMESH_NATS_URL")
	if url == "" {
		t.Skip("Skipping NATS integration test - requires LOANMESH_NATS_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Stream = "LOANMESH_A2A_TEST"
	cfg.SubjectPrefix = "loanmesh.test." + core.NewID()[:8]

	tr, err := Connect(ctx, cfg)
	require.NoError(t, err)
	defer tr.Close()

	req := a2a.NewRequest("underwriter", "datafetcher", "fetch_financial_data", map[string]any{"applicant_ref": "A-100"})
	require.NoError(t, tr.Send(ctx, req))

	in, err := tr.Receive(ctx, "datafetcher")
	require.NoError(t, err)

	select {
	case got := <-in:
		assert.Equal(t, req, got)
	case <-ctx.Done():
		t.Fatal("no envelope received")
	}
}
