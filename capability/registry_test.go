package capability

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hupe1980/loanmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -------------------- Helpers --------------------

var echoInput = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name": map[string]any{"type": "string"},
	},
	"required": []string{"name"},
}

var echoOutput = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"greeting": map[string]any{"type": "string"},
	},
	"required": []string{"greeting"},
}

func echo(_ context.Context, p map[string]any) (map[string]any, error) {
	return map[string]any{"greeting": "hello " + p["name"].(string)}, nil
}

// -------------------- Registration --------------------

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry("datafetcher")

	require.NoError(t, r.Register("echo", echoInput, echoOutput, echo, WithDescription("Say hello"), WithAsync()))

	d, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", d.Name)
	assert.Equal(t, "Say hello", d.Description)
	assert.True(t, d.Async)

	// descriptors are copies
	d.InputSchema["required"] = []string{}
	again, _ := r.Resolve("echo")
	assert.Equal(t, []string{"name"}, again.InputSchema["required"])
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry("datafetcher")
	require.NoError(t, r.Register("echo", echoInput, echoOutput, echo))

	err := r.Register("echo", nil, nil, echo)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeDuplicateCapability))

	assert.Panics(t, func() { r.MustRegister("echo", nil, nil, echo) })
}

func TestRegistry_RegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry("a")
	assert.Error(t, r.Register("", nil, nil, echo))
	assert.Error(t, r.Register("x", nil, nil, nil))
}

func TestRegistry_Unknown(t *testing.T) {
	r := NewRegistry("underwriter")
	_, err := r.Resolve("nope")
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeUnknownCapability))

	_, err = r.Invoke(context.Background(), "nope", nil)
	assert.True(t, core.HasCode(err, core.CodeUnknownCapability))
}

func TestRegistry_Descriptors(t *testing.T) {
	r := NewRegistry("a")
	r.MustRegister("b_cap", nil, nil, echo)
	r.MustRegister("a_cap", nil, nil, echo)

	ds := r.Descriptors()
	require.Len(t, ds, 2)
	assert.Equal(t, "a_cap", ds[0].Name)
	assert.Equal(t, "b_cap", ds[1].Name)
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	r := NewRegistry("a")
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Register("same", nil, nil, echo)
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

// -------------------- Invocation --------------------

func TestRegistry_Invoke(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry("a")
	r.MustRegister("echo", echoInput, echoOutput, echo)
	r.MustRegister("bad_output", nil, echoOutput, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"greeting": 42}, nil
	})
	r.MustRegister("protocol_err", nil, nil, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, core.NewError(core.CodeCollaboratorUnavail, "search down").WithDetail("reason", core.ReasonNetwork)
	})
	r.MustRegister("plain_err", nil, nil, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("disk on fire")
	})
	r.MustRegister("panics", nil, nil, func(context.Context, map[string]any) (map[string]any, error) {
		panic("boom")
	})
	r.MustRegister("nil_result", nil, nil, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, nil
	})

	tests := []struct {
		name    string
		cap     string
		payload map[string]any
		code    core.ErrorCode
		check   func(t *testing.T, res map[string]any, err error)
	}{
		{name: "success", cap: "echo", payload: map[string]any{"name": "bob"}, check: func(t *testing.T, res map[string]any, _ error) {
			assert.Equal(t, "hello bob", res["greeting"])
		}},
		{name: "input missing", cap: "echo", payload: nil, code: core.CodeValidation, check: func(t *testing.T, _ map[string]any, err error) {
			e, _ := core.AsError(err)
			assert.Equal(t, "input", e.Details["direction"])
			assert.Equal(t, "name", e.Details["field"])
		}},
		{name: "input wrong type", cap: "echo", payload: map[string]any{"name": 1}, code: core.CodeValidation},
		{name: "output invalid", cap: "bad_output", code: core.CodeValidation, check: func(t *testing.T, _ map[string]any, err error) {
			e, _ := core.AsError(err)
			assert.Equal(t, "output", e.Details["direction"])
		}},
		{name: "protocol error passes through", cap: "protocol_err", code: core.CodeCollaboratorUnavail, check: func(t *testing.T, _ map[string]any, err error) {
			e, _ := core.AsError(err)
			assert.Equal(t, core.ReasonNetwork, e.Reason())
		}},
		{name: "plain error mapped", cap: "plain_err", code: core.CodeHandlerFailure, check: func(t *testing.T, _ map[string]any, err error) {
			assert.Contains(t, err.Error(), "disk on fire")
		}},
		{name: "panic recovered", cap: "panics", code: core.CodeHandlerFailure},
		{name: "nil result becomes empty", cap: "nil_result", check: func(t *testing.T, res map[string]any, _ error) {
			assert.NotNil(t, res)
			assert.Empty(t, res)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Invoke(ctx, tt.cap, tt.payload)
			if tt.code == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.code, core.CodeOf(err))
			}
			if tt.check != nil {
				tt.check(t, res, err)
			}
		})
	}
}

func TestRegistry_InvokeContextErrors(t *testing.T) {
	r := NewRegistry("a")
	r.MustRegister("wait", nil, nil, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Invoke(ctx, "wait", nil)
	assert.True(t, core.HasCode(err, core.CodeCancelled))
}

// -------------------- Codec --------------------

func TestBindAndToPayload(t *testing.T) {
	type rec struct {
		Ref    string   `json:"applicant_ref"`
		Amount float64  `json:"amount"`
		Docs   []string `json:"documents"`
	}

	payload, err := ToPayload(rec{Ref: "A-100", Amount: 12.5, Docs: []string{"itr"}})
	require.NoError(t, err)
	assert.Equal(t, "A-100", payload["applicant_ref"])
	assert.Equal(t, []any{"itr"}, payload["documents"])

	var back rec
	require.NoError(t, Bind(payload, &back))
	assert.Equal(t, rec{Ref: "A-100", Amount: 12.5, Docs: []string{"itr"}}, back)

	err = Bind(map[string]any{"amount": "x"}, &back)
	assert.True(t, core.HasCode(err, core.CodeValidation))

	_, err = ToPayload([]int{1})
	assert.Error(t, err)

	schema := SchemaFor(rec{})
	assert.ElementsMatch(t, []string{"applicant_ref", "amount", "documents"}, schema["required"])
}
