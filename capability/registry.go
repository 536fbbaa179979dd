package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/internal/util"
	"github.com/hupe1980/loanmesh/logging"
)

// Options configures a Registry.
type Options struct {
	Logger logging.Logger
}

// Registry owns the capabilities of a single agent. Registration happens at
// startup; descriptors are immutable afterwards and callers only ever see
// copies.
//
// Invoke normalizes failures so the router can always answer with a
// protocol error:
//
//	input/output schema mismatch -> ValidationError
//	*core.Error from handler     -> forwarded unchanged
//	other error or panic         -> HandlerFailure
type Registry struct {
	owner  string
	logger logging.Logger

	mu   sync.RWMutex
	caps map[string]Descriptor
}

// NewRegistry creates an empty registry for the named agent.
func NewRegistry(owner string, optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{owner: owner, logger: opts.Logger, caps: make(map[string]Descriptor)}
}

// Owner returns the agent the registry belongs to.
func (r *Registry) Owner() string { return r.owner }

// Register adds a capability. Registering a name twice fails with
// DuplicateCapabilityError.
func (r *Registry) Register(name string, inputSchema, outputSchema map[string]any, handler Handler, optFns ...func(d *Descriptor)) error {
	if name == "" {
		return core.NewError(core.CodeValidation, "capability name is empty")
	}
	if handler == nil {
		return core.NewError(core.CodeValidation, "capability %s has no handler", name)
	}

	d := Descriptor{Name: name, InputSchema: inputSchema, OutputSchema: outputSchema, Handler: handler}
	for _, fn := range optFns {
		fn(&d)
	}
	d.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[name]; exists {
		return core.NewError(core.CodeDuplicateCapability, "capability %s already registered on %s", name, r.owner)
	}
	r.caps[name] = d.clone()

	r.logger.Debug("capability.registered", "agent", r.owner, "capability", name, "async", d.Async)

	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (r *Registry) MustRegister(name string, inputSchema, outputSchema map[string]any, handler Handler, optFns ...func(d *Descriptor)) {
	if err := r.Register(name, inputSchema, outputSchema, handler, optFns...); err != nil {
		panic(err)
	}
}

// Resolve returns a copy of the named descriptor or UnknownCapabilityError.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.caps[name]
	if !ok {
		return Descriptor{}, core.NewError(core.CodeUnknownCapability, "%s has no capability %q", r.owner, name).
			WithDetail("capability", name)
	}
	return d.clone(), nil
}

// Descriptors lists all registered capabilities sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.caps))
	for _, d := range r.caps {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke resolves, validates and runs a capability.
func (r *Registry) Invoke(ctx context.Context, name string, payload map[string]any) (map[string]any, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return r.invoke(ctx, d, payload)
}

func (r *Registry) invoke(ctx context.Context, d Descriptor, payload map[string]any) (result map[string]any, err error) {
	start := time.Now()
	if payload == nil {
		payload = map[string]any{}
	}

	r.logger.Debug("capability.invoke.start", "agent", r.owner, "capability", d.Name)

	if vErr := util.ValidateParameters(payload, d.InputSchema); vErr != nil {
		r.logger.Warn("capability.invoke.validation_failed", "capability", d.Name, "error", vErr.Error())
		return nil, validationError(d.Name, "input", vErr)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("capability.invoke.panic", "capability", d.Name, "panic", fmt.Sprint(rec))
			result = nil
			err = core.NewError(core.CodeHandlerFailure, "capability %s panicked: %v", d.Name, rec)
		}
	}()

	result, err = d.Handler(ctx, payload)
	if err != nil {
		if pErr, ok := core.AsError(err); ok { // Already a protocol error -> just log and forward
			r.logger.Warn("capability.invoke.error", "capability", d.Name, "code", string(pErr.Code), "error", pErr.Message)
			return nil, pErr
		}

		r.logger.Error("capability.invoke.error", "capability", d.Name, "error", err.Error())

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.WrapError(core.CodeCallTimeout, err, "capability %s: %v", d.Name, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, core.WrapError(core.CodeCancelled, err, "capability %s: %v", d.Name, err)
		}
		return nil, core.WrapError(core.CodeHandlerFailure, err, "capability %s: %v", d.Name, err)
	}

	if result == nil {
		result = map[string]any{}
	}

	if vErr := util.ValidateParameters(result, d.OutputSchema); vErr != nil {
		r.logger.Error("capability.invoke.output_invalid", "capability", d.Name, "error", vErr.Error())
		return nil, validationError(d.Name, "output", vErr)
	}

	r.logger.Info("capability.invoke.success", "capability", d.Name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}

func validationError(name, direction string, err error) *core.Error {
	e := core.WrapError(core.CodeValidation, err, "%s %s: %v", name, direction, err).
		WithDetail("direction", direction)
	var vErr *util.ValidationError
	if errors.As(err, &vErr) {
		e.WithDetail("field", vErr.Field)
	}
	return e
}
