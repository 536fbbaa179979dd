// Package capability implements the per-agent capability registry: a mapping
// from capability name to a handler plus the declared input and output
// contracts, with schema validated invocation and uniform error mapping.
package capability

import (
	"context"

	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/internal/util"
)

// Handler executes a capability. The payload has already been validated
// against the descriptor's input schema when the handler runs.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Descriptor describes one capability an agent exposes.
//
// Async marks handlers that may block on collaborators or on calls to other
// agents; routers run them on their own goroutine instead of inline in the
// receive loop.
type Descriptor struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Async        bool           `json:"async"`
	Handler      Handler        `json:"-"`
}

func (d Descriptor) clone() Descriptor {
	d.InputSchema = core.CloneMap(d.InputSchema)
	d.OutputSchema = core.CloneMap(d.OutputSchema)
	return d
}

// WithDescription sets the human readable description.
func WithDescription(text string) func(d *Descriptor) {
	return func(d *Descriptor) { d.Description = text }
}

// WithAsync runs the capability off the router's receive loop.
func WithAsync() func(d *Descriptor) {
	return func(d *Descriptor) { d.Async = true }
}

// SchemaFor derives an object schema from a struct using its json tags.
func SchemaFor(structType any) map[string]any {
	return util.CreateSchema(structType)
}

// ValidationError is the structured cause attached to ValidationError codes.
type ValidationError = util.ValidationError
