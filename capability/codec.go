package capability

import (
	"encoding/json"

	"github.com/hupe1980/loanmesh/core"
)

// Bind decodes a payload into a typed value through its JSON form.
func Bind(payload map[string]any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return core.WrapError(core.CodeValidation, err, "encode payload: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return core.WrapError(core.CodeValidation, err, "decode payload: %v", err)
	}
	return nil
}

// ToPayload encodes a typed value into a JSON-shaped payload map.
func ToPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, core.WrapError(core.CodeHandlerFailure, err, "encode result: %v", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, core.WrapError(core.CodeHandlerFailure, err, "result is not an object: %v", err)
	}
	return out, nil
}
