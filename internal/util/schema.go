package util

import (
	"fmt"
	"reflect"
	"strings"
)

// ValidationError represents payload validation errors with detailed information.
type ValidationError struct {
	Field   string `json:"field"`           // Dotted path of the field that failed validation
	Value   any    `json:"value,omitempty"` // Value that was provided
	Message string `json:"message"`         // Human-readable error message
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// CreateSchema creates a JSON schema from a Go struct using reflection.
// Fields without omitempty that are not pointers are marked required.
func CreateSchema(structType any) map[string]any {
	t := reflect.TypeOf(structType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}

	properties := make(map[string]any)
	required := make([]string, 0)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		fieldName := field.Name
		if jsonTag != "" {
			parts := strings.Split(jsonTag, ",")
			if parts[0] != "" {
				fieldName = parts[0]
			}
		}

		fieldSchema := map[string]any{
			"type": getJSONType(field.Type),
		}

		if description := field.Tag.Get("description"); description != "" {
			fieldSchema["description"] = description
		}

		if enum := field.Tag.Get("enum"); enum != "" {
			values := []any{}
			for _, v := range strings.Split(enum, "|") {
				values = append(values, v)
			}
			fieldSchema["enum"] = values
		}

		properties[fieldName] = fieldSchema

		if !hasOmitEmpty(jsonTag) && !isPointer(field.Type) {
			required = append(required, fieldName)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}

	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

// ValidateParameters validates a payload against an object schema. Supported
// keywords: type, properties, required, enum and items. Unknown fields are
// allowed; nested objects and array items are validated recursively.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	return validateObject("", params, schema)
}

func validateObject(path string, params map[string]any, schema map[string]any) error {
	for _, fieldName := range requiredFields(schema["required"]) {
		if _, exists := params[fieldName]; !exists {
			return &ValidationError{
				Field:   joinPath(path, fieldName),
				Message: "required field is missing",
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for fieldName, value := range params {
		propSchema, exists := properties[fieldName]
		if !exists {
			continue // Allow extra fields
		}

		propMap, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}

		if err := validateNode(joinPath(path, fieldName), value, propMap); err != nil {
			return err
		}
	}

	return nil
}

func validateNode(path string, value any, schema map[string]any) error {
	expectedType, _ := schema["type"].(string)
	if !isValidType(value, expectedType) {
		return &ValidationError{
			Field:   path,
			Value:   value,
			Message: fmt.Sprintf("expected type %s, got %T", expectedType, value),
		}
	}

	if value == nil {
		return nil
	}

	if enum, ok := enumValues(schema["enum"]); ok && !containsValue(enum, value) {
		return &ValidationError{
			Field:   path,
			Value:   value,
			Message: fmt.Sprintf("value must be one of %v", enum),
		}
	}

	switch expectedType {
	case "object":
		if _, hasProps := schema["properties"]; !hasProps && schema["required"] == nil {
			return nil
		}
		obj, ok := toObject(value)
		if !ok {
			return nil
		}
		return validateObject(path, obj, schema)
	case "array":
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}
		rv := reflect.ValueOf(value)
		for i := 0; i < rv.Len(); i++ {
			if err := validateNode(fmt.Sprintf("%s[%d]", path, i), rv.Index(i).Interface(), items); err != nil {
				return err
			}
		}
	}

	return nil
}

func requiredFields(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, f := range r {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func enumValues(v any) ([]any, bool) {
	switch e := v.(type) {
	case []any:
		return e, len(e) > 0
	case []string:
		out := make([]any, len(e))
		for i, s := range e {
			out[i] = s
		}
		return out, len(out) > 0
	}
	return nil, false
}

func containsValue(enum []any, value any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(e, value) {
			return true
		}
	}
	return false
}

func toObject(value any) (map[string]any, bool) {
	if m, ok := value.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func joinPath(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

// getJSONType returns the JSON schema type for a given Go type.
func getJSONType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Ptr:
		return getJSONType(t.Elem())
	default:
		return "string"
	}
}

// hasOmitEmpty checks if a JSON tag has the "omitempty" option.
func hasOmitEmpty(tag string) bool {
	parts := strings.Split(tag, ",")
	for _, part := range parts[1:] {
		if strings.TrimSpace(part) == "omitempty" {
			return true
		}
	}
	return false
}

// isPointer checks if a type is a pointer.
func isPointer(t reflect.Type) bool {
	return t.Kind() == reflect.Ptr
}

// isValidType checks if a value is valid according to the expected JSON schema type.
func isValidType(value any, expectedType string) bool {
	if value == nil {
		return true // nil is valid for any type
	}

	rv := reflect.ValueOf(value)
	switch expectedType {
	case "string":
		return rv.Kind() == reflect.String
	case "integer":
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return true
		case reflect.Float32, reflect.Float64: // JSON unmarshaling produces float64 for numbers
			f := rv.Float()
			return f == float64(int64(f))
		}
		return false
	case "number":
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
		return false
	case "boolean":
		return rv.Kind() == reflect.Bool
	case "array":
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	case "object":
		return rv.Kind() == reflect.Map || rv.Kind() == reflect.Struct
	default:
		return true // Unknown types are assumed valid
	}
}
