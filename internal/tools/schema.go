package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects the JSON schema of the parameter struct P.
func SchemaFor[P any]() json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero P
	data, err := json.Marshal(r.Reflect(&zero))
	if err != nil {
		panic(fmt.Sprintf("reflect schema: %v", err))
	}
	return data
}

// Typed adapts a function over a decoded parameter struct into an ExecutorFunc.
// The return value is marshalled to JSON.
func Typed[P any](fn func(ctx context.Context, params P) (any, error)) ExecutorFunc {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var params P
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("decode parameters: %w", err)
			}
		}
		out, err := fn(ctx, params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}
