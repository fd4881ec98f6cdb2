package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed adapts a function over concrete input and output types into a Handler.
// The registry has already validated the raw input against the tool's schema,
// so decoding failures here indicate a schema that is looser than In.
func Typed[In any, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var in In
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("failed to decode input: %w", err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
