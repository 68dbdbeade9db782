package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Echo returns an agent that completes every step immediately, reporting
// what it was asked to do. It stands in for real workers in local
// development.
func Echo(id string) Agent {
	return Func(func(ctx context.Context, in Input) (Output, error) {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		out, err := json.Marshal(map[string]any{
			"agent":        id,
			"action":       in.Action,
			"step_id":      in.StepID,
			"dependencies": len(in.Dependencies),
		})
		if err != nil {
			return Output{}, fmt.Errorf("failed to encode echo output: %w", err)
		}
		return Output{
			Output:         out,
			ContextUpdates: map[string]any{id + ".last_action": in.Action},
		}, nil
	})
}
