package webhook

import "context"

// TestStep is one event of the sample lifecycle sequence.
type TestStep struct {
	Event   Event
	Results []Delivery
}

// SendTestSequence triggers a sample tool.call, tool.success and tool.error
// for toolName so subscribers can verify their endpoints.
func SendTestSequence(ctx context.Context, d *Dispatcher, toolName string) ([]TestStep, error) {
	okInputs := map[string]any{"a": 10, "b": 5, "operation": "add"}
	badInputs := map[string]any{"a": 10, "b": 0, "operation": "divide"}

	sequence := []struct {
		event Event
		data  map[string]any
	}{
		{EventToolCall, map[string]any{"inputs": okInputs}},
		{EventToolSuccess, map[string]any{"inputs": okInputs, "outputs": map[string]any{"result": 15}}},
		{EventToolError, map[string]any{"inputs": badInputs, "error": "division by zero"}},
	}

	steps := make([]TestStep, 0, len(sequence))
	for _, s := range sequence {
		results, err := d.Trigger(ctx, s.event, toolName, s.data)
		if err != nil {
			return steps, err
		}
		steps = append(steps, TestStep{Event: s.event, Results: results})
	}
	return steps, nil
}
