package agent

import (
	"github.com/kalambet/seabone/internal/reasoning"
	"github.com/kalambet/seabone/internal/tools"
	"github.com/kalambet/seabone/internal/transcript"
)

// toReasoning converts a reconstructed view into request messages. Capping
// can cut an assistant record away from its tool results; leading orphaned
// tool results are dropped because the service rejects them.
func toReasoning(history []transcript.Message) []reasoning.Message {
	start := 0
	for start < len(history) && history[start].Role == transcript.RoleTool {
		start++
	}
	out := make([]reasoning.Message, 0, len(history)-start)
	for _, m := range history[start:] {
		msg := reasoning.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, reasoning.ToolCall{
				ID:       tc.ID,
				Type:     tc.Type,
				Function: reasoning.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toTranscript(calls []reasoning.ToolCall) []transcript.ToolCall {
	out := make([]transcript.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, transcript.ToolCall{
			ID:       tc.ID,
			Type:     tc.Type,
			Function: transcript.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return out
}

func toReasoningTools(descs []tools.Descriptor) []reasoning.Tool {
	if len(descs) == 0 {
		return nil
	}
	out := make([]reasoning.Tool, 0, len(descs))
	for _, d := range descs {
		out = append(out, reasoning.Tool{
			Type: "function",
			Function: reasoning.FunctionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}
