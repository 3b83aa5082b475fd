package downstream

import (
	"context"

	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/rpc"
)

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the mage-agent /complete contract.
type CompletionRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    *float64  `json:"temperature,omitempty"`
	MaxTokens      int       `json:"maxTokens,omitempty"`
	ResponseFormat string    `json:"responseFormat,omitempty"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CompletionResponse carries the model output.
type CompletionResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// MageAgent fronts the LLM completion service. The workflow planner is its
// main consumer.
type MageAgent struct {
	rpc *rpc.Client
}

func NewMageAgent(client *rpc.Client) *MageAgent {
	return &MageAgent{rpc: client}
}

func validateCompletion(req *CompletionRequest) error {
	if req.Model == "" {
		return faults.Validation("missing_model", "model must not be empty")
	}
	if len(req.Messages) == 0 {
		return faults.Validation("missing_messages", "at least one message is required")
	}
	for i, m := range req.Messages {
		if m.Role == "" || m.Content == "" {
			return faults.Validation("bad_message", "message %d needs role and content", i)
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return faults.Validation("bad_temperature", "temperature %v outside [0, 2]", *req.Temperature)
	}
	if req.MaxTokens < 0 {
		return faults.Validation("bad_max_tokens", "maxTokens must not be negative")
	}
	return nil
}

// Complete runs one LLM completion.
func (a *MageAgent) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := validateCompletion(req); err != nil {
		return nil, err
	}

	var resp CompletionResponse
	if err := a.rpc.Do(ctx, rpc.Operation{Name: "complete", Path: "/complete"}, req, &resp); err != nil {
		return nil, err
	}
	if resp.Content == "" {
		return nil, faults.DataIntegrity("empty_completion", nil, "service returned an empty completion")
	}
	return &resp, nil
}

// Health probes the mage-agent health endpoint.
func (a *MageAgent) Health(ctx context.Context) error { return a.rpc.Health(ctx) }
