package routing

import "context"

// ChatMessage is one entry of a generation request.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CallParams describes a single generation request. When Schema is non-nil
// and EnforceJSON is set, the caller must constrain the model output to the
// named JSON schema.
type CallParams struct {
	Messages    []ChatMessage
	Model       string
	Temperature float64
	SchemaName  string
	Schema      map[string]any
	EnforceJSON bool
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// CallResult is the outcome of one generation request.
type CallResult struct {
	Text     string `json:"text"`
	Usage    Usage  `json:"usage"`
	Provider string `json:"provider,omitempty"`
}

// Caller issues a single request/response to a language model.
// Implementations return an error on any transport or provider failure.
type Caller interface {
	Call(ctx context.Context, params CallParams) (CallResult, error)
}
