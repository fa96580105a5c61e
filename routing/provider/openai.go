// Package provider implements the routing.Caller contract on the OpenAI
// Responses API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/theimaginaryfoundation/turncontext/routing"
)

// OpenAICaller issues single-shot generation requests with retry on
// transient provider failures.
type OpenAICaller struct {
	client *openai.Client
}

// NewOpenAICaller builds a caller with the given API key.
func NewOpenAICaller(apiKey string) (*OpenAICaller, error) {
	if apiKey == "" {
		return nil, errors.New("NewOpenAICaller: api key is empty")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAICaller{client: &client}, nil
}

// Call implements routing.Caller.
func (c *OpenAICaller) Call(ctx context.Context, params routing.CallParams) (routing.CallResult, error) {
	if c.client == nil {
		return routing.CallResult{}, errors.New("Call: client is nil")
	}
	if params.Model == "" {
		return routing.CallResult{}, errors.New("Call: model is empty")
	}
	if len(params.Messages) == 0 {
		return routing.CallResult{}, errors.New("Call: no messages")
	}

	items := make([]responses.ResponseInputItemUnionParam, 0, len(params.Messages))
	for _, m := range params.Messages {
		items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, inputRole(m.Role)))
	}

	req := responses.ResponseNewParams{
		Model:       params.Model,
		Temperature: openai.Float(params.Temperature),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: items,
		},
	}
	if params.EnforceJSON && params.Schema != nil {
		req.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   params.SchemaName,
					Schema: params.Schema,
					Strict: openai.Bool(true),
					Type:   "json_schema",
				},
			},
		}
	}

	resp, err := callWithRetry(ctx, c.client, req)
	if err != nil {
		return routing.CallResult{}, fmt.Errorf("Call: %w", err)
	}
	return routing.CallResult{
		Text: resp.OutputText(),
		Usage: routing.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		Provider: "openai",
	}, nil
}

func inputRole(role routing.Role) responses.EasyInputMessageRole {
	switch role {
	case routing.RoleSystem:
		return responses.EasyInputMessageRoleSystem
	case routing.RoleAssistant:
		return responses.EasyInputMessageRoleAssistant
	default:
		return responses.EasyInputMessageRoleUser
	}
}

func callWithRetry(ctx context.Context, client *openai.Client, params responses.ResponseNewParams) (*responses.Response, error) {
	const maxRetries = 3
	rateLimitWaitTimes := []time.Duration{65 * time.Second, 100 * time.Second, 135 * time.Second}
	serverErrorWaitTimes := []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := client.Responses.New(ctx, params)
		if err != nil {
			if isRateLimitError(err) {
				if attempt < maxRetries-1 {
					if serr := sleepCtx(ctx, rateLimitWaitTimes[attempt]); serr != nil {
						return nil, serr
					}
					continue
				}
			} else if isServerError(err) {
				if attempt < maxRetries-1 {
					if serr := sleepCtx(ctx, serverErrorWaitTimes[attempt]); serr != nil {
						return nil, serr
					}
					continue
				}
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, fmt.Errorf("failed after %d attempts due to OpenAI API issues", maxRetries)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error")
}
