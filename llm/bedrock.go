package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/tools"
)

// BedrockProvider is a provider for the Anthropic models on AWS Bedrock.
type BedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockProvider creates a new BedrockProvider.
// It requires AWS credentials to be configured in the environment.
func NewBedrockProvider(ctx context.Context, modelID string) (*BedrockProvider, error) {
	var opts []func(*config.LoadOptions) error
	if os.Getenv("AWS_REGION") == "" && os.Getenv("AWS_DEFAULT_REGION") == "" {
		opts = append(opts, config.WithRegion("us-east-1"))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if modelID == "" {
		modelID = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}

	var clientOpts []func(*bedrockruntime.Options)
	// Custom endpoint, useful for testing.
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &BedrockProvider{
		client:  bedrockruntime.NewFromConfig(cfg, clientOpts...),
		modelID: modelID,
	}, nil
}

func (b *BedrockProvider) Name() string { return "bedrock" }

// Send sends a request to the Anthropic model via AWS Bedrock.
func (b *BedrockProvider) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := createAnthropicRequest(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrockError(errors.Wrapf(err, "failed to invoke Bedrock model"))
	}

	return processBedrockResponse(resp.Body)
}

func classifyBedrockError(err error) error {
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return RateLimited(err, 0)
	}
	var quota *types.ServiceQuotaExceededException
	if errors.As(err, &quota) {
		return RateLimited(err, 0)
	}
	var invalid *types.ValidationException
	if errors.As(err, &invalid) && isContextLimitMessage(invalid.ErrorMessage()) {
		return PromptTooLong(err)
	}
	return err
}

// convertEntriesToAnthropicFormat converts window entries to the
// Anthropic message format used by Bedrock. Consecutive entries of one
// role share a message.
func convertEntriesToAnthropicFormat(entries []conversation.Entry) []map[string]any {
	var messages []map[string]any
	add := func(role string, block map[string]any) {
		if n := len(messages); n > 0 && messages[n-1]["role"] == role {
			messages[n-1]["content"] = append(messages[n-1]["content"].([]map[string]any), block)
			return
		}
		messages = append(messages, map[string]any{
			"role":    role,
			"content": []map[string]any{block},
		})
	}

	for _, e := range entries {
		switch {
		case e.IsInvocation():
			add("assistant", map[string]any{
				"type":  "tool_use",
				"id":    e.Invocation.ID,
				"name":  e.Invocation.Name,
				"input": argsOrEmpty(e.Invocation.Args),
			})
		case e.IsResult():
			add("user", map[string]any{
				"type":        "tool_result",
				"tool_use_id": e.Result.InvocationID,
				"content":     e.Result.Payload(),
				"is_error":    e.Result.IsError(),
			})
		case e.Text == "":
		case e.Role == conversation.RoleAssistant:
			add("assistant", map[string]any{"type": "text", "text": e.Text})
		default:
			add("user", map[string]any{"type": "text", "text": e.Text})
		}
	}
	return messages
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(req Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"temperature":       req.Temperature,
		"messages":          convertEntriesToAnthropicFormat(req.Entries),
	}
	if req.System != "" {
		request["system"] = req.System
	}
	if len(req.Tools) > 0 {
		request["tools"] = bedrockTools(req.Tools)
		request["tool_choice"] = map[string]any{"type": "auto", "disable_parallel_tool_use": true}
	}
	return json.Marshal(request)
}

func bedrockTools(ts []tools.Description) []map[string]any {
	out := make([]map[string]any, 0, len(ts))
	for _, t := range ts {
		out = append(out, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": schemaOrEmpty(t.Schema),
		})
	}
	return out
}

type bedrockResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	Error any `json:"error"`
}

// processBedrockResponse converts a Bedrock response body into a Response.
// Only the first tool use is honoured.
func processBedrockResponse(body []byte) (*Response, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if resp.Error != nil {
		return nil, errors.New("Bedrock API error: %v", resp.Error)
	}

	out := &Response{
		StopReason: resp.StopReason,
		Usage: Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
		},
	}
	for _, item := range resp.Content {
		switch item.Type {
		case "text":
			out.Text += item.Text
		case "tool_use":
			if out.ToolCall != nil {
				continue
			}
			args, err := decodeArgs(item.Input)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal tool input for %s", item.Name)
			}
			id := item.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			out.ToolCall = &conversation.ToolInvocation{ID: id, Name: item.Name, Args: args}
		}
	}
	return out, nil
}
