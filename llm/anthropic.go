package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/tools"
)

// AnthropicProvider is a provider for the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicProvider creates a new AnthropicProvider.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicProvider(ctx context.Context, modelName string) (*AnthropicProvider, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}
	if modelName == "" {
		modelName = "claude-sonnet-4-20250514"
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicProvider{
		client: &client,
		model:  modelName,
	}, nil
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

// Send sends a request to the Anthropic API.
func (a *AnthropicProvider) Send(ctx context.Context, req Request) (*Response, error) {
	messages, err := convertEntriesToAnthropicMessages(req.Entries)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 4096
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	if toolParams := convertToolsToAnthropicTools(req.Tools); len(toolParams) > 0 {
		params.Tools = make([]anthropic.ToolUnionParam, len(toolParams))
		for i := range toolParams {
			params.Tools[i] = anthropic.ToolUnionParam{OfTool: &toolParams[i]}
		}
		// One tool call per response.
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: anthropic.Bool(true)},
		}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(errors.Wrapf(err, "failed to send message to Anthropic"))
	}

	return processAnthropicResponse(resp)
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return classifyHTTP(err, apiErr.StatusCode, header)
	}
	return err
}

// convertEntriesToAnthropicMessages converts window entries to Anthropic
// messages. Consecutive entries of one role share a message.
func convertEntriesToAnthropicMessages(entries []conversation.Entry) ([]anthropic.MessageParam, error) {
	var messages []anthropic.MessageParam
	add := func(role anthropic.MessageParamRole, block anthropic.ContentBlockParamUnion) {
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, block)
			return
		}
		messages = append(messages, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{block},
		})
	}

	for _, e := range entries {
		switch {
		case e.IsInvocation():
			input, err := json.Marshal(argsOrEmpty(e.Invocation.Args))
			if err != nil {
				return nil, errors.Wrapf(err, "could not marshal arguments of %s", e.Invocation.Name)
			}
			add(anthropic.MessageParamRoleAssistant, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    e.Invocation.ID,
					Name:  e.Invocation.Name,
					Input: json.RawMessage(input),
				},
			})
		case e.IsResult():
			add(anthropic.MessageParamRoleUser, anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: e.Result.InvocationID,
					IsError:   anthropic.Bool(e.Result.IsError()),
					Content: []anthropic.ToolResultBlockParamContentUnion{{
						OfText: &anthropic.TextBlockParam{Text: e.Result.Payload()},
					}},
				},
			})
		case e.Text == "":
			// The API rejects empty text blocks.
		case e.Role == conversation.RoleAssistant:
			add(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(e.Text))
		default:
			add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(e.Text))
		}
	}
	return messages, nil
}

// convertToolsToAnthropicTools converts tool descriptions to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Description) []anthropic.ToolParam {
	if len(ts) == 0 {
		return nil
	}

	out := make([]anthropic.ToolParam, 0, len(ts))
	for _, t := range ts {
		props, _ := t.Schema["properties"].(map[string]any)
		if props == nil {
			props = map[string]any{}
		}
		out = append(out, anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   requiredFields(t.Schema),
			},
		})
	}
	return out
}

// processAnthropicResponse converts an Anthropic API response into a Response.
// Only the first tool use is honoured.
func processAnthropicResponse(resp *anthropic.Message) (*Response, error) {
	out := &Response{
		StopReason: string(resp.StopReason),
		Usage: Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
		},
	}

	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += c.Text
		case anthropic.ToolUseBlock:
			if out.ToolCall != nil {
				continue
			}
			args, err := decodeArgs([]byte(c.Input))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal tool call input")
			}
			out.ToolCall = &conversation.ToolInvocation{ID: c.ID, Name: c.Name, Args: args}
		}
	}
	return out, nil
}
