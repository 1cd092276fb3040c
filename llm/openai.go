package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/tools"
)

// OpenAIProvider is a provider for the OpenAI Chat Completion API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a new OpenAIProvider. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAIProvider(ctx context.Context, modelName string) (*OpenAIProvider, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	if modelName == "" {
		modelName = string(openai.ChatModelGPT4o)
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	return &OpenAIProvider{client: &c, model: modelName}, nil
}

func (o *OpenAIProvider) Name() string { return "openai" }

// Send sends a chat request to OpenAI.
func (o *OpenAIProvider) Send(ctx context.Context, req Request) (*Response, error) {
	messages, err := convertEntriesToOpenAIMessages(req.System, req.Entries)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if toolParams := convertToolsToOpenAITools(req.Tools); len(toolParams) > 0 {
		params.Tools = toolParams
		params.ParallelToolCalls = openai.Bool(false)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(errors.Wrapf(err, "failed to send message to OpenAI"))
	}

	return processOpenAIResponse(resp)
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if strings.EqualFold(apiErr.Code, "context_length_exceeded") {
			return PromptTooLong(err)
		}
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return classifyHTTP(err, apiErr.StatusCode, header)
	}
	return err
}

// processOpenAIResponse converts an OpenAI API response into a Response.
// Only the first tool call is honoured.
func processOpenAIResponse(resp *openai.ChatCompletion) (*Response, error) {
	out := &Response{
		Usage: Usage{
			InputTokens:     resp.Usage.PromptTokens,
			OutputTokens:    resp.Usage.CompletionTokens,
			CacheReadTokens: resp.Usage.PromptTokensDetails.CachedTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	out.StopReason = string(choice.FinishReason)
	out.Text = choice.Message.Content
	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		args, err := decodeArgs([]byte(tc.Function.Arguments))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal function call arguments from OpenAI")
		}
		out.ToolCall = &conversation.ToolInvocation{ID: tc.ID, Name: tc.Function.Name, Args: args}
	}
	return out, nil
}

// convertEntriesToOpenAIMessages converts window entries to OpenAI chat messages.
func convertEntriesToOpenAIMessages(system string, entries []conversation.Entry) ([]openai.ChatCompletionMessageParamUnion, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, e := range entries {
		switch {
		case e.IsInvocation():
			argsBytes, err := json.Marshal(argsOrEmpty(e.Invocation.Args))
			if err != nil {
				return nil, errors.Wrapf(err, "could not marshal arguments of %s", e.Invocation.Name)
			}
			assistant := openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ChatCompletionMessageToolCallUnion{{
					ID:   e.Invocation.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      e.Invocation.Name,
						Arguments: string(argsBytes),
					},
				}},
			}
			messages = append(messages, assistant.ToParam())
		case e.IsResult():
			messages = append(messages, openai.ToolMessage(e.Result.Payload(), e.Result.InvocationID))
		case e.Role == conversation.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(e.Text))
		default:
			messages = append(messages, openai.UserMessage(e.Text))
		}
	}
	return messages, nil
}

// convertToolsToOpenAITools converts tool descriptions to the OpenAI Tool format.
func convertToolsToOpenAITools(ts []tools.Description) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(ts))
	for _, t := range ts {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(schemaOrEmpty(t.Schema)),
		}))
	}
	return out
}
