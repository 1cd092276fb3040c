package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/tools"
)

// GeminiProvider is a provider for the Google Gemini API.
type GeminiProvider struct {
	client    *genai.Client
	modelName string
}

// NewGeminiProvider creates a new GeminiProvider.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiProvider(ctx context.Context, modelName string) (*GeminiProvider, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiProvider{client: client, modelName: modelName}, nil
}

func (g *GeminiProvider) Name() string { return "gemini" }

func (g *GeminiProvider) Close() error {
	return g.client.Close()
}

// Send sends a request to the Gemini API. A model is configured per call
// because tools and generation settings travel with the request.
func (g *GeminiProvider) Send(ctx context.Context, req Request) (*Response, error) {
	history := convertEntriesToGeminiContent(req.Entries)
	if len(history) == 0 {
		return nil, errors.New("no content to send to Gemini")
	}

	model := g.client.GenerativeModel(g.modelName)
	model.Tools = convertToolsToGeminiTools(req.Tools)
	model.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	// The last content is the new prompt.
	last := history[len(history)-1]
	chat := model.StartChat()
	chat.History = history[:len(history)-1]
	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, classifyGeminiError(errors.Wrapf(err, "failed to send message to Gemini"))
	}

	return processGeminiResponse(resp)
}

func classifyGeminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyHTTP(err, apiErr.Code, apiErr.Header)
	}
	if isContextLimitMessage(err.Error()) {
		return PromptTooLong(err)
	}
	return err
}

// convertEntriesToGeminiContent converts window entries to Gemini contents.
// Tool results go back as function responses in a user turn.
func convertEntriesToGeminiContent(entries []conversation.Entry) []*genai.Content {
	var contents []*genai.Content
	add := func(role string, part genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []genai.Part{part}})
	}

	for _, e := range entries {
		switch {
		case e.IsInvocation():
			add("model", genai.FunctionCall{Name: e.Invocation.Name, Args: argsOrEmpty(e.Invocation.Args)})
		case e.IsResult():
			response := map[string]any{"content": e.Result.Content}
			if e.Result.IsError() {
				response = map[string]any{"error": e.Result.Payload()}
			}
			add("user", genai.FunctionResponse{Name: e.Result.Name, Response: response})
		case e.Text == "":
		case e.Role == conversation.RoleAssistant:
			add("model", genai.Text(e.Text))
		default:
			add("user", genai.Text(e.Text))
		}
	}
	return contents
}

// convertToolsToGeminiTools converts tool descriptions to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Description) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(ts))
	for _, t := range ts {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(schemaOrEmpty(t.Schema)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema translates the subset of JSON schema the tools use.
func toGeminiSchema(s map[string]any) *genai.Schema {
	out := &genai.Schema{}
	switch s["type"] {
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
		if items, ok := s["items"].(map[string]any); ok {
			out.Items = toGeminiSchema(items)
		}
	default:
		out.Type = genai.TypeObject
	}
	if d, ok := s["description"].(string); ok {
		out.Description = d
	}
	if enum, ok := s["enum"].([]any); ok {
		for _, v := range enum {
			if str, ok := v.(string); ok {
				out.Enum = append(out.Enum, str)
			}
		}
	}
	if props, ok := s["properties"].(map[string]any); ok && out.Type == genai.TypeObject {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				out.Properties[name] = toGeminiSchema(pm)
			}
		}
		out.Required = requiredFields(s)
	}
	return out
}

// processGeminiResponse converts a Gemini API response into a Response.
// Gemini does not assign call ids, so one is generated per call.
func processGeminiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("received an empty response from Gemini")
	}

	cand := resp.Candidates[0]
	out := &Response{StopReason: fmt.Sprint(cand.FinishReason)}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			InputTokens:     int64(u.PromptTokenCount),
			OutputTokens:    int64(u.CandidatesTokenCount),
			CacheReadTokens: int64(u.CachedContentTokenCount),
		}
	}

	for _, part := range cand.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			out.Text += string(v)
		case genai.FunctionCall:
			if out.ToolCall != nil {
				continue
			}
			out.ToolCall = &conversation.ToolInvocation{
				ID:   "call_" + uuid.NewString(),
				Name: v.Name,
				Args: conversation.CloneArgs(argsOrEmpty(v.Args)),
			}
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}
	return out, nil
}
