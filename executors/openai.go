// ABOUTME: openai.chat executor that sends a prompt to an OpenAI-compatible Chat Completions endpoint.
// ABOUTME: Maps provider HTTP status codes onto retryable and fatal engine errors.
package executors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"text/template"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389-research/pipewright/engine"
)

// DefaultChatModel is used when neither the node nor the executor names a model.
const DefaultChatModel = "gpt-4o-mini"

// OpenAIChat runs "openai.chat" nodes.
//
// Config keys: model, system, prompt (a text/template rendered against the
// inputs; defaults to the "prompt" input), temperature, max_tokens.
// Outputs: text, model, prompt_tokens, completion_tokens.
type OpenAIChat struct {
	client openai.Client
	model  string
}

// NewOpenAIChat creates the executor. baseURL may be empty for the default
// OpenAI endpoint. The client does not retry on its own; the engine's
// retry policy owns retries.
func NewOpenAIChat(apiKey, model, baseURL string, opts ...option.RequestOption) *OpenAIChat {
	if model == "" {
		model = DefaultChatModel
	}
	all := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	return &OpenAIChat{client: openai.NewClient(all...), model: model}
}

// Type implements engine.Executor.
func (c *OpenAIChat) Type() string { return "openai.chat" }

// Execute implements engine.Executor.
func (c *OpenAIChat) Execute(ctx context.Context, req engine.Request) (engine.Result, error) {
	prompt, err := chatPrompt(req)
	if err != nil {
		return engine.Result{}, engine.Fatal(err)
	}

	model := stringConfig(req.Config, "model", c.model)
	params := openai.ChatCompletionNewParams{Model: model}
	if n := intConfig(req.Config, "max_tokens", 0); n > 0 {
		params.MaxCompletionTokens = openai.Int(int64(n))
	}
	if t, ok := req.Config["temperature"].(float64); ok {
		params.Temperature = openai.Float(t)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if sys := stringConfig(req.Config, "system", ""); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	messages = append(messages, openai.UserMessage(prompt))
	params.Messages = messages

	if req.Progress != nil {
		req.Progress(0.1)
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return engine.Result{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return engine.Result{}, engine.Retryable(fmt.Errorf("openai.chat node %q: response has no choices", req.NodeID))
	}

	return engine.Result{Outputs: engine.Values{
		"text":              resp.Choices[0].Message.Content,
		"model":             resp.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}}, nil
}

func chatPrompt(req engine.Request) (string, error) {
	src, ok := req.Config["prompt"].(string)
	if !ok {
		p, ok := req.Inputs["prompt"]
		if !ok {
			return "", fmt.Errorf("openai.chat node %q: no config.prompt and no prompt input", req.NodeID)
		}
		return fmt.Sprint(p), nil
	}
	tmpl, err := template.New(req.NodeID).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse prompt: %w", err)
	}
	var buf bytes.Buffer
	data := map[string]any(req.Inputs)
	if data == nil {
		data = map[string]any{}
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// classifyOpenAIError marks rate limits, timeouts, and server errors
// retryable; any other HTTP error is fatal. Transport errors stay
// unclassified and fall back to the engine's default.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch code := apiErr.StatusCode; {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return engine.Retryable(err)
	default:
		return engine.Fatal(err)
	}
}
