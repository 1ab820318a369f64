package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/kanaya23/ShoppingAssistant/internal/session"
	"github.com/kanaya23/ShoppingAssistant/internal/tools"
)

// OpenAI streams from any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	apiKey   string
	model    string
	sampling Sampling
	client   openai.Client
	logger   *slog.Logger
}

func NewOpenAI(apiKey, model, baseURL string, timeout time.Duration, sampling Sampling, logger *slog.Logger) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &OpenAI{
		apiKey:   apiKey,
		model:    model,
		sampling: sampling,
		client:   openai.NewClient(opts...),
		logger:   logger.With("component", "openai"),
	}
}

func (o *OpenAI) Name() string  { return "openai" }
func (o *OpenAI) Model() string { return o.model }

// openAIMessages maps the session log to chat messages. Function calls
// recorded without an id (Gemini does not assign them) get a synthetic one
// so the following function result can reference it.
func openAIMessages(system string, history []session.Message) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	lastCallID := ""
	for i, m := range history {
		if len(m.Parts) == 0 {
			if m.Content == "" {
				continue
			}
			if m.Role == session.RoleAssistant {
				msgs = append(msgs, openai.AssistantMessage(m.Content))
			} else {
				msgs = append(msgs, openai.UserMessage(m.Content))
			}
			continue
		}
		for _, p := range m.Parts {
			switch {
			case p.FunctionCall != nil:
				id := p.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", i)
				}
				lastCallID = id
				args := string(p.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
							ID: id,
							Function: openai.ChatCompletionMessageToolCallFunctionParam{
								Name:      p.FunctionCall.Name,
								Arguments: args,
							},
						}},
					},
				})
			case p.FunctionResponse != nil:
				id := p.FunctionResponse.ID
				if id == "" {
					id = lastCallID
				}
				msgs = append(msgs, openai.ToolMessage(string(p.FunctionResponse.Response), id))
			}
		}
	}
	return msgs
}

func openAITools(decls []tools.Declaration) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(decls))
	for _, d := range decls {
		var params shared.FunctionParameters
		raw, err := json.Marshal(d.Parameters)
		if err == nil {
			err = json.Unmarshal(raw, &params)
		}
		if err != nil {
			continue
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

func (o *OpenAI) Stream(ctx context.Context, req Request, onChunk func(string)) (Response, error) {
	if o.apiKey == "" {
		return Response{}, fmt.Errorf("%w: OpenAI API key not configured on server", ErrConfiguration)
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(o.model),
		Messages:    openAIMessages(req.System, req.History),
		Temperature: openai.Float(o.sampling.Temperature),
		TopP:        openai.Float(o.sampling.TopP),
	}
	if o.sampling.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(o.sampling.MaxOutputTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = openAITools(req.Tools)
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	var text strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			text.WriteString(delta)
			if onChunk != nil {
				onChunk(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	out := Response{Text: text.String()}
	if len(acc.Choices) > 0 {
		for _, tc := range acc.Choices[0].Message.ToolCalls {
			args := json.RawMessage(tc.Function.Arguments)
			if !json.Valid(args) {
				o.logger.Warn("tool call with invalid arguments", "tool", tc.Function.Name)
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, session.FunctionCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: args,
			})
		}
	}
	return out, nil
}
