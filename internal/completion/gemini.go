package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kanaya23/ShoppingAssistant/internal/session"
	"github.com/kanaya23/ShoppingAssistant/internal/tools"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini streams from the generateContent SSE endpoint.
type Gemini struct {
	apiKey   string
	model    string
	baseURL  string
	sampling Sampling
	http     *http.Client
	logger   *slog.Logger
}

func NewGemini(apiKey, model, baseURL string, timeout time.Duration, sampling Sampling, logger *slog.Logger) *Gemini {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &Gemini{
		apiKey:   apiKey,
		model:    model,
		baseURL:  strings.TrimRight(baseURL, "/"),
		sampling: sampling,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With("component", "gemini"),
	}
}

func (g *Gemini) Name() string  { return "gemini" }
func (g *Gemini) Model() string { return g.model }

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	Tools             []geminiTools   `json:"tools,omitempty"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiTools struct {
	FunctionDeclarations []tools.Declaration `json:"functionDeclarations"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiChunk struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// geminiContents maps the session log to Gemini's role-tagged contents.
// The assistant role is called "model" there.
func geminiContents(history []session.Message) []geminiContent {
	contents := make([]geminiContent, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Role == session.RoleAssistant {
			role = "model"
		}
		var parts []geminiPart
		for _, p := range m.Parts {
			switch {
			case p.FunctionCall != nil:
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args}})
			case p.FunctionResponse != nil:
				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response}})
			}
		}
		if len(parts) == 0 {
			if m.Content == "" {
				continue
			}
			parts = []geminiPart{{Text: m.Content}}
		}
		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}
	return contents
}

func (g *Gemini) Stream(ctx context.Context, req Request, onChunk func(string)) (Response, error) {
	if g.apiKey == "" {
		return Response{}, fmt.Errorf("%w: Gemini API key not configured on server", ErrConfiguration)
	}

	body := geminiRequest{
		Contents: geminiContents(req.History),
		GenerationConfig: geminiGenConfig{
			Temperature:     g.sampling.Temperature,
			TopP:            g.sampling.TopP,
			TopK:            g.sampling.TopK,
			MaxOutputTokens: g.sampling.MaxOutputTokens,
		},
	}
	if len(req.Tools) > 0 {
		body.Tools = []geminiTools{{FunctionDeclarations: req.Tools}}
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("encoding gemini request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Response{}, fmt.Errorf("%w: gemini returned %d: %s", ErrTransport, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Response
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk geminiChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			g.logger.Debug("skipping malformed sse chunk", "err", err)
			continue
		}
		if chunk.Error != nil {
			return Response{}, fmt.Errorf("%w: %s", ErrTransport, chunk.Error.Message)
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
				if onChunk != nil {
					onChunk(part.Text)
				}
			}
			if part.FunctionCall != nil {
				out.ToolCalls = append(out.ToolCalls, session.FunctionCall{
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: stream read: %v", ErrTransport, err)
	}
	out.Text = text.String()
	return out, nil
}
