// Package completion adapts streaming AI completion backends to the
// orchestrator. A backend receives the role-tagged history and the tool
// declarations and streams text back, optionally proposing tool calls.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kanaya23/ShoppingAssistant/internal/config"
	"github.com/kanaya23/ShoppingAssistant/internal/session"
	"github.com/kanaya23/ShoppingAssistant/internal/tools"
)

var (
	// ErrConfiguration is returned when the backend is missing a credential.
	ErrConfiguration = errors.New("completion backend not configured")
	// ErrTransport wraps failures talking to the backend.
	ErrTransport = errors.New("completion backend request failed")
)

// SystemPrompt frames the assistant for every server-driven turn.
const SystemPrompt = `You are a **Smart Shopping Recommender** for Shopee Indonesia. You analyze products with healthy skepticism, but your PRIMARY GOAL is to **recommend the best products** for users to buy.

## Your Role: RECOMMENDER, Not Just Warner
- While you must spot fake reviews and bad quality, you must NOT be paralyzed by them.
- Even imperfect products are buyable if the price is right.
- Your output should always lead the user to a purchase decision.

## Available Tools
You have access to these tools (only when browser extension is connected):
- ` + "`search_shopee`" + `: Search for products on Shopee
- ` + "`scrape_listings`" + `: Get product listings from search results
- ` + "`deep_scrape_urls`" + `: Deep scrape specific product pages for detailed info
- ` + "`serper_search`" + `: Google search for reviews and external info (always available)

## Output Format
When recommending products:
- 🏆 **Best Overall** (Balance of price/quality)
- 💎 **Best Value** (Cheap but good)
- 🛡️ **Safest Pick** (Official store, high sales)
- Always include direct product URLs

Be decisive. Don't say "It depends". Say "If you want X, get this."
`

// Sampling holds the fixed generation parameters.
type Sampling struct {
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
}

type Request struct {
	System  string
	History []session.Message
	Tools   []tools.Declaration
}

// Response is the complete result of one streamed completion.
type Response struct {
	Text      string
	ToolCalls []session.FunctionCall
}

// Provider streams one completion. onChunk is called for every text delta,
// in order, before Stream returns.
type Provider interface {
	Name() string
	Model() string
	Stream(ctx context.Context, req Request, onChunk func(string)) (Response, error)
}

// New returns the provider selected by cfg. A missing API key is not an
// error here; the provider reports ErrConfiguration on first use.
func New(cfg config.CompletionConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sampling := Sampling{
		Temperature:     cfg.Temperature,
		TopP:            cfg.TopP,
		TopK:            cfg.TopK,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}
	switch cfg.Provider {
	case config.ProviderGemini, "":
		return NewGemini(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.RequestTimeout, sampling, logger), nil
	case config.ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.RequestTimeout, sampling, logger), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}
