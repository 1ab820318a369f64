// Package tools declares the tools offered to the completion backend and
// dispatches the ones the server executes itself.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

const (
	SearchShopee   = "search_shopee"
	ScrapeListings = "scrape_listings"
	DeepScrapeURLs = "deep_scrape_urls"
	SerperSearch   = "serper_search"
)

// Declaration is a tool's JSON-schema description as sent to the backend.
type Declaration struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// Declarations returns the fixed tool set.
func Declarations() []Declaration {
	return []Declaration{
		{
			Name:        SearchShopee,
			Description: "Search for products on Shopee Indonesia",
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"keyword": {Type: "string", Description: "The search keyword"},
				},
				Required: []string{"keyword"},
			},
		},
		{
			Name:        ScrapeListings,
			Description: "Extract product listings from current Shopee search results",
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"max_items": {Type: "integer", Description: "Maximum products to extract (default: 1000)"},
				},
			},
		},
		{
			Name:        DeepScrapeURLs,
			Description: "Deep scrape specific product URLs for detailed info",
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"urls": {
						Type:        "array",
						Items:       &Property{Type: "string"},
						Description: "Array of product URLs to scrape",
					},
				},
				Required: []string{"urls"},
			},
		},
		{
			Name:        SerperSearch,
			Description: "Google search for external reviews and info",
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"query": {Type: "string", Description: "Search query (multiple queries separated by ;)"},
				},
				Required: []string{"query"},
			},
		},
	}
}

// Handler executes a tool in-process. It always returns a result object;
// failures are reported with Failure rather than as a Go error so the
// backend sees them as tool output.
type Handler func(ctx context.Context, args json.RawMessage) json.RawMessage

// Registry holds the server-resident tool handlers. Tools without a handler
// are executed by the driver.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the in-process handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Local lists the names of server-resident tools.
func (r *Registry) Local() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Success wraps data in a successful result object.
func Success(data any) json.RawMessage {
	raw, err := json.Marshal(map[string]any{"success": true, "data": data})
	if err != nil {
		return Failure(err.Error())
	}
	return raw
}

// Failure returns a result object carrying msg as its error.
func Failure(msg string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return raw
}

// IsSuccess reports whether a tool result succeeded: it must be a JSON
// object without an error key and without "success": false.
func IsSuccess(result json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil {
		return false
	}
	if e, ok := fields["error"]; ok && string(e) != "null" {
		return false
	}
	if s, ok := fields["success"]; ok && string(s) == "false" {
		return false
	}
	return true
}

// Normalize coerces a driver-supplied result into an object so it can be
// fed back to the backend as a function response.
func Normalize(result json.RawMessage) json.RawMessage {
	if len(result) == 0 || string(result) == "null" {
		return json.RawMessage(`{}`)
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(result, &fields) == nil {
		return result
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{"result": result})
	if err != nil {
		return Failure("invalid tool result")
	}
	return wrapped
}
