// Package search runs external web searches for the serper_search tool.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kanaya23/ShoppingAssistant/internal/config"
	"github.com/kanaya23/ShoppingAssistant/internal/tools"
)

const reportHeader = "=== SERPER SEARCH RESULTS ===\n"

// Organic is one organic search hit.
type Organic struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type response struct {
	Organic []Organic `json:"organic"`
}

// QueryResult is the outcome of a single query.
type QueryResult struct {
	Query   string
	Organic []Organic
	Err     error
}

type Client struct {
	apiKey      string
	endpoint    string
	perQuery    int
	concurrency int
	http        *http.Client
	logger      *slog.Logger
}

func NewClient(cfg config.SearchConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:      cfg.APIKey,
		endpoint:    cfg.Endpoint,
		perQuery:    cfg.ResultsPerQuery,
		concurrency: cfg.MaxConcurrency,
		http:        &http.Client{Timeout: cfg.Timeout},
		logger:      logger.With("component", "serper"),
	}
}

// SplitQueries splits a semicolon-delimited query string, dropping blanks.
func SplitQueries(query string) []string {
	var out []string
	for _, q := range strings.Split(query, ";") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

// Search runs every query concurrently. Results keep the input order and a
// failed query never cancels the others.
func (c *Client) Search(ctx context.Context, queries []string) []QueryResult {
	results := make([]QueryResult, len(queries))
	g, ctx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			organic, err := c.query(ctx, q)
			results[i] = QueryResult{Query: q, Organic: organic, Err: err}
			if err != nil {
				c.logger.Warn("query failed", "query", q, "err", err)
			}
			return nil
		})
	}
	g.Wait()
	return results
}

func (c *Client) query(ctx context.Context, q string) ([]Organic, error) {
	body, err := json.Marshal(map[string]string{"q": q})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("serper returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding serper response: %w", err)
	}
	c.logger.Debug("query done", "query", q, "results", len(parsed.Organic), "duration_ms", time.Since(start).Milliseconds())
	return parsed.Organic, nil
}

// Report renders results in the fixed plain-text layout the model is
// prompted with.
func Report(results []QueryResult, perQuery int) string {
	var b strings.Builder
	b.WriteString(reportHeader)
	for _, r := range results {
		fmt.Fprintf(&b, "\n🔎 Query: \"%s\"\n", r.Query)
		b.WriteString(strings.Repeat("─", 30))
		b.WriteString("\n")
		if r.Err != nil {
			fmt.Fprintf(&b, "Error: %s\n", r.Err)
			continue
		}
		for i, o := range r.Organic {
			if perQuery > 0 && i >= perQuery {
				break
			}
			fmt.Fprintf(&b, "%d. %s\n", i+1, orNA(o.Title))
			fmt.Fprintf(&b, "   URL: %s\n", orNA(o.Link))
			fmt.Fprintf(&b, "   %s\n\n", o.Snippet)
		}
	}
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// Handle implements the serper_search tool.
func (c *Client) Handle(ctx context.Context, args json.RawMessage) json.RawMessage {
	if c.apiKey == "" {
		return tools.Failure("Serper API key not configured")
	}
	var in struct {
		Query string `json:"query"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Failure("invalid arguments: " + err.Error())
		}
	}
	queries := SplitQueries(in.Query)
	if len(queries) == 0 {
		return tools.Failure("query is required")
	}
	return tools.Success(Report(c.Search(ctx, queries), c.perQuery))
}
