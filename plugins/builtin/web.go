package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/pkg/types"
)

const (
	maxQueryLen     = 500
	maxSearchBody   = 1 << 20
	maxRelated      = 3
	searchCacheSize = 100
	searchCacheTTL  = 5 * time.Minute
)

// Web answers queries from an instant-answer endpoint (DuckDuckGo's API
// shape: ?q=&format=json).
type Web struct {
	endpoint string
	client   *http.Client
	cache    *searchCache
}

// NewWeb creates the web plugin.
func NewWeb(endpoint string, client *http.Client) *Web {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Web{
		endpoint: endpoint,
		client:   client,
		cache:    &searchCache{entries: make(map[string]cacheEntry), maxSize: searchCacheSize, ttl: searchCacheTTL},
	}
}

// Descriptor implements Plugin.
func (*Web) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "web",
		Version:     Version,
		Domains:     []string{"web"},
		Permissions: []plugin.Permission{plugin.PermNetwork},
		Limits:      plugin.Limits{MaxWallTime: 8 * time.Second},
	}
}

// instantAnswer is the subset of the endpoint's reply we read.
type instantAnswer struct {
	Heading       string `json:"Heading"`
	Answer        string `json:"Answer"`
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Definition    string `json:"Definition"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

// Invoke implements plugin.Handler.
func (w *Web) Invoke(ctx context.Context, call *plugin.Call) (*types.ExecutionResult, error) {
	// Checked here as well as by the executor: this is the last point before
	// a socket is opened.
	if err := call.Require(plugin.PermNetwork); err != nil {
		return nil, err
	}

	query := strings.TrimSpace(call.Intent.EntityValue("query"))
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	if len(query) > maxQueryLen {
		return nil, fmt.Errorf("search query too long (max %d characters)", maxQueryLen)
	}

	log := logging.Global().WithComponent("builtin")
	if cached, ok := w.cache.get(strings.ToLower(query)); ok {
		log.Debug("[WebSearch] cache hit for %q", query)
		return w.result(query, cached, true), nil
	}

	u, err := url.Parse(w.endpoint)
	if err != nil {
		return nil, fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	log.Info("[WebSearch] searching for %q", query)
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %s", resp.Status)
	}

	var answer instantAnswer
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSearchBody)).Decode(&answer); err != nil {
		return nil, fmt.Errorf("decode search reply: %w", err)
	}
	w.cache.put(strings.ToLower(query), answer)
	return w.result(query, answer, false), nil
}

func (w *Web) result(query string, a instantAnswer, cached bool) *types.ExecutionResult {
	summary := firstNonEmpty(a.Answer, a.AbstractText, a.Definition)
	source := a.AbstractURL

	var related []map[string]string
	for _, t := range a.RelatedTopics {
		if t.Text == "" {
			continue
		}
		related = append(related, map[string]string{"text": sanitize(t.Text), "url": t.FirstURL})
		if summary == "" {
			summary, source = t.Text, t.FirstURL
		}
		if len(related) == maxRelated {
			break
		}
	}
	summary = sanitize(summary)

	msg := fmt.Sprintf("I couldn't find a direct answer for %q.", query)
	if summary != "" {
		msg = summary
		if source != "" {
			msg += " (" + source + ")"
		}
	}
	return types.Succeeded(map[string]any{
		"query":   query,
		"heading": sanitize(a.Heading),
		"summary": summary,
		"source":  source,
		"related": related,
		"cached":  cached,
	}, msg)
}

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:\s*text/html`),
	regexp.MustCompile(`<[^>]+>`),
	regexp.MustCompile("\x00"),
}

// sanitize strips markup from third-party text before it reaches a prompt.
func sanitize(s string) string {
	for _, re := range dangerousPatterns {
		s = re.ReplaceAllString(s, "")
	}
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// CACHE
// ═══════════════════════════════════════════════════════════════════════════════

type searchCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	answer    instantAnswer
	expiresAt time.Time
}

func (c *searchCache) get(key string) (instantAnswer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return instantAnswer{}, false
	}
	return e.answer, true
}

func (c *searchCache) put(key string, a instantAnswer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		// Drop expired entries first, then the soonest to expire.
		now := time.Now()
		var oldest string
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
				continue
			}
			if oldest == "" || e.expiresAt.Before(c.entries[oldest].expiresAt) {
				oldest = k
			}
		}
		if len(c.entries) >= c.maxSize && oldest != "" {
			delete(c.entries, oldest)
		}
	}
	c.entries[key] = cacheEntry{answer: a, expiresAt: time.Now().Add(c.ttl)}
}
