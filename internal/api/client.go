// Package api is the HTTP client for the support backend: ticket list and
// detail reads, analytics, health, draft mutations and the change event
// stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/deskbeads/internal/types"
)

// DevAPIKey is used when neither an explicit key nor SUPPORT_API_KEY is set.
const DevAPIKey = "dev-local-key"

// APIKeyHeader carries the key on mutating requests.
const APIKeyHeader = "X-API-Key"

// TraceHeader tags every request so backend logs can be correlated.
const TraceHeader = "X-Trace-Id"

// ResolveAPIKey picks the key once at startup: explicit value first, then
// the SUPPORT_API_KEY environment variable, then DevAPIKey.
func ResolveAPIKey(explicit string) string {
	if k := strings.TrimSpace(explicit); k != "" {
		return k
	}
	if k := strings.TrimSpace(os.Getenv("SUPPORT_API_KEY")); k != "" {
		return k
	}
	return DevAPIKey
}

// StatusError is returned for any non-2xx backend response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: backend returned %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: backend returned %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
	// Transport overrides http.DefaultTransport (tests, proxies).
	Transport http.RoundTripper
}

// Client talks to the backend REST surface.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewClient builds a Client. The API key is fixed for the client's lifetime.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		httpClient:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		streamClient: &http.Client{Transport: transport},
		logger:       logger,
	}
}

// ListQuery holds the list endpoint parameters. Empty fields are omitted.
type ListQuery struct {
	Priority  string
	Sentiment string
	Status    string
	Domain    string
	Q         string
	Fuzzy     bool
	Limit     int
	Offset    int
}

// Values encodes the query for the wire.
func (q ListQuery) Values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("priority", q.Priority)
	set("sentiment", q.Sentiment)
	set("status", q.Status)
	set("domain", q.Domain)
	set("q", q.Q)
	if q.Fuzzy {
		v.Set("fuzzy", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// ListRaw fetches one page of tickets and returns the JSON body.
func (c *Client) ListRaw(ctx context.Context, q ListQuery) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/emails", q.Values(), false)
}

// TicketRaw fetches one ticket's detail.
func (c *Client) TicketRaw(ctx context.Context, id int64) ([]byte, error) {
	return c.do(ctx, http.MethodGet, ticketPath(id, ""), nil, false)
}

// SummaryRaw fetches the analytics summary.
func (c *Client) SummaryRaw(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/analytics/summary", nil, false)
}

// HealthRaw fetches the advisory health document.
func (c *Client) HealthRaw(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/health", nil, false)
}

// UpdateResponse saves a manually edited draft.
func (c *Client) UpdateResponse(ctx context.Context, id int64, text string) (*types.Ticket, error) {
	return c.mutate(ctx, http.MethodPut, ticketPath(id, "response"), url.Values{"new_text": {text}})
}

// Regenerate asks the backend for a fresh draft. An empty auto_response in
// the result means the work was deferred to the background queue.
func (c *Client) Regenerate(ctx context.Context, id int64) (*types.Ticket, error) {
	return c.mutate(ctx, http.MethodPost, ticketPath(id, "regenerate"), nil)
}

// Approve marks the draft approved.
func (c *Client) Approve(ctx context.Context, id int64) (*types.Ticket, error) {
	return c.mutate(ctx, http.MethodPost, ticketPath(id, "approve"), nil)
}

// Send dispatches the approved draft; the backend resolves the ticket.
func (c *Client) Send(ctx context.Context, id int64) (*types.Ticket, error) {
	return c.mutate(ctx, http.MethodPost, ticketPath(id, "send"), nil)
}

// Resolve closes the ticket.
func (c *Client) Resolve(ctx context.Context, id int64) (*types.Ticket, error) {
	return c.mutate(ctx, http.MethodPost, ticketPath(id, "resolve"), nil)
}

// Events opens the change notification stream. The caller closes the body.
func (c *Client) Events(ctx context.Context) (io.ReadCloser, error) {
	endpoint, err := c.resolve("/api/events", nil)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(TraceHeader, traceID())

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp, http.MethodGet, "/api/events")
	}
	return resp.Body, nil
}

func (c *Client) mutate(ctx context.Context, method, p string, query url.Values) (*types.Ticket, error) {
	body, err := c.do(ctx, method, p, query, true)
	if err != nil {
		return nil, err
	}
	var t types.Ticket
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	return &t, nil
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, authed bool) ([]byte, error) {
	endpoint, err := c.resolve(p, query)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(TraceHeader, traceID())
	if authed {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, p, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request",
		slog.String("method", method),
		slog.String("path", p),
		slog.Int("status", resp.StatusCode),
		slog.String("trace_id", req.Header.Get(TraceHeader)),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp, method, p)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, p, err)
	}
	return body, nil
}

func (c *Client) resolve(p string, query url.Values) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("backend base URL not configured")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	u.Path = path.Join(u.Path, p)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func statusError(resp *http.Response, method, p string) error {
	serr := &StatusError{Method: method, Path: p, StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Detail != nil {
		serr.Detail = fmt.Sprint(payload.Detail)
	} else {
		serr.Detail = strings.TrimSpace(string(raw))
	}
	return serr
}

func ticketPath(id int64, action string) string {
	p := "/api/emails/" + strconv.FormatInt(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func traceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
