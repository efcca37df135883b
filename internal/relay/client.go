// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay exchanges chat transcripts with an OpenAI-compatible
// endpoint served through an ephemeral forwarding tunnel. It owns base URL
// normalization, the single POST per exchange, SSE decoding, both liveness
// deadlines, and the classification of every failure mode the tunnel and
// the upstream can produce.
package relay

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultModel is sent when the caller has not picked one. Kaggle
	// notebooks expose whatever the notebook loaded under this name.
	DefaultModel = "gpt-3.5-turbo"

	// DefaultTimeout bounds a whole exchange. Tunnel hops add latency on
	// top of inference, so this stays close to a minute.
	DefaultTimeout = 55 * time.Second

	// DefaultStallTimeout bounds the gap between consecutive stream events.
	// Shorter than DefaultTimeout and reset on every decoded event.
	DefaultStallTimeout = 20 * time.Second

	// DefaultMaxTokens and DefaultTemperature are fixed generation
	// parameters for every request.
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7

	// MaxResponseSize limits non-streaming response bodies (10MB).
	MaxResponseSize = 10 * 1024 * 1024

	// completionsPath is appended to the normalized base URL.
	completionsPath = "/chat/completions"

	// versionSegment is appended during normalization when the configured
	// URL does not already end in it.
	versionSegment = "v1"

	// userAgent identifies this client to the upstream.
	userAgent = "kaggle-chatbot/0.1.0"

	// bypassHeader suppresses the interstitial warning page some tunnel
	// providers serve to unrecognized clients. Sent on every request.
	bypassHeader = "Bypass-Tunnel-Reminder"
	bypassValue  = "true"
)

// SystemPreamble is prepended to every transcript as the system message.
const SystemPreamble = "You are a helpful assistant. Answer clearly and concisely, using Markdown formatting when it helps readability."

// Verbose enables request/response logging. Off by default so interactive
// surfaces stay clean.
var Verbose bool

// =============================================================================
// SHARED HTTP CLIENTS
// =============================================================================

// sharedHTTPClient is used for aggregate exchanges and probes. Connection
// pooling lives here so per-request Client values stay cheap.
var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// sharedStreamingClient has no client-level timeout. Streaming lifetimes are
// controlled by the exchange context and the stall watchdog.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// MESSAGE TYPES
// =============================================================================

// ChatMessage is one transcript entry on the wire.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a system-role message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// NewUserMessage creates a user-role message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewAssistantMessage creates an assistant-role message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// ChatRequest is the chat-completions request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatResponse is the aggregate (non-streaming) response body.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// GetContent returns the reply text of the first choice.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

// apiErrorResponse is the structured error body OpenAI-compatible servers
// return alongside non-success statuses.
type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// =============================================================================
// MODE
// =============================================================================

// Mode selects the exchange strategy.
type Mode int

const (
	// ModeStreaming decodes SSE frames and delivers text incrementally.
	ModeStreaming Mode = iota
	// ModeAggregate waits for the complete JSON response.
	ModeAggregate
)

func (m Mode) String() string {
	if m == ModeAggregate {
		return "aggregate"
	}
	return "streaming"
}

// ParseMode maps a config string onto a Mode. Unknown values fall back to
// streaming, the default surface behavior.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), "aggregate") {
		return ModeAggregate
	}
	return ModeStreaming
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to one configured upstream endpoint. Zero-value fields fall
// back to package defaults, so construction is cheap enough to do per
// request; connection pooling lives in the shared transports.
//
// Example:
//
//	client := relay.New().
//	    WithBaseURL("https://shiny-lamp.loca.lt").
//	    WithAPIKey(key)
//	reply, err := client.Exchange(ctx, messages, onFrame)
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	mode         Mode
	timeout      time.Duration
	stallTimeout time.Duration
	maxTokens    int
	temperature  float64

	httpClient   *http.Client
	streamClient *http.Client
}

// New creates a client with package defaults and no endpoint configured.
func New() *Client {
	return &Client{
		model:        DefaultModel,
		mode:         ModeStreaming,
		timeout:      DefaultTimeout,
		stallTimeout: DefaultStallTimeout,
		maxTokens:    DefaultMaxTokens,
		temperature:  DefaultTemperature,
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
	}
}

// WithBaseURL sets and normalizes the upstream base URL.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = NormalizeBaseURL(url)
	return c
}

// WithAPIKey sets the bearer credential. The value is opaque and forwarded
// verbatim; it is never logged.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = strings.TrimSpace(key)
	return c
}

// WithModel sets the model name sent upstream.
func (c *Client) WithModel(model string) *Client {
	if model != "" {
		c.model = model
	}
	return c
}

// WithMode selects streaming or aggregate exchanges.
func (c *Client) WithMode(mode Mode) *Client {
	c.mode = mode
	return c
}

// WithTimeout overrides the overall exchange deadline.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithStallTimeout overrides the inter-event stall deadline.
func (c *Client) WithStallTimeout(d time.Duration) *Client {
	if d > 0 {
		c.stallTimeout = d
	}
	return c
}

// WithMaxTokens overrides the completion token cap sent upstream.
func (c *Client) WithMaxTokens(n int) *Client {
	if n > 0 {
		c.maxTokens = n
	}
	return c
}

// WithTemperature overrides the sampling temperature sent upstream.
// Zero is a valid setting; only negative values are ignored.
func (c *Client) WithTemperature(t float64) *Client {
	if t >= 0 {
		c.temperature = t
	}
	return c
}

// WithHTTPClient overrides both transports. Tests use this to point the
// client at httptest servers without touching the shared pools.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	c.streamClient = hc
	return c
}

// Configured reports whether an endpoint URL is present. Exchanges reject
// before any I/O when it is not.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// BaseURL returns the normalized endpoint URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Model returns the model name sent upstream.
func (c *Client) Model() string {
	return c.model
}

// GetMode returns the configured exchange strategy.
func (c *Client) GetMode() Mode {
	return c.mode
}

// =============================================================================
// URL NORMALIZATION
// =============================================================================

// NormalizeBaseURL canonicalizes a user-supplied endpoint URL: surrounding
// whitespace and trailing slashes are stripped, and the version segment is
// appended when the path does not already end in one. Users paste tunnel
// URLs in every shape; requests must hit {base}/v1/chat/completions
// regardless.
func NormalizeBaseURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return ""
	}
	for strings.HasSuffix(url, "/") {
		url = strings.TrimSuffix(url, "/")
	}
	if url == "" {
		return ""
	}
	if seg := url[strings.LastIndex(url, "/")+1:]; seg != versionSegment {
		url += "/" + versionSegment
	}
	return url
}

// =============================================================================
// HEADERS AND LOGGING
// =============================================================================

// setHeaders applies the fixed header set. The bypass header rides on every
// request so the tunnel never answers with its warning interstitial.
func (c *Client) setHeaders(req *http.Request, streaming bool) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(bypassHeader, bypassValue)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
}

// keyFingerprint returns a short stable fingerprint of the credential for
// display. Never log or display the key itself.
func keyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

// APIKeyMasked returns a displayable form of the credential.
func (c *Client) APIKeyMasked() string {
	if c.apiKey == "" {
		return "(not set)"
	}
	return "****" + keyFingerprint(c.apiKey)
}

func logRequest(mode Mode, url string) {
	if Verbose {
		log.Printf("relay | POST %s | mode=%s", url, mode)
	}
}

func logResponse(status int, elapsed time.Duration) {
	if Verbose {
		log.Printf("relay | status=%d | %.3fs", status, elapsed.Seconds())
	}
}

// =============================================================================
// RESPONSE HANDLING
// =============================================================================

// readResponse reads a response body with the size ceiling applied.
func readResponse(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeds %d bytes", MaxResponseSize)
	}
	return data, nil
}

// htmlMarkers identify tunnel interstitial pages. Tunnels answer expired
// links with branded HTML at assorted statuses, so the body is checked no
// matter what the status line claims.
var htmlMarkers = []string{"<!doctype", "<html", "<head", "<body"}

// looksLikeHTML scans the head of a body for markup markers.
func looksLikeHTML(body []byte) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	lower := strings.ToLower(string(head))
	for _, marker := range htmlMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// isMarkupContentType reports whether the upstream declared an HTML body.
func isMarkupContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// handleErrorResponse classifies a non-success upstream response. HTML
// bodies mean the tunnel answered instead of the model server; anything
// else passes the upstream status through with the best message available.
func handleErrorResponse(status int, contentType string, body []byte) error {
	if isMarkupContentType(contentType) || looksLikeHTML(body) {
		return ErrGatewayExpired
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error.Message == "" {
		// Some servers return the error object bare rather than nested.
		_ = json.Unmarshal(body, &apiErr.Error)
	}
	return upstreamHTTPError(status, apiErr.Error.Message)
}

// classifyTransportError maps request transport failures onto the taxonomy.
// Cancellation is passed through so callers can tell a discarded exchange
// from a failed one.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ClientError{Type: ErrTypeUnreachable, Message: "cannot connect to endpoint", Cause: err}
}

// =============================================================================
// PROBE
// =============================================================================

// Probe checks endpoint reachability without running an exchange. It shares
// the exchange classification, so a stale tunnel link reports GatewayExpired
// here exactly as it would mid-chat.
func (c *Client) Probe(ctx context.Context) error {
	if !c.Configured() {
		return ErrConfigMissing
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return &ClientError{Type: ErrTypeUnreachable, Message: "failed to create request", Cause: err}
	}
	c.setHeaders(req, false)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp.Body)
	if err != nil {
		return &ClientError{Type: ErrTypeUnreachable, Message: "failed to read probe response", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return handleErrorResponse(resp.StatusCode, resp.Header.Get("Content-Type"), body)
	}
	if isMarkupContentType(resp.Header.Get("Content-Type")) || looksLikeHTML(body) {
		return ErrGatewayExpired
	}
	return nil
}
