// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the relay over HTTP for browser chat clients.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/relay"
	"github.com/kavindamihiran/Kaggle-chatbot/internal/settings"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultHost is the default bind address. Loopback only; the server
	// relays credentials and is not meant to face the open network.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the default HTTP server port.
	DefaultPort = 8080

	// DefaultReadTimeout bounds request header and body reads.
	DefaultReadTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds the full response write. It must exceed the
	// relay's overall exchange deadline or streaming responses get cut off
	// by the HTTP server before the exchange can finish.
	DefaultWriteTimeout = 120 * time.Second

	// DefaultIdleTimeout bounds keep-alive connection idle time.
	DefaultIdleTimeout = 120 * time.Second

	// MaxRequestBodySize limits request body size to prevent memory exhaustion (1MB)
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageLength is the maximum length of a single message content
	MaxMessageLength = 100000

	// MaxMessageCount is the maximum number of messages in a transcript
	MaxMessageCount = 100

	// maskedCredential is what GET /api/settings reports in place of a
	// stored API key. The stored value never leaves the host.
	maskedCredential = "********"
)

// Version is reported by the health endpoint. Overridden at build time.
var Version = "0.1.0"

// validRoles defines the allowed message roles for transcript entries.
// SECURITY: Whitelist validation prevents role injection attacks.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// validateMessages checks that all messages have valid roles.
func validateMessages(messages []relay.ChatMessage) error {
	for i, msg := range messages {
		if !validRoles[msg.Role] {
			return fmt.Errorf("message %d has invalid role: %q", i, msg.Role)
		}
	}
	return nil
}

// ============================================================================
// REQUEST/RESPONSE TYPES
// ============================================================================

// ChatRequest is the POST /api/chat body. The transcript is forwarded to the
// upstream verbatim. BaseURL and APIKey, when present, override the
// server-side defaults for this one request; both are opaque values and are
// only trimmed, never validated. Stream, when present, overrides the
// configured delivery mode.
type ChatRequest struct {
	Messages []relay.ChatMessage `json:"messages"`
	BaseURL  string              `json:"base_url,omitempty"`
	APIKey   string              `json:"api_key,omitempty"`
	Stream   *bool               `json:"stream,omitempty"`
}

// ChatResponse is the aggregate-mode POST /api/chat response body.
type ChatResponse struct {
	Content string `json:"content"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// SettingsResponse is the GET /api/settings payload. The credential field
// carries only a presence marker.
type SettingsResponse struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	Mode    string `json:"mode"`
	APIKey  string `json:"api_key"`
}

// SettingsUpdate is the PUT /api/settings payload. Absent fields are left
// untouched; present-but-empty fields clear the stored value.
type SettingsUpdate struct {
	BaseURL *string `json:"base_url"`
	APIKey  *string `json:"api_key"`
	Model   *string `json:"model"`
	Mode    *string `json:"mode"`
}

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds the HTTP server settings. Zero fields fall back to package
// defaults in New.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RateLimitPerMin int
	AllowedOrigins  []string
}

// DefaultConfig returns the server configuration used when nothing else is
// specified: loopback bind, 60 requests per minute per client, any origin.
func DefaultConfig() Config {
	return Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		RateLimitPerMin: 60,
		AllowedOrigins:  []string{"*"},
	}
}

// Upstream carries the server-side defaults for building per-request relay
// clients. Values from the settings store and then from the request body
// take precedence over these.
type Upstream struct {
	BaseURL      string
	APIKey       string
	Model        string
	Mode         relay.Mode
	Timeout      time.Duration
	StallTimeout time.Duration
	MaxTokens    int
	Temperature  float64
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP relay surface. Each request is one exchange against the
// upstream; the server keeps no transcript and no queue. Ordering belongs to
// the calling client.
type Server struct {
	cfg     Config
	router  *http.ServeMux
	limiter *RateLimiter

	// Collaborators, set via With* builders.
	upstream   Upstream
	settings   *settings.Store
	httpClient *http.Client

	server *http.Server
	mu     sync.RWMutex
}

// New creates a Server with the given configuration. Zero-value address and
// timeout fields are filled from DefaultConfig. A zero RateLimitPerMin
// disables rate limiting.
func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = def.AllowedOrigins
	}

	s := &Server{
		cfg:     cfg,
		router:  http.NewServeMux(),
		limiter: NewRateLimiter(cfg.RateLimitPerMin),
	}
	s.setupRoutes()
	return s
}

// WithUpstream sets the default upstream parameters.
func (s *Server) WithUpstream(up Upstream) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream = up
	return s
}

// WithSettings attaches the persistent settings store. Stored values
// override the static upstream defaults on every request, so a PUT
// /api/settings takes effect without a restart.
func (s *Server) WithSettings(store *settings.Store) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = store
	return s
}

// WithHTTPClient overrides the transport used for upstream exchanges.
// Tests use this to point the relay at httptest servers.
func (s *Server) WithHTTPClient(hc *http.Client) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpClient = hc
	return s
}

// Addr returns the host:port the server binds to.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/chat", s.handleChat)
	s.router.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.router.HandleFunc("PUT /api/settings", s.handlePutSettings)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// store returns the attached settings store, or nil.
func (s *Server) store() *settings.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// clientFor builds the relay client for one request. Precedence, lowest to
// highest: static upstream defaults, settings store values, request body
// overrides. Request overrides are opaque and only trimmed.
func (s *Server) clientFor(req *ChatRequest) *relay.Client {
	s.mu.RLock()
	up := s.upstream
	store := s.settings
	hc := s.httpClient
	s.mu.RUnlock()

	if store != nil {
		if v, err := store.Get(settings.KeyBaseURL); err == nil && v != "" {
			up.BaseURL = v
		}
		if v, err := store.GetSecret(settings.KeyAPIKey); err == nil && v != "" {
			up.APIKey = v
		}
		if v, err := store.Get(settings.KeyModel); err == nil && v != "" {
			up.Model = v
		}
		if v, err := store.Get(settings.KeyMode); err == nil && v != "" {
			up.Mode = relay.ParseMode(v)
		}
	}

	if u := strings.TrimSpace(req.BaseURL); u != "" {
		up.BaseURL = u
	}
	if k := strings.TrimSpace(req.APIKey); k != "" {
		up.APIKey = k
	}

	client := relay.New().
		WithBaseURL(up.BaseURL).
		WithAPIKey(up.APIKey).
		WithModel(up.Model).
		WithMode(up.Mode).
		WithTimeout(up.Timeout).
		WithStallTimeout(up.StallTimeout).
		WithMaxTokens(up.MaxTokens).
		WithTemperature(up.Temperature)
	if hc != nil {
		client = client.WithHTTPClient(hc)
	}
	return client
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// handleChat handles POST /api/chat. The request transcript is forwarded to
// the upstream as a single exchange and the reply is delivered either as a
// chunked plain-text stream or as one JSON object, depending on the
// effective mode.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	// SECURITY: Limit request body size to prevent memory exhaustion attacks
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "messages array cannot be empty")
		return
	}
	if len(req.Messages) > MaxMessageCount {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("too many messages (maximum %d)", MaxMessageCount))
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for i, msg := range req.Messages {
		if len(msg.Content) > MaxMessageLength {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("message %d exceeds maximum length", i))
			return
		}
	}

	client := s.clientFor(&req)
	if req.Stream != nil {
		if *req.Stream {
			client = client.WithMode(relay.ModeStreaming)
		} else {
			client = client.WithMode(relay.ModeAggregate)
		}
	}

	if client.GetMode() == relay.ModeStreaming {
		s.streamChat(w, r, client, req.Messages)
		return
	}
	s.aggregateChat(w, r, client, req.Messages)
}

// streamChat runs a streaming exchange and writes each decoded frame to the
// client as raw chunked text. Errors before the first byte become a JSON
// error reply. Errors after that abort the connection so the client sees a
// truncated body instead of a clean end.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, client *relay.Client, messages []relay.ChatMessage) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Printf("STREAM_ERROR | error=response writer does not support flushing")
		s.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	requestID := RequestIDFromContext(r.Context())
	started := false

	_, err := client.Exchange(r.Context(), messages, func(text string) {
		if text == "" {
			return
		}
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			started = true
		}
		io.WriteString(w, text)
		flusher.Flush()
	})
	if err != nil {
		if started {
			// Frames already reached the client. Aborting without the
			// terminating chunk is the only way to signal truncation.
			log.Printf("STREAM_ABORT | id=%s error=%v", requestID, err)
			panic(http.ErrAbortHandler)
		}
		s.writeRelayError(w, requestID, err)
	}
}

// aggregateChat runs a non-streaming exchange and writes the complete reply
// as one JSON object.
func (s *Server) aggregateChat(w http.ResponseWriter, r *http.Request, client *relay.Client, messages []relay.ChatMessage) {
	reply, err := client.Exchange(r.Context(), messages, nil)
	if err != nil {
		s.writeRelayError(w, RequestIDFromContext(r.Context()), err)
		return
	}
	s.writeJSON(w, http.StatusOK, ChatResponse{Content: reply})
}

// statusForError maps a classified exchange error onto an HTTP status.
// Upstream HTTP errors pass their original status through.
func statusForError(err error) int {
	switch relay.TypeOf(err) {
	case relay.ErrTypeConfigMissing:
		return http.StatusBadRequest
	case relay.ErrTypeGatewayExpired, relay.ErrTypeEmptyResponse:
		return http.StatusBadGateway
	case relay.ErrTypeUnreachable:
		return http.StatusServiceUnavailable
	case relay.ErrTypeTimeout, relay.ErrTypeStalled:
		return http.StatusGatewayTimeout
	case relay.ErrTypeUpstreamHTTP:
		if status := relay.UpstreamStatus(err); status > 0 {
			return status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeRelayError logs the classified failure and writes its user-facing
// message with the mapped status.
func (s *Server) writeRelayError(w http.ResponseWriter, requestID string, err error) {
	status := statusForError(err)
	log.Printf("REQUEST_ERROR | id=%s status=%d error=%v", requestID, status, err)
	s.writeError(w, status, relay.UserMessage(err))
}

// ============================================================================
// SETTINGS HANDLERS
// ============================================================================

// handleGetSettings handles GET /api/settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	store := s.store()
	if store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Settings store not configured")
		return
	}
	s.writeSettings(w, store)
}

// handlePutSettings handles PUT /api/settings. Only the mode field is
// validated; URL and credential are opaque values stored as given.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	store := s.store()
	if store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Settings store not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var update SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	if update.Mode != nil {
		mode := strings.TrimSpace(*update.Mode)
		if mode != "" && mode != "stream" && mode != "aggregate" {
			s.writeError(w, http.StatusBadRequest, `mode must be "stream" or "aggregate"`)
			return
		}
	}

	if err := applySetting(store, settings.KeyBaseURL, update.BaseURL); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := applySetting(store, settings.KeyModel, update.Model); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := applySetting(store, settings.KeyMode, update.Mode); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if update.APIKey != nil {
		key := strings.TrimSpace(*update.APIKey)
		var err error
		if key == "" {
			err = store.Delete(settings.KeyAPIKey)
		} else {
			err = store.SetSecret(settings.KeyAPIKey, key)
		}
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
	}

	log.Printf("SETTINGS_UPDATED | id=%s", RequestIDFromContext(r.Context()))
	s.writeSettings(w, store)
}

// applySetting writes one optional plaintext field: nil leaves the key
// untouched, empty clears it.
func applySetting(store *settings.Store, key string, value *string) error {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	if v == "" {
		return store.Delete(key)
	}
	return store.Set(key, v)
}

// writeSettings writes the current masked settings state.
func (s *Server) writeSettings(w http.ResponseWriter, store *settings.Store) {
	snap, err := store.Snapshot()
	if err != nil {
		log.Printf("SETTINGS_ERROR | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read settings")
		return
	}

	resp := SettingsResponse{
		BaseURL: snap.BaseURL,
		Model:   snap.Model,
		Mode:    snap.Mode,
	}
	if snap.HasAPIKey {
		resp.APIKey = maskedCredential
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// writeStoreError logs a settings store failure and reports a generic
// message to the client.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("SETTINGS_ERROR | id=%s error=%v", RequestIDFromContext(r.Context()), err)
	s.writeError(w, http.StatusInternalServerError, "Failed to save settings")
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Handler returns the complete middleware-wrapped handler. Exposed so tests
// can serve it without binding a listener.
func (s *Server) Handler() http.Handler {
	cors := &CORSConfig{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}

	return Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		RateLimitMiddleware(s.limiter),
		CORSMiddleware(cors),
	)(s.router)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.Addr()

	s.mu.Lock()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	log.Printf("SERVER_START | addr=%s version=%s", addr, Version)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}

	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
