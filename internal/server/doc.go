// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the relay over HTTP for browser chat clients.
//
// The server is stateless: each POST /api/chat carries the full transcript
// and becomes exactly one upstream exchange. Ordering, queueing, and
// history belong to the calling client.
//
// # Endpoints
//
//   - POST /api/chat      - Run one exchange (chunked text stream or JSON)
//   - GET  /api/settings  - Read stored upstream settings (credential masked)
//   - PUT  /api/settings  - Update stored upstream settings
//   - GET  /health        - Health check
//
// # Streaming
//
// In streaming mode the reply is delivered as chunked text/plain, one write
// per decoded frame, flushed immediately. A failure before the first byte
// produces a JSON error body with a status mapped from the relay error
// taxonomy; a failure after that aborts the connection so the client sees
// truncation rather than a clean end.
//
// # Security Features
//
//   - Request body size limits
//   - Message role whitelist validation
//   - Per-IP rate limiting
//   - Trusted-proxy-gated client IP extraction
//   - Security headers (X-Content-Type-Options, X-Frame-Options, etc.)
//
// # Usage
//
//	srv := server.New(server.DefaultConfig()).
//		WithUpstream(server.Upstream{BaseURL: url, APIKey: key}).
//		WithSettings(store)
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
package server
