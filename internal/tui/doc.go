// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tui implements the terminal chat client.
//
// The model wraps a dispatch.Queue: submissions go in through the queue,
// transcript updates come back as QueueEventMsg values fed into the Bubble
// Tea program by the queue's notify callback. The queue owns the
// conversation; the model only holds a render copy.
//
// Streaming frames are batched by a StreamingBuffer and deduplicated by a
// ViewportOptimizer so the viewport redraws at a bounded rate instead of
// once per token. Input is never locked: prompts submitted while a reply
// streams are queued in order.
package tui
