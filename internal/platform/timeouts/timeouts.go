// Package timeouts defines shared timeout constants used across the process.
// Centralizing these values prevents drift between subsystems and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Upstream caps a single HTTP call to the upstream SSO provider.
const Upstream = 30 * time.Second

// BridgeReply caps the wait for an API response on the bot bridge socket.
const BridgeReply = 10 * time.Second
