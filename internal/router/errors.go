package router

import (
	"fmt"

	"github.com/relaycore/relay-gateway/internal/types"
)

// UpstreamTransientError marks an upstream-transient failure (5xx,
// rate limit, connection error, cooling-down base URL). The dispatcher
// advances to the next candidate.
type UpstreamTransientError struct {
	Status int // 0 for connection-level failures
	Msg    string
}

func (e *UpstreamTransientError) Error() string {
	if e.Status == 0 {
		return "upstream transient: " + e.Msg
	}
	return fmt.Sprintf("upstream transient (status %d): %s", e.Status, e.Msg)
}

// UpstreamAuthError marks an expired or invalid upstream credential.
// The key is degraded and the request retried on a different key; it
// must never flip a key to permanently disabled.
type UpstreamAuthError struct {
	Status int
	Msg    string
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("upstream auth (status %d): %s", e.Status, e.Msg)
}

// StreamBridgeError marks an upstream stream that terminated while the
// bridge was aggregating it. Retryable on the next candidate only when
// no output has reached the client yet.
type StreamBridgeError struct {
	Msg string
}

func (e *StreamBridgeError) Error() string {
	return "stream bridge: " + e.Msg
}

// ClassifyStatus maps an upstream HTTP status to a status class.
func ClassifyStatus(code int) types.StatusClass {
	switch {
	case code >= 200 && code < 300:
		return types.StatusSuccess
	case code == 401 || code == 403:
		return types.StatusAuth
	case code == 408 || code == 429 || code >= 500:
		return types.StatusTransient
	default:
		return types.StatusFatal
	}
}
