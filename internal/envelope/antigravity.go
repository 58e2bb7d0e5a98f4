package envelope

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/relaycore/relay-gateway/internal/bridge"
)

const (
	antigravityUserAgent   = "antigravity/1.11.5 (linux x64)"
	antigravityRequestType = "GENERATE_CONTENT"
)

// antigravityBaseURLs are the known ingress hosts, best first. The
// endpoint's configured URL is appended as the final fallback when it
// is not already listed.
var antigravityBaseURLs = []string{
	"https://daily-cloudaicompanion.googleapis.com",
	"https://cloudaicompanion.googleapis.com",
}

// AntigravityBinding wraps gemini-format payloads in the versioned
// envelope the antigravity backend expects and tracks which ingress
// host to prefer.
type AntigravityBinding struct {
	mu      sync.Mutex
	project string
}

func NewAntigravityBinding(project string) *AntigravityBinding {
	return &AntigravityBinding{project: project}
}

func (b *AntigravityBinding) ProviderType() string { return "antigravity" }

type antigravityEnvelope struct {
	Project     string          `json:"project,omitempty"`
	Model       string          `json:"model"`
	Request     json.RawMessage `json:"request"`
	RequestType string          `json:"requestType"`
	UserAgent   string          `json:"userAgent"`
	RequestID   string          `json:"requestId"`
}

func (b *AntigravityBinding) WrapRequest(body []byte, call Call) ([]byte, error) {
	b.mu.Lock()
	project := b.project
	b.mu.Unlock()

	requestID := call.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	env := antigravityEnvelope{
		Project:     project,
		Model:       call.Model,
		Request:     body,
		RequestType: antigravityRequestType,
		UserAgent:   antigravityUserAgent,
		RequestID:   "agent-" + requestID,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wrap antigravity request: %w", err)
	}
	return out, nil
}

// SetProject records the project identifier once it has been resolved
// from upstream metadata. Resolution is lazy: the first response that
// carries one fills it in for subsequent requests.
func (b *AntigravityBinding) SetProject(project string) {
	b.mu.Lock()
	b.project = project
	b.mu.Unlock()
}

type antigravityUnwrap struct {
	Response json.RawMessage `json:"response"`
	Project  string          `json:"project,omitempty"`
}

func (b *AntigravityBinding) UnwrapResponse(body []byte) ([]byte, error) {
	var wire antigravityUnwrap
	if err := json.Unmarshal(body, &wire); err != nil || len(wire.Response) == 0 {
		// not enveloped, pass through
		return body, nil
	}
	if wire.Project != "" {
		b.SetProject(wire.Project)
	}
	return wire.Response, nil
}

func (b *AntigravityBinding) UnwrapStreamFrame(f bridge.Frame) (bridge.Frame, bool, error) {
	var wire antigravityUnwrap
	if err := json.Unmarshal([]byte(f.Data), &wire); err != nil || len(wire.Response) == 0 {
		return f, true, nil
	}
	if wire.Project != "" {
		b.SetProject(wire.Project)
	}
	return bridge.Frame{Event: f.Event, Data: string(wire.Response)}, true, nil
}

func (b *AntigravityBinding) BaseURLs(configured string) []string {
	urls := make([]string, 0, len(antigravityBaseURLs)+1)
	urls = append(urls, antigravityBaseURLs...)
	for _, u := range urls {
		if u == configured {
			return urls
		}
	}
	if configured != "" {
		urls = append(urls, configured)
	}
	return urls
}

// OnTransportOutcome cools the chosen host on quota and server errors
// so the next attempt starts from the other ingress.
func (b *AntigravityBinding) OnTransportOutcome(status int, baseURL string, avail AvailabilityMarker) {
	if status == 429 || status >= 500 || status == 0 {
		avail.MarkCooldown(b.ProviderType(), baseURL)
	}
}
