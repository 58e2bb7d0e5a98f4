package types

import "time"

// StatusClass classifies the terminal status of one upstream attempt.
type StatusClass string

const (
	StatusSuccess   StatusClass = "success"
	StatusTransient StatusClass = "transient"
	StatusAuth      StatusClass = "auth"
	StatusFatal     StatusClass = "fatal"
	StatusCancelled StatusClass = "cancelled"
)

// Outcome is the per-request record emitted for downstream usage
// accounting and audit. The gateway does not persist it.
type Outcome struct {
	RequestID  string
	Signature  Signature
	ProviderID string
	EndpointID string
	KeyID      string

	Status          StatusClass
	HTTPStatus      int
	UpstreamLatency time.Duration
	TotalDuration   time.Duration
	Attempts        int

	Converted bool // cross-family or variant conversion applied
	Bridged   bool // stream/sync bridging applied
	Streamed  bool // response streamed to the client

	Usage Usage
}

// OutcomeSink receives outcome records. Implementations must be safe
// for concurrent use.
type OutcomeSink interface {
	Emit(Outcome)
}

// OutcomeFunc adapts a function to OutcomeSink.
type OutcomeFunc func(Outcome)

func (f OutcomeFunc) Emit(o Outcome) { f(o) }
