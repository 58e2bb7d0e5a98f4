package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/relaycore/relay-gateway/internal/bridge"
	"github.com/relaycore/relay-gateway/internal/convert"
	"github.com/relaycore/relay-gateway/internal/envelope"
	"github.com/relaycore/relay-gateway/internal/registry"
	"github.com/relaycore/relay-gateway/internal/types"
)

const maxSyncResponseBytes = 32 << 20

// Request is one dispatch job: a canonical request bound for a target
// signature, plus the identity needed for affinity and accounting.
type Request struct {
	RequestID   string
	ClientKeyID string

	// ClientFamily is the protocol family the client spoke.
	ClientFamily types.Family
	// Signature is the target family:kind to route to.
	Signature types.Signature

	Canonical   *types.Request
	Constraints registry.Constraints

	// Stream reports whether the client asked for a streaming response.
	Stream bool
}

// EmitFunc delivers canonical stream events to the client side. It
// reports whether anything was written: an event the client codec
// renders to zero frames leaves the wire untouched. The first write
// commits the dispatcher to the current attempt.
type EmitFunc func(ev types.StreamEvent) (written bool, err error)

// Dispatcher walks the ordered candidate list for a request, driving
// conversion, envelope wrapping, bridging and the upstream call, and
// advancing to the next candidate on retryable failures.
type Dispatcher struct {
	registry  *registry.Registry
	selector  *Selector
	health    *HealthTracker
	avail     *AvailabilityTable
	convert   *convert.Registry
	envelopes *envelope.Registry
	timeout   func() time.Duration
	outcomes  types.OutcomeSink
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

type DispatcherOptions struct {
	Registry  *registry.Registry
	Selector  *Selector
	Health    *HealthTracker
	Avail     *AvailabilityTable
	Convert   *convert.Registry
	Envelopes *envelope.Registry
	Timeout   func() time.Duration
	Outcomes  types.OutcomeSink
	Logger    *slog.Logger
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Outcomes == nil {
		opts.Outcomes = types.OutcomeFunc(func(types.Outcome) {})
	}
	if opts.Timeout == nil {
		opts.Timeout = func() time.Duration { return 5 * time.Minute }
	}
	return &Dispatcher{
		registry:  opts.Registry,
		selector:  opts.Selector,
		health:    opts.Health,
		avail:     opts.Avail,
		convert:   opts.Convert,
		envelopes: opts.Envelopes,
		timeout:   opts.Timeout,
		outcomes:  opts.Outcomes,
		logger:    opts.Logger,
		clients:   make(map[string]*http.Client),
	}
}

// Do handles a synchronous client request and returns the canonical
// response of the first successful attempt.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*types.Response, error) {
	return d.dispatch(ctx, req, nil)
}

// DoStream handles a streaming client request, delivering canonical
// events through emit. Once emit has been called the dispatcher
// commits to the current attempt: later failures surface as-is instead
// of retrying with output already on the wire.
func (d *Dispatcher) DoStream(ctx context.Context, req *Request, emit EmitFunc) error {
	_, err := d.dispatch(ctx, req, emit)
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, req *Request, emit EmitFunc) (*types.Response, error) {
	// streaming responses are bounded by client disconnect, not a timer
	if !req.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout())
		defer cancel()
	}

	cands, err := d.registry.ListCandidates(req.Signature, req.Constraints)
	if err != nil {
		return nil, err
	}
	fp := NewFingerprint(req.ClientKeyID, req.Canonical.Model)
	ordered := d.selector.Order(cands, fp)

	started := time.Now()
	outcome := types.Outcome{
		RequestID: req.RequestID,
		Signature: req.Signature,
		Streamed:  req.Stream,
	}
	defer func() {
		outcome.TotalDuration = time.Since(started)
		d.outcomes.Emit(outcome)
	}()

	var lastErr error
	committed := false
	for i, cand := range ordered {
		outcome.Attempts = i + 1
		outcome.ProviderID = cand.Provider.ID
		outcome.EndpointID = cand.Endpoint.ID
		outcome.KeyID = cand.Key.ID

		resp, attemptErr := d.attempt(ctx, req, cand, emit, &committed, &outcome)
		status := classifyError(ctx, attemptErr)
		d.health.Observe(cand.Key.ID, status)
		outcome.Status = status

		if attemptErr == nil {
			return resp, nil
		}
		lastErr = attemptErr

		d.logger.WarnContext(ctx, "attempt failed",
			"request_id", req.RequestID,
			"endpoint", cand.Endpoint.ID,
			"key", cand.Key.ID,
			"attempt", i+1,
			"error", attemptErr,
		)

		if committed || !retryable(attemptErr) {
			return nil, attemptErr
		}
	}

	if lastErr == nil {
		return nil, registry.ErrNoCandidates{Signature: req.Signature}
	}
	return nil, fmt.Errorf("all %d candidates failed, last error: %w", len(ordered), lastErr)
}

// retryable reports whether the dispatcher may advance to the next
// candidate after this error. Conversion errors are request-shape
// problems and never retried; auth errors retry on a different key.
func retryable(err error) bool {
	var transient *UpstreamTransientError
	var auth *UpstreamAuthError
	var stream *StreamBridgeError
	return errors.As(err, &transient) || errors.As(err, &auth) || errors.As(err, &stream)
}

func classifyError(ctx context.Context, err error) types.StatusClass {
	switch {
	case err == nil:
		return types.StatusSuccess
	case ctx.Err() != nil:
		return types.StatusCancelled
	default:
		var auth *UpstreamAuthError
		if errors.As(err, &auth) {
			return types.StatusAuth
		}
		if retryable(err) {
			return types.StatusTransient
		}
		return types.StatusFatal
	}
}

// attempt runs one candidate end to end: encode, wrap, call, unwrap,
// decode, bridge.
func (d *Dispatcher) attempt(ctx context.Context, req *Request, cand registry.Candidate, emit EmitFunc, committed *bool, outcome *types.Outcome) (*types.Response, error) {
	ep := cand.Endpoint

	conv, err := d.convert.Lookup(req.ClientFamily, ep.Signature.Family, ep.ProviderType)
	if err != nil {
		return nil, err
	}
	outcome.Converted = !conv.Identity()

	policy := bridge.Resolve(ep.StreamPolicy, ep.ProviderType)
	upstreamStream := policy.UpstreamStream(req.Stream)
	outcome.Bridged = upstreamStream != req.Stream

	upstream := *req.Canonical
	upstream.Stream = upstreamStream
	if cand.Key.ForceCacheTTL != "" {
		upstream.CacheTTL = cand.Key.ForceCacheTTL
	}

	body, err := conv.EncodeUpstreamRequest(&upstream)
	if err != nil {
		return nil, err
	}

	binding := d.envelopes.Lookup(ep.ProviderType)
	baseURL := d.pickBaseURL(binding, ep)
	call := envelope.Call{
		Model:     upstream.Model,
		RequestID: req.RequestID,
		Stream:    upstreamStream,
		BaseURL:   baseURL,
	}
	wire, err := binding.WrapRequest(body, call)
	if err != nil {
		return nil, err
	}

	target, err := d.convert.Codec(ep.Signature.Family)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+target.Path(upstream.Model, upstreamStream), bytes.NewReader(wire))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if upstreamStream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	target.Authenticate(httpReq.Header, cand.Key.Secret)
	for k, v := range ep.Headers {
		httpReq.Header.Set(k, v)
	}

	client, err := d.client(ep)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	outcome.UpstreamLatency = time.Since(start)
	if err != nil {
		binding.OnTransportOutcome(0, baseURL, d.avail)
		d.avail.RecordFailure(ep.ProviderType, baseURL)
		return nil, &UpstreamTransientError{Msg: err.Error()}
	}
	defer httpResp.Body.Close()

	outcome.HTTPStatus = httpResp.StatusCode
	binding.OnTransportOutcome(httpResp.StatusCode, baseURL, d.avail)

	switch ClassifyStatus(httpResp.StatusCode) {
	case types.StatusSuccess:
		d.avail.RecordSuccess(ep.ProviderType, baseURL)
	case types.StatusAuth:
		return nil, &UpstreamAuthError{Status: httpResp.StatusCode, Msg: readErrorBody(httpResp.Body)}
	case types.StatusTransient:
		d.avail.RecordFailure(ep.ProviderType, baseURL)
		return nil, &UpstreamTransientError{Status: httpResp.StatusCode, Msg: readErrorBody(httpResp.Body)}
	default:
		return nil, fmt.Errorf("upstream rejected request (status %d): %s", httpResp.StatusCode, readErrorBody(httpResp.Body))
	}

	if upstreamStream {
		return d.consumeStream(ctx, req, conv, target, binding, httpResp.Body, emit, committed, outcome)
	}
	return d.consumeSync(conv, binding, httpResp.Body, emit, committed, outcome)
}

// consumeSync handles a synchronous upstream response, synthesizing a
// stream for a streaming client when the policy forced non-stream.
func (d *Dispatcher) consumeSync(conv *convert.Conversion, binding envelope.Binding, body io.Reader, emit EmitFunc, committed *bool, outcome *types.Outcome) (*types.Response, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxSyncResponseBytes))
	if err != nil {
		return nil, &UpstreamTransientError{Msg: "read upstream body: " + err.Error()}
	}
	inner, err := binding.UnwrapResponse(raw)
	if err != nil {
		return nil, err
	}
	resp, err := conv.DecodeUpstreamResponse(inner)
	if err != nil {
		return nil, err
	}
	outcome.Usage = resp.Usage

	if emit == nil {
		return resp, nil
	}
	for _, ev := range bridge.Synthesize(resp) {
		wrote, err := emit(ev)
		if wrote {
			*committed = true
		}
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// consumeStream handles a streaming upstream response, either relaying
// events to a streaming client or aggregating them into one response
// for a sync client.
func (d *Dispatcher) consumeStream(ctx context.Context, req *Request, conv *convert.Conversion, target convert.Codec, binding envelope.Binding, body io.Reader, emit EmitFunc, committed *bool, outcome *types.Outcome) (*types.Response, error) {
	st := convert.NewStreamState()
	agg := bridge.NewAggregator()

	// Usage stays attempt-local until this attempt's result stands;
	// counts from an abandoned attempt must not reach the outcome.
	var usage types.Usage

	scanErr := bridge.ScanFrames(body, func(f bridge.Frame) error {
		inner, keep, err := binding.UnwrapStreamFrame(f)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
		events, err := target.DecodeStreamEvent(inner, st)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Usage != nil {
				usage.Add(*ev.Usage)
			}
			if emit != nil {
				wrote, err := emit(ev)
				if wrote {
					*committed = true
				}
				if err != nil {
					return err
				}
			} else {
				agg.Feed(ev)
			}
		}
		return nil
	})

	if scanErr != nil {
		if *committed {
			outcome.Usage = usage
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StreamBridgeError{Msg: scanErr.Error()}
	}

	if emit != nil {
		if !st.Finished {
			if *committed {
				outcome.Usage = usage
			}
			return nil, &StreamBridgeError{Msg: "upstream stream ended without terminal event"}
		}
		outcome.Usage = usage
		return nil, nil
	}

	resp, err := agg.Result()
	if err != nil {
		return nil, &StreamBridgeError{Msg: err.Error()}
	}
	if err := conv.ApplyResponsePatch(resp); err != nil {
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = req.Canonical.Model
	}
	outcome.Usage = resp.Usage
	return resp, nil
}

// pickBaseURL takes the binding's ranked URL list and prefers the
// first one not cooling down, falling back to the best-ranked URL.
func (d *Dispatcher) pickBaseURL(binding envelope.Binding, ep *registry.Endpoint) string {
	urls := binding.BaseURLs(ep.BaseURL)
	if len(urls) == 0 {
		return ep.BaseURL
	}
	for _, u := range urls {
		if d.avail.State(ep.ProviderType, u) == StateAvailable {
			return u
		}
	}
	return urls[0]
}

// client returns the shared HTTP client for an endpoint's proxy
// configuration. Clients are cached per proxy URL so connection pools
// are reused across endpoints.
func (d *Dispatcher) client(ep *registry.Endpoint) (*http.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[ep.ProxyURL]; ok {
		return c, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if ep.ProxyURL != "" {
		proxy, err := url.Parse(ep.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url for endpoint %s: %w", ep.ID, err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	c := &http.Client{Transport: transport}
	d.clients[ep.ProxyURL] = c
	return c, nil
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}
	return string(raw)
}
