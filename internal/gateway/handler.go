package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/relaycore/relay-gateway/internal/auth"
	"github.com/relaycore/relay-gateway/internal/config"
	"github.com/relaycore/relay-gateway/internal/convert"
	"github.com/relaycore/relay-gateway/internal/httputil"
	"github.com/relaycore/relay-gateway/internal/registry"
	"github.com/relaycore/relay-gateway/internal/router"
	"github.com/relaycore/relay-gateway/internal/types"
)

const maxRequestBytes = 16 << 20

// Handler holds dependencies for the gateway HTTP handlers. Each
// client surface speaks one protocol family; the target signature is
// resolved from the requested model name.
type Handler struct {
	dispatcher *router.Dispatcher
	convert    *convert.Registry
	cfg        func() *config.Config
}

func NewHandler(dispatcher *router.Dispatcher, conv *convert.Registry, cfg func() *config.Config) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		convert:    conv,
		cfg:        cfg,
	}
}

// ChatCompletions handles POST /v1/chat/completions (OpenAI surface).
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.FamilyOpenAI)
}

// Messages handles POST /v1/messages (Anthropic surface).
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.FamilyClaude)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, family types.Family) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	codec, err := h.convert.Codec(family)
	if err != nil {
		httputil.WriteInternalError(w, reqID, "Unsupported protocol family")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	canonical, err := codec.DecodeRequest(body)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	if len(authInfo.AllowedModels) > 0 && !modelAllowed(authInfo.AllowedModels, canonical.Model) {
		httputil.WriteBadRequestError(w, reqID, "model not permitted for this key")
		return
	}

	dreq := &router.Request{
		RequestID:    reqID,
		ClientKeyID:  authInfo.KeyID,
		ClientFamily: family,
		Signature:    h.route(canonical.Model, family),
		Canonical:    canonical,
		Constraints:  constraintsFor(canonical),
		Stream:       canonical.Stream,
	}

	if canonical.Stream {
		h.handleStream(w, r, reqID, codec, dreq, receivedAt)
		return
	}

	resp, err := h.dispatcher.Do(r.Context(), dreq)
	if err != nil {
		h.writeDispatchError(w, r, reqID, err)
		return
	}

	out, err := codec.EncodeResponse(resp)
	if err != nil {
		slog.ErrorContext(r.Context(), "encode response failed", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, "Failed to encode response")
		return
	}

	slog.InfoContext(r.Context(), "request completed",
		"request_id", reqID,
		"model", canonical.Model,
		"signature", dreq.Signature.String(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
		"stream", false,
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", reqID)
	w.Write(out)
}

// route resolves a model name to a target signature by longest
// configured prefix, defaulting to the client family's chat surface.
func (h *Handler) route(model string, family types.Family) types.Signature {
	routes := h.cfg().Routing.ModelRoutes
	best := ""
	for prefix := range routes {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		if sig, err := types.ParseSignature(routes[best]); err == nil {
			return sig
		}
	}
	return types.Signature{Family: family, Kind: types.KindChat}
}

// constraintsFor derives hard key constraints from the request shape.
func constraintsFor(req *types.Request) registry.Constraints {
	return registry.Constraints{RequireCache1h: req.CacheTTL == "1h"}
}

func modelAllowed(allowed []string, model string) bool {
	for _, m := range allowed {
		if m == model {
			return true
		}
	}
	return false
}

// writeDispatchError maps dispatch failures onto the client error
// contract: the caller sees a single structured error, never the
// internal retries.
func (h *Handler) writeDispatchError(w http.ResponseWriter, r *http.Request, reqID string, err error) {
	var noCand registry.ErrNoCandidates
	var convErr *convert.Error
	var authErr *router.UpstreamAuthError
	var transient *router.UpstreamTransientError

	switch {
	case errors.As(err, &noCand):
		httputil.WriteServiceUnavailableError(w, reqID, "No available provider: "+err.Error())
	case errors.As(err, &convErr):
		httputil.WriteBadRequestError(w, reqID, err.Error())
	case errors.As(err, &authErr), errors.As(err, &transient):
		httputil.WriteUpstreamError(w, reqID, http.StatusBadGateway, "All upstream candidates failed")
	case r.Context().Err() != nil:
		// client went away, nothing to write
	default:
		httputil.WriteUpstreamError(w, reqID, http.StatusBadGateway, err.Error())
	}

	slog.WarnContext(r.Context(), "request failed", "request_id", reqID, "error", err)
}

// ListModels handles GET /v1/models: the configured model route
// prefixes presented in OpenAI list format.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var models []modelObject
	for name := range h.cfg().Routing.ModelRoutes {
		if len(authInfo.AllowedModels) > 0 && !modelAllowed(authInfo.AllowedModels, name) {
			continue
		}
		models = append(models, modelObject{
			ID:      name,
			Object:  "model",
			OwnedBy: "relay",
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(modelListResponse{
		Object: "list",
		Data:   models,
	})
}

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}
