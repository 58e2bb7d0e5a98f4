package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/relaycore/relay-gateway/internal/bridge"
	"github.com/relaycore/relay-gateway/internal/convert"
	"github.com/relaycore/relay-gateway/internal/httputil"
	"github.com/relaycore/relay-gateway/internal/router"
	"github.com/relaycore/relay-gateway/internal/types"
)

// handleStream drives a streaming dispatch, encoding each canonical
// event into the client's SSE dialect. Until the first frame is
// written failures still produce a JSON error; after that the stream
// is committed and a failure can only cut it short.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, reqID string, codec convert.Codec, dreq *router.Request, receivedAt time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteInternalError(w, reqID, "Streaming not supported")
		return
	}

	st := convert.NewStreamState()
	headersSent := false

	emit := func(ev types.StreamEvent) (bool, error) {
		frames, err := codec.EncodeStreamEvent(ev, st)
		if err != nil {
			return false, err
		}
		if len(frames) == 0 {
			return false, nil
		}
		if !headersSent {
			headersSent = true
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Request-ID", reqID)
			w.WriteHeader(http.StatusOK)
		}
		for _, f := range frames {
			if err := bridge.WriteFrame(w, f); err != nil {
				return true, err
			}
		}
		flusher.Flush()
		return true, nil
	}

	err := h.dispatcher.DoStream(r.Context(), dreq, emit)
	if err != nil {
		if !headersSent {
			h.writeDispatchError(w, r, reqID, err)
			return
		}
		slog.WarnContext(r.Context(), "stream aborted",
			"request_id", reqID,
			"model", dreq.Canonical.Model,
			"error", err,
		)
		return
	}

	slog.InfoContext(r.Context(), "request completed",
		"request_id", reqID,
		"model", dreq.Canonical.Model,
		"signature", dreq.Signature.String(),
		"duration_ms", time.Since(receivedAt).Milliseconds(),
		"stream", true,
	)
}
