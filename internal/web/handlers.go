package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cjeanneret/SailPilot/internal/debug"
	"github.com/cjeanneret/SailPilot/internal/logic/helm"
)

// MaxBodyBytes caps the size of a JSON request body.
const MaxBodyBytes = 1 << 20

// Helm is the part of *helm.Helm the handlers drive.
type Helm interface {
	WinchTo(ctx context.Context, deg int) error
	NormalizedWinchToRange(ctx context.Context, value, fromLow, fromHigh int) error
	RudderTo(ctx context.Context, deg int) error
	RudderFromCenter(ctx context.Context, offset int) error
	Center(ctx context.Context) error
	SetHeelOffset(deg int)
	State(ctx context.Context) (helm.State, error)
}

// WinchRequest is the body of POST /winch. Exactly one of Position or
// Normalized must be set; FromLow/FromHigh default to [0,90].
type WinchRequest struct {
	Position   *int `json:"position,omitempty"`
	Normalized *int `json:"normalized,omitempty"`
	FromLow    *int `json:"from_low,omitempty"`
	FromHigh   *int `json:"from_high,omitempty"`
}

// RudderRequest is the body of POST /rudder. Exactly one field must be set.
type RudderRequest struct {
	Position   *int `json:"position,omitempty"`
	FromCenter *int `json:"from_center,omitempty"`
}

// HeelRequest is the body of PUT /heel.
type HeelRequest struct {
	Degrees *int `json:"degrees"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Helm        Helm
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, h Helm) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Helm:        h,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// reply answers a command with the helm state, or 500 if the command failed.
// Failures are logged at error level, which reaches SSE clients in web mode.
func (h *Handlers) reply(w http.ResponseWriter, r *http.Request, cmdErr error) {
	if cmdErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cmdErr, helm.ErrEmptyRange) {
			status = http.StatusBadRequest
		}
		debug.Error(cmdErr)
		http.Error(w, cmdErr.Error(), status)
		return
	}
	h.HandleState(w, r)
}

// HandleState handles GET /state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	st, err := h.Helm.State(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// HandleWinch handles POST /winch.
func (h *Handlers) HandleWinch(w http.ResponseWriter, r *http.Request) {
	var req WinchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch {
	case req.Position != nil && req.Normalized == nil:
		h.reply(w, r, h.Helm.WinchTo(r.Context(), *req.Position))
	case req.Normalized != nil && req.Position == nil:
		low, high := helm.NormalizedLow, helm.NormalizedHigh
		if req.FromLow != nil {
			low = *req.FromLow
		}
		if req.FromHigh != nil {
			high = *req.FromHigh
		}
		h.reply(w, r, h.Helm.NormalizedWinchToRange(r.Context(), *req.Normalized, low, high))
	default:
		http.Error(w, "exactly one of position or normalized is required", http.StatusBadRequest)
	}
}

// HandleRudder handles POST /rudder.
func (h *Handlers) HandleRudder(w http.ResponseWriter, r *http.Request) {
	var req RudderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch {
	case req.Position != nil && req.FromCenter == nil:
		h.reply(w, r, h.Helm.RudderTo(r.Context(), *req.Position))
	case req.FromCenter != nil && req.Position == nil:
		h.reply(w, r, h.Helm.RudderFromCenter(r.Context(), *req.FromCenter))
	default:
		http.Error(w, "exactly one of position or from_center is required", http.StatusBadRequest)
	}
}

// HandleCenter handles POST /center.
func (h *Handlers) HandleCenter(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, h.Helm.Center(r.Context()))
}

// HandleHeel handles PUT /heel.
func (h *Handlers) HandleHeel(w http.ResponseWriter, r *http.Request) {
	var req HeelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Degrees == nil {
		http.Error(w, "degrees is required", http.StatusBadRequest)
		return
	}
	h.Helm.SetHeelOffset(*req.Degrees)
	h.reply(w, r, nil)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
