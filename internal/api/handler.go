// Package api exposes the daemon's message surface: action-keyed requests
// answered with a {success, error?, data?} envelope, served over HTTP and
// over the extension bridge.
package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"github.com/tabtime/tabtime/internal/limits"
	"github.com/tabtime/tabtime/internal/tracker"
)

// Actions understood by the handler.
const (
	ActionAddSiteLimit      = "time_addSiteLimit"
	ActionRemoveSiteLimit   = "time_removeSiteLimit"
	ActionToggleSiteLimit   = "time_toggleSiteLimit"
	ActionUpdateGlobalLimit = "time_updateGlobalLimit"
	ActionGetStats          = "time_getStats"
)

// Response is the envelope of every API answer.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Message is one inbound API request.
type Message struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Handler dispatches API messages to the limit store.
type Handler struct {
	limits *limits.Store
	clock  tracker.Clock
	logger zerolog.Logger
}

// NewHandler creates a handler.
func NewHandler(limitStore *limits.Store, clock tracker.Clock, logger zerolog.Logger) *Handler {
	return &Handler{
		limits: limitStore,
		clock:  clock,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

type sitePayload struct {
	Site    string `json:"site"`
	Limit   int    `json:"limit"`
	Enabled bool   `json:"enabled"`
}

type globalPayload struct {
	Limit   *int    `json:"limit"`
	Message *string `json:"message"`
}

// Handle answers one message.
func (h *Handler) Handle(ctx context.Context, action string, payload json.RawMessage) Response {
	switch action {
	case ActionAddSiteLimit:
		var p sitePayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return fail(err)
		}
		limit, err := h.limits.AddSiteLimit(ctx, p.Site, p.Limit)
		if err != nil {
			return h.failOp(action, err)
		}
		return ok(limit)

	case ActionRemoveSiteLimit:
		var p sitePayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return fail(err)
		}
		if err := h.limits.RemoveSiteLimit(ctx, p.Site); err != nil {
			return h.failOp(action, err)
		}
		return ok(nil)

	case ActionToggleSiteLimit:
		var p sitePayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return fail(err)
		}
		if err := h.limits.ToggleSiteLimit(ctx, p.Site, p.Enabled); err != nil {
			return h.failOp(action, err)
		}
		return ok(map[string]bool{"enabled": p.Enabled})

	case ActionUpdateGlobalLimit:
		var p globalPayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return fail(err)
		}
		if err := h.limits.UpdateGlobalLimit(ctx, p.Limit, p.Message); err != nil {
			return h.failOp(action, err)
		}
		return ok(nil)

	case ActionGetStats:
		stats, err := h.limits.Stats(ctx, h.clock.Now())
		if err != nil {
			return h.failOp(action, err)
		}
		return ok(stats)

	default:
		return Response{Success: false, Error: "unknown action: " + action}
	}
}

// HandleMessage implements the bridge handler contract: the response
// envelope is returned already encoded.
func (h *Handler) HandleMessage(ctx context.Context, action string, payload json.RawMessage) json.RawMessage {
	response := h.Handle(ctx, action, payload)
	encoded, err := json.Marshal(response)
	if err != nil {
		h.logger.Error().Err(err).Str("action", action).Msg("Failed to encode response")
		return json.RawMessage(`{"success":false,"error":"internal error"}`)
	}
	return encoded
}

// failOp maps store errors to the envelope. Validation and not-found errors
// carry their message to the caller; anything else is an internal error.
func (h *Handler) failOp(action string, err error) Response {
	if errors.Is(err, limits.ErrValidation) || errors.Is(err, limits.ErrNotFound) {
		return Response{Success: false, Error: err.Error()}
	}
	h.logger.Error().Err(err).Str("action", action).Msg("API operation failed")
	return Response{Success: false, Error: "internal error"}
}

func unmarshalPayload(payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.New("malformed payload")
	}
	return nil
}

func ok(data any) Response {
	return Response{Success: true, Data: data}
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
