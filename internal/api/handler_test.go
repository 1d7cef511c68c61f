package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tabtime/tabtime/internal/domain"
	"github.com/tabtime/tabtime/internal/limits"
	"github.com/tabtime/tabtime/internal/storage"
	"github.com/tabtime/tabtime/internal/storage/memory"
	"github.com/tabtime/tabtime/internal/tracker"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	limitStore, err := limits.NewStore(context.Background(), memory.Open().State(), domain.NewNormalizer(), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("new limit store: %v", err)
	}
	clock := &tracker.TestClock{CurrentTime: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
	return NewHandler(limitStore, clock, zerolog.Nop())
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestHandleAddSiteLimit(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	resp := h.Handle(ctx, ActionAddSiteLimit, payload(t, sitePayload{Site: "https://www.Example.com", Limit: 30}))
	if !resp.Success {
		t.Fatalf("add failed: %+v", resp)
	}
	limit, ok := resp.Data.(*storage.SiteLimit)
	if !ok {
		t.Fatalf("unexpected data type %T", resp.Data)
	}
	if limit.Site != "example.com" || limit.Limit != 30 || !limit.Enabled {
		t.Errorf("unexpected site limit: %+v", limit)
	}
}

func TestHandleValidationErrors(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	resp := h.Handle(ctx, ActionAddSiteLimit, payload(t, sitePayload{Site: "BAD_DOMAIN", Limit: 30}))
	if resp.Success {
		t.Fatal("invalid site accepted")
	}
	if resp.Error == "" {
		t.Error("validation failure missing error message")
	}

	resp = h.Handle(ctx, ActionRemoveSiteLimit, payload(t, sitePayload{Site: "unknown.org"}))
	if resp.Success {
		t.Fatal("remove of missing site succeeded")
	}

	resp = h.Handle(ctx, ActionAddSiteLimit, nil)
	if resp.Success || resp.Error != "missing payload" {
		t.Errorf("missing payload: %+v", resp)
	}

	resp = h.Handle(ctx, ActionAddSiteLimit, json.RawMessage(`{"limit":`))
	if resp.Success || resp.Error != "malformed payload" {
		t.Errorf("malformed payload: %+v", resp)
	}

	resp = h.Handle(ctx, "time_unknown", nil)
	if resp.Success {
		t.Error("unknown action accepted")
	}
}

func TestHandleToggleAndRemove(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	if resp := h.Handle(ctx, ActionAddSiteLimit, payload(t, sitePayload{Site: "example.com", Limit: 30})); !resp.Success {
		t.Fatalf("add failed: %+v", resp)
	}

	resp := h.Handle(ctx, ActionToggleSiteLimit, payload(t, sitePayload{Site: "example.com", Enabled: false}))
	if !resp.Success {
		t.Fatalf("toggle failed: %+v", resp)
	}
	if enabled := resp.Data.(map[string]bool)["enabled"]; enabled {
		t.Error("disable request reported the limit as enabled")
	}

	// Retrying the same request is idempotent; the limit stays disabled.
	resp = h.Handle(ctx, ActionToggleSiteLimit, payload(t, sitePayload{Site: "example.com", Enabled: false}))
	if !resp.Success {
		t.Fatalf("repeated toggle failed: %+v", resp)
	}
	if enabled := resp.Data.(map[string]bool)["enabled"]; enabled {
		t.Error("repeated disable flipped the limit back on")
	}

	resp = h.Handle(ctx, ActionToggleSiteLimit, payload(t, sitePayload{Site: "example.com", Enabled: true}))
	if !resp.Success {
		t.Fatalf("re-enable failed: %+v", resp)
	}
	if enabled := resp.Data.(map[string]bool)["enabled"]; !enabled {
		t.Error("enable request reported the limit as disabled")
	}

	if resp := h.Handle(ctx, ActionRemoveSiteLimit, payload(t, sitePayload{Site: "example.com"})); !resp.Success {
		t.Fatalf("remove failed: %+v", resp)
	}
}

func TestHandleGlobalLimitAndStats(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	limit := 120
	message := "take a break"
	resp := h.Handle(ctx, ActionUpdateGlobalLimit, payload(t, globalPayload{Limit: &limit, Message: &message}))
	if !resp.Success {
		t.Fatalf("update global failed: %+v", resp)
	}

	resp = h.Handle(ctx, ActionGetStats, nil)
	if !resp.Success {
		t.Fatalf("stats failed: %+v", resp)
	}
	stats, ok := resp.Data.(*storage.LimitState)
	if !ok {
		t.Fatalf("unexpected data type %T", resp.Data)
	}
	if !stats.Enabled || stats.GlobalDailyLimit == nil || *stats.GlobalDailyLimit != 120 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.WarningMessage != message {
		t.Errorf("warning message = %q, want %q", stats.WarningMessage, message)
	}
	// Stats ran the rollover for today.
	if stats.LastResetDate != "2026-08-28" {
		t.Errorf("last reset date = %q, want 2026-08-28", stats.LastResetDate)
	}
}

func TestHandleMessageEncodesEnvelope(t *testing.T) {
	h := newTestHandler(t)

	raw := h.HandleMessage(context.Background(), ActionGetStats, nil)

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !resp.Success || resp.Error != "" {
		t.Errorf("unexpected envelope: %+v", resp)
	}
}

func TestServerHandleMessage(t *testing.T) {
	h := newTestHandler(t)
	server := NewServer("127.0.0.1:0", h, http.NotFoundHandler(), zerolog.Nop())

	body := []byte(`{"action":"time_addSiteLimit","payload":{"site":"example.com","limit":30}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Errorf("request failed: %+v", resp)
	}

	// Missing action is an HTTP-level error.
	req = httptest.NewRequest(http.MethodPost, "/api/message", bytes.NewReader([]byte(`{}`)))
	rec = httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing action status = %d, want 400", rec.Code)
	}
}
