// Package bridge is the WebSocket link between the daemon and the browser
// extension. Inbound frames are tab lifecycle events and API requests;
// outbound frames are browser RPCs correlated by id. The bridge is the
// production implementation of browser.TabAPI and browser.Notifier.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tabtime/tabtime/internal/browser"
	"github.com/tabtime/tabtime/internal/metrics"
)

// DefaultRPCTimeout bounds each browser RPC.
const DefaultRPCTimeout = 10 * time.Second

const eventBuffer = 64

// APIHandler answers API requests arriving over the bridge. The returned
// payload is the already-encoded response envelope.
type APIHandler interface {
	HandleMessage(ctx context.Context, action string, payload json.RawMessage) json.RawMessage
}

// Bridge accepts one extension connection at a time. A new connection
// replaces the previous one; RPCs without a connection fail with
// browser.ErrNotConnected.
type Bridge struct {
	upgrader   websocket.Upgrader
	rpcTimeout time.Duration
	logger     zerolog.Logger

	handler APIHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending map[string]chan Frame

	events chan browser.Event
}

// New creates a bridge.
func New(rpcTimeout time.Duration, logger zerolog.Logger) *Bridge {
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	return &Bridge{
		upgrader: websocket.Upgrader{
			// The extension connects from its own origin; the listener is
			// bound to localhost.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rpcTimeout: rpcTimeout,
		logger:     logger.With().Str("component", "bridge").Logger(),
		pending:    make(map[string]chan Frame),
		events:     make(chan browser.Event, eventBuffer),
	}
}

// SetHandler installs the API handler answering request frames.
func (b *Bridge) SetHandler(handler APIHandler) {
	b.handler = handler
}

// Events returns the tab lifecycle event stream.
func (b *Bridge) Events() <-chan browser.Event {
	return b.events
}

// Connected reports whether an extension is currently attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// ServeHTTP upgrades the request to a WebSocket and attaches the extension.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		b.logger.Info().Msg("Replacing existing extension connection")
		_ = b.conn.Close()
	}
	b.conn = conn
	b.mu.Unlock()

	metrics.BridgeConnected.Set(1)
	b.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Extension connected")

	b.readLoop(r.Context(), conn)
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer b.detach(conn)

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Error().Err(err).Msg("Extension connection lost")
			}
			return
		}

		switch frame.Type {
		case FrameEvent:
			b.handleEvent(frame)
		case FrameRequest:
			go b.handleRequest(ctx, conn, frame)
		case FrameRPCResult:
			b.handleRPCResult(frame)
		default:
			b.logger.Debug().Str("type", frame.Type).Msg("Ignoring unknown frame type")
		}
	}
}

func (b *Bridge) detach(conn *websocket.Conn) {
	_ = conn.Close()

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		metrics.BridgeConnected.Set(0)
		b.logger.Info().Msg("Extension disconnected")
		// In-flight RPCs against the dead connection fail immediately
		// instead of waiting out their timeout.
		for id, ch := range b.pending {
			close(ch)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()
}

func (b *Bridge) handleEvent(frame Frame) {
	event := browser.Event{
		Type:  browser.EventType(frame.Event),
		TabID: frame.TabID,
		URL:   frame.URL,
	}
	select {
	case b.events <- event:
	default:
		b.logger.Warn().Str("event", frame.Event).Msg("Event buffer full, dropping tab event")
	}
}

func (b *Bridge) handleRequest(ctx context.Context, conn *websocket.Conn, frame Frame) {
	if b.handler == nil {
		b.logger.Error().Str("action", frame.Action).Msg("No API handler installed")
		return
	}
	payload := b.handler.HandleMessage(ctx, frame.Action, frame.Payload)
	response := Frame{
		Type:    FrameResponse,
		ID:      frame.ID,
		Action:  frame.Action,
		Payload: payload,
	}
	if err := b.writeFrame(conn, response); err != nil {
		b.logger.Error().Err(err).Str("action", frame.Action).Msg("Failed to write response frame")
	}
}

func (b *Bridge) handleRPCResult(frame Frame) {
	b.mu.Lock()
	ch, ok := b.pending[frame.ID]
	if ok {
		delete(b.pending, frame.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug().Str("id", frame.ID).Msg("RPC result for unknown call")
		return
	}
	ch <- frame
	close(ch)
}

func (b *Bridge) writeFrame(conn *websocket.Conn, frame Frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// call performs one RPC against the connected extension.
func (b *Bridge) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return nil, browser.ErrNotConnected
	}
	id := uuid.NewString()
	ch := make(chan Frame, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	encoded, err := json.Marshal(params)
	if err != nil {
		b.forget(id)
		return nil, fmt.Errorf("marshal rpc params: %w", err)
	}

	frame := Frame{
		Type:   FrameRPC,
		ID:     id,
		Method: method,
		Params: encoded,
	}
	if err := b.writeFrame(conn, frame); err != nil {
		b.forget(id)
		metrics.BridgeRPCErrors.WithLabelValues(method).Inc()
		return nil, fmt.Errorf("write rpc frame: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.rpcTimeout)
	defer cancel()

	select {
	case result, ok := <-ch:
		if !ok {
			metrics.BridgeRPCErrors.WithLabelValues(method).Inc()
			return nil, browser.ErrNotConnected
		}
		if result.Error != "" {
			if result.Error == errTabNotFound {
				return nil, browser.ErrTabNotFound
			}
			metrics.BridgeRPCErrors.WithLabelValues(method).Inc()
			return nil, fmt.Errorf("bridge: %s failed: %s", method, result.Error)
		}
		return result.Result, nil
	case <-callCtx.Done():
		b.forget(id)
		metrics.BridgeRPCErrors.WithLabelValues(method).Inc()
		return nil, fmt.Errorf("bridge: %s timed out: %w", method, callCtx.Err())
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

type tabParams struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url,omitempty"`
}

// Get returns one tab by id.
func (b *Bridge) Get(ctx context.Context, tabID int) (*browser.Tab, error) {
	result, err := b.call(ctx, MethodTabsGet, tabParams{TabID: tabID})
	if err != nil {
		return nil, err
	}
	var tab browser.Tab
	if err := json.Unmarshal(result, &tab); err != nil {
		return nil, fmt.Errorf("decode tab: %w", err)
	}
	return &tab, nil
}

// Query returns all open tabs.
func (b *Bridge) Query(ctx context.Context) ([]browser.Tab, error) {
	result, err := b.call(ctx, MethodTabsQuery, struct{}{})
	if err != nil {
		return nil, err
	}
	var tabs []browser.Tab
	if err := json.Unmarshal(result, &tabs); err != nil {
		return nil, fmt.Errorf("decode tabs: %w", err)
	}
	return tabs, nil
}

// Navigate points a tab at a new URL.
func (b *Bridge) Navigate(ctx context.Context, tabID int, url string) error {
	_, err := b.call(ctx, MethodTabsUpdate, tabParams{TabID: tabID, URL: url})
	return err
}

// Notify shows a system notification through the extension.
func (b *Bridge) Notify(ctx context.Context, n browser.Notification) error {
	_, err := b.call(ctx, MethodNotificationsCreate, n)
	return err
}
