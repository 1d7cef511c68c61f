// Package browser defines the boundary between the engine and the host
// browser. The engine only ever talks to a browser through these interfaces;
// the WebSocket bridge provides the production implementation and tests
// substitute fakes.
package browser

import (
	"context"
	"errors"
)

// ErrTabNotFound reports that a tab id definitively no longer exists in the
// browser. Callers treat it as permanent and drop the corresponding session.
var ErrTabNotFound = errors.New("browser: tab not found")

// ErrNotConnected reports that no browser is currently attached. Transient;
// callers keep their state and retry on a later pass.
var ErrNotConnected = errors.New("browser: not connected")

// Tab is the engine's view of one browser tab.
type Tab struct {
	ID     int    `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// TabAPI exposes the tab operations the engine needs from the browser.
type TabAPI interface {
	// Get returns the tab with the given id, or ErrTabNotFound.
	Get(ctx context.Context, tabID int) (*Tab, error)
	// Query returns all currently open tabs.
	Query(ctx context.Context) ([]Tab, error)
	// Navigate points the tab at a new URL.
	Navigate(ctx context.Context, tabID int, url string) error
}

// Notification is a user-facing system notification.
type Notification struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

// Notifier delivers notifications to the user through the browser.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// EventType identifies a tab lifecycle event.
type EventType string

const (
	EventTabCreated   EventType = "tabCreated"
	EventTabUpdated   EventType = "tabUpdated"
	EventTabActivated EventType = "tabActivated"
	EventTabRemoved   EventType = "tabRemoved"
)

// Event is one tab lifecycle event forwarded by the browser. URL is empty
// for removal events and may be empty on activation when the URL did not
// change.
type Event struct {
	Type  EventType `json:"type"`
	TabID int       `json:"tabId"`
	URL   string    `json:"url"`
}
