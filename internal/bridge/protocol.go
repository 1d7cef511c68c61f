package bridge

import "encoding/json"

// Frame types exchanged with the extension.
const (
	// FrameEvent carries a tab lifecycle event from the extension.
	FrameEvent = "event"
	// FrameRequest carries an API message from the extension; the daemon
	// answers with a FrameResponse of the same id.
	FrameRequest  = "request"
	FrameResponse = "response"
	// FrameRPC carries a browser call from the daemon; the extension answers
	// with a FrameRPCResult of the same id.
	FrameRPC       = "rpc"
	FrameRPCResult = "rpcResult"
)

// RPC methods the extension answers.
const (
	MethodTabsGet             = "tabs.get"
	MethodTabsQuery           = "tabs.query"
	MethodTabsUpdate          = "tabs.update"
	MethodNotificationsCreate = "notifications.create"
)

// errTabNotFound is the extension's error string for a missing tab.
const errTabNotFound = "not_found"

// Frame is the single wire envelope of the bridge. Which fields are set
// depends on Type.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// FrameEvent
	Event string `json:"event,omitempty"`
	TabID int    `json:"tabId,omitempty"`
	URL   string `json:"url,omitempty"`

	// FrameRequest / FrameResponse
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// FrameRPC / FrameRPCResult
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
