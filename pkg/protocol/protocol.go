// Package protocol defines the wire frames of the gateway control surface.
package protocol

import "encoding/json"

// RPC method names.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodChatSend  = "chat.send"
	MethodChatAbort = "chat.abort"

	MethodPairingList    = "pairing.list"
	MethodPairingApprove = "pairing.approve"

	MethodSessionsList  = "sessions.list"
	MethodSessionsReset = "sessions.reset"
)

// Request is one client frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one server frame.
type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ChatSendParams starts a turn from the control surface.
type ChatSendParams struct {
	AgentID string `json:"agentId,omitempty"`
	Message string `json:"message"`
	To      string `json:"to,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// ChatAbortParams aborts the active turn of a session.
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
}

// PairingApproveParams approves a pending pairing code.
type PairingApproveParams struct {
	Channel   string `json:"channel"`
	Code      string `json:"code"`
	AccountID string `json:"accountId,omitempty"`
}

// PairingListParams lists pending requests for a channel.
type PairingListParams struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
}

// SessionsListParams scopes a session listing to one agent.
type SessionsListParams struct {
	AgentID string `json:"agentId,omitempty"`
}

// SessionsResetParams deletes one session entry.
type SessionsResetParams struct {
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey"`
}

// StatusResult is the status method's payload.
type StatusResult struct {
	Channels map[string]ChannelStatus `json:"channels"`
	Sessions int                      `json:"sessions"`
	Uptime   int64                    `json:"uptimeMs"`
}

// ChannelStatus summarizes one adapter.
type ChannelStatus struct {
	Connected bool   `json:"connected"`
	Bot       string `json:"bot,omitempty"`
	Error     string `json:"error,omitempty"`
}
