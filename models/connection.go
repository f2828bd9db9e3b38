package models

import "time"

type ConnStatus string

const (
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
	ConnDisconnected ConnStatus = "disconnected"
	ConnFailed       ConnStatus = "failed"
)

// ConnectionState tracks one (symbol, stream) websocket connection.
// Transitions drive the reconnection policy.
type ConnectionState struct {
	Key               string     `json:"key"`
	Stream            string     `json:"stream"`
	Status            ConnStatus `json:"status"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LastChange        time.Time  `json:"last_change"`
	LastError         string     `json:"last_error,omitempty"`
}
