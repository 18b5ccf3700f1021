package model

import "time"

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateError        ConnectionState = "error"
)

// ConnectionStatus is a read-only snapshot of a realtime connection.
type ConnectionStatus struct {
	State       ConnectionState `json:"state"`
	Connected   bool            `json:"connected"`
	Connecting  bool            `json:"connecting"`
	LastError   *string         `json:"lastError"`
	Attempt     int             `json:"attempt"`
	ConnectedAt *time.Time      `json:"connectedAt,omitempty"`
}
