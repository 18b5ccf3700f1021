package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Hub framing follows the SignalR JSON protocol: every record is a JSON
// object terminated by 0x1E, and one websocket frame may carry several.
const recordSeparator byte = 0x1e

const (
	invocationMessage = 1
	streamItemMessage = 2
	completionMessage = 3
	pingMessage       = 6
	closeMessage      = 7
)

var (
	handshakeRequest = []byte("{\"protocol\":\"json\",\"version\":1}\x1e")
	pingRecord       = []byte("{\"type\":6}\x1e")
)

type hubMessage struct {
	Type           int               `json:"type"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// CloseError reports a close message sent by the hub.
type CloseError struct {
	Message        string
	AllowReconnect bool
}

func (e *CloseError) Error() string {
	if e.Message == "" {
		return "hub closed the connection"
	}
	return fmt.Sprintf("hub closed the connection: %s", e.Message)
}

var errHandshake = errors.New("hub handshake failed")

func splitRecords(frame []byte) [][]byte {
	var records [][]byte
	for _, rec := range bytes.Split(frame, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(rec)) == 0 {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func parseHandshake(rec []byte) error {
	var resp handshakeResponse
	if err := json.Unmarshal(rec, &resp); err != nil {
		return fmt.Errorf("%w: %v", errHandshake, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", errHandshake, resp.Error)
	}
	return nil
}

func parseMessage(rec []byte) (hubMessage, error) {
	var msg hubMessage
	if err := json.Unmarshal(rec, &msg); err != nil {
		return hubMessage{}, fmt.Errorf("invalid hub record: %w", err)
	}
	return msg, nil
}
