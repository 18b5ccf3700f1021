package model

import "time"

// QueueMembership is a driver's registration in the dispatch queue.
// Position is computed by the server and may be absent.
type QueueMembership struct {
	DriverID string    `json:"driverId"`
	JoinedAt time.Time `json:"joinedAt"`
	Position *int      `json:"position,omitempty"`
}
