package model

import (
	"time"
)

type NotificationType string

const (
	NotificationTypeOrder         NotificationType = "order"
	NotificationTypePayment       NotificationType = "payment"
	NotificationTypeSystem        NotificationType = "system"
	NotificationTypeSupport       NotificationType = "support"
	NotificationTypeRideRequested NotificationType = "ride_requested"
	NotificationTypeRideAccepted  NotificationType = "ride_accepted"
	NotificationTypeRideCompleted NotificationType = "ride_completed"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists the buckets in display order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Content   string           `json:"content,omitempty"`
	Priority  Priority         `json:"priority"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
	OrderID   string           `json:"orderId,omitempty"`
	RideID    string           `json:"rideId,omitempty"`
	DeletedAt *time.Time       `json:"deletedAt,omitempty"`
}

// NotificationPage is one page of notification history, newest first.
// The unread counters are the server's view at the time of the fetch.
type NotificationPage struct {
	Items            []Notification   `json:"items"`
	NextCursor       string           `json:"nextCursor,omitempty"`
	HasMore          bool             `json:"hasMore"`
	Total            int              `json:"total"`
	UnreadCount      int              `json:"unreadCount"`
	UnreadByPriority map[Priority]int `json:"unreadByPriority"`
}

// NotificationQuery selects a page of notification history.
type NotificationQuery struct {
	Size     int
	Cursor   string
	Priority Priority
}
