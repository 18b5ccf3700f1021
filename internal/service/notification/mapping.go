package notification

import (
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/transfer-portal/internal/events"
	"github.com/jwalitptl/transfer-portal/internal/model"
)

var priorityByTag = map[events.Tag]model.Priority{
	events.TagRideRequested:      model.PriorityHigh,
	events.TagPaymentFailed:      model.PriorityHigh,
	events.TagOrderCancelled:     model.PriorityHigh,
	events.TagRideAccepted:       model.PriorityMedium,
	events.TagOrderConfirmed:     model.PriorityMedium,
	events.TagPaymentReceived:    model.PriorityMedium,
	events.TagSupportReply:       model.PriorityMedium,
	events.TagRideCompleted:      model.PriorityLow,
	events.TagSystemAnnouncement: model.PriorityLow,
}

var typeByTag = map[events.Tag]model.NotificationType{
	events.TagRideRequested:      model.NotificationTypeRideRequested,
	events.TagRideAccepted:       model.NotificationTypeRideAccepted,
	events.TagRideCompleted:      model.NotificationTypeRideCompleted,
	events.TagPaymentReceived:    model.NotificationTypePayment,
	events.TagPaymentFailed:      model.NotificationTypePayment,
	events.TagOrderConfirmed:     model.NotificationTypeOrder,
	events.TagOrderCancelled:     model.NotificationTypeOrder,
	events.TagSystemAnnouncement: model.NotificationTypeSystem,
	events.TagSupportReply:       model.NotificationTypeSupport,
}

// PriorityFor returns the display priority of a push event tag.
func PriorityFor(tag events.Tag) model.Priority {
	if p, ok := priorityByTag[tag]; ok {
		return p
	}
	return model.PriorityLow
}

// FromEvent converts a push event into an unread notification. Events
// without an id get a random one.
func FromEvent(ev events.Event) model.Notification {
	n := model.Notification{
		ID:        ev.ID,
		Type:      typeByTag[ev.Type],
		Title:     ev.Title,
		Content:   ev.Content,
		Priority:  PriorityFor(ev.Type),
		CreatedAt: ev.CreatedAt,
		OrderID:   ev.OrderID,
		RideID:    ev.RideID,
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	switch p := ev.Payload.(type) {
	case events.RideRequested:
		n.RideID = firstNonEmpty(n.RideID, p.RideID)
	case events.RideAccepted:
		n.RideID = firstNonEmpty(n.RideID, p.RideID)
	case events.RideCompleted:
		n.RideID = firstNonEmpty(n.RideID, p.RideID)
	case events.OrderConfirmed:
		n.OrderID = firstNonEmpty(n.OrderID, p.OrderID)
	case events.OrderCancelled:
		n.OrderID = firstNonEmpty(n.OrderID, p.OrderID)
	case events.SystemAnnouncement:
		n.Content = firstNonEmpty(n.Content, p.Message)
		switch p.Severity {
		case "critical":
			n.Priority = model.PriorityHigh
		case "warning":
			n.Priority = model.PriorityMedium
		}
	case events.SupportReply:
		n.Content = firstNonEmpty(n.Content, p.Message)
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
