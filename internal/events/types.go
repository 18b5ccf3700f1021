package events

import (
	"time"
)

// Tag identifies a push event and fixes the shape of its payload.
type Tag string

const (
	TagRideRequested      Tag = "ride_requested"
	TagRideAccepted       Tag = "ride_accepted"
	TagRideCompleted      Tag = "ride_completed"
	TagPaymentReceived    Tag = "payment_received"
	TagPaymentFailed      Tag = "payment_failed"
	TagOrderConfirmed     Tag = "order_confirmed"
	TagOrderCancelled     Tag = "order_cancelled"
	TagSystemAnnouncement Tag = "system_announcement"
	TagSupportReply       Tag = "support_reply"
)

type OrderType string

const (
	OrderTypeInstant   OrderType = "Instant"
	OrderTypeScheduled OrderType = "Scheduled"
)

// Envelope carries the fields every push event shares.
type Envelope struct {
	ID        string    `json:"id,omitempty"`
	Type      Tag       `json:"type" validate:"required"`
	Title     string    `json:"title" validate:"required"`
	Content   string    `json:"content,omitempty"`
	OrderID   string    `json:"orderId,omitempty"`
	RideID    string    `json:"rideId,omitempty"`
	OrderType OrderType `json:"orderType,omitempty" validate:"omitempty,oneof=Instant Scheduled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Payload is implemented only by the payload types in this package, so a type
// switch over Event.Payload is exhaustive.
type Payload interface {
	Tag() Tag
	isPayload()
}

// Event is a decoded, validated push event.
type Event struct {
	Envelope
	Payload Payload `json:"payload"`
}

type Location struct {
	Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng     float64 `json:"lng" validate:"gte=-180,lte=180"`
	Address string  `json:"address,omitempty"`
}

type RideRequested struct {
	RideID        string     `json:"rideId" validate:"required"`
	PassengerName string     `json:"passengerName,omitempty"`
	Pickup        Location   `json:"pickup" validate:"required"`
	Destination   *Location  `json:"destination,omitempty"`
	EstimatedFare float64    `json:"estimatedFare,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

type RideAccepted struct {
	RideID         string    `json:"rideId" validate:"required"`
	DriverID       string    `json:"driverId" validate:"required"`
	DriverName     string    `json:"driverName,omitempty"`
	CarNumber      string    `json:"carNumber,omitempty"`
	DriverLocation *Location `json:"driverLocation,omitempty"`
	EtaMinutes     int       `json:"etaMinutes,omitempty"`
}

type RideCompleted struct {
	RideID          string  `json:"rideId" validate:"required"`
	DriverID        string  `json:"driverId,omitempty"`
	Fare            float64 `json:"fare,omitempty"`
	Currency        string  `json:"currency,omitempty" validate:"omitempty,len=3"`
	DistanceKm      float64 `json:"distanceKm,omitempty"`
	DurationMinutes int     `json:"durationMinutes,omitempty"`
}

type PaymentReceived struct {
	PaymentID string  `json:"paymentId" validate:"required"`
	Amount    float64 `json:"amount" validate:"gt=0"`
	Currency  string  `json:"currency" validate:"required,len=3"`
	Method    string  `json:"method,omitempty"`
}

type PaymentFailed struct {
	PaymentID string  `json:"paymentId" validate:"required"`
	Amount    float64 `json:"amount" validate:"gte=0"`
	Currency  string  `json:"currency" validate:"required,len=3"`
	Reason    string  `json:"reason,omitempty"`
}

type OrderConfirmed struct {
	OrderID  string     `json:"orderId" validate:"required"`
	PickupAt *time.Time `json:"pickupAt,omitempty"`
	CarClass string     `json:"carClass,omitempty"`
}

type OrderCancelled struct {
	OrderID     string `json:"orderId" validate:"required"`
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelledBy,omitempty"`
}

type SystemAnnouncement struct {
	Message  string `json:"message" validate:"required"`
	Severity string `json:"severity,omitempty" validate:"omitempty,oneof=info warning critical"`
}

type SupportReply struct {
	TicketID string `json:"ticketId" validate:"required"`
	Agent    string `json:"agent,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (RideRequested) Tag() Tag      { return TagRideRequested }
func (RideAccepted) Tag() Tag       { return TagRideAccepted }
func (RideCompleted) Tag() Tag      { return TagRideCompleted }
func (PaymentReceived) Tag() Tag    { return TagPaymentReceived }
func (PaymentFailed) Tag() Tag      { return TagPaymentFailed }
func (OrderConfirmed) Tag() Tag     { return TagOrderConfirmed }
func (OrderCancelled) Tag() Tag     { return TagOrderCancelled }
func (SystemAnnouncement) Tag() Tag { return TagSystemAnnouncement }
func (SupportReply) Tag() Tag       { return TagSupportReply }

func (RideRequested) isPayload()      {}
func (RideAccepted) isPayload()       {}
func (RideCompleted) isPayload()      {}
func (PaymentReceived) isPayload()    {}
func (PaymentFailed) isPayload()      {}
func (OrderConfirmed) isPayload()     {}
func (OrderCancelled) isPayload()     {}
func (SystemAnnouncement) isPayload() {}
func (SupportReply) isPayload()       {}

// Tags returns every known tag in a stable order.
func Tags() []Tag {
	return []Tag{
		TagRideRequested,
		TagRideAccepted,
		TagRideCompleted,
		TagPaymentReceived,
		TagPaymentFailed,
		TagOrderConfirmed,
		TagOrderCancelled,
		TagSystemAnnouncement,
		TagSupportReply,
	}
}

// Known reports whether tag belongs to the closed set.
func Known(tag Tag) bool {
	_, ok := payloadDecoders[tag]
	return ok
}
