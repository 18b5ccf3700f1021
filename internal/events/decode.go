package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jwalitptl/transfer-portal/pkg/validator"
)

var (
	ErrMalformed    = errors.New("malformed event")
	ErrUnknownTag   = errors.New("unknown event tag")
	ErrInvalidEvent = errors.New("invalid event")
)

type rawEvent struct {
	Envelope
	Payload json.RawMessage `json:"payload"`
}

var payloadDecoders = map[Tag]func(data []byte, v validator.Validator) (Payload, error){
	TagRideRequested:      decodeAs[RideRequested],
	TagRideAccepted:       decodeAs[RideAccepted],
	TagRideCompleted:      decodeAs[RideCompleted],
	TagPaymentReceived:    decodeAs[PaymentReceived],
	TagPaymentFailed:      decodeAs[PaymentFailed],
	TagOrderConfirmed:     decodeAs[OrderConfirmed],
	TagOrderCancelled:     decodeAs[OrderCancelled],
	TagSystemAnnouncement: decodeAs[SystemAnnouncement],
	TagSupportReply:       decodeAs[SupportReply],
}

var defaultValidator = validator.New()

// Decode parses and validates a raw envelope. Unknown JSON fields are ignored.
func Decode(raw []byte) (Event, error) {
	return decode(raw, defaultValidator)
}

func decode(raw []byte, v validator.Validator) (Event, error) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	dec, ok := payloadDecoders[re.Type]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownTag, re.Type)
	}

	if err := v.Validate(re.Envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, re.Type, err)
	}

	payload, err := dec(re.Payload, v)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, re.Type, err)
	}

	return Event{Envelope: re.Envelope, Payload: payload}, nil
}

func decodeAs[P Payload](data []byte, v validator.Validator) (Payload, error) {
	var p P
	if len(data) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
	}
	if err := v.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// MarshalJSON renders the event back into its wire envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawEvent{Envelope: e.Envelope, Payload: payload})
}
