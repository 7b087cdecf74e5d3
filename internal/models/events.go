package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire event names. Every socket frame is an Envelope whose Data field
// decodes into the fixed schema registered for its event name below;
// nothing loosely typed crosses the boundary into the kernel.
const (
	// client -> server
	EventJoinBusRoom      = "joinBusRoom"
	EventJoinRoom         = "joinRoom"
	EventJoinDriverRoom   = "joinDriverRoom"
	EventJoinAdminRoom    = "joinAdminRoom"
	EventSendMessage      = "sendMessage"
	EventMessageRead      = "messageRead"
	EventSendGroupMessage = "sendGroupMessage"

	// both directions
	EventLocationUpdate       = "locationUpdate"
	EventTrackingStatusUpdate = "trackingStatusUpdate"

	// server -> client
	EventReceiveMessage      = "receiveMessage"
	EventGroupMessage        = "groupMessage"
	EventSeatUpdate          = "seatUpdate"
	EventBookingStatusUpdate = "bookingStatusUpdate"
	EventDelayNoticeUpdate   = "delayNoticeUpdate"
	EventBusAlert            = "busAlert"
	EventNewBadge            = "newBadge"
	EventError               = "errorMessage"
)

// Envelope is the framing for every socket event in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var ErrUnknownEvent = errors.New("unknown event")

// EventValidationError reports a malformed payload rejected at the
// boundary, before it can reach the ledger, chat relay or tracking.
type EventValidationError struct {
	Event  string
	Reason string
}

func (e *EventValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Event, e.Reason)
}

func invalid(event, reason string) error {
	return &EventValidationError{Event: event, Reason: reason}
}

type JoinBusRoomPayload struct {
	BusID string `json:"busId"`
}

type JoinRoomPayload struct {
	BookingID string `json:"bookingId"`
}

type SendMessagePayload struct {
	BookingID    string     `json:"bookingId"`
	SenderID     string     `json:"senderId"`
	SenderModel  SenderRole `json:"senderModel"`
	Content      string     `json:"content"`
	Timestamp    *time.Time `json:"timestamp,omitempty"` // advisory only; server clock wins
	ClientTempID string     `json:"clientTempId,omitempty"`
}

type MessageReadPayload struct {
	BookingID string `json:"bookingId"`
	UserID    string `json:"userId"`
}

type SendGroupMessagePayload struct {
	BookingID string     `json:"bookingId"`
	UserID    string     `json:"userId,omitempty"`
	Email     string     `json:"email,omitempty"`
	Message   string     `json:"message"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type LocationUpdatePayload struct {
	BusID     string    `json:"busId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type TrackingStatusPayload struct {
	BusID             string `json:"busId"`
	IsTrackingEnabled bool   `json:"isTrackingEnabled"`
}

// SenderRef is the compact sender shape chat broadcasts carry.
type SenderRef struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
}

type ReceiveMessagePayload struct {
	ID           string     `json:"_id"`
	BookingID    string     `json:"bookingId"`
	Sender       SenderRef  `json:"senderId"`
	SenderModel  SenderRole `json:"senderModel"`
	Message      string     `json:"message"`
	Timestamp    time.Time  `json:"timestamp"`
	ClientTempID string     `json:"clientTempId,omitempty"`
}

type GroupMessagePayload struct {
	BookingID  string    `json:"bookingId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

type SeatUpdatePayload struct {
	BusID       string `json:"busId"`
	TravelDate  string `json:"travelDate"`
	BookedSeats []int  `json:"bookedSeats"`
}

type BookingStatusPayload struct {
	BookingID          string        `json:"bookingId"`
	Status             BookingStatus `json:"status"`
	IsChatEnabled      *bool         `json:"isChatEnabled,omitempty"`
	CancellationReason string        `json:"cancellationReason,omitempty"`
}

type DelayNoticePayload struct {
	BookingID   string `json:"bookingId"`
	DelayNotice string `json:"delayNotice"`
}

type NewBadgePayload struct {
	UserID string `json:"userId"`
	Badge  string `json:"badge"`
}

type BusAlertPayload struct {
	BusID    string `json:"busId"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// DecodeClientEvent turns an inbound envelope into its typed payload,
// validating required fields. Unknown event names and malformed payloads
// never make it past this function.
func DecodeClientEvent(env Envelope) (any, error) {
	switch env.Event {
	case EventJoinBusRoom:
		var p JoinBusRoomPayload
		if err := decodeInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.BusID) == "" {
			return nil, invalid(env.Event, "busId required")
		}
		return p, nil

	case EventJoinRoom:
		var p JoinRoomPayload
		if err := decodeInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.BookingID) == "" {
			return nil, invalid(env.Event, "bookingId required")
		}
		return p, nil

	case EventJoinDriverRoom, EventJoinAdminRoom:
		return struct{}{}, nil

	case EventSendMessage:
		var p SendMessagePayload
		if err := decodeInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.BookingID) == "" {
			return nil, invalid(env.Event, "bookingId required")
		}
		if strings.TrimSpace(p.SenderID) == "" {
			return nil, invalid(env.Event, "senderId required")
		}
		if p.SenderModel != RolePassenger && p.SenderModel != RoleDriver {
			return nil, invalid(env.Event, "senderModel must be Passenger or Driver")
		}
		return p, nil

	case EventMessageRead:
		var p MessageReadPayload
		if err := decodeInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.BookingID) == "" || strings.TrimSpace(p.UserID) == "" {
			return nil, invalid(env.Event, "bookingId and userId required")
		}
		return p, nil

	case EventSendGroupMessage:
		var p SendGroupMessagePayload
		if err := decodeInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.BookingID) == "" {
			return nil, invalid(env.Event, "bookingId required")
		}
		if strings.TrimSpace(p.UserID) == "" && strings.TrimSpace(p.Email) == "" {
			return nil, invalid(env.Event, "userId or email required")
		}
		return p, nil

	case EventLocationUpdate:
		var p LocationUpdatePayload
		if err := decodeInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.BusID) == "" {
			return nil, invalid(env.Event, "busId required")
		}
		if p.Latitude < -90 || p.Latitude > 90 {
			return nil, invalid(env.Event, "latitude out of range")
		}
		if p.Longitude < -180 || p.Longitude > 180 {
			return nil, invalid(env.Event, "longitude out of range")
		}
		return p, nil

	case EventTrackingStatusUpdate:
		var p TrackingStatusPayload
		if err := decodeInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.BusID) == "" {
			return nil, invalid(env.Event, "busId required")
		}
		return p, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func decodeInto(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return invalid(env.Event, "missing data")
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return invalid(env.Event, err.Error())
	}
	return nil
}
