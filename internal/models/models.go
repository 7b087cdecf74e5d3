package models

import "time"

// GeoPoint is a GPS fix reported by a bus.
type GeoPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus holds the per-vehicle state the kernel mutates: the tracking flag,
// the last accepted location, and the assigned driver. Confirmed seats
// and holds live in SeatState, keyed by travel date.
type Bus struct {
	ID                string    `json:"id"`
	TotalSeats        int       `json:"totalSeats"`
	DriverID          string    `json:"driverId,omitempty"`
	IsTrackingEnabled bool      `json:"isTrackingEnabled"`
	CurrentLocation   *GeoPoint `json:"currentLocation,omitempty"`
}

// PendingHold is a temporary, expiring claim on seats for one bus+date.
type PendingHold struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Seats     []int     `json:"seats"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the hold is logically dead at time now.
func (h PendingHold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// SeatState is the seat document for one bus on one travel date:
// confirmed bookings plus all live holds. It is the single multi-writer
// shared resource in the kernel and is only ever mutated by the ledger.
type SeatState struct {
	Confirmed []int         `json:"confirmed"`
	Holds     []PendingHold `json:"holds"`
}

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// CanTransitionTo enforces the monotonic status lifecycle:
// confirmed may move to cancelled or completed; both of those are final.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	if s != BookingConfirmed {
		return false
	}
	return next == BookingCancelled || next == BookingCompleted
}

// GroupMember is an additional passenger on a group booking. Anonymous
// members are identified by email only and must confirm before they can
// read or send in the group chat.
type GroupMember struct {
	UserID      string `json:"userId,omitempty"`
	Email       string `json:"email,omitempty"`
	IsConfirmed bool   `json:"isConfirmed"`
}

type Booking struct {
	ID                 string        `json:"id"`
	BusID              string        `json:"busId"`
	TravelDate         string        `json:"travelDate"` // YYYY-MM-DD
	UserID             string        `json:"userId"`
	DriverID           string        `json:"driverId,omitempty"`
	SeatsBooked        []int         `json:"seatsBooked"`
	Status             BookingStatus `json:"status"`
	IsChatEnabled      bool          `json:"isChatEnabled"`
	DelayNotice        string        `json:"delayNotice,omitempty"`
	CancellationReason string        `json:"cancellationReason,omitempty"`
	IsGroupBooking     bool          `json:"isGroupBooking"`
	GroupLeadUserID    string        `json:"groupLeadUserId,omitempty"`
	GroupMembers       []GroupMember `json:"groupMembers,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
}

type SenderRole string

const (
	RolePassenger SenderRole = "Passenger"
	RoleDriver    SenderRole = "Driver"
	// RoleGuest tags anonymous group members identified by email.
	RoleGuest SenderRole = "Guest"
)

// Message is one chat message, direct or group. ReadBy grows over time,
// nothing else mutates after creation.
type Message struct {
	ID           string     `json:"_id"`
	BookingID    string     `json:"bookingId"`
	SenderID     string     `json:"senderId"`
	SenderName   string     `json:"senderName,omitempty"`
	SenderRole   SenderRole `json:"senderModel"`
	Content      string     `json:"message"`
	Timestamp    time.Time  `json:"timestamp"`
	ClientTempID string     `json:"clientTempId,omitempty"`
	ReadBy       []string   `json:"readBy,omitempty"`
	IsGroup      bool       `json:"isGroup,omitempty"`
}

// BusLocation is the shape published to the location ingest topic and
// mirrored into the live-location cache by the consumer.
type BusLocation struct {
	BusID     string    `json:"busId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}
