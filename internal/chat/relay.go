// Package chat validates, persists and fans out booking chat, both
// direct (passenger/driver) and group.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/bus-booking/internal/models"
	"github.com/example/bus-booking/internal/observability"
	"github.com/example/bus-booking/internal/realtime"
	"github.com/example/bus-booking/internal/storage"
)

var (
	ErrBookingNotFound = errors.New("booking not found")
	// ErrUnauthorized means the sender is not a participant of the
	// booking. Reported only to the initiating connection, never
	// broadcast.
	ErrUnauthorized = errors.New("sender is not a participant of this booking")
)

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

type Publisher interface {
	Publish(event string, payload any, rooms ...string)
}

type Relay struct {
	bookings storage.BookingStore
	messages storage.MessageStore
	pub      Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewRelay(bookings storage.BookingStore, messages storage.MessageStore, pub Publisher, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{bookings: bookings, messages: messages, pub: pub, log: log, now: time.Now}
}

type SendInput struct {
	BookingID    string
	SenderID     string
	SenderName   string
	SenderRole   models.SenderRole
	Content      string
	ClientTempID string
}

// Send validates and persists a direct chat message, then broadcasts it
// to the booking room exactly once. The broadcast carries both the
// server-assigned id and the client's temp id so the originating client
// replaces its optimistic copy instead of appending a duplicate.
func (r *Relay) Send(ctx context.Context, in SendInput) (*models.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, &ValidationError{Reason: "message content is empty"}
	}
	if in.SenderRole != models.RolePassenger && in.SenderRole != models.RoleDriver {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown sender role %q", in.SenderRole)}
	}

	booking, err := r.loadBooking(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if !booking.IsChatEnabled {
		return nil, &ValidationError{Reason: "chat is disabled for this booking"}
	}
	if !isParticipant(booking, in.SenderID, in.SenderRole) {
		return nil, ErrUnauthorized
	}

	msg := &models.Message{
		ID:           uuid.NewString(),
		BookingID:    booking.ID,
		SenderID:     in.SenderID,
		SenderName:   in.SenderName,
		SenderRole:   in.SenderRole,
		Content:      content,
		Timestamp:    r.now(), // server clock is authoritative
		ClientTempID: in.ClientTempID,
	}
	if err := r.messages.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	observability.MessagesTotal.Inc()

	r.pub.Publish(models.EventReceiveMessage, models.ReceiveMessagePayload{
		ID:           msg.ID,
		BookingID:    msg.BookingID,
		Sender:       models.SenderRef{ID: msg.SenderID, Name: msg.SenderName},
		SenderModel:  msg.SenderRole,
		Message:      msg.Content,
		Timestamp:    msg.Timestamp,
		ClientTempID: msg.ClientTempID,
	}, realtime.BookingRoom(booking.ID))

	return msg, nil
}

type GroupSendInput struct {
	BookingID  string
	UserID     string // empty for anonymous members
	Email      string // identifies anonymous members
	SenderName string
	Content    string
}

// SendGroup is the group-booking variant: membership is checked against
// the group lead and confirmed group members, and anonymous members are
// identified by email and tagged with the guest role for display.
func (r *Relay) SendGroup(ctx context.Context, in GroupSendInput) (*models.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, &ValidationError{Reason: "message content is empty"}
	}

	booking, err := r.loadBooking(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if !booking.IsGroupBooking {
		return nil, &ValidationError{Reason: "booking is not a group booking"}
	}
	senderID, role, ok := groupSender(booking, in.UserID, in.Email)
	if !ok {
		return nil, ErrUnauthorized
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		BookingID:  booking.ID,
		SenderID:   senderID,
		SenderName: in.SenderName,
		SenderRole: role,
		Content:    content,
		Timestamp:  r.now(),
		IsGroup:    true,
	}
	if err := r.messages.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist group message: %w", err)
	}
	observability.MessagesTotal.Inc()

	r.pub.Publish(models.EventGroupMessage, models.GroupMessagePayload{
		BookingID:  msg.BookingID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Message:    msg.Content,
		Timestamp:  msg.Timestamp,
	}, realtime.BookingRoom(booking.ID))

	return msg, nil
}

// MarkRead adds the reader to every message of the booking that doesn't
// already carry it. Idempotent, and a private read-state update: no
// broadcast goes out.
func (r *Relay) MarkRead(ctx context.Context, bookingID, readerID string) error {
	if bookingID == "" || readerID == "" {
		return &ValidationError{Reason: "bookingId and readerId required"}
	}
	touched, err := r.messages.AddReadBy(ctx, bookingID, readerID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if touched > 0 {
		r.log.Debug("messages marked read", "booking_id", bookingID, "reader_id", readerID, "count", touched)
	}
	return nil
}

func (r *Relay) loadBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	booking, err := r.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return booking, nil
}

func isParticipant(b *models.Booking, senderID string, role models.SenderRole) bool {
	if role == models.RoleDriver {
		return b.DriverID != "" && senderID == b.DriverID
	}
	if senderID == b.UserID {
		return true
	}
	if b.IsGroupBooking {
		if senderID == b.GroupLeadUserID {
			return true
		}
		for _, m := range b.GroupMembers {
			if m.IsConfirmed && m.UserID != "" && m.UserID == senderID {
				return true
			}
		}
	}
	return false
}

// groupSender resolves the sender identity of a group message.
// Confirmation is required uniformly, for members identified by user id
// and by email alike. Members matched by email take the email casing
// stored on the booking record, so one member always maps to one
// identity no matter how the client spelled it.
func groupSender(b *models.Booking, userID, email string) (string, models.SenderRole, bool) {
	if userID != "" && (userID == b.GroupLeadUserID || userID == b.UserID) {
		return userID, models.RolePassenger, true
	}
	for _, m := range b.GroupMembers {
		if !m.IsConfirmed {
			continue
		}
		if userID != "" && m.UserID != "" && m.UserID == userID {
			return userID, models.RolePassenger, true
		}
		if email != "" && m.Email != "" && strings.EqualFold(m.Email, email) {
			return m.Email, models.RoleGuest, true
		}
	}
	return "", "", false
}
