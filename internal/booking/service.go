// Package booking implements the booking lifecycle around the seat
// kernel: creation at checkout commit, monotonic status transitions,
// delay notices and the admin alert fan-out.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/bus-booking/internal/models"
	"github.com/example/bus-booking/internal/realtime"
	"github.com/example/bus-booking/internal/storage"
)

var (
	ErrNotFound = errors.New("booking not found")
	// ErrInvalidTransition rejects any move out of cancelled/completed.
	ErrInvalidTransition = errors.New("invalid booking status transition")
)

type Publisher interface {
	Publish(event string, payload any, rooms ...string)
}

type Service struct {
	bookings storage.BookingStore
	buses    storage.BusStore
	pub      Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewService(bookings storage.BookingStore, buses storage.BusStore, pub Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{bookings: bookings, buses: buses, pub: pub, log: log, now: time.Now}
}

// CreateBooking folds a committed hold into a confirmed booking. Called
// by the ledger with the seats already moved into the bus's confirmed
// set; seatsBooked is immutable from here on.
func (s *Service) CreateBooking(ctx context.Context, busID, travelDate, ownerID string, seats []int) (*models.Booking, error) {
	var driverID string
	if bus, err := s.buses.GetBus(ctx, busID); err == nil {
		driverID = bus.DriverID
	}
	b := &models.Booking{
		ID:            uuid.NewString(),
		BusID:         busID,
		TravelDate:    travelDate,
		UserID:        ownerID,
		DriverID:      driverID,
		SeatsBooked:   seats,
		Status:        models.BookingConfirmed,
		IsChatEnabled: true,
		CreatedAt:     s.now(),
	}
	if err := s.bookings.SaveBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("save booking: %w", err)
	}
	return b, nil
}

// UpdateStatus applies a monotonic transition and notifies the booking
// room. Cancelling also turns the chat off.
func (s *Service) UpdateStatus(ctx context.Context, bookingID string, next models.BookingStatus, reason string) (*models.Booking, error) {
	b, err := s.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, next)
	}

	b.Status = next
	if next == models.BookingCancelled {
		b.CancellationReason = reason
		b.IsChatEnabled = false
	}
	if err := s.bookings.SaveBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("save booking: %w", err)
	}

	chatEnabled := b.IsChatEnabled
	s.pub.Publish(models.EventBookingStatusUpdate, models.BookingStatusPayload{
		BookingID:          b.ID,
		Status:             b.Status,
		IsChatEnabled:      &chatEnabled,
		CancellationReason: b.CancellationReason,
	}, realtime.BookingRoom(b.ID))

	if next == models.BookingCompleted && b.UserID != "" {
		s.pub.Publish(models.EventNewBadge, models.NewBadgePayload{
			UserID: b.UserID,
			Badge:  "trip-completed",
		}, realtime.UserRoom(b.UserID))
	}
	return b, nil
}

// SetDelayNotice records a driver/admin delay note and pushes it to the
// booking room.
func (s *Service) SetDelayNotice(ctx context.Context, bookingID, notice string) error {
	b, err := s.load(ctx, bookingID)
	if err != nil {
		return err
	}
	b.DelayNotice = notice
	if err := s.bookings.SaveBooking(ctx, b); err != nil {
		return fmt.Errorf("save booking: %w", err)
	}
	s.pub.Publish(models.EventDelayNoticeUpdate, models.DelayNoticePayload{
		BookingID:   b.ID,
		DelayNotice: notice,
	}, realtime.BookingRoom(b.ID))
	return nil
}

func (s *Service) SetChatEnabled(ctx context.Context, bookingID string, enabled bool) error {
	b, err := s.load(ctx, bookingID)
	if err != nil {
		return err
	}
	b.IsChatEnabled = enabled
	if err := s.bookings.SaveBooking(ctx, b); err != nil {
		return fmt.Errorf("save booking: %w", err)
	}
	s.pub.Publish(models.EventBookingStatusUpdate, models.BookingStatusPayload{
		BookingID:     b.ID,
		Status:        b.Status,
		IsChatEnabled: &enabled,
	}, realtime.BookingRoom(b.ID))
	return nil
}

// BusAlert pushes an operational alert about a bus to the admin room.
func (s *Service) BusAlert(busID, message, severity string) {
	s.pub.Publish(models.EventBusAlert, models.BusAlertPayload{
		BusID:    busID,
		Message:  message,
		Severity: severity,
	}, realtime.AdminRoom)
}

func (s *Service) load(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return b, nil
}
