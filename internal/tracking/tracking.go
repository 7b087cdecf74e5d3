// Package tracking gates per-bus location broadcasting: the tracking
// toggle, the assigned-driver role assertion, coordinate validation and
// the fan-out of accepted pings.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/bus-booking/internal/models"
	"github.com/example/bus-booking/internal/observability"
	"github.com/example/bus-booking/internal/realtime"
	"github.com/example/bus-booking/internal/storage"
)

var (
	ErrBusNotFound = errors.New("bus not found")
	// ErrNotAssignedDriver rejects tracking toggles from anyone but the
	// bus's assigned driver.
	ErrNotAssignedDriver = errors.New("caller is not the assigned driver of this bus")
)

type Publisher interface {
	Publish(event string, payload any, rooms ...string)
}

// LocationProducer pushes accepted pings into the ingest pipeline
// (Kafka). Optional: nil disables it.
type LocationProducer interface {
	PublishLocation(loc models.BusLocation) error
}

type Service struct {
	buses    storage.BusStore
	pub      Publisher
	producer LocationProducer
	log      *slog.Logger
	now      func() time.Time
}

func NewService(buses storage.BusStore, pub Publisher, producer LocationProducer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{buses: buses, pub: pub, producer: producer, log: log, now: time.Now}
}

// AssignDriver records which driver owns the bus's tracking session.
// Only that driver's connection may toggle tracking or report pings;
// this replaces any first-connection-wins heuristic.
func (s *Service) AssignDriver(ctx context.Context, busID, driverID string) error {
	bus, err := s.loadBus(ctx, busID)
	if err != nil {
		return err
	}
	bus.DriverID = driverID
	return s.buses.SaveBus(ctx, bus)
}

// SetEnabled flips the tracking flag. Disabling clears the stored
// location so subscribers never resync stale coordinates. The new state
// is broadcast to the bus, admin and driver rooms.
func (s *Service) SetEnabled(ctx context.Context, busID, actorID string, enabled bool) error {
	bus, err := s.loadBus(ctx, busID)
	if err != nil {
		return err
	}
	if bus.DriverID == "" || actorID != bus.DriverID {
		return ErrNotAssignedDriver
	}

	bus.IsTrackingEnabled = enabled
	if !enabled {
		bus.CurrentLocation = nil
	}
	if err := s.buses.SaveBus(ctx, bus); err != nil {
		return fmt.Errorf("save bus: %w", err)
	}

	s.pub.Publish(models.EventTrackingStatusUpdate, models.TrackingStatusPayload{
		BusID:             busID,
		IsTrackingEnabled: enabled,
	}, realtime.BusRoom(busID), realtime.AdminRoom, realtime.DriverRoom)
	return nil
}

// RecordLocation persists and fans out one GPS ping. Pings that arrive
// while tracking is disabled, from anyone but the assigned driver, or
// with out-of-range coordinates are dropped and logged, never surfaced:
// the sender sees silence, subscribers see nothing.
func (s *Service) RecordLocation(ctx context.Context, busID, actorID string, lat, lon float64, ts time.Time) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		observability.LocationUpdatesDropped.Inc()
		s.log.Warn("location dropped: coordinates out of range", "bus_id", busID, "lat", lat, "lon", lon)
		return nil
	}

	bus, err := s.loadBus(ctx, busID)
	if err != nil {
		return err
	}
	if bus.DriverID == "" || actorID != bus.DriverID {
		observability.LocationUpdatesDropped.Inc()
		s.log.Warn("location dropped: not the assigned driver", "bus_id", busID, "actor_id", actorID)
		return nil
	}
	if !bus.IsTrackingEnabled {
		observability.LocationUpdatesDropped.Inc()
		s.log.Debug("location dropped: tracking disabled", "bus_id", busID)
		return nil
	}

	if ts.IsZero() {
		ts = s.now()
	}
	bus.CurrentLocation = &models.GeoPoint{Latitude: lat, Longitude: lon, Timestamp: ts}
	if err := s.buses.SaveBus(ctx, bus); err != nil {
		return fmt.Errorf("save bus: %w", err)
	}
	observability.LocationUpdatesTotal.Inc()

	loc := models.BusLocation{BusID: busID, Latitude: lat, Longitude: lon, Timestamp: ts}
	s.pub.Publish(models.EventLocationUpdate, loc, realtime.BusRoom(busID), realtime.AdminRoom)

	if s.producer != nil {
		if err := s.producer.PublishLocation(loc); err != nil {
			s.log.Warn("location ingest publish failed", "bus_id", busID, "error", err)
		}
	}
	return nil
}

func (s *Service) loadBus(ctx context.Context, busID string) (*models.Bus, error) {
	bus, err := s.buses.GetBus(ctx, busID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrBusNotFound
		}
		return nil, fmt.Errorf("load bus: %w", err)
	}
	return bus, nil
}
