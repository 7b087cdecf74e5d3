package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bus-booking/internal/models"
	"github.com/example/bus-booking/internal/realtime"
	"github.com/example/bus-booking/internal/storage"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	event   string
	payload any
	rooms   []string
}

func (p *capturePublisher) Publish(event string, payload any, rooms ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{event: event, payload: payload, rooms: rooms})
}

func (p *capturePublisher) all() []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capturedEvent(nil), p.events...)
}

type captureProducer struct {
	mu   sync.Mutex
	locs []models.BusLocation
}

func (p *captureProducer) PublishLocation(loc models.BusLocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locs = append(p.locs, loc)
	return nil
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *capturePublisher, *captureProducer) {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveBus(context.Background(), &models.Bus{ID: "bus1", TotalSeats: 40, DriverID: "driver1"}))
	pub := &capturePublisher{}
	producer := &captureProducer{}
	return NewService(store, pub, producer, nil), store, pub, producer
}

func TestSetEnabledBroadcastsToWatcherRooms(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetEnabled(ctx, "bus1", "driver1", true))

	events := pub.all()
	require.Len(t, events, 1, "exactly one status broadcast per toggle")
	assert.Equal(t, models.EventTrackingStatusUpdate, events[0].event)
	assert.Equal(t, []string{realtime.BusRoom("bus1"), realtime.AdminRoom, realtime.DriverRoom}, events[0].rooms)
	payload := events[0].payload.(models.TrackingStatusPayload)
	assert.True(t, payload.IsTrackingEnabled)

	bus, err := store.GetBus(ctx, "bus1")
	require.NoError(t, err)
	assert.True(t, bus.IsTrackingEnabled)
}

func TestSetEnabledOnlyForAssignedDriver(t *testing.T) {
	svc, _, pub, _ := newTestService(t)

	err := svc.SetEnabled(context.Background(), "bus1", "driver2", true)
	require.ErrorIs(t, err, ErrNotAssignedDriver)
	assert.Empty(t, pub.all())
}

func TestDisableClearsStoredLocation(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetEnabled(ctx, "bus1", "driver1", true))
	require.NoError(t, svc.RecordLocation(ctx, "bus1", "driver1", 12.97, 77.59, time.Now()))

	bus, err := store.GetBus(ctx, "bus1")
	require.NoError(t, err)
	require.NotNil(t, bus.CurrentLocation)

	require.NoError(t, svc.SetEnabled(ctx, "bus1", "driver1", false))

	bus, err = store.GetBus(ctx, "bus1")
	require.NoError(t, err)
	assert.Nil(t, bus.CurrentLocation, "resync must never serve stale coordinates")
}

func TestRecordLocationPersistsBroadcastsAndIngests(t *testing.T) {
	svc, store, pub, producer := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetEnabled(ctx, "bus1", "driver1", true))

	ts := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)
	require.NoError(t, svc.RecordLocation(ctx, "bus1", "driver1", 12.9716, 77.5946, ts))

	bus, err := store.GetBus(ctx, "bus1")
	require.NoError(t, err)
	require.NotNil(t, bus.CurrentLocation)
	assert.Equal(t, 12.9716, bus.CurrentLocation.Latitude)
	assert.Equal(t, ts, bus.CurrentLocation.Timestamp)

	var locEvents []capturedEvent
	for _, e := range pub.all() {
		if e.event == models.EventLocationUpdate {
			locEvents = append(locEvents, e)
		}
	}
	require.Len(t, locEvents, 1)
	assert.Equal(t, []string{realtime.BusRoom("bus1"), realtime.AdminRoom}, locEvents[0].rooms)

	producer.mu.Lock()
	defer producer.mu.Unlock()
	require.Len(t, producer.locs, 1)
	assert.Equal(t, "bus1", producer.locs[0].BusID)
}

func TestRecordLocationDroppedWhileDisabled(t *testing.T) {
	svc, store, pub, producer := newTestService(t)
	ctx := context.Background()

	// tracking was never enabled; the ping is swallowed, not an error
	require.NoError(t, svc.RecordLocation(ctx, "bus1", "driver1", 12.97, 77.59, time.Now()))

	bus, err := store.GetBus(ctx, "bus1")
	require.NoError(t, err)
	assert.Nil(t, bus.CurrentLocation, "nothing persisted")
	assert.Empty(t, pub.all(), "nothing broadcast")
	producer.mu.Lock()
	defer producer.mu.Unlock()
	assert.Empty(t, producer.locs, "nothing ingested")
}

func TestRecordLocationDroppedFromWrongDriver(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetEnabled(ctx, "bus1", "driver1", true))
	pub.events = nil

	require.NoError(t, svc.RecordLocation(ctx, "bus1", "impostor", 12.97, 77.59, time.Now()))

	bus, err := store.GetBus(ctx, "bus1")
	require.NoError(t, err)
	assert.Nil(t, bus.CurrentLocation)
	assert.Empty(t, pub.all())
}

func TestRecordLocationDroppedOutOfRange(t *testing.T) {
	svc, _, pub, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetEnabled(ctx, "bus1", "driver1", true))
	pub.events = nil

	for _, c := range []struct{ lat, lon float64 }{
		{91, 0}, {-91, 0}, {0, 181}, {0, -181},
	} {
		require.NoError(t, svc.RecordLocation(ctx, "bus1", "driver1", c.lat, c.lon, time.Now()))
	}
	assert.Empty(t, pub.all())
}

func TestRecordLocationUnknownBus(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	err := svc.RecordLocation(context.Background(), "ghost", "driver1", 1, 1, time.Now())
	require.ErrorIs(t, err, ErrBusNotFound)
}

func TestAssignDriverReplacesPrevious(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AssignDriver(ctx, "bus1", "driver2"))

	require.ErrorIs(t, svc.SetEnabled(ctx, "bus1", "driver1", true), ErrNotAssignedDriver)
	require.NoError(t, svc.SetEnabled(ctx, "bus1", "driver2", true))
}

func TestRecordLocationZeroTimestampGetsServerClock(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetEnabled(ctx, "bus1", "driver1", true))

	serverNow := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return serverNow }

	require.NoError(t, svc.RecordLocation(ctx, "bus1", "driver1", 10, 10, time.Time{}))

	bus, err := store.GetBus(ctx, "bus1")
	require.NoError(t, err)
	require.NotNil(t, bus.CurrentLocation)
	assert.Equal(t, serverNow, bus.CurrentLocation.Timestamp)
}
