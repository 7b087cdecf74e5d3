package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bus-booking/internal/models"
	"github.com/example/bus-booking/internal/storage"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	event   string
	payload any
	rooms   []string
}

func (p *capturePublisher) Publish(event string, payload any, rooms ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{event: event, payload: payload, rooms: rooms})
}

func (p *capturePublisher) all() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

type fakeBookings struct {
	mu      sync.Mutex
	created []*models.Booking
	fail    error
}

func (f *fakeBookings) CreateBooking(ctx context.Context, busID, travelDate, ownerID string, seats []int) (*models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	b := &models.Booking{
		ID:          uuid.NewString(),
		BusID:       busID,
		TravelDate:  travelDate,
		UserID:      ownerID,
		SeatsBooked: seats,
		Status:      models.BookingConfirmed,
	}
	f.created = append(f.created, b)
	return b, nil
}

const testDate = "2026-09-01"

func newTestLedger(t *testing.T, totalSeats int) (*Ledger, *storage.MemoryStore, *capturePublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveBus(context.Background(), &models.Bus{ID: "bus1", TotalSeats: totalSeats}))
	pub := &capturePublisher{}
	l := New(store, &fakeBookings{}, pub, 5*time.Minute, nil)
	return l, store, pub
}

func TestTryReserveSucceedsOnFreeSeats(t *testing.T) {
	l, _, _ := newTestLedger(t, 54)

	res, err := l.TryReserve(context.Background(), "bus1", testDate, []int{41, 42}, "ownerA")
	require.NoError(t, err)
	assert.Equal(t, []int{41, 42}, res.Seats)
	assert.NotEmpty(t, res.HoldID)
	assert.True(t, res.ExpiresAt.After(time.Now()))
}

func TestTryReserveValidation(t *testing.T) {
	l, _, _ := newTestLedger(t, 10)
	ctx := context.Background()

	var invalid *ValidationError

	_, err := l.TryReserve(ctx, "bus1", testDate, nil, "ownerA")
	require.ErrorAs(t, err, &invalid)

	_, err = l.TryReserve(ctx, "bus1", testDate, []int{0}, "ownerA")
	require.ErrorAs(t, err, &invalid)

	_, err = l.TryReserve(ctx, "bus1", testDate, []int{11}, "ownerA")
	require.ErrorAs(t, err, &invalid)

	_, err = l.TryReserve(ctx, "bus1", testDate, []int{1}, "")
	require.ErrorAs(t, err, &invalid)
}

func TestTryReserveConflictListsOverlapAndAvailability(t *testing.T) {
	l, store, _ := newTestLedger(t, 54)
	ctx := context.Background()

	// 40 seats already confirmed.
	confirmed := make([]int, 40)
	for i := range confirmed {
		confirmed[i] = i + 1
	}
	require.NoError(t, store.SaveSeatState(ctx, "bus1", testDate, &models.SeatState{Confirmed: confirmed}))

	_, err := l.TryReserve(ctx, "bus1", testDate, []int{41, 42}, "ownerA")
	require.NoError(t, err)

	_, err = l.TryReserve(ctx, "bus1", testDate, []int{42, 43}, "ownerC")
	var conflict *SeatConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []int{42}, conflict.Conflicting)
	// available excludes the 40 confirmed and A's held {41,42}.
	assert.Equal(t, []int{43, 44, 45, 46, 47, 48, 49, 50, 51, 52, 53, 54}, conflict.Available)
}

func TestConcurrentOverlappingReservesOnlyOneWins(t *testing.T) {
	l, _, _ := newTestLedger(t, 54)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	successes := make(chan string, workers)
	conflicts := make(chan error, workers)

	for i := 0; i < workers; i++ {
		owner := string(rune('a' + i))
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			_, err := l.TryReserve(ctx, "bus1", testDate, []int{7, 8}, owner)
			if err == nil {
				successes <- owner
				return
			}
			conflicts <- err
		}(owner)
	}
	wg.Wait()
	close(successes)
	close(conflicts)

	assert.Equal(t, 1, len(successes), "exactly one owner must win the overlapping seats")
	for err := range conflicts {
		var conflict *SeatConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Subset(t, []int{7, 8}, conflict.Conflicting)
	}
}

func TestSameOwnerReplacesOwnHold(t *testing.T) {
	l, store, _ := newTestLedger(t, 20)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, "bus1", testDate, []int{1, 2}, "ownerA")
	require.NoError(t, err)
	// same owner re-selecting overlapping seats is not a conflict
	_, err = l.TryReserve(ctx, "bus1", testDate, []int{2, 3}, "ownerA")
	require.NoError(t, err)

	st, err := store.GetSeatState(ctx, "bus1", testDate)
	require.NoError(t, err)
	require.Len(t, st.Holds, 1, "owner keeps a single live hold")
	assert.Equal(t, []int{2, 3}, st.Holds[0].Seats)
}

func TestCommitRoundTrip(t *testing.T) {
	l, store, pub := newTestLedger(t, 54)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, "bus1", testDate, []int{41, 42}, "ownerA")
	require.NoError(t, err)

	b, err := l.Commit(ctx, "bus1", testDate, []int{41, 42}, "ownerA")
	require.NoError(t, err)
	assert.Equal(t, []int{41, 42}, b.SeatsBooked)

	st, err := store.GetSeatState(ctx, "bus1", testDate)
	require.NoError(t, err)
	assert.Equal(t, []int{41, 42}, st.Confirmed)
	assert.Empty(t, st.Holds, "hold must be deleted on commit")

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventSeatUpdate, events[0].event)
	assert.Equal(t, []string{"bus:bus1"}, events[0].rooms)
	payload := events[0].payload.(models.SeatUpdatePayload)
	assert.Contains(t, payload.BookedSeats, 41)
	assert.Contains(t, payload.BookedSeats, 42)
}

func TestCommitAfterExpiryFailsAndSeatsFreeUp(t *testing.T) {
	l, _, _ := newTestLedger(t, 20)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	_, err := l.TryReserve(ctx, "bus1", testDate, []int{5, 6}, "ownerA")
	require.NoError(t, err)

	// past the checkout window
	l.now = func() time.Time { return base.Add(6 * time.Minute) }

	_, err = l.Commit(ctx, "bus1", testDate, []int{5, 6}, "ownerA")
	require.ErrorIs(t, err, ErrNoValidHold)

	// the seats are reservable by someone else now
	_, err = l.TryReserve(ctx, "bus1", testDate, []int{5, 6}, "ownerB")
	require.NoError(t, err)
}

func TestCommitWithoutHoldFails(t *testing.T) {
	l, _, _ := newTestLedger(t, 20)

	_, err := l.Commit(context.Background(), "bus1", testDate, []int{1}, "ownerA")
	require.ErrorIs(t, err, ErrNoValidHold)
}

func TestCommitRequiresCoveringHold(t *testing.T) {
	l, _, _ := newTestLedger(t, 20)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, "bus1", testDate, []int{1, 2}, "ownerA")
	require.NoError(t, err)

	_, err = l.Commit(ctx, "bus1", testDate, []int{1, 2, 3}, "ownerA")
	require.ErrorIs(t, err, ErrNoValidHold)

	// a subset of the held seats is fine
	_, err = l.Commit(ctx, "bus1", testDate, []int{1}, "ownerA")
	require.NoError(t, err)
}

func TestReleaseIsIdempotentAndScopedToOwner(t *testing.T) {
	l, store, _ := newTestLedger(t, 20)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, "bus1", testDate, []int{1, 2}, "ownerA")
	require.NoError(t, err)
	_, err = l.TryReserve(ctx, "bus1", testDate, []int{3, 4}, "ownerB")
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, "bus1", "ownerA"))
	require.NoError(t, l.Release(ctx, "bus1", "ownerA")) // second call is a no-op
	require.NoError(t, l.Release(ctx, "bus1", "nobody")) // never-held owner

	st, err := store.GetSeatState(ctx, "bus1", testDate)
	require.NoError(t, err)
	require.Len(t, st.Holds, 1, "ownerB's hold must survive")
	assert.Equal(t, "ownerB", st.Holds[0].OwnerID)
}

func TestAvailabilitySnapshotMatchesLedgerState(t *testing.T) {
	l, _, _ := newTestLedger(t, 10)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, "bus1", testDate, []int{1, 2}, "ownerA")
	require.NoError(t, err)
	_, err = l.Commit(ctx, "bus1", testDate, []int{1, 2}, "ownerA")
	require.NoError(t, err)
	_, err = l.TryReserve(ctx, "bus1", testDate, []int{3}, "ownerB")
	require.NoError(t, err)

	snap, err := l.Availability(ctx, "bus1", testDate)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.TotalSeats)
	assert.Equal(t, []int{1, 2}, snap.Booked)
	assert.Equal(t, []int{3}, snap.Held)
	assert.Equal(t, []int{4, 5, 6, 7, 8, 9, 10}, snap.Available)
}

func TestReserveUnknownBus(t *testing.T) {
	l, _, _ := newTestLedger(t, 10)

	_, err := l.TryReserve(context.Background(), "ghost", testDate, []int{1}, "ownerA")
	require.ErrorIs(t, err, ErrBusNotFound)
}

func TestCommitRollsBackWhenBookingCreationFails(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveBus(context.Background(), &models.Bus{ID: "bus1", TotalSeats: 10}))
	boom := errors.New("booking backend down")
	fb := &fakeBookings{fail: boom}
	l := New(store, fb, &capturePublisher{}, time.Minute, nil)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, "bus1", testDate, []int{1, 2}, "ownerA")
	require.NoError(t, err)
	_, err = l.Commit(ctx, "bus1", testDate, []int{1, 2}, "ownerA")
	require.ErrorIs(t, err, boom)

	// nothing confirmed, the hold survives
	st, err := store.GetSeatState(ctx, "bus1", testDate)
	require.NoError(t, err)
	assert.Empty(t, st.Confirmed, "seats must not stay confirmed without a booking")
	require.Len(t, st.Holds, 1)
	assert.Equal(t, "ownerA", st.Holds[0].OwnerID)

	// once the collaborator recovers, the same commit goes through
	fb.fail = nil
	b, err := l.Commit(ctx, "bus1", testDate, []int{1, 2}, "ownerA")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, b.SeatsBooked)
}
