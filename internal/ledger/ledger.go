// Package ledger owns per-bus seat state: confirmed bookings plus
// short-lived pending holds with expiry. Every check-then-act on a
// bus's seats runs under that bus's mutex, so two concurrent requests
// for overlapping seats can never both succeed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/bus-booking/internal/models"
	"github.com/example/bus-booking/internal/observability"
	"github.com/example/bus-booking/internal/realtime"
	"github.com/example/bus-booking/internal/storage"
)

// DefaultHoldTTL is the checkout window a hold stays live without a
// commit. Override via config (HOLD_TTL).
const DefaultHoldTTL = 7 * time.Minute

// Publisher is the broadcast surface the ledger needs; satisfied by
// realtime.Broadcaster.
type Publisher interface {
	Publish(event string, payload any, rooms ...string)
}

// BookingCreator is the out-of-scope booking-creation collaborator
// invoked when a hold is folded into confirmed seats.
type BookingCreator interface {
	CreateBooking(ctx context.Context, busID, travelDate, ownerID string, seats []int) (*models.Booking, error)
}

// HoldResult describes a successful reservation.
type HoldResult struct {
	HoldID    string    `json:"holdId"`
	Seats     []int     `json:"seats"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Snapshot is the resync read of one bus+date, served from the same
// state the broadcast path mutates.
type Snapshot struct {
	BusID      string `json:"busId"`
	TravelDate string `json:"travelDate"`
	TotalSeats int    `json:"totalSeats"`
	Booked     []int  `json:"bookedSeats"`
	Held       []int  `json:"heldSeats"`
	Available  []int  `json:"availableSeats"`
}

type Ledger struct {
	store    storage.BusStore
	bookings BookingCreator
	pub      Publisher
	holdTTL  time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	busLocks map[string]*sync.Mutex
}

func New(store storage.BusStore, bookings BookingCreator, pub Publisher, holdTTL time.Duration, log *slog.Logger) *Ledger {
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:    store,
		bookings: bookings,
		pub:      pub,
		holdTTL:  holdTTL,
		log:      log,
		now:      time.Now,
		busLocks: make(map[string]*sync.Mutex),
	}
}

// lockBus returns the serialization mutex for one bus, creating it on
// first use. All seat mutation for a bus funnels through this lock.
// Entries are never removed; the map grows to the fleet size, one small
// mutex per bus ever touched.
func (l *Ledger) lockBus(busID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.busLocks[busID]
	if !ok {
		m = &sync.Mutex{}
		l.busLocks[busID] = m
	}
	return m
}

// TryReserve atomically creates (or replaces) the owner's hold on the
// requested seats. On overlap with confirmed seats or someone else's
// live hold it fails with *SeatConflictError listing the exact
// conflicting seats and the current availability.
func (l *Ledger) TryReserve(ctx context.Context, busID, travelDate string, seats []int, ownerID string) (HoldResult, error) {
	req, err := normalizeSeats(seats)
	if err != nil {
		return HoldResult{}, err
	}
	if ownerID == "" {
		return HoldResult{}, &ValidationError{Reason: "owner id required"}
	}

	mu := l.lockBus(busID)
	mu.Lock()
	defer mu.Unlock()

	bus, st, err := l.loadState(ctx, busID, travelDate)
	if err != nil {
		return HoldResult{}, err
	}
	for _, s := range req {
		if s < 1 || s > bus.TotalSeats {
			return HoldResult{}, &ValidationError{Reason: fmt.Sprintf("seat %d out of range 1..%d", s, bus.TotalSeats)}
		}
	}

	unavailable := make(map[int]bool)
	taken := make(map[int]bool) // confirmed or held by anyone, for the availability list
	for _, s := range st.Confirmed {
		unavailable[s] = true
		taken[s] = true
	}
	for _, h := range st.Holds {
		for _, s := range h.Seats {
			taken[s] = true
			if h.OwnerID != ownerID {
				unavailable[s] = true
			}
		}
	}

	var conflict []int
	for _, s := range req {
		if unavailable[s] {
			conflict = append(conflict, s)
		}
	}
	if len(conflict) > 0 {
		observability.SeatConflictsTotal.Inc()
		return HoldResult{}, &SeatConflictError{
			Conflicting: conflict,
			Available:   availableSeats(bus.TotalSeats, taken),
		}
	}

	// Replace any prior hold by this owner so an owner has at most one
	// live hold per bus+date.
	kept := st.Holds[:0]
	for _, h := range st.Holds {
		if h.OwnerID != ownerID {
			kept = append(kept, h)
		}
	}
	now := l.now()
	hold := models.PendingHold{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Seats:     req,
		CreatedAt: now,
		ExpiresAt: now.Add(l.holdTTL),
	}
	st.Holds = append(kept, hold)

	if err := l.store.SaveSeatState(ctx, busID, travelDate, st); err != nil {
		return HoldResult{}, fmt.Errorf("save seat state: %w", err)
	}
	observability.ReservationsTotal.Inc()
	return HoldResult{HoldID: hold.ID, Seats: req, ExpiresAt: hold.ExpiresAt}, nil
}

// Commit folds the owner's live hold into the confirmed set, deletes
// the hold, creates the booking through the injected collaborator and
// broadcasts the new seat map to the bus room.
func (l *Ledger) Commit(ctx context.Context, busID, travelDate string, seats []int, ownerID string) (*models.Booking, error) {
	req, err := normalizeSeats(seats)
	if err != nil {
		return nil, err
	}

	mu := l.lockBus(busID)
	mu.Lock()
	defer mu.Unlock()

	_, st, err := l.loadState(ctx, busID, travelDate)
	if err != nil {
		return nil, err
	}

	holdIdx := -1
	for i, h := range st.Holds {
		if h.OwnerID == ownerID && coversAll(h.Seats, req) {
			holdIdx = i
			break
		}
	}
	if holdIdx < 0 {
		return nil, ErrNoValidHold
	}

	prevConfirmed := append([]int(nil), st.Confirmed...)
	prevHolds := append([]models.PendingHold(nil), st.Holds...)

	st.Holds = append(st.Holds[:holdIdx], st.Holds[holdIdx+1:]...)
	st.Confirmed = mergeSorted(st.Confirmed, req)

	if err := l.store.SaveSeatState(ctx, busID, travelDate, st); err != nil {
		return nil, fmt.Errorf("save seat state: %w", err)
	}

	booking, err := l.bookings.CreateBooking(ctx, busID, travelDate, ownerID, req)
	if err != nil {
		// Roll the seat document back so the hold stays live and the
		// seats never end up confirmed without a booking.
		st.Confirmed = prevConfirmed
		st.Holds = prevHolds
		if rerr := l.store.SaveSeatState(ctx, busID, travelDate, st); rerr != nil {
			l.log.Error("seat state rollback failed", "bus_id", busID, "travel_date", travelDate, "error", rerr)
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}

	observability.CommitsTotal.Inc()
	if l.pub != nil {
		l.pub.Publish(models.EventSeatUpdate, models.SeatUpdatePayload{
			BusID:       busID,
			TravelDate:  travelDate,
			BookedSeats: st.Confirmed,
		}, realtime.BusRoom(busID))
	}
	return booking, nil
}

// Release drops any hold the owner has on the bus. Idempotent: a
// missing hold is not an error and other owners' holds are untouched.
func (l *Ledger) Release(ctx context.Context, busID, ownerID string) error {
	mu := l.lockBus(busID)
	mu.Lock()
	defer mu.Unlock()

	n, err := l.store.DeleteHoldsByOwner(ctx, busID, ownerID)
	if err != nil {
		return fmt.Errorf("release holds: %w", err)
	}
	if n > 0 {
		l.log.Debug("holds released", "bus_id", busID, "owner_id", ownerID, "count", n)
	}
	return nil
}

// Availability is the resync read path: a consistent view of the same
// seat state the reserve/commit path mutates.
func (l *Ledger) Availability(ctx context.Context, busID, travelDate string) (Snapshot, error) {
	mu := l.lockBus(busID)
	mu.Lock()
	defer mu.Unlock()

	bus, st, err := l.loadState(ctx, busID, travelDate)
	if err != nil {
		return Snapshot{}, err
	}

	taken := make(map[int]bool)
	var held []int
	for _, s := range st.Confirmed {
		taken[s] = true
	}
	for _, h := range st.Holds {
		for _, s := range h.Seats {
			if !taken[s] {
				held = append(held, s)
			}
			taken[s] = true
		}
	}
	sort.Ints(held)
	return Snapshot{
		BusID:      busID,
		TravelDate: travelDate,
		TotalSeats: bus.TotalSeats,
		Booked:     st.Confirmed,
		Held:       held,
		Available:  availableSeats(bus.TotalSeats, taken),
	}, nil
}

// StartSweeper runs the optional periodic hygiene sweep; expiry is
// already enforced lazily on every access, this just keeps the store
// from accumulating dead rows. Returns when ctx is done.
func (l *Ledger) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := l.store.PruneExpiredHolds(ctx, l.now())
			if err != nil {
				l.log.Warn("hold sweep failed", "error", err)
				continue
			}
			if n > 0 {
				l.log.Info("expired holds swept", "count", n)
			}
		}
	}
}

// loadState fetches the bus and its seat document with expired holds
// already filtered out. Callers hold the bus lock.
func (l *Ledger) loadState(ctx context.Context, busID, travelDate string) (*models.Bus, *models.SeatState, error) {
	bus, err := l.store.GetBus(ctx, busID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrBusNotFound
		}
		return nil, nil, fmt.Errorf("load bus: %w", err)
	}
	st, err := l.store.GetSeatState(ctx, busID, travelDate)
	if err != nil {
		return nil, nil, fmt.Errorf("load seat state: %w", err)
	}
	now := l.now()
	live := st.Holds[:0]
	for _, h := range st.Holds {
		if !h.Expired(now) {
			live = append(live, h)
		}
	}
	st.Holds = live
	return bus, st, nil
}

func normalizeSeats(seats []int) ([]int, error) {
	if len(seats) == 0 {
		return nil, &ValidationError{Reason: "no seats selected"}
	}
	seen := make(map[int]bool, len(seats))
	out := make([]int, 0, len(seats))
	for _, s := range seats {
		if s < 1 {
			return nil, &ValidationError{Reason: fmt.Sprintf("seat %d out of range", s)}
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Ints(out)
	return out, nil
}

func availableSeats(total int, taken map[int]bool) []int {
	out := make([]int, 0, total-len(taken))
	for s := 1; s <= total; s++ {
		if !taken[s] {
			out = append(out, s)
		}
	}
	return out
}

func coversAll(have, want []int) bool {
	set := make(map[int]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range want {
		if !set[s] {
			return false
		}
	}
	return true
}

func mergeSorted(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Ints(out)
	return out
}
