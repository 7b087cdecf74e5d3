package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/bus-booking/internal/models"
)

var ErrNotFound = errors.New("not found")

// BusStore persists buses and their per-date seat documents. Seat state
// mutation is always a read of the whole document followed by a full
// write; the ledger serializes those per bus, the store only has to make
// each individual call atomic.
type BusStore interface {
	GetBus(ctx context.Context, id string) (*models.Bus, error)
	SaveBus(ctx context.Context, b *models.Bus) error
	GetSeatState(ctx context.Context, busID, travelDate string) (*models.SeatState, error)
	SaveSeatState(ctx context.Context, busID, travelDate string, st *models.SeatState) error
	// DeleteHoldsByOwner removes every hold the owner has on the bus,
	// any travel date, and reports how many were removed.
	DeleteHoldsByOwner(ctx context.Context, busID, ownerID string) (int, error)
	// PruneExpiredHolds garbage-collects holds whose expiry has passed.
	// Expiry is enforced lazily on read; this only keeps the store tidy.
	PruneExpiredHolds(ctx context.Context, now time.Time) (int, error)
}

type BookingStore interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	SaveBooking(ctx context.Context, b *models.Booking) error
}

type MessageStore interface {
	SaveMessage(ctx context.Context, m *models.Message) error
	MessagesByBooking(ctx context.Context, bookingID string) ([]*models.Message, error)
	// AddReadBy appends readerID to readBy on every message of the
	// booking that doesn't already carry it; returns messages touched.
	AddReadBy(ctx context.Context, bookingID, readerID string) (int, error)
}

// Store is the full persistence surface the server wires together.
type Store interface {
	BusStore
	BookingStore
	MessageStore
}

// MemoryStore backs the kernel with mutex-guarded maps. It is the
// default when no PG_DSN is configured and the fixture store in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	buses    map[string]*models.Bus
	seats    map[string]*models.SeatState // busID + "|" + travelDate
	bookings map[string]*models.Booking
	messages map[string][]*models.Message // by bookingID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buses:    make(map[string]*models.Bus),
		seats:    make(map[string]*models.SeatState),
		bookings: make(map[string]*models.Booking),
		messages: make(map[string][]*models.Message),
	}
}

func seatKey(busID, travelDate string) string { return busID + "|" + travelDate }

func (m *MemoryStore) GetBus(ctx context.Context, id string) (*models.Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	if b.CurrentLocation != nil {
		loc := *b.CurrentLocation
		cp.CurrentLocation = &loc
	}
	return &cp, nil
}

func (m *MemoryStore) SaveBus(ctx context.Context, b *models.Bus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	if b.CurrentLocation != nil {
		loc := *b.CurrentLocation
		cp.CurrentLocation = &loc
	}
	m.buses[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSeatState(ctx context.Context, busID, travelDate string) (*models.SeatState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.buses[busID]; !ok {
		return nil, ErrNotFound
	}
	st, ok := m.seats[seatKey(busID, travelDate)]
	if !ok {
		return &models.SeatState{}, nil
	}
	return copySeatState(st), nil
}

func (m *MemoryStore) SaveSeatState(ctx context.Context, busID, travelDate string, st *models.SeatState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buses[busID]; !ok {
		return ErrNotFound
	}
	m.seats[seatKey(busID, travelDate)] = copySeatState(st)
	return nil
}

func (m *MemoryStore) DeleteHoldsByOwner(ctx context.Context, busID, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	prefix := busID + "|"
	for key, st := range m.seats {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		kept := st.Holds[:0]
		for _, h := range st.Holds {
			if h.OwnerID == ownerID {
				removed++
				continue
			}
			kept = append(kept, h)
		}
		st.Holds = kept
	}
	return removed, nil
}

func (m *MemoryStore) PruneExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for _, st := range m.seats {
		kept := st.Holds[:0]
		for _, h := range st.Holds {
			if h.Expired(now) {
				pruned++
				continue
			}
			kept = append(kept, h)
		}
		st.Holds = kept
	}
	return pruned, nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	cp.SeatsBooked = append([]int(nil), b.SeatsBooked...)
	cp.GroupMembers = append([]models.GroupMember(nil), b.GroupMembers...)
	return &cp, nil
}

func (m *MemoryStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	cp.SeatsBooked = append([]int(nil), b.SeatsBooked...)
	cp.GroupMembers = append([]models.GroupMember(nil), b.GroupMembers...)
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	cp.ReadBy = append([]string(nil), msg.ReadBy...)
	m.messages[msg.BookingID] = append(m.messages[msg.BookingID], &cp)
	return nil
}

func (m *MemoryStore) MessagesByBooking(ctx context.Context, bookingID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[bookingID]
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		cp.ReadBy = append([]string(nil), msg.ReadBy...)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) AddReadBy(ctx context.Context, bookingID, readerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := 0
	for _, msg := range m.messages[bookingID] {
		if containsString(msg.ReadBy, readerID) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, readerID)
		touched++
	}
	return touched, nil
}

func copySeatState(st *models.SeatState) *models.SeatState {
	cp := &models.SeatState{
		Confirmed: append([]int(nil), st.Confirmed...),
		Holds:     make([]models.PendingHold, len(st.Holds)),
	}
	for i, h := range st.Holds {
		hc := h
		hc.Seats = append([]int(nil), h.Seats...)
		cp.Holds[i] = hc
	}
	return cp
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
