package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/bus-booking/internal/models"
)

// PostgresStore implements Store over database/sql with lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) GetBus(ctx context.Context, id string) (*models.Bus, error) {
	var b models.Bus
	var lat, lon sql.NullFloat64
	var ts sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT id, total_seats, driver_id, is_tracking_enabled, loc_lat, loc_lon, loc_ts
		 FROM buses WHERE id = $1`, id,
	).Scan(&b.ID, &b.TotalSeats, &b.DriverID, &b.IsTrackingEnabled, &lat, &lon, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		b.CurrentLocation = &models.GeoPoint{
			Latitude:  lat.Float64,
			Longitude: lon.Float64,
			Timestamp: ts.Time,
		}
	}
	return &b, nil
}

func (p *PostgresStore) SaveBus(ctx context.Context, b *models.Bus) error {
	var lat, lon sql.NullFloat64
	var ts sql.NullTime
	if b.CurrentLocation != nil {
		lat = sql.NullFloat64{Float64: b.CurrentLocation.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: b.CurrentLocation.Longitude, Valid: true}
		ts = sql.NullTime{Time: b.CurrentLocation.Timestamp, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO buses (id, total_seats, driver_id, is_tracking_enabled, loc_lat, loc_lon, loc_ts)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
		   total_seats = EXCLUDED.total_seats,
		   driver_id = EXCLUDED.driver_id,
		   is_tracking_enabled = EXCLUDED.is_tracking_enabled,
		   loc_lat = EXCLUDED.loc_lat,
		   loc_lon = EXCLUDED.loc_lon,
		   loc_ts = EXCLUDED.loc_ts`,
		b.ID, b.TotalSeats, b.DriverID, b.IsTrackingEnabled, lat, lon, ts)
	return err
}

func (p *PostgresStore) GetSeatState(ctx context.Context, busID, travelDate string) (*models.SeatState, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM buses WHERE id = $1)`, busID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	st := &models.SeatState{}
	var confirmed pq.Int64Array
	err := p.db.QueryRowContext(ctx,
		`SELECT confirmed FROM seat_states WHERE bus_id = $1 AND travel_date = $2`,
		busID, travelDate).Scan(&confirmed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	st.Confirmed = int64sToInts(confirmed)

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner_id, seats, created_at, expires_at
		 FROM seat_holds WHERE bus_id = $1 AND travel_date = $2`,
		busID, travelDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h models.PendingHold
		var seats pq.Int64Array
		if err := rows.Scan(&h.ID, &h.OwnerID, &seats, &h.CreatedAt, &h.ExpiresAt); err != nil {
			return nil, err
		}
		h.Seats = int64sToInts(seats)
		st.Holds = append(st.Holds, h)
	}
	return st, rows.Err()
}

// SaveSeatState replaces the whole seat document for one bus+date. The
// caller (the ledger) holds the per-bus lock, so the delete-and-reinsert
// of holds cannot race another writer of the same bus.
func (p *PostgresStore) SaveSeatState(ctx context.Context, busID, travelDate string, st *models.SeatState) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO seat_states (bus_id, travel_date, confirmed)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (bus_id, travel_date) DO UPDATE SET confirmed = EXCLUDED.confirmed`,
		busID, travelDate, pq.Array(st.Confirmed)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM seat_holds WHERE bus_id = $1 AND travel_date = $2`,
		busID, travelDate); err != nil {
		return err
	}
	for _, h := range st.Holds {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO seat_holds (id, bus_id, travel_date, owner_id, seats, created_at, expires_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			h.ID, busID, travelDate, h.OwnerID, pq.Array(h.Seats), h.CreatedAt, h.ExpiresAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) DeleteHoldsByOwner(ctx context.Context, busID, ownerID string) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM seat_holds WHERE bus_id = $1 AND owner_id = $2`, busID, ownerID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) PruneExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM seat_holds WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	var seats pq.Int64Array
	var members []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, bus_id, travel_date, user_id, driver_id, seats, status,
		        is_chat_enabled, delay_notice, cancellation_reason,
		        is_group, group_lead_user_id, group_members, created_at
		 FROM bookings WHERE id = $1`, id,
	).Scan(&b.ID, &b.BusID, &b.TravelDate, &b.UserID, &b.DriverID, &seats, &b.Status,
		&b.IsChatEnabled, &b.DelayNotice, &b.CancellationReason,
		&b.IsGroupBooking, &b.GroupLeadUserID, &members, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.SeatsBooked = int64sToInts(seats)
	if len(members) > 0 {
		if err := json.Unmarshal(members, &b.GroupMembers); err != nil {
			return nil, fmt.Errorf("decode group members: %w", err)
		}
	}
	return &b, nil
}

func (p *PostgresStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	members, err := json.Marshal(b.GroupMembers)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO bookings (id, bus_id, travel_date, user_id, driver_id, seats, status,
		                       is_chat_enabled, delay_notice, cancellation_reason,
		                       is_group, group_lead_user_id, group_members, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   is_chat_enabled = EXCLUDED.is_chat_enabled,
		   delay_notice = EXCLUDED.delay_notice,
		   cancellation_reason = EXCLUDED.cancellation_reason,
		   group_members = EXCLUDED.group_members`,
		b.ID, b.BusID, b.TravelDate, b.UserID, b.DriverID, pq.Array(b.SeatsBooked), b.Status,
		b.IsChatEnabled, b.DelayNotice, b.CancellationReason,
		b.IsGroupBooking, b.GroupLeadUserID, members, b.CreatedAt)
	return err
}

func (p *PostgresStore) SaveMessage(ctx context.Context, m *models.Message) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO messages (id, booking_id, sender_id, sender_name, sender_role,
		                       content, sent_at, client_temp_id, read_by, is_group)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.BookingID, m.SenderID, m.SenderName, m.SenderRole,
		m.Content, m.Timestamp, m.ClientTempID, pq.Array(m.ReadBy), m.IsGroup)
	return err
}

func (p *PostgresStore) MessagesByBooking(ctx context.Context, bookingID string) ([]*models.Message, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, booking_id, sender_id, sender_name, sender_role,
		        content, sent_at, client_temp_id, read_by, is_group
		 FROM messages WHERE booking_id = $1 ORDER BY sent_at`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var readBy pq.StringArray
		if err := rows.Scan(&m.ID, &m.BookingID, &m.SenderID, &m.SenderName, &m.SenderRole,
			&m.Content, &m.Timestamp, &m.ClientTempID, &readBy, &m.IsGroup); err != nil {
			return nil, err
		}
		m.ReadBy = []string(readBy)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddReadBy(ctx context.Context, bookingID, readerID string) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE messages SET read_by = array_append(read_by, $2)
		 WHERE booking_id = $1 AND NOT ($2 = ANY(read_by))`,
		bookingID, readerID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func int64sToInts(in []int64) []int {
	if in == nil {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
