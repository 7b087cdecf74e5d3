package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/bus-booking/internal/booking"
	"github.com/example/bus-booking/internal/chat"
	"github.com/example/bus-booking/internal/config"
	"github.com/example/bus-booking/internal/ledger"
	"github.com/example/bus-booking/internal/models"
	"github.com/example/bus-booking/internal/payments"
	"github.com/example/bus-booking/internal/realtime"
	"github.com/example/bus-booking/internal/storage"
	"github.com/example/bus-booking/internal/tracking"
)

// Server wires the kernel components behind the HTTP and websocket
// surfaces. Route handlers stay thin: decode, call a component, encode.
type Server struct {
	cfg         config.ServerConfig
	logger      *slog.Logger
	store       storage.Store
	ledger      *ledger.Ledger
	chat        *chat.Relay
	tracking    *tracking.Service
	bookings    *booking.Service
	registry    *realtime.Registry
	broadcaster *realtime.Broadcaster
	payments    *payments.StripeClient
	locations   *storage.LocationCache

	mux      *mux.Router
	upgrader websocket.Upgrader
}

type Deps struct {
	Store       storage.Store
	Ledger      *ledger.Ledger
	Chat        *chat.Relay
	Tracking    *tracking.Service
	Bookings    *booking.Service
	Registry    *realtime.Registry
	Broadcaster *realtime.Broadcaster
	Payments    *payments.StripeClient
	Locations   *storage.LocationCache
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, d Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		store:       d.Store,
		ledger:      d.Ledger,
		chat:        d.Chat,
		tracking:    d.Tracking,
		bookings:    d.Bookings,
		registry:    d.Registry,
		broadcaster: d.Broadcaster,
		payments:    d.Payments,
		locations:   d.Locations,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/bus/{id}/reserve-seats", s.handleReserveSeats).Methods("POST")
	s.mux.HandleFunc("/api/v1/bus/{id}/commit", s.handleCommit).Methods("POST")
	s.mux.HandleFunc("/api/v1/bus/{id}/hold", s.handleRelease).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/bus/{id}/seats", s.handleSeats).Methods("GET")
	s.mux.HandleFunc("/api/v1/bus/{id}/location", s.handleBusLocation).Methods("GET")
	s.mux.HandleFunc("/api/v1/bus/{id}", s.handleGetBus).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{id}/status", s.handleBookingStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/delay", s.handleDelayNotice).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/messages", s.handleMessages).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type reserveRequest struct {
	TravelDate string `json:"travelDate"`
	Seats      []int  `json:"seats"`
	OwnerID    string `json:"ownerId"`

	// Optional payment fields; when present and Stripe is configured,
	// funds are held for the checkout window alongside the seat hold.
	Amount     int64  `json:"amount,omitempty"`
	Currency   string `json:"currency,omitempty"`
	CustomerID string `json:"customerId,omitempty"`
}

type reserveResponse struct {
	ledger.HoldResult
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
}

func (s *Server) handleReserveSeats(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["id"]
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.ledger.TryReserve(r.Context(), busID, req.TravelDate, req.Seats, req.OwnerID)
	if err != nil {
		var conflict *ledger.SeatConflictError
		var invalid *ledger.ValidationError
		switch {
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":            "seat_conflict",
				"conflictingSeats": conflict.Conflicting,
				"availableSeats":   conflict.Available,
			})
		case errors.As(err, &invalid):
			writeError(w, http.StatusBadRequest, invalid.Reason)
		case errors.Is(err, ledger.ErrBusNotFound):
			writeError(w, http.StatusNotFound, "bus not found")
		default:
			s.logger.Error("reserve failed", "bus_id", busID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	resp := reserveResponse{HoldResult: res}
	if s.payments != nil && req.Amount > 0 {
		pi, err := s.payments.Hold(r.Context(), req.Amount, req.Currency, req.CustomerID)
		if err != nil {
			s.logger.Error("payment hold failed", "bus_id", busID, "error", err)
			// Seats and funds hold together; drop the seat hold so the
			// client retries the whole reserve.
			if rerr := s.ledger.Release(r.Context(), busID, req.OwnerID); rerr != nil {
				s.logger.Error("hold release after payment failure", "bus_id", busID, "error", rerr)
			}
			writeError(w, http.StatusBadGateway, "payment hold failed")
			return
		}
		resp.PaymentIntentID = pi
	}
	writeJSON(w, http.StatusOK, resp)
}

type commitRequest struct {
	TravelDate      string `json:"travelDate"`
	Seats           []int  `json:"seats"`
	OwnerID         string `json:"ownerId"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["id"]
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.ledger.Commit(r.Context(), busID, req.TravelDate, req.Seats, req.OwnerID)
	if err != nil {
		var invalid *ledger.ValidationError
		switch {
		case errors.Is(err, ledger.ErrNoValidHold):
			writeJSON(w, http.StatusConflict, map[string]any{"error": "no_valid_hold"})
		case errors.As(err, &invalid):
			writeError(w, http.StatusBadRequest, invalid.Reason)
		case errors.Is(err, ledger.ErrBusNotFound):
			writeError(w, http.StatusNotFound, "bus not found")
		default:
			s.logger.Error("commit failed", "bus_id", busID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	if s.payments != nil && req.PaymentIntentID != "" {
		if err := s.payments.Capture(r.Context(), req.PaymentIntentID); err != nil {
			// The seats are committed; payment capture is retried by the
			// payment collaborator's own reconciliation, so just log.
			s.logger.Error("payment capture failed", "booking_id", b.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["id"]
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId required")
		return
	}
	if err := s.ledger.Release(r.Context(), busID, ownerID); err != nil {
		s.logger.Error("release failed", "bus_id", busID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.payments != nil {
		if pi := r.URL.Query().Get("paymentIntentId"); pi != "" {
			if err := s.payments.Cancel(r.Context(), pi); err != nil {
				s.logger.Warn("payment cancel failed", "payment_intent", pi, "error", err)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSeats is the resync read path: clients poll it as a consistency
// safety net, and it reads the exact state the broadcast path mutates.
func (s *Server) handleSeats(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["id"]
	travelDate := r.URL.Query().Get("travelDate")
	snap, err := s.ledger.Availability(r.Context(), busID, travelDate)
	if err != nil {
		if errors.Is(err, ledger.ErrBusNotFound) {
			writeError(w, http.StatusNotFound, "bus not found")
			return
		}
		s.logger.Error("availability read failed", "bus_id", busID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleBusLocation serves the latest accepted GPS fix: from the Redis
// cache the consumer maintains when one is configured, else from the
// bus document itself.
func (s *Server) handleBusLocation(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["id"]
	if s.locations != nil {
		loc, err := s.locations.Get(r.Context(), busID)
		if err == nil {
			writeJSON(w, http.StatusOK, loc)
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("location cache read failed", "bus_id", busID, "error", err)
		}
	}
	bus, err := s.store.GetBus(r.Context(), busID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bus not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if bus.CurrentLocation == nil {
		writeError(w, http.StatusNotFound, "no location reported")
		return
	}
	writeJSON(w, http.StatusOK, models.BusLocation{
		BusID:     busID,
		Latitude:  bus.CurrentLocation.Latitude,
		Longitude: bus.CurrentLocation.Longitude,
		Timestamp: bus.CurrentLocation.Timestamp,
	})
}

func (s *Server) handleGetBus(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["id"]
	bus, err := s.store.GetBus(r.Context(), busID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bus not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, bus)
}

type statusRequest struct {
	Status models.BookingStatus `json:"status"`
	Reason string               `json:"reason,omitempty"`
}

func (s *Server) handleBookingStatus(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["id"]
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.bookings.UpdateStatus(r.Context(), bookingID, req.Status, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, booking.ErrNotFound):
			writeError(w, http.StatusNotFound, "booking not found")
		case errors.Is(err, booking.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("status update failed", "booking_id", bookingID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type delayRequest struct {
	DelayNotice string `json:"delayNotice"`
}

func (s *Server) handleDelayNotice(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["id"]
	var req delayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.bookings.SetDelayNotice(r.Context(), bookingID, req.DelayNotice); err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			writeError(w, http.StatusNotFound, "booking not found")
			return
		}
		s.logger.Error("delay notice failed", "booking_id", bookingID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["id"]
	msgs, err := s.store.MessagesByBooking(r.Context(), bookingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
