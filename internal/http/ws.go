package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/bus-booking/internal/chat"
	"github.com/example/bus-booking/internal/models"
	"github.com/example/bus-booking/internal/realtime"
	"github.com/example/bus-booking/internal/tracking"
)

// handleWS upgrades the connection and runs its event loop. The userId
// query parameter carries the identity established by the auth layer
// (out of scope here); it binds the connection to chat sender checks
// and the driver role assertion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	userID := r.URL.Query().Get("userId")
	sess := realtime.NewSession(newID(), conn, s.cfg.RoomSendBuffer, s.logger)
	s.registry.Register(sess)
	s.logger.Info("ws connected", "session_id", sess.ID(), "user_id", userID)

	go s.readLoop(conn, sess, userID)
}

type wsConn interface {
	ReadMessage() (int, []byte, error)
}

func (s *Server) readLoop(conn wsConn, sess *realtime.Session, userID string) {
	defer func() {
		s.registry.Drop(sess.ID())
		s.logger.Info("ws disconnected", "session_id", sess.ID())
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError(sess, "", "malformed frame")
			continue
		}
		s.dispatchEvent(sess, userID, env)
	}
}

// dispatchEvent routes one decoded client event into the kernel. A
// failure affects only the initiating connection: it gets an error
// frame, nothing is broadcast.
func (s *Server) dispatchEvent(sess *realtime.Session, userID string, env models.Envelope) {
	ctx := context.Background()

	payload, err := models.DecodeClientEvent(env)
	if err != nil {
		s.sendError(sess, env.Event, err.Error())
		return
	}

	switch env.Event {
	case models.EventJoinBusRoom:
		p := payload.(models.JoinBusRoomPayload)
		s.registry.Join(sess.ID(), realtime.BusRoom(p.BusID))

	case models.EventJoinRoom:
		p := payload.(models.JoinRoomPayload)
		s.registry.Join(sess.ID(), realtime.BookingRoom(p.BookingID))

	case models.EventJoinDriverRoom:
		s.registry.Join(sess.ID(), realtime.DriverRoom)

	case models.EventJoinAdminRoom:
		s.registry.Join(sess.ID(), realtime.AdminRoom)

	case models.EventSendMessage:
		p := payload.(models.SendMessagePayload)
		if userID != "" && p.SenderID != userID {
			s.sendError(sess, env.Event, "sender does not match connection identity")
			return
		}
		if _, err := s.chat.Send(ctx, chat.SendInput{
			BookingID:    p.BookingID,
			SenderID:     p.SenderID,
			SenderRole:   p.SenderModel,
			Content:      p.Content,
			ClientTempID: p.ClientTempID,
		}); err != nil {
			s.replyChatError(sess, env.Event, err)
		}

	case models.EventMessageRead:
		p := payload.(models.MessageReadPayload)
		if err := s.chat.MarkRead(ctx, p.BookingID, p.UserID); err != nil {
			s.replyChatError(sess, env.Event, err)
		}

	case models.EventSendGroupMessage:
		p := payload.(models.SendGroupMessagePayload)
		if _, err := s.chat.SendGroup(ctx, chat.GroupSendInput{
			BookingID: p.BookingID,
			UserID:    p.UserID,
			Email:     p.Email,
			Content:   p.Message,
		}); err != nil {
			s.replyChatError(sess, env.Event, err)
		}

	case models.EventLocationUpdate:
		p := payload.(models.LocationUpdatePayload)
		// Gated drops return nil; only infrastructure failures land here.
		if err := s.tracking.RecordLocation(ctx, p.BusID, userID, p.Latitude, p.Longitude, p.Timestamp); err != nil {
			s.logger.Error("record location failed", "bus_id", p.BusID, "error", err)
		}

	case models.EventTrackingStatusUpdate:
		p := payload.(models.TrackingStatusPayload)
		if err := s.tracking.SetEnabled(ctx, p.BusID, userID, p.IsTrackingEnabled); err != nil {
			switch {
			case errors.Is(err, tracking.ErrNotAssignedDriver):
				s.sendError(sess, env.Event, "not the assigned driver")
			case errors.Is(err, tracking.ErrBusNotFound):
				s.sendError(sess, env.Event, "bus not found")
			default:
				s.logger.Error("tracking toggle failed", "bus_id", p.BusID, "error", err)
				s.sendError(sess, env.Event, "internal error")
			}
		}
	}
}

func (s *Server) replyChatError(sess *realtime.Session, event string, err error) {
	var invalid *chat.ValidationError
	switch {
	case errors.As(err, &invalid):
		s.sendError(sess, event, invalid.Reason)
	case errors.Is(err, chat.ErrUnauthorized):
		s.sendError(sess, event, "not a participant of this booking")
	case errors.Is(err, chat.ErrBookingNotFound):
		s.sendError(sess, event, "booking not found")
	default:
		s.logger.Error("chat operation failed", "event", event, "error", err)
		s.sendError(sess, event, "internal error")
	}
}

// sendError reports a failure to the initiating connection only.
func (s *Server) sendError(sess *realtime.Session, event, msg string) {
	data, _ := json.Marshal(models.ErrorPayload{Event: event, Message: msg})
	sess.Enqueue(models.Envelope{Event: models.EventError, Data: data})
}
