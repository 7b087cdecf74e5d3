package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func env(event, data string) Envelope {
	return Envelope{Event: event, Data: json.RawMessage(data)}
}

func TestDecodeClientEventTyped(t *testing.T) {
	got, err := DecodeClientEvent(env(EventSendMessage, `{
		"bookingId": "bk1",
		"senderId":  "u1",
		"senderModel": "Passenger",
		"content": "hi",
		"clientTempId": "tmp9"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := got.(SendMessagePayload)
	if !ok {
		t.Fatalf("wrong payload type %T", got)
	}
	if p.BookingID != "bk1" || p.SenderID != "u1" || p.ClientTempID != "tmp9" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestDecodeClientEventUnknownEvent(t *testing.T) {
	_, err := DecodeClientEvent(env("makeMeAdmin", `{}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecodeClientEventRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing data", Envelope{Event: EventJoinBusRoom}},
		{"bad json", env(EventJoinBusRoom, `{`)},
		{"empty busId", env(EventJoinBusRoom, `{"busId":"  "}`)},
		{"empty bookingId", env(EventJoinRoom, `{"bookingId":""}`)},
		{"message without sender", env(EventSendMessage, `{"bookingId":"bk1","content":"hi"}`)},
		{"message with bogus role", env(EventSendMessage, `{"bookingId":"bk1","senderId":"u1","senderModel":"Admin"}`)},
		{"read without user", env(EventMessageRead, `{"bookingId":"bk1"}`)},
		{"group message without identity", env(EventSendGroupMessage, `{"bookingId":"bk1","message":"hi"}`)},
		{"latitude too big", env(EventLocationUpdate, `{"busId":"b1","latitude":90.5,"longitude":0}`)},
		{"longitude too small", env(EventLocationUpdate, `{"busId":"b1","latitude":0,"longitude":-180.5}`)},
		{"location without bus", env(EventLocationUpdate, `{"latitude":0,"longitude":0}`)},
		{"tracking toggle without bus", env(EventTrackingStatusUpdate, `{"isTrackingEnabled":true}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClientEvent(tc.env)
			var ve *EventValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected EventValidationError, got %v", err)
			}
		})
	}
}

func TestDecodeClientEventBoundaryCoordinates(t *testing.T) {
	for _, data := range []string{
		`{"busId":"b1","latitude":90,"longitude":180}`,
		`{"busId":"b1","latitude":-90,"longitude":-180}`,
	} {
		if _, err := DecodeClientEvent(env(EventLocationUpdate, data)); err != nil {
			t.Fatalf("boundary coordinates must be accepted: %v", err)
		}
	}
}

func TestDecodeJoinDriverAndAdminIgnorePayload(t *testing.T) {
	for _, event := range []string{EventJoinDriverRoom, EventJoinAdminRoom} {
		if _, err := DecodeClientEvent(Envelope{Event: event}); err != nil {
			t.Fatalf("%s: %v", event, err)
		}
	}
}

func TestBookingStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to BookingStatus
		ok       bool
	}{
		{BookingConfirmed, BookingCancelled, true},
		{BookingConfirmed, BookingCompleted, true},
		{BookingCancelled, BookingConfirmed, false},
		{BookingCancelled, BookingCompleted, false},
		{BookingCompleted, BookingCancelled, false},
		{BookingConfirmed, BookingConfirmed, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
