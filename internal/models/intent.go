package models

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Metadata keys carried on payment sessions
const (
	MetaReservationID = "reservationId"
	MetaTripID        = "tripId"
	MetaTouristID     = "touristId"
	MetaTicketCount   = "numberOfTickets"
)

// ReservationIntent is the booking context that travels with a payment session
// and comes back on every provider notification.
type ReservationIntent struct {
	ReservationID uuid.UUID `json:"reservationId"`
	TripID        int64     `json:"tripId"`
	TouristID     int64     `json:"touristId"`
	TicketCount   int       `json:"ticketCount"`
}

// Metadata encodes the intent as provider metadata
func (i ReservationIntent) Metadata() map[string]string {
	md := map[string]string{
		MetaTripID:      strconv.FormatInt(i.TripID, 10),
		MetaTouristID:   strconv.FormatInt(i.TouristID, 10),
		MetaTicketCount: strconv.Itoa(i.TicketCount),
	}
	if i.ReservationID != uuid.Nil {
		md[MetaReservationID] = i.ReservationID.String()
	}
	return md
}

// Matches reports whether a persisted reservation carries the same booking context
func (i ReservationIntent) Matches(r Reservation) bool {
	if i.ReservationID != uuid.Nil && i.ReservationID != r.ID {
		return false
	}
	return i.TripID == r.TripID && i.TouristID == r.TouristID && i.TicketCount == r.TicketCount
}

// ParseIntent decodes provider metadata. The reservation id is optional so that
// redirect parameters, which only carry trip, tourist and ticket count, can be parsed too.
func ParseIntent(sessionID string, md map[string]string) (ReservationIntent, error) {
	var intent ReservationIntent

	tripID, err := parsePositiveInt(md, MetaTripID)
	if err != nil {
		return intent, &InvalidEventError{SessionID: sessionID, Reason: err.Error()}
	}
	touristID, err := parsePositiveInt(md, MetaTouristID)
	if err != nil {
		return intent, &InvalidEventError{SessionID: sessionID, Reason: err.Error()}
	}
	count, err := parsePositiveInt(md, MetaTicketCount)
	if err != nil {
		return intent, &InvalidEventError{SessionID: sessionID, Reason: err.Error()}
	}

	intent.TripID = tripID
	intent.TouristID = touristID
	intent.TicketCount = int(count)

	if raw, ok := md[MetaReservationID]; ok && raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return intent, &InvalidEventError{SessionID: sessionID, Reason: fmt.Sprintf("%s is not a uuid: %q", MetaReservationID, raw)}
		}
		intent.ReservationID = id
	}

	return intent, nil
}

func parsePositiveInt(md map[string]string, key string) (int64, error) {
	raw, ok := md[key]
	if !ok || raw == "" {
		return 0, fmt.Errorf("missing %s", key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s is not numeric: %q", key, raw)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive: %d", key, v)
	}
	return v, nil
}
