package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// EventID identifies a single captured tracker event (touchpoint).
type EventID string

// ConversionID identifies a recorded conversion.
type ConversionID string

// VisitorID identifies a browser/device visitor as assigned by the tracker.
type VisitorID string

// ClientID identifies a tenant account.
type ClientID string

// NewEventID generates a random EventID.
func NewEventID() EventID {
	return EventID(uuid.NewString())
}

// NewConversionID generates a random ConversionID.
func NewConversionID() ConversionID {
	return ConversionID(uuid.NewString())
}

// IsEmpty returns true if the EventID is unset.
func (id EventID) IsEmpty() bool { return id == "" }

// IsEmpty returns true if the ConversionID is unset.
func (id ConversionID) IsEmpty() bool { return id == "" }

// IsEmpty returns true if the VisitorID is unset.
func (id VisitorID) IsEmpty() bool { return id == "" }

// IsEmpty returns true if the ClientID is unset.
func (id ClientID) IsEmpty() bool { return id == "" }

// ParseConversionID validates that s is a well-formed conversion identifier.
func ParseConversionID(s string) (ConversionID, error) {
	if s == "" {
		return "", fmt.Errorf("empty conversion id")
	}
	return ConversionID(s), nil
}
