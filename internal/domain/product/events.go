package product

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSchemaV1 is the only payload schema currently emitted.
const EventSchemaV1 = 1

// EventType names a payload variant on the wire and in storage.
type EventType string

const (
	TypeProductRegistered         EventType = "ProductRegistered"
	TypeProductRetired            EventType = "ProductRetired"
	TypeProductNameUpdated        EventType = "ProductNameUpdated"
	TypeProductDescriptionUpdated EventType = "ProductDescriptionUpdated"
)

// Event is the closed set of product payloads.
type Event interface {
	Type() EventType
	isProductEvent()
}

// ProductRegistered is emitted once, at version 1.
type ProductRegistered struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SKU         string `json:"sku"`
}

// ProductRetired carries no data; the status flip is the whole change.
type ProductRetired struct{}

// ProductNameUpdated records a rename.
type ProductNameUpdated struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

// ProductDescriptionUpdated records a description change.
type ProductDescriptionUpdated struct {
	OldDescription string `json:"oldDescription"`
	NewDescription string `json:"newDescription"`
}

func (ProductRegistered) Type() EventType         { return TypeProductRegistered }
func (ProductRetired) Type() EventType            { return TypeProductRetired }
func (ProductNameUpdated) Type() EventType        { return TypeProductNameUpdated }
func (ProductDescriptionUpdated) Type() EventType { return TypeProductDescriptionUpdated }

func (ProductRegistered) isProductEvent()         {}
func (ProductRetired) isProductEvent()            {}
func (ProductNameUpdated) isProductEvent()        {}
func (ProductDescriptionUpdated) isProductEvent() {}

// Envelope is the immutable record of one accepted mutation.
// Position is zero until the event log assigns it during Append.
type Envelope struct {
	EventID       string    `json:"eventId"`
	AggregateID   ID        `json:"aggregateId"`
	Version       int64     `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	SchemaVersion int       `json:"schemaVersion"`
	Position      int64     `json:"position"`
	Payload       Event     `json:"-"`
}

// Type returns the payload's variant name.
func (e Envelope) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// EncodeEvent serializes a payload for storage or transport.
func EncodeEvent(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrUnknownEvent)
	}
	return json.Marshal(evt)
}

// DecodeEvent rebuilds a payload from its stored form.
func DecodeEvent(typ EventType, schemaVersion int, data []byte) (Event, error) {
	if schemaVersion != EventSchemaV1 {
		return nil, fmt.Errorf("%w: %s schema version %d", ErrUnknownEvent, typ, schemaVersion)
	}
	var (
		evt Event
		err error
	)
	switch typ {
	case TypeProductRegistered:
		var v ProductRegistered
		err = json.Unmarshal(data, &v)
		evt = v
	case TypeProductRetired:
		evt = ProductRetired{}
	case TypeProductNameUpdated:
		var v ProductNameUpdated
		err = json.Unmarshal(data, &v)
		evt = v
	case TypeProductDescriptionUpdated:
		var v ProductDescriptionUpdated
		err = json.Unmarshal(data, &v)
		evt = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	return evt, nil
}

type envelopeWire struct {
	EventID       string          `json:"eventId"`
	AggregateID   ID              `json:"aggregateId"`
	Version       int64           `json:"version"`
	OccurredAt    time.Time       `json:"occurredAt"`
	SchemaVersion int             `json:"schemaVersion"`
	Position      int64           `json:"position"`
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// MarshalJSON writes the envelope with a type tag so it can be decoded by consumers.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := EncodeEvent(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeWire{
		EventID:       e.EventID,
		AggregateID:   e.AggregateID,
		Version:       e.Version,
		OccurredAt:    e.OccurredAt,
		SchemaVersion: e.SchemaVersion,
		Position:      e.Position,
		Type:          e.Type(),
		Payload:       payload,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	evt, err := DecodeEvent(w.Type, w.SchemaVersion, w.Payload)
	if err != nil {
		return err
	}
	*e = Envelope{
		EventID:       w.EventID,
		AggregateID:   w.AggregateID,
		Version:       w.Version,
		OccurredAt:    w.OccurredAt,
		SchemaVersion: w.SchemaVersion,
		Position:      w.Position,
		Payload:       evt,
	}
	return nil
}
