package product

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID identifies a product aggregate.
type ID string

// NewID returns a fresh random product id.
func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID accepts only canonical UUID strings.
func ParseID(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", NewValidationError("id", "id is required")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", NewValidationError("id", "id must be a UUID")
	}
	return ID(parsed.String()), nil
}

func (id ID) String() string { return string(id) }

var skuPattern = regexp.MustCompile(`^[A-Z]{3}-\d{5}$`)

// SkuID is the stock keeping unit, formatted XXX-00000.
type SkuID struct {
	value string
}

// ParseSkuID validates raw against the SKU format.
func ParseSkuID(raw string) (SkuID, error) {
	if !skuPattern.MatchString(raw) {
		return SkuID{}, NewValidationError("sku", "invalid SKU format, expected [A-Z]{3}-[0-9]{5}")
	}
	return SkuID{value: raw}, nil
}

// MustSkuID panics on an invalid SKU. Intended for tests and fixtures.
func MustSkuID(raw string) SkuID {
	sku, err := ParseSkuID(raw)
	if err != nil {
		panic(err)
	}
	return sku
}

func (s SkuID) String() string { return s.value }

// IsZero reports whether s was never assigned.
func (s SkuID) IsZero() bool { return s.value == "" }

// Lifecycle is the product status.
type Lifecycle string

const (
	// StatusActive products accept updates.
	StatusActive Lifecycle = "ACTIVE"
	// StatusRetired is terminal.
	StatusRetired Lifecycle = "RETIRED"
)

// Product is the write-side aggregate. Only the command path mutates it.
type Product struct {
	ID          ID
	Name        string
	Description string
	SKU         SkuID
	Status      Lifecycle
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Register creates a new active product at version 1.
func Register(name, description string, sku SkuID) (*Product, Envelope, error) {
	if err := requireText("name", name); err != nil {
		return nil, Envelope{}, err
	}
	if err := requireText("description", description); err != nil {
		return nil, Envelope{}, err
	}
	if sku.IsZero() {
		return nil, Envelope{}, NewValidationError("sku", "sku is required")
	}

	now := time.Now().UTC()
	p := &Product{
		ID:          NewID(),
		Name:        name,
		Description: description,
		SKU:         sku,
		Status:      StatusActive,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	env := p.record(ProductRegistered{
		Name:        p.Name,
		Description: p.Description,
		SKU:         p.SKU.String(),
	}, now)
	return p, env, nil
}

// UpdateName renames an active product.
func (p *Product) UpdateName(name string) (Envelope, error) {
	if err := requireText("name", name); err != nil {
		return Envelope{}, err
	}
	if p.Status != StatusActive {
		return Envelope{}, p.rejected("update_name", "cannot update a retired product")
	}
	now := time.Now().UTC()
	previous := p.Name
	p.Name = name
	p.bump(now)
	return p.record(ProductNameUpdated{OldName: previous, NewName: name}, now), nil
}

// UpdateDescription replaces the description of an active product.
func (p *Product) UpdateDescription(description string) (Envelope, error) {
	if err := requireText("description", description); err != nil {
		return Envelope{}, err
	}
	if p.Status != StatusActive {
		return Envelope{}, p.rejected("update_description", "cannot update the product")
	}
	now := time.Now().UTC()
	previous := p.Description
	p.Description = description
	p.bump(now)
	return p.record(ProductDescriptionUpdated{OldDescription: previous, NewDescription: description}, now), nil
}

// Retire moves the product to its terminal state.
func (p *Product) Retire() (Envelope, error) {
	if p.Status == StatusRetired {
		return Envelope{}, p.rejected("retire", "cannot retire the product")
	}
	now := time.Now().UTC()
	p.Status = StatusRetired
	p.bump(now)
	return p.record(ProductRetired{}, now), nil
}

func (p *Product) bump(now time.Time) {
	p.Version++
	p.UpdatedAt = now
}

func (p *Product) rejected(op, message string) error {
	return &StateTransitionError{Operation: op, Status: p.Status, Message: message}
}

func (p *Product) record(evt Event, now time.Time) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		AggregateID:   p.ID,
		Version:       p.Version,
		OccurredAt:    now,
		SchemaVersion: EventSchemaV1,
		Payload:       evt,
	}
}

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewValidationError(field, field+" is required")
	}
	return nil
}
