package models

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// BusinessEvent is one record of the contacts stream. EventID is the dedup key;
// ID is the storage surrogate and is cleared before persisting.
type BusinessEvent struct {
	ID               *int64    `json:"id,omitempty"`
	EventID          string    `json:"eventId"`
	AggregateID      string    `json:"aggregateId"`
	AggregateName    string    `json:"aggregateName"`
	EventName        string    `json:"eventName"`
	EventPayload     string    `json:"eventPayload"`
	Schema           string    `json:"schema,omitempty"`
	CorrelationID    string    `json:"correlationId,omitempty"`
	EventDirection   Direction `json:"eventDirection,omitempty"`
	CreatedBy        string    `json:"createdBy,omitempty"`
	CreatedTimestamp LocalTime `json:"createdTimestamp"`
	UpdatedBy        string    `json:"updatedBy,omitempty"`
	UpdatedTimestamp LocalTime `json:"updatedTimestamp"`
}

func (e BusinessEvent) Kind() Kind {
	return ParseKind(e.EventName)
}

const localTimeLayout = "2006-01-02T15:04:05"

// LocalTime reads zone-less timestamps as UTC and also accepts RFC 3339.
type LocalTime struct {
	time.Time
}

func (t LocalTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(localTimeLayout))
}

func (t *LocalTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	parsed, err := time.Parse("2006-01-02T15:04:05.999999999", raw)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Kind is the closed set of contact event kinds this service understands.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindContactCreated
	KindContactUpdated
	KindContactDeleted
)

func ParseKind(eventName string) Kind {
	switch strings.TrimSpace(eventName) {
	case "ContactCreated":
		return KindContactCreated
	case "ContactUpdated":
		return KindContactUpdated
	case "ContactDeleted":
		return KindContactDeleted
	default:
		return KindUnrecognized
	}
}

func (k Kind) String() string {
	switch k {
	case KindContactCreated:
		return "ContactCreated"
	case KindContactUpdated:
		return "ContactUpdated"
	case KindContactDeleted:
		return "ContactDeleted"
	default:
		return "Unrecognized"
	}
}

// KindHandler has one method per Kind. Adding a Kind means adding a method here,
// so every handler is forced to decide what to do with it.
type KindHandler interface {
	ContactCreated(ctx context.Context, ev BusinessEvent) error
	ContactUpdated(ctx context.Context, ev BusinessEvent) error
	ContactDeleted(ctx context.Context, ev BusinessEvent) error
	Unrecognized(ctx context.Context, ev BusinessEvent) error
}

func Dispatch(ctx context.Context, h KindHandler, ev BusinessEvent) error {
	switch ev.Kind() {
	case KindContactCreated:
		return h.ContactCreated(ctx, ev)
	case KindContactUpdated:
		return h.ContactUpdated(ctx, ev)
	case KindContactDeleted:
		return h.ContactDeleted(ctx, ev)
	default:
		return h.Unrecognized(ctx, ev)
	}
}

// ContactPayload is the eventPayload of contact events. Only the identity fields are used.
type ContactPayload struct {
	ID            json.RawMessage `json:"id,omitempty"`
	Name          string          `json:"name,omitempty"`
	SSN           string          `json:"ssn"`
	FirstName     string          `json:"firstName"`
	LastName      string          `json:"lastName"`
	MiddleInitial string          `json:"middleInitial,omitempty"`
	CreatedBy     string          `json:"createdBy,omitempty"`
}

// VerificationSubject lives only for the duration of one verification call.
type VerificationSubject struct {
	SSN       string
	FirstName string
	LastName  string
}

type VerificationStatus string

const (
	StatusVerified      VerificationStatus = "VERIFIED"
	StatusNotMatching   VerificationStatus = "NOT_MATCHING"
	StatusInvalidFormat VerificationStatus = "INVALID_FORMAT"
	StatusInvalidName   VerificationStatus = "INVALID_NAME"
	StatusError         VerificationStatus = "ERROR"
)

func AllStatuses() []VerificationStatus {
	return []VerificationStatus{StatusVerified, StatusNotMatching, StatusInvalidFormat, StatusInvalidName, StatusError}
}

func ParseStatus(raw string) (VerificationStatus, bool) {
	s := VerificationStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range AllStatuses() {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// VerificationResult is what the verifier returns, before it is tied to an event.
type VerificationResult struct {
	SSN                   string             `json:"ssn"`
	Name                  string             `json:"name"`
	IsMatching            bool               `json:"isMatching"`
	Status                VerificationStatus `json:"status"`
	Message               string             `json:"message"`
	VerificationTimestamp int64              `json:"verificationTimestamp"`
}

const SourceKafkaEventHandler = "KafkaEventHandler"

// VerificationOutcome is the persisted, immutable record of one verification attempt.
type VerificationOutcome struct {
	ID                    int64              `json:"id"`
	SubjectID             string             `json:"contactId"`
	SourceEventID         string             `json:"sourceEventId"`
	SSN                   string             `json:"ssn"`
	FirstName             string             `json:"firstName"`
	LastName              string             `json:"lastName"`
	Status                VerificationStatus `json:"status"`
	IsMatching            bool               `json:"isMatching"`
	Message               string             `json:"message"`
	VerificationSource    string             `json:"verificationSource"`
	VerificationTimestamp int64              `json:"verificationTimestamp"`
	CreatedAt             time.Time          `json:"createdTimestamp"`
}

// OutcomeFilter selects outcomes by one natural key. Empty fields are ignored.
type OutcomeFilter struct {
	SubjectID string
	SSN       string
	Status    VerificationStatus
	Matching  *bool
	Limit     int
}

// DeliveryAck is what the broker reported for a published outcome.
type DeliveryAck struct {
	Topic       string    `json:"topic"`
	Key         string    `json:"key"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Delivery is the publication state kept beside an outcome. Only the delivery
// record changes after a save; the outcome does not.
type Delivery struct {
	OutcomeID   int64      `json:"outcomeId"`
	Status      string     `json:"deliveryStatus"`
	Attempts    int        `json:"deliveryAttempts"`
	LastError   string     `json:"lastError,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// DeliveryGap is a persisted outcome whose publication failed.
type DeliveryGap struct {
	Outcome   VerificationOutcome
	Attempts  int
	LastError string
}
