package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
)

const (
	TopicContacts            = "contacts"
	TopicCustomerSSNVerified = "customer-ssn-verified"

	DefaultPartitions = 3
)

const (
	OutcomeType = "SsnVerificationResult"

	HeaderTypeID        = "__TypeId__"
	HeaderSourceEventID = "source_event_id"
	HeaderPublishedAt   = "published_at"
)

var (
	ErrPoisonRecord     = errors.New("undecodable business event")
	ErrUnexpectedType   = errors.New("unexpected outcome type")
	ErrMalformedPayload = errors.New("malformed contact payload")
)

// DecodeBusinessEvent reads the record value. The record key stands in for a
// missing aggregateId since the producer keys by aggregate.
func DecodeBusinessEvent(msg kafka.Message) (models.BusinessEvent, error) {
	var ev models.BusinessEvent
	if len(msg.Value) == 0 {
		return ev, fmt.Errorf("%w: empty value", ErrPoisonRecord)
	}
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrPoisonRecord, err)
	}
	if strings.TrimSpace(ev.AggregateID) == "" {
		ev.AggregateID = string(msg.Key)
	}
	if strings.TrimSpace(ev.EventID) == "" {
		return ev, fmt.Errorf("%w: missing eventId", ErrPoisonRecord)
	}
	return ev, nil
}

func EncodeBusinessEvent(ev models.BusinessEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(ev.AggregateID), Value: b}, nil
}

func DecodeContactPayload(payload string) (models.ContactPayload, error) {
	var c models.ContactPayload
	if strings.TrimSpace(payload) == "" {
		return c, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return c, nil
}

func SubjectFromPayload(payload string) (models.VerificationSubject, error) {
	c, err := DecodeContactPayload(payload)
	if err != nil {
		return models.VerificationSubject{}, err
	}
	return models.VerificationSubject{SSN: c.SSN, FirstName: c.FirstName, LastName: c.LastName}, nil
}

type outcomeWire struct {
	Type string `json:"type"`
	models.VerificationOutcome
}

// EncodeOutcome renders the persisted outcome with its type discriminator and headers.
func EncodeOutcome(o models.VerificationOutcome, publishedAt time.Time) ([]byte, map[string]string, error) {
	b, err := json.Marshal(outcomeWire{Type: OutcomeType, VerificationOutcome: o})
	if err != nil {
		return nil, nil, err
	}
	headers := map[string]string{
		HeaderTypeID:        OutcomeType,
		HeaderSourceEventID: o.SourceEventID,
		HeaderPublishedAt:   publishedAt.UTC().Format(time.RFC3339Nano),
	}
	return b, headers, nil
}

func DecodeOutcome(value []byte) (models.VerificationOutcome, error) {
	var w outcomeWire
	if err := json.Unmarshal(value, &w); err != nil {
		return models.VerificationOutcome{}, err
	}
	if w.Type != OutcomeType {
		return models.VerificationOutcome{}, fmt.Errorf("%w: %q", ErrUnexpectedType, w.Type)
	}
	return w.VerificationOutcome, nil
}

func HeaderValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
