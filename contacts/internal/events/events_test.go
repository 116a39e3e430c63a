package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
)

func TestDecodeBusinessEvent(t *testing.T) {
	value := `{"id":42,"eventId":"ev-1","aggregateName":"Contact","eventName":"ContactCreated",` +
		`"eventPayload":"{\"ssn\":\"123-45-6789\",\"firstName\":\"Jane\",\"lastName\":\"Doe\"}",` +
		`"eventDirection":"INBOUND","createdTimestamp":"2024-01-02T03:04:05"}`
	ev, err := DecodeBusinessEvent(kafka.Message{Key: []byte("contact-7"), Value: []byte(value)})
	require.NoError(t, err)
	assert.Equal(t, "ev-1", ev.EventID)
	assert.Equal(t, "contact-7", ev.AggregateID)
	assert.Equal(t, models.KindContactCreated, ev.Kind())
	require.NotNil(t, ev.ID)

	subject, err := SubjectFromPayload(ev.EventPayload)
	require.NoError(t, err)
	assert.Equal(t, models.VerificationSubject{SSN: "123-45-6789", FirstName: "Jane", LastName: "Doe"}, subject)
}

func TestDecodeBusinessEventPoison(t *testing.T) {
	for _, value := range []string{"", "not json", `{"aggregateId":"a"}`} {
		_, err := DecodeBusinessEvent(kafka.Message{Value: []byte(value)})
		assert.ErrorIs(t, err, ErrPoisonRecord, value)
	}
}

func TestSubjectFromMalformedPayload(t *testing.T) {
	_, err := SubjectFromPayload("{ssn:")
	assert.ErrorIs(t, err, ErrMalformedPayload)
	_, err = SubjectFromPayload("")
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestOutcomeEncodingCarriesTypeAndHeaders(t *testing.T) {
	o := models.VerificationOutcome{
		ID:                    9,
		SubjectID:             "contact-7",
		SourceEventID:         "ev-1",
		SSN:                   "123-45-6789",
		FirstName:             "Jane",
		LastName:              "Doe",
		Status:                models.StatusVerified,
		IsMatching:            true,
		Message:               "SSN matches the provided name",
		VerificationSource:    models.SourceKafkaEventHandler,
		VerificationTimestamp: 1700000000000,
		CreatedAt:             time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	at := time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC)
	value, headers, err := EncodeOutcome(o, at)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(value, &raw))
	assert.Equal(t, OutcomeType, raw["type"])
	assert.Equal(t, "contact-7", raw["contactId"])
	assert.Equal(t, OutcomeType, headers[HeaderTypeID])
	assert.Equal(t, "ev-1", headers[HeaderSourceEventID])
	assert.Equal(t, "2024-01-02T03:04:06Z", headers[HeaderPublishedAt])

	decoded, err := DecodeOutcome(value)
	require.NoError(t, err)
	assert.Equal(t, o, decoded)
}

func TestDecodeOutcomeRejectsOtherTypes(t *testing.T) {
	_, err := DecodeOutcome([]byte(`{"type":"Something"}`))
	assert.ErrorIs(t, err, ErrUnexpectedType)
}
