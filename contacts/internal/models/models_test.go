package models

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	called []Kind
}

func (h *recordingHandler) ContactCreated(context.Context, BusinessEvent) error {
	h.called = append(h.called, KindContactCreated)
	return nil
}

func (h *recordingHandler) ContactUpdated(context.Context, BusinessEvent) error {
	h.called = append(h.called, KindContactUpdated)
	return nil
}

func (h *recordingHandler) ContactDeleted(context.Context, BusinessEvent) error {
	h.called = append(h.called, KindContactDeleted)
	return nil
}

func (h *recordingHandler) Unrecognized(context.Context, BusinessEvent) error {
	h.called = append(h.called, KindUnrecognized)
	return nil
}

func TestDispatchRoutesEveryKind(t *testing.T) {
	h := &recordingHandler{}
	for _, name := range []string{"ContactCreated", "ContactUpdated", "ContactDeleted", "ContactMerged", ""} {
		require.NoError(t, Dispatch(context.Background(), h, BusinessEvent{EventName: name}))
	}
	assert.Equal(t, []Kind{KindContactCreated, KindContactUpdated, KindContactDeleted, KindUnrecognized, KindUnrecognized}, h.called)
}

func TestKindStringRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindContactCreated, KindContactUpdated, KindContactDeleted} {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, KindUnrecognized, ParseKind(KindUnrecognized.String()))
}

func TestLocalTimeAcceptsBothLayouts(t *testing.T) {
	var ev BusinessEvent
	raw := `{"eventId":"e1","createdTimestamp":"2024-03-01T10:15:30","updatedTimestamp":"2024-03-01T10:15:30+02:00"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC), ev.CreatedTimestamp.Time)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 15, 30, 0, time.UTC), ev.UpdatedTimestamp.Time)

	out, err := json.Marshal(ev.CreatedTimestamp)
	require.NoError(t, err)
	assert.JSONEq(t, `"2024-03-01T10:15:30"`, string(out))
}

func TestLocalTimeRejectsGarbage(t *testing.T) {
	var lt LocalTime
	require.Error(t, json.Unmarshal([]byte(`"yesterday"`), &lt))
	require.NoError(t, json.Unmarshal([]byte(`null`), &lt))
	assert.True(t, lt.IsZero())
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus(" verified ")
	require.True(t, ok)
	assert.Equal(t, StatusVerified, s)
	_, ok = ParseStatus("MAYBE")
	assert.False(t, ok)
}
