package consumer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/executor"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/pipeline"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
)

type fakeSource struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	pos       int
	committed []int64
	drained   chan struct{}
}

func newFakeSource(msgs ...kafka.Message) *fakeSource {
	return &fakeSource{msgs: msgs, drained: make(chan struct{})}
}

func (s *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if s.pos < len(s.msgs) {
		m := s.msgs[s.pos]
		s.pos++
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	select {
	case <-s.drained:
	default:
		close(s.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.committed = append(s.committed, m.Offset)
	}
	return nil
}

func (s *fakeSource) Stats() kafka.ReaderStats { return kafka.ReaderStats{Topic: "contacts"} }

func (s *fakeSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

// journal records store writes across events and outcomes in one sequence.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type eventStore struct {
	j        *journal
	mu       sync.Mutex
	seen     map[string]bool
	failures int
}

func (s *eventStore) Save(_ context.Context, ev models.BusinessEvent) (models.BusinessEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return ev, false, errors.New("connection refused")
	}
	if ev.ID != nil {
		return ev, false, errors.New("surrogate id must be cleared")
	}
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	if s.seen[ev.EventID] {
		return ev, false, nil
	}
	s.seen[ev.EventID] = true
	id := int64(len(s.seen))
	ev.ID = &id
	s.j.add("event:" + ev.EventID)
	return ev, true, nil
}

type outcomeStore struct {
	j       *journal
	mu      sync.Mutex
	byEvent map[string]bool
	nextID  int64
}

func (s *outcomeStore) Save(_ context.Context, o models.VerificationOutcome) (models.VerificationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byEvent == nil {
		s.byEvent = map[string]bool{}
	}
	s.byEvent[o.SourceEventID] = true
	s.nextID++
	o.ID = s.nextID
	s.j.add("outcome:" + o.SourceEventID)
	return o, nil
}

func (s *outcomeStore) ExistsForEvent(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byEvent[eventID], nil
}

func (s *outcomeStore) MarkPublished(context.Context, int64) error           { return nil }
func (s *outcomeStore) MarkDeliveryGap(context.Context, int64, string) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(_ context.Context, o models.VerificationOutcome) (models.DeliveryAck, error) {
	return models.DeliveryAck{Key: o.SubjectID}, nil
}

type submitFunc func(ctx context.Context, subject models.VerificationSubject, ev models.BusinessEvent) error

func (f submitFunc) Submit(ctx context.Context, subject models.VerificationSubject, ev models.BusinessEvent) error {
	return f(ctx, subject, ev)
}

type instantVerifier struct{}

func (instantVerifier) VerifySSNMatch(_ context.Context, ssn, first, last string) models.VerificationResult {
	return models.VerificationResult{SSN: ssn, Name: first + " " + last, IsMatching: true, Status: models.StatusVerified}
}

func record(t *testing.T, offset int64, ev models.BusinessEvent) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Topic: "contacts", Offset: offset, Key: []byte(ev.AggregateID), Value: b}
}

func contactCreated(eventID, aggregate string) models.BusinessEvent {
	id := int64(999)
	return models.BusinessEvent{
		ID:           &id,
		EventID:      eventID,
		AggregateID:  aggregate,
		EventName:    "ContactCreated",
		EventPayload: `{"ssn":"123-45-6789","firstName":"Jane","lastName":"Doe"}`,
	}
}

type ConsumerSuite struct {
	suite.Suite
	j        *journal
	events   *eventStore
	outcomes *outcomeStore
	pipe     *pipeline.Pipeline
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}

func (s *ConsumerSuite) SetupTest() {
	s.j = &journal{}
	s.events = &eventStore{j: s.j}
	s.outcomes = &outcomeStore{j: s.j}
	s.pipe = pipeline.New(
		executor.New(executor.Options{Name: "verify", Workers: 4, QueueDepth: 16}),
		pipeline.Deps{Verifier: instantVerifier{}, Store: s.outcomes, Publisher: nopPublisher{}, Logger: logx.Nop()},
		pipeline.Options{},
	)
}

func (s *ConsumerSuite) run(src *fakeSource, submit Submitter, opts Options) error {
	if submit == nil {
		submit = s.pipe
	}
	c := New(src, s.events, s.outcomes, submit, logx.Nop(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	select {
	case <-src.drained:
		cancel()
		return <-errCh
	case err := <-errCh:
		cancel()
		return err
	case <-time.After(5 * time.Second):
		cancel()
		s.T().Fatal("consumer did not finish")
		return nil
	}
}

func (s *ConsumerSuite) TestUnknownEventIsCommitted() {
	src := newFakeSource(
		record(s.T(), 0, models.BusinessEvent{EventID: "ev-1", AggregateID: "c-1", EventName: "ContactMerged"}),
		record(s.T(), 1, models.BusinessEvent{EventID: "ev-2", AggregateID: "c-1", EventName: "ContactUpdated"}),
		record(s.T(), 2, models.BusinessEvent{EventID: "ev-3", AggregateID: "c-1", EventName: "ContactDeleted"}),
	)
	s.Require().NoError(s.run(src, nil, Options{}))
	s.Equal([]int64{0, 1, 2}, src.commits())
	s.Equal([]string{"event:ev-1", "event:ev-2", "event:ev-3"}, s.j.list())
}

func (s *ConsumerSuite) TestEventPersistedBeforeItsOutcome() {
	src := newFakeSource(
		record(s.T(), 0, contactCreated("ev-1", "c-1")),
		record(s.T(), 1, contactCreated("ev-2", "c-2")),
	)
	s.Require().NoError(s.run(src, nil, Options{}))
	s.Require().NoError(s.pipe.Shutdown(context.Background()))

	entries := s.j.list()
	s.Len(entries, 4)
	index := func(v string) int {
		for i, e := range entries {
			if e == v {
				return i
			}
		}
		return -1
	}
	for _, id := range []string{"ev-1", "ev-2"} {
		s.GreaterOrEqual(index("event:"+id), 0)
		s.Less(index("event:"+id), index("outcome:"+id))
	}
	s.Equal([]int64{0, 1}, src.commits())
}

func (s *ConsumerSuite) TestTransientSaveFailureIsRetriedInPlace() {
	s.events.failures = 2
	src := newFakeSource(
		record(s.T(), 0, models.BusinessEvent{EventID: "ev-1", AggregateID: "c-1", EventName: "ContactUpdated"}),
		record(s.T(), 1, models.BusinessEvent{EventID: "ev-2", AggregateID: "c-1", EventName: "ContactUpdated"}),
	)
	s.Require().NoError(s.run(src, nil, Options{RetryMax: 3, RetryBackoff: time.Millisecond}))
	s.Equal([]int64{0, 1}, src.commits())
	s.Equal([]string{"event:ev-1", "event:ev-2"}, s.j.list())
}

func (s *ConsumerSuite) TestExhaustedRetriesStopWithoutCommit() {
	s.events.failures = 10
	src := newFakeSource(
		record(s.T(), 0, models.BusinessEvent{EventID: "ev-1", AggregateID: "c-1", EventName: "ContactUpdated"}),
		record(s.T(), 1, models.BusinessEvent{EventID: "ev-2", AggregateID: "c-1", EventName: "ContactUpdated"}),
	)
	err := s.run(src, nil, Options{RetryMax: 2, RetryBackoff: time.Millisecond})
	s.Require().Error(err)
	s.Empty(src.commits())
	s.Equal(7, s.events.failures)
}

func (s *ConsumerSuite) TestMalformedPayloadSkipsVerificationButCommits() {
	ev := contactCreated("ev-1", "c-1")
	ev.EventPayload = "{not json"
	submitted := false
	src := newFakeSource(record(s.T(), 0, ev))
	s.Require().NoError(s.run(src, submitFunc(func(context.Context, models.VerificationSubject, models.BusinessEvent) error {
		submitted = true
		return nil
	}), Options{}))
	s.False(submitted)
	s.Equal([]int64{0}, src.commits())
}

func (s *ConsumerSuite) TestPoisonRecordIsCommitted() {
	src := newFakeSource(
		kafka.Message{Offset: 0, Value: []byte("garbage")},
		record(s.T(), 1, models.BusinessEvent{EventID: "ev-2", AggregateID: "c-1", EventName: "ContactUpdated"}),
	)
	s.Require().NoError(s.run(src, nil, Options{}))
	s.Equal([]int64{0, 1}, src.commits())
}

func (s *ConsumerSuite) TestSaturatedPipelineWithholdsCommit() {
	src := newFakeSource(record(s.T(), 0, contactCreated("ev-1", "c-1")))
	err := s.run(src, submitFunc(func(context.Context, models.VerificationSubject, models.BusinessEvent) error {
		return executor.ErrSaturated
	}), Options{RetryMax: 1, RetryBackoff: time.Millisecond})
	s.Require().ErrorIs(err, executor.ErrSaturated)
	s.Empty(src.commits())
}

func (s *ConsumerSuite) TestRedeliveredEventWithOutcomeIsNotReverified() {
	var submits []string
	var mu sync.Mutex
	submit := submitFunc(func(ctx context.Context, subject models.VerificationSubject, ev models.BusinessEvent) error {
		mu.Lock()
		submits = append(submits, ev.EventID)
		mu.Unlock()
		return s.pipe.Submit(ctx, subject, ev)
	})

	src := newFakeSource(record(s.T(), 0, contactCreated("ev-1", "c-1")))
	s.Require().NoError(s.run(src, submit, Options{}))
	s.Require().NoError(s.pipe.Shutdown(context.Background()))

	redelivered := newFakeSource(record(s.T(), 0, contactCreated("ev-1", "c-1")))
	s.Require().NoError(s.run(redelivered, submit, Options{}))

	s.Equal([]string{"ev-1"}, submits)
	s.Equal([]int64{0}, redelivered.commits())
}

func (s *ConsumerSuite) TestRedeliveredEventWithoutOutcomeIsVerified() {
	s.events.seen = map[string]bool{"ev-1": true}
	var submits []string
	submit := submitFunc(func(_ context.Context, _ models.VerificationSubject, ev models.BusinessEvent) error {
		submits = append(submits, ev.EventID)
		return nil
	})
	src := newFakeSource(record(s.T(), 0, contactCreated("ev-1", "c-1")))
	s.Require().NoError(s.run(src, submit, Options{}))
	s.Equal([]string{"ev-1"}, submits)
}

func TestHandleUsesRecordKeyWhenAggregateMissing(t *testing.T) {
	var got models.BusinessEvent
	c := New(newFakeSource(), &eventStore{j: &journal{}}, &outcomeStore{j: &journal{}},
		submitFunc(func(_ context.Context, _ models.VerificationSubject, ev models.BusinessEvent) error {
			got = ev
			return nil
		}), logx.Nop(), Options{})

	ev := contactCreated("ev-1", "")
	msg := record(t, 0, ev)
	msg.Key = []byte("contact-from-key")
	require.NoError(t, c.Handle(context.Background(), msg))
	assert.Equal(t, "contact-from-key", got.AggregateID)
	assert.Nil(t, got.ID)
}

func TestRetryLogsCarryRecordTraceID(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })
	otel.SetTextMapPropagator(propagation.TraceContext{})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var buf bytes.Buffer
	logger := logx.NewWithWriter(&buf, "contacts-consumer", "test", "", "debug")
	c := New(newFakeSource(), &eventStore{j: &journal{}, failures: 10}, &outcomeStore{j: &journal{}}, nil, logger,
		Options{RetryMax: 2, RetryBackoff: time.Millisecond})

	msg := record(t, 0, models.BusinessEvent{EventID: "ev-1", AggregateID: "c-1", EventName: "ContactUpdated"})
	msg.Headers = []kafka.Header{{Key: "traceparent", Value: []byte("00-" + traceID + "-00f067aa0ba902b7-01")}}
	require.Error(t, c.Handle(context.Background(), msg))

	seen := map[string]int{}
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		event, _ := line["event"].(string)
		if event != "event_processing_failed" && event != "event_retries_exhausted" {
			continue
		}
		seen[event]++
		assert.Equal(t, traceID, line["trace_id"], event)
	}
	assert.Equal(t, map[string]int{"event_processing_failed": 2, "event_retries_exhausted": 1}, seen)
}
