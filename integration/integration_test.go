//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/consumer"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/events"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/executor"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/pipeline"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/publisher"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/redrive"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/repos"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/verifier"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/cachex"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/config"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/dbx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/mqx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/workflow"
)

type stack struct {
	cfg   config.Config
	pool  *pgxpool.Pool
	cache *cachex.Client
}

func startStack(t *testing.T) stack {
	t.Helper()
	ctx := context.Background()

	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("contacts"),
		tcpostgres.WithUsername("contacts"),
		tcpostgres.WithPassword("contacts"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pg) })
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	rp, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.1.2")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(rp) })
	broker, err := rp.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	rd, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(rd) })
	redisURL, err := rd.ConnectionString(ctx)
	require.NoError(t, err)
	redisOpts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	cfg := config.Config{
		ServiceName:        "contacts-integration",
		DatabaseURL:        dsn,
		DBMaxConns:         4,
		DBMinConns:         1,
		KafkaBrokers:       []string{broker},
		KafkaClientID:      "integration-test",
		KafkaGroupID:       "integration-service",
		ContactsTopic:      events.TopicContacts,
		VerifiedTopic:      events.TopicCustomerSSNVerified,
		KafkaRetryMax:      3,
		KafkaWriteMS:       5000,
		KafkaStartEarliest: true,
	}
	require.NoError(t, mqx.EnsureTopics(ctx, cfg,
		mqx.TopicSpec{Name: cfg.ContactsTopic, Partitions: events.DefaultPartitions},
		mqx.TopicSpec{Name: cfg.VerifiedTopic, Partitions: events.DefaultPartitions},
	))

	pool, err := dbx.NewPool(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, repos.EnsureSchema(ctx, pool))

	cache := cachex.NewWithRedis(redis.NewClient(redisOpts))
	t.Cleanup(func() { _ = cache.Close() })
	return stack{cfg: cfg, pool: pool, cache: cache}
}

func contactEvent(t *testing.T, eventID, contactID, name string, payload map[string]string) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	msg, err := events.EncodeBusinessEvent(models.BusinessEvent{
		EventID:      eventID,
		AggregateID:  contactID,
		EventName:    name,
		EventPayload: string(raw),
	})
	require.NoError(t, err)
	return msg
}

func TestContactsRoundTrip(t *testing.T) {
	s := startStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	logger := logx.Nop()

	producer, err := mqx.NewProducer(s.cfg)
	require.NoError(t, err)
	defer producer.Close()

	eventsRepo := repos.NewEventsRepo(s.pool)
	outcomesRepo := repos.NewOutcomesRepo(s.pool)
	outcomeCache := repos.NewOutcomeCache(s.cache, time.Minute)

	verifyPool := executor.New(executor.Options{Name: "verify", Workers: 4, QueueDepth: 8})
	pipe := pipeline.New(verifyPool, pipeline.Deps{
		Verifier:  verifier.NewService(verifier.StubMatcher{Delay: 50 * time.Millisecond}, logger),
		Store:     outcomesRepo,
		Publisher: publisher.New(producer, s.cfg.VerifiedTopic),
		Cache:     outcomeCache,
		Logger:    logger,
	}, pipeline.Options{})

	reader, err := mqx.NewConsumer(s.cfg, s.cfg.ContactsTopic, s.cfg.KafkaGroupID)
	require.NoError(t, err)
	defer reader.Close()
	loop := consumer.New(reader, eventsRepo, outcomesRepo, pipe, logger, consumer.Options{
		Topic:        s.cfg.ContactsTopic,
		Group:        s.cfg.KafkaGroupID,
		RetryMax:     3,
		RetryBackoff: 100 * time.Millisecond,
	})

	person := map[string]string{"ssn": "123-45-6789", "firstName": "Jane", "lastName": "Doe"}
	inbound := []kafka.Message{
		contactEvent(t, "ev-1", "contact-a", "ContactCreated", person),
		contactEvent(t, "ev-2", "contact-b", "ContactCreated", map[string]string{"ssn": "bad", "firstName": "Bo", "lastName": "Li"}),
		contactEvent(t, "ev-3", "contact-a", "ContactUpdated", person),
		contactEvent(t, "ev-4", "contact-a", "ContactCreated", map[string]string{"ssn": "123-45-6789", "firstName": "", "lastName": "Doe"}),
		contactEvent(t, "ev-1", "contact-a", "ContactCreated", person),
	}
	for _, msg := range inbound {
		require.NoError(t, producer.Publish(ctx, s.cfg.ContactsTopic, msg.Key, msg.Value, nil))
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- loop.Run(runCtx) }()

	verified := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.cfg.KafkaBrokers,
		GroupID:     "integration-verify",
		Topic:       s.cfg.VerifiedTopic,
		StartOffset: kafka.FirstOffset,
	})
	defer verified.Close()

	bySubject := map[string][]string{}
	var published []models.VerificationOutcome
	for i := 0; i < 3; i++ {
		msg, err := verified.ReadMessage(ctx)
		require.NoError(t, err)
		o, err := events.DecodeOutcome(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, string(msg.Key), o.SubjectID)
		assert.Equal(t, o.SourceEventID, events.HeaderValue(msg, events.HeaderSourceEventID))
		bySubject[o.SubjectID] = append(bySubject[o.SubjectID], o.SourceEventID)
		published = append(published, o)
	}
	assert.Equal(t, []string{"ev-1", "ev-4"}, bySubject["contact-a"])
	assert.Equal(t, []string{"ev-2"}, bySubject["contact-b"])

	stop()
	require.NoError(t, <-done)
	require.NoError(t, pipe.Shutdown(ctx))

	var storedEvents int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT count(*) FROM business_events`).Scan(&storedEvents))
	assert.Equal(t, 4, storedEvents)

	outcomes, err := outcomesRepo.List(ctx, models.OutcomeFilter{SubjectID: "contact-a"})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, models.StatusInvalidName, outcomes[0].Status)
	assert.Equal(t, models.StatusVerified, outcomes[1].Status)
	for _, o := range published {
		stored, err := outcomesRepo.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, stored, o)
		d, err := outcomesRepo.Delivery(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.DeliveryPublished, d.Status)
		assert.NotNil(t, d.PublishedAt)
	}

	cached, ok, err := outcomeCache.Get(ctx, "contact-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, outcomes[0].ID, cached.ID)
}

func TestRedriveRepublishesGaps(t *testing.T) {
	s := startStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	outcomesRepo := repos.NewOutcomesRepo(s.pool)
	saved, err := outcomesRepo.Save(ctx, models.VerificationOutcome{
		SubjectID:          "contact-z",
		SourceEventID:      "ev-z",
		SSN:                "123-45-6789",
		Status:             models.StatusVerified,
		IsMatching:         true,
		VerificationSource: models.SourceKafkaEventHandler,
	})
	require.NoError(t, err)
	require.NoError(t, outcomesRepo.MarkDeliveryGap(ctx, saved.ID, "broker unavailable"))

	producer, err := mqx.NewProducer(s.cfg)
	require.NoError(t, err)
	defer producer.Close()

	runner := redrive.NewRunner(outcomesRepo, publisher.New(producer, s.cfg.VerifiedTopic), logx.Nop(), 10, 5)
	res, err := runner.Run(ctx, redrive.Payload{RequestID: "it-1"})
	require.NoError(t, err)
	assert.Equal(t, redrive.Result{Claimed: 1, Published: 1}, res)

	got, err := outcomesRepo.GetByID(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved, got)
	d, err := outcomesRepo.Delivery(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.DeliveryPublished, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Empty(t, d.LastError)

	err = outcomesRepo.MarkDeliveryGap(ctx, saved.ID, "late failure")
	assert.ErrorIs(t, err, repos.ErrInvalidTransition)
}
