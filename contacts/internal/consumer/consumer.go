package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/events"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/metricsx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/mqx"
)

// Source is the part of *kafka.Reader the loop uses.
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

type EventStore interface {
	// Save inserts ev unless its EventID is already stored. inserted reports which happened.
	Save(ctx context.Context, ev models.BusinessEvent) (saved models.BusinessEvent, inserted bool, err error)
}

type OutcomeLookup interface {
	ExistsForEvent(ctx context.Context, eventID string) (bool, error)
}

type Submitter interface {
	Submit(ctx context.Context, subject models.VerificationSubject, ev models.BusinessEvent) error
}

type Options struct {
	Topic        string
	Group        string
	RetryMax     int
	RetryBackoff time.Duration
	FetchBackoff time.Duration
}

// Consumer processes one record at a time and commits it only after the event is
// stored and routed. A record that keeps failing stops the loop uncommitted.
type Consumer struct {
	source   Source
	events   EventStore
	outcomes OutcomeLookup
	verify   Submitter
	logger   logx.Logger
	opts     Options
}

func New(source Source, eventStore EventStore, outcomes OutcomeLookup, verify Submitter, logger logx.Logger, opts Options) *Consumer {
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.FetchBackoff <= 0 {
		opts.FetchBackoff = 500 * time.Millisecond
	}
	return &Consumer{
		source:   source,
		events:   eventStore,
		outcomes: outcomes,
		verify:   verify,
		logger:   logger,
		opts:     opts,
	}
}

// Run returns nil when ctx is cancelled and an error when a record exhausted its retries.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "consumer_start", "contacts consumer started",
		slog.String("topic", c.opts.Topic),
		slog.String("group", c.opts.Group),
	)
	for {
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			if sleepCtx(ctx, c.opts.FetchBackoff) != nil {
				return nil
			}
			continue
		}

		if err := c.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.source.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metricsx.IncKafkaCommitFailure()
			c.logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
		}
		stats := c.source.Stats()
		metricsx.SetKafkaLag(stats.Topic, c.opts.Group, stats.Lag)
	}
}

// Handle decodes msg and processes it, retrying in place. A nil return means the
// record may be committed.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	log := c.logger.With(
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
	)
	ev, err := events.DecodeBusinessEvent(msg)
	if err != nil {
		metricsx.IncEventConsumed("", "poison")
		log.Error(ctx, "event_decode_failed", "undecodable record skipped",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("key", string(msg.Key)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	ev.ID = nil
	log = log.With(
		slog.String("event_id", ev.EventID),
		slog.String("aggregate_id", ev.AggregateID),
		slog.String("event_name", ev.EventName),
	)

	traceCtx := mqx.ContextFromMessage(ctx, msg)
	for attempt := 1; ; attempt++ {
		err := c.Process(traceCtx, ev)
		if err == nil {
			return nil
		}
		if attempt > c.opts.RetryMax {
			metricsx.IncEventConsumed(ev.EventName, "failed")
			log.Error(traceCtx, "event_retries_exhausted", "event processing failed, stopping without commit",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("event %s at offset %d: %w", ev.EventID, msg.Offset, err)
		}
		log.Warn(traceCtx, "event_processing_failed", "event processing failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if err := sleepCtx(ctx, c.opts.RetryBackoff); err != nil {
			return err
		}
	}
}

// Process is the synchronous part of consuming one event: store it, then route it.
func (c *Consumer) Process(ctx context.Context, ev models.BusinessEvent) error {
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", c.opts.Topic),
		attribute.String("event.id", ev.EventID),
	)
	defer span.End()

	saved, inserted, err := c.events.Save(ctx, ev)
	if err != nil {
		span.SetStatus(codes.Error, "persist failed")
		return fmt.Errorf("persist event: %w", err)
	}
	attrs := []slog.Attr{
		slog.String("event_id", ev.EventID),
		slog.Bool("duplicate", !inserted),
	}
	if saved.ID != nil {
		attrs = append(attrs, slog.String("id", strconv.FormatInt(*saved.ID, 10)))
	}
	c.logger.Debug(ctx, "event_persisted", "business event persisted", attrs...)

	r := router{c: c, duplicate: !inserted}
	if err := models.Dispatch(ctx, r, ev); err != nil {
		span.SetStatus(codes.Error, "routing failed")
		return err
	}
	return nil
}

type router struct {
	c         *Consumer
	duplicate bool
}

func (r router) ContactCreated(ctx context.Context, ev models.BusinessEvent) error {
	log := r.c.logger.With(slog.String("event_id", ev.EventID), slog.String("aggregate_id", ev.AggregateID))
	subject, err := events.SubjectFromPayload(ev.EventPayload)
	if err != nil {
		metricsx.IncEventConsumed(ev.EventName, "skipped")
		log.Warn(ctx, "payload_parse_failed", "contact payload unreadable, verification skipped",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if r.duplicate {
		exists, err := r.c.outcomes.ExistsForEvent(ctx, ev.EventID)
		if err != nil {
			return fmt.Errorf("check existing outcome: %w", err)
		}
		if exists {
			metricsx.IncEventConsumed(ev.EventName, "duplicate")
			log.Info(ctx, "verification_duplicate_skipped", "outcome already recorded for redelivered event")
			return nil
		}
	}

	if err := r.c.verify.Submit(ctx, subject, ev); err != nil {
		return fmt.Errorf("submit verification: %w", err)
	}
	metricsx.IncEventConsumed(ev.EventName, "submitted")
	log.Info(ctx, "verification_submitted", "ssn verification submitted",
		slog.String("ssn", logx.MaskSSN(subject.SSN)),
	)
	return nil
}

func (r router) ContactUpdated(ctx context.Context, ev models.BusinessEvent) error {
	metricsx.IncEventConsumed(ev.EventName, "ignored")
	r.c.logger.Info(ctx, "contact_updated", "contact updated", slog.String("aggregate_id", ev.AggregateID))
	return nil
}

func (r router) ContactDeleted(ctx context.Context, ev models.BusinessEvent) error {
	metricsx.IncEventConsumed(ev.EventName, "ignored")
	r.c.logger.Info(ctx, "contact_deleted", "contact deleted", slog.String("aggregate_id", ev.AggregateID))
	return nil
}

func (r router) Unrecognized(ctx context.Context, ev models.BusinessEvent) error {
	metricsx.IncEventConsumed("unrecognized", "ignored")
	r.c.logger.Warn(ctx, "event_unrecognized", "unknown event type",
		slog.String("event_name", ev.EventName),
		slog.String("aggregate_id", ev.AggregateID),
	)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
