package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/executor"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/metricsx"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks . ResultStore,Publisher

type Verifier interface {
	VerifySSNMatch(ctx context.Context, ssn string, firstName string, lastName string) models.VerificationResult
}

type ResultStore interface {
	Save(ctx context.Context, outcome models.VerificationOutcome) (models.VerificationOutcome, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkDeliveryGap(ctx context.Context, id int64, cause string) error
}

type Publisher interface {
	Publish(ctx context.Context, outcome models.VerificationOutcome) (models.DeliveryAck, error)
}

// OutcomeCache keeps the latest outcome per subject. Optional.
type OutcomeCache interface {
	Put(ctx context.Context, outcome models.VerificationOutcome) error
}

// Recorder receives one sample per persisted outcome. Optional.
type Recorder interface {
	Record(ctx context.Context, outcome models.VerificationOutcome, latency time.Duration)
}

type Deps struct {
	Verifier  Verifier
	Store     ResultStore
	Publisher Publisher
	Cache     OutcomeCache
	Recorder  Recorder
	Logger    logx.Logger
}

type Options struct {
	SubmitTimeout time.Duration
	VerifyTimeout time.Duration
	GapTimeout    time.Duration
}

// Pipeline runs verify, persist and publish for ContactCreated events on its own
// executor. Outcomes of one subject are published in submit order.
type Pipeline struct {
	exec *executor.Executor
	seq  *sequencer
	deps Deps
	opts Options

	submitMu sync.Mutex
	now      func() time.Time
}

func New(exec *executor.Executor, deps Deps, opts Options) *Pipeline {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 30 * time.Second
	}
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = 5 * time.Second
	}
	return &Pipeline{
		exec: exec,
		seq:  newSequencer(),
		deps: deps,
		opts: opts,
		now:  time.Now,
	}
}

// Submit queues one verification. It waits up to SubmitTimeout for queue space and
// returns executor.ErrSaturated or executor.ErrClosed when the work was not accepted.
func (p *Pipeline) Submit(ctx context.Context, subject models.VerificationSubject, ev models.BusinessEvent) error {
	p.submitMu.Lock()
	defer p.submitMu.Unlock()

	t := p.seq.Ticket(ev.AggregateID)
	origin := trace.SpanContextFromContext(ctx)
	submitCtx, cancel := context.WithTimeout(ctx, p.opts.SubmitTimeout)
	defer cancel()
	err := p.exec.Submit(submitCtx, func(workCtx context.Context) {
		p.run(workCtx, t, origin, subject, ev)
	})
	if err != nil {
		p.seq.Done(t)
		return err
	}
	return nil
}

func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.exec.Shutdown(ctx)
}

// run happens on a worker context, so the span links back to the consuming span
// instead of being its child.
func (p *Pipeline) run(ctx context.Context, t ticket, origin trace.SpanContext, subject models.VerificationSubject, ev models.BusinessEvent) {
	defer p.seq.Done(t)
	log := p.deps.Logger.With(
		slog.String("event_id", ev.EventID),
		slog.String("aggregate_id", ev.AggregateID),
	)
	if ctx.Err() != nil {
		log.Warn(ctx, "verification_abandoned", "verification abandoned at shutdown")
		return
	}

	var opts []trace.SpanStartOption
	if origin.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: origin}))
	}
	ctx, span := otel.Tracer("pipeline").Start(ctx, "verification.run", opts...)
	span.SetAttributes(
		attribute.String("contact.id", ev.AggregateID),
		attribute.String("event.id", ev.EventID),
	)
	defer span.End()

	start := p.now()
	verifyCtx, cancel := context.WithTimeout(ctx, p.opts.VerifyTimeout)
	result := p.deps.Verifier.VerifySSNMatch(verifyCtx, subject.SSN, subject.FirstName, subject.LastName)
	cancel()
	latency := p.now().Sub(start)
	if ctx.Err() != nil {
		log.Warn(ctx, "verification_abandoned", "verification interrupted at shutdown")
		return
	}
	metricsx.ObserveVerificationLatency(latency)
	metricsx.IncVerificationOutcome(string(result.Status))
	log.Info(ctx, "verification_completed", "ssn verification completed",
		slog.String("status", string(result.Status)),
		slog.Bool("is_matching", result.IsMatching),
		slog.Int64("latency_ms", latency.Milliseconds()),
	)

	saved, err := p.deps.Store.Save(ctx, BuildOutcome(ev, subject, result))
	if err != nil {
		metricsx.IncOutcomePersistFailure()
		span.SetStatus(codes.Error, "persist failed")
		log.Error(ctx, "outcome_persist_failed", "failed to persist verification outcome",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return
	}
	log = log.With(slog.Int64("outcome_id", saved.ID))
	log.Info(ctx, "outcome_persisted", "verification outcome persisted")

	if p.deps.Cache != nil {
		if err := p.deps.Cache.Put(ctx, saved); err != nil {
			log.Warn(ctx, "outcome_cache_failed", "failed to cache latest outcome", slog.String("error", err.Error()))
		}
	}
	if p.deps.Recorder != nil {
		p.deps.Recorder.Record(ctx, saved, latency)
	}

	if err := p.seq.Wait(ctx, t); err != nil {
		p.markGap(ctx, log, saved, err)
		return
	}
	ack, err := p.deps.Publisher.Publish(ctx, saved)
	if err != nil {
		span.SetStatus(codes.Error, "publish failed")
		p.markGap(ctx, log, saved, err)
		return
	}
	metricsx.IncOutcomePublished()
	if err := p.deps.Store.MarkPublished(ctx, saved.ID); err != nil {
		log.Warn(ctx, "outcome_mark_published_failed", "outcome published but delivery state not updated",
			slog.String("error", err.Error()),
		)
	}
	log.Info(ctx, "outcome_published", "verification outcome published",
		slog.String("topic", ack.Topic),
	)
}

// markGap runs on a detached context so a gap is still recorded when the worker
// context was cancelled.
func (p *Pipeline) markGap(ctx context.Context, log logx.Logger, outcome models.VerificationOutcome, cause error) {
	metricsx.IncOutcomeDeliveryGap()
	log.Error(ctx, "outcome_publish_failed", "verification outcome not delivered",
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", cause.Error()),
	)
	gapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.GapTimeout)
	defer cancel()
	if err := p.deps.Store.MarkDeliveryGap(gapCtx, outcome.ID, cause.Error()); err != nil {
		log.Error(ctx, "outcome_mark_gap_failed", "failed to record delivery gap",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
}

func BuildOutcome(ev models.BusinessEvent, subject models.VerificationSubject, result models.VerificationResult) models.VerificationOutcome {
	return models.VerificationOutcome{
		SubjectID:             ev.AggregateID,
		SourceEventID:         ev.EventID,
		SSN:                   result.SSN,
		FirstName:             subject.FirstName,
		LastName:              subject.LastName,
		Status:                result.Status,
		IsMatching:            result.IsMatching,
		Message:               result.Message,
		VerificationSource:    models.SourceKafkaEventHandler,
		VerificationTimestamp: result.VerificationTimestamp,
	}
}
