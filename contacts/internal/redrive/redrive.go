package redrive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/metricsx"
)

const TaskType = "outcomes.redrive"

type Payload struct {
	RequestID string `json:"request_id"`
	SubjectID string `json:"contact_id,omitempty"`
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func NewTask(subjectID string, queue string) (*asynq.Task, Payload, error) {
	p := Payload{RequestID: uuid.NewString(), SubjectID: strings.TrimSpace(subjectID)}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, p, err
	}
	opts := []asynq.Option{asynq.MaxRetry(3)}
	if queue != "" {
		opts = append(opts, asynq.Queue(queue))
	}
	return asynq.NewTask(TaskType, b, opts...), p, nil
}

// Enqueue schedules one redrive run and returns the asynq task id.
func Enqueue(ctx context.Context, enq Enqueuer, queue string, subjectID string) (string, Payload, error) {
	task, p, err := NewTask(subjectID, queue)
	if err != nil {
		return "", p, err
	}
	info, err := enq.EnqueueContext(ctx, task)
	if err != nil {
		return "", p, fmt.Errorf("enqueue redrive: %w", err)
	}
	return info.ID, p, nil
}

type GapStore interface {
	ClaimGaps(ctx context.Context, owner string, subjectID string, limit int, maxAttempts int) ([]models.DeliveryGap, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkDeliveryGap(ctx context.Context, id int64, cause string) error
	ReleaseGaps(ctx context.Context, owner string, ids []int64) error
}

type Publisher interface {
	Publish(ctx context.Context, outcome models.VerificationOutcome) (models.DeliveryAck, error)
}

type Result struct {
	Claimed   int `json:"claimed"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Runner republishes outcomes whose first publication failed. Within a subject,
// outcomes go out in id order and a failure holds back the rest of that subject.
type Runner struct {
	store       GapStore
	publisher   Publisher
	logger      logx.Logger
	batchSize   int
	maxAttempts int
}

func NewRunner(store GapStore, publisher Publisher, logger logx.Logger, batchSize int, maxAttempts int) *Runner {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Runner{
		store:       store,
		publisher:   publisher,
		logger:      logger,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
	}
}

// ProcessTask implements asynq.Handler.
func (r *Runner) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode redrive payload: %w: %w", asynq.SkipRetry, err)
	}
	res, err := r.Run(ctx, p)
	if err != nil {
		return err
	}
	r.logger.Info(ctx, "redrive_completed", "delivery gap redrive finished",
		slog.String("request_id", p.RequestID),
		slog.String("contact_id", p.SubjectID),
		slog.Int("claimed", res.Claimed),
		slog.Int("published", res.Published),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
	)
	return nil
}

// Run claims one batch of gaps and republishes it. Failures are recorded on the
// delivery and are not an error of the run. Gaps held back behind a failure are
// released so the next run can pick them up at once.
func (r *Runner) Run(ctx context.Context, p Payload) (Result, error) {
	ctx, span := otel.Tracer("asynq").Start(ctx, "outcomes.redrive")
	span.SetAttributes(
		attribute.String("redrive.request_id", p.RequestID),
		attribute.String("redrive.contact_id", p.SubjectID),
	)
	defer span.End()

	owner := p.RequestID
	if owner == "" {
		owner = uuid.NewString()
	}
	gaps, err := r.store.ClaimGaps(ctx, owner, p.SubjectID, r.batchSize, r.maxAttempts)
	if err != nil {
		span.SetStatus(codes.Error, "claim failed")
		return Result{}, fmt.Errorf("claim gaps: %w", err)
	}

	res := Result{Claimed: len(gaps)}
	blocked := map[string]bool{}
	var skipped []int64
	for _, gap := range gaps {
		o := gap.Outcome
		if blocked[o.SubjectID] {
			res.Skipped++
			skipped = append(skipped, o.ID)
			metricsx.IncOutcomeRedriven("skipped")
			continue
		}
		log := r.logger.With(
			slog.Int64("outcome_id", o.ID),
			slog.String("contact_id", o.SubjectID),
			slog.Int("attempts", gap.Attempts),
		)
		if _, err := r.publisher.Publish(ctx, o); err != nil {
			blocked[o.SubjectID] = true
			res.Failed++
			metricsx.IncOutcomeRedriven("failed")
			log.Warn(ctx, "redrive_publish_failed", "outcome republish failed",
				slog.String("error", err.Error()),
			)
			if err := r.store.MarkDeliveryGap(ctx, o.ID, err.Error()); err != nil {
				log.Error(ctx, "redrive_mark_failed", "failed to record redrive failure",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if err := r.store.MarkPublished(ctx, o.ID); err != nil {
			// Published but not marked: the next run republishes it, consumers see a duplicate.
			log.Error(ctx, "redrive_mark_failed", "failed to mark redriven outcome published",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		res.Published++
		metricsx.IncOutcomeRedriven("published")
	}
	if len(skipped) > 0 {
		if err := r.store.ReleaseGaps(ctx, owner, skipped); err != nil {
			// The lease expires on its own; until then other runs pass these gaps over.
			r.logger.Warn(ctx, "redrive_release_failed", "failed to release skipped gaps",
				slog.String("request_id", p.RequestID),
				slog.Int("skipped", len(skipped)),
				slog.String("error", err.Error()),
			)
		}
	}
	if res.Failed > 0 {
		span.SetStatus(codes.Error, "some outcomes were not republished")
	}
	return res, nil
}
