package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/metricsx"
)

const measurement = "ssn_verification"

// PointWriter is satisfied by *influxx.Client.
type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// Recorder writes one point per persisted outcome. Write failures are counted and
// never reach the pipeline.
type Recorder struct {
	writer  PointWriter
	logger  logx.Logger
	timeout time.Duration
}

func NewRecorder(writer PointWriter, logger logx.Logger, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Recorder{writer: writer, logger: logger, timeout: timeout}
}

func (r *Recorder) Record(ctx context.Context, o models.VerificationOutcome, latency time.Duration) {
	if r == nil || r.writer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	ts := o.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err := r.writer.WritePoint(ctx, measurement, map[string]string{
		"status": string(o.Status),
		"source": o.VerificationSource,
	}, map[string]any{
		"latency_ms":  latency.Milliseconds(),
		"is_matching": o.IsMatching,
		"outcome_id":  o.ID,
	}, ts)
	if err != nil {
		metricsx.IncInfluxWriteFailure()
		r.logger.Warn(ctx, "influx_write_failed", "verification telemetry write failed",
			slog.String("error", err.Error()),
		)
	}
}
