package repos

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/workflow"
)

var ErrInvalidTransition = errors.New("invalid delivery status transition")

// A claimed gap stays invisible to other redrive runs for this long.
const gapLease = 5 * time.Minute

const outcomeColumns = `id, contact_id, source_event_id, ssn, first_name, last_name, status, is_matching, message,
	verification_source, verification_timestamp, created_timestamp`

type OutcomesRepo struct {
	db DBTX
}

func NewOutcomesRepo(pool *pgxpool.Pool) *OutcomesRepo {
	return &OutcomesRepo{db: pool}
}

func NewOutcomesRepoWithDB(db DBTX) *OutcomesRepo {
	return &OutcomesRepo{db: db}
}

// Save inserts the outcome together with a PENDING delivery record. The
// returned outcome is exactly what GetByID reads back later.
func (r *OutcomesRepo) Save(ctx context.Context, o models.VerificationOutcome) (models.VerificationOutcome, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	err := r.db.QueryRow(ctx, `
		WITH saved AS (
			INSERT INTO ssn_verification_results (
				contact_id, source_event_id, ssn, first_name, last_name, status, is_matching, message,
				verification_source, verification_timestamp, created_timestamp
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
			)
			RETURNING id, contact_id, created_timestamp
		), delivery AS (
			INSERT INTO outcome_deliveries (outcome_id, contact_id, status)
			SELECT id, contact_id, $12 FROM saved
		)
		SELECT id, created_timestamp FROM saved
	`, o.SubjectID, o.SourceEventID, o.SSN, o.FirstName, o.LastName, string(o.Status), o.IsMatching, o.Message,
		o.VerificationSource, o.VerificationTimestamp, o.CreatedAt, workflow.DeliveryPending).
		Scan(&o.ID, &o.CreatedAt)
	o.CreatedAt = o.CreatedAt.UTC()
	return o, err
}

func (r *OutcomesRepo) MarkPublished(ctx context.Context, id int64) error {
	return r.transition(ctx, id, workflow.DeliveryPublished, "", `published_at = now(), last_error = NULL`)
}

func (r *OutcomesRepo) MarkDeliveryGap(ctx context.Context, id int64, cause string) error {
	return r.transition(ctx, id, workflow.DeliveryGap, cause, `attempts = attempts + 1, last_error = $4`)
}

func (r *OutcomesRepo) Delivery(ctx context.Context, id int64) (models.Delivery, error) {
	var (
		d       models.Delivery
		lastErr *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT outcome_id, status, attempts, last_error, published_at
		FROM outcome_deliveries
		WHERE outcome_id = $1
	`, id).Scan(&d.OutcomeID, &d.Status, &d.Attempts, &lastErr, &d.PublishedAt)
	if err != nil {
		return models.Delivery{}, notFound(err)
	}
	d.LastError = stringOrEmpty(lastErr)
	return d, nil
}

// ReleaseGaps drops owner's lease on the given gaps so the next run can claim
// them without waiting for the lease to expire.
func (r *OutcomesRepo) ReleaseGaps(ctx context.Context, owner string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE outcome_deliveries
		SET locked_at = NULL, locked_by = NULL, updated_timestamp = now()
		WHERE outcome_id = ANY($1) AND locked_by = $2
	`, ids, owner)
	return err
}

// transition moves one row to the target state when its current state allows it.
// extra may reference $4, which is bound to cause.
func (r *OutcomesRepo) transition(ctx context.Context, id int64, to string, cause string, extra string) error {
	from := append(workflow.SourcesFor(to), to)
	args := []any{id, to, from}
	if strings.Contains(extra, "$4") {
		args = append(args, cause)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE outcome_deliveries
		SET status = $2, locked_at = NULL, locked_by = NULL, updated_timestamp = now(), `+extra+`
		WHERE outcome_id = $1 AND status = ANY($3)
	`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	if err := r.db.QueryRow(ctx, `SELECT status FROM outcome_deliveries WHERE outcome_id = $1`, id).Scan(&current); err != nil {
		return notFound(err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

func (r *OutcomesRepo) ExistsForEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ssn_verification_results WHERE source_event_id = $1)
	`, eventID).Scan(&exists)
	return exists, err
}

func (r *OutcomesRepo) GetByID(ctx context.Context, id int64) (models.VerificationOutcome, error) {
	row := r.db.QueryRow(ctx, `SELECT `+outcomeColumns+` FROM ssn_verification_results WHERE id = $1`, id)
	o, err := scanOutcome(row)
	return o, notFound(err)
}

// List returns outcomes matching every non-empty field of f, newest first.
func (r *OutcomesRepo) List(ctx context.Context, f models.OutcomeFilter) ([]models.VerificationOutcome, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SubjectID != "" {
		add("contact_id = $%d", f.SubjectID)
	}
	if f.SSN != "" {
		add("ssn = $%d", f.SSN)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Matching != nil {
		add("is_matching = $%d", *f.Matching)
	}
	query := `SELECT ` + outcomeColumns + ` FROM ssn_verification_results`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.VerificationOutcome, 0)
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *OutcomesRepo) Latest(ctx context.Context, subjectID string) (models.VerificationOutcome, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+outcomeColumns+`
		FROM ssn_verification_results
		WHERE contact_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, subjectID)
	o, err := scanOutcome(row)
	return o, notFound(err)
}

// ClaimGaps leases up to limit GAP outcomes to owner, skipping rows another run holds.
// An empty subjectID claims across all subjects. Results are ordered by subject, then id.
func (r *OutcomesRepo) ClaimGaps(ctx context.Context, owner string, subjectID string, limit int, maxAttempts int) ([]models.DeliveryGap, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT outcome_id
			FROM outcome_deliveries
			WHERE status = $1
				AND ($2 = '' OR contact_id = $2)
				AND ($3 <= 0 OR attempts < $3)
				AND (locked_at IS NULL OR locked_at < $4)
			ORDER BY contact_id, outcome_id
			FOR UPDATE SKIP LOCKED
			LIMIT $5
		), leased AS (
			UPDATE outcome_deliveries d
			SET locked_at = now(), locked_by = $6, updated_timestamp = now()
			FROM candidates c
			WHERE d.outcome_id = c.outcome_id
			RETURNING d.outcome_id, d.attempts, d.last_error
		)
		SELECT o.id, o.contact_id, o.source_event_id, o.ssn, o.first_name, o.last_name, o.status, o.is_matching, o.message,
			o.verification_source, o.verification_timestamp, o.created_timestamp,
			l.attempts, l.last_error
		FROM leased l
		JOIN ssn_verification_results o ON o.id = l.outcome_id
	`, workflow.DeliveryGap, subjectID, maxAttempts, time.Now().UTC().Add(-gapLease), limit, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	gaps := make([]models.DeliveryGap, 0, limit)
	for rows.Next() {
		var (
			g       models.DeliveryGap
			status  string
			lastErr *string
		)
		o := &g.Outcome
		if err := rows.Scan(
			&o.ID, &o.SubjectID, &o.SourceEventID, &o.SSN, &o.FirstName, &o.LastName, &status, &o.IsMatching, &o.Message,
			&o.VerificationSource, &o.VerificationTimestamp, &o.CreatedAt,
			&g.Attempts, &lastErr,
		); err != nil {
			return nil, err
		}
		o.Status = models.VerificationStatus(status)
		o.CreatedAt = o.CreatedAt.UTC()
		g.LastError = stringOrEmpty(lastErr)
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortGaps(gaps)
	return gaps, nil
}

func sortGaps(gaps []models.DeliveryGap) {
	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].Outcome.SubjectID != gaps[j].Outcome.SubjectID {
			return gaps[i].Outcome.SubjectID < gaps[j].Outcome.SubjectID
		}
		return gaps[i].Outcome.ID < gaps[j].Outcome.ID
	})
}

func scanOutcome(row pgx.Row) (models.VerificationOutcome, error) {
	var (
		o      models.VerificationOutcome
		status string
	)
	err := row.Scan(&o.ID, &o.SubjectID, &o.SourceEventID, &o.SSN, &o.FirstName, &o.LastName, &status, &o.IsMatching,
		&o.Message, &o.VerificationSource, &o.VerificationTimestamp, &o.CreatedAt)
	o.Status = models.VerificationStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	return o, err
}
