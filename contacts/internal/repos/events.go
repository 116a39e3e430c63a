package repos

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
)

type EventsRepo struct {
	db DBTX
}

func NewEventsRepo(pool *pgxpool.Pool) *EventsRepo {
	return &EventsRepo{db: pool}
}

func NewEventsRepoWithDB(db DBTX) *EventsRepo {
	return &EventsRepo{db: db}
}

// Save inserts ev unless a row with the same event_id exists. The returned event
// carries the stored surrogate id in both cases.
func (r *EventsRepo) Save(ctx context.Context, ev models.BusinessEvent) (models.BusinessEvent, bool, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO business_events (
			event_id, aggregate_id, aggregate_name, event_name, event_payload, schema_name, correlation_id,
			event_direction, created_by, created_timestamp, updated_by, updated_timestamp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id
	`, ev.EventID, ev.AggregateID, nullIfEmpty(ev.AggregateName), ev.EventName, ev.EventPayload, nullIfEmpty(ev.Schema),
		nullIfEmpty(ev.CorrelationID), nullIfEmpty(string(ev.EventDirection)), nullIfEmpty(ev.CreatedBy),
		timeOrNil(ev.CreatedTimestamp.Time), nullIfEmpty(ev.UpdatedBy), timeOrNil(ev.UpdatedTimestamp.Time)).
		Scan(&id)
	if err == nil {
		ev.ID = &id
		return ev, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ev, false, err
	}

	if err := r.db.QueryRow(ctx, `SELECT id FROM business_events WHERE event_id = $1`, ev.EventID).Scan(&id); err != nil {
		return ev, false, notFound(err)
	}
	ev.ID = &id
	return ev, false, nil
}

func (r *EventsRepo) GetByEventID(ctx context.Context, eventID string) (models.BusinessEvent, error) {
	var (
		ev                  models.BusinessEvent
		id                  int64
		aggName, schema     *string
		corr, dir, cby, uby *string
		created, updated    *time.Time
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, event_id, aggregate_id, aggregate_name, event_name, event_payload, schema_name, correlation_id,
			event_direction, created_by, created_timestamp, updated_by, updated_timestamp
		FROM business_events
		WHERE event_id = $1
	`, eventID).Scan(&id, &ev.EventID, &ev.AggregateID, &aggName, &ev.EventName, &ev.EventPayload, &schema, &corr,
		&dir, &cby, &created, &uby, &updated)
	if err != nil {
		return ev, notFound(err)
	}
	ev.ID = &id
	ev.AggregateName = stringOrEmpty(aggName)
	ev.Schema = stringOrEmpty(schema)
	ev.CorrelationID = stringOrEmpty(corr)
	ev.EventDirection = models.Direction(stringOrEmpty(dir))
	ev.CreatedBy = stringOrEmpty(cby)
	ev.UpdatedBy = stringOrEmpty(uby)
	if created != nil {
		ev.CreatedTimestamp.Time = created.UTC()
	}
	if updated != nil {
		ev.UpdatedTimestamp.Time = updated.UTC()
	}
	return ev, nil
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
