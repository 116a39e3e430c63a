package repos

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/workflow"
)

// MemoryEvents is an EventsRepo for local runs without a database.
type MemoryEvents struct {
	mu     sync.Mutex
	nextID int64
	byID   map[string]models.BusinessEvent
}

func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{byID: map[string]models.BusinessEvent{}}
}

func (m *MemoryEvents) Save(_ context.Context, ev models.BusinessEvent) (models.BusinessEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byID[ev.EventID]; ok {
		ev.ID = existing.ID
		return ev, false, nil
	}
	m.nextID++
	id := m.nextID
	ev.ID = &id
	m.byID[ev.EventID] = ev
	return ev, true, nil
}

func (m *MemoryEvents) GetByEventID(_ context.Context, eventID string) (models.BusinessEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.byID[eventID]
	if !ok {
		return ev, ErrNotFound
	}
	return ev, nil
}

type memoryOutcome struct {
	outcome     models.VerificationOutcome
	status      string
	attempts    int
	lastErr     string
	publishedAt time.Time
	lockedAt    time.Time
	lockedBy    string
}

// MemoryOutcomes mirrors OutcomesRepo, delivery-state guards included.
type MemoryOutcomes struct {
	mu     sync.Mutex
	nextID int64
	rows   []*memoryOutcome
	now    func() time.Time
}

func NewMemoryOutcomes() *MemoryOutcomes {
	return &MemoryOutcomes{now: time.Now}
}

func (m *MemoryOutcomes) Save(_ context.Context, o models.VerificationOutcome) (models.VerificationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o.ID = m.nextID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now().UTC().Round(0)
	}
	m.rows = append(m.rows, &memoryOutcome{outcome: o, status: workflow.DeliveryPending})
	return o, nil
}

func (m *MemoryOutcomes) MarkPublished(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, err := m.transition(id, workflow.DeliveryPublished)
	if err != nil {
		return err
	}
	row.lastErr = ""
	row.publishedAt = m.now().UTC()
	return nil
}

func (m *MemoryOutcomes) MarkDeliveryGap(_ context.Context, id int64, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, err := m.transition(id, workflow.DeliveryGap)
	if err != nil {
		return err
	}
	row.attempts++
	row.lastErr = cause
	return nil
}

func (m *MemoryOutcomes) transition(id int64, to string) (*memoryOutcome, error) {
	for _, row := range m.rows {
		if row.outcome.ID != id {
			continue
		}
		if !workflow.CanTransition(row.status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, row.status, to)
		}
		row.status = to
		row.lockedAt = time.Time{}
		row.lockedBy = ""
		return row, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryOutcomes) Delivery(_ context.Context, id int64) (models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.outcome.ID != id {
			continue
		}
		d := models.Delivery{OutcomeID: id, Status: row.status, Attempts: row.attempts, LastError: row.lastErr}
		if !row.publishedAt.IsZero() {
			at := row.publishedAt
			d.PublishedAt = &at
		}
		return d, nil
	}
	return models.Delivery{}, ErrNotFound
}

func (m *MemoryOutcomes) ReleaseGaps(_ context.Context, owner string, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	release := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		release[id] = struct{}{}
	}
	for _, row := range m.rows {
		if _, ok := release[row.outcome.ID]; ok && row.lockedBy == owner {
			row.lockedAt = time.Time{}
			row.lockedBy = ""
		}
	}
	return nil
}

func (m *MemoryOutcomes) ExistsForEvent(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.outcome.SourceEventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryOutcomes) GetByID(_ context.Context, id int64) (models.VerificationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.outcome.ID == id {
			return row.outcome, nil
		}
	}
	return models.VerificationOutcome{}, ErrNotFound
}

func (m *MemoryOutcomes) List(_ context.Context, f models.OutcomeFilter) ([]models.VerificationOutcome, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.VerificationOutcome, 0)
	for i := len(m.rows) - 1; i >= 0 && len(out) < f.Limit; i-- {
		o := m.rows[i].outcome
		switch {
		case f.SubjectID != "" && o.SubjectID != f.SubjectID:
		case f.SSN != "" && o.SSN != f.SSN:
		case f.Status != "" && o.Status != f.Status:
		case f.Matching != nil && o.IsMatching != *f.Matching:
		default:
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemoryOutcomes) Latest(_ context.Context, subjectID string) (models.VerificationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].outcome.SubjectID == subjectID {
			return m.rows[i].outcome, nil
		}
	}
	return models.VerificationOutcome{}, ErrNotFound
}

func (m *MemoryOutcomes) ClaimGaps(_ context.Context, owner string, subjectID string, limit int, maxAttempts int) ([]models.DeliveryGap, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var candidates []*memoryOutcome
	for _, row := range m.rows {
		switch {
		case row.status != workflow.DeliveryGap:
		case subjectID != "" && row.outcome.SubjectID != subjectID:
		case maxAttempts > 0 && row.attempts >= maxAttempts:
		case !row.lockedAt.IsZero() && row.lockedAt.After(now.Add(-gapLease)):
		default:
			candidates = append(candidates, row)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].outcome.SubjectID != candidates[j].outcome.SubjectID {
			return candidates[i].outcome.SubjectID < candidates[j].outcome.SubjectID
		}
		return candidates[i].outcome.ID < candidates[j].outcome.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	gaps := make([]models.DeliveryGap, 0, len(candidates))
	for _, row := range candidates {
		row.lockedAt = now
		row.lockedBy = owner
		gaps = append(gaps, models.DeliveryGap{Outcome: row.outcome, Attempts: row.attempts, LastError: row.lastErr})
	}
	return gaps, nil
}
