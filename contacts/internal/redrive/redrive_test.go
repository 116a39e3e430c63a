package redrive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/repos"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/workflow"
)

type flakyPublisher struct {
	failFor   map[string]bool
	published []int64
}

func (p *flakyPublisher) Publish(_ context.Context, o models.VerificationOutcome) (models.DeliveryAck, error) {
	if p.failFor[o.SubjectID] {
		return models.DeliveryAck{}, errors.New("broker unavailable")
	}
	p.published = append(p.published, o.ID)
	return models.DeliveryAck{Key: o.SubjectID}, nil
}

type captureEnqueuer struct {
	task *asynq.Task
}

func (c *captureEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.task = task
	return &asynq.TaskInfo{ID: "task-1", Queue: "default"}, nil
}

func seedGaps(t *testing.T, store *repos.MemoryOutcomes, subjects ...string) []int64 {
	t.Helper()
	ctx := context.Background()
	var ids []int64
	for i, s := range subjects {
		o, err := store.Save(ctx, models.VerificationOutcome{
			SubjectID:     s,
			SourceEventID: s + "-" + string(rune('a'+i)),
			Status:        models.StatusVerified,
		})
		require.NoError(t, err)
		require.NoError(t, store.MarkDeliveryGap(ctx, o.ID, "initial failure"))
		ids = append(ids, o.ID)
	}
	return ids
}

func TestRunRepublishesGapsInSubjectOrder(t *testing.T) {
	store := repos.NewMemoryOutcomes()
	ids := seedGaps(t, store, "c-2", "c-1", "c-2")
	pub := &flakyPublisher{}
	runner := NewRunner(store, pub, logx.Nop(), 10, 0)

	res, err := runner.Run(context.Background(), Payload{RequestID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 3, Published: 3}, res)
	assert.Equal(t, []int64{ids[1], ids[0], ids[2]}, pub.published)

	for _, id := range ids {
		d, err := store.Delivery(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, workflow.DeliveryPublished, d.Status)
	}
}

func TestRunHoldsBackSubjectAfterFailure(t *testing.T) {
	store := repos.NewMemoryOutcomes()
	ids := seedGaps(t, store, "c-1", "c-1", "c-2")
	pub := &flakyPublisher{failFor: map[string]bool{"c-1": true}}
	runner := NewRunner(store, pub, logx.Nop(), 10, 0)

	res, err := runner.Run(context.Background(), Payload{RequestID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 3, Published: 1, Failed: 1, Skipped: 1}, res)
	assert.Equal(t, []int64{ids[2]}, pub.published)

	first, err := store.Delivery(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, workflow.DeliveryGap, first.Status)
	assert.Equal(t, 2, first.Attempts)
	assert.Equal(t, "broker unavailable", first.LastError)
}

func TestRunReleasesSkippedGapsForNextRun(t *testing.T) {
	store := repos.NewMemoryOutcomes()
	ids := seedGaps(t, store, "c-1", "c-1")

	res, err := NewRunner(store, &flakyPublisher{failFor: map[string]bool{"c-1": true}}, logx.Nop(), 10, 0).
		Run(context.Background(), Payload{RequestID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 2, Failed: 1, Skipped: 1}, res)

	// The broker is back well inside the lease window.
	healthy := &flakyPublisher{}
	res, err = NewRunner(store, healthy, logx.Nop(), 10, 0).Run(context.Background(), Payload{RequestID: "r-2"})
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 2, Published: 2}, res)
	assert.Equal(t, ids, healthy.published)
}

func TestRunRespectsSubjectFilterAndAttemptLimit(t *testing.T) {
	store := repos.NewMemoryOutcomes()
	seedGaps(t, store, "c-1", "c-2")
	pub := &flakyPublisher{}

	res, err := NewRunner(store, pub, logx.Nop(), 10, 0).Run(context.Background(), Payload{RequestID: "r-1", SubjectID: "c-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	res, err = NewRunner(store, pub, logx.Nop(), 10, 1).Run(context.Background(), Payload{RequestID: "r-2"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed, "gaps at the attempt limit are left alone")
}

func TestEnqueueAndProcessTask(t *testing.T) {
	enq := &captureEnqueuer{}
	id, p, err := Enqueue(context.Background(), enq, "default", " c-1 ")
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	assert.Equal(t, "c-1", p.SubjectID)
	require.NotNil(t, enq.task)
	assert.Equal(t, TaskType, enq.task.Type())

	var decoded Payload
	require.NoError(t, json.Unmarshal(enq.task.Payload(), &decoded))
	assert.Equal(t, p, decoded)

	store := repos.NewMemoryOutcomes()
	seedGaps(t, store, "c-1")
	pub := &flakyPublisher{}
	require.NoError(t, NewRunner(store, pub, logx.Nop(), 10, 0).ProcessTask(context.Background(), enq.task))
	assert.Len(t, pub.published, 1)
}

func TestProcessTaskRejectsBadPayload(t *testing.T) {
	runner := NewRunner(repos.NewMemoryOutcomes(), &flakyPublisher{}, logx.Nop(), 10, 0)
	err := runner.ProcessTask(context.Background(), asynq.NewTask(TaskType, []byte("{")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
