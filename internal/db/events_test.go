package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changelab/changelab/internal/models"
	testutil "github.com/changelab/changelab/internal/testing"
)

func seedEventJob(t *testing.T, store *Store, id string) {
	t.Helper()
	job := testutil.NewTestJob(testutil.JobOpts{ID: id})
	require.NoError(t, store.CreateJob(context.Background(), job))
}

func TestRecordEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		seedEventJob(t, store, "job-1")

		err := store.RecordEvent(ctx, "job.stage", "job-1", models.StageDeployment, "stage deployment started", `{"attempt":1}`)
		require.NoError(t, err)

		events, err := store.ListEventsByJob(ctx, "job-1", 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "job.stage", events[0].Kind)
		assert.Equal(t, "job-1", events[0].JobID)
		assert.Equal(t, models.StageDeployment, events[0].Stage)
		assert.Equal(t, "stage deployment started", events[0].Message)
		assert.Equal(t, `{"attempt":1}`, events[0].JSON)
		assert.False(t, events[0].Timestamp.IsZero())
	})

	t.Run("empty stage allowed", func(t *testing.T) {
		store := openTestStore(t)
		seedEventJob(t, store, "job-2")

		err := store.RecordEvent(ctx, "job.created", "job-2", "", "job created", "")
		require.NoError(t, err)

		events, err := store.ListEventsByJob(ctx, "job-2", 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Empty(t, string(events[0].Stage))
		assert.Empty(t, events[0].JSON)
	})

	t.Run("unknown job refused by foreign key", func(t *testing.T) {
		store := openTestStore(t)
		err := store.RecordEvent(ctx, "job.created", "missing", "", "", "")
		assert.Error(t, err)
	})

	t.Run("validation", func(t *testing.T) {
		store := openTestStore(t)
		assert.EqualError(t, store.RecordEvent(ctx, "", "job-1", "", "", ""), "event kind is required")
		assert.EqualError(t, store.RecordEvent(ctx, "job.created", "  ", "", "", ""), "job id is required")
	})
}

func TestListEventsByJob(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedEventJob(t, store, "job-1")
	seedEventJob(t, store, "job-2")

	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordEvent(ctx, "job.stage", "job-1", "", fmt.Sprintf("step %d", i), ""))
	}
	require.NoError(t, store.RecordEvent(ctx, "job.stage", "job-2", "", "other job", ""))

	t.Run("insertion order and scoping", func(t *testing.T) {
		events, err := store.ListEventsByJob(ctx, "job-1", 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, ev := range events {
			assert.Equal(t, fmt.Sprintf("step %d", i), ev.Message)
			assert.Equal(t, "job-1", ev.JobID)
		}
	})

	t.Run("after cursor", func(t *testing.T) {
		all, err := store.ListEventsByJob(ctx, "job-1", 0, 10)
		require.NoError(t, err)
		require.Len(t, all, 5)

		rest, err := store.ListEventsByJob(ctx, "job-1", all[2].ID, 10)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, "step 3", rest[0].Message)
		assert.Equal(t, "step 4", rest[1].Message)
	})

	t.Run("limit", func(t *testing.T) {
		events, err := store.ListEventsByJob(ctx, "job-1", 0, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "step 0", events[0].Message)
	})

	t.Run("invalid limit", func(t *testing.T) {
		_, err := store.ListEventsByJob(ctx, "job-1", 0, 0)
		assert.EqualError(t, err, "limit must be positive")
	})
}

func TestListEventsByJobTail(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedEventJob(t, store, "job-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordEvent(ctx, "job.stage", "job-1", "", fmt.Sprintf("step %d", i), ""))
	}

	// The tail keeps insertion order after truncating from the front.
	events, err := store.ListEventsByJobTail(ctx, "job-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "step 2", events[0].Message)
	assert.Equal(t, "step 3", events[1].Message)
	assert.Equal(t, "step 4", events[2].Message)
}

func TestListRecentFailureEvents(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedEventJob(t, store, "job-1")
	seedEventJob(t, store, "job-2")

	require.NoError(t, store.RecordEvent(ctx, "job.failed", "job-1", models.StageDeployment, "deploy failed", ""))
	require.NoError(t, store.RecordEvent(ctx, "job.completed", "job-1", "", "done", ""))
	require.NoError(t, store.RecordEvent(ctx, "job.failed", "job-2", models.StageIntentParsing, "no devices", ""))

	events, err := store.ListRecentFailureEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "job-2", events[0].JobID)
	assert.Equal(t, "job-1", events[1].JobID)
	for _, ev := range events {
		assert.Equal(t, "job.failed", ev.Kind)
	}
}
