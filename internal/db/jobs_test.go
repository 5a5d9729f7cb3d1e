package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changelab/changelab/internal/models"
	testutil "github.com/changelab/changelab/internal/testing"
)

func TestCreateJob(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{ID: "job-1"})
		err := store.CreateJob(ctx, job)
		require.NoError(t, err)

		got, err := store.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", got.ID)
		assert.Equal(t, testutil.TestUseCaseName, got.UseCase)
		assert.Equal(t, testutil.TestInputText, got.InputText)
		assert.Equal(t, models.StageVoiceInput, got.CurrentStage)
		assert.Equal(t, models.JobQueued, got.Status)
		assert.Equal(t, models.DefaultMaxRetries, got.MaxRetries)
		assert.False(t, got.RolledBack)
	})

	t.Run("fills defaults", func(t *testing.T) {
		store := openTestStore(t)
		err := store.CreateJob(ctx, models.Job{
			ID:        "job-min",
			UseCase:   "ospf",
			InputText: "change area",
			Status:    models.JobQueued,
		})
		require.NoError(t, err)

		got, err := store.GetJob(ctx, "job-min")
		require.NoError(t, err)
		assert.Equal(t, models.StageVoiceInput, got.CurrentStage)
		assert.Equal(t, models.DefaultMaxRetries, got.MaxRetries)
		assert.Len(t, got.Stages, len(models.PipelineStages))
		for _, stage := range models.PipelineStages {
			rec := got.StageRecordFor(stage)
			require.NotNil(t, rec, "stage %s", stage)
			assert.Equal(t, models.StagePending, rec.Status)
		}
		assert.False(t, got.CreatedAt.IsZero())
		assert.Equal(t, got.CreatedAt, got.UpdatedAt)
	})

	t.Run("rejects unknown stage", func(t *testing.T) {
		store := openTestStore(t)
		err := store.CreateJob(ctx, models.Job{
			ID:           "job-bad",
			UseCase:      "ospf",
			Status:       models.JobQueued,
			CurrentStage: models.Stage("bogus"),
		})
		assert.ErrorContains(t, err, "not a pipeline stage")
	})

	t.Run("duplicate id", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{ID: "job-dup"})
		require.NoError(t, store.CreateJob(ctx, job))
		assert.Error(t, store.CreateJob(ctx, job))
	})

	t.Run("missing fields", func(t *testing.T) {
		store := openTestStore(t)
		assert.EqualError(t, store.CreateJob(ctx, models.Job{UseCase: "u", Status: models.JobQueued}), "job id is required")
		assert.EqualError(t, store.CreateJob(ctx, models.Job{ID: "x", Status: models.JobQueued}), "job use_case is required")
		assert.EqualError(t, store.CreateJob(ctx, models.Job{ID: "x", UseCase: "u"}), "job status is required")
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).CreateJob(ctx, testutil.NewTestJob(testutil.JobOpts{}))
		assert.EqualError(t, err, "db store is nil")
	})

	t.Run("nil db", func(t *testing.T) {
		err := (&Store{}).CreateJob(ctx, testutil.NewTestJob(testutil.JobOpts{}))
		assert.EqualError(t, err, "db store is nil")
	})
}

func TestGetJob(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		store := openTestStore(t)
		_, err := store.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("round trips stage data", func(t *testing.T) {
		store := openTestStore(t)
		stages := models.NewStageMap()
		startedAt := testutil.FixedTime
		stages[models.StageVoiceInput] = &models.StageRecord{
			Status:    models.StageCompleted,
			StartedAt: &startedAt,
			Data:      json.RawMessage(`{"text":"change ospf area"}`),
		}
		job := testutil.NewTestJob(testutil.JobOpts{ID: "job-2", Stages: stages})
		require.NoError(t, store.CreateJob(ctx, job))

		got, err := store.GetJob(ctx, "job-2")
		require.NoError(t, err)
		rec := got.StageRecordFor(models.StageVoiceInput)
		require.NotNil(t, rec)
		assert.Equal(t, models.StageCompleted, rec.Status)
		require.NotNil(t, rec.StartedAt)
		assert.True(t, rec.StartedAt.Equal(testutil.FixedTime))
		testutil.AssertJSONEqual(t, json.RawMessage(`{"text":"change ospf area"}`), rec.Data)
	})
}

func TestListJobs(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, store *Store) {
		t.Helper()
		base := testutil.FixedTime
		for i, spec := range []struct {
			id     string
			status models.JobStatus
		}{
			{"job-a", models.JobQueued},
			{"job-b", models.JobRunning},
			{"job-c", models.JobCompleted},
		} {
			job := testutil.NewTestJob(testutil.JobOpts{
				ID:        spec.id,
				Status:    spec.status,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
				UpdatedAt: base.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, store.CreateJob(ctx, job))
		}
	}

	t.Run("newest first", func(t *testing.T) {
		store := openTestStore(t)
		seed(t, store)
		jobs, err := store.ListJobs(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, "job-c", jobs[0].ID)
		assert.Equal(t, "job-b", jobs[1].ID)
		assert.Equal(t, "job-a", jobs[2].ID)
	})

	t.Run("status filter", func(t *testing.T) {
		store := openTestStore(t)
		seed(t, store)
		jobs, err := store.ListJobs(ctx, models.JobRunning, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "job-b", jobs[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		store := openTestStore(t)
		seed(t, store)
		jobs, err := store.ListJobs(ctx, "", 2)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})

	t.Run("invalid limit", func(t *testing.T) {
		store := openTestStore(t)
		_, err := store.ListJobs(ctx, "", 0)
		assert.EqualError(t, err, "limit must be positive")
	})
}

func TestCountJobsByStatus(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for i, status := range []models.JobStatus{models.JobQueued, models.JobQueued, models.JobFailed} {
		job := testutil.NewTestJob(testutil.JobOpts{
			ID:     "job-" + string(rune('a'+i)),
			Status: status,
		})
		require.NoError(t, store.CreateJob(ctx, job))
	}

	counts, err := store.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.JobQueued])
	assert.Equal(t, 1, counts[models.JobFailed])
	assert.Equal(t, 0, counts[models.JobRunning])
}

func TestUpdateJobProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("persists orchestrator fields", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{ID: "job-3"})
		require.NoError(t, store.CreateJob(ctx, job))

		loaded, err := store.GetJob(ctx, "job-3")
		require.NoError(t, err)
		loaded.Status = models.JobRunning
		loaded.CurrentStage = models.StageConfigGeneration
		loaded.RetryCount = 1
		loaded.ErrorMessage = "transient"
		loaded.StageRecordFor(models.StageVoiceInput).Status = models.StageCompleted
		require.NoError(t, store.UpdateJobProgress(ctx, loaded))

		got, err := store.GetJob(ctx, "job-3")
		require.NoError(t, err)
		assert.Equal(t, models.JobRunning, got.Status)
		assert.Equal(t, models.StageConfigGeneration, got.CurrentStage)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "transient", got.ErrorMessage)
		assert.Equal(t, models.StageCompleted, got.StageRecordFor(models.StageVoiceInput).Status)
	})

	t.Run("missing job", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{ID: "ghost"})
		err := store.UpdateJobProgress(ctx, job)
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestSaveStages(t *testing.T) {
	ctx := context.Background()

	t.Run("persists only stage records", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{ID: "job-4"})
		require.NoError(t, store.CreateJob(ctx, job))

		stages := models.NewStageMap()
		stages[models.StageDeployment].Status = models.StageSkipped
		require.NoError(t, store.SaveStages(ctx, "job-4", stages))

		got, err := store.GetJob(ctx, "job-4")
		require.NoError(t, err)
		assert.Equal(t, models.StageSkipped, got.StageRecordFor(models.StageDeployment).Status)
		assert.Equal(t, models.JobQueued, got.Status)
	})

	t.Run("missing job", func(t *testing.T) {
		store := openTestStore(t)
		err := store.SaveStages(ctx, "ghost", models.NewStageMap())
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestTransitionJobStatus(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	job := testutil.NewTestJob(testutil.JobOpts{ID: "job-5"})
	require.NoError(t, store.CreateJob(ctx, job))

	ok, err := store.TransitionJobStatus(ctx, "job-5", models.JobQueued, models.JobRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second swap from the old status must refuse.
	ok, err = store.TransitionJobStatus(ctx, "job-5", models.JobQueued, models.JobRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetJob(ctx, "job-5")
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)
}

func TestApproveJob(t *testing.T) {
	ctx := context.Background()

	t.Run("paused at gate", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{
			ID:           "job-6",
			Status:       models.JobPaused,
			CurrentStage: models.StageHumanDecision,
		})
		require.NoError(t, store.CreateJob(ctx, job))

		ok, err := store.ApproveJob(ctx, "job-6")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetJob(ctx, "job-6")
		require.NoError(t, err)
		assert.Equal(t, models.JobQueued, got.Status)
		assert.Equal(t, models.StageBaselineCollection, got.CurrentStage)
	})

	t.Run("not awaiting approval", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{
			ID:           "job-7",
			Status:       models.JobRunning,
			CurrentStage: models.StageDeployment,
		})
		require.NoError(t, store.CreateJob(ctx, job))

		ok, err := store.ApproveJob(ctx, "job-7")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing job", func(t *testing.T) {
		store := openTestStore(t)
		ok, err := store.ApproveJob(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRejectJob(t *testing.T) {
	ctx := context.Background()

	t.Run("paused at gate", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{
			ID:           "job-8",
			Status:       models.JobPaused,
			CurrentStage: models.StageHumanDecision,
		})
		require.NoError(t, store.CreateJob(ctx, job))

		ok, err := store.RejectJob(ctx, "job-8", "too risky")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetJob(ctx, "job-8")
		require.NoError(t, err)
		assert.Equal(t, models.JobCancelled, got.Status)
		assert.Equal(t, "too risky", got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("not awaiting approval", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{ID: "job-9"})
		require.NoError(t, store.CreateJob(ctx, job))

		ok, err := store.RejectJob(ctx, "job-9", "no")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels non-terminal states", func(t *testing.T) {
		for _, status := range []models.JobStatus{models.JobPending, models.JobQueued, models.JobRunning, models.JobPaused} {
			store := openTestStore(t)
			job := testutil.NewTestJob(testutil.JobOpts{ID: "job-c", Status: status})
			require.NoError(t, store.CreateJob(ctx, job))

			ok, err := store.CancelJob(ctx, "job-c", "operator stop")
			require.NoError(t, err, "status %s", status)
			assert.True(t, ok, "status %s", status)

			got, err := store.GetJob(ctx, "job-c")
			require.NoError(t, err)
			assert.Equal(t, models.JobCancelled, got.Status)
			assert.Equal(t, "operator stop", got.ErrorMessage)
		}
	})

	t.Run("terminal states refuse", func(t *testing.T) {
		for _, status := range []models.JobStatus{models.JobCompleted, models.JobFailed, models.JobCancelled} {
			store := openTestStore(t)
			job := testutil.NewTestJob(testutil.JobOpts{ID: "job-t", Status: status})
			require.NoError(t, store.CreateJob(ctx, job))

			ok, err := store.CancelJob(ctx, "job-t", "late")
			require.NoError(t, err, "status %s", status)
			assert.False(t, ok, "status %s", status)
		}
	})
}

func TestClaimQueuedJob(t *testing.T) {
	ctx := context.Background()

	t.Run("claims oldest first", func(t *testing.T) {
		store := openTestStore(t)
		older := testutil.NewTestJob(testutil.JobOpts{
			ID:        "job-old",
			CreatedAt: testutil.FixedTime,
		})
		newer := testutil.NewTestJob(testutil.JobOpts{
			ID:        "job-new",
			CreatedAt: testutil.FixedTime.Add(time.Hour),
		})
		require.NoError(t, store.CreateJob(ctx, newer))
		require.NoError(t, store.CreateJob(ctx, older))

		claimed, ok, err := store.ClaimQueuedJob(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "job-old", claimed.ID)
		assert.Equal(t, models.JobRunning, claimed.Status)
		require.NotNil(t, claimed.StartedAt)
	})

	t.Run("preserves started_at across re-claims", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{ID: "job-r"})
		require.NoError(t, store.CreateJob(ctx, job))

		first, ok, err := store.ClaimQueuedJob(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, first.StartedAt)

		require.NoError(t, store.UpdateJobStatus(ctx, "job-r", models.JobQueued))
		second, ok, err := store.ClaimQueuedJob(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, second.StartedAt)
		assert.True(t, second.StartedAt.Equal(*first.StartedAt))
	})

	t.Run("empty queue", func(t *testing.T) {
		store := openTestStore(t)
		_, ok, err := store.ClaimQueuedJob(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRequeueInterrupted(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	running := testutil.NewTestJob(testutil.JobOpts{ID: "job-run", Status: models.JobRunning})
	paused := testutil.NewTestJob(testutil.JobOpts{ID: "job-pause", Status: models.JobPaused})
	require.NoError(t, store.CreateJob(ctx, running))
	require.NoError(t, store.CreateJob(ctx, paused))

	count, err := store.RequeueInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.GetJob(ctx, "job-run")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)

	got, err = store.GetJob(ctx, "job-pause")
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, got.Status)
}

func TestAdvanceJob(t *testing.T) {
	ctx := context.Background()

	t.Run("step mode pause", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{
			ID:           "job-step",
			Status:       models.JobPaused,
			CurrentStage: models.StageMonitoring,
			StepMode:     true,
		})
		require.NoError(t, store.CreateJob(ctx, job))

		ok, err := store.AdvanceJob(ctx, "job-step")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetJob(ctx, "job-step")
		require.NoError(t, err)
		assert.Equal(t, models.JobQueued, got.Status)
		assert.Equal(t, models.StageMonitoring, got.CurrentStage)
	})

	t.Run("never bypasses the gate", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{
			ID:           "job-gate",
			Status:       models.JobPaused,
			CurrentStage: models.StageHumanDecision,
		})
		require.NoError(t, store.CreateJob(ctx, job))

		ok, err := store.AdvanceJob(ctx, "job-gate")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("not paused", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{ID: "job-q"})
		require.NoError(t, store.CreateJob(ctx, job))

		ok, err := store.AdvanceJob(ctx, "job-q")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRetryJob(t *testing.T) {
	ctx := context.Background()

	t.Run("failed with budget", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{
			ID:           "job-f",
			Status:       models.JobFailed,
			CurrentStage: models.StageDeployment,
			RetryCount:   2,
			MaxRetries:   3,
			ErrorMessage: "deploy blew up",
		})
		require.NoError(t, store.CreateJob(ctx, job))

		ok, err := store.RetryJob(ctx, "job-f")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetJob(ctx, "job-f")
		require.NoError(t, err)
		assert.Equal(t, models.JobQueued, got.Status)
		assert.Equal(t, 3, got.RetryCount)
		assert.Equal(t, models.StageDeployment, got.CurrentStage)
		assert.Empty(t, got.ErrorMessage)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{
			ID:         "job-x",
			Status:     models.JobFailed,
			RetryCount: 3,
			MaxRetries: 3,
		})
		require.NoError(t, store.CreateJob(ctx, job))

		ok, err := store.RetryJob(ctx, "job-x")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("not failed", func(t *testing.T) {
		store := openTestStore(t)
		job := testutil.NewTestJob(testutil.JobOpts{ID: "job-ok", Status: models.JobCompleted})
		require.NoError(t, store.CreateJob(ctx, job))

		ok, err := store.RetryJob(ctx, "job-ok")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMarkRolledBack(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	job := testutil.NewTestJob(testutil.JobOpts{ID: "job-rb", Status: models.JobCompleted})
	require.NoError(t, store.CreateJob(ctx, job))

	ok, err := store.MarkRolledBack(ctx, "job-rb")
	require.NoError(t, err)
	assert.True(t, ok)

	// The guard only flips once.
	ok, err = store.MarkRolledBack(ctx, "job-rb")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetJob(ctx, "job-rb")
	require.NoError(t, err)
	assert.True(t, got.RolledBack)
}
