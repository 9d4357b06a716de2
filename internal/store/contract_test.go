package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-orchestrator/internal/models"
	"report-orchestrator/internal/queue"
)

// testOptions retries immediately so failure paths can be claimed again.
func testOptions() queue.Options {
	return queue.Options{LeaseDuration: time.Minute}
}

func runQueueContract(t *testing.T, repo Repository) {
	t.Run("priority order", func(t *testing.T) { testPriorityOrder(t, repo) })
	t.Run("lease exclusivity", func(t *testing.T) { testLeaseExclusivity(t, repo) })
	t.Run("retry terminality", func(t *testing.T) { testRetryTerminality(t, repo) })
	t.Run("lease ownership", func(t *testing.T) { testLeaseOwnership(t, repo) })
	t.Run("enqueue once", func(t *testing.T) { testEnqueueOnce(t, repo) })
	t.Run("concurrent enqueue once", func(t *testing.T) { testConcurrentEnqueueOnce(t, repo) })
	t.Run("delayed and claim by id", func(t *testing.T) { testDelayedClaimByID(t, repo) })
	t.Run("abandon and requeue", func(t *testing.T) { testAbandonRequeue(t, repo) })
	t.Run("requeue reopens failed run", func(t *testing.T) { testRequeueReopensRun(t, repo) })
}

func drain(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := repo.ClaimNext(ctx, "drainer")
		require.NoError(t, err)
		if job == nil {
			return
		}
		require.NoError(t, repo.Complete(ctx, *job))
	}
}

func testPriorityOrder(t *testing.T, repo Repository) {
	ctx := context.Background()
	drain(t, repo)

	first, err := repo.Enqueue(ctx, queue.EnqueueParams{Type: models.JobStartRun})
	require.NoError(t, err)
	export, err := repo.Enqueue(ctx, queue.EnqueueParams{Type: models.JobExport})
	require.NoError(t, err)
	second, err := repo.Enqueue(ctx, queue.EnqueueParams{Type: models.JobStartRun})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, first.Status)
	assert.Equal(t, models.DefaultPriority, first.Priority)
	assert.Equal(t, models.DefaultMaxAttempts, first.MaxAttempts)

	for _, want := range []string{export.ID, first.ID, second.ID} {
		job, err := repo.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
		assert.Equal(t, models.StatusRunning, job.Status)
		require.NotNil(t, job.LeaseOwner)
		assert.Equal(t, "w1", *job.LeaseOwner)
		require.NotNil(t, job.LeaseExpiresAt)
		require.NoError(t, repo.Complete(ctx, *job))
	}

	job, err := repo.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func testLeaseExclusivity(t *testing.T, repo Repository) {
	ctx := context.Background()
	drain(t, repo)

	const jobs = 30
	for i := 0; i < jobs; i++ {
		_, err := repo.Enqueue(ctx, queue.EnqueueParams{Type: models.JobRunSection})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := repo.ClaimNext(ctx, "worker-"+string(rune('a'+worker)))
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func testRetryTerminality(t *testing.T, repo Repository) {
	ctx := context.Background()
	drain(t, repo)

	queued, err := repo.Enqueue(ctx, queue.EnqueueParams{Type: models.JobStartRun, MaxAttempts: 2})
	require.NoError(t, err)

	job, err := repo.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	failed, err := repo.Fail(ctx, *job, "boom 1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "boom 1", *failed.LastError)
	assert.Nil(t, failed.LeaseOwner)

	job, err = repo.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queued.ID, job.ID)
	failed, err = repo.Fail(ctx, *job, "boom 2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, 2, failed.AttemptCount)
	assert.Equal(t, "boom 2", *failed.LastError)

	job, err = repo.ClaimNext(ctx, "w3")
	require.NoError(t, err)
	assert.Nil(t, job)

	stored, err := repo.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func testLeaseOwnership(t *testing.T, repo Repository) {
	ctx := context.Background()
	drain(t, repo)

	_, err := repo.Enqueue(ctx, queue.EnqueueParams{Type: models.JobAssemble, RunID: "run-owner"})
	require.NoError(t, err)
	job, err := repo.ClaimNext(ctx, "owner")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, repo.Heartbeat(ctx, *job))

	intruder := *job
	intruder.LeaseOwner = strPtr("intruder")
	assert.ErrorIs(t, repo.Heartbeat(ctx, intruder), queue.ErrLeaseLost)
	assert.ErrorIs(t, repo.Complete(ctx, intruder), queue.ErrLeaseLost)
	_, err = repo.Fail(ctx, intruder, "nope")
	assert.ErrorIs(t, err, queue.ErrLeaseLost)

	unowned := *job
	unowned.LeaseOwner = nil
	assert.ErrorIs(t, repo.Complete(ctx, unowned), queue.ErrLeaseLost)

	require.NoError(t, repo.Complete(ctx, *job))
	assert.ErrorIs(t, repo.Heartbeat(ctx, *job), queue.ErrLeaseLost)
	assert.ErrorIs(t, repo.Complete(ctx, *job), queue.ErrLeaseLost)

	stored, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Nil(t, stored.LeaseOwner)
	assert.Nil(t, stored.LeaseExpiresAt)
}

func testEnqueueOnce(t *testing.T, repo Repository) {
	ctx := context.Background()
	drain(t, repo)

	a1, created, err := repo.EnqueueOnce(ctx, queue.EnqueueParams{Type: models.JobAssemble, RunID: "run-once"})
	require.NoError(t, err)
	assert.True(t, created)
	a2, created, err := repo.EnqueueOnce(ctx, queue.EnqueueParams{Type: models.JobAssemble, RunID: "run-once"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a1.ID, a2.ID)

	other, created, err := repo.EnqueueOnce(ctx, queue.EnqueueParams{Type: models.JobAssemble, RunID: "run-other"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a1.ID, other.ID)

	drain(t, repo)
	_, created, err = repo.EnqueueOnce(ctx, queue.EnqueueParams{Type: models.JobAssemble, RunID: "run-once"})
	require.NoError(t, err)
	assert.False(t, created, "a completed assembly still blocks another one")

	s1, created, err := repo.EnqueueOnce(ctx, queue.EnqueueParams{Type: models.JobRunSection, RunID: "run-once", SectionRunID: "sr-once"})
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = repo.EnqueueOnce(ctx, queue.EnqueueParams{Type: models.JobRunSection, RunID: "run-once", SectionRunID: "sr-once"})
	require.NoError(t, err)
	assert.False(t, created)

	drain(t, repo)
	s2, created, err := repo.EnqueueOnce(ctx, queue.EnqueueParams{Type: models.JobRunSection, RunID: "run-once", SectionRunID: "sr-once"})
	require.NoError(t, err)
	assert.True(t, created, "a finished section job allows a rerun")
	assert.NotEqual(t, s1.ID, s2.ID)

	_, _, err = repo.EnqueueOnce(ctx, queue.EnqueueParams{Type: models.JobAssemble})
	assert.Error(t, err)

	_, created, err = repo.EnqueueOnce(ctx, queue.EnqueueParams{Type: models.JobExport, RunID: "run-once"})
	require.NoError(t, err)
	assert.True(t, created)
	drain(t, repo)
}

func testConcurrentEnqueueOnce(t *testing.T, repo Repository) {
	ctx := context.Background()
	drain(t, repo)

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var created atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			job, ok, err := repo.EnqueueOnce(ctx, queue.EnqueueParams{Type: models.JobAssemble, RunID: "run-race"})
			ids[i], errs[i] = job.ID, err
			if ok {
				created.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, int32(1), created.Load())
	jobs, err := repo.ListJobsForRun(ctx, "run-race")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	drain(t, repo)
}

func testDelayedClaimByID(t *testing.T, repo Repository) {
	ctx := context.Background()
	drain(t, repo)

	delayed, err := repo.Enqueue(ctx, queue.EnqueueParams{Type: models.JobExport, ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	job, err := repo.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = repo.ClaimByID(ctx, delayed.ID, "operator")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, delayed.ID, job.ID)

	again, err := repo.ClaimByID(ctx, delayed.ID, "other")
	require.NoError(t, err)
	assert.Nil(t, again, "a live lease cannot be claimed twice")

	missing, err := repo.ClaimByID(ctx, "00000000-0000-0000-0000-000000000000", "operator")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.Complete(ctx, *job))
}

func testAbandonRequeue(t *testing.T, repo Repository) {
	ctx := context.Background()
	drain(t, repo)

	_, err := repo.Enqueue(ctx, queue.EnqueueParams{Type: models.JobStartRun, RunID: "run-abandon"})
	require.NoError(t, err)
	job, err := repo.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	abandoned, err := repo.Abandon(ctx, *job, "run not found")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, abandoned.Status)
	assert.Equal(t, 1, abandoned.AttemptCount)

	_, err = repo.RequeueJob(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, ErrNotFound))

	requeued, err := repo.RequeueJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, requeued.Status)
	assert.Equal(t, 0, requeued.AttemptCount)
	assert.Nil(t, requeued.LastError)

	_, err = repo.RequeueJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrConflict)

	jobs, err := repo.ListJobsForRun(ctx, "run-abandon")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	depth, err := repo.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	drain(t, repo)
}

func testRequeueReopensRun(t *testing.T, repo Repository) {
	ctx := context.Background()
	drain(t, repo)

	template := &models.TemplateSnapshot{ID: "tpl", Name: "Market", Sections: []models.SectionSnapshot{
		{ID: "s1", Title: "One"}, {ID: "s2", Title: "Two"}, {ID: "s3", Title: "Three"},
	}}
	run := models.Run{ID: "run-reopen", TemplateSnapshot: template}
	require.NoError(t, repo.CreateRun(ctx, run, []models.SectionRun{
		{ID: "sr-reopen-1", TemplateSectionID: "s1", Title: "One"},
		{ID: "sr-reopen-2", TemplateSectionID: "s2", Title: "Two"},
		{ID: "sr-reopen-3", TemplateSectionID: "s3", Title: "Three"},
	}))
	require.NoError(t, repo.UpdateSectionStatus(ctx, "sr-reopen-1", models.StatusCompleted))
	failing, err := repo.Enqueue(ctx, queue.EnqueueParams{Type: models.JobRunSection, RunID: run.ID, SectionRunID: "sr-reopen-2"})
	require.NoError(t, err)
	skipped, err := repo.Enqueue(ctx, queue.EnqueueParams{Type: models.JobRunSection, RunID: run.ID, SectionRunID: "sr-reopen-3"})
	require.NoError(t, err)

	job, err := repo.ClaimByID(ctx, failing.ID, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	_, err = repo.Abandon(ctx, *job, "section misconfigured")
	require.NoError(t, err)
	require.NoError(t, repo.UpdateSectionStatus(ctx, "sr-reopen-2", models.StatusFailed))
	require.NoError(t, repo.FailRun(ctx, run.ID))
	job, err = repo.ClaimByID(ctx, skipped.ID, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, repo.Complete(ctx, *job))

	_, err = repo.RequeueJob(ctx, failing.ID)
	require.NoError(t, err)

	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)
	sections, err := repo.ListSectionRuns(ctx, run.ID)
	require.NoError(t, err)
	status := map[string]models.Status{}
	for _, sr := range sections {
		status[sr.ID] = sr.Status
	}
	assert.Equal(t, map[string]models.Status{
		"sr-reopen-1": models.StatusCompleted,
		"sr-reopen-2": models.StatusQueued,
		"sr-reopen-3": models.StatusQueued,
	}, status)

	jobs, err := repo.ListJobsForRun(ctx, run.ID)
	require.NoError(t, err)
	live := map[string]int{}
	for _, j := range jobs {
		if j.Type == models.JobRunSection && j.Status == models.StatusQueued {
			live[j.SectionRunIDValue()]++
		}
	}
	assert.Equal(t, map[string]int{"sr-reopen-2": 1, "sr-reopen-3": 1}, live, "every unfinished section gets one live job")

	drain(t, repo)
	require.NoError(t, repo.CompleteRun(ctx, run.ID, models.FinalReport{Content: "# Report"}))
	_, err = repo.RequeueJob(ctx, failing.ID)
	assert.ErrorIs(t, err, ErrConflict)
	got, err = repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func runRecordsContract(t *testing.T, repo Repository) {
	ctx := context.Background()
	template := &models.TemplateSnapshot{ID: "tpl", Name: "Market", Sections: []models.SectionSnapshot{{ID: "s1", Title: "Overview"}}}
	run := models.Run{ID: "run-records", TemplateSnapshot: template, Input: models.RunInput{Topic: "EV"}}
	require.NoError(t, repo.CreateRun(ctx, run, []models.SectionRun{{ID: "sr-records", TemplateSectionID: "s1", Title: "Overview"}}))

	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	require.NotNil(t, got.TemplateSnapshot)
	assert.Equal(t, "Market", got.TemplateSnapshot.Name)
	assert.Equal(t, "EV", got.Input.Topic)
	assert.Nil(t, got.ProfileSnapshot)

	_, err = repo.GetRun(ctx, "missing-run")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.MarkRunStarted(ctx, run.ID, models.Blueprint{Assumptions: []string{"Template: Market"}}))
	got, err = repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.Blueprint)
	assert.Equal(t, []string{"Template: Market"}, got.Blueprint.Assumptions)

	draft, err := models.NewArtifact(models.ArtifactDraft, "first")
	require.NoError(t, err)
	sr, err := repo.GetSectionRun(ctx, "sr-records")
	require.NoError(t, err)
	sr.Status = models.StatusCompleted
	sr.AttemptCount = 1
	sr.Artifacts = []models.Artifact{draft}
	sr.OutputFingerprint = "abc"
	require.NoError(t, repo.SaveSectionRun(ctx, sr))

	final, err := models.NewArtifact(models.ArtifactFinal, "second")
	require.NoError(t, err)
	sr.Artifacts = []models.Artifact{final}
	require.NoError(t, repo.SaveSectionRun(ctx, sr))

	list, err := repo.ListSectionRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusCompleted, list[0].Status)
	assert.Equal(t, "abc", list[0].OutputFingerprint)
	require.Len(t, list[0].Artifacts, 1, "artifacts are replaced wholesale")
	assert.Equal(t, "second", list[0].FinalContent())

	require.NoError(t, repo.UpsertScore(ctx, sr.ID, models.Score{Coverage: 0.5}))
	require.NoError(t, repo.UpsertScore(ctx, sr.ID, models.Score{Coverage: 1}))
	score, err := repo.GetScore(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score.Coverage)

	require.NoError(t, repo.CompleteRun(ctx, run.ID, models.FinalReport{Content: "# Report"}))
	require.NoError(t, repo.FailRun(ctx, run.ID))
	got, err = repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status, "a completed run is never failed")
	assert.Equal(t, "# Report", got.FinalReport.Content)

	snap := models.DependencySnapshot{RunID: run.ID, TemplateID: "tpl", BlueprintAssumptions: []string{"a"},
		RetrievalQueriesBySection: map[string][]string{"s1": {"Overview"}}, SectionOutputs: map[string]string{"s1": "abc"}}
	require.NoError(t, repo.UpsertDependencySnapshot(ctx, snap))
	gotSnap, err := repo.GetDependencySnapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.SectionOutputs, gotSnap.SectionOutputs)

	rec := models.ExportRecord{ID: "exp-records", RunID: run.ID, Format: models.FormatMarkdown}
	require.NoError(t, repo.CreateExport(ctx, rec))
	rec.Status = models.ExportReady
	rec.FilePath = "report-runs/run-records/exp-records.md"
	rec.FileSize = 42
	rec.Checksum = "deadbeef"
	require.NoError(t, repo.UpdateExport(ctx, rec))
	gotRec, err := repo.GetExport(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportReady, gotRec.Status)
	assert.Equal(t, int64(42), gotRec.FileSize)
	exports, err := repo.ListExports(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, exports, 1)

	require.NoError(t, repo.AddRunEvent(ctx, models.RunEvent{RunID: run.ID, Type: models.EventBlueprintCreated}))
	require.NoError(t, repo.AddRunEvent(ctx, models.RunEvent{RunID: run.ID, Type: models.EventRunCompleted, Payload: map[string]any{"sections": float64(1)}}))
	events, err := repo.ListRunEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventBlueprintCreated, events[0].Type)
	assert.Equal(t, float64(1), events[1].Payload["sections"])

	require.NoError(t, repo.UpsertConnector(ctx, models.Connector{ID: "conn-1", Type: "VECTOR", Config: models.ConnectorConfig{VectorStoreID: "vs-1"}}))
	connectors, err := repo.ListConnectors(ctx)
	require.NoError(t, err)
	require.Len(t, connectors, 1)
	assert.Equal(t, "vs-1", connectors[0].Config.VectorStoreID)
}
