package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/fleetq/internal/application/dispatcher"
	"github.com/rezkam/fleetq/internal/application/events"
	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/domain"
)

var testPayload = json.RawMessage(`{"nodes":[{"id":"start","type":"Start"}],"connections":[]}`)

func newTestStore(t *testing.T) (*Store, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "fleetq-test.db"), bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, bus
}

func submitJob(t *testing.T, store *Store, mutate func(*domain.JobSpec)) string {
	t.Helper()
	spec := domain.JobSpec{
		WorkflowID: "wf-1",
		Payload:    testPayload,
	}
	if mutate != nil {
		mutate(&spec)
	}
	id, err := store.Submit(context.Background(), spec)
	require.NoError(t, err)
	return id
}

func claimOne(t *testing.T, store *Store, robotID string) domain.Job {
	t.Helper()
	jobs, err := store.Claim(context.Background(), queue.ClaimRequest{
		RobotID:           robotID,
		BatchSize:         1,
		VisibilityTimeout: 2 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func TestSubmitThenGet(t *testing.T) {
	store, _ := newTestStore(t)

	id := submitJob(t, store, nil)
	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, domain.DefaultTenant, job.TenantID)
	assert.Equal(t, domain.DefaultEnvironment, job.Environment)
	assert.Equal(t, domain.NormalPriority, job.Priority)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Nil(t, job.LeaseToken)
	assert.Nil(t, job.RobotID)
}

func TestSubmitValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Submit(ctx, domain.JobSpec{WorkflowID: "wf-1", Payload: json.RawMessage(`{"nodes":[]}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "workflow without nodes rejected")

	bad := -1
	_, err = store.Submit(ctx, domain.JobSpec{WorkflowID: "wf-1", Payload: testPayload, MaxRetries: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestClaimCompleteRoundTrip(t *testing.T) {
	store, bus := newTestStore(t)
	sub := bus.Subscribe(events.SubscribeOptions{})
	defer sub.Close()
	ctx := context.Background()

	id := submitJob(t, store, func(s *domain.JobSpec) {
		p := 5
		s.Priority = &p
	})

	job := claimOne(t, store, "robot-1")
	assert.Equal(t, id, job.ID)
	assert.Equal(t, domain.JobClaimed, job.Status)
	require.NotNil(t, job.LeaseToken)
	require.NotNil(t, job.RobotID)
	assert.Equal(t, "robot-1", *job.RobotID)

	err := store.Complete(ctx, job.ID, *job.LeaseToken, map[string]any{"output": float64(42)})
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, map[string]any{"output": float64(42)}, got.Result)
	assert.Nil(t, got.LeaseToken, "terminal jobs hold no lease")
	assert.NotNil(t, got.CompletedAt)

	// Events in order: created, claimed, completed, with a monotonic sequence.
	var kinds []domain.EventKind
	var seqs []int64
	for range 3 {
		ev := <-sub.C
		kinds = append(kinds, ev.Kind)
		seqs = append(seqs, ev.Sequence)
	}
	assert.Equal(t, []domain.EventKind{domain.EventJobCreated, domain.EventJobClaimed, domain.EventJobCompleted}, kinds)
	assert.Less(t, seqs[0], seqs[1])
	assert.Less(t, seqs[1], seqs[2])
}

func TestClaimPriorityOrdering(t *testing.T) {
	store, _ := newTestStore(t)

	j1 := submitJob(t, store, func(s *domain.JobSpec) { p := 1; s.Priority = &p })
	j2 := submitJob(t, store, func(s *domain.JobSpec) { p := 10; s.Priority = &p })
	j3 := submitJob(t, store, func(s *domain.JobSpec) { p := 5; s.Priority = &p })

	jobs, err := store.Claim(context.Background(), queue.ClaimRequest{
		RobotID:           "robot-1",
		BatchSize:         3,
		VisibilityTimeout: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{j2, j3, j1}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
}

func TestClaimFIFOWithinPriority(t *testing.T) {
	store, _ := newTestStore(t)

	first := submitJob(t, store, nil)
	time.Sleep(5 * time.Millisecond)
	second := submitJob(t, store, nil)

	jobs, err := store.Claim(context.Background(), queue.ClaimRequest{
		RobotID:           "robot-1",
		BatchSize:         2,
		VisibilityTimeout: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first, jobs[0].ID)
	assert.Equal(t, second, jobs[1].ID)
}

func TestClaimBoundaries(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	jobs, err := store.Claim(ctx, queue.ClaimRequest{RobotID: "r", BatchSize: 0, VisibilityTimeout: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, jobs, "batch_size 0 returns empty without mutating state")

	jobs, err = store.Claim(ctx, queue.ClaimRequest{RobotID: "r", BatchSize: 5, VisibilityTimeout: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, jobs, "empty queue returns empty slice")
}

func TestClaimEnvironmentRouting(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	prodJob := submitJob(t, store, func(s *domain.JobSpec) { s.Environment = "production" })
	defaultJob := submitJob(t, store, func(s *domain.JobSpec) { s.Environment = "default" })
	submitJob(t, store, func(s *domain.JobSpec) { s.Environment = "staging" })

	jobs, err := store.Claim(ctx, queue.ClaimRequest{
		RobotID:           "robot-prod",
		Environment:       "production",
		BatchSize:         10,
		VisibilityTimeout: time.Minute,
	})
	require.NoError(t, err)

	got := make(map[string]bool)
	for _, j := range jobs {
		got[j.ID] = true
	}
	assert.True(t, got[prodJob], "environment match claimed")
	assert.True(t, got[defaultJob], "default-tagged job eligible to any robot")
	assert.Len(t, jobs, 2, "staging job not visible to a production robot")
}

func TestClaimCapabilityPostFilter(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	browserJob := submitJob(t, store, func(s *domain.JobSpec) {
		s.Capabilities = []string{"browser"}
		p := 20
		s.Priority = &p
	})
	plainJob := submitJob(t, store, func(s *domain.JobSpec) { p := 1; s.Priority = &p })

	// A robot without the capability skips the higher-priority job.
	jobs, err := store.Claim(ctx, queue.ClaimRequest{
		RobotID:           "robot-basic",
		BatchSize:         2,
		VisibilityTimeout: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, plainJob, jobs[0].ID)

	// The skipped row stayed eligible for a capable claimant.
	jobs, err = store.Claim(ctx, queue.ClaimRequest{
		RobotID:           "robot-browser",
		Capabilities:      []string{"browser", "desktop"},
		BatchSize:         2,
		VisibilityTimeout: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, browserJob, jobs[0].ID)
}

func TestScheduledDelayHidesJob(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	submitJob(t, store, func(s *domain.JobSpec) { s.ScheduledDelay = time.Hour })

	jobs, err := store.Claim(ctx, queue.ClaimRequest{RobotID: "r", BatchSize: 1, VisibilityTimeout: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, jobs, "delayed submission is invisible until the delay elapses")
}

func TestConcurrentClaimantsDisjoint(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const jobCount = 20
	for range jobCount {
		submitJob(t, store, nil)
	}

	const claimants = 10
	results := make([][]domain.Job, claimants)
	var wg sync.WaitGroup
	for i := range claimants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := store.Claim(ctx, queue.ClaimRequest{
				RobotID:           "robot-" + string(rune('a'+i)),
				BatchSize:         2,
				VisibilityTimeout: time.Minute,
			})
			assert.NoError(t, err)
			results[i] = jobs
		}()
	}
	wg.Wait()

	seen := make(map[string]int)
	total := 0
	for _, jobs := range results {
		for _, j := range jobs {
			seen[j.ID]++
			total++
		}
	}
	assert.Equal(t, jobCount, total, "every job went to exactly one claimant")
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestExtendLease(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	submitJob(t, store, nil)
	job := claimOne(t, store, "robot-1")

	status, err := store.ExtendLease(ctx, job.ID, *job.LeaseToken, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, status.OK)
	assert.False(t, status.CancelRequested)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.VisibleAfter.After(job.VisibleAfter), "lease expiry pushed forward")

	// Wrong token extends nothing and changes nothing.
	status, err = store.ExtendLease(ctx, job.ID, "not-the-token", time.Minute)
	require.NoError(t, err)
	assert.False(t, status.OK)
}

func TestExtendLeaseAfterRecovery(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	submitJob(t, store, nil)
	jobs, err := store.Claim(ctx, queue.ClaimRequest{RobotID: "r1", BatchSize: 1, VisibilityTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	job := jobs[0]

	recovered, err := store.RecoverExpired(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, recovered)

	status, err := store.ExtendLease(ctx, job.ID, *job.LeaseToken, time.Minute)
	require.NoError(t, err)
	assert.False(t, status.OK, "extend after recovery returns false")

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount, "recovery increments retry_count")
	assert.NotNil(t, got.LastError)
	assert.Equal(t, "visibility timeout", *got.LastError)
}

func TestStaleLeaseInvalidation(t *testing.T) {
	store, _ := newTestStore(t)
	store.SetRetryPolicy(queue.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	ctx := context.Background()

	id := submitJob(t, store, nil)

	jobs, err := store.Claim(ctx, queue.ClaimRequest{RobotID: "r1", BatchSize: 1, VisibilityTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	lease1 := *jobs[0].LeaseToken

	_, err = store.RecoverExpired(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)

	// A second robot claims the recovered job once the retry backoff elapses.
	deadline := time.Now().Add(5 * time.Second)
	var job2 domain.Job
	for {
		jobs, err := store.Claim(ctx, queue.ClaimRequest{RobotID: "r2", BatchSize: 1, VisibilityTimeout: time.Minute})
		require.NoError(t, err)
		if len(jobs) == 1 {
			job2 = jobs[0]
			break
		}
		require.True(t, time.Now().Before(deadline), "recovered job never became claimable")
		time.Sleep(100 * time.Millisecond)
	}
	lease2 := *job2.LeaseToken
	assert.NotEqual(t, lease1, lease2, "lease token changes on every claim")

	// The revived zombie cannot acknowledge with its old lease.
	err = store.Complete(ctx, id, lease1, map[string]any{"zombie": true})
	assert.ErrorIs(t, err, domain.ErrStaleLease)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobClaimed, got.Status, "state unchanged by the stale complete")

	// The holder of the fresh lease succeeds.
	require.NoError(t, store.Complete(ctx, id, lease2, map[string]any{"ok": true}))
}

func TestFailThenRetryThenDeadLetter(t *testing.T) {
	store, bus := newTestStore(t)
	store.SetRetryPolicy(queue.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	sub := bus.Subscribe(events.SubscribeOptions{Kinds: []domain.EventKind{domain.EventJobDeadLettered}})
	defer sub.Close()
	ctx := context.Background()

	id := submitJob(t, store, func(s *domain.JobSpec) { mr := 2; s.MaxRetries = &mr })

	for attempt := 1; attempt <= 3; attempt++ {
		var job domain.Job
		deadline := time.Now().Add(5 * time.Second)
		for {
			jobs, err := store.Claim(ctx, queue.ClaimRequest{RobotID: "r1", BatchSize: 1, VisibilityTimeout: time.Minute})
			require.NoError(t, err)
			if len(jobs) == 1 {
				job = jobs[0]
				break
			}
			require.True(t, time.Now().Before(deadline), "job not claimable for attempt %d", attempt)
			time.Sleep(5 * time.Millisecond)
		}

		willRetry, err := store.Fail(ctx, job.ID, *job.LeaseToken, "robot crashed", false)
		require.NoError(t, err)
		assert.Equal(t, attempt < 3, willRetry, "attempt %d", attempt)
	}

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDeadLetter, got.Status)
	assert.Equal(t, 2, got.RetryCount, "retry_count capped at max_retries")
	require.NotNil(t, got.LastError)
	assert.Equal(t, "robot crashed", *got.LastError)

	ev := <-sub.C
	assert.Equal(t, domain.EventJobDeadLettered, ev.Kind)
	assert.Empty(t, sub.C, "exactly one dead-letter event")
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id := submitJob(t, store, nil)
	job := claimOne(t, store, "r1")

	willRetry, err := store.Fail(ctx, job.ID, *job.LeaseToken, "selector invalid", true)
	require.NoError(t, err)
	assert.False(t, willRetry)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDeadLetter, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestCancelQueuedJob(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id := submitJob(t, store, nil)
	require.NoError(t, store.Cancel(ctx, id))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)

	// Terminal: cancel again is a no-op, and the job is unclaimable.
	require.NoError(t, store.Cancel(ctx, id))
	jobs, err := store.Claim(ctx, queue.ClaimRequest{RobotID: "r1", BatchSize: 1, VisibilityTimeout: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCancelRunningJobIsCooperative(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id := submitJob(t, store, nil)
	job := claimOne(t, store, "r1")

	require.NoError(t, store.Cancel(ctx, id))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobClaimed, got.Status, "running job keeps executing until the robot notices")
	assert.True(t, got.CancelRequested)

	// The robot discovers the request on its next lease extension.
	status, err := store.ExtendLease(ctx, id, *job.LeaseToken, time.Minute)
	require.NoError(t, err)
	assert.True(t, status.OK)
	assert.True(t, status.CancelRequested)

	// It terminates and reports; the job resolves to cancelled, not dead_letter.
	_, err = store.Fail(ctx, id, *job.LeaseToken, "cancelled_by_user", true)
	require.NoError(t, err)

	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Cancel(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestIdempotentSubmit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	spec := domain.JobSpec{
		WorkflowID:     "wf-1",
		Payload:        testPayload,
		IdempotencyKey: "k1",
		PayloadHash:    dispatcher.PayloadHash(testPayload),
	}
	first, err := store.Submit(ctx, spec)
	require.NoError(t, err)

	second, err := store.Submit(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same key returns the prior job id")

	_, total, err := store.List(ctx, domain.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "no duplicate row inserted")

	// Same key, different payload: conflict.
	other := json.RawMessage(`{"nodes":[{"id":"start","type":"Start"},{"id":"x","type":"Click"}],"connections":[]}`)
	_, err = store.Submit(ctx, domain.JobSpec{
		WorkflowID:     "wf-1",
		Payload:        other,
		IdempotencyKey: "k1",
		PayloadHash:    dispatcher.PayloadHash(other),
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestListFilters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	submitJob(t, store, func(s *domain.JobSpec) { s.TenantID = "t1" })
	submitJob(t, store, func(s *domain.JobSpec) { s.TenantID = "t2" })
	id := submitJob(t, store, func(s *domain.JobSpec) { s.TenantID = "t1" })
	require.NoError(t, store.Cancel(ctx, id))

	jobs, total, err := store.List(ctx, domain.JobFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, jobs, 2)

	jobs, total, err = store.List(ctx, domain.JobFilter{TenantID: "t1", Status: domain.JobCancelled})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
}

func TestPurgeTerminal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	keep := submitJob(t, store, nil)
	gone := submitJob(t, store, nil)
	require.NoError(t, store.Cancel(ctx, gone))

	var archived []string
	archive := func(ctx context.Context, job *domain.Job) error {
		archived = append(archived, job.ID)
		return nil
	}

	purged, err := store.PurgeTerminal(ctx, time.Now().UTC().Add(time.Minute), archive)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Equal(t, []string{gone}, archived)

	_, err = store.Get(ctx, gone)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = store.Get(ctx, keep)
	assert.NoError(t, err, "non-terminal jobs are never purged")
}

func TestRobotRegistryRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	robot, created, err := store.UpsertRobot(ctx, "machine-1", "bot-a", []string{"browser"}, "production")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.RobotIdle, robot.Status)

	again, created, err := store.UpsertRobot(ctx, "machine-1", "bot-a-renamed", []string{"browser", "desktop"}, "production")
	require.NoError(t, err)
	assert.False(t, created, "registration is idempotent on machine id")
	assert.Equal(t, robot.ID, again.ID, "robot ids are stable")
	assert.Equal(t, "bot-a-renamed", again.Name)

	now := time.Now().UTC()
	jobID := "11111111-1111-1111-1111-111111111111"
	updated, previous, err := store.RecordHeartbeat(ctx, domain.Heartbeat{
		RobotID:      robot.ID,
		Status:       domain.RobotBusy,
		CurrentJobID: &jobID,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.RobotBusy, updated.Status)
	require.NotNil(t, updated.CurrentJobID)
	assert.False(t, previous.IsZero())

	// Non-busy heartbeats clear current_job_id (the busy invariant).
	updated, _, err = store.RecordHeartbeat(ctx, domain.Heartbeat{
		RobotID:      robot.ID,
		Status:       domain.RobotIdle,
		CurrentJobID: &jobID,
	}, now.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, updated.CurrentJobID)

	stale, err := store.ListStaleRobots(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	stale, err = store.ListStaleRobots(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}
