package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/domain"
)

// Orchestrator is the robot-facing slice of the API surface. It is
// implemented over HTTP by internal/client and in-process by tests.
type Orchestrator interface {
	RegisterRobot(ctx context.Context, machineID, name string, capabilities []string, environment string) (*domain.Robot, error)
	Heartbeat(ctx context.Context, hb domain.Heartbeat) error
	Claim(ctx context.Context, req queue.ClaimRequest) ([]domain.Job, error)
	ExtendLease(ctx context.Context, jobID, leaseToken string, extension time.Duration) (queue.LeaseStatus, error)
	Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error
	Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) (willRetry bool, err error)
}

// Config holds the robot agent configuration.
type Config struct {
	MachineID    string
	Name         string
	Environment  string
	Capabilities []string

	// PollInterval is how often the agent polls for claimable jobs (default: 1s).
	PollInterval time.Duration
	// HeartbeatInterval drives both registry heartbeats and lease extension
	// while executing (default: 30s).
	HeartbeatInterval time.Duration
	// VisibilityTimeout is requested on every claim and lease extension
	// (default: 2m). Must comfortably exceed HeartbeatInterval.
	VisibilityTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 2 * time.Minute
	}
}

// Agent is a robot process: it registers, heartbeats, claims jobs, hands
// them to the execution engine and reports the outcome under its lease.
type Agent struct {
	orc    Orchestrator
	engine ExecEngine
	cfg    Config

	robotID    string
	done       chan struct{}
	wg         sync.WaitGroup
	processing atomic.Bool

	mu         sync.Mutex
	currentJob *string
}

// NewAgent creates a robot agent.
func NewAgent(orc Orchestrator, engine ExecEngine, cfg Config) *Agent {
	cfg.applyDefaults()
	return &Agent{
		orc:    orc,
		engine: engine,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// RobotID returns the id assigned at registration.
func (a *Agent) RobotID() string { return a.robotID }

// Register registers the robot without starting the processing loops.
func (a *Agent) Register(ctx context.Context) (*domain.Robot, error) {
	robot, err := a.orc.RegisterRobot(ctx, a.cfg.MachineID, a.cfg.Name, a.cfg.Capabilities, a.cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to register robot: %w", err)
	}
	a.robotID = robot.ID
	return robot, nil
}

// Start registers the robot and runs the heartbeat and processing loops
// until the context is cancelled or Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	if a.robotID == "" {
		if _, err := a.Register(ctx); err != nil {
			return err
		}
	}

	slog.InfoContext(ctx, "robot started",
		"robot_id", a.robotID,
		"machine_id", a.cfg.MachineID,
		"environment", a.cfg.Environment,
		"capabilities", a.cfg.Capabilities)

	heartbeatTicker := time.NewTicker(a.cfg.HeartbeatInterval)
	pollTicker := time.NewTicker(a.cfg.PollInterval)
	defer heartbeatTicker.Stop()
	defer pollTicker.Stop()

	a.sendHeartbeat(ctx)

	for {
		select {
		case <-heartbeatTicker.C:
			a.sendHeartbeat(ctx)
		case <-pollTicker.C:
			// One job at a time; heartbeats keep flowing while it runs.
			if !a.processing.CompareAndSwap(false, true) {
				continue
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				defer a.processing.Store(false)
				if _, err := a.RunProcessOnce(ctx); err != nil {
					slog.ErrorContext(ctx, "job processing failed", "error", err)
				}
			}()
		case <-ctx.Done():
			a.wg.Wait()
			return ctx.Err()
		case <-a.done:
			slog.InfoContext(ctx, "robot stopped", "robot_id", a.robotID)
			a.wg.Wait()
			return nil
		}
	}
}

// Stop gracefully stops the agent.
func (a *Agent) Stop() {
	close(a.done)
}

// RunProcessOnce claims and executes a single job with lease heartbeats,
// panic recovery and cooperative cancellation. Returns whether a job was
// processed.
func (a *Agent) RunProcessOnce(ctx context.Context) (bool, error) {
	jobs, err := a.orc.Claim(ctx, queue.ClaimRequest{
		RobotID:           a.robotID,
		Environment:       a.cfg.Environment,
		Capabilities:      a.cfg.Capabilities,
		BatchSize:         1,
		VisibilityTimeout: a.cfg.VisibilityTimeout,
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if len(jobs) == 0 {
		return false, nil
	}
	job := jobs[0]

	slog.InfoContext(ctx, "claimed job", "job_id", job.ID, "robot_id", a.robotID, "workflow_id", job.WorkflowID)

	a.setCurrentJob(&job.ID)
	defer a.setCurrentJob(nil)

	token := ""
	if job.LeaseToken != nil {
		token = *job.LeaseToken
	}

	// The lease keeper extends the visibility timeout while the engine runs
	// and cancels execution when the lease is lost or cancel is requested.
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	keeper := &leaseKeeper{
		agent:  a,
		jobID:  job.ID,
		token:  token,
		cancel: cancelJob,
		done:   make(chan struct{}),
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		keeper.run(ctx)
	}()

	result, execErr := a.executeWithRecovery(jobCtx, &job)
	keeper.stop()

	switch {
	case keeper.cancelRequested():
		// Cooperative cancellation: terminate and report promptly.
		slog.InfoContext(ctx, "job cancelled by request", "job_id", job.ID)
		if _, err := a.orc.Fail(ctx, job.ID, token, "cancelled_by_user", true); err != nil && !errors.Is(err, domain.ErrStaleLease) {
			return true, fmt.Errorf("failed to report cancellation: %w", err)
		}
		return true, nil

	case keeper.leaseLost():
		// The lease was recovered; another robot may hold the job now.
		slog.WarnContext(ctx, "lease lost, abandoning job", "job_id", job.ID)
		return true, nil

	case execErr != nil:
		return true, a.reportFailure(ctx, &job, token, execErr)
	}

	if err := a.orc.Complete(ctx, job.ID, token, result); err != nil {
		if errors.Is(err, domain.ErrStaleLease) {
			slog.WarnContext(ctx, "lease lost before completion, abandoning job", "job_id", job.ID)
			return true, nil
		}
		return true, fmt.Errorf("failed to complete job: %w", err)
	}

	slog.InfoContext(ctx, "job completed", "job_id", job.ID)
	return true, nil
}

// executeWithRecovery runs the engine with panic recovery. A panicking
// workflow is reported as a permanent failure; the stack trace is logged
// locally and the failure report carries only the panic value.
func (a *Agent) executeWithRecovery(ctx context.Context, job *domain.Job) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stackTrace := string(debug.Stack())
			slog.ErrorContext(ctx, "workflow execution panicked",
				"job_id", job.ID,
				"panic_value", r,
				"stack_trace", stackTrace)
			err = PanicError{Value: r, StackTrace: stackTrace}
		}
	}()
	return a.engine.Execute(ctx, job)
}

func (a *Agent) reportFailure(ctx context.Context, job *domain.Job, token string, execErr error) error {
	// Ambiguous failures default to retryable; only explicit classification
	// and panics are permanent.
	permanent := IsPermanent(execErr) || IsPanic(execErr)

	slog.ErrorContext(ctx, "job failed",
		"job_id", job.ID,
		"retry_count", job.RetryCount,
		"permanent", permanent,
		"error", execErr.Error())

	willRetry, err := a.orc.Fail(ctx, job.ID, token, execErr.Error(), permanent)
	if err != nil {
		if errors.Is(err, domain.ErrStaleLease) {
			slog.WarnContext(ctx, "lease lost during failure reporting", "job_id", job.ID)
			return nil
		}
		return fmt.Errorf("failed to report failure: %w", err)
	}
	if !willRetry {
		slog.WarnContext(ctx, "job will not retry", "job_id", job.ID)
	}
	return nil
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	status := domain.RobotIdle
	current := a.getCurrentJob()
	if current != nil {
		status = domain.RobotBusy
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	memMB := float64(memStats.Alloc) / (1 << 20)

	hb := domain.Heartbeat{
		RobotID:      a.robotID,
		Status:       status,
		CurrentJobID: current,
		MemoryMB:     &memMB,
	}
	if err := a.orc.Heartbeat(ctx, hb); err != nil {
		slog.WarnContext(ctx, "heartbeat failed", "robot_id", a.robotID, "error", err)
	}
}

func (a *Agent) setCurrentJob(id *string) {
	a.mu.Lock()
	a.currentJob = id
	a.mu.Unlock()
}

func (a *Agent) getCurrentJob() *string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentJob
}

// leaseKeeper extends a job's lease on the heartbeat cadence and surfaces
// lease loss and cancellation requests to the executing goroutine.
type leaseKeeper struct {
	agent  *Agent
	jobID  string
	token  string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lost      bool
	cancelled bool
	stopped   bool
}

func (k *leaseKeeper) run(ctx context.Context) {
	ticker := time.NewTicker(k.agent.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.done:
			return
		case <-ticker.C:
			status, err := k.agent.orc.ExtendLease(ctx, k.jobID, k.token, k.agent.cfg.VisibilityTimeout)
			if err != nil {
				// Transient extension failures are tolerated; the visibility
				// timeout gives several heartbeats of slack.
				slog.WarnContext(ctx, "lease extension failed", "job_id", k.jobID, "error", err)
				continue
			}
			if !status.OK {
				k.mu.Lock()
				k.lost = true
				k.mu.Unlock()
				k.cancel()
				return
			}
			if status.CancelRequested {
				k.mu.Lock()
				k.cancelled = true
				k.mu.Unlock()
				k.cancel()
				return
			}
		}
	}
}

func (k *leaseKeeper) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.stopped {
		k.stopped = true
		close(k.done)
	}
}

func (k *leaseKeeper) leaseLost() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lost
}

func (k *leaseKeeper) cancelRequested() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cancelled
}
