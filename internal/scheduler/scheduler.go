package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Ramazan2220/warmq/internal/config"
	"github.com/Ramazan2220/warmq/internal/consts"
	"github.com/Ramazan2220/warmq/internal/core"
	"github.com/Ramazan2220/warmq/internal/executor"
	"github.com/Ramazan2220/warmq/internal/gate"
	"github.com/Ramazan2220/warmq/internal/logging"
	"github.com/Ramazan2220/warmq/internal/metrics"
	"github.com/Ramazan2220/warmq/internal/model"
	"github.com/Ramazan2220/warmq/internal/repository"
	"github.com/Ramazan2220/warmq/internal/userlog"
)

// Deps are the collaborators the scheduler drives. Gate and Sink may be
// nil; the loop then runs without risk gating or user-facing events.
type Deps struct {
	Repo *repository.TaskRepository
	Exec executor.Executor
	Gate *gate.Gate
	Sink *userlog.Sink
}

// Scheduler owns the warmup dispatch loop: one poll tick per second walks
// the queue, admits what the per-account and per-owner limits allow, and
// hands admitted tasks to a fixed worker pool. Deferred tasks go to the
// back of the queue so one blocked tenant cannot starve the rest.
type Scheduler struct {
	*core.BaseComponent
	cfg   config.SchedulerConfig
	deps  Deps
	retry RetryPolicy
	now   func() time.Time

	// mu guards the admission state below.
	mu             sync.Mutex
	queue          []*model.Task
	queued         map[int64]bool // task IDs present in queue
	activeAccounts map[int64]bool // accounts with a running session
	activeByOwner  map[int64]int  // running sessions per owner
	inFlight       int

	work   chan *model.Task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(cfg config.SchedulerConfig, deps Deps, opts ...Option) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 3
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.StaleRunningAfter <= 0 {
		cfg.StaleRunningAfter = 15 * time.Minute
	}
	s := &Scheduler{
		BaseComponent:  core.NewBaseComponent(consts.CompScheduler),
		cfg:            cfg,
		deps:           deps,
		retry:          NewRetryPolicy(cfg.BackoffMinMinutes, cfg.BackoffMaxMinutes),
		now:            time.Now,
		queued:         map[int64]bool{},
		activeAccounts: map[int64]bool{},
		activeByOwner:  map[int64]int{},
		work:           make(chan *model.Task),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.IsActive() {
		return nil
	}
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for i := 0; i < s.cfg.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx)
	}
	s.wg.Add(1)
	go s.pollLoop(runCtx)
	if s.cfg.LoadInterval > 0 {
		s.wg.Add(1)
		go s.loadLoop(runCtx)
	}
	logging.Info(ctx, "scheduler started",
		zap.Int("max_workers", s.cfg.MaxWorkers),
		zap.Int("max_per_user", s.cfg.MaxPerUser),
		zap.Duration("poll_interval", s.cfg.PollInterval))
	return nil
}

// Stop cancels the poll and load loops, then waits for in-flight sessions
// to finish on their own, bounded by the configured stop timeout. Sessions
// are never canceled: one still running when the timeout fires completes
// in the background and persists its final state, and a row stranded
// RUNNING by a hard crash is re-admitted by the loader once stale.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.IsActive() {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		logging.Warn(ctx, "scheduler stop timed out with sessions in flight",
			zap.Int("in_flight", s.InFlight()))
	}
	return s.BaseComponent.Stop(ctx)
}

// Submit enqueues a task for dispatch. Duplicate submissions of a task
// already queued or already running are ignored, so the periodic loader
// can be naive about overlap.
func (s *Scheduler) Submit(task *model.Task) bool {
	if task == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[task.ID] || s.activeAccounts[task.AccountID] {
		return false
	}
	if len(s.queue) >= s.cfg.QueueSize {
		logging.Warn(context.Background(), "scheduler queue full, rejecting task",
			zap.Int64("task_id", task.ID))
		return false
	}
	s.queue = append(s.queue, task)
	s.queued[task.ID] = true
	return true
}

// QueueLen reports how many tasks are waiting for admission.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// InFlight reports how many sessions are currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchTick(ctx)
		}
	}
}

// dispatchTick scans the queue once. Each waiting task is looked at at
// most one time per tick; anything not admissible goes to the back.
func (s *Scheduler) dispatchTick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	scan := len(s.queue)
	s.mu.Unlock()

	for i := 0; i < scan; i++ {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]

		reason := s.admissibleLocked(task, now)
		if reason != "" {
			s.queue = append(s.queue, task)
			s.mu.Unlock()
			if m := metrics.C(); m != nil {
				m.TasksDeferred.WithLabelValues(reason).Inc()
			}
			continue
		}

		delete(s.queued, task.ID)
		s.activeAccounts[task.AccountID] = true
		s.activeByOwner[task.OwnerID]++
		s.inFlight++
		s.mu.Unlock()
		if m := metrics.C(); m != nil {
			m.InFlight.Inc()
		}

		select {
		case s.work <- task:
			if m := metrics.C(); m != nil {
				m.TasksDispatched.Inc()
			}
		case <-ctx.Done():
			s.release(task)
			return
		}
	}
}

// admissibleLocked returns the deferral reason, or "" when the task may
// run now. Caller holds mu.
func (s *Scheduler) admissibleLocked(task *model.Task, now time.Time) string {
	if task.InBackoff(now) {
		return "backoff"
	}
	if s.activeAccounts[task.AccountID] {
		return "resource_busy"
	}
	if s.activeByOwner[task.OwnerID] >= s.cfg.MaxPerUser {
		return "owner_cap"
	}
	if s.inFlight >= s.cfg.MaxWorkers {
		return "pool_full"
	}
	return ""
}

func (s *Scheduler) release(task *model.Task) {
	s.mu.Lock()
	delete(s.activeAccounts, task.AccountID)
	if s.activeByOwner[task.OwnerID] > 1 {
		s.activeByOwner[task.OwnerID]--
	} else {
		delete(s.activeByOwner, task.OwnerID)
	}
	s.inFlight--
	s.mu.Unlock()
	if m := metrics.C(); m != nil {
		m.InFlight.Dec()
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.work:
			// Sessions get their own context: Stop cancels the loops and
			// waits, it never aborts a session mid-protocol, and the final
			// state persists even when Stop has already returned.
			s.runTask(s.traceContext(context.Background()), task)
			s.release(task)
		}
	}
}

// runTask drives one session end to end. A panic or error in one task is
// recorded against that task only; the worker survives.
func (s *Scheduler) runTask(ctx context.Context, task *model.Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "scheduler: session panicked",
				zap.Int64("task_id", task.ID), zap.Any("panic", r))
			s.recordFailure(ctx, task, fmt.Errorf("session panic: %v", r))
		}
	}()

	now := s.now()
	if err := s.deps.Repo.MarkRunning(ctx, task.ID, now); err != nil {
		logging.Error(ctx, "scheduler: mark running failed",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	s.publish(task, "session_started", "")

	if s.deps.Gate != nil {
		before := task.Settings.ForcePassive
		s.deps.Gate.Decide(ctx, task.AccountID, &task.Settings)
		if task.Settings.ForcePassive && !before {
			if err := s.deps.Repo.SaveSettings(ctx, task); err != nil {
				logging.Error(ctx, "scheduler: persist passive flag failed",
					zap.Int64("task_id", task.ID), zap.Error(err))
			}
			s.publish(task, "forced_passive", "risk gate")
		}
	}

	result, err := s.deps.Exec.Run(ctx, task.AccountID, task.Settings)
	if err != nil {
		s.recordFailure(ctx, task, err)
		return
	}

	if err := s.deps.Repo.SaveSuccess(ctx, task, result, s.now()); err != nil {
		logging.Error(ctx, "scheduler: persist success failed",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	if m := metrics.C(); m != nil {
		m.TasksCompleted.Inc()
	}
	s.publish(task, "task_completed", "")
	logging.Info(ctx, "warmup session completed",
		zap.Int64("task_id", task.ID),
		zap.Int64("account_id", task.AccountID),
		zap.Int("sessions_count", task.Progress.SessionsCount))
}

func (s *Scheduler) recordFailure(ctx context.Context, task *model.Task, cause error) {
	now := s.now()
	next := s.retry.NextAttempt(now)
	if err := s.deps.Repo.SaveFailure(ctx, task, cause, next, now); err != nil {
		logging.Error(ctx, "scheduler: persist failure failed",
			zap.Int64("task_id", task.ID), zap.Error(err))
	}
	if m := metrics.C(); m != nil {
		m.TasksFailed.Inc()
	}
	s.publish(task, "task_failed", cause.Error())
	logging.Warn(ctx, "warmup session failed",
		zap.Int64("task_id", task.ID),
		zap.Int64("account_id", task.AccountID),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
}

func (s *Scheduler) publish(task *model.Task, event, detail string) {
	if s.deps.Sink == nil {
		return
	}
	s.deps.Sink.Publish(userlog.Entry{
		OwnerID:   task.OwnerID,
		AccountID: task.AccountID,
		TaskID:    task.ID,
		Event:     event,
		Detail:    detail,
		At:        s.now(),
	})
}

// loadLoop periodically pulls runnable tasks from storage so restarts and
// externally created tasks flow into the queue without an explicit Submit.
func (s *Scheduler) loadLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.LoadInterval)
	defer ticker.Stop()
	s.loadOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.loadOnce(ctx)
		}
	}
}

func (s *Scheduler) loadOnce(ctx context.Context) {
	tasks, err := s.deps.Repo.ListRunnable(ctx, s.now(), s.cfg.StaleRunningAfter)
	if err != nil {
		logging.Error(ctx, "scheduler: load runnable tasks failed", zap.Error(err))
		return
	}
	added := 0
	for i := range tasks {
		if s.Submit(&tasks[i]) {
			added++
		}
	}
	if added > 0 {
		logging.Debug(ctx, "scheduler: loaded tasks from storage",
			zap.Int("added", added), zap.Int("seen", len(tasks)))
	}
}

// traceContext ensures every session carries a trace identity so the log
// lines of one session can be stitched together across components.
func (s *Scheduler) traceContext(ctx context.Context) context.Context {
	if trace.SpanContextFromContext(ctx).IsValid() {
		return ctx
	}
	id := uuid.New()
	var tid trace.TraceID
	var sid trace.SpanID
	copy(tid[:], id[:])
	copy(sid[:], id[8:])
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})
	ctx = trace.ContextWithSpanContext(ctx, sc)
	return logging.WithTraceID(ctx, id.String())
}
