package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mailsync/internal/mailbox"
	"mailsync/internal/model"
	"mailsync/internal/pipeline"
	"mailsync/internal/repository"
	"mailsync/pkg/logger"
	"mailsync/pkg/metrics"
	"mailsync/pkg/otel"
	"mailsync/pkg/trace"
)

var (
	ErrOwnerNotFound = errors.New("scheduler: owner not found")
	// ErrIncomplete is returned by TriggerOwner when an account failed or the
	// wait timed out.
	ErrIncomplete = errors.New("scheduler: trigger incomplete")
	ErrStopped    = errors.New("scheduler: stopped")
)

type AccountStore interface {
	Get(ctx context.Context, id string) (*model.Account, error)
	ListAll(ctx context.Context) ([]model.Account, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Account, error)
}

type OwnerStore interface {
	// Get returns repository.ErrNotFound for unknown owners.
	Get(ctx context.Context, id string) (*model.Owner, error)
}

type Locker interface {
	TryAcquire(ctx context.Context, key, holderID string) (bool, error)
	Release(ctx context.Context, key, holderID string) error
}

type TokenProvider interface {
	EnsureValid(ctx context.Context, accountID string) (string, error)
	RefreshOnUnauthorized(ctx context.Context, accountID string) (string, error)
}

type BatchProcessor interface {
	Process(ctx context.Context, account *model.Account, messages []mailbox.Message) (pipeline.Result, error)
}

type Options struct {
	Interval          time.Duration
	CycleTimeout      time.Duration
	WorkerConcurrency int
	// TaskTimeout bounds one account task. It should not exceed the lease TTL.
	TaskTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 30 * time.Minute
	}
	if o.WorkerConcurrency <= 0 {
		o.WorkerConcurrency = 5
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 10 * time.Minute
	}
	return o
}

type Deps struct {
	Accounts  AccountStore
	Owners    OwnerStore
	Locks     Locker
	Tokens    TokenProvider
	Mail      mailbox.Client
	Processor BatchProcessor
}

// Scheduler fans account tasks out to a bounded pool shared by periodic
// cycles and on-demand triggers.
type Scheduler struct {
	deps   Deps
	opts   Options
	nodeID string
	logger *zap.Logger

	sem     chan struct{}
	trigger chan struct{}
	wg      sync.WaitGroup

	// tasks derive from lifetime, not from the cycle that dispatched them.
	lifetime context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	stopped  bool
}

func New(deps Deps, opts Options, nodeID string, logger *zap.Logger) *Scheduler {
	opts = opts.withDefaults()
	lifetime, stop := context.WithCancel(context.Background())
	return &Scheduler{
		deps:     deps,
		opts:     opts,
		nodeID:   nodeID,
		logger:   logger,
		sem:      make(chan struct{}, opts.WorkerConcurrency),
		trigger:  make(chan struct{}, 1),
		lifetime: lifetime,
		stop:     stop,
	}
}

// Run executes a cycle immediately, then on every tick and every Trigger
// signal, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started",
		zap.String("node_id", s.nodeID),
		zap.Duration("interval", s.opts.Interval),
		zap.Int("concurrency", s.opts.WorkerConcurrency),
	)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.RunCycle(ctx, TriggerInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx, TriggerInterval)
		case <-s.trigger:
			s.RunCycle(ctx, TriggerSignal)
		}
	}
}

// Trigger asks Run for an extra cycle. Signals coalesce while one is pending.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunCycle processes every known account and waits for the tasks or the
// cycle timeout, whichever comes first. Tasks still running at the timeout
// keep going in the background.
func (s *Scheduler) RunCycle(ctx context.Context, trigger string) CycleReport {
	start := time.Now()
	ctx, cycleID := trace.Ensure(ctx)
	log := logger.WithTrace(ctx, s.logger).With(zap.String("trigger", trigger))
	log.Info("Sync cycle started")

	report := CycleReport{CycleID: cycleID, Trigger: trigger}
	accounts, err := s.deps.Accounts.ListAll(ctx)
	if err != nil {
		log.Error("Failed to list accounts", zap.Error(err))
		report.Err = fmt.Errorf("list accounts: %w", err)
		return report
	}

	s.await(ctx, &report, accounts)
	report.Duration = time.Since(start)
	metrics.RecordCycleDuration(trigger, report.Duration)

	log.Info("Sync cycle finished",
		zap.Int("dispatched", report.Dispatched),
		zap.Int("completed", len(report.Accounts)),
		zap.Bool("timed_out", report.TimedOut),
		zap.Duration("duration", report.Duration),
	)
	return report
}

// TriggerOwner runs the owner's accounts through the pool and waits for
// them. It fails with ErrOwnerNotFound for unknown owners and ErrIncomplete
// when any account failed or the wait timed out; lock contention is not a
// failure.
func (s *Scheduler) TriggerOwner(ctx context.Context, ownerID string) (CycleReport, error) {
	start := time.Now()
	ctx, cycleID := trace.Ensure(ctx)
	report := CycleReport{CycleID: cycleID, Trigger: TriggerOwnerRequest}

	if _, err := s.deps.Owners.Get(ctx, ownerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return report, fmt.Errorf("%w: %s", ErrOwnerNotFound, ownerID)
		}
		return report, fmt.Errorf("load owner %s: %w", ownerID, err)
	}

	accounts, err := s.deps.Accounts.ListByOwner(ctx, ownerID)
	if err != nil {
		return report, fmt.Errorf("list accounts of %s: %w", ownerID, err)
	}

	s.await(ctx, &report, accounts)
	report.Duration = time.Since(start)
	metrics.RecordCycleDuration(TriggerOwnerRequest, report.Duration)

	logger.WithTrace(ctx, s.logger).Info("Owner trigger finished",
		zap.String("owner_id", ownerID),
		zap.Int("accounts", report.Dispatched),
		zap.Int("failed", report.Failed()),
		zap.Bool("timed_out", report.TimedOut),
	)

	if report.Err != nil {
		return report, report.Err
	}
	if report.TimedOut || report.Failed() > 0 {
		return report, fmt.Errorf("%w: %d of %d accounts failed, timed out: %v",
			ErrIncomplete, report.Failed(), report.Dispatched, report.TimedOut)
	}
	return report, nil
}

// Shutdown stops accepting work and waits for running tasks. When ctx ends
// first, remaining tasks are cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stop()
		return nil
	case <-ctx.Done():
		s.stop()
		return ctx.Err()
	}
}

func (s *Scheduler) await(ctx context.Context, report *CycleReport, accounts []model.Account) {
	results, err := s.dispatch(ctx, accounts)
	if err != nil {
		report.Err = err
		return
	}
	report.Dispatched = len(accounts)

	timer := time.NewTimer(s.opts.CycleTimeout)
	defer timer.Stop()

	for range accounts {
		select {
		case r := <-results:
			report.Accounts = append(report.Accounts, r)
		case <-timer.C:
			report.TimedOut = true
			return
		case <-ctx.Done():
			report.TimedOut = true
			return
		}
	}
}

// dispatch starts one task per account. results is buffered so tasks never
// block on a caller that stopped waiting.
func (s *Scheduler) dispatch(ctx context.Context, accounts []model.Account) (<-chan AccountReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}

	traceID := trace.FromContext(ctx)
	results := make(chan AccountReport, len(accounts))
	for _, acc := range accounts {
		s.wg.Add(1)
		go func(accountID string) {
			defer s.wg.Done()

			select {
			case s.sem <- struct{}{}:
			case <-s.lifetime.Done():
				results <- AccountReport{AccountID: accountID, Outcome: OutcomeFailed, Err: ErrStopped}
				return
			}
			defer func() { <-s.sem }()

			taskCtx, cancel := context.WithTimeout(trace.WithContext(s.lifetime, traceID), s.opts.TaskTimeout)
			defer cancel()
			results <- s.runTask(taskCtx, accountID)
		}(acc.ID)
	}
	return results, nil
}

// runTask turns a panic into a failed report.
func (s *Scheduler) runTask(ctx context.Context, accountID string) (report AccountReport) {
	ctx, span := otel.StartSpan(ctx, "sync.account",
		oteltrace.WithAttributes(attribute.String("mailsync.account_id", accountID)),
	)
	log := logger.WithTrace(ctx, s.logger).With(zap.String("account_id", accountID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Account task panicked", zap.Any("panic", r))
			report = AccountReport{
				AccountID: accountID,
				State:     report.State,
				Outcome:   OutcomePanic,
				Err:       fmt.Errorf("panic: %v", r),
			}
		}
		metrics.IncrementAccountRun(string(report.Outcome))

		span.SetAttributes(
			attribute.String("mailsync.outcome", string(report.Outcome)),
			attribute.String("mailsync.state", string(report.State)),
			attribute.Int("mailsync.processed", report.Result.Processed),
		)
		if report.Err != nil {
			span.RecordError(report.Err)
			span.SetStatus(codes.Error, string(report.Outcome))
		}
		span.End()
	}()

	report = AccountReport{AccountID: accountID, State: StateIdle}
	s.processAccount(ctx, &report, log)

	switch report.Outcome {
	case OutcomeFailed, OutcomeAuthFailed:
		log.Error("Account sync failed",
			zap.String("state", string(report.State)),
			zap.Error(report.Err),
		)
	case OutcomeProcessed:
		log.Info("Account synced",
			zap.Int("processed", report.Result.Processed),
			zap.Bool("cursor_advanced", report.Result.CursorAdvanced),
		)
	default:
		log.Debug("Account skipped", zap.String("outcome", string(report.Outcome)))
	}
	return report
}

// processAccount walks IDLE → LOCK_ACQUIRED → TOKEN_VALID → FETCHED →
// BATCH_DONE → CURSOR_ADVANCED. The lease is released on every exit once
// acquired.
func (s *Scheduler) processAccount(ctx context.Context, report *AccountReport, log *zap.Logger) {
	accountID := report.AccountID
	fail := func(outcome Outcome, err error) {
		report.Outcome = outcome
		report.Err = err
	}

	acquired, err := s.deps.Locks.TryAcquire(ctx, accountID, s.nodeID)
	if err != nil {
		fail(OutcomeFailed, fmt.Errorf("acquire lease: %w", err))
		return
	}
	if !acquired {
		report.Outcome = OutcomeLocked
		return
	}
	report.State = StateLockAcquired
	defer func() {
		if err := s.deps.Locks.Release(context.WithoutCancel(ctx), accountID, s.nodeID); err != nil {
			log.Error("Failed to release lease", zap.Error(err))
		}
	}()

	acc, err := s.deps.Accounts.Get(ctx, accountID)
	if err != nil {
		fail(OutcomeFailed, fmt.Errorf("reload account: %w", err))
		return
	}
	if acc.Status != model.AccountActive {
		report.Outcome = OutcomeInactive
		return
	}

	token, err := s.deps.Tokens.EnsureValid(ctx, accountID)
	if err != nil {
		fail(authOutcome(err), err)
		return
	}
	report.State = StateTokenValid

	msgs, resynced, err := mailbox.FetchWithFallback(ctx, s.deps.Mail, token, acc.Address, acc.CursorValue())
	if errors.Is(err, mailbox.ErrUnauthorized) {
		log.Info("Provider rejected token, refreshing once")
		token, err = s.deps.Tokens.RefreshOnUnauthorized(ctx, accountID)
		if err != nil {
			fail(authOutcome(err), err)
			return
		}
		if acc, err = s.deps.Accounts.Get(ctx, accountID); err != nil {
			fail(OutcomeFailed, fmt.Errorf("reload account: %w", err))
			return
		}
		msgs, resynced, err = mailbox.FetchWithFallback(ctx, s.deps.Mail, token, acc.Address, acc.CursorValue())
	}
	if err != nil {
		fail(OutcomeFailed, fmt.Errorf("fetch changes: %w", err))
		return
	}
	report.State = StateFetched
	if resynced {
		log.Warn("Cursor rejected, fell back to full resync", zap.Int("messages", len(msgs)))
	}

	res, err := s.deps.Processor.Process(ctx, acc, msgs)
	report.Result = res
	report.State = StateBatchDone
	if err != nil {
		fail(OutcomeFailed, fmt.Errorf("process batch: %w", err))
		return
	}
	if res.CursorAdvanced {
		report.State = StateCursorAdvanced
	}
	report.Outcome = OutcomeProcessed
}
