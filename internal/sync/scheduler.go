package sync

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"tunesync/internal/models"
)

// AccountLister enumerates the accounts participating in a cycle.
type AccountLister interface {
	ListActive(ctx context.Context) ([]*models.Account, error)
}

// Scheduler drives the reconciler on a fixed cadence. Each tick fans the
// active accounts out over a bounded worker pool; a per-account in-flight
// guard ensures at most one concurrent reconciliation per account even when
// a slow account outlives its cycle.
type Scheduler struct {
	accounts   AccountLister
	reconciler *Reconciler
	interval   time.Duration
	workers    int
	cycleBound time.Duration // per-account deadline
	logger     *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	loopDone sync.WaitGroup

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

func NewScheduler(logger *slog.Logger, accounts AccountLister, reconciler *Reconciler, interval time.Duration, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		accounts:   accounts,
		reconciler: reconciler,
		interval:   interval,
		workers:    workers,
		cycleBound: 30 * time.Second,
		logger:     logger,
		stopChan:   make(chan struct{}),
		inFlight:   make(map[int64]struct{}),
	}
}

// Start launches the cycle loop. It returns immediately; Stop shuts the
// loop down and waits for in-flight reconciliations to finish.
func (s *Scheduler) Start() {
	s.loopDone.Add(1)
	go s.run()
	s.logger.Info("sync_scheduler_started", "interval_ms", s.interval.Milliseconds(), "workers", s.workers)
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.loopDone.Wait()
	s.logger.Info("sync_scheduler_stopped")
}

func (s *Scheduler) run() {
	defer s.loopDone.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// first cycle fires immediately rather than one interval in
	s.RunCycle(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunCycle(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// RunCycle reconciles every active account once. Exported so the manual
// sync path and tests can drive cycles without the ticker.
func (s *Scheduler) RunCycle(ctx context.Context) {
	started := time.Now()
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		s.logger.Error("list_active_accounts_failed", "error", err)
		return
	}

	s.logger.Debug("sync_cycle_started", "accounts", len(accounts))

	jobs := make(chan *models.Account)
	var wg sync.WaitGroup

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for acct := range jobs {
				s.reconcileOne(ctx, acct)
			}
		}()
	}

	for _, acct := range accounts {
		jobs <- acct
	}
	close(jobs)
	wg.Wait()

	s.logger.Debug("sync_cycle_completed", "accounts", len(accounts), "elapsed_ms", time.Since(started).Milliseconds())
}

// reconcileOne isolates a single account: in-flight guard, deadline, panic
// boundary. One account's failure never touches its neighbors.
func (s *Scheduler) reconcileOne(ctx context.Context, acct *models.Account) {
	if !s.acquire(acct.ID) {
		s.logger.Warn("cycle_overlap_skipped", "account_id", acct.ID, "slack_user_id", acct.SlackUserID)
		return
	}
	defer s.release(acct.ID)

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("reconcile_panic",
				"account_id", acct.ID,
				"slack_user_id", acct.SlackUserID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, s.cycleBound)
	defer cancel()

	outcome := s.reconciler.Reconcile(cctx, acct)
	switch outcome.Kind {
	case OutcomeFailed:
		s.logger.Error("reconcile_failed",
			"account_id", acct.ID,
			"slack_user_id", acct.SlackUserID,
			"error", outcome.Err,
		)
	case OutcomeSkipped:
		s.logger.Debug("reconcile_skipped", "account_id", acct.ID, "reason", outcome.Reason)
	default:
		s.logger.Info("reconcile_done", "account_id", acct.ID, "outcome", outcome.Kind.String(), "reason", outcome.Reason)
	}
}

func (s *Scheduler) acquire(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}
