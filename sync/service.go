// ABOUTME: Sync trigger surface: single-flight start, status, resume, and cancel
// ABOUTME: Every run releases its account lock on exit, whatever the outcome
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/events"
	"github.com/harperreed/mailsync/fetch"
	"github.com/harperreed/mailsync/models"
	"github.com/harperreed/mailsync/ratelimit"
	"github.com/harperreed/mailsync/workflow"
)

const (
	DefaultGmailFullSyncDays  = 30
	DefaultCalendarPastDays   = 30
	DefaultCalendarFutureDays = 90
	DefaultThreadBatchSize    = 10
	DefaultProgressEvery      = 50
)

var ErrNotResumable = errors.New("sync job is not resumable")

// orphanLockAge is how long a claimed lock may go without a job before a
// restart treats it as left behind by a crash.
const orphanLockAge = time.Minute

// Settings tunes the strategies. The zero value of a field means its default.
type Settings struct {
	// Durable records every step in the job's step log so a crashed run
	// resumes where it stopped. Without it steps run inline.
	Durable            bool
	GmailFullSyncDays  int
	CalendarPastDays   int
	CalendarFutureDays int
	ThreadBatchSize    int
	ProgressEvery      int
	RateLimitTimeout   time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Durable:            true,
		GmailFullSyncDays:  DefaultGmailFullSyncDays,
		CalendarPastDays:   DefaultCalendarPastDays,
		CalendarFutureDays: DefaultCalendarFutureDays,
		ThreadBatchSize:    DefaultThreadBatchSize,
		ProgressEvery:      DefaultProgressEvery,
		RateLimitTimeout:   ratelimit.DefaultWaitTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.GmailFullSyncDays <= 0 {
		s.GmailFullSyncDays = d.GmailFullSyncDays
	}
	if s.CalendarPastDays <= 0 {
		s.CalendarPastDays = d.CalendarPastDays
	}
	if s.CalendarFutureDays <= 0 {
		s.CalendarFutureDays = d.CalendarFutureDays
	}
	if s.ThreadBatchSize <= 0 {
		s.ThreadBatchSize = d.ThreadBatchSize
	}
	if s.ProgressEvery < 0 {
		s.ProgressEvery = 0
	}
	if s.RateLimitTimeout <= 0 {
		s.RateLimitTimeout = d.RateLimitTimeout
	}
	return s
}

// Result is what callers of StartSync and Resume see. On error Message is
// meant for people; the detailed error goes to the log.
type Result struct {
	Status    Status         `json:"status"`
	JobID     string         `json:"jobId,omitempty"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Total     int            `json:"total"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithSettings(settings Settings) Option { return func(s *Service) { s.settings = settings } }

// WithStrategy replaces the strategy registered for its sync type.
func WithStrategy(st Strategy) Option {
	return func(s *Service) { s.strategies[st.Type()] = st }
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	db         *sql.DB
	fetcher    fetch.Client
	limits     *ratelimit.Registry
	tracker    *Tracker
	logger     *zap.Logger
	publisher  events.Publisher
	settings   Settings
	strategies map[models.SyncType]Strategy
	now        func() time.Time

	mu      stdsync.Mutex
	running map[string]context.CancelFunc
}

func NewService(database *sql.DB, fetcher fetch.Client, limits *ratelimit.Registry, opts ...Option) *Service {
	s := &Service{
		db:       database,
		fetcher:  fetcher,
		limits:   limits,
		settings: DefaultSettings(),
		strategies: map[models.SyncType]Strategy{
			models.SyncTypeEmail:    GmailStrategy{},
			models.SyncTypeCalendar: CalendarStrategy{},
			models.SyncTypeContacts: ContactsStrategy{},
		},
		now:     time.Now,
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.limits == nil {
		s.limits = ratelimit.NewRegistry(ratelimit.DefaultCapacity, ratelimit.DefaultRefillRate, ratelimit.DefaultWaitTimeout)
	}
	s.settings = s.settings.withDefaults()
	s.tracker = NewTracker(database, s.logger, s.publisher)
	s.tracker.now = s.now
	return s
}

// StartSync runs one sync for the account to completion. A second call for
// the same account and type while a run is active returns already_syncing
// without creating a job. externalUserID defaults to the account's user.
func (s *Service) StartSync(ctx context.Context, accountID string, syncType models.SyncType, externalUserID string) (*Result, error) {
	account, err := db.GetAccount(ctx, s.db, accountID)
	if err != nil {
		return s.errorResult("", err), fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	if !account.IsActive {
		err := fmt.Errorf("account %s is inactive", accountID)
		return &Result{Status: StatusError, Message: "This account is disconnected"}, err
	}
	strategy, ok := s.strategies[syncType]
	if !ok {
		err := fmt.Errorf("no strategy for sync type %q", syncType)
		return &Result{Status: StatusError, Message: "Unsupported sync type"}, err
	}
	if externalUserID == "" {
		externalUserID = account.UserID
	}

	claimed, err := db.ClaimSyncLock(ctx, s.db, account.ID, syncType, "")
	if err != nil {
		return s.errorResult("", err), err
	}
	if !claimed {
		s.logger.Info("sync already running", zap.String("account_id", account.ID), zap.String("type", string(syncType)))
		return &Result{Status: StatusAlreadySyncing, Message: "A sync is already running for this account"}, nil
	}

	job, err := s.tracker.Create(ctx, account, syncType, map[string]any{"externalUserId": externalUserID})
	if err == nil {
		err = db.AttachLockJob(ctx, s.db, account.ID, syncType, job.ID)
		if err != nil {
			s.tracker.Fail(context.WithoutCancel(ctx), job, db.Progress{}, userMessage(err))
		}
	}
	if err != nil {
		msg := userMessage(err)
		if relErr := db.ReleaseSyncLock(context.WithoutCancel(ctx), s.db, account.ID, syncType, "", db.Progress{}, &msg); relErr != nil {
			s.logger.Error("failed to release sync lock", zap.String("account_id", account.ID), zap.Error(relErr))
		}
		return s.errorResult("", err), fmt.Errorf("failed to create sync job: %w", err)
	}

	s.tracker.Start(ctx, job)
	return s.execute(ctx, account, job, strategy, externalUserID)
}

// execute drives the strategy for a job whose lock is already held.
func (s *Service) execute(ctx context.Context, account *models.Account, job *models.SyncJob, strategy Strategy, externalUserID string) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(job.ID, cancel)
	defer s.untrack(job.ID)

	// cleanup writes must land even when the caller's context is gone
	cleanupCtx := context.WithoutCancel(ctx)

	logger := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("account_id", account.ID),
		zap.String("type", string(job.Type)),
	)

	run := s.newRun(account, job, externalUserID, logger)

	var lastErr *string
	defer func() {
		if err := db.ReleaseSyncLock(cleanupCtx, s.db, account.ID, job.Type, job.ID, run.Progress(), lastErr); err != nil {
			logger.Error("failed to release sync lock", zap.Error(err))
		}
	}()

	logger.Info("sync started")
	outcome, err := runStrategy(runCtx, strategy, run)
	if err == nil {
		if err = db.SaveCursor(cleanupCtx, s.db, account.ID, outcome.Cursor, s.now()); err != nil {
			err = fmt.Errorf("failed to save sync state: %w", err)
		}
	}

	p := run.Progress()
	if err != nil {
		msg := userMessage(err)
		lastErr = &msg
		logger.Error("sync failed", zap.Error(err), zap.Int("processed", p.Processed), zap.Int("failed", p.Failed))
		s.tracker.Fail(cleanupCtx, job, p, msg)
		return &Result{
			Status: StatusError, JobID: job.ID,
			Processed: p.Processed, Failed: p.Failed, Total: p.Total,
			Message: msg,
		}, err
	}

	details := map[string]any{"status": string(outcome.Status)}
	maps.Copy(details, outcome.Details)
	s.tracker.Complete(cleanupCtx, job, p, details)
	logger.Info("sync completed",
		zap.String("status", string(outcome.Status)),
		zap.Int("processed", p.Processed),
		zap.Int("failed", p.Failed),
		zap.Int("total", p.Total),
	)
	return &Result{
		Status: outcome.Status, JobID: job.ID,
		Processed: p.Processed, Failed: p.Failed, Total: p.Total,
		Details: outcome.Details,
	}, nil
}

func (s *Service) newRun(account *models.Account, job *models.SyncJob, externalUserID string, logger *zap.Logger) *Run {
	var steps workflow.Stepper = workflow.NewInline()
	if s.settings.Durable {
		steps = workflow.NewLog(s.db, job.ID)
	}
	return &Run{
		Account:        account,
		Job:            job,
		ExternalUserID: externalUserID,
		State:          account.SyncState,
		Steps:          steps,
		Settings:       s.settings,
		Logger:         logger,
		db:             s.db,
		fetcher:        s.fetcher,
		bucket:         s.limits.Bucket(providerKey(account)),
		tracker:        s.tracker,
		now:            s.now,
	}
}

// runStrategy converts a panicking strategy into an ordinary run failure.
func runStrategy(ctx context.Context, strategy Strategy, run *Run) (outcome *Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			run.Logger.Error("sync strategy panicked", zap.Any("panic", p), zap.Stack("stack"))
			outcome, err = nil, fmt.Errorf("sync strategy panicked: %v", p)
		}
	}()
	outcome, err = strategy.Run(ctx, run)
	if err == nil && outcome == nil {
		err = errors.New("sync strategy returned no outcome")
	}
	return outcome, err
}

// GetSyncStatus reads the last written snapshot. It never waits on a run.
func (s *Service) GetSyncStatus(ctx context.Context, accountID string, syncType models.SyncType) (*models.SyncStatus, error) {
	return db.GetSyncStatus(ctx, s.db, accountID, syncType)
}

// Resume continues an interrupted job with its original id and step log.
// Completed steps replay from the log and the counters are rebuilt from them.
func (s *Service) Resume(ctx context.Context, jobID string) (*Result, error) {
	job, err := s.tracker.Get(ctx, jobID)
	if err != nil {
		return s.errorResult(jobID, err), fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status != models.JobProcessing {
		err := fmt.Errorf("%w: %s is %s", ErrNotResumable, jobID, job.Status)
		return &Result{Status: StatusError, JobID: jobID, Message: "Only interrupted syncs can be resumed"}, err
	}
	if s.isRunning(jobID) {
		return &Result{Status: StatusAlreadySyncing, JobID: jobID, Message: "This sync is still running"}, nil
	}

	account, err := db.GetAccount(ctx, s.db, job.AccountID)
	if err != nil {
		return s.errorResult(jobID, err), fmt.Errorf("failed to load account %s: %w", job.AccountID, err)
	}
	strategy, ok := s.strategies[job.Type]
	if !ok {
		return &Result{Status: StatusError, JobID: jobID, Message: "Unsupported sync type"}, fmt.Errorf("no strategy for sync type %q", job.Type)
	}

	claimed, err := db.ReclaimSyncLock(ctx, s.db, account.ID, job.Type, job.ID)
	if err != nil {
		return s.errorResult(jobID, err), err
	}
	if !claimed {
		return &Result{Status: StatusAlreadySyncing, JobID: jobID, Message: "A sync is already running for this account"}, nil
	}

	var cfg struct {
		ExternalUserID string `json:"externalUserId"`
	}
	if len(job.Config) > 0 {
		if err := json.Unmarshal(job.Config, &cfg); err != nil {
			s.logger.Warn("unreadable job config", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	if cfg.ExternalUserID == "" {
		cfg.ExternalUserID = account.UserID
	}

	s.logger.Info("resuming sync", zap.String("job_id", jobID))
	return s.execute(ctx, account, job, strategy, cfg.ExternalUserID)
}

// ResumeInterrupted is run at startup. Locks still held by finished or
// missing jobs are released. Jobs left processing are resumed. Jobs left
// pending never started work, so they are failed and their lock is released.
func (s *Service) ResumeInterrupted(ctx context.Context) ([]*Result, error) {
	released, err := db.ReleaseStaleLocks(ctx, s.db, s.now().Add(-orphanLockAge), "Sync was interrupted")
	if err != nil {
		return nil, err
	}
	if released > 0 {
		s.logger.Info("released stale sync locks", zap.Int("count", released))
	}

	pending, err := db.ListJobsByStatus(ctx, s.db, models.JobPending)
	if err != nil {
		return nil, err
	}
	for _, job := range pending {
		msg := "Sync was interrupted before it started"
		s.tracker.Fail(ctx, job, db.Progress{}, msg)
		for _, owner := range []string{job.ID, ""} {
			if err := db.ReleaseSyncLock(ctx, s.db, job.AccountID, job.Type, owner, db.Progress{}, &msg); err != nil {
				s.logger.Warn("failed to release interrupted lock", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}

	processing, err := db.ListJobsByStatus(ctx, s.db, models.JobProcessing)
	if err != nil {
		return nil, err
	}
	var results []*Result
	var errs []error
	for _, job := range processing {
		if s.isRunning(job.ID) {
			continue
		}
		res, err := s.Resume(ctx, job.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

// Cancel marks a job cancelled, stops it if it runs in this process, and
// releases its lock.
func (s *Service) Cancel(ctx context.Context, jobID, reason string) (*models.SyncJob, error) {
	if reason == "" {
		reason = "cancelled by administrator"
	}
	job, err := s.tracker.Cancel(ctx, jobID, reason)
	if errors.Is(err, db.ErrJobTerminal) {
		s.releaseFinished(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	stop := s.running[jobID]
	s.mu.Unlock()
	if stop != nil {
		stop()
	}

	msg := "Sync was cancelled: " + reason
	p := db.Progress{Total: job.TotalItems, Processed: job.ProcessedItems, Failed: job.FailedItems}
	if err := db.ReleaseSyncLock(ctx, s.db, job.AccountID, job.Type, job.ID, p, &msg); err != nil {
		return job, err
	}
	s.logger.Info("sync cancelled", zap.String("job_id", jobID), zap.String("reason", reason))
	return job, nil
}

// releaseFinished frees a lock still held by a job that already reached a
// terminal state, which only happens when the process died in between.
func (s *Service) releaseFinished(ctx context.Context, jobID string) {
	job, err := db.GetJob(ctx, s.db, jobID)
	if err != nil {
		s.logger.Warn("failed to load finished job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	lastErr := job.Error
	if job.Status != models.JobCompleted && lastErr == nil {
		msg := "Sync was interrupted"
		lastErr = &msg
	}
	p := db.Progress{Total: job.TotalItems, Processed: job.ProcessedItems, Failed: job.FailedItems}
	if err := db.ReleaseSyncLock(ctx, s.db, job.AccountID, job.Type, job.ID, p, lastErr); err != nil {
		s.logger.Warn("failed to release lock of finished job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Service) track(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[jobID] = cancel
}

func (s *Service) untrack(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
}

func (s *Service) isRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	return ok
}

func (s *Service) errorResult(jobID string, err error) *Result {
	return &Result{Status: StatusError, JobID: jobID, Message: userMessage(err)}
}

// providerKey selects the shared rate-limit bucket. All accounts of one
// provider draw from the same bucket.
func providerKey(account *models.Account) string {
	if account.Provider == "" {
		return models.ProviderGoogle
	}
	return account.Provider
}

// userMessage turns a run error into text safe to show a person.
func userMessage(err error) string {
	var netErr *fetch.NetworkError
	var upErr *fetch.UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ratelimit.ErrTimeout), errors.Is(err, ratelimit.ErrExceedsCapacity):
		return "Rate limit reached while waiting to call the provider. Try again shortly."
	case fetch.IsRateLimited(err):
		return "Rate limit exceeded by the provider. Try again later."
	case fetch.IsFatal(err):
		return "Authentication with the provider failed. Reconnect the account."
	case errors.Is(err, db.ErrNotFound):
		return "Account or job not found"
	case errors.Is(err, context.Canceled):
		return "Sync was cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "Sync timed out"
	case errors.As(err, &netErr):
		return "Could not reach the provider after several attempts"
	case errors.As(err, &upErr):
		return fmt.Sprintf("The provider returned an error (HTTP %d)", upErr.Status)
	default:
		return "Sync failed due to an internal error"
	}
}
