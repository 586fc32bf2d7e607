package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	anomalydomain "github.com/smallbiznis/tally/internal/anomaly/domain"
	"github.com/smallbiznis/tally/internal/clock"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/joblock"
	ledgerdomain "github.com/smallbiznis/tally/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

// leaderLockKey guards the whole sweep so multiple replicas do not run
// concurrent cycles. Every job is idempotent, so losing the lock is safe.
const leaderLockKey = "tally:scheduler:leader"

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	LedgerSvc       ledgerdomain.Service
	LedgerRepo      ledgerdomain.Repository
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	AnomalySvc      anomalydomain.Service
	Locker          *joblock.Locker `optional:"true"`
	Config          Config          `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	ledgerSvc       ledgerdomain.Service
	ledgerRepo      ledgerdomain.Repository
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	anomalySvc      anomalydomain.Service
	locker          *joblock.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.LedgerSvc == nil || p.LedgerRepo == nil || p.SubscriptionSvc == nil ||
		p.InvoiceSvc == nil || p.AnomalySvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		ledgerSvc:       p.LedgerSvc,
		ledgerRepo:      p.LedgerRepo,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		anomalySvc:      p.AnomalySvc,
		locker:          p.Locker,
	}, nil
}

type jobRun struct {
	job            string
	runID          string
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	run := &jobRun{
		job:       name,
		runID:     s.genID.Generate().String(),
		startedAt: time.Now(),
	}
	log := s.log.With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	log.Info("scheduler.job.start")

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx, run)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	schedMetrics.AddBatchProcessed(name, run.processedCount)

	finishFields := []zap.Field{
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	if err != nil || run.errorCount > 0 {
		log.Warn("scheduler.job.finish", finishFields...)
	} else {
		log.Info("scheduler.job.finish", finishFields...)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the job resumes where it left off on
	// the next sweep.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		schedMetrics.IncJobError(name, err)
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(ctx context.Context, run *jobRun) error
	}{
		{"expire_subscriptions", s.ExpireSubscriptionsJob},
		{"grant_credits", s.GrantCreditsJob},
		{"compile_invoices", s.CompileInvoicesJob},
		{"reconcile_ledgers", s.ReconcileLedgersJob},
		{"detect_anomalies", s.DetectAnomaliesJob},
	}
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		s.runGuarded(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runGuarded wraps one sweep in the redis leader lease when a locker is
// configured; a replica that loses the lease skips the sweep.
func (s *Scheduler) runGuarded(ctx context.Context) {
	if s.locker == nil {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		return
	}

	token, ok, err := s.locker.TryLock(ctx, leaderLockKey, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("leader lock unavailable, skipping sweep", zap.Error(err))
		return
	}
	if !ok {
		s.log.Debug("another replica holds the leader lock")
		return
	}
	defer func() {
		if err := s.locker.Release(ctx, leaderLockKey, token); err != nil {
			s.log.Warn("leader lock release failed", zap.Error(err))
		}
	}()

	if err := s.RunOnce(ctx); err != nil {
		s.log.Warn("scheduler run failed", zap.Error(err))
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables everything.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
