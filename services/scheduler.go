package services

import (
	"context"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/utils"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const jobTimeout = 5 * time.Minute

// PaymentJobs is the part of the finance service the background jobs drive
type PaymentJobs interface {
	ExpireStalePayments(ctx context.Context) (int64, error)
	ScanReconciliation(ctx context.Context) (int, error)
}

// WebhookArchiver moves old processed webhook payloads out of the database
type WebhookArchiver interface {
	ArchiveProcessed(ctx context.Context, daysOld int) (*models.WebhookArchive, error)
}

// SchedulerConfig holds cron specs; an empty spec disables that job
type SchedulerConfig struct {
	ExpirySweep      string
	Reconciliation   string
	WebhookArchive   string
	ArchiveAfterDays int
}

// PaymentScheduler runs the expiry sweep, the reconciliation scan and the webhook
// archive on cron schedules. A job that is still running when its next tick fires is skipped.
type PaymentScheduler struct {
	cron     *cron.Cron
	jobs     PaymentJobs
	archiver WebhookArchiver
	cfg      SchedulerConfig
	ctx      context.Context
}

func NewPaymentScheduler(jobs PaymentJobs, archiver WebhookArchiver, cfg SchedulerConfig) *PaymentScheduler {
	logger := cron.PrintfLogger(logrus.StandardLogger())
	return &PaymentScheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		jobs:     jobs,
		archiver: archiver,
		cfg:      cfg,
		ctx:      context.Background(),
	}
}

// Start registers the configured jobs and starts the cron loop. Jobs stop receiving new
// runs once ctx is cancelled; call Stop to wait for running jobs.
func (s *PaymentScheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	add := func(name, spec string, run func(context.Context)) error {
		if spec == "" {
			logrus.WithField("job", name).Info("scheduled job disabled")
			return nil
		}
		if _, err := s.cron.AddFunc(spec, func() { s.runJob(name, run) }); err != nil {
			return errors.Wrapf(err, "schedule %s (%q)", name, spec)
		}
		logrus.WithFields(logrus.Fields{"job": name, "spec": spec}).Info("scheduled job registered")
		return nil
	}

	if err := add("expiry_sweep", s.cfg.ExpirySweep, s.RunExpirySweep); err != nil {
		return err
	}
	if err := add("reconciliation_scan", s.cfg.Reconciliation, s.RunReconciliation); err != nil {
		return err
	}
	if s.archiver != nil {
		if err := add("webhook_archive", s.cfg.WebhookArchive, s.RunWebhookArchive); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler; the returned context is done when running jobs finish
func (s *PaymentScheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries is the number of registered jobs
func (s *PaymentScheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *PaymentScheduler) runJob(name string, run func(context.Context)) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()
	ctx = utils.WithLogger(ctx, logrus.WithFields(logrus.Fields{
		"job":    name,
		"run_id": uuid.NewString(),
	}))
	run(ctx)
}

// RunExpirySweep expires PENDING/INITIATED payments past their deadline
func (s *PaymentScheduler) RunExpirySweep(ctx context.Context) {
	start := time.Now()
	n, err := s.jobs.ExpireStalePayments(ctx)
	log := utils.Logger(ctx).WithField("duration", time.Since(start).String())
	if err != nil {
		log.WithError(err).Error("payment expiry sweep failed")
		return
	}
	if n > 0 {
		log.WithField("expired", n).Info("expired stale payment requests")
	}
}

// RunReconciliation opens exceptions for captured payments without a collection
func (s *PaymentScheduler) RunReconciliation(ctx context.Context) {
	n, err := s.jobs.ScanReconciliation(ctx)
	if err != nil {
		utils.Logger(ctx).WithError(err).Error("reconciliation scan failed")
		return
	}
	if n > 0 {
		utils.Logger(ctx).WithField("opened", n).Warn("reconciliation scan opened exceptions")
	}
}

// RunWebhookArchive archives processed webhook events older than ArchiveAfterDays
func (s *PaymentScheduler) RunWebhookArchive(ctx context.Context) {
	days := s.cfg.ArchiveAfterDays
	if days < MinArchiveAgeDays {
		days = MinArchiveAgeDays
	}
	archive, err := s.archiver.ArchiveProcessed(ctx, days)
	if err != nil {
		utils.Logger(ctx).WithError(err).Error("webhook archive failed")
		return
	}
	if archive != nil {
		utils.Logger(ctx).WithFields(logrus.Fields{
			"storage_key": archive.StorageKey,
			"records":     archive.RecordCount,
		}).Info("webhook events archived")
	}
}
