package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Panel-bot/config"
	"VPN-Panel-bot/internal/logger"
)

// Jobs: зависимости фоновых задач
type Jobs struct {
	DB         *gorm.DB
	Status     *StatusChecker
	Notifier   *Notifier
	Orders     OrderFailer
	Snapshot   func(context.Context) config.Snapshot
	PendingTTL time.Duration
	Now        func() time.Time
}

// Scheduler управляет фоновыми задачами по московскому времени.
type Scheduler struct {
	cron *cron.Cron
	jobs Jobs
	ctx  context.Context
}

func NewScheduler(ctx context.Context, jobs Jobs) *Scheduler {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		logger.Warn("Europe/Moscow not available, using UTC+3", zap.Error(err))
		loc = time.FixedZone("MSK", 3*60*60)
	}
	if jobs.Now == nil {
		jobs.Now = time.Now
	}
	return &Scheduler{cron: cron.New(cron.WithLocation(loc)), jobs: jobs, ctx: ctx}
}

// Add регистрирует задачу; паника в задаче не роняет планировщик
func (s *Scheduler) Add(spec, name string, job func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		defer logger.NotifyOnPanic("cron " + name)
		logger.Debug("[CRON] start", zap.String("job", name))
		job(s.ctx)
	})
	return err
}

// Start добавляет стандартные задачи и запускает cron
func (s *Scheduler) Start() error {
	j := s.jobs
	if j.Status != nil {
		if err := s.Add("@every 1m", "server_status", j.Status.Refresh); err != nil {
			return err
		}
	}
	if j.Notifier != nil {
		if err := s.Add("0 10 * * *", "notify_expiring", func(ctx context.Context) {
			days := 3
			if j.Snapshot != nil {
				days = j.Snapshot(ctx).ExpiryNotifyDays
			}
			n, err := j.Notifier.NotifyExpiring(ctx, days)
			if err != nil {
				logger.Error("[CRON] notify expiring", zap.Error(err))
				return
			}
			logger.Info("[CRON] expiring notices sent", zap.Int("count", n))
		}); err != nil {
			return err
		}
		if err := s.Add("30 3 * * *", "notify_expired", func(ctx context.Context) {
			n, err := j.Notifier.NotifyExpired(ctx)
			if err != nil {
				logger.Error("[CRON] notify expired", zap.Error(err))
				return
			}
			logger.Info("[CRON] expired notices sent", zap.Int("count", n))
		}); err != nil {
			return err
		}
	}
	if j.Orders != nil && j.PendingTTL > 0 {
		if err := s.Add("0 * * * *", "stale_orders", func(ctx context.Context) {
			n, err := SweepStaleOrders(ctx, j.DB, j.Orders, j.PendingTTL, j.Now())
			if err != nil {
				logger.Error("[CRON] stale orders sweep", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("[CRON] stale orders failed", zap.Int("count", n))
			}
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	return nil
}

// Stop ждёт завершения уже запущенных задач
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("scheduler stopped")
}
