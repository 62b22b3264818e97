package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medisched/ehr-scheduling/internal/config"
	"github.com/medisched/ehr-scheduling/internal/db"
	"github.com/medisched/ehr-scheduling/internal/identity"
	"github.com/medisched/ehr-scheduling/internal/redislock"
	"github.com/medisched/ehr-scheduling/internal/schedule"
)

// The sweeper cancels appointments still requested after their start
// time has passed, writing the usual cancel audit row under the system
// actor.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config load error")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("component", "sweeper")
	log.WithFields(logrus.Fields{"env": cfg.Env, "interval": cfg.SweepInterval.String()}).Info("starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.WithError(err).Fatal("postgres connection error")
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	repo := schedule.NewPgRepository(pgPool)
	directory := identity.NewPgDirectory(pgPool)
	policy := schedule.PolicyFromConfig(cfg)

	// The sweeper only flips statuses; it never books slots, so no
	// distributed lock is needed.
	svc := schedule.NewService(repo, directory, redislock.NoopLocker{}, policy, logger.WithField("component", "schedule"))

	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping sweeper")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *schedule.Service, log *logrus.Entry) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	swept, err := svc.SweepUnconfirmed(runCtx)
	if err != nil {
		log.WithError(err).Error("sweep run error")
		return
	}
	log.WithFields(logrus.Fields{"swept": swept, "duration": time.Since(start).String()}).Info("sweep run complete")
}
