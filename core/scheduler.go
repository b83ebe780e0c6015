package core

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	kitstorage "github.com/axiomesh/axiom-kit/storage"
	"github.com/nexafund/milestoned/metrics"
	"github.com/sirupsen/logrus"
)

const (
	sweepLockKey  = "milestoned:sweep"
	checkpointKey = "lastSweep"
)

// Locker is a lease-style mutual exclusion shared by scheduler replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	Unlock(ctx context.Context, key string) error
}

// Checkpoint is the outcome of the last completed sweep.
type Checkpoint struct {
	SweptAt time.Time   `json:"swept_at"`
	Result  SweepResult `json:"result"`
}

// Scheduler periodically sweeps overdue milestones.
type Scheduler struct {
	engine   *Engine
	locker   Locker
	db       kitstorage.Storage
	logger   logrus.FieldLogger
	metrics  *metrics.EngineMetrics
	interval time.Duration
	lockTTL  time.Duration
	running  atomic.Bool
}

func NewScheduler(engine *Engine, locker Locker, db kitstorage.Storage, interval, lockTTL time.Duration) *Scheduler {
	if lockTTL <= 0 {
		lockTTL = interval
	}
	return &Scheduler{
		engine:   engine,
		locker:   locker,
		db:       db,
		logger:   engine.logger.WithField("module", "scheduler"),
		metrics:  engine.metrics,
		interval: interval,
		lockTTL:  lockTTL,
	}
}

// Run sweeps on every tick until ctx is done. A sweep that is overdue
// according to the checkpoint runs immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	last, err := s.LastCheckpoint()
	if err != nil {
		s.logger.WithField("err", err).Warn("Read sweep checkpoint failed")
	}
	if last == nil || s.engine.clock().Sub(last.SweptAt) >= s.interval {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.WithField("err", err).Error("Startup sweep failed")
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval).Info("Resolution scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Resolution scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.WithField("err", err).Error("Sweep failed")
			}
		}
	}
}

// Tick runs one sweep. It returns nil without sweeping when a sweep is
// already running here or another replica holds the lock.
func (s *Scheduler) Tick(ctx context.Context) (*SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("Sweep already running, skipping")
		return nil, nil
	}
	defer s.running.Store(false)

	acquired, err := s.locker.TryLock(ctx, sweepLockKey, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		s.logger.Debug("Sweep lock held elsewhere, skipping")
		return nil, nil
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), sweepLockKey); err != nil {
			s.logger.WithField("err", err).Warn("Release sweep lock failed")
		}
	}()

	started := s.engine.clock()
	result, err := s.engine.SweepExpired(ctx, started)
	if err != nil {
		return nil, err
	}
	finished := s.engine.clock()
	s.metrics.ObserveSweep(started, finished)

	if err := s.saveCheckpoint(Checkpoint{SweptAt: started, Result: result}); err != nil {
		s.logger.WithField("err", err).Warn("Save sweep checkpoint failed")
	}

	s.logger.WithFields(logrus.Fields{
		"expired":         result.Expired,
		"voting_examined": result.VotingExamined,
		"approved":        result.Approved,
		"rejected":        result.Rejected,
		"failed":          result.Failed,
	}).Info("Sweep finished")
	return &result, nil
}

// LastCheckpoint returns nil when no sweep has completed yet.
func (s *Scheduler) LastCheckpoint() (*Checkpoint, error) {
	data := s.db.Get([]byte(checkpointKey))
	if data == nil {
		return nil, nil
	}
	cp := &Checkpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *Scheduler) saveCheckpoint(cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	s.db.Put([]byte(checkpointKey), data)
	return nil
}
