package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enroll-api/pkg/config"
	"github.com/noah-isme/academy-enroll-api/pkg/jobs"
)

const (
	jobExpireEnrollments   = "expire_enrollments"
	jobExpireGroupRequests = "expire_group_requests"
	jobRefreshGauges       = "refresh_status_gauges"
)

// SweeperService schedules the periodic expiry sweeps. Each tick
// enqueues one job per sweep onto a worker queue; the sweeps are
// idempotent, so a retried or doubled-up run changes nothing.
type SweeperService struct {
	enrollments *EnrollmentService
	requests    *GroupRequestService
	metrics     *MetricsService
	interval    time.Duration
	queue       *jobs.Queue
	logger      *zap.Logger
	done        chan struct{}
}

// NewSweeperService constructs SweeperService.
func NewSweeperService(enrollments *EnrollmentService, requests *GroupRequestService, metrics *MetricsService, cfg config.EnrollmentConfig, logger *zap.Logger) *SweeperService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SweeperService{
		enrollments: enrollments,
		requests:    requests,
		metrics:     metrics,
		interval:    cfg.SweepInterval,
		logger:      logger,
		done:        make(chan struct{}),
	}
	s.queue = jobs.NewQueue("expiry-sweeper", s.handle, jobs.QueueConfig{
		Workers:    cfg.SweepWorkers,
		MaxRetries: cfg.SweepRetries,
		Logger:     logger,
	})
	return s
}

// Start launches the queue workers and the tick loop.
func (s *SweeperService) Start(ctx context.Context) {
	s.queue.Start(ctx)
	go s.loop(ctx)
	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))
}

// Stop halts the tick loop and drains the workers.
func (s *SweeperService) Stop() {
	close(s.done)
	s.queue.Stop()
}

// RunOnce enqueues a full sweep cycle immediately.
func (s *SweeperService) RunOnce() error {
	for _, jobType := range []string{jobExpireEnrollments, jobExpireGroupRequests, jobRefreshGauges} {
		if err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: jobType}); err != nil {
			return err
		}
	}
	return nil
}

func (s *SweeperService) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.RunOnce(); err != nil {
				s.logger.Warn("failed to enqueue sweep", zap.Error(err))
			}
		}
	}
}

func (s *SweeperService) handle(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case jobExpireEnrollments:
		_, err := s.enrollments.ExpirePending(ctx)
		return err
	case jobExpireGroupRequests:
		expired, err := s.requests.ExpireDue(ctx)
		if err != nil {
			return err
		}
		if expired > 0 {
			s.metrics.RecordExpired("group_request", expired)
		}
		return nil
	case jobRefreshGauges:
		return s.enrollments.RefreshStatusGauges(ctx)
	default:
		s.logger.Warn("unknown sweep job", zap.String("type", job.Type))
		return nil
	}
}
