package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/domain"
	"fulfillment-worker/internal/metrics"
)

type SweepAllocationSource interface {
	ActiveAllocations(ctx context.Context) ([]domain.Allocation, error)
}

type SweepPurchaseSource interface {
	FindActive(ctx context.Context, studentID, courseID string) (*domain.Purchase, error)
}

// SessionSweep periodically re-counts future sessions per active allocation
// and tops the rolling window back up when it drops below the low-water
// mark. The quantity cap and scheduling hints come from the owning active
// purchase: that row is written by this pipeline, while allocation metadata
// belongs to the external service and carries no quantity promise. Deriving
// everything from durable state makes a dead-lettered initial burst
// self-healing.
type SessionSweep struct {
	allocations SweepAllocationSource
	purchases   SweepPurchaseSource
	sessions    SessionRepository
	cron        *cron.Cron
	schedule    string
	window      int
	lowWater    int
	now         func() time.Time
	log         *slog.Logger
}

func NewSessionSweep(allocations SweepAllocationSource, purchases SweepPurchaseSource, sessions SessionRepository, cfg config.Config, log *slog.Logger) *SessionSweep {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(log.Handler(), slog.LevelInfo))
	return &SessionSweep{
		allocations: allocations,
		purchases:   purchases,
		sessions:    sessions,
		cron:        cron.New(cron.WithChain(cron.Recover(cronLogger))),
		schedule:    cfg.SweepSchedule,
		window:      cfg.SessionWindow,
		lowWater:    cfg.SessionLowWater,
		now:         time.Now,
		log:         log.With(slog.String("component", "session_sweep")),
	}
}

func (s *SessionSweep) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.log.Error("session sweep failed", slog.Any("error", err))
		}
	}); err != nil {
		s.log.Error("failed to schedule session sweep", slog.Any("error", err))
		return err
	}
	s.cron.Start()
	s.log.Info("session sweep scheduled", slog.String("schedule", s.schedule))
	return nil
}

func (s *SessionSweep) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs a single sweep over all active allocations. Per-allocation
// failures are logged and skipped; the next sweep retries them.
func (s *SessionSweep) RunOnce(ctx context.Context) error {
	allocations, err := s.allocations.ActiveAllocations(ctx)
	if err != nil {
		return err
	}

	for _, alloc := range allocations {
		if err := s.topUp(ctx, alloc); err != nil {
			s.log.Warn("failed to top up session window",
				slog.String("allocation_id", alloc.ID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (s *SessionSweep) topUp(ctx context.Context, alloc domain.Allocation) error {
	today := truncateToDay(s.now().UTC())

	future, err := s.sessions.CountFuture(ctx, alloc.ID, today)
	if err != nil {
		return err
	}
	if future >= s.lowWater {
		return nil
	}

	purchase, err := s.purchases.FindActive(ctx, alloc.StudentID, alloc.CourseID)
	if err != nil {
		return err
	}
	if purchase == nil {
		// Without the purchase there is no recorded quantity; topping up
		// blind could provision past what was paid for.
		s.log.Warn("no active purchase for allocation, skipping top-up",
			slog.String("allocation_id", alloc.ID),
			slog.String("student_id", alloc.StudentID),
			slog.String("course_id", alloc.CourseID),
		)
		return nil
	}

	existingTotal, err := s.sessions.CountAll(ctx, alloc.ID)
	if err != nil {
		return err
	}

	deficit := windowDeficit(s.window, future, existingTotal, purchase.Tier)
	if deficit == 0 {
		return nil
	}

	hints, err := domain.DecodeSchedulingHints(purchase.Metadata, s.now())
	if err != nil {
		return err
	}

	first := hints.Start()
	if last, ok, err := s.sessions.LastScheduledDate(ctx, alloc.ID); err != nil {
		return err
	} else if ok {
		first = hints.Advance(truncateToDay(last))
	}
	if first.Before(today) {
		first = today
	}

	sessions := buildWindow(slotSource{
		AllocationID: alloc.ID,
		StudentID:    alloc.StudentID,
		TrainerID:    alloc.TrainerID,
		CourseID:     alloc.CourseID,
	}, hints, first, deficit)

	// No envelope: the sweep is not event-driven, slot uniqueness alone
	// makes the inserts idempotent.
	created, err := s.sessions.CreateBatch(ctx, nil, sessions)
	if err != nil {
		return err
	}

	metrics.SessionsCreated.Add(float64(created))
	s.log.Info("session window topped up",
		slog.String("allocation_id", alloc.ID),
		slog.Int("created", created),
	)
	return nil
}
