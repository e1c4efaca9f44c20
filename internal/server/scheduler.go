package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	core "github.com/delverhq/delver/internal/agent/core"
	"github.com/delverhq/delver/internal/store"
)

// SchedulerStore is the slice of the store the scheduler needs.
type SchedulerStore interface {
	ListEnabledSchedules(ctx context.Context) ([]store.Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, at time.Time) error
}

// Scheduler fires research runs for cron-due schedules. A redis SetNX
// lock keeps replicas from firing the same schedule twice.
type Scheduler struct {
	Store    SchedulerStore
	Agent    ResearchRunner
	Rdb      *redis.Client
	Interval time.Duration
	Stop     chan struct{}

	logger *log.Logger
}

func NewScheduler(st SchedulerStore, agent ResearchRunner, rdb *redis.Client, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		Store:    st,
		Agent:    agent,
		Rdb:      rdb,
		Interval: interval,
		Stop:     make(chan struct{}),
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(s.Interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	schedules, err := s.Store.ListEnabledSchedules(ctx)
	if err != nil {
		s.logger.Printf("listing schedules: %v", err)
		return
	}
	now := time.Now()
	for _, sched := range schedules {
		if !isDue(sched.Cron, sched.LastRunAt, now) {
			continue
		}
		if s.Rdb != nil {
			lockKey := "sched:lock:" + sched.ID
			ok, err := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if err != nil || !ok {
				continue
			}
		}
		// mark before firing so a run longer than the interval cannot
		// re-trigger itself
		if err := s.Store.MarkScheduleRun(ctx, sched.ID, now); err != nil {
			s.logger.Printf("marking schedule %s: %v", sched.ID, err)
			continue
		}
		go s.run(sched)
	}
}

func (s *Scheduler) run(sched store.Schedule) {
	// jitter to avoid stampedes
	time.Sleep(time.Duration(250+time.Now().UnixNano()%250) * time.Millisecond)
	result, err := s.Agent.Research(context.Background(), sched.Query, core.ResearchOptions{
		UseCache: false,
		UserID:   sched.UserID,
	})
	if err != nil {
		s.logger.Printf("scheduled run for %q failed: %v", sched.Query, err)
		return
	}
	s.logger.Printf("scheduled run %s for %q completed (success=%v)", result.ID, sched.Query, result.Success)
}

// isDue reports whether a schedule should fire given its last run.
// Supports "@daily", "@hourly" and standard cron expressions; an
// unparseable expression falls back to daily.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}
