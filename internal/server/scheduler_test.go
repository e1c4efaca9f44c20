package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	core "github.com/delverhq/delver/internal/agent/core"
	"github.com/delverhq/delver/internal/store"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestIsDue(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Minute)
	overAnHour := now.Add(-90 * time.Minute)
	overADay := now.Add(-25 * time.Hour)
	beforeNine := now.Add(-2 * time.Hour)
	afterNine := now.Add(-30 * time.Minute)

	cases := []struct {
		name string
		cron string
		last *time.Time
		want bool
	}{
		{"daily never run", "@daily", nil, true},
		{"daily ran yesterday", "@daily", &overADay, true},
		{"daily ran recently", "@daily", &recent, false},
		{"hourly never run", "@hourly", nil, true},
		{"hourly ran 90m ago", "@hourly", &overAnHour, true},
		{"hourly ran recently", "@hourly", &recent, false},
		{"cron never run", "0 9 * * *", nil, true},
		{"cron fire passed since last run", "0 9 * * *", &beforeNine, true},
		{"cron already fired today", "0 9 * * *", &afterNine, false},
		{"invalid cron falls back to daily", "whenever", &recent, false},
		{"invalid cron stale falls back to daily", "whenever", &overADay, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDue(tc.cron, tc.last, now); got != tc.want {
				t.Fatalf("isDue(%q, %v) = %v, want %v", tc.cron, tc.last, got, tc.want)
			}
		})
	}
}

type recordingAgent struct {
	mu      sync.Mutex
	queries []string
	opts    []core.ResearchOptions
	fired   chan struct{}
}

func (a *recordingAgent) Research(ctx context.Context, query string, opts core.ResearchOptions) (core.ResearchResult, error) {
	a.mu.Lock()
	a.queries = append(a.queries, query)
	a.opts = append(a.opts, opts)
	a.mu.Unlock()
	select {
	case a.fired <- struct{}{}:
	default:
	}
	return core.ResearchResult{ID: "run-1", Query: query, Success: true}, nil
}

func (a *recordingAgent) ResearchStream(ctx context.Context, query string, opts core.ResearchOptions, emit func(core.Event) error) (core.ResearchResult, error) {
	return a.Research(ctx, query, opts)
}

type stubSchedulerStore struct {
	mu        sync.Mutex
	schedules []store.Schedule
	marked    []string
}

func (s *stubSchedulerStore) ListEnabledSchedules(ctx context.Context) ([]store.Schedule, error) {
	return s.schedules, nil
}

func (s *stubSchedulerStore) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	s.marked = append(s.marked, id)
	s.mu.Unlock()
	return nil
}

func TestTickFiresOnlyDueSchedules(t *testing.T) {
	st := &stubSchedulerStore{schedules: []store.Schedule{
		{ID: "s1", UserID: "user-1", Query: "battery tech news", Cron: "@daily"},
		{ID: "s2", Query: "quantum computing", Cron: "@daily", LastRunAt: timePtr(time.Now().Add(-10 * time.Minute))},
	}}
	agent := &recordingAgent{fired: make(chan struct{}, 2)}
	s := NewScheduler(st, agent, nil, time.Hour)

	s.tick()

	select {
	case <-agent.fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("due schedule never fired")
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.queries) != 1 || agent.queries[0] != "battery tech news" {
		t.Fatalf("unexpected research calls: %v", agent.queries)
	}
	if agent.opts[0].UseCache {
		t.Fatalf("scheduled runs must bypass the cache")
	}
	if agent.opts[0].UserID != "user-1" {
		t.Fatalf("expected run attributed to schedule owner, got %q", agent.opts[0].UserID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.marked) != 1 || st.marked[0] != "s1" {
		t.Fatalf("expected only s1 marked, got %v", st.marked)
	}
}

func TestSchedulerLockPreventsDuplicateFiring(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	redisC, err := tcRedis.RunContainer(ctx,
		testcontainers.WithImage("redis:7-alpine"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port())})
	defer func() { _ = rdb.Close() }()

	// the stub never updates LastRunAt, so without the lock the second
	// tick would fire the same schedule again
	st := &stubSchedulerStore{schedules: []store.Schedule{
		{ID: "s1", Query: "fusion power", Cron: "@daily"},
	}}
	agent := &recordingAgent{fired: make(chan struct{}, 2)}
	s := NewScheduler(st, agent, rdb, time.Hour)

	s.tick()
	s.tick()

	select {
	case <-agent.fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduled run never fired")
	}
	// allow a wrongly fired duplicate enough time to land
	time.Sleep(700 * time.Millisecond)

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.queries) != 1 {
		t.Fatalf("expected exactly one run despite two ticks, got %v", agent.queries)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.marked) != 1 {
		t.Fatalf("expected one mark, got %v", st.marked)
	}
}

var (
	_ ResearchRunner = (*recordingAgent)(nil)
	_ SchedulerStore = (*stubSchedulerStore)(nil)
)
