package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

const TaskQueue = "chapterhouse"

type Config struct {
	CrawlEvery       time.Duration
	GapAuditEvery    time.Duration
	MaintenanceEvery time.Duration
}

func DefaultConfig() Config {
	return Config{
		CrawlEvery:       5 * time.Minute,
		GapAuditEvery:    time.Hour,
		MaintenanceEvery: 6 * time.Hour,
	}
}

// Deps are what the periodic tasks run against.
type Deps struct {
	Scheduler Scheduler
	Gaps      GapAuditor
	Tiers     Rebalancer
	Counters  CounterReconciler
}

// NewWorker sets up the worker with registration of workflows, activities, and schedules.
func NewWorker(ctx context.Context, cli client.Client, deps Deps, cfg Config) (worker.Worker, error) {
	def := DefaultConfig()
	if cfg.CrawlEvery <= 0 {
		cfg.CrawlEvery = def.CrawlEvery
	}
	if cfg.GapAuditEvery <= 0 {
		cfg.GapAuditEvery = def.GapAuditEvery
	}
	if cfg.MaintenanceEvery <= 0 {
		cfg.MaintenanceEvery = def.MaintenanceEvery
	}

	w := worker.New(cli, TaskQueue, worker.Options{})
	register(w, deps)

	if err := ensureSchedules(ctx, cli.ScheduleClient(), cfg); err != nil {
		return nil, fmt.Errorf("error ensuring schedules: %w", err)
	}

	return w, nil
}

// Registrar is the part of a worker that takes registrations.
type Registrar interface {
	RegisterWorkflow(w any)
	RegisterActivity(a any)
}

func register(r Registrar, deps Deps) {
	wfs := workflows{}
	r.RegisterWorkflow(wfs.CrawlCycle)
	r.RegisterWorkflow(wfs.GapAudit)
	r.RegisterWorkflow(wfs.Maintenance)

	r.RegisterActivity(&activities{
		scheduler: deps.Scheduler,
		gaps:      deps.Gaps,
		tiers:     deps.Tiers,
		counters:  deps.Counters,
	})
}

func ensureSchedules(ctx context.Context, sc client.ScheduleClient, cfg Config) error {
	wfs := workflows{}
	schedules := []struct {
		id       string
		every    time.Duration
		workflow any
	}{
		{id: "crawl_cycle", every: cfg.CrawlEvery, workflow: wfs.CrawlCycle},
		{id: "gap_audit", every: cfg.GapAuditEvery, workflow: wfs.GapAudit},
		{id: "maintenance", every: cfg.MaintenanceEvery, workflow: wfs.Maintenance},
	}

	for _, s := range schedules {
		if err := ensureSchedule(ctx, sc, s.id, s.every, s.workflow); err != nil {
			return fmt.Errorf("error ensuring schedule %s: %w", s.id, err)
		}
	}

	return nil
}

// ensureSchedule creates the schedule if it's missing and otherwise moves
// it to the configured interval.
func ensureSchedule(ctx context.Context, sc client.ScheduleClient, id string, every time.Duration, wf any) error {
	spec := client.ScheduleSpec{
		Intervals: []client.ScheduleIntervalSpec{{Every: every}},
	}

	handle := sc.GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		_, err = sc.Create(ctx, client.ScheduleOptions{
			ID:   id,
			Spec: spec,
			Action: &client.ScheduleWorkflowAction{
				ID:        id,
				Workflow:  wf,
				TaskQueue: TaskQueue,
			},
			Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		})
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "created schedule", "id", id, "every", every)
		return nil
	}

	return handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			sched := input.Description.Schedule
			sched.Spec = &spec
			return &client.ScheduleUpdate{Schedule: &sched}, nil
		},
	})
}
