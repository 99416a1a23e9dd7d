package worker

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/jdholdren/chapterhouse/internal/gaps"
	"github.com/jdholdren/chapterhouse/internal/scheduler"
)

type (
	Scheduler interface {
		Run(ctx context.Context) (scheduler.Result, error)
	}

	GapAuditor interface {
		Audit(ctx context.Context) (gaps.AuditResult, error)
	}

	Rebalancer interface {
		Rebalance(ctx context.Context) (int, error)
	}

	CounterReconciler interface {
		ReconcileCounters(ctx context.Context) (int64, error)
	}
)

type activities struct {
	scheduler Scheduler
	gaps      GapAuditor
	tiers     Rebalancer
	counters  CounterReconciler
}

// Instance to make the workflows a bit more readable
var acts = activities{}

// Runs one scheduler cycle. A skipped or idle cycle is a success.
func (a activities) ScheduleCrawls(ctx context.Context) (scheduler.Result, error) {
	res, err := a.scheduler.Run(ctx)
	if err != nil {
		return res, asApplicationError(err)
	}

	activity.GetLogger(ctx).Info("scheduler cycle", "outcome", res.Outcome, "enqueued", res.Enqueued, "backlog", res.Backlog)
	return res, nil
}

func (a activities) AuditGaps(ctx context.Context) (gaps.AuditResult, error) {
	res, err := a.gaps.Audit(ctx)
	if err != nil {
		return res, asApplicationError(err)
	}

	return res, nil
}

func (a activities) RebalanceTiers(ctx context.Context) (int, error) {
	n, err := a.tiers.Rebalance(ctx)
	if err != nil {
		return 0, asApplicationError(err)
	}

	return n, nil
}

func (a activities) ReconcileCounters(ctx context.Context) (int64, error) {
	n, err := a.counters.ReconcileCounters(ctx)
	if err != nil {
		return 0, asApplicationError(err)
	}

	return n, nil
}
