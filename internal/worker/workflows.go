package worker

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jdholdren/chapterhouse/internal/gaps"
	"github.com/jdholdren/chapterhouse/internal/scheduler"
)

type workflows struct{}

func withActivityOptions(ctx workflow.Context, timeout time.Duration) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3, // 0 is unlimited retries
		},
	})
}

// CrawlCycle picks the due sources and enqueues their crawls.
func (workflows) CrawlCycle(ctx workflow.Context) (scheduler.Result, error) {
	ctx = withActivityOptions(ctx, time.Minute)

	var res scheduler.Result
	if err := workflow.ExecuteActivity(ctx, acts.ScheduleCrawls).Get(ctx, &res); err != nil {
		workflow.GetLogger(ctx).Error("crawl cycle failed", "error", err)
		return scheduler.Result{}, err
	}

	return res, nil
}

// GapAudit looks for missing chapters across every series with readers.
func (workflows) GapAudit(ctx workflow.Context) (gaps.AuditResult, error) {
	ctx = withActivityOptions(ctx, 10*time.Minute)

	var res gaps.AuditResult
	if err := workflow.ExecuteActivity(ctx, acts.AuditGaps).Get(ctx, &res); err != nil {
		workflow.GetLogger(ctx).Error("gap audit failed", "error", err)
		return gaps.AuditResult{}, err
	}

	return res, nil
}

type MaintenanceResult struct {
	Rescored      int   `json:"rescored"`
	CountersFixed int64 `json:"counters_fixed"`
}

// Maintenance decays activity scores and re-derives read counters. The two
// are independent, so one failing does not stop the other.
func (workflows) Maintenance(ctx workflow.Context) (MaintenanceResult, error) {
	ctx = withActivityOptions(ctx, 10*time.Minute)

	var (
		res          MaintenanceResult
		rebalanceErr = workflow.ExecuteActivity(ctx, acts.RebalanceTiers).Get(ctx, &res.Rescored)
		reconcileErr = workflow.ExecuteActivity(ctx, acts.ReconcileCounters).Get(ctx, &res.CountersFixed)
	)
	if err := errors.Join(rebalanceErr, reconcileErr); err != nil {
		workflow.GetLogger(ctx).Error("maintenance failed", "error", err)
		return res, err
	}

	return res, nil
}
