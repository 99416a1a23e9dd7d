package worker

import (
	"context"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/fx"
)

var Module = fx.Module("worker",
	fx.Provide(provideWorker),
	fx.Invoke(func(worker.Worker) {}), // Start the temporal worker
)

type Params struct {
	fx.In

	Ctx       context.Context
	Client    client.Client
	Config    Config
	Scheduler Scheduler
	Gaps      GapAuditor
	Tiers     Rebalancer
	Counters  CounterReconciler
}

func provideWorker(lc fx.Lifecycle, p Params) (worker.Worker, error) {
	w, err := NewWorker(p.Ctx, p.Client, Deps{
		Scheduler: p.Scheduler,
		Gaps:      p.Gaps,
		Tiers:     p.Tiers,
		Counters:  p.Counters,
	}, p.Config)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return w.Start()
		},
		OnStop: func(context.Context) error {
			w.Stop()
			p.Client.Close()
			return nil
		},
	})

	return w, nil
}
