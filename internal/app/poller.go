package app

import (
	"context"
	"time"

	"github.com/joseph-ayodele/docjobs/internal/async"
)

// RunPoller polls every pending job on the configured interval until ctx
// ends, then drains in-flight polls.
func (a *App) RunPoller(ctx context.Context) error {
	pc := a.Config.Poller
	queue := async.NewWorkerQueue("poll", a.Controller.PollTask, a.Logger,
		async.WithWorkers(pc.Workers),
		async.WithQueueSize(pc.Batch*2),
		async.WithProcessTimeout(a.Config.Extraction.PollTimeout.Duration+pc.ClaimLease.Duration))
	poller := async.NewPoller(a.Jobs, queue, pc.Interval.Duration, pc.Batch, a.Logger)

	err := poller.Run(ctx)

	drain, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	queue.Shutdown(drain)
	return err
}
