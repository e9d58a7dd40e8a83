package async

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/docjobs/internal/entity"
)

// PendingLister returns jobs that have not reached a terminal state.
type PendingLister interface {
	ListPending(ctx context.Context, limit int) ([]*entity.Job, error)
}

// Poller periodically schedules a status poll for every pending job. It is
// the external scheduler for jobs whose submitters are not polling.
type Poller struct {
	lister   PendingLister
	queue    Queue
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewPoller(lister PendingLister, queue Queue, interval time.Duration, batch int, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 25
	}
	return &Poller{lister: lister, queue: queue, interval: interval, batch: batch, logger: logger}
}

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller.start", "interval", p.interval.String(), "batch", p.batch)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("poller.tick.error", "err", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("poller.stop")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick enqueues one poll per pending job and returns how many were scheduled.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	jobs, err := p.lister.ListPending(ctx, p.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := p.queue.Enqueue(ctx, Task{Key: j.ID}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.logger.Debug("poller.tick", "scheduled", n)
	}
	return n, nil
}
