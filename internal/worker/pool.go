package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

// Handler runs one delivery of a work item.
type Handler interface {
	Handle(ctx context.Context, item domain.WorkItem) error
}

// Sweeper re-enqueues everything the store reports as due.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Options struct {
	Concurrency   int
	SweepInterval time.Duration
	// ItemTimeout bounds one Handle call. Stage timeouts inside the
	// orchestrator are shorter; this only catches a stuck store call.
	ItemTimeout time.Duration
	Logger      *slog.Logger
}

// Pool runs Concurrency queue subscribers and one sweeper loop until the
// context is cancelled.
type Pool struct {
	queue   ports.WorkQueue
	handler Handler
	sweeper Sweeper
	opts    Options
	logger  *slog.Logger
}

func NewPool(queue ports.WorkQueue, handler Handler, sweeper Sweeper, opts Options) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   queue,
		handler: handler,
		sweeper: sweeper,
		opts:    opts,
		logger:  logger.With(slog.String("component", "worker_pool")),
	}
}

// Run blocks until ctx is done or a subscriber fails.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker_pool_started",
		slog.Int("concurrency", p.opts.Concurrency),
		slog.Duration("sweep_interval", p.opts.SweepInterval),
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		slot := i + 1
		g.Go(func() error {
			if err := p.queue.Subscribe(gctx, p.handle(slot)); err != nil {
				return fmt.Errorf("subscriber %d: %w", slot, err)
			}
			return nil
		})
	}
	if p.sweeper != nil {
		g.Go(func() error {
			p.sweepLoop(gctx)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker_pool_stopped")
	return err
}

func (p *Pool) handle(slot int) func(context.Context, domain.WorkItem) error {
	return func(ctx context.Context, item domain.WorkItem) (err error) {
		ctx, cancel := context.WithTimeout(ctx, p.opts.ItemTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("work_item_panic",
					slog.Int("slot", slot),
					slog.String("version_id", item.VersionID),
					slog.String("stage", string(item.Stage)),
					slog.Any("panic", r),
				)
				err = fmt.Errorf("handle %s: panic: %v", item, r)
			}
		}()
		return p.handler.Handle(ctx, item)
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	p.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *Pool) sweepOnce(ctx context.Context) {
	n, err := p.sweeper.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("sweep_failed", slog.String("error", err.Error()))
		}
		return
	}
	if n > 0 {
		p.logger.Debug("sweep_done", slog.Int("enqueued", n))
	}
}
