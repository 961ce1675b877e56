package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"donationsvc/internal/app"
	"donationsvc/internal/crm"
	"donationsvc/internal/domain"
	"donationsvc/internal/infra"
	"donationsvc/internal/recurring"
)

const (
	taskPollInterval = 5 * time.Second
	taskBatchSize    = 20
)

// Sweeper is the recurring billing pass.
type Sweeper interface {
	Sweep(ctx context.Context) (recurring.SweepReport, error)
}

// TaskHandler runs one delayed task.
type TaskHandler interface {
	HandleTask(ctx context.Context, task domain.Task) error
}

type TaskHandlerFunc func(ctx context.Context, task domain.Task) error

func (f TaskHandlerFunc) HandleTask(ctx context.Context, task domain.Task) error { return f(ctx, task) }

type worker struct {
	sweeper       Sweeper
	sweepInterval time.Duration
	tasks         domain.TaskQueue
	handlers      map[domain.TaskKind]TaskHandler
	now           func() time.Time
	logger        infra.Logger
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build services")
	}
	defer services.Close()

	w := &worker{
		sweeper:       services.Runner,
		sweepInterval: cfg.SweepInterval,
		tasks:         services.Tasks,
		handlers: map[domain.TaskKind]TaskHandler{
			domain.TaskRecurringRetry:     TaskHandlerFunc(services.Runner.HandleRetryTask),
			domain.TaskRecurringReconcile: TaskHandlerFunc(services.Runner.HandleReconcileTask),
			domain.TaskCRMSync:            services.CRM,
		},
		now:    time.Now,
		logger: *infra.Component(logger, "worker"),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runSweeps(gctx) })
	g.Go(func() error { return w.runTasks(gctx) })
	if services.CRMQueue != nil {
		consumer := &crm.Consumer{
			Client:   services.CRMQueue,
			QueueURL: cfg.CRMQueueURL,
			Handle:   services.CRM.Sync,
			Logger:   *infra.Component(logger, "crm_queue"),
		}
		g.Go(func() error { return consumer.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// runSweeps bills due subscriptions once at startup and then on every tick.
func (w *worker) runSweeps(ctx context.Context) error {
	interval := w.sweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *worker) sweepOnce(ctx context.Context) {
	report, err := w.sweeper.Sweep(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: sweep failed")
		return
	}
	if report.Claimed == 0 {
		return
	}
	event := w.logger.Info()
	for result, n := range report.Results {
		event = event.Int(string(result), n)
	}
	event.Int("claimed", report.Claimed).Int("errors", len(report.Errors)).Msg("worker: sweep finished")
}

func (w *worker) runTasks(ctx context.Context) error {
	w.logger.Info().Msg("worker: task loop started")
	for {
		n, err := w.drainOnce(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("worker: failed to claim tasks")
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(taskPollInterval):
		}
	}
}

// drainOnce claims one batch of due tasks and runs them in order.
func (w *worker) drainOnce(ctx context.Context) (int, error) {
	tasks, err := w.tasks.ClaimDue(ctx, w.now(), taskBatchSize)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		w.handleTask(ctx, t)
	}
	return len(tasks), nil
}

func (w *worker) handleTask(ctx context.Context, t domain.Task) {
	log := w.logger.With().Str("task_id", t.ID).Str("kind", string(t.Kind)).Str("ref_id", t.RefID).Logger()
	log.Info().Int("attempt", t.Attempt).Msg("worker: picked task")

	var err error
	if h, ok := w.handlers[t.Kind]; ok {
		err = h.HandleTask(ctx, t)
	} else {
		err = fmt.Errorf("unsupported task kind %q", t.Kind)
	}
	if err != nil {
		log.Error().Err(err).Msg("worker: task failed")
		if ferr := w.tasks.Fail(ctx, t.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("worker: update task failed")
		}
		return
	}
	if cerr := w.tasks.Complete(ctx, t.ID); cerr != nil {
		log.Error().Err(cerr).Msg("worker: update task failed")
	}
}
