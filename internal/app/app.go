// Package app assembles the donation services from configuration. The API,
// the worker and the operator CLI share one wiring.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"donationsvc/internal/adapter/repo"
	"donationsvc/internal/billing"
	"donationsvc/internal/crm"
	"donationsvc/internal/domain"
	"donationsvc/internal/infra"
	"donationsvc/internal/infra/geoip"
	"donationsvc/internal/ledger"
	"donationsvc/internal/notify"
	"donationsvc/internal/providers/gateway"
	"donationsvc/internal/recurring"
	"donationsvc/internal/retry"
	"donationsvc/internal/webhook"
)

// Services holds every long-lived component.
type Services struct {
	Config    *infra.Config
	Logger    zerolog.Logger
	Store     domain.Store
	Tasks     domain.TaskQueue
	Gateway   *gateway.Client
	Payments  *Payments
	Scheduler *billing.Scheduler
	Ledger    *ledger.Ledger
	Retry     *retry.Coordinator
	Runner    *recurring.Runner
	Webhook   *webhook.Processor
	CRM       *crm.Syncer
	// CRMQueue is set when CRM sync goes through SQS.
	CRMQueue  crm.SQSAPI
	Countries geoip.CountryResolver
	// Ping checks the database. Nil when running without one.
	Ping      func(ctx context.Context) error

	closers []func()
}

// Deps overrides collaborators. Zero values get production defaults.
type Deps struct {
	Clock      func() time.Time
	HTTPClient *http.Client
	CRMSink    crm.Sink
	Dispatcher crm.Dispatcher
	Notifier   notify.Notifier
}

// Build connects to PostgreSQL (and SQS when configured) and wires the
// services on top.
func Build(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (*Services, error) {
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	runner := infra.NewSQLRunner(pool, *infra.Component(logger, "sql"))

	deps := Deps{}
	var queue crm.SQSAPI
	if cfg.CRMQueueURL != "" {
		client, err := crm.NewSQSClient(ctx, crm.AWSOptions{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			pool.Close()
			return nil, err
		}
		queue = client
		deps.Dispatcher = crm.SQSDispatcher{Client: client, QueueURL: cfg.CRMQueueURL}
	}

	s, err := Assemble(cfg, logger, repo.NewStore(runner), repo.NewTaskQueue(runner), deps)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.CRMQueue = queue
	s.Ping = pool.Ping
	s.onClose(pool.Close)

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("app: geoip disabled")
	} else if resolver != nil {
		s.Countries = resolver
		if c, ok := resolver.(interface{ Close() error }); ok {
			s.onClose(func() { _ = c.Close() })
		}
	}
	return s, nil
}

// Assemble wires the services over the given stores without touching the
// network beyond what the components do on demand.
func Assemble(cfg *infra.Config, logger zerolog.Logger, store domain.Store, tasks domain.TaskQueue, deps Deps) (*Services, error) {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := cfg.BillingLocation
	if loc == nil {
		loc = time.UTC
	}

	client, err := gateway.NewClient(gateway.Options{
		MerchantID:              cfg.GatewayMerchantID,
		SecretKey:               cfg.GatewaySecretKey,
		BaseURL:                 cfg.GatewayBaseURL,
		AltBaseURLs:             cfg.GatewayAltBaseURLs,
		TestMode:                cfg.GatewayTestMode,
		ResultURL:               cfg.GatewayResultURL,
		ReturnURL:               cfg.GatewayReturnURL,
		Currency:                cfg.GatewayCurrency,
		Lifetime:                cfg.GatewayLifetime,
		RecurringLifetimeMonths: cfg.GatewayRecurringLifetimeMonths,
		Timeout:                 cfg.GatewayTimeout,
		HTTPClient:              deps.HTTPClient,
		Logger:                  infra.Component(logger, "gateway"),
	})
	if err != nil {
		return nil, err
	}

	scheduler := billing.NewScheduler(loc)
	l := ledger.New(store, scheduler, ledger.Options{Clock: clock, Logger: infra.Component(logger, "ledger")})

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.RecurringRetryMax
	policy.Delay = cfg.RecurringRetryDelay
	policy.TransientInitial = cfg.TransientRetryBase
	policy.TransientMax = 10 * cfg.TransientRetryBase
	policy.TransientMaxTries = uint(max(cfg.TransientRetryMaxTries, 1))
	if cfg.InteractiveRetryBudget > 0 {
		policy.InteractiveBudget = cfg.InteractiveRetryBudget
	}
	coordinator := retry.NewCoordinator(tasks, l, policy, clock, infra.Component(logger, "retry"))

	payments := NewPayments(client, coordinator)

	runner := recurring.NewRunner(l, payments, coordinator, recurring.Config{
		BatchSize:   cfg.SweepBatchSize,
		Concurrency: cfg.SweepWorkers,
		ClaimTTL:    cfg.SweepClaimTTL,
	}, clock, infra.Component(logger, "sweep"))

	processor, err := webhook.NewProcessor(l, webhook.Options{
		SecretKey: cfg.GatewaySecretKey,
		Location:  loc,
		Clock:     clock,
		Logger:    infra.Component(logger, "webhook"),
	})
	if err != nil {
		return nil, err
	}

	crmLogger := infra.Component(logger, "crm")
	sink := deps.CRMSink
	if sink == nil {
		if cfg.CRMBaseURL != "" {
			if sink, err = crm.NewHTTPSink(crm.Options{
				BaseURL:  cfg.CRMBaseURL,
				APIToken: cfg.CRMAPIToken,
				Logger:   crmLogger,
			}); err != nil {
				return nil, err
			}
		} else {
			sink = crm.LogSink{Logger: *crmLogger}
		}
	}
	syncer := crm.NewSyncer(store, sink, coordinator, clock, crmLogger)

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = crm.TaskDispatcher{Tasks: tasks, Clock: clock}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: *infra.Component(logger, "notify")}
	}
	l.Subscribe(crm.Listener(dispatcher, *crmLogger))
	l.Subscribe(notify.Listener(notifier, *infra.Component(logger, "notify")))

	return &Services{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Tasks:     tasks,
		Gateway:   client,
		Payments:  payments,
		Scheduler: scheduler,
		Ledger:    l,
		Retry:     coordinator,
		Runner:    runner,
		Webhook:   processor,
		CRM:       syncer,
	}, nil
}

func (s *Services) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// Close releases connections in reverse order of acquisition.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
