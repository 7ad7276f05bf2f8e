// Package bootstrap wires configuration into a running billing engine:
// store, lock, gateway, mail, notification sinks, services and HTTP routes.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/billrun/internal"
	"github.com/dukerupert/billrun/internal/billing"
	"github.com/dukerupert/billrun/internal/email"
	"github.com/dukerupert/billrun/internal/handler"
	"github.com/dukerupert/billrun/internal/handler/webhook"
	"github.com/dukerupert/billrun/internal/jobs"
	"github.com/dukerupert/billrun/internal/lock"
	"github.com/dukerupert/billrun/internal/middleware"
	"github.com/dukerupert/billrun/internal/notify"
	"github.com/dukerupert/billrun/internal/postgres"
	"github.com/dukerupert/billrun/internal/router"
	"github.com/dukerupert/billrun/internal/routes"
	"github.com/dukerupert/billrun/internal/service"
	"github.com/dukerupert/billrun/internal/store"
	"github.com/dukerupert/billrun/internal/telemetry"
	"github.com/dukerupert/billrun/internal/worker"
)

// MetricsNamespace prefixes every exported Prometheus metric.
const MetricsNamespace = "billrun"

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config *internal.Config
	Logger *slog.Logger

	Store      store.Store
	Locker     lock.Locker
	Gateway    billing.Gateway
	Mailer     *email.Service
	Notifier   notify.Sink
	Invoices   *service.InvoiceMachine
	Policy     *service.Policy
	Reconciler *service.Reconciler
	Runner     *jobs.Runner

	registry *prometheus.Registry
	metrics  *middleware.Metrics
	checks   map[string]handler.Pinger
	closers  []func()
}

// New builds the application from cfg. On error everything opened so far
// is closed again.
func New(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app = &App{
		Config: cfg,
		Logger: logger,
		checks: make(map[string]handler.Pinger),
	}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	app.initTelemetry()
	if err = app.initSentry(); err != nil {
		return nil, err
	}
	if err = app.initStore(ctx); err != nil {
		return nil, err
	}
	if err = app.initLocker(ctx); err != nil {
		return nil, err
	}
	if err = app.initGateway(); err != nil {
		return nil, err
	}
	if err = app.initMailer(ctx); err != nil {
		return nil, err
	}
	if err = app.initNotifier(); err != nil {
		return nil, err
	}

	app.Invoices = service.NewInvoiceMachine(app.Store, app.Gateway, app.Mailer, app.Notifier, service.InvoiceConfig{
		CompanyName:     cfg.Billing.CompanyName,
		DefaultCurrency: cfg.Billing.DefaultCurrency,
	}, logger)

	app.Policy, err = service.NewPolicy(app.Store, app.Mailer, cfg.Escalation, cfg.Billing.CompanyName, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize escalation policy: %w", err)
	}

	app.Reconciler = service.NewReconciler(app.Store, app.Invoices, app.Locker, app.Notifier, logger)

	app.Runner = jobs.NewRunner(app.Store, app.Invoices, app.Policy, app.Locker, jobs.Config{
		Concurrency: cfg.Jobs.Concurrency,
		StaleAfter:  cfg.Jobs.StaleAfter,
	}, logger)

	logger.Info("billing engine initialized",
		slog.String("store", cfg.Store.Kind),
		slog.String("payment_provider", cfg.Payment.Provider),
		slog.String("email_provider", cfg.Email.Provider),
		slog.Any("notify_sinks", cfg.Notify.Sinks),
		slog.Bool("distributed_lock", cfg.Redis.URL != ""))
	return app, nil
}

// Close releases every resource opened by New.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(f func()) {
	a.closers = append(a.closers, f)
}

// initTelemetry gives every App its own registry so repeated construction
// (tests, CLI) never collides on metric registration.
func (a *App) initTelemetry() {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	telemetry.Business = telemetry.NewBusinessMetrics(MetricsNamespace, a.registry)
	if a.Config.Server.MetricsEnabled {
		a.metrics = middleware.NewMetrics(MetricsNamespace, a.registry)
	}
}

func (a *App) initSentry() error {
	s := a.Config.Sentry
	cleanup, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:              s.DSN,
		Enabled:          s.Enabled,
		Environment:      s.Environment,
		Release:          s.Release,
		SampleRate:       s.SampleRate,
		TracesSampleRate: s.TracesSampleRate,
		Debug:            s.Debug,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.onClose(cleanup)
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	cfg := a.Config.Store
	switch cfg.Kind {
	case "memory":
		a.Logger.Warn("using in-memory store: data is lost on restart")
		a.Store = store.NewMemory()
		return nil

	case "postgres":
		if cfg.AutoMigrate {
			a.Logger.Info("Running database migrations...")
			if err := internal.MigrateDatabase(ctx, cfg.DatabaseURL, a.Logger); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			a.Logger.Info("Database migrations completed successfully")
		}

		pg, err := postgres.New(ctx, cfg.DatabaseURL, cfg.MaxConns)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		a.onClose(pg.Close)
		a.Store = pg
		a.checks["postgres"] = pg
		a.Logger.Info("Database connection established")
		return nil

	default:
		return fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

func (a *App) initLocker(ctx context.Context) error {
	cfg := a.Config.Redis
	if cfg.URL == "" {
		a.Locker = lock.NewLocal()
		return nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	a.onClose(func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	a.Locker = lock.NewRedisLocker(client, lock.RedisConfig{
		TTL:         cfg.LockTTL,
		WaitTimeout: cfg.LockTimeout,
	}, a.Logger)
	a.checks["redis"] = pingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return nil
}

func (a *App) initGateway() error {
	cfg := a.Config.Payment
	switch cfg.Provider {
	case "stripe":
		gw, err := billing.NewStripeGateway(billing.StripeConfig{
			APIKey:        cfg.SecretKey,
			WebhookSecret: cfg.WebhookSecret,
			SuccessURL:    cfg.SuccessURL,
			CancelURL:     cfg.CancelURL,
			CheckoutTTL:   cfg.CheckoutTTL,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize payment gateway: %w", err)
		}
		a.Gateway = gw
	case "mock":
		a.Logger.Warn("using mock payment gateway: checkouts are not real")
		a.Gateway = billing.NewMockGateway()
	default:
		return fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
	return nil
}

func (a *App) initMailer(ctx context.Context) error {
	cfg := a.Config.Email

	var sender email.Sender
	switch cfg.Provider {
	case "smtp":
		sender = email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.FromAddress,
			FromName: cfg.FromName,
			Timeout:  cfg.Timeout,
		}, a.Logger)
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SESRegion))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		ses, err := email.NewSESSender(awsCfg, cfg.FromAddress, cfg.SESConfigurationSet, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize SES sender: %w", err)
		}
		sender = ses
	case "log":
		sender = email.NewLogSender(a.Logger)
	default:
		return fmt.Errorf("unknown email provider %q", cfg.Provider)
	}

	svc, err := email.NewService(sender, email.ServiceConfig{
		FromAddress: cfg.FromAddress,
		FromName:    cfg.FromName,
		Timeout:     cfg.Timeout,
		TemplateDir: cfg.TemplateDir,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize email service: %w", err)
	}
	a.Mailer = svc
	return nil
}

func (a *App) initNotifier() error {
	cfg := a.Config.Notify

	var sinks notify.Multi
	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, notify.NewLogSink(a.Logger))
		case "nats":
			s, err := notify.NewNATSSink(notify.NATSConfig{
				URL:           cfg.NATSURL,
				SubjectPrefix: cfg.NATSSubjectPrefix,
			}, a.Logger)
			if err != nil {
				return fmt.Errorf("failed to connect notification sink nats: %w", err)
			}
			a.onClose(func() { _ = s.Close() })
			sinks = append(sinks, s)
		case "kafka":
			s, err := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
			if err != nil {
				return fmt.Errorf("failed to initialize notification sink kafka: %w", err)
			}
			a.onClose(func() { _ = s.Close() })
			sinks = append(sinks, s)
		default:
			return fmt.Errorf("unknown notification sink %q", name)
		}
	}

	switch len(sinks) {
	case 0:
		return errors.New("at least one notification sink is required")
	case 1:
		a.Notifier = sinks[0]
	default:
		a.Notifier = sinks
	}
	return nil
}

// Handler builds the HTTP surface: JSON API, payment callbacks, probes and,
// when enabled, the metrics endpoint. Every handler built from one App
// shares its HTTP collectors.
func (a *App) Handler() *echo.Echo {
	var metricsHandler http.Handler
	if a.metrics != nil {
		metricsHandler = a.metrics.Handler()
	}

	e := router.New(a.Logger, a.metrics, router.Config{Debug: a.Config.Env == "dev"})

	routes.RegisterAPIRoutes(e, routes.APIDeps{
		InvoiceHandler: handler.NewInvoiceHandler(a.Invoices),
		JobHandler:     handler.NewJobHandler(a.Runner, a.Config.Jobs.RunTimeout),
	})
	routes.RegisterWebhookRoutes(e, routes.WebhookDeps{
		PaymentHandler: webhook.NewPaymentHandler(a.Gateway, a.Reconciler, webhook.Config{
			RetryAfter: a.Config.Payment.RetryAfter,
		}, a.Logger),
	})
	routes.RegisterOpsRoutes(e, routes.OpsDeps{
		HealthHandler:  handler.NewHealthHandler(a.checks),
		MetricsHandler: metricsHandler,
	})
	return e
}

// Scheduler returns the in-process billing cycle trigger.
func (a *App) Scheduler() *worker.Scheduler {
	return worker.NewScheduler(a.Runner, worker.Config{
		WorkerID:   a.Config.Jobs.WorkerID,
		JobName:    jobs.JobBillingCycle,
		Interval:   a.Config.Jobs.Interval,
		RunOnStart: a.Config.Jobs.RunOnStart,
		RunTimeout: a.Config.Jobs.RunTimeout,
	}, a.Logger)
}

// Addr is the listen address for the HTTP server.
func (a *App) Addr() string {
	return ":" + strconv.Itoa(int(a.Config.Server.Port))
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
