package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/earnings"
	"github.com/example/delivery-dispatch/internal/engine"
	"github.com/example/delivery-dispatch/internal/eta"
	"github.com/example/delivery-dispatch/internal/fanout"
	"github.com/example/delivery-dispatch/internal/geo"
	httpapi "github.com/example/delivery-dispatch/internal/http"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/matcher"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/order"
	"github.com/example/delivery-dispatch/internal/payments"
	"github.com/example/delivery-dispatch/internal/reassign"
	"github.com/example/delivery-dispatch/internal/registry"
	"github.com/example/delivery-dispatch/internal/storage"
)

// app holds every long-lived component. closers run in reverse order.
type app struct {
	handler  http.Handler
	machine  *order.Machine
	registry *registry.Registry
	matcher  *matcher.Service
	fanout   *fanout.Service
	monitor  *reassign.Monitor
	closers  []func() error
	log      zerolog.Logger
}

func buildApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{log: log}

	var rc *redis.Client
	if cfg.Redis.Addr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
	}

	var store storage.OrderStore = storage.NewMemoryStore()
	if cfg.Postgres.DSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, ps.Close)
		if cfg.Postgres.RunMigrations {
			if err := ps.Migrate(ctx, cfg.Postgres.MigrationsDir); err != nil {
				a.close()
				return nil, err
			}
			log.Info().Str("dir", cfg.Postgres.MigrationsDir).Msg("migrations applied")
		}
		store = ps
	}

	var g geo.Geo = geo.NewIndex()
	var ledger earnings.Ledger = earnings.NewMemoryLedger()
	if rc != nil {
		g = geo.NewRedisGeo(rc, cfg.Redis.GeoKey)
		ledger = earnings.NewRedisLedger(rc)
	}

	rates := earnings.Rates{
		BasePay:     models.MoneyFromFloat(cfg.Earnings.BasePay),
		MileageRate: models.MoneyFromFloat(cfg.Earnings.MileageRate),
	}
	earn := earnings.NewService(earnings.NewCalculator(rates), ledger, log.With().Str("component", "earnings").Logger())
	a.machine = order.NewMachine(store, earn, log.With().Str("component", "orders").Logger())

	a.registry = registry.New(log.With().Str("component", "registry").Logger())
	if cfg.Push.Endpoint != "" {
		a.registry.WithForwarder(registry.NewPushForwarder(cfg.Push.Endpoint, cfg.Push.Key))
	}

	a.matcher = matcher.NewService(g, a.machine, a.registry, matcher.Config{
		RadiusMiles:    cfg.Matcher.RadiusMiles,
		MaxRadiusMiles: cfg.Matcher.MaxRadiusMiles,
		RadiusGrowth:   cfg.Matcher.RadiusGrowth,
		OfferTimeout:   cfg.Matcher.OfferTimeout,
		ExpiryTick:     cfg.Matcher.ExpiryTick,
		RetryInterval:  cfg.Matcher.RetryInterval,
	}, log.With().Str("component", "matcher").Logger())

	estimator := &eta.Estimator{
		Cache:    eta.NewCache(cfg.ETA.CacheTTL),
		SpeedMps: cfg.ETA.DefaultSpeedMps,
		Log:      log,
	}
	if cfg.ETA.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.ETA.OSRMEndpoint)
	}
	opts := []fanout.Option{fanout.WithETA(estimator)}

	eng := engine.New(a.machine, a.matcher, a.registry, g, log.With().Str("component", "engine").Logger())
	if len(cfg.Kafka.Brokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.LocationsTopic, cfg.Kafka.OrdersTopic)
		a.closers = append(a.closers, kp.Close)
		eng.WithLocationSink(kp)
		opts = append(opts, fanout.WithSink(kp))
	}
	if cfg.Stripe.APIKey != "" {
		opts = append(opts, fanout.WithPayments(payments.NewStripeClient(cfg.Stripe.APIKey)))
	}
	opts = append(opts, fanout.WithOrders(a.machine))
	a.fanout = fanout.NewService(a.registry, g, log.With().Str("component", "fanout").Logger(), opts...)
	a.monitor = reassign.NewMonitor(a.machine, a.matcher, g, a.registry, a.registry, log.With().Str("component", "reassign").Logger())

	a.handler = httpapi.NewServer(eng, a.machine, earn, cfg.HTTP.WSQueueSize, log.With().Str("component", "http").Logger())
	return a, nil
}

// start subscribes the background consumers before any traffic arrives.
func (a *app) start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	watch, fan, drops := a.machine.Subscribe(), a.machine.Subscribe(), a.registry.Subscribe()
	wg.Add(4)
	go func() { defer wg.Done(); a.matcher.Watch(ctx, watch) }()
	go func() { defer wg.Done(); a.fanout.Run(ctx, fan) }()
	go func() { defer wg.Done(); a.monitor.Run(ctx, drops) }()
	go func() { defer wg.Done(); a.matcher.RunExpiry(ctx) }()
	return &wg
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
}

func run(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	log := logging.NewLogger(cfg.LogLevel, "dispatch")
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	bg, cancel := context.WithCancel(context.Background())
	wg := a.start(bg)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      a.handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("dispatch server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("http shutdown")
	}
	a.registry.Close()
	a.machine.Close()
	cancel()
	wg.Wait()
	a.close()
	return err
}
