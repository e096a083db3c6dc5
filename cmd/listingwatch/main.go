package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/listingwatch/internal/config"
	"github.com/hamed0406/listingwatch/internal/dedup"
	"github.com/hamed0406/listingwatch/internal/dispatch"
	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/httpapi"
	apimw "github.com/hamed0406/listingwatch/internal/httpapi/middleware"
	"github.com/hamed0406/listingwatch/internal/logging"
	"github.com/hamed0406/listingwatch/internal/metrics"
	"github.com/hamed0406/listingwatch/internal/notify"
	"github.com/hamed0406/listingwatch/internal/proxy"
	"github.com/hamed0406/listingwatch/internal/reload"
	"github.com/hamed0406/listingwatch/internal/repo"
	"github.com/hamed0406/listingwatch/internal/repo/memory"
	"github.com/hamed0406/listingwatch/internal/repo/postgres"
	"github.com/hamed0406/listingwatch/internal/repo/sqlite"
	"github.com/hamed0406/listingwatch/internal/scheduler"
	"github.com/hamed0406/listingwatch/internal/source"
)

func main() {
	cfg := config.FromEnv()
	logger, err := logging.NewLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("listingwatch_failed", zap.Error(err))
	}
	logger.Info("listingwatch_stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	live := config.NewLive(domain.DefaultSettings())

	web := source.NewWeb(source.WebConfig{
		UserAgent:     cfg.SourceUserAgent,
		ProbeURL:      cfg.SourceProbeURL,
		ItemSelector:  cfg.SourceItemSelector,
		IDAttr:        cfg.SourceIDAttr,
		TitleSelector: cfg.SourceTitleSel,
		PriceSelector: cfg.SourcePriceSel,
		LinkSelector:  cfg.SourceLinkSel,
		Timeout:       cfg.ScanTimeout,
	}, logger).WithQueryProbe(store)
	proxies := proxy.NewManager(web, cfg.ValidateWorkers, cfg.ValidateTimeout, live, logger, m)

	var (
		cfgSource reload.Source
		publisher httpapi.ConfigPublisher
	)
	if cfg.RuntimeConfigFile != "" {
		cfgSource = reload.FileSource{Path: cfg.RuntimeConfigFile}
	} else {
		ss := reload.StoreSource{Store: store}
		cfgSource, publisher = ss, ss
	}
	reloader := reload.New(cfgSource, live, cfg.ReloadInterval, logger, m)
	reloader.Structural("proxy_pool", reload.ProxyEndpointsChanged, proxies.Rebuild)
	reloader.OnScalar(proxies.Tune)
	if err := reloader.Init(ctx); err != nil {
		return err
	}
	if len(live.Load().Proxies.Endpoints) > 0 && cfg.SourceProbeURL == "" {
		logger.Info("proxy_probe_uses_query_url", zap.String("hint", "set SOURCE_PROBE_URL to validate proxies before any query exists"))
	}

	router, closeChannels, err := channels(cfg, logger)
	if err != nil {
		return err
	}
	defer closeChannels()

	dispatcher := dispatch.New(store, router, live, dispatch.Options{
		BatchSize:   cfg.FlushBatch,
		ClaimLease:  cfg.ClaimLease,
		SendTimeout: cfg.SendTimeout,
	}, logger, m)
	filter, err := dedup.New(store, cfg.SeenCacheSize, logger)
	if err != nil {
		return err
	}
	sched := scheduler.New(logger, store, web, proxies, filter, dispatcher, live, m, scheduler.Options{
		Tick:        cfg.TickInterval,
		ScanTimeout: cfg.ScanTimeout,
		ScanLease:   cfg.ScanLease,
		Concurrency: cfg.ScanConcurrency,
	})

	api := &httpapi.Server{
		Logger:    logger,
		Queries:   store,
		Scanner:   sched,
		Queue:     dispatcher,
		Proxies:   proxies,
		Publisher: publisher,
		Config:    reloader,
		Metrics:   m,
		Channels:  channelNames(router),
	}
	keys := apimw.Keys{Public: cfg.PublicAPIKeys, Admin: cfg.AdminAPIKeys}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(keys, cfg.CORSOrigins, cfg.PublicRPM, cfg.PublicBurst, cfg.AdminRPM, cfg.AdminBurst),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { sched.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Run(gctx); return nil })
	g.Go(func() error { proxies.Run(gctx); return nil })
	g.Go(func() error { reloader.Run(gctx); return nil })
	g.Go(func() error {
		logger.Info("api_listen", zap.String("addr", cfg.Addr), zap.Strings("channels", api.Channels))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// openStore picks postgres, then sqlite, then the in-memory store.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repo.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		logger.Info("store_postgres")
		return pg, nil
	case cfg.SQLitePath != "":
		lite, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("store_sqlite", zap.String("path", cfg.SQLitePath))
		return lite, nil
	default:
		logger.Warn("store_in_memory", zap.String("hint", "state is lost on restart; set DATABASE_URL or SQLITE_PATH"))
		return memory.New(), nil
	}
}

func channels(cfg config.Config, logger *zap.Logger) (notify.Router, func(), error) {
	router := notify.Router{}
	closeFn := func() {}
	if tg := notify.NewTelegram(cfg.TelegramBaseURL, cfg.TelegramToken); tg != nil {
		router["telegram"] = tg
	}
	if cfg.SlackEnabled {
		router["slack"] = notify.NewSlack()
	}
	if cfg.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		router["amqp"] = pub
		closeFn = func() {
			if err := pub.Close(); err != nil {
				logger.Warn("amqp_close_error", zap.Error(err))
			}
		}
	}
	if len(router) == 0 {
		logger.Warn("no_channels_configured")
	}
	return router, closeFn, nil
}

func channelNames(r notify.Router) []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
