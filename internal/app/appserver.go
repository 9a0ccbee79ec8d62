package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"linkguard/internal/blacklist"
	"linkguard/internal/classifier"
	"linkguard/internal/metrics"
	"linkguard/internal/preview"
	"linkguard/internal/service/web"
	"linkguard/internal/shared/config"
	"linkguard/internal/shared/logger"
	"linkguard/internal/shared/types"
	manager "linkguard/proxypool"
	"linkguard/proxypool/health"
	"linkguard/proxypool/importer"
	"linkguard/proxypool/registry"
	"linkguard/proxypool/scraper"
	"linkguard/proxypool/storage"
	"linkguard/proxypool/tester"
)

const shutdownTimeout = 10 * time.Second

// AppServer is the application's main struct. It owns every service and
// their lifecycle; nothing is reachable through package-level state.
type AppServer struct {
	cfg *types.Config

	metrics    *metrics.Metrics
	registry   *registry.Registry
	blacklist  *blacklist.Store
	classifier *classifier.Classifier
	fetcher    *preview.Fetcher
	manager    *manager.Manager
	hub        *web.Hub
	web        *web.Server

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
	stopErr   error
}

// New 按依赖顺序构建所有服务并加载持久化数据，不启动任何后台任务。
func New(cfg *types.Config) (*AppServer, error) {
	s := &AppServer{cfg: cfg}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(promReg)

	// 代理池
	var proxyStorage storage.Storage = storage.NewMemoryStorage()
	if cfg.StorageConf.ProxiesFile != "" {
		proxyStorage = storage.NewFileStorage(cfg.StorageConf.ProxiesFile)
	}
	scorer := health.NewScorer(
		types.Millis(cfg.HealthConf.SlowThresholdMs),
		time.Duration(cfg.HealthConf.StaleAfterHours)*time.Hour,
	)
	s.registry = registry.NewRegistry(proxyStorage, scorer)
	if err := s.registry.Load(); err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}

	// 黑名单与分类器
	bl, err := blacklist.NewStore(cfg.StorageConf.BlacklistFile)
	if err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	s.blacklist = bl

	var checker classifier.CertChecker
	if cfg.ClassifierConf.TLSCheck {
		checker = classifier.NewUTLSChecker(types.Millis(cfg.ClassifierConf.TLSTimeoutMs))
	}
	s.classifier = classifier.New(bl, checker, classifier.Options{
		TLSCheck: cfg.ClassifierConf.TLSCheck,
		CacheTTL: time.Duration(cfg.ClassifierConf.ResultCacheSeconds) * time.Second,
	}, s.metrics)

	s.fetcher = preview.NewFetcher(s.classifier, s.registry, preview.Options{
		Timeout:        types.Millis(cfg.PreviewConf.TimeoutMs),
		CacheTTL:       time.Duration(cfg.PreviewConf.CacheTTLSeconds) * time.Second,
		MaxBodyBytes:   cfg.PreviewConf.MaxBodyBytes,
		UserAgent:      cfg.PreviewConf.UserAgent,
		DirectFallback: cfg.PreviewConf.DirectFallback,
	}, s.metrics)

	s.hub = web.NewHub(config.SplitList(cfg.ServerConf.AllowedOrigins))

	// 黑名单变更后立即生效：清空分类缓存并通知前端
	bl.Subscribe(func(snap *blacklist.Snapshot) {
		s.classifier.FlushCache()
		s.hub.Publish(web.EventBlacklistUpdated, map[string]int{"count": snap.Len()})
	})

	// 测试器与调度器
	t := tester.NewTester(s.registry,
		tester.NewHTTPProber(cfg.TesterConf.ProbeTarget, ""),
		tester.Config{
			MaxConcurrency:   cfg.TesterConf.MaxConcurrency,
			Timeout:          types.Millis(cfg.TesterConf.TimeoutMs),
			FailureThreshold: cfg.TesterConf.RemovalFailureThreshold,
			ProbesPerSecond:  cfg.TesterConf.ProbesPerSecond,
		}, s.metrics)

	s.manager = manager.NewManager(manager.Config{
		TestInterval:   time.Duration(cfg.TesterConf.TestIntervalSeconds) * time.Second,
		FlushInterval:  time.Duration(cfg.TesterConf.FlushIntervalSeconds) * time.Second,
		ScrapeInterval: time.Duration(cfg.ScraperConf.ScrapeIntervalHours) * time.Hour,
		AutoRemove:     cfg.TesterConf.AutoRemove,
	}, s.registry, t, importer.NewImporter(s.registry), s.hub, s.metrics)
	for _, src := range config.SplitList(cfg.ScraperConf.Sources) {
		s.manager.AddScraper(scraper.NewRemoteListScraper(src, 0))
	}

	h := web.NewHandler(s.registry, s.manager, s.blacklist, s.classifier, s.fetcher, web.HandlerOptions{
		AutoRemove: cfg.TesterConf.AutoRemove,
	})
	s.web = web.NewServer(cfg.ServerConf, h, s.hub, s.metrics)

	logger.WithComponent("App").Info().
		Int("proxies", len(s.registry.List(nil))).
		Int("blacklist_entries", len(s.blacklist.List())).
		Msg("Services initialized.")
	return s, nil
}

// Handler exposes the HTTP surface, mainly for tests.
func (s *AppServer) Handler() http.Handler {
	return s.web.Handler()
}

// Start launches the scheduler and the web API.
func (s *AppServer) Start() error {
	s.manager.Start()
	if err := s.web.Start(&s.waitGroup); err != nil {
		return multierror.Append(err, s.manager.Stop()).ErrorOrNil()
	}
	return nil
}

// Run starts everything and blocks until SIGINT/SIGTERM.
func (s *AppServer) Run() error {
	logger.Info().Msg("Starting linkguard...")
	if err := s.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("Shutdown signal received.")
	err := s.Stop()
	s.Wait()
	return err
}

// Stop gracefully shuts down the server. Independent failures are all reported.
func (s *AppServer) Stop() error {
	s.stopOnce.Do(func() {
		var result *multierror.Error

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.web.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("web shutdown: %w", err))
		}
		if err := s.manager.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("proxy pool shutdown: %w", err))
		}
		s.stopErr = result.ErrorOrNil()
		if s.stopErr != nil {
			logger.Error().Err(s.stopErr).Msg("Shutdown finished with errors.")
		} else {
			logger.Info().Msg("Shutdown complete.")
		}
	})
	return s.stopErr
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}
