// Command proxy runs the reverse proxy in front of the books service and
// the loans replicas.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/bookshelf/internal/config"
	"github.com/dreamware/bookshelf/internal/logging"
	"github.com/dreamware/bookshelf/internal/metrics"
	"github.com/dreamware/bookshelf/internal/proxy"
	"github.com/dreamware/bookshelf/internal/server"
)

type proxyConfig struct {
	config.Common
	Routes           proxy.Config
	UpstreamTimeout  time.Duration
	HealthInterval   time.Duration
	RateLimitRPS     float64
	RateLimitBurst   int
	RateLimitCleanup time.Duration
}

func loadConfig() (proxyConfig, error) {
	var cfg proxyConfig
	var err error
	if cfg.Common, err = config.LoadCommon(); err != nil {
		return cfg, err
	}
	if cfg.UpstreamTimeout, err = config.GetDuration("UPSTREAM_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.HealthInterval, err = config.GetDuration("HEALTH_INTERVAL", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitRPS, err = config.GetFloat("RATE_LIMIT_RPS", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = config.GetInt("RATE_LIMIT_BURST", 20); err != nil {
		return cfg, err
	}
	if cfg.RateLimitCleanup, err = config.GetDuration("RATE_LIMIT_CLEANUP", 10*time.Minute); err != nil {
		return cfg, err
	}

	if path := config.Getenv("PROXY_ROUTES", ""); path != "" {
		cfg.Routes, err = proxy.LoadConfig(path)
		return cfg, err
	}
	loans, err := proxy.ParseMembers(proxy.LoansPool, config.Getenv("LOANS_UPSTREAMS", "http://loans1:80=3,http://loans2:80=1"))
	if err != nil {
		return cfg, err
	}
	cfg.Routes = proxy.DefaultConfig(config.Getenv("BOOKS_UPSTREAM", "http://books:80"), loans)
	return cfg, cfg.Routes.Validate()
}

// newHandler builds the proxy. health may be nil. Background work started
// here stops when ctx is done.
func newHandler(ctx context.Context, cfg proxyConfig, health *proxy.HealthMonitor, log *logrus.Entry) (http.Handler, *proxy.Proxy, error) {
	m := metrics.New("proxy")
	p, err := proxy.New(cfg.Routes, proxy.Options{
		Timeout: cfg.UpstreamTimeout,
		Health:  health,
		Metrics: m,
		Log:     log,
	})
	if err != nil {
		return nil, nil, err
	}

	opts := server.RouterOptions{Metrics: m}
	if health != nil {
		health.SetOnUnhealthy(m.ObserveEjection)
		opts.HealthExtra = func(context.Context) map[string]any {
			return map[string]any{"upstreams": health.Snapshot()}
		}
	}
	r := server.NewRouter(opts)
	p.Register(r)

	var h http.Handler = r
	if cfg.RateLimitRPS > 0 {
		rl := proxy.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)
		rl.StartCleanup(cfg.RateLimitCleanup, ctx.Done())
		h = rl.Middleware(h)
	}
	return server.Wrap(h, log, cfg.RequestTimeout), p, nil
}

func main() {
	boot := logging.New("proxy", "info")
	if err := config.LoadEnvFile(); err != nil {
		boot.WithError(err).Fatal("failed to load env file")
	}
	cfg, err := loadConfig()
	if err != nil {
		boot.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New("proxy", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := proxy.NewHealthMonitor(cfg.HealthInterval, log)
	h, p, err := newHandler(ctx, cfg, health, log)
	if err != nil {
		log.WithError(err).Fatal("invalid routing table")
	}
	health.Start(ctx, p.Members)
	defer health.Stop()

	if err := server.Run(ctx, cfg.ListenAddr, h, log); err != nil {
		log.WithError(err).Error("server failed")
	}
}
