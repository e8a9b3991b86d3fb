// Command loans runs one Loans Service replica. Any number of replicas may
// share one document store.
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
	"github.com/dreamware/bookshelf/internal/httputil"
	"github.com/dreamware/bookshelf/internal/lending"
	"github.com/dreamware/bookshelf/internal/logging"
	"github.com/dreamware/bookshelf/internal/metrics"
	"github.com/dreamware/bookshelf/internal/server"
	"github.com/dreamware/bookshelf/internal/storage"
)

type loansConfig struct {
	config.Common
	Store    config.Store
	Lending  lending.Config
	BooksURL string
}

func loadConfig() (loansConfig, error) {
	var cfg loansConfig
	var err error
	if cfg.Common, err = config.LoadCommon(); err != nil {
		return cfg, err
	}
	if cfg.Store, err = config.LoadStore(); err != nil {
		return cfg, err
	}
	if cfg.Lending.MaxLoansPerMember, err = config.GetInt("MAX_LOANS_PER_MEMBER", lending.DefaultMaxLoansPerMember); err != nil {
		return cfg, err
	}
	cfg.Lending.ReplicaID = config.Getenv("LOANS_REPLICA_ID", "loans-1")
	cfg.BooksURL = config.Getenv("BOOKS_URL", "")
	return cfg, nil
}

func newHandler(cfg loansConfig, store storage.Store, log *logrus.Entry) http.Handler {
	var books lending.BookLookup
	if cfg.BooksURL != "" {
		books = lending.NewBooksClient(httputil.NewClient(cfg.RequestTimeout), cfg.BooksURL)
	}
	svc := lending.NewService(store, books, cfg.Lending, log)

	r := server.NewRouter(server.RouterOptions{
		Metrics:     metrics.New("loans"),
		Ping:        store.Ping,
		HealthExtra: svc.Health,
	})
	lending.NewHandler(svc, log).Register(r)
	return server.Wrap(r, log, cfg.RequestTimeout)
}

func main() {
	boot := logging.New("loans", "info")
	if err := config.LoadEnvFile(); err != nil {
		boot.WithError(err).Fatal("failed to load env file")
	}
	cfg, err := loadConfig()
	if err != nil {
		boot.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New("loans", cfg.LogLevel).WithField("replica", cfg.Lending.ReplicaID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := storage.Open(openCtx, cfg.Store.URI, storage.Options{
		PoolSize:    cfg.Store.PoolSize,
		PoolTimeout: cfg.Store.PoolTimeout,
	})
	cancel()
	if err != nil {
		log.WithError(err).Fatal("failed to open document store")
	}
	defer store.Close()

	if err := server.Run(ctx, cfg.ListenAddr, newHandler(cfg, store, log), log); err != nil {
		log.WithError(err).Error("server failed")
	}
}
