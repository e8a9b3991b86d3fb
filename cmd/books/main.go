// Command books runs the Books Service: book CRUD, ratings and /top.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/bookshelf/internal/catalog"
	"github.com/dreamware/bookshelf/internal/config"
	"github.com/dreamware/bookshelf/internal/httputil"
	"github.com/dreamware/bookshelf/internal/logging"
	"github.com/dreamware/bookshelf/internal/metrics"
	"github.com/dreamware/bookshelf/internal/server"
	"github.com/dreamware/bookshelf/internal/storage"
)

type booksConfig struct {
	config.Common
	Store          config.Store
	Catalog        catalog.Config
	EnrichEnabled  bool
	GoogleBooksURL string
	OpenLibraryURL string
}

func loadConfig() (booksConfig, error) {
	var cfg booksConfig
	var err error
	if cfg.Common, err = config.LoadCommon(); err != nil {
		return cfg, err
	}
	if cfg.Store, err = config.LoadStore(); err != nil {
		return cfg, err
	}
	if cfg.Catalog.TopMinVotes, err = config.GetInt("TOP_MIN_VOTES", 1); err != nil {
		return cfg, err
	}
	if cfg.Catalog.TopDefaultLimit, err = config.GetInt("TOP_DEFAULT_LIMIT", 3); err != nil {
		return cfg, err
	}
	if cfg.EnrichEnabled, err = config.GetBool("ENRICH_ENABLED", false); err != nil {
		return cfg, err
	}
	cfg.GoogleBooksURL = config.Getenv("GOOGLE_BOOKS_URL", "https://www.googleapis.com/books/v1/volumes")
	cfg.OpenLibraryURL = config.Getenv("OPEN_LIBRARY_URL", "https://openlibrary.org/search.json")
	return cfg, nil
}

// newHandler wires the catalog over store into a complete HTTP handler.
func newHandler(cfg booksConfig, store storage.Store, log *logrus.Entry) http.Handler {
	var enricher catalog.Enricher
	if cfg.EnrichEnabled {
		client := httputil.NewClient(cfg.RequestTimeout)
		enricher = catalog.NewLookupEnricher(client, cfg.GoogleBooksURL, cfg.OpenLibraryURL)
	}
	svc := catalog.NewService(store, enricher, cfg.Catalog, log)

	r := server.NewRouter(server.RouterOptions{
		Metrics:     metrics.New("books"),
		Ping:        store.Ping,
		HealthExtra: svc.Stats,
	})
	catalog.NewHandler(svc, log).Register(r)
	return server.Wrap(r, log, cfg.RequestTimeout)
}

func main() {
	boot := logging.New("books", "info")
	if err := config.LoadEnvFile(); err != nil {
		boot.WithError(err).Fatal("failed to load env file")
	}
	cfg, err := loadConfig()
	if err != nil {
		boot.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New("books", cfg.LogLevel)

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
