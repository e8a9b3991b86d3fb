package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// Options bounds the connection pool of network-backed stores.
type Options struct {
	PoolSize    int
	PoolTimeout time.Duration
}

// Open returns the Store named by uri. Supported schemes:
//
//	memory://                       in-process MemoryStore
//	redis://host:6379/0             RedisStore
//	postgres://user:pw@host/db      PostgresStore (schema created on open)
//
// Network stores are pinged before Open returns.
func Open(ctx context.Context, uri string, opts Options) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse store uri: %w", err)
	}

	switch u.Scheme {
	case "memory", "":
		return NewMemoryStore(), nil

	case "redis", "rediss":
		s, err := NewRedisStore(RedisOptions{
			URI:         uri,
			PoolSize:    opts.PoolSize,
			PoolTimeout: opts.PoolTimeout,
		})
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return s, nil

	case "postgres", "postgresql":
		db, err := sqlx.Open("postgres", uri)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if opts.PoolSize > 0 {
			db.SetMaxOpenConns(opts.PoolSize)
			db.SetMaxIdleConns(opts.PoolSize)
		}
		s := NewPostgresStore(db)
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}
