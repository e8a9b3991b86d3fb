// Package config reads process configuration from the environment.
//
// Every binary calls LoadEnvFile first, so a local .env file (or the one
// named by ENV_FILE) can supply defaults; variables already set in the
// environment always win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads ENV_FILE (default ".env") when it exists.
func LoadEnvFile() error {
	path := Getenv("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Getenv returns the value of k, or def when unset or empty.
func Getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// GetInt parses k as an integer.
func GetInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

// GetFloat parses k as a float.
func GetFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return f, nil
}

// GetBool parses k with strconv.ParseBool.
func GetBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}

// GetDuration parses k with time.ParseDuration.
func GetDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

// Common holds the settings every bookshelf process shares.
type Common struct {
	ListenAddr     string
	LogLevel       string
	RequestTimeout time.Duration
}

// Store holds the document store settings of the services.
type Store struct {
	URI         string
	PoolSize    int
	PoolTimeout time.Duration
}

// LoadCommon reads LISTEN_ADDR, LOG_LEVEL and REQUEST_TIMEOUT.
func LoadCommon() (Common, error) {
	timeout, err := GetDuration("REQUEST_TIMEOUT", 5*time.Second)
	if err != nil {
		return Common{}, err
	}
	return Common{
		ListenAddr:     Getenv("LISTEN_ADDR", ":80"),
		LogLevel:       Getenv("LOG_LEVEL", "info"),
		RequestTimeout: timeout,
	}, nil
}

// LoadStore reads STORE_URI, STORE_POOL_SIZE and STORE_POOL_TIMEOUT.
func LoadStore() (Store, error) {
	size, err := GetInt("STORE_POOL_SIZE", 10)
	if err != nil {
		return Store{}, err
	}
	timeout, err := GetDuration("STORE_POOL_TIMEOUT", 2*time.Second)
	if err != nil {
		return Store{}, err
	}
	return Store{
		URI:         Getenv("STORE_URI", "memory://"),
		PoolSize:    size,
		PoolTimeout: timeout,
	}, nil
}
