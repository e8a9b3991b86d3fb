package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Pool names of the default routing table.
const (
	BooksPool = "books"
	LoansPool = "loans"
)

// Member is one upstream instance of a pool.
type Member struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// PoolConfig lists the interchangeable upstreams behind one pool name.
type PoolConfig struct {
	Members []Member `yaml:"members"`
}

// Route binds a mux path template to a pool and the methods it accepts.
type Route struct {
	Pattern string   `yaml:"pattern"`
	Pool    string   `yaml:"pool"`
	Methods []string `yaml:"methods"`
}

// Config is the routing table.
type Config struct {
	Pools  map[string]*PoolConfig `yaml:"pools"`
	Routes []Route                `yaml:"routes"`
}

// DefaultRoutes is the routing table used when no file is given.
func DefaultRoutes() []Route {
	return []Route{
		{Pattern: "/books", Pool: BooksPool, Methods: []string{http.MethodGet, http.MethodPost}},
		{Pattern: "/books/{id}", Pool: BooksPool, Methods: []string{http.MethodGet, http.MethodPut, http.MethodDelete}},
		{Pattern: "/ratings", Pool: BooksPool, Methods: []string{http.MethodGet}},
		{Pattern: "/ratings/{id}", Pool: BooksPool, Methods: []string{http.MethodGet}},
		{Pattern: "/ratings/{id}/values", Pool: BooksPool, Methods: []string{http.MethodPost}},
		{Pattern: "/top", Pool: BooksPool, Methods: []string{http.MethodGet}},
		{Pattern: "/loans", Pool: LoansPool, Methods: []string{http.MethodGet}},
		{Pattern: "/loans/{id}", Pool: LoansPool, Methods: []string{http.MethodGet}},
	}
}

// DefaultConfig builds the default table over the given upstreams.
func DefaultConfig(booksURL string, loans []Member) Config {
	return Config{
		Pools: map[string]*PoolConfig{
			BooksPool: {Members: []Member{{ID: "books-1", URL: booksURL, Weight: 1}}},
			LoansPool: {Members: loans},
		},
		Routes: DefaultRoutes(),
	}
}

// ParseMembers parses "url=weight,url=weight". A missing weight means 1.
// Members are named prefix-1, prefix-2, ... in order.
func ParseMembers(prefix, list string) ([]Member, error) {
	var members []Member
	for i, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m := Member{ID: fmt.Sprintf("%s-%d", prefix, i+1), URL: part, Weight: 1}
		if at := strings.LastIndex(part, "="); at >= 0 {
			w, err := strconv.Atoi(part[at+1:])
			if err != nil {
				return nil, fmt.Errorf("upstream %q: bad weight: %w", part, err)
			}
			m.URL, m.Weight = part[:at], w
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("no upstreams in %q", list)
	}
	return members, nil
}

// LoadConfig reads a YAML routing table from path and validates it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read routing table: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse routing table: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate normalizes method names and member ids, and rejects tables
// that reference unknown pools or carry non-positive weights.
func (c *Config) Validate() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("routing table has no routes")
	}
	for name, p := range c.Pools {
		if p == nil || len(p.Members) == 0 {
			return fmt.Errorf("pool %s: no members", name)
		}
		for i := range p.Members {
			m := &p.Members[i]
			if m.ID == "" {
				m.ID = fmt.Sprintf("%s-%d", name, i+1)
			}
			if m.Weight <= 0 {
				return fmt.Errorf("pool %s member %s: weight must be positive", name, m.ID)
			}
			u, err := url.Parse(m.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("pool %s member %s: invalid url %q", name, m.ID, m.URL)
			}
			m.URL = strings.TrimRight(m.URL, "/")
		}
	}
	for i := range c.Routes {
		r := &c.Routes[i]
		if !strings.HasPrefix(r.Pattern, "/") {
			return fmt.Errorf("route %q: pattern must start with '/'", r.Pattern)
		}
		if _, ok := c.Pools[r.Pool]; !ok {
			return fmt.Errorf("route %s: unknown pool %q", r.Pattern, r.Pool)
		}
		if len(r.Methods) == 0 {
			return fmt.Errorf("route %s: no methods", r.Pattern)
		}
		for j, m := range r.Methods {
			r.Methods[j] = strings.ToUpper(strings.TrimSpace(m))
		}
		slices.Sort(r.Methods)
		r.Methods = slices.Compact(r.Methods)
	}
	return nil
}
