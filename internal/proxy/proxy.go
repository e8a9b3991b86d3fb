// Package proxy implements the reverse proxy in front of the books and
// loans services. A static routing table maps mux path templates to
// upstream pools and the methods each path accepts. Requests with a
// disallowed method are answered locally; everything else is forwarded
// to a pool member chosen by smooth weighted round-robin.
//
// Request Flow:
//
//	client --> mux route (pattern + methods)
//	              |-- no path match  --> 404
//	              |-- wrong method   --> 405 + Allow
//	              v
//	           pool balancer (skips members the HealthMonitor marked unhealthy)
//	              |-- none eligible  --> 502
//	              v
//	           upstream member --> response copied back verbatim
package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bookshelf/internal/apperr"
	"github.com/dreamware/bookshelf/internal/httputil"
	"github.com/dreamware/bookshelf/internal/logging"
	"github.com/dreamware/bookshelf/internal/metrics"
)

// hopHeaders are connection-scoped and never forwarded (RFC 7230 6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options carries the optional collaborators of a Proxy.
type Options struct {
	Client  *http.Client     // defaults to a client with Timeout
	Timeout time.Duration    // upstream timeout when Client is nil
	Health  *HealthMonitor   // nil treats every member as eligible
	Metrics *metrics.Metrics // nil disables upstream metrics
	Log     *logrus.Entry
}

// allowRule pairs a path-only matcher with the methods routed on that path.
type allowRule struct {
	path    *mux.Route
	methods []string
}

type pool struct {
	name     string
	balancer *Balancer
}

// Proxy forwards matched requests to upstream pools.
type Proxy struct {
	routes  []Route
	allow   []allowRule
	pools   map[string]*pool
	client  *http.Client
	health  *HealthMonitor
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New validates cfg and builds a Proxy over it.
func New(cfg Config, opts Options) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			// upstream redirects go back to the client untouched
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}

	p := &Proxy{
		routes:  cfg.Routes,
		pools:   make(map[string]*pool, len(cfg.Pools)),
		client:  client,
		health:  opts.Health,
		metrics: opts.Metrics,
		log:     log,
	}
	for name, pc := range cfg.Pools {
		p.pools[name] = &pool{name: name, balancer: NewBalancer(pc.Members)}
	}
	return p, nil
}

// Register mounts every table route on r and installs the 404 and 405
// handlers. The Allow header of a 405 covers every route on r at this point,
// so routes added to r afterwards are not listed.
func (p *Proxy) Register(r *mux.Router) {
	for _, rt := range p.routes {
		r.Handle(rt.Pattern, p.forward(p.pools[rt.Pool])).Methods(rt.Methods...)
	}

	scratch := mux.NewRouter()
	p.allow = nil
	_ = r.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tpl, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, err := route.GetMethods()
		if err != nil {
			return nil
		}
		p.allow = append(p.allow, allowRule{path: scratch.NewRoute().Path(tpl), methods: methods})
		return nil
	})

	r.NotFoundHandler = httputil.NotFoundHandler()
	r.MethodNotAllowedHandler = http.HandlerFunc(p.methodNotAllowed)
}

// Members returns every configured upstream, for the health monitor.
func (p *Proxy) Members() []Member {
	var out []Member
	for _, pl := range p.pools {
		out = append(out, pl.balancer.Members()...)
	}
	return out
}

// allowed lists the methods routed for the request path.
func (p *Proxy) allowed(r *http.Request) []string {
	var methods []string
	for _, rule := range p.allow {
		if rule.path.Match(r, &mux.RouteMatch{}) {
			methods = append(methods, rule.methods...)
		}
	}
	slices.Sort(methods)
	return slices.Compact(methods)
}

func (p *Proxy) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	if methods := p.allowed(r); len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	logging.FromContext(r.Context(), p.log).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}).Info("method not allowed")
	httputil.WriteError(w, r, p.log, apperr.MethodNotAllowed(r.Method, r.URL.Path))
}

func (p *Proxy) eligible(id string) bool {
	return p.health == nil || p.health.Eligible(id)
}

func (p *Proxy) observe(pool, member, outcome string) {
	if p.metrics != nil {
		p.metrics.ObserveUpstream(pool, member, outcome)
	}
}

// forward relays the request to the next eligible member of pl and
// copies the response back. No retries: a failed upstream is a 502.
func (p *Proxy) forward(pl *pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context(), p.log).WithField("pool", pl.name)

		member, ok := pl.balancer.Next(p.eligible)
		if !ok {
			p.observe(pl.name, "", "no_member")
			httputil.WriteError(w, r, log, apperr.BadGateway("no healthy upstream in pool "+pl.name, nil))
			return
		}
		log = log.WithField("member", member.ID)

		targetURL := member.URL + r.URL.EscapedPath()
		if r.URL.RawQuery != "" {
			targetURL += "?" + r.URL.RawQuery
		}

		req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
		if err != nil {
			httputil.WriteError(w, r, log, apperr.Internal("failed to create request", err))
			return
		}
		req.ContentLength = r.ContentLength
		copyHeader(req.Header, r.Header)
		removeHopHeaders(req.Header)
		setForwardedHeaders(req, r)

		resp, err := p.client.Do(req)
		if err != nil {
			p.observe(pl.name, member.ID, "error")
			httputil.WriteError(w, r, log, apperr.BadGateway("upstream "+member.ID+" unreachable", err))
			return
		}
		defer resp.Body.Close()
		p.observe(pl.name, member.ID, statusClass(resp.StatusCode))

		removeHopHeaders(resp.Header)
		for k, vv := range resp.Header {
			w.Header()[k] = vv
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, r.Context().Err()) {
			log.WithError(err).Warn("failed to copy upstream response")
		}
	})
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// removeHopHeaders strips hop-by-hop headers, including any named in
// Connection.
func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func setForwardedHeaders(out, in *http.Request) {
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	if id := logging.RequestID(in.Context()); id != "" {
		out.Header.Set(logging.RequestIDHeader, id)
	}
	if in.Host != "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "ok"
	}
}
