package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Member health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// MemberHealth tracks the probe history of one pool member.
type MemberHealth struct {
	LastCheck        time.Time `json:"lastCheck"`
	LastHealthy      time.Time `json:"lastHealthy"`
	MemberID         string    `json:"memberID"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutiveFails"`
}

// HealthMonitor probes every pool member's /health endpoint on a fixed
// interval. A member is taken out of rotation after maxFailures
// consecutive failures and put back on the next success.
// Thread-safe: all methods may be called concurrently.
type HealthMonitor struct {
	members     map[string]*MemberHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, baseURL string) error
	onUnhealthy func(memberID string)
	log         *logrus.Entry
	interval    time.Duration
	maxFailures int
	mu          sync.RWMutex
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

// NewHealthMonitor returns a monitor probing every interval with a 2s
// timeout per probe.
func NewHealthMonitor(interval time.Duration, log *logrus.Entry) *HealthMonitor {
	return &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		members:     make(map[string]*MemberHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		log:         log,
	}
}

// SetOnUnhealthy registers a callback run when a member leaves rotation.
func (h *HealthMonitor) SetOnUnhealthy(callback func(memberID string)) {
	h.mu.Lock()
	h.onUnhealthy = callback
	h.mu.Unlock()
}

// SetCheckFunction overrides the HTTP probe. Used by tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, baseURL string) error) {
	h.checkFunc = checkFunc
}

// Start probes the members returned by provider until ctx is canceled or
// Stop is called. It returns immediately; probing runs in the background.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []Member) {
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.log.WithField("interval", h.interval.String()).Info("health monitor started")
		h.checkAll(ctx, provider())
		for {
			select {
			case <-ticker.C:
				h.checkAll(ctx, provider())
			case <-ctx.Done():
				h.log.Info("health monitor stopped")
				return
			}
		}
	}()
}

// Stop cancels probing and waits for the loop to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// checkAll probes every member and forgets members no longer configured.
func (h *HealthMonitor) checkAll(ctx context.Context, members []Member) {
	current := make(map[string]bool, len(members))
	for _, m := range members {
		current[m.ID] = true
		h.check(ctx, m)
	}

	h.mu.Lock()
	for id := range h.members {
		if !current[id] {
			delete(h.members, id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(ctx context.Context, m Member) {
	h.mu.Lock()
	health, ok := h.members[m.ID]
	if !ok {
		health = &MemberHealth{MemberID: m.ID, Status: StatusUnknown}
		h.members[m.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(ctx, m.URL)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.log.WithField("member", m.ID).Info("upstream recovered")
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.log.WithError(err).WithFields(logrus.Fields{
		"member":  m.ID,
		"attempt": health.ConsecutiveFails,
	}).Warn("upstream health check failed")

	if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
		health.Status = StatusUnhealthy
		h.log.WithField("member", m.ID).Error("upstream removed from rotation")
		if h.onUnhealthy != nil {
			go h.onUnhealthy(m.ID)
		}
	}
}

// defaultHealthCheck GETs baseURL/health and expects 200.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, baseURL string) error {
	url := baseURL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Eligible reports whether a member may receive traffic. Members that
// have not been probed yet are eligible.
func (h *HealthMonitor) Eligible(memberID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.members[memberID]
	return !ok || health.Status != StatusUnhealthy
}

// Snapshot returns a copy of every tracked member's health.
func (h *HealthMonitor) Snapshot() map[string]MemberHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]MemberHealth, len(h.members))
	for id, health := range h.members {
		out[id] = *health
	}
	return out
}
