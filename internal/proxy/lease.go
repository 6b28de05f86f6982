// Package proxy leases a single short-lived upstream proxy address from an
// external provider and shares it across callers.
//
// All lease state is guarded by one mutex, so at most one provider request
// is in flight per process. Callers that find the lease valid never touch the
// network. A run of failed refresh calls trips a one-way breaker after which
// the manager reports no proxy until the process restarts.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/roundcrawler/internal/clock"
	"github.com/JakeFAU/roundcrawler/internal/metrics"
)

var (
	// ErrDisabled is returned once the manager is disabled by config or breaker.
	ErrDisabled = errors.New("proxy lease manager disabled")
	// ErrRefreshFailed wraps the last attempt's error when every attempt failed.
	ErrRefreshFailed = errors.New("proxy refresh failed")
)

// DefaultProviderURL is the provider endpoint used when none is configured.
const DefaultProviderURL = "http://share.proxy.qg.net/get"

// Config describes the provider and the lease discipline.
type Config struct {
	Enabled     bool
	ProviderURL string
	Key         string
	// ExtraParams are added to every provider request.
	ExtraParams           map[string]string
	IPLifetime            time.Duration
	RefreshBuffer         time.Duration
	MaxRetries            int
	RetryDelay            time.Duration
	RequestTimeout        time.Duration
	FallbackAfterFailures int
}

func (c Config) withDefaults() Config {
	if c.ProviderURL == "" {
		c.ProviderURL = DefaultProviderURL
	}
	if c.IPLifetime <= 0 {
		c.IPLifetime = 60 * time.Second
	}
	if c.RefreshBuffer < 0 {
		c.RefreshBuffer = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.FallbackAfterFailures <= 0 {
		c.FallbackAfterFailures = 3
	}
	return c
}

// Lease is a point-in-time view of the manager's state.
type Lease struct {
	Upstream                 string    `json:"upstream_proxy,omitempty"`
	ExitIP                   string    `json:"exit_ip,omitempty"`
	ProviderDeadline         string    `json:"provider_deadline,omitempty"`
	ExpiresAt                time.Time `json:"expiry_time"`
	Valid                    bool      `json:"valid"`
	Enabled                  bool      `json:"enabled"`
	ConsecutiveFailureRounds int       `json:"consecutive_failure_rounds"`
}

// Option customizes a LeaseManager.
type Option func(*LeaseManager)

// WithHTTPClient overrides the provider HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *LeaseManager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(m *LeaseManager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *LeaseManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSleep overrides how the manager waits between attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(m *LeaseManager) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

// LeaseManager owns the process-wide proxy lease.
type LeaseManager struct {
	cfg    Config
	client *http.Client
	clock  clock.Clock
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error

	// enabled is read without the mutex on the fast path and only ever
	// transitions true -> false.
	enabled atomic.Bool

	mu       sync.Mutex
	current  endpoint
	expiry   time.Time
	failures int
}

// NewLeaseManager builds a manager from cfg. A manager enabled without a key
// starts disabled.
func NewLeaseManager(cfg Config, opts ...Option) *LeaseManager {
	m := &LeaseManager{
		cfg:    cfg.withDefaults(),
		client: &http.Client{},
		clock:  systemClock{},
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	switch {
	case !m.cfg.Enabled:
		m.logger.Info("proxy lease manager disabled by config")
	case m.cfg.Key == "":
		m.logger.Warn("proxy lease manager enabled without a key; running disabled")
	default:
		m.enabled.Store(true)
		m.logger.Info("proxy lease manager enabled",
			zap.String("provider", m.cfg.ProviderURL),
			zap.String("key", maskKey(m.cfg.Key)),
			zap.Duration("ip_lifetime", m.cfg.IPLifetime),
			zap.Duration("refresh_buffer", m.cfg.RefreshBuffer),
		)
	}
	return m
}

// Enabled reports whether the manager may still hand out proxies.
func (m *LeaseManager) Enabled() bool {
	return m.enabled.Load()
}

// CurrentProxy returns the leased upstream address, refreshing it first when
// it is absent or inside the refresh buffer. It reports false when the
// manager is disabled or the refresh failed; callers then connect directly.
func (m *LeaseManager) CurrentProxy(ctx context.Context) (string, bool) {
	if !m.enabled.Load() {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled.Load() {
		return "", false
	}
	if m.validLocked(m.clock.Now()) {
		return m.current.upstream(), true
	}
	if err := m.refreshLocked(ctx); err != nil {
		m.logger.Warn("proxy unavailable, falling back to direct connection", zap.Error(err))
		return "", false
	}
	return m.current.upstream(), true
}

// Refresh forces a new lease from the provider.
func (m *LeaseManager) Refresh(ctx context.Context) error {
	if !m.enabled.Load() {
		return ErrDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled.Load() {
		return ErrDisabled
	}
	return m.refreshLocked(ctx)
}

// Snapshot returns the current lease state without refreshing.
func (m *LeaseManager) Snapshot() Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Lease{
		Upstream:                 m.current.upstream(),
		ExitIP:                   m.current.exitIP,
		ProviderDeadline:         m.current.deadline,
		ExpiresAt:                m.expiry,
		Valid:                    m.enabled.Load() && m.validLocked(m.clock.Now()),
		Enabled:                  m.enabled.Load(),
		ConsecutiveFailureRounds: m.failures,
	}
}

func (m *LeaseManager) validLocked(now time.Time) bool {
	if m.current.server == "" {
		return false
	}
	return now.Before(m.expiry.Add(-m.cfg.RefreshBuffer))
}

// refreshLocked runs one refresh call. The caller holds m.mu.
func (m *LeaseManager) refreshLocked(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		ep, err := m.fetch(ctx)
		if err == nil {
			now := m.clock.Now()
			m.current = ep
			m.expiry = now.Add(m.cfg.IPLifetime)
			m.failures = 0
			metrics.ObserveProxyRefresh("success")
			m.logger.Info("proxy lease refreshed",
				zap.String("upstream", ep.upstream()),
				zap.String("exit_ip", ep.exitIP),
				zap.String("provider_deadline", ep.deadline),
				zap.Time("expires_at", m.expiry),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		m.logger.Warn("proxy provider attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", m.cfg.MaxRetries),
			zap.String("key", maskKey(m.cfg.Key)),
			zap.Error(err),
		)
		if attempt < m.cfg.MaxRetries {
			if err := m.sleep(ctx, m.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}

	// A caller that gave up says nothing about the provider.
	if ctx.Err() != nil {
		metrics.ObserveProxyRefresh("canceled")
		return fmt.Errorf("proxy refresh canceled: %w", ctx.Err())
	}

	m.current = endpoint{}
	m.expiry = time.Time{}
	m.failures++
	metrics.ObserveProxyRefresh("failure")
	if m.failures >= m.cfg.FallbackAfterFailures {
		m.enabled.Store(false)
		metrics.SetProxyBreakerOpen(true)
		m.logger.Error("proxy breaker tripped; disabled until restart",
			zap.Int("consecutive_failure_rounds", m.failures),
		)
	}
	return fmt.Errorf("%w: %w", ErrRefreshFailed, lastErr)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:2] + "****" + key[len(key)-2:]
}
