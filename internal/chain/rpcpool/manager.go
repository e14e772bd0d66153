// Package rpcpool maintains a prioritized pool of blockchain RPC endpoints
// with health tracking, automatic failover, and retried execution.
package rpcpool

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// latencyAlpha is the EMA smoothing factor for endpoint latency.
const latencyAlpha = 0.3

// backoffCap bounds the exponential retry backoff.
const backoffCap = 60 * time.Second

// Client is the subset of ethclient.Client the pipeline uses. Narrowing the
// surface keeps the manager testable with fakes.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Dialer opens a Client for an endpoint URL. Overridable in tests.
type Dialer func(ctx context.Context, url string) (Client, error)

func ethDialer(ctx context.Context, url string) (Client, error) {
	return ethclient.DialContext(ctx, url)
}

// EndpointConfig describes one endpoint. Lower Priority is preferred.
type EndpointConfig struct {
	URL      string
	Priority int
}

// Config holds the manager's tunables.
type Config struct {
	Endpoints        []EndpointConfig
	RequestTimeout   time.Duration // per-request deadline, default 30s
	MaxRetries       int           // attempts per Execute call, default 5
	HealthInterval   time.Duration // background probe cadence, default 60s
	FailureThreshold int           // consecutive failures before unhealthy, default 3
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
}

// endpoint is the tracked state for one RPC URL.
type endpoint struct {
	url      string
	priority int

	client              Client
	healthy             bool
	consecutiveFailures int
	avgLatency          time.Duration
	lastChecked         time.Time
}

// EndpointStatus is a read-only snapshot of one endpoint's health.
type EndpointStatus struct {
	URL                 string
	Priority            int
	Healthy             bool
	ConsecutiveFailures int
	AvgLatency          time.Duration
	LastChecked         time.Time
}

// Manager selects the best healthy endpoint for each operation and retries
// failed operations with exponential backoff, re-resolving the endpoint on
// every attempt.
type Manager struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	mu        sync.Mutex
	endpoints []*endpoint
}

// New creates a Manager. It does not dial anything; the first Execute (or
// Connect) establishes connections lazily.
func New(cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()

	eps := make([]*endpoint, 0, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		eps = append(eps, &endpoint{
			url:      ec.URL,
			priority: ec.Priority,
			healthy:  true, // assume healthy until proven otherwise
		})
	}

	return &Manager{
		cfg:       cfg,
		dial:      ethDialer,
		logger:    logger.With(slog.String("component", "rpcpool")),
		endpoints: eps,
	}
}

// SetDialer replaces the dial function. Must be called before first use.
func (m *Manager) SetDialer(d Dialer) {
	m.dial = d
}

// Backoff returns the retry delay for the given attempt: min(2^attempt, cap)
// seconds. Attempt numbering starts at 0.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

// pick returns the best endpoint to try: healthy ones first, then by
// priority, then by observed latency. Unhealthy endpoints remain eligible as
// a last resort so a fully-degraded pool can still recover.
func (m *Manager) pick() *endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.endpoints) == 0 {
		return nil
	}

	sorted := make([]*endpoint, len(m.endpoints))
	copy(sorted, m.endpoints)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].healthy != sorted[j].healthy {
			return sorted[i].healthy
		}
		if sorted[i].priority != sorted[j].priority {
			return sorted[i].priority < sorted[j].priority
		}
		return sorted[i].avgLatency < sorted[j].avgLatency
	})
	return sorted[0]
}

// connect ensures ep has a live client, dialing if needed, and returns a
// snapshot of it. Callers must use the returned Client rather than re-reading
// ep.client, which a concurrent recordFailure may close and nil out.
func (m *Manager) connect(ctx context.Context, ep *endpoint) (Client, error) {
	m.mu.Lock()
	if ep.client != nil {
		c := ep.client
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	c, err := m.dial(dialCtx, ep.url)
	if err != nil {
		m.recordFailure(ep, nil)
		return nil, fmt.Errorf("rpcpool: dial %s: %w", ep.url, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ep.client != nil {
		// Another caller dialed while we did; keep theirs.
		c.Close()
		return ep.client, nil
	}
	ep.client = c
	return c, nil
}

// recordSuccess resets failure tracking and folds the observed latency into
// the endpoint's EMA.
func (m *Manager) recordSuccess(ep *endpoint, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep.consecutiveFailures = 0
	ep.healthy = true
	if ep.avgLatency == 0 {
		ep.avgLatency = latency
	} else {
		ep.avgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(ep.avgLatency))
	}
}

// recordFailure bumps the failure count and marks the endpoint unhealthy once
// the threshold is crossed. failed is the client the caller was using (nil on
// dial failures); the stored client is closed only when it is still that same
// client, so a connection another caller is mid-flight on never gets torn down
// twice.
func (m *Manager) recordFailure(ep *endpoint, failed Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep.consecutiveFailures++
	if ep.consecutiveFailures >= m.cfg.FailureThreshold {
		if ep.healthy {
			m.logger.Warn("endpoint marked unhealthy",
				slog.String("url", ep.url),
				slog.Int("consecutive_failures", ep.consecutiveFailures),
			)
		}
		ep.healthy = false
		if failed != nil && ep.client == failed {
			ep.client.Close()
			ep.client = nil
		}
	}
}

// Execute runs op against the best available endpoint, retrying on failure
// with exponential backoff and endpoint re-resolution. It fails with
// domain.ErrNoHealthyEndpoint wrapped into the last error once all attempts
// are exhausted; callers should treat that as retryable at a longer interval.
func (m *Manager) Execute(ctx context.Context, op func(ctx context.Context, c Client) error) error {
	var lastErr error

	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(attempt - 1)):
			}
		}

		ep := m.pick()
		if ep == nil {
			return domain.ErrNoHealthyEndpoint
		}

		c, err := m.connect(ctx, ep)
		if err != nil {
			lastErr = err
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		start := time.Now()
		err = op(opCtx, c)
		cancel()

		if err != nil {
			lastErr = fmt.Errorf("rpcpool: %s: %w", ep.url, err)
			m.recordFailure(ep, c)
			m.logger.Debug("rpc call failed",
				slog.String("url", ep.url),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.recordSuccess(ep, time.Since(start))
		return nil
	}

	return fmt.Errorf("rpcpool: all %d attempts failed: %w (%w)",
		m.cfg.MaxRetries, domain.ErrNoHealthyEndpoint, lastErr)
}

// BlockNumber returns the current chain head number.
func (m *Manager) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := m.Execute(ctx, func(ctx context.Context, c Client) error {
		var err error
		n, err = c.BlockNumber(ctx)
		return err
	})
	return n, err
}

// HeaderByNumber fetches a block header; pass nil for the latest.
func (m *Manager) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var h *types.Header
	err := m.Execute(ctx, func(ctx context.Context, c Client) error {
		var err error
		h, err = c.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

// FilterLogs fetches logs for the given filter query.
func (m *Manager) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := m.Execute(ctx, func(ctx context.Context, c Client) error {
		var err error
		logs, err = c.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// TransactionReceipt fetches the receipt for a transaction hash.
func (m *Manager) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var r *types.Receipt
	err := m.Execute(ctx, func(ctx context.Context, c Client) error {
		var err error
		r, err = c.TransactionReceipt(ctx, txHash)
		return err
	})
	return r, err
}

// RunHealthChecks probes every endpoint (including unhealthy ones, so they
// can recover) on a fixed interval until the context is cancelled.
func (m *Manager) RunHealthChecks(ctx context.Context) error {
	m.logger.Info("health check loop started",
		slog.Duration("interval", m.cfg.HealthInterval),
		slog.Int("endpoints", len(m.endpoints)),
	)
	defer m.logger.Info("health check loop stopped")

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// probeAll checks each endpoint once with a BlockNumber call.
func (m *Manager) probeAll(ctx context.Context) {
	m.mu.Lock()
	eps := make([]*endpoint, len(m.endpoints))
	copy(eps, m.endpoints)
	m.mu.Unlock()

	for _, ep := range eps {
		c, err := m.connect(ctx, ep)
		if err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		start := time.Now()
		_, err = c.BlockNumber(probeCtx)
		cancel()

		if err != nil {
			m.recordFailure(ep, c)
			continue
		}

		m.mu.Lock()
		wasUnhealthy := !ep.healthy
		m.mu.Unlock()
		if wasUnhealthy {
			m.logger.Info("endpoint recovered", slog.String("url", ep.url))
		}
		m.recordSuccess(ep, time.Since(start))

		m.mu.Lock()
		ep.lastChecked = time.Now()
		m.mu.Unlock()
	}
}

// Status returns a snapshot of every endpoint's health.
func (m *Manager) Status() []EndpointStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EndpointStatus, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, EndpointStatus{
			URL:                 ep.url,
			Priority:            ep.priority,
			Healthy:             ep.healthy,
			ConsecutiveFailures: ep.consecutiveFailures,
			AvgLatency:          ep.avgLatency,
			LastChecked:         ep.lastChecked,
		})
	}
	return out
}

// Close releases all endpoint clients.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ep := range m.endpoints {
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
	}
}
