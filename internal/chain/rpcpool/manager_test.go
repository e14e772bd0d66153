package rpcpool

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/copybot/internal/domain"
)

type fakeClient struct {
	blockNumber uint64
	err         error
	calls       int
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.calls++
	return f.blockNumber, f.err
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return nil, f.err
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, f.err
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, f.err
}

func (f *fakeClient) Close() {}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
		{-1, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExecutePrefersPriority(t *testing.T) {
	clients := map[string]*fakeClient{
		"primary":   {blockNumber: 100},
		"secondary": {blockNumber: 100},
	}

	m := New(Config{
		Endpoints: []EndpointConfig{
			{URL: "secondary", Priority: 2},
			{URL: "primary", Priority: 1},
		},
	}, testLogger())
	m.SetDialer(func(ctx context.Context, url string) (Client, error) {
		return clients[url], nil
	})

	n, err := m.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 100 {
		t.Errorf("BlockNumber = %d, want 100", n)
	}
	if clients["primary"].calls != 1 {
		t.Errorf("primary calls = %d, want 1", clients["primary"].calls)
	}
	if clients["secondary"].calls != 0 {
		t.Errorf("secondary calls = %d, want 0", clients["secondary"].calls)
	}
}

func TestExecuteFailsOverAfterThreshold(t *testing.T) {
	clients := map[string]*fakeClient{
		"bad":  {err: errors.New("connection refused")},
		"good": {blockNumber: 42},
	}

	m := New(Config{
		Endpoints: []EndpointConfig{
			{URL: "bad", Priority: 1},
			{URL: "good", Priority: 2},
		},
		MaxRetries:       5,
		FailureThreshold: 3,
	}, testLogger())
	m.SetDialer(func(ctx context.Context, url string) (Client, error) {
		return clients[url], nil
	})

	// Trip the bad endpoint past the failure threshold so pick() moves on.
	for _, ep := range m.endpoints {
		if ep.url == "bad" {
			ep.consecutiveFailures = 3
			ep.healthy = false
		}
	}

	n, err := m.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 42 {
		t.Errorf("BlockNumber = %d, want 42", n)
	}
	if clients["bad"].calls != 0 {
		t.Errorf("bad endpoint called %d times after being marked unhealthy", clients["bad"].calls)
	}
}

func TestExecuteMarksUnhealthyAfterConsecutiveFailures(t *testing.T) {
	bad := &fakeClient{err: errors.New("timeout")}

	m := New(Config{
		Endpoints:        []EndpointConfig{{URL: "only", Priority: 1}},
		MaxRetries:       1,
		FailureThreshold: 3,
	}, testLogger())
	m.SetDialer(func(ctx context.Context, url string) (Client, error) {
		return bad, nil
	})

	for i := 0; i < 3; i++ {
		if _, err := m.BlockNumber(context.Background()); err == nil {
			t.Fatal("expected error from failing endpoint")
		}
	}

	st := m.Status()
	if len(st) != 1 {
		t.Fatalf("Status returned %d endpoints, want 1", len(st))
	}
	if st[0].Healthy {
		t.Error("endpoint still healthy after 3 consecutive failures")
	}
	if st[0].ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", st[0].ConsecutiveFailures)
	}
}

func TestExecuteAllAttemptsExhausted(t *testing.T) {
	m := New(Config{
		Endpoints:  []EndpointConfig{{URL: "dead", Priority: 1}},
		MaxRetries: 1,
	}, testLogger())
	m.SetDialer(func(ctx context.Context, url string) (Client, error) {
		return &fakeClient{err: errors.New("boom")}, nil
	})

	_, err := m.BlockNumber(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrNoHealthyEndpoint) {
		t.Errorf("error = %v, want ErrNoHealthyEndpoint in chain", err)
	}
}

func TestLatencyEMA(t *testing.T) {
	m := New(Config{Endpoints: []EndpointConfig{{URL: "a"}}}, testLogger())
	ep := m.endpoints[0]

	m.recordSuccess(ep, 100*time.Millisecond)
	if ep.avgLatency != 100*time.Millisecond {
		t.Fatalf("first sample avgLatency = %v, want 100ms", ep.avgLatency)
	}

	m.recordSuccess(ep, 200*time.Millisecond)
	// 0.3*200 + 0.7*100 = 130ms
	want := 130 * time.Millisecond
	if diff := ep.avgLatency - want; diff < -time.Millisecond || diff > time.Millisecond {
		t.Errorf("avgLatency = %v, want ~%v", ep.avgLatency, want)
	}
}

// strictClient fails every call and counts any call made after Close, so
// concurrent tests can assert the manager never hands out a torn-down client.
type strictClient struct {
	closed         atomic.Bool
	usedAfterClose atomic.Int64
}

func (s *strictClient) BlockNumber(ctx context.Context) (uint64, error) {
	if s.closed.Load() {
		s.usedAfterClose.Add(1)
	}
	return 0, errors.New("always down")
}

func (s *strictClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return nil, errors.New("always down")
}

func (s *strictClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, errors.New("always down")
}

func (s *strictClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, errors.New("always down")
}

func (s *strictClient) Close() { s.closed.Store(true) }

func TestConcurrentExecuteNeverUsesClosedClient(t *testing.T) {
	var (
		mu      sync.Mutex
		clients []*strictClient
	)

	m := New(Config{
		Endpoints:        []EndpointConfig{{URL: "flaky", Priority: 1}},
		MaxRetries:       1,
		FailureThreshold: 1, // every failure closes and redials
	}, testLogger())
	m.SetDialer(func(ctx context.Context, url string) (Client, error) {
		c := &strictClient{}
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
		return c, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := m.BlockNumber(context.Background()); err == nil {
					t.Error("expected error from failing endpoint")
					return
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, c := range clients {
		if n := c.usedAfterClose.Load(); n != 0 {
			t.Fatalf("client used %d times after Close", n)
		}
	}
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	m := New(Config{Endpoints: []EndpointConfig{{URL: "a"}}}, testLogger())
	ep := m.endpoints[0]
	ep.consecutiveFailures = 2
	ep.healthy = false

	m.recordSuccess(ep, time.Millisecond)

	if ep.consecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", ep.consecutiveFailures)
	}
	if !ep.healthy {
		t.Error("endpoint not healthy after success")
	}
}
