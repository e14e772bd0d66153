package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/platform/exchange"
)

type fakeOpenRecords struct {
	domain.TradeRecordStore
	recs []domain.TradeRecord
}

func (f *fakeOpenRecords) ListByStatus(ctx context.Context, statuses []domain.TradeRecordStatus, limit int) ([]domain.TradeRecord, error) {
	return f.recs, nil
}

type fakeFeed struct {
	handler    func(domain.MarketPrices)
	subscribes [][]string
	subErr     error
}

func (f *fakeFeed) Connect(ctx context.Context) error { return nil }
func (f *fakeFeed) Subscribe(ctx context.Context, marketIDs []string) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.subscribes = append(f.subscribes, marketIDs)
	return nil
}
func (f *fakeFeed) OnPrice(h exchange.PriceHandler) { f.handler = h }
func (f *fakeFeed) Close() error                    { return nil }

type fakeBus struct {
	domain.SignalBus
	published []domain.MarketPrices
}

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	var p domain.MarketPrices
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	f.published = append(f.published, p)
	return nil
}

func TestRefreshSubscribesNewMarketsOnce(t *testing.T) {
	records := &fakeOpenRecords{recs: []domain.TradeRecord{
		{ID: 1, MarketID: "mkt-b", Status: domain.TradeStatusOpen},
		{ID: 2, MarketID: "mkt-a", Status: domain.TradeStatusConfirmed},
		{ID: 3, MarketID: "mkt-b", Status: domain.TradeStatusOpen},
	}}
	feed := &fakeFeed{}
	m := NewPriceMonitor(Config{}, records, feed, &fakeBus{}, slog.New(slog.DiscardHandler))

	if err := m.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	want := [][]string{{"mkt-a", "mkt-b"}}
	if !reflect.DeepEqual(feed.subscribes, want) {
		t.Errorf("subscribes = %v, want %v", feed.subscribes, want)
	}

	// Second refresh with the same positions subscribes nothing new.
	if err := m.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(feed.subscribes) != 1 {
		t.Errorf("re-subscribed already-watched markets: %v", feed.subscribes)
	}

	// A new position picks up only the new market.
	records.recs = append(records.recs, domain.TradeRecord{ID: 4, MarketID: "mkt-c", Status: domain.TradeStatusOpen})
	if err := m.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := feed.subscribes[len(feed.subscribes)-1]; !reflect.DeepEqual(got, []string{"mkt-c"}) {
		t.Errorf("incremental subscribe = %v, want [mkt-c]", got)
	}
}

func TestRefreshRollsBackOnSubscribeError(t *testing.T) {
	records := &fakeOpenRecords{recs: []domain.TradeRecord{
		{ID: 1, MarketID: "mkt-a", Status: domain.TradeStatusOpen},
	}}
	feed := &fakeFeed{subErr: context.DeadlineExceeded}
	m := NewPriceMonitor(Config{}, records, feed, &fakeBus{}, slog.New(slog.DiscardHandler))

	if err := m.refresh(context.Background()); err == nil {
		t.Fatal("expected subscribe error")
	}

	// The failed market must be retried on the next pass.
	feed.subErr = nil
	if err := m.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(feed.subscribes) != 1 || feed.subscribes[0][0] != "mkt-a" {
		t.Errorf("subscribes = %v, want retry of mkt-a", feed.subscribes)
	}
}

func TestQuoteUpdatesReachTheBus(t *testing.T) {
	bus := &fakeBus{}
	feed := &fakeFeed{}
	m := NewPriceMonitor(Config{}, &fakeOpenRecords{}, feed, bus, slog.New(slog.DiscardHandler))

	m.publish(context.Background(), domain.MarketPrices{
		MarketID: "mkt-a", Yes: 0.62, No: 0.38, AsOf: time.Unix(1700000000, 0).UTC(),
	})

	if len(bus.published) != 1 {
		t.Fatalf("published %d updates, want 1", len(bus.published))
	}
	if got := bus.published[0]; got.MarketID != "mkt-a" || got.Yes != 0.62 {
		t.Errorf("published = %+v", got)
	}
}
