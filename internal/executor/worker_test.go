package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/executor/smart"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type fakeRecords struct {
	byID     map[int64]domain.TradeRecord
	byTxUser map[string]domain.TradeRecord
	nextID   int64

	created []domain.TradeRecord
	closed  []closeCall
	reduced []reduceCall
}

type closeCall struct {
	id          int64
	exitPrice   float64
	exitValue   float64
	realizedPnL float64
}

type reduceCall struct {
	id            int64
	newQuantity   float64
	newEntryValue float64
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		byID:     make(map[int64]domain.TradeRecord),
		byTxUser: make(map[string]domain.TradeRecord),
		nextID:   100,
	}
}

func (f *fakeRecords) Create(ctx context.Context, rec domain.TradeRecord) (int64, error) {
	f.nextID++
	rec.ID = f.nextID
	f.byID[rec.ID] = rec
	f.created = append(f.created, rec)
	return rec.ID, nil
}

func (f *fakeRecords) GetByID(ctx context.Context, id int64) (domain.TradeRecord, error) {
	rec, ok := f.byID[id]
	if !ok {
		return domain.TradeRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecords) FindByOriginalTxAndUser(ctx context.Context, txHash, userID string) (domain.TradeRecord, error) {
	rec, ok := f.byTxUser[txHash+"|"+userID]
	if !ok {
		return domain.TradeRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecords) UpdateStatus(ctx context.Context, id int64, from, to domain.TradeRecordStatus) error {
	return nil
}

func (f *fakeRecords) CloseLot(ctx context.Context, id int64, exitPrice, exitValueUSD, realizedPnL float64, closedAt time.Time) error {
	f.closed = append(f.closed, closeCall{id: id, exitPrice: exitPrice, exitValue: exitValueUSD, realizedPnL: realizedPnL})
	return nil
}

func (f *fakeRecords) ReduceQuantity(ctx context.Context, id int64, newQuantity, newEntryValueUSD float64) error {
	f.reduced = append(f.reduced, reduceCall{id: id, newQuantity: newQuantity, newEntryValue: newEntryValueUSD})
	return nil
}

func (f *fakeRecords) MarkConfirmed(ctx context.Context, id int64, block uint64, priceDiscrepancy bool) error {
	return nil
}
func (f *fakeRecords) IncrementRetry(ctx context.Context, id int64) (int, error) { return 0, nil }
func (f *fakeRecords) ListByStatus(ctx context.Context, statuses []domain.TradeRecordStatus, limit int) ([]domain.TradeRecord, error) {
	return nil, nil
}
func (f *fakeRecords) FindOpenPositions(ctx context.Context, trader, marketID string, outcome domain.Outcome) ([]domain.TradeRecord, error) {
	return nil, nil
}
func (f *fakeRecords) RealizedPnLSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	return 0, nil
}
func (f *fakeRecords) ConfirmationStats(ctx context.Context, from, to time.Time) (int64, int64, float64, error) {
	return 0, 0, 0, nil
}

type fakeRels struct {
	paused map[string]string // userID -> reason
}

func (f *fakeRels) FindActiveByTrader(ctx context.Context, trader string) ([]domain.Relationship, error) {
	return nil, nil
}
func (f *fakeRels) GetByID(ctx context.Context, id int64) (domain.Relationship, error) {
	return domain.Relationship{}, domain.ErrNotFound
}
func (f *fakeRels) Pause(ctx context.Context, id int64, reason string) error { return nil }
func (f *fakeRels) PauseAllForUser(ctx context.Context, userID, reason string) error {
	if f.paused == nil {
		f.paused = make(map[string]string)
	}
	f.paused[userID] = reason
	return nil
}
func (f *fakeRels) ActiveUserIDs(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeRels) VolumeUsedSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	return 0, nil
}

type fakeCreds struct {
	err error
}

func (f *fakeCreds) Credentials(ctx context.Context, userID string) (domain.Credentials, error) {
	if f.err != nil {
		return domain.Credentials{}, f.err
	}
	return domain.Credentials{APIKey: "k", APISecret: "s"}, nil
}

type fakeRiskState struct {
	breaker  domain.CircuitBreakerState
	outcomes []bool
}

func (f *fakeRiskState) TripBreaker(ctx context.Context, reason domain.CircuitBreakerReason, by string) error {
	return nil
}
func (f *fakeRiskState) ResetBreaker(ctx context.Context) error { return nil }
func (f *fakeRiskState) Breaker(ctx context.Context) (domain.CircuitBreakerState, error) {
	return f.breaker, nil
}
func (f *fakeRiskState) StartCooling(ctx context.Context, userID string, d time.Duration, reason string) error {
	return nil
}
func (f *fakeRiskState) CoolingActive(ctx context.Context, userID string) (bool, error) {
	return false, nil
}
func (f *fakeRiskState) PauseTrader(ctx context.Context, trader, reason string) error { return nil }
func (f *fakeRiskState) ResumeTrader(ctx context.Context, trader string) error        { return nil }
func (f *fakeRiskState) TraderPaused(ctx context.Context, trader string) (bool, error) {
	return false, nil
}
func (f *fakeRiskState) PausedTraders(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeRiskState) RecordOutcome(ctx context.Context, success bool) error {
	f.outcomes = append(f.outcomes, success)
	return nil
}
func (f *fakeRiskState) OutcomeCounts(ctx context.Context, window time.Duration) (int64, int64, error) {
	return 0, 0, nil
}

// fakeExchange scripts the handful of calls the worker path exercises.
// Unscripted methods panic via the embedded nil interface.
type fakeExchange struct {
	domain.ExchangeClient

	prices   domain.MarketPrices
	pricesEr error
	book     domain.OrderBook
	placeEr  error

	buys  []placedOrder
	sells []placedOrder
}

type placedOrder struct {
	marketID string
	outcome  domain.Outcome
	quantity float64
	price    float64
}

func (f *fakeExchange) GetMarketPrices(ctx context.Context, marketID string) (domain.MarketPrices, error) {
	if f.pricesEr != nil {
		return domain.MarketPrices{}, f.pricesEr
	}
	return f.prices, nil
}

func (f *fakeExchange) GetOrderBook(ctx context.Context, marketID string, outcome domain.Outcome) (domain.OrderBook, error) {
	return f.book, nil
}

func (f *fakeExchange) PlaceBuyOrder(ctx context.Context, marketID string, outcome domain.Outcome, quantity, price float64) (domain.OrderTicket, error) {
	if f.placeEr != nil {
		return domain.OrderTicket{}, f.placeEr
	}
	f.buys = append(f.buys, placedOrder{marketID: marketID, outcome: outcome, quantity: quantity, price: price})
	return domain.OrderTicket{
		OrderID:        "ord-1",
		Status:         domain.ExecStatusFilled,
		FilledQuantity: quantity,
		AvgFillPrice:   f.book.BestAsk(),
	}, nil
}

func (f *fakeExchange) PlaceSellOrder(ctx context.Context, marketID string, outcome domain.Outcome, quantity, price float64) (domain.OrderTicket, error) {
	if f.placeEr != nil {
		return domain.OrderTicket{}, f.placeEr
	}
	f.sells = append(f.sells, placedOrder{marketID: marketID, outcome: outcome, quantity: quantity, price: price})
	return domain.OrderTicket{
		OrderID:        "ord-2",
		Status:         domain.ExecStatusFilled,
		FilledQuantity: quantity,
		AvgFillPrice:   f.book.BestBid(),
	}, nil
}

type fakeFactory struct {
	client domain.ExchangeClient
}

func (f *fakeFactory) ClientFor(creds domain.Credentials) domain.ExchangeClient { return f.client }

// --------------------------------------------------------------------------
// Harness
// --------------------------------------------------------------------------

type workerFixture struct {
	worker   *Worker
	records  *fakeRecords
	rels     *fakeRels
	risk     *fakeRiskState
	exchange *fakeExchange
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	f := &workerFixture{
		records: newFakeRecords(),
		rels:    &fakeRels{},
		risk:    &fakeRiskState{},
		exchange: &fakeExchange{
			prices: domain.MarketPrices{MarketID: "mkt-1", Yes: 0.50, No: 0.50},
			book: domain.OrderBook{
				MarketID: "mkt-1",
				Outcome:  domain.OutcomeYes,
				Bids:     []domain.BookLevel{{Price: 0.78, Size: 5000}},
				Asks:     []domain.BookLevel{{Price: 0.50, Size: 5000}},
			},
		},
	}
	f.worker = NewWorker(
		Config{},
		nil, // queue unused by process methods
		f.records,
		f.rels,
		&fakeCreds{},
		&fakeFactory{client: f.exchange},
		f.risk,
		smart.New(smart.Config{}, logger),
		logger,
	)
	return f
}

func openItem(t *testing.T, sig domain.CopyTradeSignal) *domain.QueueItem {
	t.Helper()
	raw, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal signal: %v", err)
	}
	return &domain.QueueItem{
		ID:       "item-" + sig.SignalID,
		Channel:  domain.ChannelSignals,
		Envelope: domain.QueueEnvelope{Payload: raw, MaxRetries: 3},
	}
}

func closeItem(t *testing.T, sig domain.CloseSignal) *domain.QueueItem {
	t.Helper()
	raw, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal close signal: %v", err)
	}
	return &domain.QueueItem{
		ID:       "item-" + sig.SignalID,
		Channel:  domain.ChannelCloseSignals,
		Envelope: domain.QueueEnvelope{Payload: raw, MaxRetries: 3},
	}
}

func baseOpenSignal() domain.CopyTradeSignal {
	return domain.CopyTradeSignal{
		SignalID:       "sig-1",
		UserID:         "u1",
		TraderAddress:  "0xabc",
		OriginalTxHash: "0xtx1",
		MarketID:       "mkt-1",
		Side:           domain.TradeSideBuy,
		Outcome:        domain.OutcomeYes,
		CopyAmountUSD:  50,
		Priority:       domain.PriorityHigh,
	}
}

// --------------------------------------------------------------------------
// Open signal tests
// --------------------------------------------------------------------------

func TestProcessOpenExecutesAndRecords(t *testing.T) {
	f := newWorkerFixture(t)

	res, err := f.worker.processOpen(context.Background(), openItem(t, baseOpenSignal()))
	if err != nil {
		t.Fatalf("processOpen: %v", err)
	}
	if res != outcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res)
	}

	if len(f.exchange.buys) != 1 {
		t.Fatalf("placed %d buy orders, want 1", len(f.exchange.buys))
	}
	// $50 at price 0.50 is 100 tokens; limit carries the slippage allowance.
	buy := f.exchange.buys[0]
	if buy.quantity != 100 {
		t.Errorf("order quantity = %v, want 100", buy.quantity)
	}
	if math.Abs(buy.price-0.51) > 1e-9 {
		t.Errorf("limit price = %v, want 0.51", buy.price)
	}

	if len(f.records.created) != 1 {
		t.Fatalf("created %d records, want 1", len(f.records.created))
	}
	rec := f.records.created[0]
	if rec.Status != domain.TradeStatusOpen {
		t.Errorf("record status = %q, want open", rec.Status)
	}
	if rec.Quantity != 100 || rec.EntryPrice != 0.50 {
		t.Errorf("record qty/price = %v/%v, want 100/0.50", rec.Quantity, rec.EntryPrice)
	}
	if rec.EntryValueUSD != 50 {
		t.Errorf("entry value = %v, want 50", rec.EntryValueUSD)
	}
	if rec.OriginalTxHash != "0xtx1" || rec.UserID != "u1" {
		t.Errorf("record identity = %q/%q", rec.OriginalTxHash, rec.UserID)
	}

	if len(f.risk.outcomes) != 1 || !f.risk.outcomes[0] {
		t.Errorf("outcomes = %v, want one success", f.risk.outcomes)
	}
}

func TestProcessOpenBreakerRequeues(t *testing.T) {
	f := newWorkerFixture(t)
	f.risk.breaker = domain.CircuitBreakerState{Active: true, Reason: domain.BreakerHighFailureRate}

	res, err := f.worker.processOpen(context.Background(), openItem(t, baseOpenSignal()))
	if err != nil {
		t.Fatalf("processOpen: %v", err)
	}
	if res != outcomeRequeue {
		t.Fatalf("outcome = %v, want requeue", res)
	}
	if len(f.exchange.buys) != 0 {
		t.Errorf("orders placed under active breaker")
	}
	if len(f.records.created) != 0 {
		t.Errorf("record created under active breaker")
	}
}

func TestProcessOpenSkipsAlreadyExecuted(t *testing.T) {
	f := newWorkerFixture(t)
	f.records.byTxUser["0xtx1|u1"] = domain.TradeRecord{ID: 7, Status: domain.TradeStatusOpen}

	res, err := f.worker.processOpen(context.Background(), openItem(t, baseOpenSignal()))
	if err != nil {
		t.Fatalf("processOpen: %v", err)
	}
	if res != outcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res)
	}
	if len(f.exchange.buys) != 0 {
		t.Errorf("redelivered signal placed an order")
	}
}

func TestProcessOpenDeduplicatesRedelivery(t *testing.T) {
	f := newWorkerFixture(t)
	sig := baseOpenSignal()

	if _, err := f.worker.processOpen(context.Background(), openItem(t, sig)); err != nil {
		t.Fatalf("first processOpen: %v", err)
	}
	res, err := f.worker.processOpen(context.Background(), openItem(t, sig))
	if err != nil {
		t.Fatalf("second processOpen: %v", err)
	}
	if res != outcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res)
	}
	if len(f.exchange.buys) != 1 {
		t.Errorf("placed %d buy orders across redelivery, want 1", len(f.exchange.buys))
	}
}

func TestProcessOpenRespectsMaxPrice(t *testing.T) {
	f := newWorkerFixture(t)
	f.exchange.prices = domain.MarketPrices{MarketID: "mkt-1", Yes: 0.70, No: 0.30}

	sig := baseOpenSignal()
	ceiling := 0.60
	sig.MaxPrice = &ceiling

	res, err := f.worker.processOpen(context.Background(), openItem(t, sig))
	if err != nil {
		t.Fatalf("processOpen: %v", err)
	}
	if res != outcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res)
	}
	if len(f.exchange.buys) != 0 {
		t.Errorf("order placed above price ceiling")
	}
}

func TestProcessOpenInsufficientFundsPausesUser(t *testing.T) {
	f := newWorkerFixture(t)
	f.exchange.placeEr = &domain.CategorizedError{
		Category: domain.ExecErrInsufficientFunds,
		Err:      domain.ErrNotFound, // any underlying error
	}

	res, err := f.worker.processOpen(context.Background(), openItem(t, baseOpenSignal()))
	if err == nil {
		t.Fatal("expected error")
	}
	if res != outcomeDead {
		t.Fatalf("outcome = %v, want dead-letter", res)
	}
	if reason, ok := f.rels.paused["u1"]; !ok || reason != "insufficient funds" {
		t.Errorf("user not paused for insufficient funds, paused = %v", f.rels.paused)
	}
}

func TestProcessOpenMarketClosedIsSilentSkip(t *testing.T) {
	f := newWorkerFixture(t)
	f.exchange.pricesEr = &domain.CategorizedError{
		Category: domain.ExecErrMarketClosed,
		Err:      domain.ErrNotFound,
	}

	res, err := f.worker.processOpen(context.Background(), openItem(t, baseOpenSignal()))
	if err != nil {
		t.Fatalf("processOpen: %v", err)
	}
	if res != outcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res)
	}
	if len(f.records.created) != 0 {
		t.Errorf("record created for closed market")
	}
	if len(f.risk.outcomes) != 0 {
		t.Errorf("closed market counted against failure rate")
	}
}

func TestProcessOpenNetworkErrorRetries(t *testing.T) {
	f := newWorkerFixture(t)
	f.exchange.placeEr = &domain.CategorizedError{
		Category: domain.ExecErrNetwork,
		Err:      domain.ErrNotFound,
	}

	res, err := f.worker.processOpen(context.Background(), openItem(t, baseOpenSignal()))
	if err == nil {
		t.Fatal("expected error")
	}
	if res != outcomeRetry {
		t.Fatalf("outcome = %v, want retry", res)
	}
}

func TestProcessOpenRejectionFeedsFailureWindow(t *testing.T) {
	f := newWorkerFixture(t)
	f.exchange.placeEr = &domain.CategorizedError{
		Category: domain.ExecErrOrderRejected,
		Err:      domain.ErrNotFound,
	}

	res, err := f.worker.processOpen(context.Background(), openItem(t, baseOpenSignal()))
	if err == nil {
		t.Fatal("expected error")
	}
	if res != outcomeDead {
		t.Fatalf("outcome = %v, want dead-letter", res)
	}
	if len(f.risk.outcomes) != 1 || f.risk.outcomes[0] {
		t.Errorf("outcomes = %v, want one failure", f.risk.outcomes)
	}
}

// --------------------------------------------------------------------------
// Consumer pool
// --------------------------------------------------------------------------

// countingQueue parks every Consume call until the context is cancelled and
// records how many callers were parked at once.
type countingQueue struct {
	domain.Queue

	want    int64
	active  atomic.Int64
	once    sync.Once
	reached chan struct{}
}

func (q *countingQueue) Consume(ctx context.Context, channel string, timeout time.Duration) (*domain.QueueItem, error) {
	if q.active.Add(1) >= q.want {
		q.once.Do(func() { close(q.reached) })
	}
	<-ctx.Done()
	q.active.Add(-1)
	return nil, ctx.Err()
}

func TestRunOpensSpawnsConfiguredConsumers(t *testing.T) {
	const workers = 3
	q := &countingQueue{want: workers, reached: make(chan struct{})}
	logger := slog.New(slog.DiscardHandler)
	w := NewWorker(
		Config{Workers: workers},
		q,
		newFakeRecords(),
		&fakeRels{},
		&fakeCreds{},
		&fakeFactory{},
		&fakeRiskState{},
		smart.New(smart.Config{}, logger),
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.RunOpens(ctx) }()

	select {
	case <-q.reached:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatalf("only %d concurrent consumers started, want %d", q.active.Load(), workers)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("RunOpens returned %v, want context.Canceled", err)
	}
}

// --------------------------------------------------------------------------
// Close signal tests
// --------------------------------------------------------------------------

func baseCloseSignal(recordID int64) domain.CloseSignal {
	return domain.CloseSignal{
		SignalID:      "close-1",
		UserID:        "u1",
		TradeRecordID: recordID,
		MarketID:      "mkt-1",
		Outcome:       domain.OutcomeYes,
		EntryPrice:    0.50,
		ExitPrice:     0.78,
		CloseQuantity: 100,
		ClosePercent:  100,
	}
}

func TestProcessCloseFullClosesLot(t *testing.T) {
	f := newWorkerFixture(t)
	f.records.byID[42] = domain.TradeRecord{
		ID:         42,
		UserID:     "u1",
		MarketID:   "mkt-1",
		Side:       domain.TradeSideBuy,
		Outcome:    domain.OutcomeYes,
		Quantity:   100,
		EntryPrice: 0.50,
		Status:     domain.TradeStatusOpen,
	}

	res, err := f.worker.processClose(context.Background(), closeItem(t, baseCloseSignal(42)))
	if err != nil {
		t.Fatalf("processClose: %v", err)
	}
	if res != outcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res)
	}

	if len(f.exchange.sells) != 1 {
		t.Fatalf("placed %d sell orders, want 1", len(f.exchange.sells))
	}
	if f.exchange.sells[0].quantity != 100 {
		t.Errorf("sell quantity = %v, want 100", f.exchange.sells[0].quantity)
	}

	if len(f.records.closed) != 1 {
		t.Fatalf("closed %d lots, want 1", len(f.records.closed))
	}
	c := f.records.closed[0]
	if c.id != 42 {
		t.Errorf("closed lot id = %d, want 42", c.id)
	}
	// 100 tokens entered at 0.50, exited at 0.78: +28 realized.
	if math.Abs(c.realizedPnL-28) > 1e-9 {
		t.Errorf("realized pnl = %v, want 28", c.realizedPnL)
	}
	if len(f.records.reduced) != 0 {
		t.Errorf("full close should not reduce the original lot")
	}
}

func TestProcessClosePartialSplitsLot(t *testing.T) {
	f := newWorkerFixture(t)
	f.records.byID[42] = domain.TradeRecord{
		ID:         42,
		UserID:     "u1",
		MarketID:   "mkt-1",
		Side:       domain.TradeSideBuy,
		Outcome:    domain.OutcomeYes,
		Quantity:   100,
		EntryPrice: 0.50,
		Status:     domain.TradeStatusOpen,
	}

	sig := baseCloseSignal(42)
	sig.CloseQuantity = 40
	sig.ClosePercent = 40

	res, err := f.worker.processClose(context.Background(), closeItem(t, sig))
	if err != nil {
		t.Fatalf("processClose: %v", err)
	}
	if res != outcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res)
	}

	// A new lot is split off and closed; the original shrinks to 60.
	if len(f.records.created) != 1 {
		t.Fatalf("created %d split lots, want 1", len(f.records.created))
	}
	lot := f.records.created[0]
	if lot.Quantity != 40 || lot.EntryValueUSD != 20 {
		t.Errorf("split lot qty/value = %v/%v, want 40/20", lot.Quantity, lot.EntryValueUSD)
	}

	if len(f.records.closed) != 1 {
		t.Fatalf("closed %d lots, want 1", len(f.records.closed))
	}
	if f.records.closed[0].id == 42 {
		t.Errorf("partial close closed the original lot instead of the split")
	}
	if math.Abs(f.records.closed[0].realizedPnL-11.2) > 1e-9 {
		t.Errorf("realized pnl = %v, want 11.2", f.records.closed[0].realizedPnL)
	}

	if len(f.records.reduced) != 1 {
		t.Fatalf("reduced %d lots, want 1", len(f.records.reduced))
	}
	r := f.records.reduced[0]
	if r.id != 42 || r.newQuantity != 60 || math.Abs(r.newEntryValue-30) > 1e-9 {
		t.Errorf("reduce = %+v, want id 42 qty 60 value 30", r)
	}
}

func TestProcessCloseSkipsNonOpenRecord(t *testing.T) {
	f := newWorkerFixture(t)
	f.records.byID[42] = domain.TradeRecord{
		ID:     42,
		Status: domain.TradeStatusClosed,
	}

	res, err := f.worker.processClose(context.Background(), closeItem(t, baseCloseSignal(42)))
	if err != nil {
		t.Fatalf("processClose: %v", err)
	}
	if res != outcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res)
	}
	if len(f.exchange.sells) != 0 {
		t.Errorf("sell placed against a closed record")
	}
}

func TestProcessCloseMissingRecordSkips(t *testing.T) {
	f := newWorkerFixture(t)

	res, err := f.worker.processClose(context.Background(), closeItem(t, baseCloseSignal(999)))
	if err != nil {
		t.Fatalf("processClose: %v", err)
	}
	if res != outcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res)
	}
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func TestRoundDownToTick(t *testing.T) {
	tests := []struct {
		v, tick, want float64
	}{
		{100.009, 0.01, 100.00},
		{99.999, 0.01, 99.99},
		{0.005, 0.01, 0},
		{100, 0.01, 100},
		{7, 0, 7},
	}
	for _, tt := range tests {
		if got := roundDownToTick(tt.v, tt.tick); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("roundDownToTick(%v, %v) = %v, want %v", tt.v, tt.tick, got, tt.want)
		}
	}
}

func TestLimitPrice(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		side  domain.TradeSide
		slip  float64
		want  float64
	}{
		{"buy adds allowance", 0.50, domain.TradeSideBuy, 0.02, 0.51},
		{"sell subtracts allowance", 0.50, domain.TradeSideSell, 0.02, 0.49},
		{"buy clamps at 1", 0.99, domain.TradeSideBuy, 0.05, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := limitPrice(tt.price, tt.side, tt.slip); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("limitPrice = %v, want %v", got, tt.want)
			}
		})
	}
}
