package reconcile

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type fakeRecords struct {
	unsettled []domain.TradeRecord

	confirmed  []confirmCall
	statusMove []statusCall
	retries    map[int64]int

	stats struct {
		confirmed     int64
		discrepancies int64
		avgLatency    float64
	}
}

type confirmCall struct {
	id          int64
	block       uint64
	discrepancy bool
}

type statusCall struct {
	id       int64
	from, to domain.TradeRecordStatus
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{retries: make(map[int64]int)}
}

func (f *fakeRecords) Create(ctx context.Context, rec domain.TradeRecord) (int64, error) {
	return 0, nil
}
func (f *fakeRecords) GetByID(ctx context.Context, id int64) (domain.TradeRecord, error) {
	return domain.TradeRecord{}, domain.ErrNotFound
}
func (f *fakeRecords) FindByOriginalTxAndUser(ctx context.Context, txHash, userID string) (domain.TradeRecord, error) {
	return domain.TradeRecord{}, domain.ErrNotFound
}
func (f *fakeRecords) UpdateStatus(ctx context.Context, id int64, from, to domain.TradeRecordStatus) error {
	f.statusMove = append(f.statusMove, statusCall{id: id, from: from, to: to})
	return nil
}
func (f *fakeRecords) CloseLot(ctx context.Context, id int64, exitPrice, exitValueUSD, realizedPnL float64, closedAt time.Time) error {
	return nil
}
func (f *fakeRecords) ReduceQuantity(ctx context.Context, id int64, newQuantity, newEntryValueUSD float64) error {
	return nil
}
func (f *fakeRecords) MarkConfirmed(ctx context.Context, id int64, block uint64, priceDiscrepancy bool) error {
	f.confirmed = append(f.confirmed, confirmCall{id: id, block: block, discrepancy: priceDiscrepancy})
	return nil
}
func (f *fakeRecords) IncrementRetry(ctx context.Context, id int64) (int, error) {
	f.retries[id]++
	return f.retries[id], nil
}
func (f *fakeRecords) ListByStatus(ctx context.Context, statuses []domain.TradeRecordStatus, limit int) ([]domain.TradeRecord, error) {
	return f.unsettled, nil
}
func (f *fakeRecords) FindOpenPositions(ctx context.Context, trader, marketID string, outcome domain.Outcome) ([]domain.TradeRecord, error) {
	return nil, nil
}
func (f *fakeRecords) RealizedPnLSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	return 0, nil
}
func (f *fakeRecords) ConfirmationStats(ctx context.Context, from, to time.Time) (int64, int64, float64, error) {
	return f.stats.confirmed, f.stats.discrepancies, f.stats.avgLatency, nil
}

type fakeCreds struct{}

func (fakeCreds) Credentials(ctx context.Context, userID string) (domain.Credentials, error) {
	return domain.Credentials{APIKey: "k", APISecret: "s"}, nil
}

type fakeExchange struct {
	domain.ExchangeClient

	states map[string]domain.OrderState
	err    error
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	if f.err != nil {
		return domain.OrderState{}, f.err
	}
	return f.states[orderID], nil
}

type fakeFactory struct{ client domain.ExchangeClient }

func (f *fakeFactory) ClientFor(creds domain.Credentials) domain.ExchangeClient { return f.client }

type fakeChain struct {
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	rcpt, ok := f.receipts[txHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rcpt, nil
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) Notify(ctx context.Context, event, title, message string) error {
	f.events = append(f.events, event)
	return nil
}

type fakeArchiver struct {
	reports []Report
}

func (f *fakeArchiver) ArchiveReport(ctx context.Context, report Report) (string, error) {
	f.reports = append(f.reports, report)
	return "reports/reconciliation/" + report.Day + ".json", nil
}

// --------------------------------------------------------------------------
// Harness
// --------------------------------------------------------------------------

type fixture struct {
	rec      *Reconciler
	records  *fakeRecords
	exchange *fakeExchange
	chain    *fakeChain
	notifier *fakeNotifier
	archiver *fakeArchiver
	now      time.Time
}

func newFixture() *fixture {
	f := &fixture{
		records:  newFakeRecords(),
		exchange: &fakeExchange{states: make(map[string]domain.OrderState)},
		chain:    &fakeChain{receipts: make(map[common.Hash]*types.Receipt)},
		notifier: &fakeNotifier{},
		archiver: &fakeArchiver{},
		now:      time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	f.rec = New(
		Config{},
		f.records,
		fakeCreds{},
		&fakeFactory{client: f.exchange},
		f.chain,
		nil,
		f.notifier,
		f.archiver,
		slog.New(slog.DiscardHandler),
	)
	f.rec.now = func() time.Time { return f.now }
	return f
}

func pendingRecord(id int64, age time.Duration, retries int, now time.Time) domain.TradeRecord {
	return domain.TradeRecord{
		ID:         id,
		UserID:     "u1",
		OrderID:    "ord-1",
		Status:     domain.TradeStatusPending,
		EntryPrice: 0.60,
		RetryCount: retries,
		CreatedAt:  now.Add(-age),
		UpdatedAt:  now.Add(-age),
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestFilledOrderConfirmedWithReceipt(t *testing.T) {
	f := newFixture()
	txHash := "0x" + "ab"
	rec := pendingRecord(1, time.Minute, 0, f.now)
	rec.ExchangeTxHash = txHash
	f.records.unsettled = []domain.TradeRecord{rec}
	f.exchange.states["ord-1"] = domain.OrderState{
		OrderID:      "ord-1",
		Status:       domain.ExecStatusFilled,
		AvgFillPrice: 0.61,
	}
	f.chain.receipts[common.HexToHash(txHash)] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(777),
	}

	if err := f.rec.ReconcilePending(context.Background()); err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if len(f.records.confirmed) != 1 {
		t.Fatalf("confirmed %d records, want 1", len(f.records.confirmed))
	}
	c := f.records.confirmed[0]
	if c.id != 1 || c.block != 777 {
		t.Errorf("confirm = %+v, want id 1 block 777", c)
	}
	// 0.61 vs 0.60 expected is well under the 10% discrepancy threshold.
	if c.discrepancy {
		t.Errorf("discrepancy flagged for 1.7%% drift")
	}
}

func TestFillPriceDiscrepancyFlaggedButConfirmed(t *testing.T) {
	f := newFixture()
	f.records.unsettled = []domain.TradeRecord{pendingRecord(1, time.Minute, 0, f.now)}
	f.exchange.states["ord-1"] = domain.OrderState{
		OrderID:      "ord-1",
		Status:       domain.ExecStatusFilled,
		AvgFillPrice: 0.72, // 20% above the expected 0.60
	}

	if err := f.rec.ReconcilePending(context.Background()); err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if len(f.records.confirmed) != 1 {
		t.Fatalf("discrepant fill was not confirmed")
	}
	if !f.records.confirmed[0].discrepancy {
		t.Errorf("20%% drift not flagged")
	}
}

func TestRevertedSettlementFlagsDiscrepancy(t *testing.T) {
	f := newFixture()
	txHash := "0x" + "cd"
	rec := pendingRecord(1, time.Minute, 0, f.now)
	rec.ExchangeTxHash = txHash
	f.records.unsettled = []domain.TradeRecord{rec}
	f.exchange.states["ord-1"] = domain.OrderState{
		Status:       domain.ExecStatusFilled,
		AvgFillPrice: 0.60,
	}
	f.chain.receipts[common.HexToHash(txHash)] = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(778),
	}

	if err := f.rec.ReconcilePending(context.Background()); err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if len(f.records.confirmed) != 1 || !f.records.confirmed[0].discrepancy {
		t.Errorf("reverted settlement not flagged: %+v", f.records.confirmed)
	}
}

func TestRejectedOrderMarkedFailed(t *testing.T) {
	f := newFixture()
	f.records.unsettled = []domain.TradeRecord{pendingRecord(1, time.Minute, 0, f.now)}
	f.exchange.states["ord-1"] = domain.OrderState{Status: domain.ExecStatusRejected}

	if err := f.rec.ReconcilePending(context.Background()); err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if len(f.records.statusMove) != 1 {
		t.Fatalf("status moves = %d, want 1", len(f.records.statusMove))
	}
	m := f.records.statusMove[0]
	if m.from != domain.TradeStatusPending || m.to != domain.TradeStatusFailed {
		t.Errorf("move = %v -> %v, want pending -> failed", m.from, m.to)
	}
}

func TestFreshPendingLeftAlone(t *testing.T) {
	f := newFixture()
	f.records.unsettled = []domain.TradeRecord{pendingRecord(1, time.Minute, 0, f.now)}
	f.exchange.states["ord-1"] = domain.OrderState{Status: domain.ExecStatusSubmitted}

	if err := f.rec.ReconcilePending(context.Background()); err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if len(f.records.retries) != 0 || len(f.records.statusMove) != 0 {
		t.Errorf("fresh record escalated: retries=%v moves=%v", f.records.retries, f.records.statusMove)
	}
}

func TestStalePendingWalksRetryLadder(t *testing.T) {
	f := newFixture()
	f.records.unsettled = []domain.TradeRecord{pendingRecord(1, 10*time.Minute, 0, f.now)}
	f.exchange.states["ord-1"] = domain.OrderState{Status: domain.ExecStatusSubmitted}

	if err := f.rec.ReconcilePending(context.Background()); err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if f.records.retries[1] != 1 {
		t.Errorf("retries = %d, want 1", f.records.retries[1])
	}
	if len(f.records.statusMove) != 0 {
		t.Errorf("record failed before the ladder was exhausted")
	}
}

func TestExhaustedLadderPermanentlyFails(t *testing.T) {
	f := newFixture()
	// Third re-check (two already recorded) past the 15-minute rung.
	f.records.unsettled = []domain.TradeRecord{pendingRecord(1, time.Hour, 2, f.now)}
	f.records.retries[1] = 2
	f.exchange.states["ord-1"] = domain.OrderState{Status: domain.ExecStatusSubmitted}

	if err := f.rec.ReconcilePending(context.Background()); err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if len(f.records.statusMove) != 1 {
		t.Fatalf("status moves = %d, want 1", len(f.records.statusMove))
	}
	if f.records.statusMove[0].to != domain.TradeStatusPermanentlyFailed {
		t.Errorf("moved to %v, want permanently_failed", f.records.statusMove[0].to)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0] != "permanent_failure" {
		t.Errorf("notifications = %v, want [permanent_failure]", f.notifier.events)
	}
}

func TestLadderNotDueYetSkipsRecheck(t *testing.T) {
	f := newFixture()
	// Past the pending timeout by age, but the second rung (5m) since the
	// last check has not elapsed.
	rec := pendingRecord(1, time.Hour, 1, f.now)
	rec.UpdatedAt = f.now.Add(-2 * time.Minute)
	f.records.unsettled = []domain.TradeRecord{rec}
	f.exchange.states["ord-1"] = domain.OrderState{Status: domain.ExecStatusSubmitted}

	if err := f.rec.ReconcilePending(context.Background()); err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if len(f.records.retries) != 0 {
		t.Errorf("re-checked before the ladder rung elapsed")
	}
}

func TestLadderDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Minute},
		{1, 5 * time.Minute},
		{2, 15 * time.Minute},
		{3, 15 * time.Minute},
		{9, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := ladderDelay(retryLadder, tt.n); got != tt.want {
			t.Errorf("ladderDelay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestDailyReportArchivedAndAnnounced(t *testing.T) {
	f := newFixture()
	f.records.stats.confirmed = 42
	f.records.stats.discrepancies = 3
	f.records.stats.avgLatency = 95.5

	day := time.Date(2026, 8, 29, 15, 30, 0, 0, time.UTC)
	if err := f.rec.DailyReport(context.Background(), day); err != nil {
		t.Fatalf("DailyReport: %v", err)
	}

	if len(f.archiver.reports) != 1 {
		t.Fatalf("archived %d reports, want 1", len(f.archiver.reports))
	}
	rep := f.archiver.reports[0]
	if rep.Day != "2026-08-29" {
		t.Errorf("report day = %q, want 2026-08-29", rep.Day)
	}
	if rep.Confirmed != 42 || rep.Discrepancies != 3 {
		t.Errorf("report stats = %d/%d, want 42/3", rep.Confirmed, rep.Discrepancies)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0] != "daily_report" {
		t.Errorf("notifications = %v, want [daily_report]", f.notifier.events)
	}
}
