package listener

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/copybot/internal/domain"
)

var (
	testContract = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	testTrader   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTaker    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// buyLog fabricates an OrderFilled log where the maker spends makerAmt
// collateral for takerAmt outcome tokens of tokenID.
func buyLog(block uint64, idx uint, tokenID, makerAmt, takerAmt int64) types.Log {
	return fillLog(block, idx, big.NewInt(0), big.NewInt(tokenID), big.NewInt(makerAmt), big.NewInt(takerAmt))
}

func sellLog(block uint64, idx uint, tokenID, makerAmt, takerAmt int64) types.Log {
	return fillLog(block, idx, big.NewInt(tokenID), big.NewInt(0), big.NewInt(makerAmt), big.NewInt(takerAmt))
}

func fillLog(block uint64, idx uint, makerAsset, takerAsset, makerAmt, takerAmt *big.Int) types.Log {
	data := make([]byte, 32*5)
	makerAsset.FillBytes(data[0:32])
	takerAsset.FillBytes(data[32:64])
	makerAmt.FillBytes(data[64:96])
	takerAmt.FillBytes(data[96:128])
	big.NewInt(1000).FillBytes(data[128:160]) // fee

	var txHash common.Hash
	txHash[0] = byte(block)
	txHash[1] = byte(idx)

	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{OrderFilledTopic, common.HexToHash("0xabc"), common.BytesToHash(testTrader.Bytes()), common.BytesToHash(testTaker.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
		Index:       idx,
	}
}

type fakeChain struct {
	head uint64
	logs []types.Log
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Time: 1700000000, Number: number}, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveToken(ctx context.Context, tokenID string) (string, domain.Outcome, error) {
	return "market-" + tokenID, domain.OutcomeYes, nil
}

type captureSink struct {
	trades []domain.ParsedTrade
}

func (c *captureSink) Publish(ctx context.Context, trade domain.ParsedTrade) error {
	c.trades = append(c.trades, trade)
	return nil
}

func newTestListener(chain ChainReader, sink Sink) *Listener {
	return New(Config{
		ExchangeContract:  testContract,
		ConfirmationDepth: 12,
		BlockBatchSize:    100,
		StartBlock:        100,
	}, chain, fakeResolver{}, sink, slog.New(slog.DiscardHandler))
}

func TestParseTradeBuy(t *testing.T) {
	l := newTestListener(&fakeChain{}, &captureSink{})

	// 650 USDC for 1000 tokens of token 77 -> price 0.65.
	trade, err := l.parseTrade(context.Background(), buyLog(100, 3, 77, 650_000_000, 1_000_000_000), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("parseTrade: %v", err)
	}

	if !trade.Valid {
		t.Fatalf("trade invalid: %v", trade.ValidationErrors)
	}
	if trade.Side != domain.TradeSideBuy {
		t.Errorf("side = %s, want buy", trade.Side)
	}
	if trade.MarketID != "market-77" {
		t.Errorf("market = %s, want market-77", trade.MarketID)
	}
	if trade.Quantity != 1000 {
		t.Errorf("quantity = %f, want 1000", trade.Quantity)
	}
	if trade.TotalUSD != 650 {
		t.Errorf("total = %f, want 650", trade.TotalUSD)
	}
	if trade.Price < 0.649 || trade.Price > 0.651 {
		t.Errorf("price = %f, want 0.65", trade.Price)
	}
	if trade.LogIndex != 3 {
		t.Errorf("log index = %d, want 3", trade.LogIndex)
	}
}

func TestParseTradeSell(t *testing.T) {
	l := newTestListener(&fakeChain{}, &captureSink{})

	// Sell 500 tokens of token 9 for 200 USDC -> price 0.40.
	trade, err := l.parseTrade(context.Background(), sellLog(100, 0, 9, 500_000_000, 200_000_000), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("parseTrade: %v", err)
	}

	if !trade.Valid {
		t.Fatalf("trade invalid: %v", trade.ValidationErrors)
	}
	if trade.Side != domain.TradeSideSell {
		t.Errorf("side = %s, want sell", trade.Side)
	}
	if trade.Quantity != 500 {
		t.Errorf("quantity = %f, want 500", trade.Quantity)
	}
	if trade.Price < 0.399 || trade.Price > 0.401 {
		t.Errorf("price = %f, want 0.40", trade.Price)
	}
}

func TestParseTradeTokenForTokenInvalid(t *testing.T) {
	l := newTestListener(&fakeChain{}, &captureSink{})

	// Neither asset is collateral; side is unparseable.
	trade, err := l.parseTrade(context.Background(),
		fillLog(100, 0, big.NewInt(5), big.NewInt(6), big.NewInt(100), big.NewInt(100)), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("parseTrade: %v", err)
	}

	if trade.Valid {
		t.Fatal("token-for-token fill should be invalid")
	}
}

func TestDecodeOrderFilledShortData(t *testing.T) {
	bad := types.Log{
		Topics: []common.Hash{OrderFilledTopic, {}, {}, {}},
		Data:   make([]byte, 32*3),
	}
	if _, err := decodeOrderFilled(bad); err == nil {
		t.Fatal("expected error for truncated data")
	}

	bad2 := types.Log{Topics: []common.Hash{OrderFilledTopic}, Data: make([]byte, 32*5)}
	if _, err := decodeOrderFilled(bad2); err == nil {
		t.Fatal("expected error for missing topics")
	}
}

func TestTickHoldsTradesUntilConfirmed(t *testing.T) {
	chain := &fakeChain{
		head: 110,
		logs: []types.Log{buyLog(105, 0, 77, 650_000_000, 1_000_000_000)},
	}
	sink := &captureSink{}
	l := newTestListener(chain, sink)

	// head-block = 5 < depth 12: buffered, not emitted.
	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.trades) != 0 {
		t.Fatalf("emitted %d trades before confirmation depth", len(sink.trades))
	}
	st := l.Status()
	if st.BufferedTrades != 1 {
		t.Fatalf("buffered = %d, want 1", st.BufferedTrades)
	}

	// Advance head so 110-105 >= 12... not yet at 116.
	chain.head = 116
	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.trades) != 0 {
		t.Fatal("emitted at depth 11")
	}

	chain.head = 117
	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.trades) != 1 {
		t.Fatalf("emitted = %d, want 1 at depth 12", len(sink.trades))
	}
	if got := l.Status(); got.Emitted != 1 || got.BufferedTrades != 0 {
		t.Errorf("status after emit = %+v", got)
	}
}

func TestTickDeduplicatesRedeliveredLogs(t *testing.T) {
	log := buyLog(105, 0, 77, 650_000_000, 1_000_000_000)
	chain := &fakeChain{head: 110, logs: []types.Log{log}}
	sink := &captureSink{}
	l := newTestListener(chain, sink)

	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Re-deliver the same log in a later range.
	dup := log
	dup.BlockNumber = 111
	chain.logs = append(chain.logs, dup)
	chain.head = 115

	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	st := l.Status()
	if st.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", st.Duplicates)
	}
	if st.BufferedTrades != 1 {
		t.Errorf("buffered = %d, want 1", st.BufferedTrades)
	}
}

func TestTickEmitsInBlockOrder(t *testing.T) {
	chain := &fakeChain{
		head: 200,
		logs: []types.Log{
			buyLog(106, 2, 77, 100_000_000, 200_000_000),
			buyLog(105, 0, 77, 100_000_000, 200_000_000),
			buyLog(106, 1, 77, 100_000_000, 200_000_000),
		},
	}
	sink := &captureSink{}
	l := newTestListener(chain, sink)

	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(sink.trades) != 3 {
		t.Fatalf("emitted = %d, want 3", len(sink.trades))
	}
	if sink.trades[0].BlockNumber != 105 {
		t.Errorf("first emitted block = %d, want 105", sink.trades[0].BlockNumber)
	}
	if sink.trades[1].LogIndex != 1 || sink.trades[2].LogIndex != 2 {
		t.Errorf("log order within block = %d,%d, want 1,2", sink.trades[1].LogIndex, sink.trades[2].LogIndex)
	}
}

func TestTickCountsInvalidTrades(t *testing.T) {
	chain := &fakeChain{
		head: 200,
		// Zero quantity buy.
		logs: []types.Log{buyLog(105, 0, 77, 650_000_000, 0)},
	}
	sink := &captureSink{}
	l := newTestListener(chain, sink)

	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(sink.trades) != 0 {
		t.Fatal("invalid trade was emitted")
	}
	if st := l.Status(); st.Invalid != 1 {
		t.Errorf("invalid = %d, want 1", st.Invalid)
	}
}

func TestSeenSetExpiry(t *testing.T) {
	s := newSeenSet(10 * time.Millisecond)

	if !s.Add("a") {
		t.Fatal("first add reported duplicate")
	}
	if s.Add("a") {
		t.Fatal("second add not reported duplicate")
	}

	time.Sleep(15 * time.Millisecond)
	if !s.Add("a") {
		t.Fatal("expired id still reported duplicate")
	}
}
