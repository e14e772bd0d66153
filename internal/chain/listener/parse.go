package listener

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// OrderFilledTopic is the keccak256 signature of the exchange's
// OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)
// event.
var OrderFilledTopic = common.HexToHash("0xd0a08e8c493f9c94f29311604c9de1b4e8c8d4c06bd0c789af57f2d65bfec0f6")

// collateralScale converts 6-decimal collateral/token amounts to floats.
const collateralScale = 1e6

// TokenResolver maps an outcome token id to its market and outcome.
// Implemented by the exchange client against market metadata.
type TokenResolver interface {
	ResolveToken(ctx context.Context, tokenID string) (marketID string, outcome domain.Outcome, err error)
}

// fill is the raw decoded OrderFilled event before normalization.
type fill struct {
	orderHash common.Hash
	maker     common.Address
	taker     common.Address

	makerAssetID      *big.Int
	takerAssetID      *big.Int
	makerAmountFilled *big.Int
	takerAmountFilled *big.Int
	fee               *big.Int
}

// decodeOrderFilled unpacks an OrderFilled log. Topics carry the order hash
// and the maker/taker addresses; the data segment is five 32-byte words:
// makerAssetId, takerAssetId, makerAmountFilled, takerAmountFilled, fee.
func decodeOrderFilled(vLog types.Log) (*fill, error) {
	if len(vLog.Topics) < 4 {
		return nil, fmt.Errorf("listener: decode order filled: unexpected topics len=%d", len(vLog.Topics))
	}
	if len(vLog.Data) < 32*5 {
		return nil, fmt.Errorf("listener: decode order filled: unexpected data len=%d", len(vLog.Data))
	}

	word := func(i int) *big.Int {
		return new(big.Int).SetBytes(vLog.Data[i*32 : (i+1)*32])
	}

	return &fill{
		orderHash:         vLog.Topics[1],
		maker:             common.BytesToAddress(vLog.Topics[2].Bytes()),
		taker:             common.BytesToAddress(vLog.Topics[3].Bytes()),
		makerAssetID:      word(0),
		takerAssetID:      word(1),
		makerAmountFilled: word(2),
		takerAmountFilled: word(3),
		fee:               word(4),
	}, nil
}

// parseTrade normalizes an OrderFilled log into a ParsedTrade from the
// maker's perspective. Asset id zero is the collateral token: a maker paying
// collateral is buying outcome tokens, a maker paying tokens is selling.
// The trade is returned with Valid=false and populated ValidationErrors when
// any field fails validation; the caller decides whether to count or drop it.
func (l *Listener) parseTrade(ctx context.Context, vLog types.Log, blockTime time.Time) (domain.ParsedTrade, error) {
	f, err := decodeOrderFilled(vLog)
	if err != nil {
		return domain.ParsedTrade{}, err
	}

	trade := domain.ParsedTrade{
		TxHash:      vLog.TxHash.Hex(),
		BlockNumber: vLog.BlockNumber,
		BlockTime:   blockTime,
		LogIndex:    vLog.Index,
		Trader:      strings.ToLower(f.maker.Hex()),
		FeeUSD:      scaleAmount(f.fee),
	}

	var tokenID *big.Int
	switch {
	case f.makerAssetID.Sign() == 0 && f.takerAssetID.Sign() != 0:
		// Maker spends collateral, receives outcome tokens.
		trade.Side = domain.TradeSideBuy
		tokenID = f.takerAssetID
		trade.Quantity = scaleAmount(f.takerAmountFilled)
		trade.TotalUSD = scaleAmount(f.makerAmountFilled)
	case f.takerAssetID.Sign() == 0 && f.makerAssetID.Sign() != 0:
		// Maker spends outcome tokens, receives collateral.
		trade.Side = domain.TradeSideSell
		tokenID = f.makerAssetID
		trade.Quantity = scaleAmount(f.makerAmountFilled)
		trade.TotalUSD = scaleAmount(f.takerAmountFilled)
	default:
		trade.ValidationErrors = append(trade.ValidationErrors, "unparseable side: neither asset is collateral")
	}

	if tokenID != nil {
		if trade.Quantity > 0 {
			trade.Price = trade.TotalUSD / trade.Quantity
		}
		marketID, outcome, err := l.resolver.ResolveToken(ctx, tokenID.String())
		if err != nil {
			trade.ValidationErrors = append(trade.ValidationErrors,
				fmt.Sprintf("unresolvable outcome token %s: %v", tokenID, err))
		} else {
			trade.MarketID = marketID
			trade.Outcome = outcome
		}
	}

	validate(&trade)
	return trade, nil
}

// scaleAmount converts a 6-decimal fixed-point amount to a float.
func scaleAmount(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(collateralScale)).Float64()
	return f
}

// validate applies the normalization rules and records every violation.
func validate(t *domain.ParsedTrade) {
	if t.TxHash == "" || t.TxHash == (common.Hash{}).Hex() {
		t.ValidationErrors = append(t.ValidationErrors, "missing transaction hash")
	}
	if t.Trader == "" || t.Trader == strings.ToLower((common.Address{}).Hex()) {
		t.ValidationErrors = append(t.ValidationErrors, "missing trader address")
	}
	if t.Quantity <= 0 {
		t.ValidationErrors = append(t.ValidationErrors, "non-positive quantity")
	}
	if t.Price < 0 || t.Price > 1 {
		t.ValidationErrors = append(t.ValidationErrors, fmt.Sprintf("price %.6f outside [0,1]", t.Price))
	}
	if t.Side != domain.TradeSideBuy && t.Side != domain.TradeSideSell {
		t.ValidationErrors = append(t.ValidationErrors, "unparseable side")
	}
	if t.MarketID != "" && t.Outcome != domain.OutcomeYes && t.Outcome != domain.OutcomeNo {
		t.ValidationErrors = append(t.ValidationErrors, "unparseable outcome")
	}
	t.Valid = len(t.ValidationErrors) == 0
}
