package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/ledger"
	"github.com/luxfi/margin/pkg/position"
)

type fakeEngine struct {
	params map[uint64]position.Params
}

func (f *fakeEngine) PositionParams(_ context.Context, id uint64) (position.Params, error) {
	p, ok := f.params[id]
	if !ok {
		return position.Params{}, fmt.Errorf("%w: %d", position.ErrPositionNotFound, id)
	}
	return p, nil
}

func (f *fakeEngine) PositionState(_ context.Context, id uint64) (position.State, error) {
	p, ok := f.params[id]
	if !ok {
		return position.StateNone, nil
	}
	return p.State, nil
}

func (f *fakeEngine) TraderPositions(trader assets.Account) []uint64 {
	var ids []uint64
	for id, p := range f.params {
		if p.Owner == trader {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeEngine) GetLiquidatablePositions(_ context.Context, start, count uint64) (position.Page, error) {
	return position.Page{Next: start + count, Done: true}, nil
}

func (f *fakeEngine) NextID() uint64 { return 8 }
func (f *fakeEngine) Count() int     { return len(f.params) }

type fakePrices struct{}

func (fakePrices) GetPrice(_ context.Context, a, b assets.ID) (*big.Int, error) {
	if a == "WETH" && b == "USDC" {
		return big.NewInt(2_000_500_000), nil
	}
	return nil, fmt.Errorf("no feed for %s/%s", a, b)
}

type fakeLedger struct{}

func (fakeLedger) Assets() []assets.ID { return []assets.ID{"USDC"} }

func (fakeLedger) Stats(asset assets.ID) (ledger.Stats, error) {
	if asset != "USDC" {
		return ledger.Stats{}, ledger.ErrEntryNotFound
	}
	return ledger.Stats{
		Asset:       "USDC",
		OnHand:      big.NewInt(6_000_000),
		Borrowed:    big.NewInt(4_000_000),
		TotalAssets: big.NewInt(10_000_000),
		Capacity:    big.NewInt(4_000_000),
		Utilization: 0.4,
		HourlyRate:  big.NewInt(9_132_420_091),
	}, nil
}

func newTestServer(t *testing.T) *JSONRPCServer {
	t.Helper()
	registry := assets.NewRegistry()
	require.NoError(t, registry.Register("USDC", 6))
	require.NoError(t, registry.Register("WETH", 18))

	pos := &position.Position{
		ID:                 3,
		BaseAsset:          "WETH",
		QuoteAsset:         "USDC",
		Leverage:           3,
		OpenedAt:           time.Unix(1_700_000_000, 0).UTC(),
		CollateralSize:     big.NewInt(1_000_000_000_000_000_000),
		PositionSize:       big.NewInt(2_500_000_000_000_000_000),
		InitialPrice:       big.NewInt(2_000_000_000),
		TotalBorrow:        big.NewInt(4_000_000_000),
		HourlyInterestRate: new(big.Int),
		BreakEvenLimit:     big.NewInt(1_333_333_334),
		LimitPrice:         new(big.Int),
		StopLossPrice:      big.NewInt(1_500_000_000),
		LiquidationReward:  new(big.Int),
	}
	engine := &fakeEngine{params: map[uint64]position.Params{
		3: {
			Position:        pos,
			Owner:           "alice",
			State:           position.StateOpen,
			CurrentPrice:    big.NewInt(2_200_000_000),
			AccruedInterest: big.NewInt(1_500_000),
			PnL:             big.NewInt(250_000_000_000_000_000),
			CollateralLeft:  big.NewInt(1_250_000_000_000_000_000),
		},
	}}
	level, _ := log.ToLevel("debug")
	return NewJSONRPCServer(engine, fakePrices{}, fakeLedger{}, registry, "testnet", log.NewTestLogger(level))
}

func call(t *testing.T, s *JSONRPCServer, method, params string) map[string]interface{} {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s,"id":1}`, method, params)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	assert.Equal(t, float64(1), resp["id"])
	return resp
}

func errorCode(t *testing.T, resp map[string]interface{}) float64 {
	t.Helper()
	rpcErr, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "expected error in %v", resp)
	return rpcErr["code"].(float64)
}

func TestGetPosition(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "margin_getPosition", `{"id":3}`)

	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "alice", result["owner"])
	assert.Equal(t, "long", result["direction"])
	assert.Equal(t, "open", result["state"])
	assert.Equal(t, "1", result["collateral"])
	assert.Equal(t, "2.5", result["size"])
	assert.Equal(t, "4000", result["borrowed"])
	assert.Equal(t, "1.5", result["accruedInterest"])
	assert.Equal(t, "2200", result["currentPrice"])
	assert.Equal(t, "1333.333334", result["breakEven"])
	assert.Equal(t, "1500", result["stopLossPrice"])
	assert.Equal(t, "0.25", result["pnl"])
	assert.Equal(t, "1.25", result["collateralLeft"])

	resp = call(t, s, "margin_getPosition", `{"id":4}`)
	assert.Equal(t, float64(NotFound), errorCode(t, resp))
}

func TestGetPositionState(t *testing.T) {
	s := newTestServer(t)
	result := call(t, s, "margin_getPositionState", `{"id":3}`)["result"].(map[string]interface{})
	assert.Equal(t, float64(2), result["state"])
	assert.Equal(t, false, result["liquidatable"])

	result = call(t, s, "margin_getPositionState", `{"id":9}`)["result"].(map[string]interface{})
	assert.Equal(t, float64(0), result["state"])
}

func TestTraderPositionsAndLiquidatable(t *testing.T) {
	s := newTestServer(t)
	ids := call(t, s, "margin_getTraderPositions", `{"trader":"alice"}`)["result"].([]interface{})
	assert.Equal(t, []interface{}{float64(3)}, ids)

	resp := call(t, s, "margin_getTraderPositions", `{}`)
	assert.Equal(t, float64(InvalidParams), errorCode(t, resp))

	page := call(t, s, "margin_getLiquidatable", `{"start":1,"count":10}`)["result"].(map[string]interface{})
	assert.Equal(t, []interface{}{}, page["ids"])
	assert.Equal(t, float64(11), page["next"])
	assert.Equal(t, true, page["done"])
}

func TestGetPriceAndLedger(t *testing.T) {
	s := newTestServer(t)
	result := call(t, s, "margin_getPrice", `{"base":"WETH","quote":"USDC"}`)["result"].(map[string]interface{})
	assert.Equal(t, "2000.5", result["price"])
	assert.Equal(t, "2000500000", result["raw"])

	resp := call(t, s, "margin_getPrice", `{"base":"WBTC","quote":"USDC"}`)
	assert.Equal(t, float64(InternalError), errorCode(t, resp))

	entries := call(t, s, "margin_getLedger", `{}`)["result"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "4", entry["borrowed"])
	assert.Equal(t, "0.4000", entry["utilization"])
	assert.Equal(t, "0.000000009132420091", entry["hourlyRate"])

	resp = call(t, s, "margin_getLedger", `{"asset":"DAI"}`)
	assert.Equal(t, float64(NotFound), errorCode(t, resp))
}

func TestInfoAndErrors(t *testing.T) {
	s := newTestServer(t)
	info := call(t, s, "margin_info", `{}`)["result"].(map[string]interface{})
	assert.Equal(t, Version, info["version"])
	assert.Equal(t, "testnet", info["network"])
	assert.Equal(t, float64(1), info["openPositions"])
	assert.Equal(t, float64(8), info["nextId"])

	assert.Equal(t, "pong", call(t, s, "margin_ping", `{}`)["result"])
	assert.Equal(t, float64(MethodNotFound), errorCode(t, call(t, s, "margin_nope", `{}`)))
	assert.Equal(t, float64(InvalidParams), errorCode(t, call(t, s, "margin_getPosition", `"x"`)))

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"jsonrpc":"1.0","method":"margin_ping","id":1}`))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(InvalidRequest), errorCode(t, resp))

	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`not json`))
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(ParseError), errorCode(t, resp))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
