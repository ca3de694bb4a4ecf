package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/ledger"
	"github.com/luxfi/margin/pkg/log"
	"github.com/luxfi/margin/pkg/position"
)

// Version is reported by margin_info.
const Version = "1.0.0"

// Engine is the read side of the position engine.
type Engine interface {
	PositionParams(ctx context.Context, id uint64) (position.Params, error)
	PositionState(ctx context.Context, id uint64) (position.State, error)
	TraderPositions(trader assets.Account) []uint64
	GetLiquidatablePositions(ctx context.Context, start, count uint64) (position.Page, error)
	NextID() uint64
	Count() int
}

type PriceReader interface {
	GetPrice(ctx context.Context, a, b assets.ID) (*big.Int, error)
}

type LedgerReader interface {
	Stats(asset assets.ID) (ledger.Stats, error)
	Assets() []assets.ID
}

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	engine   Engine
	prices   PriceReader
	ledger   LedgerReader
	registry *assets.Registry
	network  string
	logger   log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(engine Engine, prices PriceReader, l LedgerReader, registry *assets.Registry, network string, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine:   engine,
		prices:   prices,
		ledger:   l,
		registry: registry,
		network:  network,
		logger:   logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// NotFound is returned for unknown positions and ledger entries.
	NotFound = -32001
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(r.Context(), req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write response", "method", req.Method, "error", err)
	}
}

func (s *JSONRPCServer) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Position methods
	case "margin_getPosition":
		return s.getPosition(ctx, params)
	case "margin_getPositionState":
		return s.getPositionState(ctx, params)
	case "margin_getTraderPositions":
		return s.getTraderPositions(params)
	case "margin_getLiquidatable":
		return s.getLiquidatable(ctx, params)

	// Market methods
	case "margin_getPrice":
		return s.getPrice(ctx, params)
	case "margin_getLedger":
		return s.getLedger(params)

	// Info methods
	case "margin_info":
		return s.getInfo()
	case "margin_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func invalidParams(err error) *RPCError {
	return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
}

func (s *JSONRPCServer) engineError(err error) *RPCError {
	if errors.Is(err, position.ErrPositionNotFound) || errors.Is(err, ledger.ErrEntryNotFound) {
		return &RPCError{Code: NotFound, Message: err.Error()}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

type idParams struct {
	ID uint64 `json:"id"`
}

// PositionView is a position rendered in whole-token decimals.
type PositionView struct {
	ID              uint64         `json:"id"`
	Owner           assets.Account `json:"owner"`
	Base            assets.ID      `json:"base"`
	Quote           assets.ID      `json:"quote"`
	Direction       string         `json:"direction"`
	Leverage        int64          `json:"leverage"`
	State           string         `json:"state"`
	OpenedAt        time.Time      `json:"openedAt"`
	Collateral      string         `json:"collateral"`
	Size            string         `json:"size"`
	Borrowed        string         `json:"borrowed"`
	AccruedInterest string         `json:"accruedInterest"`
	InitialPrice    string         `json:"initialPrice"`
	CurrentPrice    string         `json:"currentPrice"`
	BreakEven       string         `json:"breakEven"`
	LimitPrice      string         `json:"limitPrice"`
	StopLossPrice   string         `json:"stopLossPrice"`
	PnL             string         `json:"pnl"`
	CollateralLeft  string         `json:"collateralLeft"`
	Ticket          uint64         `json:"ticket,omitempty"`
}

func (s *JSONRPCServer) getPosition(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}

	pp, err := s.engine.PositionParams(ctx, p.ID)
	if err != nil {
		return nil, s.engineError(err)
	}
	pos := pp.Position
	held, debt := pos.HeldAsset(), pos.DebtAsset()
	direction := "long"
	if pos.IsShort {
		direction = "short"
	}
	price := func(v *big.Int) string { return s.registry.Format(pos.QuoteAsset, v) }

	return PositionView{
		ID:              pos.ID,
		Owner:           pp.Owner,
		Base:            pos.BaseAsset,
		Quote:           pos.QuoteAsset,
		Direction:       direction,
		Leverage:        pos.Leverage,
		State:           pp.State.String(),
		OpenedAt:        pos.OpenedAt,
		Collateral:      s.registry.Format(pos.CollateralAsset(), pos.CollateralSize),
		Size:            s.registry.Format(held, pos.PositionSize),
		Borrowed:        s.registry.Format(debt, pos.TotalBorrow),
		AccruedInterest: s.registry.Format(debt, pp.AccruedInterest),
		InitialPrice:    price(pos.InitialPrice),
		CurrentPrice:    price(pp.CurrentPrice),
		BreakEven:       price(pos.BreakEvenLimit),
		LimitPrice:      price(pos.LimitPrice),
		StopLossPrice:   price(pos.StopLossPrice),
		PnL:             s.registry.Format(held, pp.PnL),
		CollateralLeft:  s.registry.Format(held, pp.CollateralLeft),
		Ticket:          uint64(pos.LiquidityTicket),
	}, nil
}

func (s *JSONRPCServer) getPositionState(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	state, err := s.engine.PositionState(ctx, p.ID)
	if err != nil {
		return nil, s.engineError(err)
	}
	return map[string]interface{}{
		"id":           p.ID,
		"state":        int(state),
		"name":         state.String(),
		"liquidatable": state.Liquidatable(),
	}, nil
}

func (s *JSONRPCServer) getTraderPositions(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader assets.Account `json:"trader"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Trader == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "trader required"}
	}
	return s.engine.TraderPositions(p.Trader), nil
}

func (s *JSONRPCServer) getLiquidatable(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Start uint64 `json:"start"`
		Count uint64 `json:"count"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
	}
	page, err := s.engine.GetLiquidatablePositions(ctx, p.Start, p.Count)
	if err != nil {
		return nil, s.engineError(err)
	}
	ids := page.IDs
	if ids == nil {
		ids = []uint64{}
	}
	return map[string]interface{}{
		"ids":  ids,
		"next": page.Next,
		"done": page.Done,
	}, nil
}

func (s *JSONRPCServer) getPrice(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Base  assets.ID `json:"base"`
		Quote assets.ID `json:"quote"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	price, err := s.prices.GetPrice(ctx, p.Base, p.Quote)
	if err != nil {
		return nil, s.engineError(err)
	}
	return map[string]interface{}{
		"base":  p.Base,
		"quote": p.Quote,
		"price": s.registry.Format(p.Quote, price),
		"raw":   price.String(),
	}, nil
}

func (s *JSONRPCServer) getLedger(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset assets.ID `json:"asset"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
	}

	list := []assets.ID{p.Asset}
	if p.Asset == "" {
		list = s.ledger.Assets()
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, asset := range list {
		st, err := s.ledger.Stats(asset)
		if err != nil {
			return nil, s.engineError(err)
		}
		out = append(out, map[string]interface{}{
			"asset":       st.Asset,
			"onHand":      s.registry.Format(asset, st.OnHand),
			"borrowed":    s.registry.Format(asset, st.Borrowed),
			"totalAssets": s.registry.Format(asset, st.TotalAssets),
			"capacity":    s.registry.Format(asset, st.Capacity),
			"utilization": decimal.NewFromFloat(st.Utilization).StringFixed(4),
			"hourlyRate":  decimal.NewFromBigInt(st.HourlyRate, -18).String(),
		})
	}
	return out, nil
}

func (s *JSONRPCServer) getInfo() (interface{}, error) {
	return map[string]interface{}{
		"version":       Version,
		"network":       s.network,
		"timestamp":     time.Now().Unix(),
		"openPositions": s.engine.Count(),
		"nextId":        s.engine.NextID(),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// StartJSONRPCServer serves s on addr until ctx is done.
func StartJSONRPCServer(ctx context.Context, addr string, s *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", s)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("JSON-RPC server started", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
