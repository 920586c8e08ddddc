package server

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/book"
	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/marketdata"
	"MemePerp/internal/order"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// --- DTOs: integers travel as decimal strings ---

type SubmitResponse struct {
	Success bool        `json:"success"`
	OrderID string      `json:"orderId"`
	Status  string      `json:"status"`
	Filled  string      `json:"filled"`
	Matches []MatchView `json:"matches,omitempty"`
}

type MatchView struct {
	TradeID      string `json:"tradeId"`
	MakerOrderID string `json:"makerOrderId"`
	Price        string `json:"price"`
	Size         string `json:"size"`
}

type CancelResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Filled  string `json:"filled"`
}

type LevelView struct {
	Price  string `json:"price"`
	Size   string `json:"size"`
	Orders int    `json:"orders"`
}

type OrderbookResponse struct {
	Token     event.Address `json:"token"`
	Bids      []LevelView   `json:"bids"`
	Asks      []LevelView   `json:"asks"`
	LastPrice string        `json:"lastPrice"`
	MarkPrice string        `json:"markPrice"`
}

type NonceResponse struct {
	Address event.Address `json:"address"`
	Nonce   string        `json:"nonce"`
}

type BalanceResponse struct {
	Address   event.Address `json:"address"`
	Available string        `json:"available"`
	Locked    string        `json:"locked"`
}

type PositionResponse struct {
	Token            event.Address `json:"token"`
	Side             string        `json:"side"`
	Size             string        `json:"size"`
	EntryPrice       string        `json:"entryPrice"`
	Collateral       string        `json:"collateral"`
	Leverage         int64         `json:"leverage"`
	RealizedPnL      string        `json:"realizedPnl"`
	State            string        `json:"state"`
	MarkPrice        string        `json:"markPrice,omitempty"`
	UnrealizedPnL    string        `json:"unrealizedPnl,omitempty"`
	MarginRatioBps   int64         `json:"marginRatioBps,omitempty"`
	LiquidationPrice string        `json:"liquidationPrice,omitempty"`
	RiskLevel        string        `json:"riskLevel,omitempty"`
}

type PositionsResponse struct {
	Address   event.Address      `json:"address"`
	Positions []PositionResponse `json:"positions"`
}

type FundingResponse struct {
	Token         event.Address            `json:"token"`
	PredictedRate int64                    `json:"predictedRate"`
	NextEpoch     int64                    `json:"nextEpoch"`
	NextFunding   int64                    `json:"nextFunding"` // unix ms
	Recent        []marketdata.FundingData `json:"recent"`
}

func dec(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func levelViews(levels []book.DepthLevel) []LevelView {
	out := make([]LevelView, 0, len(levels))
	for _, l := range levels {
		out = append(out, LevelView{Price: dec(l.Price), Size: dec(l.Size), Orders: l.Orders})
	}
	return out
}

func submitResponse(res *core.SubmitResult) SubmitResponse {
	out := SubmitResponse{
		Success: true,
		OrderID: res.OrderID.String(),
		Status:  res.Status.String(),
		Filled:  dec(res.Filled),
	}
	for _, m := range res.Matches {
		out.Matches = append(out.Matches, MatchView{
			TradeID:      m.TradeID.String(),
			MakerOrderID: m.MakerOrderID.String(),
			Price:        dec(m.Price),
			Size:         dec(m.Size),
		})
	}
	return out
}

func positionResponse(v *core.PositionView) PositionResponse {
	p := v.Position
	out := PositionResponse{
		Token:       p.Token,
		Side:        p.Side.String(),
		Size:        dec(p.Size),
		EntryPrice:  dec(p.EntryPrice),
		Collateral:  dec(p.Collateral),
		Leverage:    p.Leverage,
		RealizedPnL: dec(p.RealizedPnL),
		State:       p.LiquidationState.String(),
	}
	if a := v.Assessment; a != nil {
		out.MarkPrice = dec(a.MarkPrice)
		out.UnrealizedPnL = dec(a.UnrealizedPnL)
		out.MarginRatioBps = a.MarginRatioBps
		out.LiquidationPrice = dec(a.LiquidationPrice)
		out.RiskLevel = a.Level.String()
	}
	return out
}

// --- Request helpers ---

func pathAddress(params map[string]string, name string) (event.Address, error) {
	addr, err := event.ParseAddress(params[name])
	if err != nil {
		return event.ZeroAddress, apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "%s", name)
	}
	return addr, nil
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "query parameter %s", name)
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	d := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	d.DisallowUnknownFields()
	if err := d.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "decode body")
	}
	return nil
}

func parsePositive(s, name string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, apperr.New(apperr.CodeInvalidOrderParameters, "%s must be a positive decimal integer", name)
	}
	return v, nil
}

// --- Orders ---

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, err := order.DecodeSubmitRequest(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.orders.Allow(strings.ToLower(req.Trader)) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimited.Inc()
		}
		writeRateLimited(w)
		return
	}

	res, err := s.deps.Exchange.SubmitRequest(r.Context(), req)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			s.log.Error().Err(err).Str("trader", req.Trader).Msg("submit failed")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse(res))
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, err := order.DecodeCancelRequest(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := s.deps.Exchange.Cancel(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{
		Success: true,
		OrderID: o.ID.String(),
		Status:  o.Status.String(),
		Filled:  dec(o.Filled),
	})
}

// --- Market data ---

func (s *HTTPServer) handleOrderbook(w http.ResponseWriter, r *http.Request, params map[string]string) {
	token, err := pathAddress(params, "token")
	if err != nil {
		writeError(w, err)
		return
	}
	levels, err := queryInt(r, "levels", int64(s.cfg.DefaultLevels))
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.deps.Exchange.Orderbook(r.Context(), token, int(levels))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderbookResponse{
		Token:     snap.Token,
		Bids:      levelViews(snap.Bids),
		Asks:      levelViews(snap.Asks),
		LastPrice: dec(snap.LastPrice),
		MarkPrice: dec(snap.MarkPrice),
	})
}

func (s *HTTPServer) handleFunding(w http.ResponseWriter, r *http.Request, params map[string]string) {
	token, err := pathAddress(params, "token")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 24)
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := s.deps.Funding.Summary(r.Context(), token, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	out := FundingResponse{
		Token:         sum.Token,
		PredictedRate: sum.PredictedRate,
		NextEpoch:     sum.NextEpoch,
		NextFunding:   sum.NextFunding.UnixMilli(),
		Recent:        make([]marketdata.FundingData, 0, len(sum.Recent)),
	}
	for _, rec := range sum.Recent {
		out.Recent = append(out.Recent, marketdata.NewFundingData(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Accounts ---

func (s *HTTPServer) handleNonce(w http.ResponseWriter, r *http.Request, params map[string]string) {
	addr, err := pathAddress(params, "address")
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.deps.Exchange.NextNonce(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NonceResponse{Address: addr, Nonce: strconv.FormatUint(n, 10)})
}

func (s *HTTPServer) handleBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	addr, err := pathAddress(params, "address")
	if err != nil {
		writeError(w, err)
		return
	}
	b := s.deps.Exchange.Balance(addr)
	writeJSON(w, http.StatusOK, BalanceResponse{Address: addr, Available: dec(b.Available), Locked: dec(b.Locked)})
}

func (s *HTTPServer) handlePositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	addr, err := pathAddress(params, "address")
	if err != nil {
		writeError(w, err)
		return
	}
	views, err := s.deps.Exchange.Positions(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	out := PositionsResponse{Address: addr, Positions: make([]PositionResponse, 0, len(views))}
	for _, v := range views {
		out.Positions = append(out.Positions, positionResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- History (Postgres) ---

func (s *HTTPServer) handleTrades(w http.ResponseWriter, r *http.Request, params map[string]string) {
	addr, err := pathAddress(params, "address")
	if err != nil {
		writeError(w, err)
		return
	}
	beforeMs, err := queryInt(r, "before", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	var before time.Time
	if beforeMs > 0 {
		before = time.UnixMilli(beforeMs)
	}
	trades, err := s.deps.History.Trades(r.Context(), addr, before, int(limit))
	if err != nil {
		s.log.Error().Err(err).Msg("trade history query failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *HTTPServer) handleLiquidations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	addr, err := pathAddress(params, "address")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	liqs, err := s.deps.History.Liquidations(r.Context(), addr, int(limit))
	if err != nil {
		s.log.Error().Err(err).Msg("liquidation history query failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liqs)
}

func (s *HTTPServer) handleJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	addr, err := pathAddress(params, "address")
	if err != nil {
		writeError(w, err)
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.deps.History.Journal(r.Context(), addr, after, int(limit))
	if err != nil {
		s.log.Error().Err(err).Msg("journal query failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Dev tooling ---

type devDepositRequest struct {
	Trader string `json:"trader"`
	Amount string `json:"amount"`
}

type devMarkPriceRequest struct {
	Token string `json:"token"`
	Price string `json:"price"`
}

func (s *HTTPServer) handleDevDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req devDepositRequest
	if err := decodeBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	trader, err := event.ParseAddress(req.Trader)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "trader"))
		return
	}
	amount, err := parsePositive(req.Amount, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Admin.InjectDeposit(r.Context(), trader, amount); err != nil {
		writeError(w, err)
		return
	}
	b := s.deps.Exchange.Balance(trader)
	writeJSON(w, http.StatusOK, BalanceResponse{Address: trader, Available: dec(b.Available), Locked: dec(b.Locked)})
}

func (s *HTTPServer) handleDevMarkPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req devMarkPriceRequest
	if err := decodeBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	token, err := event.ParseAddress(req.Token)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "token"))
		return
	}
	price, err := parsePositive(req.Price, "price")
	if err != nil {
		writeError(w, err)
		return
	}
	applied, err := s.deps.Admin.InjectMarkPrice(r.Context(), token, price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "applied": applied})
}
