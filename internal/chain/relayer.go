package chain

import (
	"MemePerp/internal/event"
	"MemePerp/internal/settlement"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Relayer request subjects. The relayer process owns the contract keys and
// submits transactions; the engine talks to it over NATS request/reply.
const (
	SubjectSettle   = "memeperp.relayer.settle"
	SubjectNonces   = "memeperp.relayer.nonces"
	SubjectBalance  = "memeperp.relayer.balance"
	SubjectDeposit  = "memeperp.relayer.deposit"
	SubjectWithdraw = "memeperp.relayer.withdraw"
)

// Requester is the request side of a NATS connection.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Relayer implements Contract by forwarding calls to a relayer service.
type Relayer struct {
	nc Requester
}

var _ Contract = (*Relayer)(nil)

func NewRelayer(nc Requester) *Relayer {
	return &Relayer{nc: nc}
}

// --- Wire types ---

type wireTrade struct {
	TradeID     string        `json:"tradeId"`
	Token       event.Address `json:"token"`
	LongTrader  event.Address `json:"longTrader"`
	ShortTrader event.Address `json:"shortTrader"`
	LongNonce   uint64        `json:"longNonce"`
	ShortNonce  uint64        `json:"shortNonce"`
	Price       string        `json:"price"`
	Size        string        `json:"size"`
}

type wireLiquidation struct {
	LiquidationID string        `json:"liquidationId"`
	Trader        event.Address `json:"trader"`
	Token         event.Address `json:"token"`
	IsLong        bool          `json:"isLong"`
	Size          string        `json:"size"`
	MarkPrice     string        `json:"markPrice"`
	Penalty       string        `json:"penalty"`
	Returned      string        `json:"returned"`
}

type settleRequest struct {
	BatchID      string            `json:"batchId"`
	Calldata     string            `json:"calldata"`
	Trades       []wireTrade       `json:"trades"`
	Liquidations []wireLiquidation `json:"liquidations"`
}

type accountRequest struct {
	Trader event.Address `json:"trader"`
	Amount string        `json:"amount,omitempty"`
}

type relayerResponse struct {
	TxHash   string `json:"txHash,omitempty"`
	Value    string `json:"value,omitempty"`
	Block    int64  `json:"block,omitempty"`
	LogIndex int64  `json:"logIndex,omitempty"`
	Reverted bool   `json:"reverted,omitempty"`
	Error    string `json:"error,omitempty"`
}

// --- Client ---

func (r *Relayer) SettleBatch(ctx context.Context, b *settlement.Batch) (string, error) {
	calldata, err := EncodeSettleBatch(b)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, settlement.ErrRejected)
	}
	req := settleRequest{BatchID: b.ID.String(), Calldata: "0x" + hex.EncodeToString(calldata)}
	for _, t := range b.Trades() {
		req.Trades = append(req.Trades, wireTrade{
			TradeID:     t.TradeID.String(),
			Token:       t.Token,
			LongTrader:  t.LongTrader,
			ShortTrader: t.ShortTrader,
			LongNonce:   t.LongNonce,
			ShortNonce:  t.ShortNonce,
			Price:       t.Price.String(),
			Size:        t.Size.String(),
		})
	}
	for _, l := range b.Liquidations() {
		req.Liquidations = append(req.Liquidations, wireLiquidation{
			LiquidationID: l.LiquidationID.String(),
			Trader:        l.Trader,
			Token:         l.Token,
			IsLong:        l.Side == event.SideLong,
			Size:          decimal(l.Size),
			MarkPrice:     decimal(l.MarkPrice),
			Penalty:       decimal(l.Penalty),
			Returned:      decimal(l.Returned),
		})
	}

	resp, err := r.call(ctx, SubjectSettle, req)
	if err != nil {
		return "", err
	}
	return resp.TxHash, nil
}

func (r *Relayer) Nonces(ctx context.Context, trader event.Address) (uint64, error) {
	resp, err := r.call(ctx, SubjectNonces, accountRequest{Trader: trader})
	if err != nil {
		return 0, err
	}
	n, ok := new(big.Int).SetString(resp.Value, 10)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("relayer returned invalid nonce %q", resp.Value)
	}
	return n.Uint64(), nil
}

func (r *Relayer) GetUserBalance(ctx context.Context, trader event.Address) (*big.Int, error) {
	resp, err := r.call(ctx, SubjectBalance, accountRequest{Trader: trader})
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(resp.Value, 10)
	if !ok {
		return nil, fmt.Errorf("relayer returned invalid balance %q", resp.Value)
	}
	return v, nil
}

func (r *Relayer) Deposit(ctx context.Context, trader event.Address, amount *big.Int) (*event.Deposit, error) {
	resp, err := r.call(ctx, SubjectDeposit, accountRequest{Trader: trader, Amount: amount.String()})
	if err != nil {
		return nil, err
	}
	return &event.Deposit{
		TxHash: resp.TxHash, LogIndex: resp.LogIndex, Trader: trader,
		Amount: new(big.Int).Set(amount), Block: resp.Block,
	}, nil
}

func (r *Relayer) Withdraw(ctx context.Context, trader event.Address, amount *big.Int) (*event.Withdrawal, error) {
	resp, err := r.call(ctx, SubjectWithdraw, accountRequest{Trader: trader, Amount: amount.String()})
	if err != nil {
		return nil, err
	}
	return &event.Withdrawal{
		TxHash: resp.TxHash, LogIndex: resp.LogIndex, Trader: trader,
		Amount: new(big.Int).Set(amount), Block: resp.Block,
	}, nil
}

func (r *Relayer) call(ctx context.Context, subject string, req any) (*relayerResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", subject, err)
	}
	msg, err := r.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("relayer %s: %w", subject, err)
	}
	var resp relayerResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", subject, err)
	}
	if resp.Reverted {
		return nil, fmt.Errorf("relayer %s: %s: %w", subject, resp.Error, settlement.ErrRejected)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("relayer %s: %s", subject, resp.Error)
	}
	return &resp, nil
}

func decimal(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

// --- Server ---

// Responder serves a Contract on the relayer subjects. Dev mode runs it
// over the simulated contract so the NATS path is exercised end to end.
type Responder struct {
	contract Contract
	log      zerolog.Logger
	subs     []*nats.Subscription
}

func NewResponder(contract Contract, logger zerolog.Logger) *Responder {
	return &Responder{contract: contract, log: logger}
}

// Serve subscribes to every relayer subject on nc.
func (rs *Responder) Serve(ctx context.Context, nc *nats.Conn) error {
	handlers := map[string]func(context.Context, []byte) (*relayerResponse, error){
		SubjectSettle:   rs.settle,
		SubjectNonces:   rs.nonces,
		SubjectBalance:  rs.balance,
		SubjectDeposit:  rs.deposit,
		SubjectWithdraw: rs.withdraw,
	}
	for subject, h := range handlers {
		h := h
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			resp, err := h(ctx, msg.Data)
			if err != nil {
				resp = &relayerResponse{Error: err.Error(), Reverted: errors.Is(err, settlement.ErrRejected)}
			}
			data, _ := json.Marshal(resp)
			if err := msg.Respond(data); err != nil {
				rs.log.Warn().Err(err).Str("subject", msg.Subject).Msg("relayer respond failed")
			}
		})
		if err != nil {
			rs.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		rs.subs = append(rs.subs, sub)
	}
	rs.log.Info().Int("subjects", len(rs.subs)).Msg("relayer responder serving")
	return nil
}

func (rs *Responder) Close() {
	for _, s := range rs.subs {
		_ = s.Unsubscribe()
	}
	rs.subs = nil
}

func (rs *Responder) settle(ctx context.Context, data []byte) (*relayerResponse, error) {
	var req settleRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	b, err := req.batch()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, settlement.ErrRejected)
	}
	tx, err := rs.contract.SettleBatch(ctx, b)
	if err != nil {
		return nil, err
	}
	return &relayerResponse{TxHash: tx}, nil
}

func (rs *Responder) nonces(ctx context.Context, data []byte) (*relayerResponse, error) {
	var req accountRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	n, err := rs.contract.Nonces(ctx, req.Trader)
	if err != nil {
		return nil, err
	}
	return &relayerResponse{Value: new(big.Int).SetUint64(n).String()}, nil
}

func (rs *Responder) balance(ctx context.Context, data []byte) (*relayerResponse, error) {
	var req accountRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	v, err := rs.contract.GetUserBalance(ctx, req.Trader)
	if err != nil {
		return nil, err
	}
	return &relayerResponse{Value: v.String()}, nil
}

func (rs *Responder) deposit(ctx context.Context, data []byte) (*relayerResponse, error) {
	req, amount, err := decodeAmount(data)
	if err != nil {
		return nil, err
	}
	d, err := rs.contract.Deposit(ctx, req.Trader, amount)
	if err != nil {
		return nil, err
	}
	return &relayerResponse{TxHash: d.TxHash, Block: d.Block, LogIndex: d.LogIndex}, nil
}

func (rs *Responder) withdraw(ctx context.Context, data []byte) (*relayerResponse, error) {
	req, amount, err := decodeAmount(data)
	if err != nil {
		return nil, err
	}
	w, err := rs.contract.Withdraw(ctx, req.Trader, amount)
	if err != nil {
		return nil, err
	}
	return &relayerResponse{TxHash: w.TxHash, Block: w.Block, LogIndex: w.LogIndex}, nil
}

func decodeAmount(data []byte) (accountRequest, *big.Int, error) {
	var req accountRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, nil, err
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return req, nil, fmt.Errorf("invalid amount %q", req.Amount)
	}
	return req, amount, nil
}

// batch rebuilds the settlement batch carried by a request.
func (req *settleRequest) batch() (*settlement.Batch, error) {
	id, err := uuid.Parse(req.BatchID)
	if err != nil {
		return nil, fmt.Errorf("batchId: %w", err)
	}
	b := &settlement.Batch{ID: id}
	for _, t := range req.Trades {
		tradeID, err := uuid.Parse(t.TradeID)
		if err != nil {
			return nil, fmt.Errorf("tradeId: %w", err)
		}
		price, ok1 := new(big.Int).SetString(t.Price, 10)
		size, ok2 := new(big.Int).SetString(t.Size, 10)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("trade %s: invalid price or size", t.TradeID)
		}
		b.Items = append(b.Items, settlement.Item{Trade: &event.Trade{
			TradeID: tradeID, Token: t.Token,
			LongTrader: t.LongTrader, ShortTrader: t.ShortTrader,
			LongNonce: t.LongNonce, ShortNonce: t.ShortNonce,
			Price: price, Size: size,
		}})
	}
	for _, l := range req.Liquidations {
		liqID, err := uuid.Parse(l.LiquidationID)
		if err != nil {
			return nil, fmt.Errorf("liquidationId: %w", err)
		}
		vals := make([]*big.Int, 4)
		for i, s := range []string{l.Size, l.MarkPrice, l.Penalty, l.Returned} {
			v, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, fmt.Errorf("liquidation %s: invalid amount %q", l.LiquidationID, s)
			}
			vals[i] = v
		}
		side := event.SideShort
		if l.IsLong {
			side = event.SideLong
		}
		b.Items = append(b.Items, settlement.Item{Liquidation: &event.Liquidation{
			LiquidationID: liqID, PairID: event.PairID(l.Token, l.Trader), Trader: l.Trader, Token: l.Token, Side: side,
			Size: vals[0], MarkPrice: vals[1], Penalty: vals[2], Returned: vals[3],
		}})
	}
	return b, nil
}
