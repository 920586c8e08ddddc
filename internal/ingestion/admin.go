package ingestion

import (
	"MemePerp/internal/event"
	"MemePerp/internal/state"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// AdminSource tags mark prices injected by an operator.
const AdminSource = "admin"

// AdminService injects events by hand. It backs the development routes of
// the HTTP server and is not meant for high-throughput ingestion.
type AdminService struct {
	app Applier
	now func() time.Time
}

func NewAdminService(app Applier) *AdminService {
	return &AdminService{app: app, now: time.Now}
}

// InjectDeposit credits trader as if a deposit log had been observed.
// Each call gets a unique reference, so repeated calls credit repeatedly.
func (s *AdminService) InjectDeposit(ctx context.Context, trader event.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return s.app.ApplyDeposit(&event.Deposit{
		TxHash: "admin:" + uuid.NewString(),
		Trader: trader,
		Amount: new(big.Int).Set(amount),
	})
}

// InjectMarkPrice sets the mark price of token. The sequence is the current
// time in microseconds, so later injections always win.
func (s *AdminService) InjectMarkPrice(ctx context.Context, token event.Address, price *big.Int) (bool, error) {
	if price == nil || price.Sign() <= 0 {
		return false, fmt.Errorf("mark price must be positive")
	}
	now := s.now()
	return s.app.ApplyMarkPrice(ctx, &event.MarkPriceUpdate{
		Token:          token,
		MarkPrice:      new(big.Int).Set(price),
		Source:         AdminSource,
		PriceSequence:  now.UnixMicro(),
		PriceTimestamp: now.UnixMilli(),
	})
}

// InjectRiskParams applies a risk parameter change.
func (s *AdminService) InjectRiskParams(ctx context.Context, u *event.RiskParamUpdate) (state.MarketParams, error) {
	if u.UpdateSequence == 0 {
		u.UpdateSequence = s.now().UnixMicro()
	}
	return s.app.UpdateParams(ctx, u)
}
