package state

import (
	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMMRBps            = 200    // 2%
	DefaultMaxLeverage       = 200000 // 20x
	DefaultLiquidationFeeBps = 50
	DefaultMaxFundingRate    = 50_000 // 0.05% per interval at RatePrecision
)

// MarketParams defines the risk configuration of one market.
type MarketParams struct {
	Token             event.Address `yaml:"token"`
	Symbol            string        `yaml:"symbol"`
	MMRBps            int64         `yaml:"mmr_bps"`
	MaxLeverage       int64         `yaml:"max_leverage"` // LeveragePrecision scale
	LiquidationFeeBps int64         `yaml:"liquidation_fee_bps"`
	MaxFundingRate    int64         `yaml:"max_funding_rate"` // RatePrecision scale
	Active            bool          `yaml:"-"`
}

// DefaultMarketParams returns an active market with default risk settings.
func DefaultMarketParams(token event.Address, symbol string) MarketParams {
	return MarketParams{
		Token:             token,
		Symbol:            symbol,
		MMRBps:            DefaultMMRBps,
		MaxLeverage:       DefaultMaxLeverage,
		LiquidationFeeBps: DefaultLiquidationFeeBps,
		MaxFundingRate:    DefaultMaxFundingRate,
		Active:            true,
	}
}

// ValidateMarketParams checks that risk parameters are within valid ranges:
// 0 < mmr < 1, max leverage >= 1x and below 1/mmr, fee < mmr.
func ValidateMarketParams(p *MarketParams) error {
	if p.Token.IsZero() {
		return fmt.Errorf("token must be set")
	}
	if p.MMRBps <= 0 || p.MMRBps >= fpmath.BpsScale {
		return fmt.Errorf("mmr_bps must be in (0, %d), got %d", fpmath.BpsScale, p.MMRBps)
	}
	if p.MaxLeverage < fpmath.LeveragePrecision {
		return fmt.Errorf("max_leverage must be >= %d, got %d", fpmath.LeveragePrecision, p.MaxLeverage)
	}
	// initial margin 1/lev must stay above maintenance margin
	if p.MaxLeverage*p.MMRBps >= fpmath.LeveragePrecision*fpmath.BpsScale {
		return fmt.Errorf("max_leverage %d leaves no room above mmr %d bps", p.MaxLeverage, p.MMRBps)
	}
	if p.LiquidationFeeBps < 0 || p.LiquidationFeeBps >= p.MMRBps {
		return fmt.Errorf("liquidation_fee_bps must be in [0, mmr_bps), got %d", p.LiquidationFeeBps)
	}
	if p.MaxFundingRate < 0 || p.MaxFundingRate > fpmath.RatePrecision {
		return fmt.Errorf("max_funding_rate must be in [0, %d], got %d", fpmath.RatePrecision, p.MaxFundingRate)
	}
	return nil
}

// Apply merges a runtime update into p. Zero fields keep their value.
func (p MarketParams) Apply(u *event.RiskParamUpdate) (MarketParams, error) {
	next := p
	if u.MMRBps != 0 {
		next.MMRBps = u.MMRBps
	}
	if u.MaxLeverage != 0 {
		next.MaxLeverage = u.MaxLeverage
	}
	if u.LiquidationFee != 0 {
		next.LiquidationFeeBps = u.LiquidationFee
	}
	if u.Active != nil {
		next.Active = *u.Active
	}
	if err := ValidateMarketParams(&next); err != nil {
		return p, fmt.Errorf("invalid risk params for %s: %w", p.Token.Hex(), err)
	}
	return next, nil
}

type marketEntry struct {
	MarketParams `yaml:",inline"`
	Active       *bool `yaml:"active"`
}

type marketsFile struct {
	Markets []marketEntry `yaml:"markets"`
}

// LoadMarkets reads the market list from a YAML file. Missing risk fields
// take the defaults.
func LoadMarkets(path string) ([]MarketParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	return ParseMarkets(data)
}

func ParseMarkets(data []byte) ([]MarketParams, error) {
	var f marketsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse markets: %w", err)
	}

	seen := make(map[event.Address]bool)
	out := make([]MarketParams, 0, len(f.Markets))
	for i := range f.Markets {
		m := f.Markets[i].MarketParams
		m.Active = f.Markets[i].Active == nil || *f.Markets[i].Active
		if m.MMRBps == 0 {
			m.MMRBps = DefaultMMRBps
		}
		if m.MaxLeverage == 0 {
			m.MaxLeverage = DefaultMaxLeverage
		}
		if m.LiquidationFeeBps == 0 {
			m.LiquidationFeeBps = DefaultLiquidationFeeBps
		}
		if m.MaxFundingRate == 0 {
			m.MaxFundingRate = DefaultMaxFundingRate
		}
		if err := ValidateMarketParams(&m); err != nil {
			return nil, fmt.Errorf("market %d (%s): %w", i, m.Symbol, err)
		}
		if seen[m.Token] {
			return nil, fmt.Errorf("market %s listed twice", m.Token.Hex())
		}
		seen[m.Token] = true
		out = append(out, m)
	}
	return out, nil
}
