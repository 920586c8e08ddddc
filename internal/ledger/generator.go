package ledger

import (
	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"math/big"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for ledger operations.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

func (jg *JournalGenerator) newBatch(ref string, timestamp int64) *Batch {
	jg.sequence++
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  ref,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}
}

// post appends a transfer credit -> debit. Zero amounts are skipped so
// callers can post optional legs unconditionally.
func (b *Batch) post(debit, credit AccountKey, amount *big.Int, jt JournalType) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	if amount.Sign() < 0 {
		debit, credit = credit, debit
		amount = new(big.Int).Neg(amount)
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit credits an on-chain deposit: external:deposits -> available.
func (jg *JournalGenerator) GenerateDeposit(trader event.Address, amount *big.Int, ref string, ts int64) *Batch {
	b := jg.newBatch(ref, ts)
	b.post(UserAccount(trader, SubTypeAvailable), ExternalAccount(SubTypeDeposits), amount, JournalTypeDeposit)
	return b
}

// GenerateWithdrawal debits available collateral to external:withdrawals.
func (jg *JournalGenerator) GenerateWithdrawal(trader event.Address, amount *big.Int, ref string, ts int64) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(trader, amount); err != nil {
		return nil, err
	}
	b := jg.newBatch(ref, ts)
	b.post(ExternalAccount(SubTypeWithdrawals), UserAccount(trader, SubTypeAvailable), amount, JournalTypeWithdrawal)
	return b, nil
}

// GenerateMarginReserve locks collateral: available -> locked.
func (jg *JournalGenerator) GenerateMarginReserve(trader event.Address, amount *big.Int, ref string, ts int64) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(trader, amount); err != nil {
		return nil, err
	}
	b := jg.newBatch(ref, ts)
	b.post(UserAccount(trader, SubTypeLocked), UserAccount(trader, SubTypeAvailable), amount, JournalTypeMarginReserve)
	return b, nil
}

// GenerateMarginRelease unlocks collateral: locked -> available.
func (jg *JournalGenerator) GenerateMarginRelease(trader event.Address, amount *big.Int, ref string, ts int64) *Batch {
	b := jg.newBatch(ref, ts)
	b.post(UserAccount(trader, SubTypeAvailable), UserAccount(trader, SubTypeLocked), amount, JournalTypeMarginRelease)
	return b
}

// SettlementResult describes how a position close was funded.
type SettlementResult struct {
	Returned         *big.Int // collateral plus profit handed back to available
	Penalty          *big.Int // paid to the insurance fund
	Shortfall        *big.Int // loss beyond the position collateral
	InsuranceCovered *big.Int // part of the shortfall paid by the insurance fund
	Deficit          *big.Int // part of the shortfall nobody paid
}

// GeneratePositionSettlement closes collateral of an isolated position
// portion. PnL is realized against system:clearing, losses are capped at the
// collateral and the excess is drawn from the insurance fund. penalty is
// taken from what remains before the rest returns to available.
func (jg *JournalGenerator) GeneratePositionSettlement(
	trader event.Address,
	collateral *big.Int,
	pnl *big.Int,
	penalty *big.Int,
	ref string,
	ts int64,
) (*Batch, SettlementResult) {
	locked := UserAccount(trader, SubTypeLocked)
	clearing := SystemAccount(SubTypeClearing)
	insurance := SystemAccount(SubTypeInsuranceFund)

	res := SettlementResult{
		Returned:         new(big.Int),
		Penalty:          new(big.Int),
		Shortfall:        new(big.Int),
		InsuranceCovered: new(big.Int),
		Deficit:          new(big.Int),
	}
	b := jg.newBatch(ref, ts)

	remaining := new(big.Int).Set(collateral)
	if pnl.Sign() >= 0 {
		b.post(locked, clearing, pnl, JournalTypeRealizedPnL)
		remaining.Add(remaining, pnl)
	} else {
		loss := new(big.Int).Neg(pnl)
		paid := fpmath.MinBig(loss, collateral)
		b.post(clearing, locked, paid, JournalTypeRealizedPnL)
		remaining.Sub(remaining, paid)

		res.Shortfall.Sub(loss, paid)
		if res.Shortfall.Sign() > 0 {
			fund := jg.balanceTracker.GetBalance(insurance)
			if fund.Sign() > 0 {
				res.InsuranceCovered = fpmath.MinBig(fund, res.Shortfall)
			}
			b.post(clearing, insurance, res.InsuranceCovered, JournalTypeInsuranceCoverage)
			res.Deficit.Sub(res.Shortfall, res.InsuranceCovered)
		}
	}

	if penalty != nil && penalty.Sign() > 0 {
		res.Penalty = fpmath.MinBig(penalty, remaining)
		b.post(insurance, locked, res.Penalty, JournalTypeLiquidationPenalty)
		remaining.Sub(remaining, res.Penalty)
	}

	res.Returned.Set(remaining)
	b.post(UserAccount(trader, SubTypeAvailable), locked, remaining, JournalTypeMarginRelease)
	return b, res
}

// GenerateFundingCharge moves a funding payment from position collateral
// into the market's funding pool.
func (jg *JournalGenerator) GenerateFundingCharge(trader, token event.Address, amount *big.Int, ref string, ts int64) *Batch {
	b := jg.newBatch(ref, ts)
	b.post(MarketAccount(token, SubTypeFundingPool), UserAccount(trader, SubTypeLocked), amount, JournalTypeFundingCharge)
	return b
}

// GenerateFundingCredit pays a receiver from the funding pool into its
// position collateral.
func (jg *JournalGenerator) GenerateFundingCredit(trader, token event.Address, amount *big.Int, ref string, ts int64) *Batch {
	b := jg.newBatch(ref, ts)
	b.post(UserAccount(trader, SubTypeLocked), MarketAccount(token, SubTypeFundingPool), amount, JournalTypeFundingCredit)
	return b
}

// GenerateFundingSweep moves whatever is left in the pool to the insurance fund.
func (jg *JournalGenerator) GenerateFundingSweep(token event.Address, ref string, ts int64) *Batch {
	pool := MarketAccount(token, SubTypeFundingPool)
	b := jg.newBatch(ref, ts)
	b.post(SystemAccount(SubTypeInsuranceFund), pool, jg.balanceTracker.GetBalance(pool), JournalTypeFundingResidual)
	return b
}

// GenerateInsuranceSeed funds the insurance fund from outside the system.
func (jg *JournalGenerator) GenerateInsuranceSeed(amount *big.Int, ref string, ts int64) *Batch {
	b := jg.newBatch(ref, ts)
	b.post(SystemAccount(SubTypeInsuranceFund), ExternalAccount(SubTypeDeposits), amount, JournalTypeInsuranceSeed)
	return b
}

// GenerateReversal builds one compensating batch for the given batches,
// newest first, with debit and credit swapped on every leg.
func (jg *JournalGenerator) GenerateReversal(batches []*Batch, ref string, ts int64) *Batch {
	b := jg.newBatch(ref, ts)
	for i := len(batches) - 1; i >= 0; i-- {
		for k := len(batches[i].Journals) - 1; k >= 0; k-- {
			j := batches[i].Journals[k]
			b.post(j.CreditAccount, j.DebitAccount, j.Amount, JournalTypeReversal)
		}
	}
	return b
}
