package math_test

import (
	"math/big"
	"testing"

	fp "MemePerp/internal/math"
)

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int literal %q", s)
	}
	return v
}

// ============================================================================
// Test: Div rounding
// ============================================================================

func TestDiv_RoundingModes(t *testing.T) {
	cases := []struct {
		num, den int64
		mode     fp.RoundingMode
		want     int64
	}{
		{5, 2, fp.RoundHalfEven, 2},
		{7, 2, fp.RoundHalfEven, 4},
		{-5, 2, fp.RoundHalfEven, -2},
		{-7, 2, fp.RoundHalfEven, -4},
		{10, 3, fp.RoundHalfEven, 3},
		{11, 3, fp.RoundHalfEven, 4},
		{5, 2, fp.RoundUp, 3},
		{-5, 2, fp.RoundUp, -3},
		{-7, 2, fp.RoundDown, -3},
		{9, 3, fp.RoundUp, 3},
	}
	for _, c := range cases {
		got := fp.Div(big.NewInt(c.num), big.NewInt(c.den), c.mode)
		if got.Int64() != c.want {
			t.Errorf("Div(%d, %d, %d) = %s, want %d", c.num, c.den, c.mode, got, c.want)
		}
	}
}

// ============================================================================
// Test: margin and notional
// ============================================================================

func TestComputeRequiredMargin_FiveX(t *testing.T) {
	size := mustBig(t, "100000000000000000000") // 100 tokens
	price := big.NewInt(1_000_000_000_000)
	got := fp.ComputeRequiredMargin(size, price, 50_000)
	if got.Cmp(big.NewInt(20_000_000_000_000)) != 0 {
		t.Errorf("margin = %s, want 20000000000000", got)
	}
}

func TestComputeRequiredMargin_RoundsUp(t *testing.T) {
	got := fp.ComputeRequiredMargin(big.NewInt(1), mustBig(t, "1000000000000000000"), 30_000)
	// notional 1 wei at 3x = 0.33 -> 1
	if got.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("margin = %s, want 1", got)
	}
}

func TestComputeNotional(t *testing.T) {
	size := mustBig(t, "2000000000000000000") // 2 tokens
	price := mustBig(t, "3000000000000000")   // 0.003
	got := fp.ComputeNotional(size, price)
	if got.Cmp(mustBig(t, "6000000000000000")) != 0 {
		t.Errorf("notional = %s", got)
	}
}

// ============================================================================
// Test: PnL and entry price
// ============================================================================

func TestComputePnL_LongAndShort(t *testing.T) {
	size := mustBig(t, "100000000000000000000")
	entry := big.NewInt(1_000_000_000_000)
	exit := big.NewInt(2_000_000_000_000)

	long := fp.ComputePnL(1, exit, entry, size)
	if long.Cmp(big.NewInt(100_000_000_000_000)) != 0 {
		t.Errorf("long pnl = %s", long)
	}
	short := fp.ComputePnL(-1, exit, entry, size)
	if short.Cmp(big.NewInt(-100_000_000_000_000)) != 0 {
		t.Errorf("short pnl = %s", short)
	}
}

func TestComputeAvgEntryPrice_RoundTrip(t *testing.T) {
	oldSize := big.NewInt(100)
	oldEntry := big.NewInt(1_000)
	fillSize := big.NewInt(100)
	fillPrice := big.NewInt(2_000)

	avg := fp.ComputeAvgEntryPrice(oldSize, oldEntry, fillSize, fillPrice)
	if avg.Int64() != 1_500 {
		t.Fatalf("avg = %s, want 1500", avg)
	}

	back := fp.ComputeRemovedAvgEntryPrice(big.NewInt(200), avg, fillSize, fillPrice)
	if back.Int64() != 1_000 {
		t.Errorf("removed avg = %s, want 1000", back)
	}
}

func TestComputeAvgEntryPrice_FromFlat(t *testing.T) {
	avg := fp.ComputeAvgEntryPrice(new(big.Int), new(big.Int), big.NewInt(5), big.NewInt(42))
	if avg.Int64() != 42 {
		t.Errorf("avg = %s, want 42", avg)
	}
}

// ============================================================================
// Test: liquidation price
// ============================================================================

func TestComputeLiquidationPrice_TenXLong(t *testing.T) {
	entry := mustBig(t, "5000000000000000") // 0.005
	got := fp.ComputeLiquidationPrice(entry, 100_000, 200, true)
	want := mustBig(t, "4600000000000000") // entry * 0.92
	if got.Cmp(want) != 0 {
		t.Errorf("liq price = %s, want %s", got, want)
	}
}

func TestComputeLiquidationPrice_TenXShort(t *testing.T) {
	entry := mustBig(t, "5000000000000000")
	got := fp.ComputeLiquidationPrice(entry, 100_000, 200, false)
	want := mustBig(t, "5400000000000000") // entry * 1.08
	if got.Cmp(want) != 0 {
		t.Errorf("liq price = %s, want %s", got, want)
	}
}

func TestComputeLiquidationPrice_NonIntegerInverse(t *testing.T) {
	// 3x: 1/3 is not representable in bps; the factor is evaluated exactly.
	entry := big.NewInt(3_000_000)
	got := fp.ComputeLiquidationPrice(entry, 30_000, 0, true)
	if got.Int64() != 2_000_000 {
		t.Errorf("liq price = %s, want 2000000", got)
	}
}

func TestRatioBps(t *testing.T) {
	if got := fp.RatioBps(big.NewInt(1), big.NewInt(4)); got != 2_500 {
		t.Errorf("ratio = %d, want 2500", got)
	}
	if got := fp.RatioBps(big.NewInt(1), new(big.Int)); got != 0 {
		t.Errorf("ratio with zero denominator = %d, want 0", got)
	}
}
