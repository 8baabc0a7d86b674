package engine

import (
	"math"
	"testing"
	"time"
)

func testTaxConfig() TaxConfig {
	return TaxConfig{
		Filing: FilingSingle,
		Ordinary: map[FilingStatus][]Bracket{
			FilingSingle: {
				{Lower: 0, Rate: 0.10},
				{Lower: 11000, Rate: 0.12},
				{Lower: 44725, Rate: 0.22},
				{Lower: 95375, Rate: 0.24},
			},
		},
		CapitalGains: map[FilingStatus][]Bracket{
			FilingSingle: {
				{Lower: 0, Rate: 0},
				{Lower: 44625, Rate: 0.15},
				{Lower: 492300, Rate: 0.20},
			},
		},
		StandardDeduction: map[FilingStatus]float64{FilingSingle: 13850},
		StateRate:         0.05,
		LossCap:           3000,
		PenaltyRate:       0.10,
		RmdTable:          DefaultRmdTable(),
	}
}

func reconcileBare(t *testing.T, te *TaxEngine) YearlyTax {
	t.Helper()
	summary, err := te.ReconcileYear(NewDate(2026, time.January, 1), 2025, NoAccount, &Portfolio{reg: NewRegistry()}, NewLedger())
	if err != nil {
		t.Fatal(err)
	}
	return summary
}

func TestProgressiveTax(t *testing.T) {
	brackets := testTaxConfig().Ordinary[FilingSingle]
	cases := []struct {
		income float64
		want   float64
	}{
		{0, 0},
		{10000, 1000},
		{11000, 1100},
		{20000, 1100 + 9000*0.12},
		{100000, 11000*0.10 + (44725-11000)*0.12 + (95375-44725)*0.22 + (100000-95375)*0.24},
	}
	for _, c := range cases {
		if got := progressiveTax(c.income, brackets); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("progressiveTax(%v) = %v, want %v", c.income, got, c.want)
		}
	}
}

func TestMarginalRateBinarySearch(t *testing.T) {
	brackets := testTaxConfig().Ordinary[FilingSingle]
	cases := []struct {
		income float64
		want   float64
	}{
		{0, 0.10}, {10999, 0.10}, {11000, 0.12}, {50000, 0.22}, {1e9, 0.24},
	}
	for _, c := range cases {
		if got := marginalRate(c.income, brackets); got != c.want {
			t.Errorf("marginalRate(%v) = %v, want %v", c.income, got, c.want)
		}
	}
}

func TestReconcileOrdinaryWithDeduction(t *testing.T) {
	cfg := testTaxConfig()
	te := NewTaxEngine(&cfg)
	te.AccrueOrdinary(60000)
	summary := reconcileBare(t, te)

	taxable := 60000.0 - 13850
	wantFed := progressiveTax(taxable, cfg.Ordinary[FilingSingle])
	if math.Abs(summary.OrdinaryTax-wantFed) > 1e-9 {
		t.Errorf("ordinary tax %v, want %v", summary.OrdinaryTax, wantFed)
	}
	if math.Abs(summary.StateTax-0.05*taxable) > 1e-9 {
		t.Errorf("state tax %v, want %v", summary.StateTax, 0.05*taxable)
	}
	// Accumulator reset after closure.
	if acc := te.Accumulator(); acc.Ordinary != 0 {
		t.Error("accumulator not reset")
	}
}

func TestReconcileLTCGStacksOnOrdinary(t *testing.T) {
	cfg := testTaxConfig()
	te := NewTaxEngine(&cfg)
	te.AccrueOrdinary(50000) // taxable 36150, below the 44625 LTCG breakpoint
	te.AccrueLTCG(20000)
	summary := reconcileBare(t, te)

	// 44625-36150 = 8475 of the gain sits in the 0% tier; the rest at 15%.
	want := (20000 - 8475) * 0.15
	if math.Abs(summary.CapitalTax-want) > 1e-9 {
		t.Errorf("ltcg tax %v, want %v", summary.CapitalTax, want)
	}
}

func TestReconcileSTCGTaxedAsOrdinary(t *testing.T) {
	cfg := testTaxConfig()
	cfg.StandardDeduction[FilingSingle] = 0
	te := NewTaxEngine(&cfg)
	te.AccrueSTCG(20000)
	summary := reconcileBare(t, te)
	wantFed := progressiveTax(20000, cfg.Ordinary[FilingSingle])
	if math.Abs(summary.OrdinaryTax-wantFed) > 1e-9 {
		t.Errorf("stcg ordinary tax %v, want %v", summary.OrdinaryTax, wantFed)
	}
	if math.Abs(summary.StateTax-0.05*20000) > 1e-9 {
		t.Errorf("stcg state tax %v", summary.StateTax)
	}
}

func TestCapitalLossCapAndCarryForward(t *testing.T) {
	cfg := testTaxConfig()
	cfg.StandardDeduction[FilingSingle] = 0
	te := NewTaxEngine(&cfg)

	// Year 1: net capital loss of 7000 offsets 3000 of ordinary, carries 4000.
	te.AccrueOrdinary(50000)
	te.AccrueLTCG(-7000)
	summary := reconcileBare(t, te)
	wantFed := progressiveTax(47000, cfg.Ordinary[FilingSingle])
	if math.Abs(summary.OrdinaryTax-wantFed) > 1e-9 {
		t.Errorf("year 1 ordinary tax %v, want %v", summary.OrdinaryTax, wantFed)
	}
	if summary.LossCarried != 4000 {
		t.Errorf("carried %v, want 4000", summary.LossCarried)
	}

	// Year 2: no new losses; the carried 4000 offsets up to the cap again.
	te.AccrueOrdinary(50000)
	summary2 := reconcileBare(t, te)
	wantFed2 := progressiveTax(47000, cfg.Ordinary[FilingSingle])
	if math.Abs(summary2.OrdinaryTax-wantFed2) > 1e-9 {
		t.Errorf("year 2 ordinary tax %v, want %v", summary2.OrdinaryTax, wantFed2)
	}
	if summary2.LossCarried != 1000 {
		t.Errorf("year 2 carried %v, want 1000", summary2.LossCarried)
	}
}

func TestCarryForwardConsumesGainsFirst(t *testing.T) {
	cfg := testTaxConfig()
	cfg.StandardDeduction[FilingSingle] = 0
	te := NewTaxEngine(&cfg)
	te.AccrueLTCG(-5000)
	reconcileBare(t, te) // 3000 offset (no ordinary to offset, still capped), 2000 carried

	te.AccrueOrdinary(100000)
	te.AccrueLTCG(10000)
	summary := reconcileBare(t, te)
	// Carried 2000 nets against the 10000 gain: 8000 taxed, stacked above
	// 100000 of ordinary (all in the 15% tier).
	want := 8000 * 0.15
	if math.Abs(summary.CapitalTax-want) > 1e-9 {
		t.Errorf("capital tax %v, want %v", summary.CapitalTax, want)
	}
	if summary.LossCarried != 0 {
		t.Errorf("carried %v, want 0", summary.LossCarried)
	}
}

func TestPenaltyAppliedWithoutDeduction(t *testing.T) {
	cfg := testTaxConfig()
	te := NewTaxEngine(&cfg)
	te.AccruePenalized(10000)
	summary := reconcileBare(t, te)
	if math.Abs(summary.PenaltyTax-1000) > 1e-9 {
		t.Errorf("penalty %v, want 1000", summary.PenaltyTax)
	}
}

func TestWithholdingNetsAgainstLiability(t *testing.T) {
	cfg := testTaxConfig()
	cfg.StandardDeduction[FilingSingle] = 0
	te := NewTaxEngine(&cfg)
	te.AccrueOrdinary(20000)
	te.RecordWithholding(5000)
	summary := reconcileBare(t, te)
	wantLiability := progressiveTax(20000, cfg.Ordinary[FilingSingle]) + 0.05*20000
	if math.Abs(summary.RefundOrDue-(wantLiability-5000)) > 1e-9 {
		t.Errorf("refundOrDue %v, want %v", summary.RefundOrDue, wantLiability-5000)
	}
}

func TestRmdDivisor(t *testing.T) {
	cfg := testTaxConfig()
	te := NewTaxEngine(&cfg)

	if _, err := te.RmdDivisor(72); err == nil {
		t.Error("age below table minimum should be an RmdError")
	} else if _, ok := err.(*RmdError); !ok {
		t.Errorf("want RmdError, got %T", err)
	}

	d, err := te.RmdDivisor(73)
	if err != nil || d != 26.5 {
		t.Errorf("divisor(73) = %v, %v", d, err)
	}
	d, err = te.RmdDivisor(85)
	if err != nil || d != 16.0 {
		t.Errorf("divisor(85) = %v, %v", d, err)
	}
	// Ages above the maximum clamp to the final row.
	d, err = te.RmdDivisor(130)
	if err != nil || d != 2.0 {
		t.Errorf("divisor(130) = %v, %v", d, err)
	}
}
