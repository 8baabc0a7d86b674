package engine

import (
	"math"
	"testing"
	"time"
)

// amountFixture builds a portfolio with a funded bank account and an
// investment account holding one lot, plus a market pricing the asset at 20.
func amountFixture(t *testing.T) (*Portfolio, *Market, AccountID, AccountID, AssetID) {
	t.Helper()
	reg := NewRegistry()
	reg.AddProfile("flat")
	reg.AddAsset("fund")
	reg.AddAccount("Bank")
	reg.AddAccount("Brokerage")

	profiles := []ReturnProfile{{Name: "flat", Kind: ProfileFixed, Rate: 0}}
	assets := []AssetDef{{Name: "fund", Class: ClassInvestable, Profile: 0, InitialPrice: 20}}
	m := NewMarket(profiles, NoProfile, assets, reg, NewSeededRNG(1))

	defs := []AccountDef{
		{Name: "Bank", Treatment: TreatmentTaxable, Flavor: FlavorBank, InitialCash: 5000, CashRate: NoProfile},
		{Name: "Brokerage", Treatment: TreatmentTaxable, Flavor: FlavorInvestment, InitialCash: 1000, CashRate: NoProfile,
			InitialLots: []Lot{{Asset: 0, Acquired: NewDate(2020, time.January, 1), Units: 100, Basis: 1500}}},
	}
	pf := NewPortfolio(defs, reg, NewLedger())
	return pf, m, 0, 1, 0
}

func TestAmountLeaves(t *testing.T) {
	pf, m, bank, brokerage, fund := amountFixture(t)
	ctx := &AmountContext{Source: bank, Target: brokerage, Inflation: 1.0}

	cases := []struct {
		name string
		a    *Amount
		want float64
	}{
		{"fixed", FixedAmount(123.45), 123.45},
		{"sourceBalance", &Amount{Kind: AmountSourceBalance}, 5000},
		{"accountCash", &Amount{Kind: AmountAccountCash, Account: brokerage}, 1000},
		{"accountTotal", &Amount{Kind: AmountAccountTotal, Account: brokerage}, 1000 + 100*20},
		{"assetBalance", &Amount{Kind: AmountAssetBalance, Coord: AssetCoord{Account: brokerage, Asset: fund}}, 2000},
		{"targetToBalance", &Amount{Kind: AmountTargetToBalance, Value: 5000}, 5000 - 3000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := EvalAmount(c.a, pf, m, ctx)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got-c.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestAmountInflationAppliesAtEvalTime(t *testing.T) {
	pf, m, bank, _, _ := amountFixture(t)
	ctx := &AmountContext{Source: bank, Inflation: 1.25}
	a := &Amount{Kind: AmountInflationAdjusted, Inner: FixedAmount(1000)}
	got, err := EvalAmount(a, pf, m, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1250 {
		t.Errorf("got %v, want 1250", got)
	}
}

func TestAmountBinaryOps(t *testing.T) {
	pf, m, bank, _, _ := amountFixture(t)
	ctx := &AmountContext{Source: bank, Inflation: 1}

	cases := []struct {
		kind AmountKind
		want float64
	}{
		{AmountMin, 200}, {AmountMax, 300}, {AmountAdd, 500}, {AmountSub, 100}, {AmountMul, 60000},
	}
	for _, c := range cases {
		a := &Amount{Kind: c.kind, Left: FixedAmount(300), Right: FixedAmount(200)}
		got, err := EvalAmount(a, pf, m, ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("kind %v: got %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestAmountScaleComposes(t *testing.T) {
	pf, m, bank, _, _ := amountFixture(t)
	ctx := &AmountContext{Source: bank, Inflation: 1.1}
	a := &Amount{Kind: AmountScale, Factor: 0.5, Inner: &Amount{
		Kind: AmountInflationAdjusted, Inner: FixedAmount(1000),
	}}
	got, err := EvalAmount(a, pf, m, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-550) > 1e-9 {
		t.Errorf("got %v, want 550", got)
	}
}

func TestAmountNaNPropagatesAsError(t *testing.T) {
	pf, m, bank, _, _ := amountFixture(t)
	ctx := &AmountContext{Source: bank, Inflation: 1}
	a := &Amount{Kind: AmountMin, Left: FixedAmount(math.NaN()), Right: FixedAmount(1)}
	_, err := EvalAmount(a, pf, m, ctx)
	if _, ok := err.(*TransferEvaluationError); !ok {
		t.Errorf("want TransferEvaluationError, got %v", err)
	}

	a = &Amount{Kind: AmountMul, Left: FixedAmount(math.Inf(1)), Right: FixedAmount(0)}
	_, err = EvalAmount(a, pf, m, ctx)
	if _, ok := err.(*TransferEvaluationError); !ok {
		t.Errorf("inf*0: want TransferEvaluationError, got %v", err)
	}
}

func TestAmountDeletedAccountIsError(t *testing.T) {
	pf, m, bank, brokerage, _ := amountFixture(t)
	pf.accountAny(brokerage).Deleted = true
	ctx := &AmountContext{Source: bank, Inflation: 1}
	a := &Amount{Kind: AmountAccountTotal, Account: brokerage}
	_, err := EvalAmount(a, pf, m, ctx)
	if _, ok := err.(*TransferEvaluationError); !ok {
		t.Errorf("want TransferEvaluationError, got %v", err)
	}
}

func TestAmountDepthGuard(t *testing.T) {
	pf, m, bank, _, _ := amountFixture(t)
	ctx := &AmountContext{Source: bank, Inflation: 1}
	a := FixedAmount(1)
	for i := 0; i < 20; i++ {
		a = &Amount{Kind: AmountScale, Factor: 1, Inner: a}
	}
	_, err := EvalAmount(a, pf, m, ctx)
	if _, ok := err.(*TransferEvaluationError); !ok {
		t.Errorf("want depth guard error, got %v", err)
	}
}

func TestZeroTargetBalancePaysOffLiability(t *testing.T) {
	reg := NewRegistry()
	reg.AddAccount("Mortgage")
	defs := []AccountDef{{Name: "Mortgage", Treatment: TreatmentIlliquid, Flavor: FlavorLiability, InitialCash: -250000, CashRate: NoProfile}}
	pf := NewPortfolio(defs, reg, NewLedger())
	m := NewMarket(nil, NoProfile, nil, reg, NewSeededRNG(1))

	ctx := &AmountContext{Target: 0, Inflation: 1}
	got, err := EvalAmount(&Amount{Kind: AmountZeroTargetBalance}, pf, m, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != 250000 {
		t.Errorf("got %v, want 250000", got)
	}
}
