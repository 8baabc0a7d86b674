package engine

import (
	"math"
	"testing"
	"time"
)

// lotFixture builds an investment account with three lots of one asset and a
// market pricing it at 10/unit.
func lotFixture(t *testing.T) (*Account, *Market, *Arena, *WarningLog, *TaxEngine) {
	t.Helper()
	profiles := []ReturnProfile{{Name: "flat", Kind: ProfileFixed, Rate: 0}}
	assets := []AssetDef{{Name: "fund", Class: ClassInvestable, Profile: 0, InitialPrice: 10}}
	m, warns := testMarket(profiles, assets, 1)
	acct := &Account{
		ID:        0,
		Treatment: TreatmentTaxable,
		Flavor:    FlavorInvestment,
		Active:    true,
		Lots: []Lot{
			{Asset: 0, Acquired: NewDate(2018, time.January, 10), Units: 100, Basis: 500},  // 5/unit, long
			{Asset: 0, Acquired: NewDate(2024, time.November, 1), Units: 100, Basis: 1500}, // 15/unit, short at sale
			{Asset: 0, Acquired: NewDate(2020, time.June, 1), Units: 100, Basis: 1000},     // 10/unit, long
		},
	}
	cfg := testTaxConfig()
	return acct, m, NewArena(), warns, NewTaxEngine(&cfg)
}

var saleDate = NewDate(2025, time.March, 1)

// Age well past the penalty threshold for fixtures that don't care.
const matureAgeMonths = 70 * 12

func TestFIFOTakesOldestFirst(t *testing.T) {
	acct, m, scratch, warns, tax := lotFixture(t)
	plan, err := PlanSale(acct, NoAsset, 1500, GrossProceeds, LotFIFO, saleDate, matureAgeMonths, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	// 1500 at price 10: all of lot 0 (1000) plus 50 units of lot 2.
	if len(plan.Slices) != 2 {
		t.Fatalf("slices = %d, want 2", len(plan.Slices))
	}
	if plan.Slices[0].LotIndex != 0 || plan.Slices[1].LotIndex != 2 {
		t.Errorf("order = %d,%d, want 0,2", plan.Slices[0].LotIndex, plan.Slices[1].LotIndex)
	}
	if math.Abs(plan.Slices[1].Units-50) > 1e-9 {
		t.Errorf("partial units = %v, want 50", plan.Slices[1].Units)
	}
	if math.Abs(plan.Proceeds-1500) > 1e-9 {
		t.Errorf("proceeds = %v", plan.Proceeds)
	}
}

func TestLIFOTakesNewestFirst(t *testing.T) {
	acct, m, scratch, warns, tax := lotFixture(t)
	plan, err := PlanSale(acct, NoAsset, 500, GrossProceeds, LotLIFO, saleDate, matureAgeMonths, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Slices[0].LotIndex != 1 {
		t.Errorf("first slice lot %d, want 1 (newest)", plan.Slices[0].LotIndex)
	}
}

func TestHighestAndLowestCost(t *testing.T) {
	acct, m, scratch, warns, tax := lotFixture(t)
	plan, err := PlanSale(acct, NoAsset, 500, GrossProceeds, LotHighestCost, saleDate, matureAgeMonths, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Slices[0].LotIndex != 1 { // 15/unit basis
		t.Errorf("HIFO first lot %d, want 1", plan.Slices[0].LotIndex)
	}

	plan, err = PlanSale(acct, NoAsset, 500, GrossProceeds, LotLowestCost, saleDate, matureAgeMonths, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Slices[0].LotIndex != 0 { // 5/unit basis
		t.Errorf("LOFO first lot %d, want 0", plan.Slices[0].LotIndex)
	}
}

func TestLongShortSplit(t *testing.T) {
	acct, m, scratch, warns, tax := lotFixture(t)
	// Sell everything: 3000 of proceeds.
	plan, err := PlanSale(acct, NoAsset, 3000, GrossProceeds, LotFIFO, saleDate, matureAgeMonths, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	// Long lots: 0 (gain 500) and 2 (gain 0). Short lot: 1 (gain -500).
	if math.Abs(plan.LongGain-500) > 1e-9 {
		t.Errorf("long gain %v, want 500", plan.LongGain)
	}
	if math.Abs(plan.ShortGain-(-500)) > 1e-9 {
		t.Errorf("short gain %v, want -500", plan.ShortGain)
	}
}

func TestBasisConservationOnPartialDisposal(t *testing.T) {
	acct, m, scratch, warns, tax := lotFixture(t)
	originalBasis := acct.Lots[0].Basis
	plan, err := PlanSale(acct, NoAsset, 300, GrossProceeds, LotFIFO, saleDate, matureAgeMonths, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	// 30 of 100 units: removed basis is exactly 30% of the lot basis.
	slice := plan.Slices[0]
	if math.Abs(slice.Basis-originalBasis*0.3) > 1e-9*originalBasis {
		t.Errorf("removed basis %v, want %v", slice.Basis, originalBasis*0.3)
	}
	applySalePlan(acct, &plan, LotFIFO)
	if math.Abs(slice.Basis+acct.Lots[0].Basis-originalBasis) > 1e-9*originalBasis {
		t.Errorf("basis not conserved: removed %v + remaining %v != %v",
			slice.Basis, acct.Lots[0].Basis, originalBasis)
	}
}

func TestAverageCostReaveragesAcrossLots(t *testing.T) {
	acct, m, scratch, warns, tax := lotFixture(t)
	// Total: 300 units, 3000 basis -> 10/unit average.
	plan, err := PlanSale(acct, AssetID(0), 1500, GrossProceeds, LotAverageCost, saleDate, matureAgeMonths, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(plan.Basis-1500) > 1e-9 {
		t.Errorf("averaged basis removed %v, want 1500", plan.Basis)
	}
	// Gain at the averaged basis is zero even though per-lot bases differ.
	if math.Abs(plan.LongGain+plan.ShortGain) > 1e-9 {
		t.Errorf("gain %v, want 0 at averaged basis", plan.LongGain+plan.ShortGain)
	}
	applySalePlan(acct, &plan, LotAverageCost)
	// Residual lots are rebased to the average.
	for i, lot := range acct.Lots {
		if lot.Units == 0 {
			continue
		}
		perUnit := lot.Basis / lot.Units
		if math.Abs(perUnit-10) > 1e-9 {
			t.Errorf("lot %d residual basis/unit = %v, want 10", i, perUnit)
		}
	}
}

func TestClampWhenLotsInsufficient(t *testing.T) {
	acct, m, scratch, warns, tax := lotFixture(t)
	plan, err := PlanSale(acct, NoAsset, 99999, GrossProceeds, LotFIFO, saleDate, matureAgeMonths, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Clamped {
		t.Error("expected clamped plan")
	}
	if math.Abs(plan.Proceeds-3000) > 1e-9 {
		t.Errorf("proceeds %v, want all 3000", plan.Proceeds)
	}
}

func TestNetAfterTaxGrossesUp(t *testing.T) {
	acct, m, scratch, warns, tax := lotFixture(t)
	// Push the accumulator into a known bracket so the marginal estimate is
	// nonzero.
	tax.AccrueOrdinary(100000)
	target := 1000.0
	plan, err := PlanSale(acct, NoAsset, target, NetAfterTax, LotLowestCost, saleDate, matureAgeMonths, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Proceeds < target {
		t.Errorf("net-after-tax proceeds %v below target %v", plan.Proceeds, target)
	}
	// Net of the estimated tax on realized gains the target is met.
	gain := plan.LongGain + plan.ShortGain
	taxOwed := tax.MarginalCapGainsRate(plan.LongGain, plan.ShortGain) * gain
	if plan.Proceeds-taxOwed < target-1e-6 {
		t.Errorf("net %v below target", plan.Proceeds-taxOwed)
	}
}

func TestPenaltyDetection(t *testing.T) {
	acct, m, scratch, warns, tax := lotFixture(t)
	acct.Treatment = TreatmentTaxDeferred

	under := 59*12 + 5
	plan, err := PlanSale(acct, NoAsset, 100, GrossProceeds, LotFIFO, saleDate, under, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Penalty {
		t.Error("expected penalty below 59y6m")
	}

	over := 59*12 + 6
	plan, err = PlanSale(acct, NoAsset, 100, GrossProceeds, LotFIFO, saleDate, over, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Penalty {
		t.Error("no penalty at exactly 59y6m")
	}
}

func TestAssetFilterRestrictsEligibleLots(t *testing.T) {
	acct, m, scratch, warns, tax := lotFixture(t)
	// A second asset the filter must exclude.
	acct.Lots = append(acct.Lots, Lot{Asset: 1, Acquired: saleDate.AddDays(-10), Units: 50, Basis: 100})
	plan, err := PlanSale(acct, AssetID(0), 3500, GrossProceeds, LotFIFO, saleDate, matureAgeMonths, m, tax, scratch, warns)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range plan.Slices {
		if s.Asset != 0 {
			t.Fatalf("slice of asset %d leaked through the filter", s.Asset)
		}
	}
	if !plan.Clamped {
		t.Error("filtered sale should clamp at 3000")
	}
}
