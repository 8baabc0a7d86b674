package engine

import (
	"math"
	"sort"
)

// Tax engine: progressive bracket evaluation, LTCG/STCG partitioning,
// standard deduction, capital-loss carry-forward, early-withdrawal penalty,
// and year-end reconciliation against a settlement account.

// FilingStatus indexes the bracket tables.
type FilingStatus int

const (
	FilingSingle FilingStatus = iota
	FilingMarriedJointly
)

func (f FilingStatus) String() string {
	if f == FilingMarriedJointly {
		return "married_filing_jointly"
	}
	return "single"
}

// Bracket is one progressive tier. Brackets are sorted by Lower; the top
// bracket extends to infinity.
type Bracket struct {
	Lower float64
	Rate  float64
}

// RmdRow maps an attained age to its life-expectancy divisor.
type RmdRow struct {
	Age     int
	Divisor float64
}

// TaxConfig is the immutable tax rule set for a plan.
type TaxConfig struct {
	Filing            FilingStatus
	Ordinary          map[FilingStatus][]Bracket
	CapitalGains      map[FilingStatus][]Bracket // LTCG schedule; STCG taxes as ordinary
	StandardDeduction map[FilingStatus]float64
	StateRate         float64
	LossCap           float64 // annual ordinary-income offset from net capital losses
	PenaltyRate       float64 // early-withdrawal penalty on penalized distributions
	RmdTable          []RmdRow
}

// DefaultLossCap and DefaultPenaltyRate apply when a config leaves them zero.
const (
	DefaultLossCap     = 3000.0
	DefaultPenaltyRate = 0.10
)

// Accumulator is the live per-year tax state.
type Accumulator struct {
	Ordinary  float64
	LTCG      float64
	STCG      float64
	TaxFree   float64
	Withheld  float64
	Penalized float64 // tax-deferred distributions subject to the penalty
}

// YearlyTax is the reconciliation summary for one closed tax year.
type YearlyTax struct {
	Year          int     `json:"year"`
	OrdinaryTax   float64 `json:"ordinaryTax"`
	CapitalTax    float64 `json:"capitalGainsTax"`
	StateTax      float64 `json:"stateTax"`
	PenaltyTax    float64 `json:"penaltyTax"`
	Liability     float64 `json:"liability"`
	Withheld      float64 `json:"withheld"`
	RefundOrDue   float64 `json:"refundOrDue"` // positive = due, negative = refund
	EffectiveRate float64 `json:"effectiveRate"`
	LossCarried   float64 `json:"lossCarriedForward"`
}

// TaxEngine accrues income through a year and reconciles at the boundary.
type TaxEngine struct {
	cfg       *TaxConfig
	acc       Accumulator
	lossCarry float64
}

// NewTaxEngine creates an engine over an immutable config.
func NewTaxEngine(cfg *TaxConfig) *TaxEngine {
	return &TaxEngine{cfg: cfg}
}

// Reset rewinds accrual state for seed replay.
func (t *TaxEngine) Reset() {
	t.acc = Accumulator{}
	t.lossCarry = 0
}

// AccrueOrdinary records ordinary taxable income.
func (t *TaxEngine) AccrueOrdinary(amount float64) { t.acc.Ordinary += amount }

// AccrueLTCG records realized long-term capital gain (negative for losses).
func (t *TaxEngine) AccrueLTCG(amount float64) { t.acc.LTCG += amount }

// AccrueSTCG records realized short-term capital gain (negative for losses).
func (t *TaxEngine) AccrueSTCG(amount float64) { t.acc.STCG += amount }

// AccrueTaxFree records tax-free income (tracked for cash-flow reporting).
func (t *TaxEngine) AccrueTaxFree(amount float64) { t.acc.TaxFree += amount }

// RecordWithholding records tax withheld at source during the year.
func (t *TaxEngine) RecordWithholding(amount float64) { t.acc.Withheld += amount }

// AccruePenalized records a tax-deferred distribution taken before the
// penalty age; the penalty has no deduction against it.
func (t *TaxEngine) AccruePenalized(amount float64) { t.acc.Penalized += amount }

// Accumulator returns a copy of the live accumulator.
func (t *TaxEngine) Accumulator() Accumulator { return t.acc }

// LossCarry returns the capital loss carried into the next year.
func (t *TaxEngine) LossCarry() float64 { return t.lossCarry }

func (t *TaxEngine) lossCap() float64 {
	if t.cfg.LossCap > 0 {
		return t.cfg.LossCap
	}
	return DefaultLossCap
}

func (t *TaxEngine) penaltyRate() float64 {
	if t.cfg.PenaltyRate > 0 {
		return t.cfg.PenaltyRate
	}
	return DefaultPenaltyRate
}

// progressiveTax computes tax over sorted brackets up to the income level.
// O(bracket count); bracket tables are short and sorted.
func progressiveTax(income float64, brackets []Bracket) float64 {
	if income <= 0 || len(brackets) == 0 {
		return 0
	}
	tax := 0.0
	for i := range brackets {
		lower := brackets[i].Lower
		if income <= lower {
			break
		}
		upper := math.Inf(1)
		if i+1 < len(brackets) {
			upper = brackets[i+1].Lower
		}
		span := math.Min(income, upper) - lower
		tax += span * brackets[i].Rate
	}
	return tax
}

// marginalRate returns the bracket rate at the income level via binary
// search over the sorted lower bounds.
func marginalRate(income float64, brackets []Bracket) float64 {
	if len(brackets) == 0 {
		return 0
	}
	if income < brackets[0].Lower {
		return 0
	}
	i := sort.Search(len(brackets), func(i int) bool { return brackets[i].Lower > income })
	return brackets[i-1].Rate
}

// MarginalOrdinaryRate estimates the combined federal+state marginal rate on
// the next dollar of ordinary income, given the year-to-date accumulator.
func (t *TaxEngine) MarginalOrdinaryRate() float64 {
	base := t.ordinaryBase(t.acc.Ordinary, t.acc.STCG)
	return marginalRate(base, t.cfg.Ordinary[t.cfg.Filing]) + t.cfg.StateRate
}

// MarginalCapGainsRate estimates the effective rate on an additional sale's
// gains, weighting the long and short components.
func (t *TaxEngine) MarginalCapGainsRate(longGain, shortGain float64) float64 {
	total := longGain + shortGain
	if total <= 0 {
		return 0
	}
	ordBase := t.ordinaryBase(t.acc.Ordinary, t.acc.STCG)
	ltRate := marginalRate(ordBase+math.Max(0, t.acc.LTCG), t.cfg.CapitalGains[t.cfg.Filing])
	stRate := marginalRate(ordBase, t.cfg.Ordinary[t.cfg.Filing]) + t.cfg.StateRate
	return (longGain*ltRate + shortGain*(stRate)) / total
}

// ordinaryBase is taxable ordinary income after deduction: ordinary plus
// short-term gains, less the standard deduction, clamped at zero.
func (t *TaxEngine) ordinaryBase(ordinary, stcg float64) float64 {
	return math.Max(0, ordinary+math.Max(0, stcg)-t.cfg.StandardDeduction[t.cfg.Filing])
}

// ReconcileYear closes the tax year: computes the liability, nets capital
// losses (with carry-forward up to the annual cap), subtracts withholdings,
// settles the balance against the settlement account, and resets the
// accumulator. Only modeled losses carry across years.
func (t *TaxEngine) ReconcileYear(date Date, year int, settlement AccountID, pf *Portfolio, ledger *Ledger) (YearlyTax, error) {
	deduction := t.cfg.StandardDeduction[t.cfg.Filing]

	// Net capital result for the year, folding in prior carry-forward.
	ltcg := t.acc.LTCG
	stcg := t.acc.STCG
	carry := t.lossCarry
	netCap := ltcg + stcg - carry

	lossOffset := 0.0
	newCarry := 0.0
	if netCap < 0 {
		loss := -netCap
		lossOffset = math.Min(loss, t.lossCap())
		newCarry = loss - lossOffset
		ltcg, stcg = 0, 0
	} else {
		// Carry-forward consumed short-term gains first (ordinary-rate
		// relief first), then long-term.
		applied := math.Min(carry, stcg)
		stcg -= applied
		carry -= applied
		ltcg -= carry
		if ltcg < 0 { // carry exceeded gains; handled by netCap<0 branch
			ltcg = 0
		}
	}

	taxableOrdinary := math.Max(0, t.acc.Ordinary+math.Max(0, stcg)-deduction-lossOffset)
	fedOrdinary := progressiveTax(taxableOrdinary, t.cfg.Ordinary[t.cfg.Filing])
	stateTax := t.cfg.StateRate * taxableOrdinary

	// LTCG stacks on top of ordinary for bracket placement.
	capTax := 0.0
	if ltcg > 0 {
		lt := t.cfg.CapitalGains[t.cfg.Filing]
		capTax = progressiveTax(taxableOrdinary+ltcg, lt) - progressiveTax(taxableOrdinary, lt)
	}

	penaltyTax := t.penaltyRate() * t.acc.Penalized

	liability := fedOrdinary + stateTax + capTax + penaltyTax
	due := liability - t.acc.Withheld

	// Settle against the designated account; negative due credits a refund.
	if settlement >= 0 && due != 0 {
		a := pf.Account(settlement)
		if a == nil {
			return YearlyTax{}, &LookupError{Kind: "account", Name: pf.reg.AccountName(settlement)}
		}
		a.Cash -= due
		ledger.Append(Entry{
			Date: date, Kind: RecordTaxWithholding, Account: settlement, Asset: NoAsset, Event: -1,
			Amount: due, CashKind: CashTaxSettlement,
		})
	}

	grossIncome := t.acc.Ordinary + math.Max(0, t.acc.LTCG) + math.Max(0, t.acc.STCG)
	summary := YearlyTax{
		Year:        year,
		OrdinaryTax: fedOrdinary,
		CapitalTax:  capTax,
		StateTax:    stateTax,
		PenaltyTax:  penaltyTax,
		Liability:   liability,
		Withheld:    t.acc.Withheld,
		RefundOrDue: due,
		LossCarried: newCarry,
	}
	if grossIncome > 0 {
		summary.EffectiveRate = liability / grossIncome
	}

	t.acc = Accumulator{}
	t.lossCarry = newCarry
	return summary, nil
}

// RmdDivisor looks up the life-expectancy divisor for an attained age.
// Ages above the table maximum clamp to the final row; ages below the
// minimum are an RmdError.
func (t *TaxEngine) RmdDivisor(age int) (float64, error) {
	rows := t.cfg.RmdTable
	if len(rows) == 0 || age < rows[0].Age {
		return 0, &RmdError{Age: age}
	}
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Age > age })
	return rows[i-1].Divisor, nil
}

// DefaultRmdTable returns the IRS Uniform Lifetime divisors (SECURE 2.0
// start age 73). Plans may override with their own table.
func DefaultRmdTable() []RmdRow {
	return []RmdRow{
		{73, 26.5}, {74, 25.5}, {75, 24.6}, {76, 23.7}, {77, 22.9},
		{78, 22.0}, {79, 21.1}, {80, 20.2}, {81, 19.4}, {82, 18.5},
		{83, 17.7}, {84, 16.8}, {85, 16.0}, {86, 15.2}, {87, 14.4},
		{88, 13.7}, {89, 12.9}, {90, 12.2}, {91, 11.5}, {92, 10.8},
		{93, 10.1}, {94, 9.5}, {95, 9.0}, {96, 8.4}, {97, 7.8},
		{98, 7.3}, {99, 6.8}, {100, 6.4}, {101, 6.0}, {102, 5.6},
		{103, 5.2}, {104, 4.9}, {105, 4.6}, {106, 4.3}, {107, 4.1},
		{108, 3.9}, {109, 3.7}, {110, 3.5}, {111, 3.4}, {112, 3.3},
		{113, 3.1}, {114, 3.0}, {115, 2.9}, {116, 2.8}, {117, 2.7},
		{118, 2.5}, {119, 2.3}, {120, 2.0},
	}
}
