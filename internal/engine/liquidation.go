package engine

import (
	"math"
	"sort"
)

// Liquidation engine: lot selection under a chosen discipline, realized-gain
// split into long and short term, net-after-tax solving, and early-withdrawal
// penalty detection.

// LotMethod is the lot selection discipline for disposals.
type LotMethod int

const (
	LotFIFO LotMethod = iota
	LotLIFO
	LotHighestCost
	LotLowestCost
	LotAverageCost
)

func (m LotMethod) String() string {
	switch m {
	case LotFIFO:
		return "fifo"
	case LotLIFO:
		return "lifo"
	case LotHighestCost:
		return "highest_cost"
	case LotLowestCost:
		return "lowest_cost"
	case LotAverageCost:
		return "average_cost"
	default:
		return "?"
	}
}

// AmountMode decides whether a sale target is gross proceeds or proceeds net
// of the tax the sale itself realizes.
type AmountMode int

const (
	GrossProceeds AmountMode = iota
	NetAfterTax
)

// Holding period threshold for long-term classification, in days.
const longTermDays = 365

// Penalty age threshold for tax-deferred withdrawals: 59 years 6 months.
const penaltyAgeMonths = 59*12 + 6

// SalePlan is the outcome of planning (not executing) a disposal.
type SalePlan struct {
	Slices    []LotSlice // arena-backed; valid until the next plan
	Proceeds  float64
	Basis     float64
	LongGain  float64
	ShortGain float64
	Penalty   bool // source is tax-deferred and holder is under the penalty age
	Clamped   bool // eligible lots could not cover the target
}

// PlanSale walks the account's eligible lots in method order and plans
// partial-lot slices until gross proceeds meet the target. asset narrows
// eligibility to one asset; NoAsset means every lot in the account.
//
// For NetAfterTax the target is grossed up by the estimated tax on the sale
// (the marginal ordinary rate on all proceeds for tax-deferred accounts, the
// gain-weighted capital-gains rate on the gains otherwise) and re-planned
// once; if the second pass still nets short, PlanSale records a
// WarnNetAfterTax warning and returns that second plan.
func PlanSale(
	a *Account,
	asset AssetID,
	target float64,
	mode AmountMode,
	method LotMethod,
	today Date,
	ageMonths int,
	m *Market,
	tax *TaxEngine,
	scratch *Arena,
	warns *WarningLog,
) (SalePlan, error) {
	if a.Flavor != FlavorInvestment {
		return SalePlan{}, &AccountTypeError{Account: "", Op: "asset sale", Flavor: a.Flavor}
	}
	if target <= 0 {
		return SalePlan{Slices: scratch.slices[:0]}, nil
	}

	gross := target
	var plan SalePlan
	for pass := 0; ; pass++ {
		plan = planGross(a, asset, gross, method, today, m, scratch)
		if mode == GrossProceeds {
			break
		}
		// Tax the sale itself realizes: ordinary on the whole distribution
		// for tax-deferred sources, gain-weighted capital rates otherwise.
		var taxOwed float64
		if a.Treatment == TreatmentTaxDeferred {
			taxOwed = tax.MarginalOrdinaryRate() * plan.Proceeds
		} else {
			gain := plan.LongGain + plan.ShortGain
			if gain > 0 {
				taxOwed = tax.MarginalCapGainsRate(plan.LongGain, plan.ShortGain) * gain
			}
		}
		if plan.Proceeds-taxOwed >= target || plan.Clamped {
			break
		}
		if pass >= 1 {
			warns.Addf(today, WarnNetAfterTax, "net-after-tax target %.2f not converged, clamping at proceeds %.2f", target, plan.Proceeds)
			break
		}
		tEff := taxOwed / plan.Proceeds
		gross = target / (1 - tEff)
	}

	plan.Penalty = a.Treatment == TreatmentTaxDeferred && ageMonths < penaltyAgeMonths
	return plan, nil
}

// planGross orders eligible lots and takes whole lots, then one proportional
// slice, until proceeds reach the target.
func planGross(a *Account, asset AssetID, target float64, method LotMethod, today Date, m *Market, scratch *Arena) SalePlan {
	if method == LotAverageCost {
		return planAverageCost(a, asset, target, today, m, scratch)
	}

	order := scratch.lotOrder[:0]
	for i := range a.Lots {
		if a.Lots[i].Units <= 0 {
			continue
		}
		if asset != NoAsset && a.Lots[i].Asset != asset {
			continue
		}
		order = append(order, i)
	}
	sortLots(order, a.Lots, method)
	scratch.lotOrder = order

	plan := SalePlan{Slices: scratch.slices[:0]}
	remaining := target
	for _, idx := range order {
		if remaining <= 0 {
			break
		}
		lot := &a.Lots[idx]
		price := m.Price(lot.Asset)
		if price <= 0 {
			continue
		}
		units := lot.Units
		proceeds := units * price
		if proceeds > remaining {
			units = remaining / price
			proceeds = remaining
		}
		basis := lot.Basis * (units / lot.Units)
		slice := LotSlice{
			LotIndex: idx,
			Asset:    lot.Asset,
			Units:    units,
			Proceeds: proceeds,
			Basis:    basis,
			Gain:     proceeds - basis,
			LongTerm: int(today-lot.Acquired) > longTermDays,
		}
		plan.Slices = append(plan.Slices, slice)
		plan.Proceeds += proceeds
		plan.Basis += basis
		if slice.LongTerm {
			plan.LongGain += slice.Gain
		} else {
			plan.ShortGain += slice.Gain
		}
		remaining -= proceeds
	}
	scratch.slices = plan.Slices
	plan.Clamped = remaining > 1e-9
	return plan
}

// planAverageCost synthesizes a virtual average basis across every lot of
// the asset in the account, disposes pro-rata across lots, and leaves each
// residual lot rebased to the fresh average. Re-averaging happens from
// scratch on every disposal (mutual-fund convention).
func planAverageCost(a *Account, asset AssetID, target float64, today Date, m *Market, scratch *Arena) SalePlan {
	plan := SalePlan{Slices: scratch.slices[:0]}

	// Group per asset: averaging is per-asset even when the whole account
	// is eligible.
	order := scratch.lotOrder[:0]
	for i := range a.Lots {
		if a.Lots[i].Units <= 0 {
			continue
		}
		if asset != NoAsset && a.Lots[i].Asset != asset {
			continue
		}
		order = append(order, i)
	}
	scratch.lotOrder = order

	// Distinct assets in first-seen order: lots of one asset may interleave
	// with other assets, and averaging is per asset.
	assetSet := scratch.assetSet[:0]
	for _, idx := range order {
		cur := a.Lots[idx].Asset
		seen := false
		for _, s := range assetSet {
			if s == cur {
				seen = true
				break
			}
		}
		if !seen {
			assetSet = append(assetSet, cur)
		}
	}
	scratch.assetSet = assetSet

	remaining := target
	for _, cur := range assetSet {
		if remaining <= 1e-12 {
			break
		}
		totalUnits, totalBasis := 0.0, 0.0
		for _, idx := range order {
			if a.Lots[idx].Asset == cur {
				totalUnits += a.Lots[idx].Units
				totalBasis += a.Lots[idx].Basis
			}
		}
		price := m.Price(cur)
		if price <= 0 || totalUnits <= 0 {
			continue
		}
		avgPerUnit := totalBasis / totalUnits
		needUnits := math.Min(remaining/price, totalUnits)
		frac := needUnits / totalUnits
		for _, idx := range order {
			lot := &a.Lots[idx]
			if lot.Asset != cur {
				continue
			}
			units := lot.Units * frac
			proceeds := units * price
			basis := units * avgPerUnit
			slice := LotSlice{
				LotIndex: idx,
				Asset:    cur,
				Units:    units,
				Proceeds: proceeds,
				Basis:    basis,
				Gain:     proceeds - basis,
				LongTerm: int(today-lot.Acquired) > longTermDays,
			}
			plan.Slices = append(plan.Slices, slice)
			plan.Proceeds += proceeds
			plan.Basis += basis
			if slice.LongTerm {
				plan.LongGain += slice.Gain
			} else {
				plan.ShortGain += slice.Gain
			}
		}
		remaining -= needUnits * price
	}
	scratch.slices = plan.Slices
	plan.Clamped = remaining > 1e-9
	return plan
}

// sortLots orders eligible lot indices per the selection discipline. Ties
// break by original lot position for determinism.
func sortLots(order []int, lots []Lot, method LotMethod) {
	switch method {
	case LotFIFO:
		sort.SliceStable(order, func(i, j int) bool {
			return lots[order[i]].Acquired < lots[order[j]].Acquired
		})
	case LotLIFO:
		sort.SliceStable(order, func(i, j int) bool {
			return lots[order[i]].Acquired > lots[order[j]].Acquired
		})
	case LotHighestCost:
		sort.SliceStable(order, func(i, j int) bool {
			return basisPerUnit(&lots[order[i]]) > basisPerUnit(&lots[order[j]])
		})
	case LotLowestCost:
		sort.SliceStable(order, func(i, j int) bool {
			return basisPerUnit(&lots[order[i]]) < basisPerUnit(&lots[order[j]])
		})
	}
}

func basisPerUnit(l *Lot) float64 {
	if l.Units <= 0 {
		return 0
	}
	return l.Basis / l.Units
}

// applySalePlan mutates the account's lots downward per the plan. Average
// cost disposals additionally rebase every touched residual lot to the
// averaged basis. Exhausted lots are compacted afterwards by the caller.
func applySalePlan(a *Account, plan *SalePlan, method LotMethod) {
	if method == LotAverageCost {
		// Rebase survivors: remaining units keep the averaged per-unit
		// basis computed during planning.
		for i := range plan.Slices {
			s := &plan.Slices[i]
			lot := &a.Lots[s.LotIndex]
			perUnit := 0.0
			if s.Units > 0 {
				perUnit = s.Basis / s.Units
			}
			lot.Units -= s.Units
			lot.Basis = lot.Units * perUnit
		}
		return
	}
	for i := range plan.Slices {
		s := &plan.Slices[i]
		lot := &a.Lots[s.LotIndex]
		lot.Units -= s.Units
		lot.Basis -= s.Basis
		if lot.Units < 1e-12 {
			lot.Units = 0
			lot.Basis = 0
		}
	}
}
