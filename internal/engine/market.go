package engine

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Market model: return and inflation profiles, per-year sampling, and asset
// price evolution between checkpoints.
//
// Rates are annual. A profile is sampled at most once per calendar year and
// the sample is held constant within that year; sub-annual growth between
// checkpoints converts the annual rate explicitly (see growthFactor).

// ProfileKind discriminates the return/inflation profile variants.
type ProfileKind int

const (
	ProfileFixed ProfileKind = iota
	ProfileNormal
	ProfileLogNormal
	ProfileHistorical
)

// ReplayPolicy decides behavior when a historical sequence is exhausted.
type ReplayPolicy int

const (
	// ClampAtEnd repeats the final rate indefinitely; a warning is emitted
	// the first time clamping occurs (error instead if the profile is strict).
	ClampAtEnd ReplayPolicy = iota
	// WrapAround restarts from the first rate.
	WrapAround
	// ReflectSequence walks the sequence backwards, then forwards again.
	ReflectSequence
)

// ReturnProfile is a tagged variant describing an annual rate process.
type ReturnProfile struct {
	Name   string
	Kind   ProfileKind
	Rate   float64 // Fixed
	Mean   float64 // Normal / LogNormal (parameters of the underlying normal)
	StdDev float64
	Rates  []float64 // Historical annual sequence
	Replay ReplayPolicy
	Strict bool // exhaustion under ClampAtEnd becomes a MarketError
}

// AssetDef is one catalog entry: an asset class plus its return profile and
// starting unit price.
type AssetDef struct {
	Name         string
	Class        AssetClass
	Profile      ProfileID
	InitialPrice float64
}

// AssetClass partitions catalog assets.
type AssetClass int

const (
	ClassInvestable AssetClass = iota
	ClassRealEstate
	ClassDepreciating
	ClassLiability
)

// Market carries per-iteration market state: historical cursors, the current
// year's samples, and current asset prices.
type Market struct {
	profiles  []ReturnProfile
	inflation ProfileID
	assets    []AssetDef
	reg       *Registry
	rng       *SeededRNG

	year        int
	annualRate  []float64 // per profile, valid when sampled[i]
	sampled     []bool
	cursors     []int // historical cursor per profile
	clampWarned []bool

	prices []float64 // per asset, evolves via GrowAsset

	inflationMult float64 // cumulative product of annual inflation samples
}

// NewMarket builds per-iteration market state over a plan's shared catalog.
func NewMarket(profiles []ReturnProfile, inflation ProfileID, assets []AssetDef, reg *Registry, rng *SeededRNG) *Market {
	m := &Market{
		profiles:    profiles,
		inflation:   inflation,
		assets:      assets,
		reg:         reg,
		rng:         rng,
		annualRate:  make([]float64, len(profiles)),
		sampled:     make([]bool, len(profiles)),
		cursors:     make([]int, len(profiles)),
		clampWarned: make([]bool, len(profiles)),
		prices:      make([]float64, len(assets)),
	}
	m.resetPrices()
	m.inflationMult = 1.0
	return m
}

// Reset rewinds all per-iteration market state for seed replay, retaining
// allocations.
func (m *Market) Reset() {
	for i := range m.sampled {
		m.sampled[i] = false
		m.cursors[i] = 0
		m.clampWarned[i] = false
	}
	m.year = 0
	m.inflationMult = 1.0
	m.resetPrices()
}

func (m *Market) resetPrices() {
	for i := range m.assets {
		m.prices[i] = m.assets[i].InitialPrice
	}
}

// BeginYear invalidates last year's samples and folds the new year's
// inflation draw into the cumulative multiplier. Sampling itself stays lazy:
// a profile no asset references in a given year draws nothing, keeping the
// RNG stream identical between lite and full replays of the same plan.
func (m *Market) BeginYear(year int, warns *WarningLog, at Date) error {
	m.year = year
	for i := range m.sampled {
		m.sampled[i] = false
	}
	if m.inflation >= 0 {
		rate, err := m.AnnualRate(m.inflation, warns, at)
		if err != nil {
			return err
		}
		m.inflationMult *= 1 + rate
	}
	return nil
}

// InflationMultiplier returns the cumulative product of the annual inflation
// samples folded in by BeginYear (1.0 before the first BeginYear; the driver
// calls BeginYear for the start year, so the first year is already inflated).
func (m *Market) InflationMultiplier() float64 { return m.inflationMult }

// AnnualRate returns the profile's annual rate for the current calendar
// year, sampling lazily on first use within the year.
func (m *Market) AnnualRate(p ProfileID, warns *WarningLog, at Date) (float64, error) {
	if p < 0 || int(p) >= len(m.profiles) {
		return 0, &LookupError{Kind: "profile", Name: "?"}
	}
	if m.sampled[p] {
		return m.annualRate[p], nil
	}
	rate, err := m.sample(&m.profiles[p], p, warns, at)
	if err != nil {
		return 0, err
	}
	m.annualRate[p] = rate
	m.sampled[p] = true
	return rate, nil
}

// sample draws one annual rate from the profile.
func (m *Market) sample(rp *ReturnProfile, id ProfileID, warns *WarningLog, at Date) (float64, error) {
	switch rp.Kind {
	case ProfileFixed:
		return rp.Rate, nil
	case ProfileNormal:
		n := distuv.Normal{Mu: rp.Mean, Sigma: rp.StdDev, Src: m.rng.Source()}
		return n.Rand(), nil
	case ProfileLogNormal:
		// Rate r such that 1+r is lognormal with the given underlying
		// normal parameters.
		ln := distuv.LogNormal{Mu: rp.Mean, Sigma: rp.StdDev, Src: m.rng.Source()}
		return ln.Rand() - 1, nil
	case ProfileHistorical:
		return m.sampleHistorical(rp, id, warns, at)
	default:
		return 0, &MarketError{Profile: rp.Name, Reason: "unknown profile kind"}
	}
}

func (m *Market) sampleHistorical(rp *ReturnProfile, id ProfileID, warns *WarningLog, at Date) (float64, error) {
	n := len(rp.Rates)
	if n == 0 {
		return 0, &MarketError{Profile: rp.Name, Reason: "empty historical sequence"}
	}
	cur := m.cursors[id]
	if cur < n {
		m.cursors[id] = cur + 1
		return rp.Rates[cur], nil
	}
	// Past the end: replay policy decides.
	switch rp.Replay {
	case ClampAtEnd:
		if rp.Strict {
			return 0, &MarketError{Profile: rp.Name, Reason: "historical sequence exhausted (strict)"}
		}
		if !m.clampWarned[id] {
			m.clampWarned[id] = true
			warns.Addf(at, WarnMarketClamped, "profile %s exhausted after %d rates, repeating final rate", rp.Name, n)
		}
		return rp.Rates[n-1], nil
	case WrapAround:
		// Steps past the end map onto 0,1,2,... cyclically.
		pos := (cur - n) % n
		m.cursors[id] = cur + 1
		return rp.Rates[pos], nil
	case ReflectSequence:
		// First past-end draw repeats rate[n-1], then rate[n-2], ... down
		// to rate[0] and back: a triangle wave of period 2n with the
		// endpoints repeated at each bounce.
		k := (cur - n) % (2 * n)
		var pos int
		if k < n {
			pos = n - 1 - k
		} else {
			pos = k - n
		}
		m.cursors[id] = cur + 1
		return rp.Rates[pos], nil
	default:
		return 0, &MarketError{Profile: rp.Name, Reason: "unknown replay policy"}
	}
}

// Price returns the current unit price of the asset.
func (m *Market) Price(a AssetID) float64 {
	if a < 0 || int(a) >= len(m.prices) {
		return 0
	}
	return m.prices[a]
}

// GrowAsset advances the asset's price from one checkpoint to the next using
// its profile's annual rate for the containing year. The driver only calls
// this with spans inside a single calendar year (year boundaries are
// checkpoints), so no span straddles a resample.
func (m *Market) GrowAsset(a AssetID, from, to Date, warns *WarningLog) (factor float64, err error) {
	def := &m.assets[a]
	rate, err := m.AnnualRate(def.Profile, warns, to)
	if err != nil {
		return 1, err
	}
	f := growthFactor(m.profiles[def.Profile].Kind, rate, from, to)
	m.prices[a] *= f
	return f, nil
}

// CashGrowthFactor computes the growth factor for an interest-bearing cash
// balance over a span, without touching asset prices.
func (m *Market) CashGrowthFactor(p ProfileID, from, to Date, warns *WarningLog) (rate, factor float64, err error) {
	rate, err = m.AnnualRate(p, warns, to)
	if err != nil {
		return 0, 1, err
	}
	return rate, growthFactor(m.profiles[p].Kind, rate, from, to), nil
}

// growthFactor converts an annual rate to a span factor.
//
// Fixed profiles compound exactly pro-rata over the calendar year: a year
// split at any checkpoints multiplies back to exactly (1+r). Stochastic
// profiles use the arithmetic day-count convention (1+r)^(days/365.25).
func growthFactor(kind ProfileKind, annualRate float64, from, to Date) float64 {
	days := float64(to - from)
	if days <= 0 {
		return 1
	}
	if kind == ProfileFixed {
		return math.Pow(1+annualRate, days/float64(DaysInYear(from.Year())))
	}
	return math.Pow(1+annualRate, days/365.25)
}
