// Package scenario reads and writes the declarative scenario document and
// builds the compiled engine plan from it. Human-edited files may be HJSON
// or YAML; the canonical writer always emits JSON with tagged discriminators.
package scenario

import (
	"encoding/json"
	"fmt"
	"time"
)

// DocDate is a calendar day serialized as "YYYY-MM-DD".
type DocDate struct {
	time.Time
}

// UnmarshalJSON parses the date format.
func (d *DocDate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// MarshalJSON writes the date format.
func (d DocDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format("2006-01-02"))
}

// IsZero reports whether the date was left unset.
func (d DocDate) IsZero() bool { return d.Time.IsZero() }

// Document is the root of a scenario file.
type Document struct {
	Household  HouseholdDoc   `json:"household"`
	Market     MarketDoc      `json:"market"`
	Assets     []AssetDoc     `json:"assets"`
	Accounts   []AccountDoc   `json:"accounts"`
	Events     []EventDoc     `json:"events"`
	Tax        TaxDoc         `json:"tax"`
	Settlement string         `json:"settlementAccount,omitempty"`
	Cadence    string         `json:"snapshotCadence,omitempty"` // weekly|biweekly|monthly|quarterly|yearly
	MonteCarlo *MonteCarloDoc `json:"monteCarlo,omitempty"`
}

// HouseholdDoc carries person-level inputs and the simulation horizon.
type HouseholdDoc struct {
	BirthDate     DocDate `json:"birthDate"`
	RetirementAge int     `json:"retirementAge,omitempty"`
	StartDate     DocDate `json:"startDate"`
	DurationYears int     `json:"durationYears,omitempty"`
	EndDate       DocDate `json:"endDate,omitempty"`
}

// MarketDoc names the inflation profile and defines the return profile
// catalog.
type MarketDoc struct {
	Inflation string                `json:"inflation,omitempty"` // profile name
	Profiles  map[string]ProfileDoc `json:"profiles"`
}

// ProfileDoc is the tagged return/inflation profile variant.
type ProfileDoc struct {
	Type   string    `json:"type"` // fixed|normal|lognormal|historical
	Rate   float64   `json:"rate,omitempty"`
	Mean   float64   `json:"mean,omitempty"`
	StdDev float64   `json:"stddev,omitempty"`
	Rates  []float64 `json:"rates,omitempty"`
	Replay string    `json:"replay,omitempty"` // clampAtEnd|wrapAround|reflectSequence
	Strict bool      `json:"strict,omitempty"`
}

// AssetDoc is one catalog entry.
type AssetDoc struct {
	Name         string  `json:"name"`
	Class        string  `json:"class"` // investable|realEstate|depreciating|liability
	Profile      string  `json:"profile"`
	InitialPrice float64 `json:"initialPrice,omitempty"` // default 1
}

// LotDoc is one configured opening position.
type LotDoc struct {
	Asset    string  `json:"asset"`
	Acquired DocDate `json:"acquired"`
	Units    float64 `json:"units"`
	Basis    float64 `json:"basis"`
}

// AccountDoc is one configured account.
type AccountDoc struct {
	Name            string   `json:"name"`
	Treatment       string   `json:"treatment"` // taxable|taxDeferred|taxFree|illiquid
	Flavor          string   `json:"flavor"`    // bank|investment|property|liability
	Cash            float64  `json:"cash,omitempty"`
	CashRateProfile string   `json:"cashRateProfile,omitempty"`
	Lots            []LotDoc `json:"lots,omitempty"`
	ContributionCap float64  `json:"contributionCap,omitempty"`
	CapCarryForward bool     `json:"capCarryForward,omitempty"`
	WithholdRate    float64  `json:"withholdRate,omitempty"`
}

// EventDoc is one configured event.
type EventDoc struct {
	Name    string      `json:"name"`
	Once    bool        `json:"once,omitempty"`
	Trigger TriggerDoc  `json:"trigger"`
	Effects []EffectDoc `json:"effects"`
}

// TaxDoc mirrors the engine tax config with name-keyed tables.
type TaxDoc struct {
	FilingStatus      string                  `json:"filingStatus"` // single|marriedFilingJointly
	Ordinary          map[string][]BracketDoc `json:"ordinaryBrackets"`
	CapitalGains      map[string][]BracketDoc `json:"capitalGainsBrackets"`
	StandardDeduction map[string]float64      `json:"standardDeduction"`
	StateRate         float64                 `json:"stateRate,omitempty"`
	LossCap           float64                 `json:"lossCap,omitempty"`
	PenaltyRate       float64                 `json:"penaltyRate,omitempty"`
	RmdTable          []RmdRowDoc             `json:"rmdTable,omitempty"`
	GracefulRmd       bool                    `json:"gracefulRmd,omitempty"`
}

// BracketDoc is one progressive tier.
type BracketDoc struct {
	Lower float64 `json:"lower"`
	Rate  float64 `json:"rate"`
}

// RmdRowDoc maps an age to its divisor.
type RmdRowDoc struct {
	Age     int     `json:"age"`
	Divisor float64 `json:"divisor"`
}

// MonteCarloDoc configures the aggregator.
type MonteCarloDoc struct {
	Iterations        int       `json:"iterations"`
	BaseSeed          int64     `json:"baseSeed"`
	RetainPercentiles []float64 `json:"retainPercentiles,omitempty"`
	MeanSeries        bool      `json:"meanSeries,omitempty"`
	FailureThreshold  float64   `json:"failureThreshold,omitempty"`
}

// TriggerDoc is the recursive tagged trigger node.
type TriggerDoc struct {
	Type string `json:"type"`

	Date DocDate `json:"date,omitempty"`

	Years     int  `json:"years,omitempty"`
	Months    int  `json:"months,omitempty"`
	HasMonths bool `json:"-"`

	Event        string `json:"event,omitempty"`
	OffsetDays   int    `json:"offsetDays,omitempty"`
	OffsetMonths int    `json:"offsetMonths,omitempty"`
	OffsetYears  int    `json:"offsetYears,omitempty"`

	Account     string  `json:"account,omitempty"`
	Asset       string  `json:"asset,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
	Direction   string  `json:"direction,omitempty"` // crossesAbove|crossesBelow
	FireOnEqual bool    `json:"fireOnEqual,omitempty"`

	Interval string      `json:"interval,omitempty"`
	Start    *TriggerDoc `json:"start,omitempty"`
	End      *TriggerDoc `json:"end,omitempty"`

	Triggers []TriggerDoc `json:"triggers,omitempty"` // and / or
}

// triggerDocAlias avoids recursion in the custom unmarshaler.
type triggerDocAlias TriggerDoc

// UnmarshalJSON tracks whether "months" was present on age triggers.
func (t *TriggerDoc) UnmarshalJSON(data []byte) error {
	var alias triggerDocAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var probe struct {
		Months *int `json:"months"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	*t = TriggerDoc(alias)
	t.HasMonths = probe.Months != nil
	return nil
}

// AmountDoc is the recursive tagged transfer-amount node. A bare JSON number
// is accepted read-only as the legacy flat encoding of a fixed amount; the
// writer always emits the tagged form.
type AmountDoc struct {
	Type    string     `json:"type"`
	Value   float64    `json:"value,omitempty"`
	Factor  float64    `json:"factor,omitempty"`
	Amount  *AmountDoc `json:"amount,omitempty"` // inflationAdjusted / scale inner
	Left    *AmountDoc `json:"left,omitempty"`
	Right   *AmountDoc `json:"right,omitempty"`
	Account string     `json:"account,omitempty"`
	Asset   string     `json:"asset,omitempty"`
}

type amountDocAlias AmountDoc

// UnmarshalJSON accepts both the tagged object form and the legacy bare
// number.
func (a *AmountDoc) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*a = AmountDoc{Type: "fixed", Value: n}
		return nil
	}
	var alias amountDocAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*a = AmountDoc(alias)
	return nil
}

// EffectDoc is the tagged effect node.
type EffectDoc struct {
	Type string `json:"type"`

	To          string     `json:"to,omitempty"`
	From        string     `json:"from,omitempty"`
	FromCashOf  string     `json:"fromCashOf,omitempty"`
	Account     string     `json:"account,omitempty"`
	Asset       string     `json:"asset,omitempty"`
	Destination string     `json:"destination,omitempty"`
	Amount      *AmountDoc `json:"amount,omitempty"`

	Kind    string `json:"kind,omitempty"` // income kind
	Gross   bool   `json:"gross,omitempty"`
	Inflate bool   `json:"inflate,omitempty"`

	AmountMode string   `json:"amountMode,omitempty"` // grossProceeds|netAfterTax
	LotMethod  string   `json:"lotMethod,omitempty"`  // fifo|lifo|highestCost|lowestCost|averageCost
	Sources    []string `json:"sources,omitempty"`
	Order      string   `json:"order,omitempty"` // sweep strategy
	OnWithdraw string   `json:"incomeKindOnWithdraw,omitempty"`

	Event      string      `json:"event,omitempty"`
	NewAccount *AccountDoc `json:"newAccount,omitempty"`
}
