package engine

import "sort"

// Plan is the compiled, immutable description of one simulation: accounts,
// asset catalog, market profiles, events, tax rules and horizon. A plan is
// shared read-only across every Monte Carlo iteration; all mutable state
// lives in Sim.

// Household carries the person-level inputs triggers interpret.
type Household struct {
	BirthDate     Date
	RetirementAge int // optional hint, 0 when unset
}

// EventDef is one configured event: a trigger, an ordered effect list, and
// the fires-at-most-once flag.
type EventDef struct {
	ID      EventID
	Trigger *Trigger
	Effects []Effect
	Once    bool
}

// Lifecycle is the event lifecycle state machine. Transitions only move
// forward: Pending → Active → (Paused ⇄ Active) → Terminated.
type Lifecycle int

const (
	LifecyclePending Lifecycle = iota
	LifecycleActive
	LifecyclePaused
	LifecycleTerminated
)

func (l Lifecycle) String() string {
	switch l {
	case LifecyclePending:
		return "pending"
	case LifecycleActive:
		return "active"
	case LifecyclePaused:
		return "paused"
	case LifecycleTerminated:
		return "terminated"
	default:
		return "?"
	}
}

// Plan is the full compiled configuration.
type Plan struct {
	Registry *Registry
	Accounts []AccountDef
	Assets   []AssetDef
	Profiles []ReturnProfile

	InflationProfile ProfileID
	Events           []EventDef
	Tax              TaxConfig
	Household        Household

	Start Date
	End   Date

	SnapshotCadence Interval
	Settlement      AccountID // tax settlement account, NoAccount to skip settling

	ChainLimit  int  // max chained TriggerEvent re-entries per tick (default 64)
	GracefulRmd bool // RmdError warns instead of failing the iteration

	// Populated by Compile.
	schedule     *compiledSchedule
	balanceNodes []*Trigger
}

// DefaultChainLimit bounds same-tick trigger chains.
const DefaultChainLimit = 64

func (p *Plan) chainLimit() int {
	if p.ChainLimit > 0 {
		return p.ChainLimit
	}
	return DefaultChainLimit
}

// Compile validates the plan structurally and pre-materializes the event
// schedule. Every problem is collected; a plan that fails Compile cannot be
// simulated.
func (p *Plan) Compile() error {
	cfg := &ConfigError{}
	p.validate(cfg)
	if err := cfg.OrNil(); err != nil {
		return err
	}
	if err := p.detectRelativeCycles(); err != nil {
		return err
	}
	p.collectBalanceNodes()
	sched, err := compileSchedule(p)
	if err != nil {
		return err
	}
	p.schedule = sched
	return nil
}

func (p *Plan) validate(cfg *ConfigError) {
	if p.End <= p.Start {
		cfg.Addf("end date %s not after start date %s", p.End, p.Start)
	}
	for i := range p.Profiles {
		rp := &p.Profiles[i]
		switch rp.Kind {
		case ProfileNormal, ProfileLogNormal:
			if rp.StdDev < 0 {
				cfg.Addf("profile %q has negative stddev", rp.Name)
			}
		case ProfileHistorical:
			if len(rp.Rates) == 0 {
				cfg.Addf("profile %q has an empty historical sequence", rp.Name)
			}
		}
	}
	for i := range p.Assets {
		a := &p.Assets[i]
		if a.Profile < 0 || int(a.Profile) >= len(p.Profiles) {
			cfg.Addf("asset %q references unknown return profile", a.Name)
		}
		if a.InitialPrice <= 0 {
			cfg.Addf("asset %q has non-positive initial price", a.Name)
		}
	}
	for i := range p.Accounts {
		a := &p.Accounts[i]
		if a.CashRate != NoProfile && (a.CashRate < 0 || int(a.CashRate) >= len(p.Profiles)) {
			cfg.Addf("account %q references unknown cash rate profile", a.Name)
		}
		if a.Contribution != nil && a.Contribution.AnnualCap < 0 {
			cfg.Addf("account %q has negative contribution cap", a.Name)
		}
		for _, lot := range a.InitialLots {
			if lot.Asset < 0 || int(lot.Asset) >= len(p.Assets) {
				cfg.Addf("account %q has a lot of an unknown asset", a.Name)
			}
			if lot.Units < 0 || lot.Basis < 0 {
				cfg.Addf("account %q has a lot with negative units or basis", a.Name)
			}
		}
	}
	p.validateTax(cfg)
	if p.Settlement != NoAccount && (p.Settlement < 0 || int(p.Settlement) >= len(p.Accounts)) {
		cfg.Addf("settlement account out of range")
	}
}

func (p *Plan) validateTax(cfg *ConfigError) {
	for status, brackets := range p.Tax.Ordinary {
		validateBrackets(cfg, "ordinary", status, brackets)
	}
	for status, brackets := range p.Tax.CapitalGains {
		validateBrackets(cfg, "capital gains", status, brackets)
	}
	for status, d := range p.Tax.StandardDeduction {
		if d < 0 {
			cfg.Addf("negative standard deduction for %s", status)
		}
	}
	if p.Tax.LossCap < 0 {
		cfg.Addf("negative capital loss cap")
	}
	rows := p.Tax.RmdTable
	for i := 1; i < len(rows); i++ {
		if rows[i].Age <= rows[i-1].Age {
			cfg.Addf("rmd table ages not strictly increasing at age %d", rows[i].Age)
		}
	}
	for i := range rows {
		if rows[i].Divisor <= 0 {
			cfg.Addf("rmd divisor for age %d not positive", rows[i].Age)
		}
	}
}

func validateBrackets(cfg *ConfigError, kind string, status FilingStatus, brackets []Bracket) {
	if !sort.SliceIsSorted(brackets, func(i, j int) bool { return brackets[i].Lower < brackets[j].Lower }) {
		cfg.Addf("%s brackets for %s are not sorted", kind, status)
	}
	for i := 1; i < len(brackets); i++ {
		if brackets[i].Lower == brackets[i-1].Lower {
			cfg.Addf("%s brackets for %s overlap at %.2f", kind, status, brackets[i].Lower)
		}
	}
	for i := range brackets {
		if brackets[i].Rate < 0 {
			cfg.Addf("%s bracket rate for %s is negative", kind, status)
		}
	}
	if len(brackets) > 0 && brackets[0].Lower != 0 {
		cfg.Addf("%s brackets for %s do not start at zero", kind, status)
	}
}

// detectRelativeCycles walks the RelativeToEvent reference graph. A cycle is
// fatal at compile time.
func (p *Plan) detectRelativeCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(p.Events))
	var visit func(id EventID) bool
	visit = func(id EventID) bool {
		color[id] = gray
		ok := true
		walkTrigger(p.Events[id].Trigger, func(t *Trigger) {
			if t.Kind != TriggerRelative || !ok {
				return
			}
			switch color[t.Event] {
			case gray:
				ok = false
			case white:
				if !visit(t.Event) {
					ok = false
				}
			}
		})
		color[id] = black
		return ok
	}
	for i := range p.Events {
		if color[i] == white && !visit(EventID(i)) {
			return &TriggerEvaluationError{
				Event:  p.Registry.EventName(EventID(i)),
				Reason: "cycle in relative-to-event references",
				Cycle:  true,
			}
		}
	}
	return nil
}

// walkTrigger visits every node of a trigger tree.
func walkTrigger(t *Trigger, fn func(*Trigger)) {
	if t == nil {
		return
	}
	fn(t)
	walkTrigger(t.Start, fn)
	walkTrigger(t.End, fn)
	for _, c := range t.Children {
		walkTrigger(c, fn)
	}
}

// collectBalanceNodes assigns every balance-comparison node a slot in the
// prior-value table.
func (p *Plan) collectBalanceNodes() {
	p.balanceNodes = p.balanceNodes[:0]
	for i := range p.Events {
		walkTrigger(p.Events[i].Trigger, func(t *Trigger) {
			switch t.Kind {
			case TriggerAccountBalance, TriggerAssetBalance, TriggerNetWorth:
				t.priorIndex = len(p.balanceNodes)
				p.balanceNodes = append(p.balanceNodes, t)
			default:
				t.priorIndex = -1
			}
		})
	}
}
