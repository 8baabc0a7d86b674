package scenario

import (
	"sort"

	"github.com/areumfire/horizon/internal/engine"
	"github.com/areumfire/horizon/internal/montecarlo"
)

// Build resolves a parsed document into a compiled engine plan plus the
// Monte Carlo config (nil when the document carries none). Every structural
// problem is collected into one ConfigError.
func Build(doc *Document) (*engine.Plan, *montecarlo.Config, error) {
	b := &builder{
		doc:  doc,
		reg:  engine.NewRegistry(),
		errs: &engine.ConfigError{},
	}
	plan := b.build()
	if err := b.errs.OrNil(); err != nil {
		return nil, nil, err
	}
	if err := plan.Compile(); err != nil {
		return nil, nil, err
	}
	var mc *montecarlo.Config
	if doc.MonteCarlo != nil {
		mc = &montecarlo.Config{
			Iterations:        doc.MonteCarlo.Iterations,
			BaseSeed:          doc.MonteCarlo.BaseSeed,
			RetainPercentiles: doc.MonteCarlo.RetainPercentiles,
			MeanSeries:        doc.MonteCarlo.MeanSeries,
			FailureThreshold:  doc.MonteCarlo.FailureThreshold,
		}
	}
	return plan, mc, nil
}

type builder struct {
	doc  *Document
	reg  *engine.Registry
	errs *engine.ConfigError

	profileIDs map[string]engine.ProfileID
}

func (b *builder) build() *engine.Plan {
	plan := &engine.Plan{
		Registry:         b.reg,
		InflationProfile: engine.NoProfile,
		Settlement:       engine.NoAccount,
	}

	b.buildProfiles(plan)
	b.buildAssets(plan)
	b.buildAccounts(plan)
	b.buildHousehold(plan)
	b.buildTax(plan)
	b.buildEvents(plan)

	plan.SnapshotCadence = b.interval(b.doc.Cadence, engine.Yearly, "snapshotCadence")
	if b.doc.Settlement != "" {
		if id, ok := b.reg.Account(b.doc.Settlement); ok {
			plan.Settlement = id
		} else {
			b.errs.Addf("settlement account %q not defined", b.doc.Settlement)
		}
	}
	plan.GracefulRmd = b.doc.Tax.GracefulRmd
	return plan
}

func (b *builder) buildProfiles(plan *engine.Plan) {
	b.profileIDs = make(map[string]engine.ProfileID)
	// Deterministic profile ordering: sorted by name.
	names := make([]string, 0, len(b.doc.Market.Profiles))
	for name := range b.doc.Market.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pd := b.doc.Market.Profiles[name]
		id, ok := b.reg.AddProfile(name)
		if !ok {
			b.errs.Addf("duplicate profile name %q", name)
			continue
		}
		rp := engine.ReturnProfile{Name: name, Strict: pd.Strict}
		switch pd.Type {
		case "fixed":
			rp.Kind = engine.ProfileFixed
			rp.Rate = pd.Rate
		case "normal":
			rp.Kind = engine.ProfileNormal
			rp.Mean = pd.Mean
			rp.StdDev = pd.StdDev
		case "lognormal":
			rp.Kind = engine.ProfileLogNormal
			rp.Mean = pd.Mean
			rp.StdDev = pd.StdDev
		case "historical":
			rp.Kind = engine.ProfileHistorical
			rp.Rates = pd.Rates
			switch pd.Replay {
			case "", "clampAtEnd":
				rp.Replay = engine.ClampAtEnd
			case "wrapAround":
				rp.Replay = engine.WrapAround
			case "reflectSequence":
				rp.Replay = engine.ReflectSequence
			default:
				b.errs.Addf("profile %q: unknown replay policy %q", name, pd.Replay)
			}
		default:
			b.errs.Addf("profile %q: unknown type %q", name, pd.Type)
		}
		plan.Profiles = append(plan.Profiles, rp)
		b.profileIDs[name] = id
	}
	if b.doc.Market.Inflation != "" {
		if id, ok := b.profileIDs[b.doc.Market.Inflation]; ok {
			plan.InflationProfile = id
		} else {
			b.errs.Addf("inflation profile %q not defined", b.doc.Market.Inflation)
		}
	}
}

func (b *builder) buildAssets(plan *engine.Plan) {
	for _, ad := range b.doc.Assets {
		if _, ok := b.reg.AddAsset(ad.Name); !ok {
			b.errs.Addf("duplicate asset name %q", ad.Name)
			continue
		}
		def := engine.AssetDef{Name: ad.Name, InitialPrice: ad.InitialPrice}
		if def.InitialPrice == 0 {
			def.InitialPrice = 1
		}
		switch ad.Class {
		case "", "investable":
			def.Class = engine.ClassInvestable
		case "realEstate":
			def.Class = engine.ClassRealEstate
		case "depreciating":
			def.Class = engine.ClassDepreciating
		case "liability":
			def.Class = engine.ClassLiability
		default:
			b.errs.Addf("asset %q: unknown class %q", ad.Name, ad.Class)
		}
		if id, ok := b.profileIDs[ad.Profile]; ok {
			def.Profile = id
		} else {
			b.errs.Addf("asset %q references unknown profile %q", ad.Name, ad.Profile)
		}
		plan.Assets = append(plan.Assets, def)
	}
}

func (b *builder) accountDef(ad *AccountDoc, deferred bool) engine.AccountDef {
	def := engine.AccountDef{
		Name:         ad.Name,
		InitialCash:  ad.Cash,
		CashRate:     engine.NoProfile,
		WithholdRate: ad.WithholdRate,
		Deferred:     deferred,
	}
	switch ad.Treatment {
	case "", "taxable":
		def.Treatment = engine.TreatmentTaxable
	case "taxDeferred":
		def.Treatment = engine.TreatmentTaxDeferred
	case "taxFree":
		def.Treatment = engine.TreatmentTaxFree
	case "illiquid":
		def.Treatment = engine.TreatmentIlliquid
	default:
		b.errs.Addf("account %q: unknown treatment %q", ad.Name, ad.Treatment)
	}
	switch ad.Flavor {
	case "", "bank":
		def.Flavor = engine.FlavorBank
	case "investment":
		def.Flavor = engine.FlavorInvestment
	case "property":
		def.Flavor = engine.FlavorProperty
	case "liability":
		def.Flavor = engine.FlavorLiability
	default:
		b.errs.Addf("account %q: unknown flavor %q", ad.Name, ad.Flavor)
	}
	if ad.CashRateProfile != "" {
		if id, ok := b.profileIDs[ad.CashRateProfile]; ok {
			def.CashRate = id
		} else {
			b.errs.Addf("account %q references unknown cash rate profile %q", ad.Name, ad.CashRateProfile)
		}
	}
	if ad.ContributionCap > 0 {
		def.Contribution = &engine.ContributionPolicy{
			AnnualCap:    ad.ContributionCap,
			CarryForward: ad.CapCarryForward,
		}
	}
	for _, ld := range ad.Lots {
		asset, ok := b.reg.Asset(ld.Asset)
		if !ok {
			b.errs.Addf("account %q lot references unknown asset %q", ad.Name, ld.Asset)
			continue
		}
		def.InitialLots = append(def.InitialLots, engine.Lot{
			Asset:    asset,
			Acquired: engine.DateFromTime(ld.Acquired.Time),
			Units:    ld.Units,
			Basis:    ld.Basis,
		})
	}
	if def.Flavor != engine.FlavorInvestment && len(def.InitialLots) > 0 {
		b.errs.Addf("account %q: lots on a %s-flavor account", ad.Name, def.Flavor)
	}
	return def
}

func (b *builder) buildAccounts(plan *engine.Plan) {
	for i := range b.doc.Accounts {
		ad := &b.doc.Accounts[i]
		if _, ok := b.reg.AddAccount(ad.Name); !ok {
			b.errs.Addf("duplicate account name %q", ad.Name)
			continue
		}
		plan.Accounts = append(plan.Accounts, b.accountDef(ad, false))
	}
	// Accounts created by effects are pre-registered so the id space is
	// fixed for the whole simulation; they start inactive.
	for i := range b.doc.Events {
		for j := range b.doc.Events[i].Effects {
			ed := &b.doc.Events[i].Effects[j]
			if ed.Type != "createAccount" || ed.NewAccount == nil {
				continue
			}
			if _, ok := b.reg.AddAccount(ed.NewAccount.Name); !ok {
				b.errs.Addf("duplicate account name %q (createAccount)", ed.NewAccount.Name)
				continue
			}
			plan.Accounts = append(plan.Accounts, b.accountDef(ed.NewAccount, true))
		}
	}
}

func (b *builder) buildHousehold(plan *engine.Plan) {
	h := &b.doc.Household
	if h.BirthDate.IsZero() {
		b.errs.Addf("household birth date missing")
	}
	if h.StartDate.IsZero() {
		b.errs.Addf("household start date missing")
	}
	plan.Household = engine.Household{
		BirthDate:     engine.DateFromTime(h.BirthDate.Time),
		RetirementAge: h.RetirementAge,
	}
	plan.Start = engine.DateFromTime(h.StartDate.Time)
	switch {
	case !h.EndDate.IsZero():
		plan.End = engine.DateFromTime(h.EndDate.Time)
	case h.DurationYears > 0:
		plan.End = plan.Start.AddYears(h.DurationYears)
	default:
		b.errs.Addf("household needs durationYears or endDate")
	}
}

func (b *builder) filingStatus(name string) engine.FilingStatus {
	switch name {
	case "", "single":
		return engine.FilingSingle
	case "marriedFilingJointly":
		return engine.FilingMarriedJointly
	default:
		b.errs.Addf("unknown filing status %q", name)
		return engine.FilingSingle
	}
}

func (b *builder) buildTax(plan *engine.Plan) {
	td := &b.doc.Tax
	cfg := engine.TaxConfig{
		Filing:            b.filingStatus(td.FilingStatus),
		Ordinary:          map[engine.FilingStatus][]engine.Bracket{},
		CapitalGains:      map[engine.FilingStatus][]engine.Bracket{},
		StandardDeduction: map[engine.FilingStatus]float64{},
		StateRate:         td.StateRate,
		LossCap:           td.LossCap,
		PenaltyRate:       td.PenaltyRate,
	}
	for status, rows := range td.Ordinary {
		cfg.Ordinary[b.filingStatus(status)] = brackets(rows)
	}
	for status, rows := range td.CapitalGains {
		cfg.CapitalGains[b.filingStatus(status)] = brackets(rows)
	}
	for status, d := range td.StandardDeduction {
		cfg.StandardDeduction[b.filingStatus(status)] = d
	}
	if len(td.RmdTable) > 0 {
		for _, r := range td.RmdTable {
			cfg.RmdTable = append(cfg.RmdTable, engine.RmdRow{Age: r.Age, Divisor: r.Divisor})
		}
	} else {
		cfg.RmdTable = engine.DefaultRmdTable()
	}
	plan.Tax = cfg
}

func brackets(rows []BracketDoc) []engine.Bracket {
	out := make([]engine.Bracket, len(rows))
	for i, r := range rows {
		out[i] = engine.Bracket{Lower: r.Lower, Rate: r.Rate}
	}
	return out
}

func (b *builder) buildEvents(plan *engine.Plan) {
	for i := range b.doc.Events {
		ed := &b.doc.Events[i]
		if _, ok := b.reg.AddEvent(ed.Name); !ok {
			b.errs.Addf("duplicate event name %q", ed.Name)
		}
	}
	for i := range b.doc.Events {
		ed := &b.doc.Events[i]
		id, _ := b.reg.Event(ed.Name)
		def := engine.EventDef{
			ID:      id,
			Once:    ed.Once,
			Trigger: b.trigger(&ed.Trigger, ed.Name),
		}
		for j := range ed.Effects {
			def.Effects = append(def.Effects, b.effect(&ed.Effects[j], ed.Name))
		}
		if len(def.Effects) == 0 {
			b.errs.Addf("event %q has no effects", ed.Name)
		}
		plan.Events = append(plan.Events, def)
	}
}

func (b *builder) account(name, where string) engine.AccountID {
	if name == "" {
		b.errs.Addf("%s: missing account reference", where)
		return engine.NoAccount
	}
	id, ok := b.reg.Account(name)
	if !ok {
		b.errs.Addf("%s: unknown account %q", where, name)
		return engine.NoAccount
	}
	return id
}

func (b *builder) asset(name, where string) engine.AssetID {
	id, ok := b.reg.Asset(name)
	if !ok {
		b.errs.Addf("%s: unknown asset %q", where, name)
		return engine.NoAsset
	}
	return id
}

func (b *builder) event(name, where string) engine.EventID {
	id, ok := b.reg.Event(name)
	if !ok {
		b.errs.Addf("%s: unknown event %q", where, name)
		return engine.EventID(-1)
	}
	return id
}

func (b *builder) interval(name string, fallback engine.Interval, where string) engine.Interval {
	switch name {
	case "":
		return fallback
	case "weekly":
		return engine.Weekly
	case "biweekly":
		return engine.BiWeekly
	case "monthly":
		return engine.Monthly
	case "quarterly":
		return engine.Quarterly
	case "yearly":
		return engine.Yearly
	default:
		b.errs.Addf("%s: unknown interval %q", where, name)
		return fallback
	}
}

func (b *builder) trigger(td *TriggerDoc, where string) *engine.Trigger {
	if td == nil {
		b.errs.Addf("event %s: missing trigger", where)
		return &engine.Trigger{Kind: engine.TriggerManual}
	}
	t := &engine.Trigger{}
	switch td.Type {
	case "date":
		t.Kind = engine.TriggerDate
		t.Date = engine.DateFromTime(td.Date.Time)
	case "age":
		t.Kind = engine.TriggerAge
		t.AgeYears = td.Years
		t.AgeMonths = td.Months
		t.HasMonths = td.HasMonths
	case "relative":
		t.Kind = engine.TriggerRelative
		t.Event = b.event(td.Event, "event "+where)
		t.OffsetDays = td.OffsetDays
		t.OffsetMonths = td.OffsetMonths
		t.OffsetYears = td.OffsetYears
	case "accountBalance":
		t.Kind = engine.TriggerAccountBalance
		t.Account = b.account(td.Account, "event "+where)
		t.Threshold = td.Threshold
		t.Dir = b.direction(td.Direction, where)
		t.FireOnEqual = td.FireOnEqual
	case "assetBalance":
		t.Kind = engine.TriggerAssetBalance
		t.Coord = engine.AssetCoord{
			Account: b.account(td.Account, "event "+where),
			Asset:   b.asset(td.Asset, "event "+where),
		}
		t.Threshold = td.Threshold
		t.Dir = b.direction(td.Direction, where)
		t.FireOnEqual = td.FireOnEqual
	case "netWorth":
		t.Kind = engine.TriggerNetWorth
		t.Threshold = td.Threshold
		t.Dir = b.direction(td.Direction, where)
		t.FireOnEqual = td.FireOnEqual
	case "repeating":
		t.Kind = engine.TriggerRepeating
		t.Interval = b.interval(td.Interval, engine.Monthly, "event "+where)
		if td.Start != nil {
			t.Start = b.trigger(td.Start, where)
		}
		if td.End != nil {
			t.End = b.trigger(td.End, where)
		}
	case "and", "or":
		if td.Type == "and" {
			t.Kind = engine.TriggerAnd
		} else {
			t.Kind = engine.TriggerOr
		}
		for i := range td.Triggers {
			t.Children = append(t.Children, b.trigger(&td.Triggers[i], where))
		}
		if len(t.Children) == 0 {
			b.errs.Addf("event %s: empty %s trigger", where, td.Type)
		}
	case "manual":
		t.Kind = engine.TriggerManual
	default:
		b.errs.Addf("event %s: unknown trigger type %q", where, td.Type)
		t.Kind = engine.TriggerManual
	}
	return t
}

func (b *builder) direction(name, where string) engine.Direction {
	switch name {
	case "crossesAbove":
		return engine.CrossesAbove
	case "crossesBelow":
		return engine.CrossesBelow
	default:
		b.errs.Addf("event %s: unknown crossing direction %q", where, name)
		return engine.CrossesBelow
	}
}

func (b *builder) amount(ad *AmountDoc, where string) *engine.Amount {
	if ad == nil {
		b.errs.Addf("%s: missing amount", where)
		return engine.FixedAmount(0)
	}
	a := &engine.Amount{}
	switch ad.Type {
	case "fixed":
		a.Kind = engine.AmountFixed
		a.Value = ad.Value
	case "inflationAdjusted":
		a.Kind = engine.AmountInflationAdjusted
		a.Inner = b.amount(ad.Amount, where)
	case "scale":
		a.Kind = engine.AmountScale
		a.Factor = ad.Factor
		a.Inner = b.amount(ad.Amount, where)
	case "sourceBalance":
		a.Kind = engine.AmountSourceBalance
	case "zeroTargetBalance":
		a.Kind = engine.AmountZeroTargetBalance
	case "targetToBalance":
		a.Kind = engine.AmountTargetToBalance
		a.Value = ad.Value
	case "accountTotalBalance":
		a.Kind = engine.AmountAccountTotal
		a.Account = b.account(ad.Account, where)
	case "accountCashBalance":
		a.Kind = engine.AmountAccountCash
		a.Account = b.account(ad.Account, where)
	case "assetBalance":
		a.Kind = engine.AmountAssetBalance
		a.Coord = engine.AssetCoord{
			Account: b.account(ad.Account, where),
			Asset:   b.asset(ad.Asset, where),
		}
	case "min", "max", "add", "sub", "mul":
		switch ad.Type {
		case "min":
			a.Kind = engine.AmountMin
		case "max":
			a.Kind = engine.AmountMax
		case "add":
			a.Kind = engine.AmountAdd
		case "sub":
			a.Kind = engine.AmountSub
		case "mul":
			a.Kind = engine.AmountMul
		}
		a.Left = b.amount(ad.Left, where)
		a.Right = b.amount(ad.Right, where)
	default:
		b.errs.Addf("%s: unknown amount type %q", where, ad.Type)
	}
	return a
}

func (b *builder) lotMethod(name, where string) engine.LotMethod {
	switch name {
	case "", "fifo":
		return engine.LotFIFO
	case "lifo":
		return engine.LotLIFO
	case "highestCost":
		return engine.LotHighestCost
	case "lowestCost":
		return engine.LotLowestCost
	case "averageCost":
		return engine.LotAverageCost
	default:
		b.errs.Addf("%s: unknown lot method %q", where, name)
		return engine.LotFIFO
	}
}

func (b *builder) amountMode(name, where string) engine.AmountMode {
	switch name {
	case "", "grossProceeds":
		return engine.GrossProceeds
	case "netAfterTax":
		return engine.NetAfterTax
	default:
		b.errs.Addf("%s: unknown amount mode %q", where, name)
		return engine.GrossProceeds
	}
}

func (b *builder) incomeKind(name, where string) engine.IncomeKind {
	switch name {
	case "", "ordinaryTaxable":
		return engine.IncomeOrdinaryTaxable
	case "taxFree":
		return engine.IncomeTaxFree
	case "capitalGainsRealized":
		return engine.IncomeCapitalGains
	default:
		b.errs.Addf("%s: unknown income kind %q", where, name)
		return engine.IncomeOrdinaryTaxable
	}
}

func (b *builder) sweepOrder(name, where string) engine.WithdrawalOrder {
	switch name {
	case "":
		return engine.OrderAsListed
	case "taxEfficientEarly":
		return engine.OrderTaxEfficientEarly
	case "taxDeferredFirst":
		return engine.OrderTaxDeferredFirst
	case "taxFreeFirst":
		return engine.OrderTaxFreeFirst
	case "proRata":
		return engine.OrderProRata
	case "penaltyAware":
		return engine.OrderPenaltyAware
	default:
		b.errs.Addf("%s: unknown withdrawal order %q", where, name)
		return engine.OrderAsListed
	}
}

func (b *builder) effect(ed *EffectDoc, eventName string) engine.Effect {
	where := "event " + eventName
	e := engine.Effect{Asset: engine.NoAsset}
	switch ed.Type {
	case "createAccount":
		e.Kind = engine.EffectCreateAccount
		if ed.NewAccount == nil {
			b.errs.Addf("%s: createAccount without account definition", where)
		} else {
			e.To = b.account(ed.NewAccount.Name, where)
		}
	case "deleteAccount":
		e.Kind = engine.EffectDeleteAccount
		e.From = b.account(ed.Account, where)
	case "income":
		e.Kind = engine.EffectIncome
		e.To = b.account(ed.To, where)
		e.Amount = b.amount(ed.Amount, where)
		e.IncomeKind = b.incomeKind(ed.Kind, where)
		e.Gross = ed.Gross
		e.Inflate = ed.Inflate
	case "expense":
		e.Kind = engine.EffectExpense
		e.From = b.account(ed.From, where)
		e.Amount = b.amount(ed.Amount, where)
		e.Inflate = ed.Inflate
	case "assetPurchase":
		e.Kind = engine.EffectAssetPurchase
		e.From = b.account(ed.FromCashOf, where)
		e.Coord = engine.AssetCoord{
			Account: b.account(ed.Account, where),
			Asset:   b.asset(ed.Asset, where),
		}
		e.Amount = b.amount(ed.Amount, where)
		e.Inflate = ed.Inflate
	case "assetSale":
		e.Kind = engine.EffectAssetSale
		e.From = b.account(ed.From, where)
		if ed.Asset != "" {
			e.Asset = b.asset(ed.Asset, where)
		}
		e.Amount = b.amount(ed.Amount, where)
		e.Mode = b.amountMode(ed.AmountMode, where)
		e.Method = b.lotMethod(ed.LotMethod, where)
	case "sweep":
		e.Kind = engine.EffectSweep
		e.To = b.account(ed.To, where)
		e.Amount = b.amount(ed.Amount, where)
		e.Mode = b.amountMode(ed.AmountMode, where)
		e.Method = b.lotMethod(ed.LotMethod, where)
		e.Order = b.sweepOrder(ed.Order, where)
		e.WithdrawKind = b.incomeKind(ed.OnWithdraw, where)
		for _, src := range ed.Sources {
			e.Sources = append(e.Sources, b.account(src, where))
		}
		if len(e.Sources) == 0 {
			b.errs.Addf("%s: sweep without sources", where)
		}
	case "cashTransfer":
		e.Kind = engine.EffectCashTransfer
		e.From = b.account(ed.From, where)
		e.To = b.account(ed.To, where)
		e.Amount = b.amount(ed.Amount, where)
	case "adjustBalance":
		e.Kind = engine.EffectAdjustBalance
		e.To = b.account(ed.Account, where)
		e.Amount = b.amount(ed.Amount, where)
	case "triggerEvent", "pauseEvent", "resumeEvent", "terminateEvent":
		switch ed.Type {
		case "triggerEvent":
			e.Kind = engine.EffectTriggerEvent
		case "pauseEvent":
			e.Kind = engine.EffectPauseEvent
		case "resumeEvent":
			e.Kind = engine.EffectResumeEvent
		case "terminateEvent":
			e.Kind = engine.EffectTerminateEvent
		}
		e.Target = b.event(ed.Event, where)
	case "applyRmd":
		e.Kind = engine.EffectApplyRmd
		e.To = b.account(ed.Destination, where)
		e.Method = b.lotMethod(ed.LotMethod, where)
	default:
		b.errs.Addf("%s: unknown effect type %q", where, ed.Type)
	}
	return e
}
