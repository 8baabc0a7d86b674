package engine

// Simulation driver: the day-stepping loop with variable-stride advancement,
// event dispatch, snapshot and tax-year boundaries. Strictly single-threaded;
// the driver owns exclusive mutable access to portfolio, ledger, tax
// accumulator and scratch arena.

// eventState is the mutable per-iteration lifecycle of one event.
type eventState struct {
	State     Lifecycle
	LastFire  Date
	FireCount int
}

// Sim is the per-iteration simulation state. Create once per worker and
// Reset between seeds: the hot loop is allocation-free after warmup.
type Sim struct {
	plan    *Plan
	rng     *SeededRNG
	market  *Market
	pf      *Portfolio
	tax     *TaxEngine
	ledger  *Ledger
	scratch *Arena
	warns   WarningLog
	txn     txn

	date     Date
	prev     Date
	events   []eventState
	priors   []float64
	sched    *scheduleState
	nextSnap Date

	snapshots  []WealthSnapshot
	snapshotNW []float64
	taxes      []YearlyTax
	cashflows  []YearlyCashflow
	flowYear   YearlyCashflow
	closedYear int
	curYear    int
	tickFires  int
	collect    bool
}

// NewSim builds reusable per-iteration state for a compiled plan.
func NewSim(plan *Plan) *Sim {
	if plan.schedule == nil {
		panic("engine: plan not compiled")
	}
	s := &Sim{
		plan:    plan,
		rng:     NewSeededRNG(0),
		ledger:  NewLedger(),
		scratch: NewArena(),
		events:  make([]eventState, len(plan.Events)),
		priors:  make([]float64, len(plan.balanceNodes)),
	}
	s.market = NewMarket(plan.Profiles, plan.InflationProfile, plan.Assets, plan.Registry, s.rng)
	s.pf = NewPortfolio(plan.Accounts, plan.Registry, s.ledger)
	s.tax = NewTaxEngine(&plan.Tax)
	s.sched = newScheduleState(plan.schedule, plan)
	return s
}

// Reset rewinds every piece of per-iteration state for a new seed.
func (s *Sim) Reset(seed int64) {
	s.rng.Reset(seed)
	s.market.Reset()
	s.ledger.Reset()
	s.pf.Reset()
	s.tax.Reset()
	s.sched.reset(s.plan.schedule, s.plan)
	s.scratch.ResetTick()
	s.warns.Reset()
	s.date = s.plan.Start
	s.prev = s.plan.Start
	for i := range s.events {
		s.events[i] = eventState{State: LifecycleActive}
	}
	s.snapshots = s.snapshots[:0]
	s.snapshotNW = s.snapshotNW[:0]
	s.taxes = s.taxes[:0]
	s.cashflows = s.cashflows[:0]
	s.flowYear = YearlyCashflow{Year: s.plan.Start.Year()}
	s.nextSnap = s.plan.SnapshotCadence.NextAfter(s.plan.Start)
	s.closedYear = s.plan.Start.Year() - 1
	s.curYear = s.plan.Start.Year()
}

// Simulate runs one seed against a compiled plan and returns the full
// result. Monte Carlo workers hold a Sim and call Reset/Run directly.
func Simulate(plan *Plan, seed int64) (*SimulationResult, error) {
	s := NewSim(plan)
	return s.Run(seed, true)
}

// Run executes the simulation for one seed. When collect is false the run
// skips detail retention (ledger copy, snapshots, warnings) and returns only
// the cheap summary fields; the ledger fingerprint is always produced.
func (s *Sim) Run(seed int64, collect bool) (*SimulationResult, error) {
	s.Reset(seed)
	s.collect = collect

	if err := s.market.BeginYear(s.plan.Start.Year(), &s.warns, s.date); err != nil {
		return nil, err
	}
	// Priors initialize to current values: no spurious crossing at t=0.
	s.initPriors()
	s.emitSnapshot()

	// Events due on the start date fire before any time elapses.
	if err := s.tick(s.plan.Start); err != nil {
		return nil, err
	}

	for s.date < s.plan.End {
		next, ok := s.nextCheckpoint()
		if !ok {
			break
		}
		if err := s.tick(next); err != nil {
			return nil, err
		}
	}

	// Close the final (partial) tax year.
	if err := s.closeYear(s.date); err != nil {
		return nil, err
	}
	s.flushCashflow()
	s.lateTriggerAudit()

	return s.buildResult(seed), nil
}

// nextCheckpoint merges the compiled calendar with runtime-promoted firings.
func (s *Sim) nextCheckpoint() (Date, bool) {
	cal := s.plan.schedule.calendar
	var next Date
	have := false
	for s.sched.calendarIdx < len(cal) && cal[s.sched.calendarIdx] <= s.date {
		s.sched.calendarIdx++
	}
	if s.sched.calendarIdx < len(cal) {
		next = cal[s.sched.calendarIdx]
		have = true
	}
	if f, ok := s.sched.promoted.Peek(); ok && f.Date > s.date {
		if !have || f.Date < next {
			next = f.Date
			have = true
		}
	}
	if have && next > s.plan.End {
		next = s.plan.End
	}
	return next, have
}

// tick advances the simulation to the checkpoint date and processes it.
func (s *Sim) tick(next Date) error {
	s.scratch.ResetTick()

	// 1. Advance the market across the span. Year boundaries are
	// checkpoints, so every span lies within one calendar year and grows
	// under that year's samples.
	if err := s.advanceMarket(next); err != nil {
		return err
	}
	s.prev = s.date
	s.date = next

	// Tax-year boundary: reconcile the old year before events fire in the
	// new one, then roll samples and contribution allowances.
	if y := next.Year(); y > s.curYear {
		s.curYear = y
		if err := s.closeYear(next); err != nil {
			return err
		}
		if err := s.market.BeginYear(next.Year(), &s.warns, next); err != nil {
			return err
		}
		for i := range s.plan.Accounts {
			s.pf.accountAny(AccountID(i)).rollContributionYear(&s.plan.Accounts[i])
		}
		s.flowYear.Year = next.Year()
	}

	// 2-4. Dispatch until quiescence within the tick: scheduled events,
	// runtime-dependent events, then chained TriggerEvent re-entries. The
	// chain limit bounds pathological loops.
	limit := s.plan.chainLimit()
	for round := 0; ; round++ {
		before := s.tickFires
		if err := s.fireScheduled(); err != nil {
			return err
		}
		if err := s.evalRuntime(); err != nil {
			return err
		}
		if err := s.evalRuntimeRepeats(); err != nil {
			return err
		}
		if err := s.drainChain(); err != nil {
			return err
		}
		if s.tickFires == before {
			break
		}
		if round >= limit {
			s.warns.Addf(s.date, WarnChainLimit, "tick dispatch exceeded %d rounds, breaking", limit)
			break
		}
	}

	// 6. Snapshot cadence.
	for s.date >= s.nextSnap {
		s.emitSnapshot()
		s.nextSnap = s.plan.SnapshotCadence.NextAfter(s.nextSnap)
	}
	return nil
}

// advanceMarket grows every asset price and interest-bearing cash balance
// over the span, emitting appreciation entries for cash.
func (s *Sim) advanceMarket(next Date) error {
	if next <= s.date {
		return nil
	}
	days := int(next - s.date)
	for a := AssetID(0); int(a) < len(s.plan.Assets); a++ {
		if _, err := s.market.GrowAsset(a, s.date, next, &s.warns); err != nil {
			if IsFatal(err) || s.plan.Profiles[s.plan.Assets[a].Profile].Strict {
				return err
			}
			s.warns.Addf(next, WarnMarketClamped, "growth skipped for %s: %v", s.plan.Registry.AssetName(a), err)
		}
	}
	for id := 0; id < s.pf.NumAccounts(); id++ {
		a := s.pf.Account(AccountID(id))
		if a == nil || a.CashRate == NoProfile || a.Cash == 0 {
			continue
		}
		rate, factor, err := s.market.CashGrowthFactor(a.CashRate, s.date, next, &s.warns)
		if err != nil {
			if IsFatal(err) {
				return err
			}
			continue
		}
		prev := a.Cash
		a.Cash *= factor
		kind := RecordCashAppreciation
		if a.Flavor == FlavorLiability {
			kind = RecordLiabilityInterest
		}
		s.ledger.Append(Entry{
			Date: next, Kind: kind, Account: a.ID, Asset: NoAsset, Event: -1,
			Prev: prev, New: a.Cash, Rate: rate, Days: days,
		})
	}
	s.ledger.Append(Entry{
		Date: next, Kind: RecordTimeAdvance, Account: NoAccount, Asset: NoAsset, Event: -1,
		Prev: float64(s.date), New: float64(next), Days: days,
	})
	return nil
}

// fireScheduled fires pre-materialized and promoted events due at or before
// the current date.
func (s *Sim) fireScheduled() error {
	firings := s.plan.schedule.firings
	for s.sched.firingIdx < len(firings) && firings[s.sched.firingIdx].Date <= s.date {
		f := firings[s.sched.firingIdx]
		s.sched.firingIdx++
		if err := s.fireEvent(f.Event); err != nil {
			return err
		}
	}
	for {
		f, ok := s.sched.promoted.Peek()
		if !ok || f.Date > s.date {
			break
		}
		s.sched.promoted.Next()
		if err := s.fireEvent(f.Event); err != nil {
			return err
		}
	}
	return nil
}

// evalRuntime scans state-dependent events whose hint allows them to fire.
func (s *Sim) evalRuntime() error {
	for _, id := range s.plan.schedule.runtime {
		if s.events[id].State != LifecycleActive {
			continue
		}
		if s.date < s.sched.hint[id] {
			continue
		}
		st, err := s.EvalTrigger(s.plan.Events[id].Trigger, 0)
		if err != nil {
			if IsFatal(err) {
				return err
			}
			s.warns.Addf(s.date, WarnEffectAborted, "trigger of %s failed: %v", s.plan.Registry.EventName(id), err)
			continue
		}
		if st == Triggered {
			if err := s.fireEvent(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// evalRuntimeRepeats advances repeating triggers whose window anchors on a
// state-dependent start.
func (s *Sim) evalRuntimeRepeats() error {
	for i := range s.plan.schedule.repeats {
		def := &s.plan.schedule.repeats[i]
		rs := &s.sched.repeat[i]
		if rs.done || s.events[def.Event].State == LifecycleTerminated {
			continue
		}
		if !rs.anchored {
			anchored := def.Start == nil
			if !anchored {
				st, err := s.EvalTrigger(def.Start, 0)
				if err != nil {
					if IsFatal(err) {
						return err
					}
					continue
				}
				anchored = st == Triggered
			}
			if !anchored {
				continue
			}
			rs.anchored = true
			rs.nextFire = s.date
		}
		if s.date < rs.nextFire {
			continue
		}
		if def.End != nil {
			st, err := s.EvalTrigger(def.End, 0)
			if err != nil && IsFatal(err) {
				return err
			}
			if st == Triggered {
				rs.done = true
				continue
			}
		}
		if err := s.fireEvent(def.Event); err != nil {
			return err
		}
		// One firing per checkpoint; coarse strides do not burst.
		for rs.nextFire <= s.date {
			rs.nextFire = def.Interval.NextAfter(rs.nextFire)
		}
	}
	return nil
}

// drainChain re-enters dispatch for TriggerEvent chains until quiescence,
// bounded by the plan's chain limit.
func (s *Sim) drainChain() error {
	limit := s.plan.chainLimit()
	for n := 0; len(s.scratch.chain) > 0; n++ {
		if n >= limit {
			s.warns.Addf(s.date, WarnChainLimit, "trigger chain exceeded %d links, breaking", limit)
			s.scratch.chain = s.scratch.chain[:0]
			break
		}
		id := s.scratch.chain[0]
		s.scratch.chain = s.scratch.chain[1:]
		if err := s.fireEvent(id); err != nil {
			return err
		}
	}
	return nil
}

// fireEvent runs an event's effects in order and advances its lifecycle.
func (s *Sim) fireEvent(id EventID) error {
	st := &s.events[id]
	if st.State != LifecycleActive {
		return nil
	}
	def := &s.plan.Events[id]
	for i := range def.Effects {
		if err := s.ApplyEffect(id, &def.Effects[i]); err != nil {
			return err
		}
	}
	st.LastFire = s.date
	st.FireCount++
	s.tickFires++
	if def.Once {
		st.State = LifecycleTerminated
	}
	s.compactAllLots()
	// Promote events pending on this firing: their absolute date is now
	// known. A promoted date already in the past can never fire.
	for _, ref := range s.plan.schedule.pending[id] {
		if s.events[ref.Event].State == LifecycleTerminated {
			continue
		}
		due := ref.Trigger.offsetFrom(s.date)
		if due < s.date {
			continue
		}
		s.sched.promoted.Add(firing{Date: due, Event: ref.Event})
	}
	return nil
}

func (s *Sim) compactAllLots() {
	for i := 0; i < s.pf.NumAccounts(); i++ {
		if a := s.pf.Account(AccountID(i)); a != nil && a.Flavor == FlavorInvestment {
			a.compactLots()
		}
	}
}

// closeYear reconciles the tax accumulator into a single realized liability.
// Idempotent per calendar year: the end-of-simulation close skips a year the
// boundary tick already reconciled.
func (s *Sim) closeYear(at Date) error {
	year := at.Year()
	if _, m, d := at.YMD(); m == 1 && d == 1 {
		year-- // the boundary tick closes the year just ended
	}
	if year <= s.closedYear {
		return nil
	}
	s.closedYear = year
	summary, err := s.tax.ReconcileYear(at, year, s.plan.Settlement, s.pf, s.ledger)
	if err != nil {
		return err
	}
	s.flowYear.TaxesSettled += summary.RefundOrDue
	s.taxes = append(s.taxes, summary)
	s.flushCashflow()
	return nil
}

func (s *Sim) flushCashflow() {
	if s.flowYear != (YearlyCashflow{Year: s.flowYear.Year}) {
		s.cashflows = append(s.cashflows, s.flowYear)
	}
	s.flowYear = YearlyCashflow{Year: s.date.Year()}
}

// noteEntry folds a committed entry into the running cash-flow year.
func (s *Sim) noteEntry(e *Entry) {
	switch e.Kind {
	case RecordCashCredit:
		switch e.CashKind {
		case CashIncomeOrdinary, CashRmd:
			s.flowYear.OrdinaryIncome += e.Amount
		case CashIncomeTaxFree:
			s.flowYear.TaxFreeIncome += e.Amount
		case CashIncomeCapGains:
			s.flowYear.CapGainsIncome += e.Amount
		}
	case RecordCashDebit:
		if e.CashKind == CashExpense {
			s.flowYear.Expenses += e.Amount
		}
	}
}

func (s *Sim) emitSnapshot() {
	nw := s.pf.NetWorth(s.market)
	s.snapshotNW = append(s.snapshotNW, nw)
	if !s.collect {
		return
	}
	snap := WealthSnapshot{Date: s.date, NetWorth: nw}
	for i := 0; i < s.pf.NumAccounts(); i++ {
		a := s.pf.Account(AccountID(i))
		if a == nil {
			continue
		}
		snap.Accounts = append(snap.Accounts, AccountBalance{
			Account: a.ID,
			Name:    s.plan.Registry.AccountName(a.ID),
			Balance: s.pf.Balance(a.ID, s.market),
		})
	}
	s.snapshots = append(s.snapshots, snap)
}

// lateTriggerAudit warns when a balance trigger sits past its threshold at
// simulation end: either it fired and the value stayed crossed, or a
// wrong-high hint or coarse stride crossed it late.
func (s *Sim) lateTriggerAudit() {
	for _, t := range s.plan.balanceNodes {
		current := s.currentBalanceValue(t)
		past := false
		switch t.Dir {
		case CrossesAbove:
			past = current > t.Threshold
		case CrossesBelow:
			past = current < t.Threshold
		}
		if past {
			s.warns.Addf(s.date, WarnLateTrigger, "balance trigger threshold %.2f still crossed at simulation end (value %.2f)", t.Threshold, current)
		}
	}
}

// ageMonths is the household age in whole months at the current date.
func (s *Sim) ageMonths() int {
	return AgeInMonths(s.plan.Household.BirthDate, s.date)
}

func (s *Sim) buildResult(seed int64) *SimulationResult {
	finalNW := s.pf.NetWorth(s.market)
	res := &SimulationResult{
		Seed:        seed,
		Success:     finalNW > 0,
		FinalNW:     finalNW,
		Fingerprint: s.ledger.Fingerprint(),
		LedgerLen:   s.ledger.Len(),
	}
	res.SnapshotNW = append(res.SnapshotNW, s.snapshotNW...)
	if !s.collect {
		return res
	}
	res.Ledger = append(res.Ledger, s.ledger.Entries()...)
	res.Snapshots = append(res.Snapshots, s.snapshots...)
	res.Taxes = append(res.Taxes, s.taxes...)
	res.Cashflows = append(res.Cashflows, s.cashflows...)
	res.Warnings = append(res.Warnings, s.warns.Entries()...)
	return res
}

// Warnings exposes the live warning log (primarily for tests).
func (s *Sim) Warnings() *WarningLog { return &s.warns }

// NetWorth exposes the current net worth (primarily for tests).
func (s *Sim) NetWorth() float64 { return s.pf.NetWorth(s.market) }
