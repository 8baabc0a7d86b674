package engine

import (
	"math"
	"sort"
)

// Effect applier: executes a single effect atomically against state. Either
// all of an effect's ledger entries commit, or none do. Mutations run against
// live state through a staged transaction that records inverse operations;
// failure unwinds them in reverse and discards the staged entries.

// EffectKind discriminates the effect variants.
type EffectKind int

const (
	EffectCreateAccount EffectKind = iota
	EffectDeleteAccount
	EffectIncome
	EffectExpense
	EffectAssetPurchase
	EffectAssetSale
	EffectSweep
	EffectCashTransfer
	EffectAdjustBalance
	EffectTriggerEvent
	EffectPauseEvent
	EffectResumeEvent
	EffectTerminateEvent
	EffectApplyRmd
)

// IncomeKind tags the tax nature of an income credit.
type IncomeKind int

const (
	IncomeOrdinaryTaxable IncomeKind = iota
	IncomeTaxFree
	IncomeCapitalGains
)

// WithdrawalOrder is the multi-account discipline for Sweep sources.
type WithdrawalOrder int

const (
	OrderAsListed WithdrawalOrder = iota
	OrderTaxEfficientEarly
	OrderTaxDeferredFirst
	OrderTaxFreeFirst
	OrderProRata
	OrderPenaltyAware
)

// Effect is one tagged state mutation owned by an event.
type Effect struct {
	Kind EffectKind

	To   AccountID // Income target, transfer/sweep/rmd destination, adjusted account, created account
	From AccountID // Expense/transfer/sale source, purchase cash source, deleted account

	Coord AssetCoord // AssetPurchase target coordinate
	Asset AssetID    // AssetSale filter, NoAsset for whole account

	Amount     *Amount
	IncomeKind IncomeKind
	Gross      bool
	Inflate    bool

	Mode         AmountMode
	Method       LotMethod
	Sources      []AccountID
	Order        WithdrawalOrder
	WithdrawKind IncomeKind // Sweep: tax kind for deferred/free sources

	Target EventID // event-control effects
}

// undoOp is one inverse mutation for rollback.
type undoKind int

const (
	undoCashDelta undoKind = iota
	undoLotState
	undoLotAppend
	undoActivate
	undoContribution
)

type undoOp struct {
	kind  undoKind
	acct  AccountID
	idx   int
	units float64
	basis float64
	delta float64
}

// txn stages one effect's ledger entries and records inverse state ops.
type txn struct {
	s       *Sim
	entries []Entry
	undo    []undoOp
	taxSnap Accumulator
	ev      EventID
}

func (s *Sim) beginTxn(ev EventID) *txn {
	s.txn.s = s
	s.txn.entries = s.scratch.staged[:0]
	s.txn.undo = s.scratch.undo[:0]
	s.txn.taxSnap = s.tax.acc
	s.txn.ev = ev
	return &s.txn
}

func (t *txn) commit() {
	for i := range t.entries {
		t.s.ledger.Append(t.entries[i])
		t.s.noteEntry(&t.entries[i])
	}
	t.s.scratch.staged = t.entries[:0]
	t.s.scratch.undo = t.undo[:0]
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		op := &t.undo[i]
		a := t.s.pf.accountAny(op.acct)
		switch op.kind {
		case undoCashDelta:
			a.Cash -= op.delta
		case undoLotState:
			a.Lots[op.idx].Units = op.units
			a.Lots[op.idx].Basis = op.basis
		case undoLotAppend:
			a.Lots = a.Lots[:len(a.Lots)-1]
		case undoActivate:
			a.Active = false
			a.Cash = 0
			a.Lots = a.Lots[:0]
		case undoContribution:
			a.contributedYTD -= op.delta
		}
	}
	t.s.tax.acc = t.taxSnap
	t.s.scratch.staged = t.entries[:0]
	t.s.scratch.undo = t.undo[:0]
}

func (t *txn) stage(e Entry) {
	e.Date = t.s.date
	e.Event = t.ev
	t.entries = append(t.entries, e)
}

func (t *txn) cash(a *Account, delta float64) {
	a.Cash += delta
	t.undo = append(t.undo, undoOp{kind: undoCashDelta, acct: a.ID, delta: delta})
}

func (t *txn) credit(a *Account, amount float64, kind CashKind) {
	t.cash(a, amount)
	t.stage(Entry{Kind: RecordCashCredit, Account: a.ID, Asset: NoAsset, Amount: amount, CashKind: kind})
}

func (t *txn) debit(a *Account, amount float64, kind CashKind) {
	t.cash(a, -amount)
	t.stage(Entry{Kind: RecordCashDebit, Account: a.ID, Asset: NoAsset, Amount: amount, CashKind: kind})
}

func (t *txn) addLot(a *Account, lot Lot) {
	a.Lots = append(a.Lots, lot)
	t.undo = append(t.undo, undoOp{kind: undoLotAppend, acct: a.ID})
	t.stage(Entry{
		Kind: RecordAssetPurchase, Account: a.ID, Asset: lot.Asset,
		Amount: lot.Basis, Units: lot.Units, Basis: lot.Basis,
	})
}

// executeSale applies a sale plan: snapshots touched lots for undo, mutates
// them downward, and stages the sale record. Proceeds are NOT credited here;
// the caller decides where they land.
func (t *txn) executeSale(a *Account, plan *SalePlan, method LotMethod) {
	for i := range plan.Slices {
		s := &plan.Slices[i]
		lot := &a.Lots[s.LotIndex]
		t.undo = append(t.undo, undoOp{kind: undoLotState, acct: a.ID, idx: s.LotIndex, units: lot.Units, basis: lot.Basis})
	}
	applySalePlan(a, plan, method)
	slices := make([]LotSlice, len(plan.Slices))
	copy(slices, plan.Slices)
	t.stage(Entry{
		Kind: RecordAssetSale, Account: a.ID, Asset: NoAsset,
		Amount: plan.Proceeds, Slices: slices,
		LongGain: plan.LongGain, ShortGain: plan.ShortGain, Penalty: plan.Penalty,
	})
}

// ApplyEffect runs one effect atomically. Non-fatal failures roll the effect
// back, record a warning, and return nil so the simulation continues; fatal
// errors propagate.
func (s *Sim) ApplyEffect(ev EventID, e *Effect) error {
	t := s.beginTxn(ev)
	err := s.applyEffect(t, ev, e)
	if err == nil {
		t.commit()
		return nil
	}
	t.rollback()
	if IsFatal(err) {
		return err
	}
	if _, isRmd := err.(*RmdError); isRmd && !s.plan.GracefulRmd {
		return err
	}
	s.warns.Addf(s.date, WarnEffectAborted, "event %s: %v", s.plan.Registry.EventName(ev), err)
	return nil
}

func (s *Sim) applyEffect(t *txn, ev EventID, e *Effect) error {
	switch e.Kind {
	case EffectCreateAccount:
		return s.applyCreateAccount(t, e)
	case EffectDeleteAccount:
		return s.applyDeleteAccount(t, e)
	case EffectIncome:
		return s.applyIncome(t, e)
	case EffectExpense:
		return s.applyExpense(t, e)
	case EffectAssetPurchase:
		return s.applyAssetPurchase(t, e)
	case EffectAssetSale:
		return s.applyAssetSale(t, e)
	case EffectSweep:
		return s.applySweep(t, e)
	case EffectCashTransfer:
		return s.applyCashTransfer(t, e)
	case EffectAdjustBalance:
		return s.applyAdjustBalance(t, e)
	case EffectApplyRmd:
		return s.applyRmd(t, e)
	case EffectTriggerEvent, EffectPauseEvent, EffectResumeEvent, EffectTerminateEvent:
		return s.applyEventControl(e)
	default:
		return &TransferEvaluationError{Reason: "unknown effect kind"}
	}
}

func (s *Sim) amountCtx(source, target AccountID, coord AssetCoord) AmountContext {
	return AmountContext{
		Source:      source,
		Target:      target,
		TargetCoord: coord,
		Inflation:   s.market.InflationMultiplier(),
	}
}

func (s *Sim) evalEffectAmount(e *Effect, source, target AccountID, coord AssetCoord) (float64, error) {
	ctx := s.amountCtx(source, target, coord)
	v, err := EvalAmount(e.Amount, s.pf, s.market, &ctx)
	if err != nil {
		return 0, err
	}
	if e.Inflate {
		v *= s.market.InflationMultiplier()
	}
	return v, nil
}

func (s *Sim) applyCreateAccount(t *txn, e *Effect) error {
	a := s.pf.accountAny(e.To)
	if a == nil {
		return &LookupError{Kind: "account", Name: "?"}
	}
	if a.Active || a.Deleted {
		return &AccountTypeError{Account: s.plan.Registry.AccountName(e.To), Op: "create account", Flavor: a.Flavor}
	}
	def := &s.plan.Accounts[e.To]
	a.Active = true
	a.Cash = def.InitialCash
	a.Lots = append(a.Lots[:0], def.InitialLots...)
	t.undo = append(t.undo, undoOp{kind: undoActivate, acct: e.To})
	if def.InitialCash != 0 {
		t.stage(Entry{Kind: RecordCashCredit, Account: e.To, Asset: NoAsset, Amount: def.InitialCash, CashKind: CashAdjustment})
	}
	return nil
}

func (s *Sim) applyDeleteAccount(t *txn, e *Effect) error {
	a := s.pf.Account(e.From)
	if a == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.From)}
	}
	if a.Cash != 0 || len(a.Lots) != 0 {
		s.warns.Addf(s.date, WarnDeleteRefused, "account %s not empty, delete refused", s.plan.Registry.AccountName(e.From))
		return nil
	}
	a.Deleted = true
	return nil
}

func (s *Sim) applyIncome(t *txn, e *Effect) error {
	a := s.pf.Account(e.To)
	if a == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.To)}
	}
	amount, err := s.evalEffectAmount(e, NoAccount, e.To, AssetCoord{})
	if err != nil {
		return err
	}
	if amount <= 0 {
		return nil
	}
	amount = s.capContribution(t, a, amount)
	switch e.IncomeKind {
	case IncomeTaxFree:
		t.credit(a, amount, CashIncomeTaxFree)
		s.tax.AccrueTaxFree(amount)
	case IncomeCapitalGains:
		t.credit(a, amount, CashIncomeCapGains)
		s.tax.AccrueLTCG(amount)
	default: // ordinary
		t.credit(a, amount, CashIncomeOrdinary)
		s.tax.AccrueOrdinary(amount)
		if e.Gross {
			if rate := s.plan.Accounts[a.ID].WithholdRate; rate > 0 {
				withheld := amount * rate
				t.cash(a, -withheld)
				t.stage(Entry{Kind: RecordTaxWithholding, Account: a.ID, Asset: NoAsset, Amount: withheld, CashKind: CashTaxSettlement})
				s.tax.RecordWithholding(withheld)
			}
		}
	}
	return nil
}

func (s *Sim) applyExpense(t *txn, e *Effect) error {
	a := s.pf.Account(e.From)
	if a == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.From)}
	}
	amount, err := s.evalEffectAmount(e, e.From, NoAccount, AssetCoord{})
	if err != nil {
		return err
	}
	if amount <= 0 {
		return nil
	}
	// Insufficient cash clamps to available, warns, and continues.
	if a.Flavor != FlavorLiability && amount > a.Cash {
		clamped := math.Max(0, a.Cash)
		s.warns.Addf(s.date, WarnExpenseClamped, "expense %.2f clamped to %.2f on %s", amount, clamped, s.plan.Registry.AccountName(e.From))
		amount = clamped
	}
	t.debit(a, amount, CashExpense)
	return nil
}

func (s *Sim) applyAssetPurchase(t *txn, e *Effect) error {
	src := s.pf.Account(e.From)
	if src == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.From)}
	}
	dst := s.pf.Account(e.Coord.Account)
	if dst == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.Coord.Account)}
	}
	if dst.Flavor != FlavorInvestment {
		return &AccountTypeError{Account: s.plan.Registry.AccountName(e.Coord.Account), Op: "asset purchase", Flavor: dst.Flavor}
	}
	amount, err := s.evalEffectAmount(e, e.From, e.Coord.Account, e.Coord)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return nil
	}
	// Insufficient source cash fails the whole effect.
	if src.Flavor != FlavorLiability && amount > src.Cash+1e-9 {
		return &TransferEvaluationError{Reason: "insufficient cash for asset purchase"}
	}
	price := s.market.Price(e.Coord.Asset)
	if price <= 0 {
		return &MarketError{Profile: s.plan.Registry.AssetName(e.Coord.Asset), Reason: "no positive price for purchase"}
	}
	t.debit(src, amount, CashPurchase)
	t.addLot(dst, Lot{Asset: e.Coord.Asset, Acquired: s.date, Units: amount / price, Basis: amount})
	return nil
}

func (s *Sim) applyAssetSale(t *txn, e *Effect) error {
	a := s.pf.Account(e.From)
	if a == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.From)}
	}
	amount, err := s.evalEffectAmount(e, e.From, NoAccount, AssetCoord{})
	if err != nil {
		return err
	}
	if amount <= 0 {
		return nil
	}
	plan, err := PlanSale(a, e.Asset, amount, e.Mode, e.Method, s.date, s.ageMonths(), s.market, s.tax, s.scratch, &s.warns)
	if err != nil {
		return err
	}
	if len(plan.Slices) == 0 {
		return &TransferEvaluationError{Reason: "no lots available for sale"}
	}
	if plan.Clamped {
		s.warns.Addf(s.date, WarnSaleShortfall, "sale target %.2f, only %.2f available in %s", amount, plan.Proceeds, s.plan.Registry.AccountName(e.From))
	}
	t.executeSale(a, &plan, e.Method)
	t.credit(a, plan.Proceeds, CashSaleProceeds)
	if a.Treatment == TreatmentTaxable {
		s.tax.AccrueLTCG(plan.LongGain)
		s.tax.AccrueSTCG(plan.ShortGain)
	}
	return nil
}

func (s *Sim) applyCashTransfer(t *txn, e *Effect) error {
	src := s.pf.Account(e.From)
	dst := s.pf.Account(e.To)
	if src == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.From)}
	}
	if dst == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.To)}
	}
	amount, err := s.evalEffectAmount(e, e.From, e.To, AssetCoord{})
	if err != nil {
		return err
	}
	if amount <= 0 {
		return nil
	}
	if src.Flavor != FlavorLiability && amount > src.Cash {
		clamped := math.Max(0, src.Cash)
		s.warns.Addf(s.date, WarnExpenseClamped, "transfer %.2f clamped to %.2f on %s", amount, clamped, s.plan.Registry.AccountName(e.From))
		amount = clamped
	}
	amount = s.capContribution(t, dst, amount)
	if amount <= 0 {
		return nil
	}
	t.debit(src, amount, CashTransfer)
	t.credit(dst, amount, CashTransfer)
	return nil
}

func (s *Sim) applyAdjustBalance(t *txn, e *Effect) error {
	a := s.pf.Account(e.To)
	if a == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.To)}
	}
	amount, err := s.evalEffectAmount(e, NoAccount, e.To, AssetCoord{})
	if err != nil {
		return err
	}
	if amount >= 0 {
		t.credit(a, amount, CashAdjustment)
	} else {
		t.debit(a, -amount, CashAdjustment)
	}
	return nil
}

func (s *Sim) applyEventControl(e *Effect) error {
	if e.Target < 0 || int(e.Target) >= len(s.events) {
		return &LookupError{Kind: "event", Name: "?"}
	}
	st := &s.events[e.Target]
	switch e.Kind {
	case EffectTriggerEvent:
		s.scratch.chain = append(s.scratch.chain, e.Target)
	case EffectPauseEvent:
		if st.State == LifecycleActive || st.State == LifecyclePending {
			st.State = LifecyclePaused
		}
	case EffectResumeEvent:
		if st.State == LifecyclePaused {
			st.State = LifecycleActive
		}
	case EffectTerminateEvent:
		if st.State != LifecycleTerminated {
			st.State = LifecycleTerminated
		}
	}
	return nil
}

// capContribution clamps a credit into a contribution-capped account,
// warning when anything was cut.
func (s *Sim) capContribution(t *txn, a *Account, amount float64) float64 {
	def := &s.plan.Accounts[a.ID]
	if def.Contribution == nil {
		return amount
	}
	allowed := a.recordContribution(def, amount)
	if allowed < amount {
		s.warns.Addf(s.date, WarnContributionCap, "contribution to %s clamped from %.2f to %.2f", def.Name, amount, allowed)
	}
	if allowed > 0 {
		t.undo = append(t.undo, undoOp{kind: undoContribution, acct: a.ID, delta: allowed})
	}
	return allowed
}

// applySweep iterates the ordered source list under the withdrawal
// discipline: cash first, then lots, until the amount is satisfied or
// sources are exhausted.
func (s *Sim) applySweep(t *txn, e *Effect) error {
	dst := s.pf.Account(e.To)
	if dst == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.To)}
	}
	need, err := s.evalEffectAmount(e, NoAccount, e.To, AssetCoord{})
	if err != nil {
		return err
	}
	if need <= 0 {
		return nil
	}
	need = s.capContribution(t, dst, need)
	if need <= 0 {
		return nil
	}

	order := s.orderSources(e)
	if e.Order == OrderProRata {
		return s.sweepProRata(t, e, dst, need, order)
	}

	remaining := need
	for _, src := range order {
		if remaining <= 1e-9 {
			break
		}
		withdrawn, err := s.sweepFromSource(t, e, src, dst, remaining)
		if err != nil {
			return err
		}
		remaining -= withdrawn
	}
	if remaining > 1e-6 {
		s.warns.Addf(s.date, WarnSweepShortfall, "sweep short by %.2f after exhausting sources", remaining)
	}
	return nil
}

func (s *Sim) sweepProRata(t *txn, e *Effect, dst *Account, need float64, order []AccountID) error {
	balances := s.scratch.balances[:0]
	total := 0.0
	for _, src := range order {
		b := math.Max(0, s.pf.Balance(src, s.market))
		balances = append(balances, b)
		total += b
	}
	s.scratch.balances = balances
	if total <= 0 {
		s.warns.Addf(s.date, WarnSweepShortfall, "pro-rata sweep found no balance across sources")
		return nil
	}
	got := 0.0
	for i, src := range order {
		share := need * balances[i] / total
		if share <= 0 {
			continue
		}
		withdrawn, err := s.sweepFromSource(t, e, src, dst, share)
		if err != nil {
			return err
		}
		got += withdrawn
	}
	if need-got > 1e-6 {
		s.warns.Addf(s.date, WarnSweepShortfall, "pro-rata sweep short by %.2f", need-got)
	}
	return nil
}

// sweepFromSource withdraws up to amount from one source: cash first, then
// lot disposal. Returns the amount landed in the destination.
func (s *Sim) sweepFromSource(t *txn, e *Effect, srcID AccountID, dst *Account, amount float64) (float64, error) {
	src := s.pf.Account(srcID)
	if src == nil {
		return 0, nil // deleted sources are skipped, not fatal
	}
	withdrawn := 0.0

	fromCash := math.Min(amount, math.Max(0, src.Cash))
	if fromCash > 0 {
		t.debit(src, fromCash, CashSweep)
		t.credit(dst, fromCash, CashSweep)
		s.accrueWithdrawal(e, src, fromCash, 0, 0)
		withdrawn += fromCash
	}

	remaining := amount - fromCash
	if remaining > 1e-9 && src.Flavor == FlavorInvestment && len(src.Lots) > 0 {
		plan, err := PlanSale(src, NoAsset, remaining, e.Mode, e.Method, s.date, s.ageMonths(), s.market, s.tax, s.scratch, &s.warns)
		if err != nil {
			return withdrawn, err
		}
		if len(plan.Slices) > 0 {
			t.executeSale(src, &plan, e.Method)
			t.credit(dst, plan.Proceeds, CashSweep)
			s.accrueWithdrawal(e, src, plan.Proceeds, plan.LongGain, plan.ShortGain)
			if plan.Penalty {
				s.warns.Addf(s.date, WarnEarlyWithdrawal, "early withdrawal from %s before age 59y6m", s.plan.Registry.AccountName(srcID))
			}
			withdrawn += plan.Proceeds
		}
	}
	return withdrawn, nil
}

// accrueWithdrawal applies the tax classification of a swept amount. A
// taxable brokerage source realizes only its gain component (already split
// long/short); income_kind_on_withdraw covers deferred and free sources.
func (s *Sim) accrueWithdrawal(e *Effect, src *Account, amount, longGain, shortGain float64) {
	switch src.Treatment {
	case TreatmentTaxable:
		s.tax.AccrueLTCG(longGain)
		s.tax.AccrueSTCG(shortGain)
	case TreatmentTaxDeferred:
		switch e.WithdrawKind {
		case IncomeTaxFree:
			s.tax.AccrueTaxFree(amount)
		case IncomeCapitalGains:
			s.tax.AccrueLTCG(amount)
		default:
			s.tax.AccrueOrdinary(amount)
		}
		if s.ageMonths() < penaltyAgeMonths {
			s.tax.AccruePenalized(amount)
		}
	case TreatmentTaxFree:
		s.tax.AccrueTaxFree(amount)
	}
}

// orderSources resolves the sweep discipline into a concrete account order.
// Ties and ProRata preserve the configured order; PenaltyAware demotes
// tax-deferred accounts below the penalty age to last resort.
func (s *Sim) orderSources(e *Effect) []AccountID {
	order := append(s.scratch.sources[:0], e.Sources...)
	s.scratch.sources = order
	rank := func(id AccountID) int {
		a := s.pf.Account(id)
		if a == nil {
			return 99
		}
		switch e.Order {
		case OrderTaxDeferredFirst:
			switch a.Treatment {
			case TreatmentTaxDeferred:
				return 0
			case TreatmentTaxable:
				return 1
			default:
				return 2
			}
		case OrderTaxFreeFirst:
			switch a.Treatment {
			case TreatmentTaxFree:
				return 0
			case TreatmentTaxable:
				return 1
			default:
				return 2
			}
		case OrderTaxEfficientEarly, OrderPenaltyAware:
			r := 2
			switch a.Treatment {
			case TreatmentTaxable:
				r = 0
			case TreatmentTaxDeferred:
				r = 1
			case TreatmentTaxFree:
				r = 2
			}
			if e.Order == OrderPenaltyAware && a.Treatment == TreatmentTaxDeferred && s.ageMonths() < penaltyAgeMonths {
				r = 3 // only if no alternative
			}
			return r
		default:
			return 0
		}
	}
	if e.Order != OrderAsListed && e.Order != OrderProRata {
		sort.SliceStable(order, func(i, j int) bool { return rank(order[i]) < rank(order[j]) })
	}
	return order
}

// applyRmd computes the required minimum distribution for every tax-deferred
// account at the household's attained age and sweeps it to the destination
// as ordinary income.
func (s *Sim) applyRmd(t *txn, e *Effect) error {
	dst := s.pf.Account(e.To)
	if dst == nil {
		return &LookupError{Kind: "account", Name: s.plan.Registry.AccountName(e.To)}
	}
	age, _ := AgeAt(s.plan.Household.BirthDate, s.date)
	divisor, err := s.tax.RmdDivisor(age)
	if err != nil {
		if s.plan.GracefulRmd {
			s.warns.Addf(s.date, WarnRmdSkipped, "rmd skipped: %v", err)
			return nil
		}
		return err
	}
	for id := 0; id < s.pf.NumAccounts(); id++ {
		src := s.pf.Account(AccountID(id))
		if src == nil || src.Treatment != TreatmentTaxDeferred {
			continue
		}
		balance := s.pf.Balance(src.ID, s.market)
		if balance <= 0 {
			continue
		}
		required := balance / divisor

		fromCash := math.Min(required, math.Max(0, src.Cash))
		if fromCash > 0 {
			t.debit(src, fromCash, CashRmd)
			t.credit(dst, fromCash, CashRmd)
		}
		remaining := required - fromCash
		distributed := fromCash
		if remaining > 1e-9 && len(src.Lots) > 0 {
			plan, perr := PlanSale(src, NoAsset, remaining, GrossProceeds, e.Method, s.date, s.ageMonths(), s.market, s.tax, s.scratch, &s.warns)
			if perr != nil {
				return perr
			}
			if len(plan.Slices) > 0 {
				t.executeSale(src, &plan, e.Method)
				t.credit(dst, plan.Proceeds, CashRmd)
				distributed += plan.Proceeds
			}
		}
		s.tax.AccrueOrdinary(distributed)
	}
	return nil
}
