package engine

import (
	"math"
	"testing"
	"time"
)

func TestIntervalNextAfter(t *testing.T) {
	d := NewDate(2025, time.January, 15)
	cases := []struct {
		iv   Interval
		want Date
	}{
		{Weekly, d.AddDays(7)},
		{BiWeekly, d.AddDays(14)},
		{Monthly, NewDate(2025, time.February, 15)},
		{Quarterly, NewDate(2025, time.April, 15)},
		{Yearly, NewDate(2026, time.January, 15)},
	}
	for _, c := range cases {
		if got := c.iv.NextAfter(d); got != c.want {
			t.Errorf("interval %v: got %s, want %s", c.iv, got, c.want)
		}
	}
}

func TestAgeTriggerDate(t *testing.T) {
	birth := NewDate(1960, time.March, 10)
	tr := &Trigger{Kind: TriggerAge, AgeYears: 65}
	if got := tr.ageDate(birth); got != NewDate(2025, time.March, 10) {
		t.Errorf("age 65 date = %s", got)
	}
	tr = &Trigger{Kind: TriggerAge, AgeYears: 59, AgeMonths: 6, HasMonths: true}
	if got := tr.ageDate(birth); got != NewDate(2019, time.September, 10) {
		t.Errorf("age 59y6m date = %s", got)
	}
}

func TestCrossingSemantics(t *testing.T) {
	start := NewDate(2025, time.January, 1)
	b := newPlan(start, start.AddYears(1))
	checking := b.bank("Checking", TreatmentTaxable, 1000, NoProfile)
	b.event("watch", &Trigger{
		Kind: TriggerAccountBalance, Account: checking, Threshold: 500, Dir: CrossesBelow,
	}, false, Effect{Kind: EffectIncome, To: checking, Amount: FixedAmount(0), IncomeKind: IncomeTaxFree, Asset: NoAsset})
	plan := b.compile(t)

	s := NewSim(plan)
	s.Reset(1)
	s.initPriors()
	node := plan.balanceNodes[0]

	// No crossing while above the threshold.
	st, err := s.EvalTrigger(node, 0)
	if err != nil || st != NotTriggered {
		t.Fatalf("no movement: %v %v", st, err)
	}
	// Drop below: crossing fires.
	s.pf.accountAny(checking).Cash = 400
	st, _ = s.EvalTrigger(node, 0)
	if st != Triggered {
		t.Fatal("downward crossing did not fire")
	}
	// Staying below: no refire.
	st, _ = s.EvalTrigger(node, 0)
	if st != Triggered && st != NotTriggered {
		t.Fatal("unexpected status")
	}
	if st == Triggered {
		t.Fatal("refired without a new crossing")
	}
	// Recover, then cross down again: fires again.
	s.pf.accountAny(checking).Cash = 900
	s.EvalTrigger(node, 0)
	s.pf.accountAny(checking).Cash = 100
	st, _ = s.EvalTrigger(node, 0)
	if st != Triggered {
		t.Fatal("second crossing did not fire")
	}
}

func TestCrossingFireOnEqual(t *testing.T) {
	start := NewDate(2025, time.January, 1)
	b := newPlan(start, start.AddYears(1))
	checking := b.bank("Checking", TreatmentTaxable, 1000, NoProfile)
	b.event("watch", &Trigger{
		Kind: TriggerAccountBalance, Account: checking, Threshold: 0, Dir: CrossesBelow, FireOnEqual: true,
	}, false, Effect{Kind: EffectIncome, To: checking, Amount: FixedAmount(0), IncomeKind: IncomeTaxFree, Asset: NoAsset})
	plan := b.compile(t)

	s := NewSim(plan)
	s.Reset(1)
	s.initPriors()
	node := plan.balanceNodes[0]

	// Exact landing on the threshold fires with fire_on_equal.
	s.pf.accountAny(checking).Cash = 0
	st, _ := s.EvalTrigger(node, 0)
	if st != Triggered {
		t.Fatal("landing on threshold did not fire with fireOnEqual")
	}
}

func TestNaNThresholdIsError(t *testing.T) {
	start := NewDate(2025, time.January, 1)
	b := newPlan(start, start.AddYears(1))
	checking := b.bank("Checking", TreatmentTaxable, 1000, NoProfile)
	b.event("bad", &Trigger{
		Kind: TriggerAccountBalance, Account: checking, Threshold: math.NaN(), Dir: CrossesBelow,
	}, false, Effect{Kind: EffectIncome, To: checking, Amount: FixedAmount(0), IncomeKind: IncomeTaxFree, Asset: NoAsset})
	plan := b.compile(t)

	s := NewSim(plan)
	s.Reset(1)
	s.initPriors()
	_, err := s.EvalTrigger(plan.balanceNodes[0], 0)
	if _, ok := err.(*TriggerEvaluationError); !ok {
		t.Errorf("want TriggerEvaluationError, got %v", err)
	}
}

func TestAndOrShortCircuit(t *testing.T) {
	start := NewDate(2025, time.January, 1)
	b := newPlan(start, start.AddYears(1))
	checking := b.bank("Checking", TreatmentTaxable, 1000, NoProfile)
	// Or(date-in-past, balance): the date branch short-circuits before the
	// balance branch is consulted.
	or := &Trigger{Kind: TriggerOr, Children: []*Trigger{
		{Kind: TriggerDate, Date: start},
		{Kind: TriggerAccountBalance, Account: checking, Threshold: 1e9, Dir: CrossesAbove},
	}}
	b.event("either", or, false, Effect{Kind: EffectIncome, To: checking, Amount: FixedAmount(0), IncomeKind: IncomeTaxFree, Asset: NoAsset})

	and := &Trigger{Kind: TriggerAnd, Children: []*Trigger{
		{Kind: TriggerDate, Date: start.AddYears(10)}, // future: not triggered
		{Kind: TriggerAccountBalance, Account: checking, Threshold: 1e9, Dir: CrossesAbove},
	}}
	b.event("both", and, false, Effect{Kind: EffectIncome, To: checking, Amount: FixedAmount(0), IncomeKind: IncomeTaxFree, Asset: NoAsset})
	plan := b.compile(t)

	s := NewSim(plan)
	s.Reset(1)
	s.initPriors()
	s.date = start

	st, err := s.EvalTrigger(plan.Events[0].Trigger, 0)
	if err != nil || st != Triggered {
		t.Errorf("or: %v %v, want triggered", st, err)
	}
	st, err = s.EvalTrigger(plan.Events[1].Trigger, 0)
	if err != nil || st != NotTriggered {
		t.Errorf("and: %v %v, want not triggered", st, err)
	}
}

func TestManualNeverFiresSpontaneously(t *testing.T) {
	start := NewDate(2025, time.January, 1)
	b := newPlan(start, start.AddYears(1))
	checking := b.bank("Checking", TreatmentTaxable, 1000, NoProfile)
	b.event("manual", &Trigger{Kind: TriggerManual}, false, Effect{
		Kind: EffectIncome, To: checking, Amount: FixedAmount(50), IncomeKind: IncomeTaxFree, Asset: NoAsset,
	})
	plan := b.compile(t)

	res, err := Simulate(plan, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range res.Ledger {
		if e.Kind == RecordCashCredit && e.Amount == 50 {
			t.Fatal("manual event fired spontaneously")
		}
	}
}

func TestTriggerDepthGuard(t *testing.T) {
	start := NewDate(2025, time.January, 1)
	b := newPlan(start, start.AddYears(1))
	checking := b.bank("Checking", TreatmentTaxable, 1000, NoProfile)

	// Nest 20 levels of And around a date trigger.
	leaf := &Trigger{Kind: TriggerDate, Date: start}
	node := leaf
	for i := 0; i < 20; i++ {
		node = &Trigger{Kind: TriggerAnd, Children: []*Trigger{node}}
	}
	b.event("deep", node, false, Effect{Kind: EffectIncome, To: checking, Amount: FixedAmount(0), IncomeKind: IncomeTaxFree, Asset: NoAsset})
	plan := b.compile(t)

	s := NewSim(plan)
	s.Reset(1)
	_, err := s.EvalTrigger(plan.Events[0].Trigger, 0)
	if _, ok := err.(*TriggerEvaluationError); !ok {
		t.Errorf("want depth guard error, got %v", err)
	}
}
