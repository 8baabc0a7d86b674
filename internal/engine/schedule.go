package engine

import (
	"container/heap"
	"sort"
)

// Schedule compiler: classifies each event's trigger as time-determined
// (Scheduled), state-dependent (RuntimeDependent) or Pending on another
// event's firing; pre-materializes firing dates for the scheduled class; and
// produces the variable-stride checkpoint calendar the driver walks.

// scheduleClass is the compiler's classification of a trigger.
type scheduleClass int

const (
	classScheduled scheduleClass = iota
	classRuntime
	classPending
	classManual
	classRuntimeRepeat
)

// firing is one pre-materialized (date, event) pair.
type firing struct {
	Date  Date
	Event EventID
}

// pendingRef is an event whose absolute date becomes known when the
// referenced runtime-dependent event fires.
type pendingRef struct {
	Event   EventID
	Trigger *Trigger // the RelativeToEvent node
}

// runtimeRepeatDef is a Repeating trigger whose start or end is itself
// state-dependent; the driver anchors it at runtime.
type runtimeRepeatDef struct {
	Event    EventID
	Interval Interval
	Start    *Trigger // nil anchors at simulation start
	End      *Trigger // nil runs to simulation end
}

// compiledSchedule is the immutable output of compilation, shared across
// iterations.
type compiledSchedule struct {
	firings  []firing  // sorted by (date, event id)
	calendar []Date    // sorted unique checkpoint dates
	runtime  []EventID // state-dependent events scanned each checkpoint
	pending  map[EventID][]pendingRef
	repeats  []runtimeRepeatDef
	hints    []Date // static next-possible-trigger lower bound per event (or Start)
	class    []scheduleClass
}

// Heartbeat cadence bounding drift for runtime-dependent triggers.
const heartbeatInterval = Quarterly

func compileSchedule(p *Plan) (*compiledSchedule, error) {
	cs := &compiledSchedule{
		pending: make(map[EventID][]pendingRef),
		hints:   make([]Date, len(p.Events)),
		class:   make([]scheduleClass, len(p.Events)),
	}

	// Classify and materialize. Classification of RelativeToEvent depends
	// on the referenced event's class, so resolve with memoized recursion.
	resolved := make([]bool, len(p.Events))
	dates := make([][]Date, len(p.Events))

	var resolve func(id EventID) scheduleClass
	resolve = func(id EventID) scheduleClass {
		if resolved[id] {
			return cs.class[id]
		}
		resolved[id] = true // cycles were rejected before compilation
		cls, ds := classify(p, p.Events[id].Trigger, resolve, dates)
		cs.class[id] = cls
		dates[id] = ds
		return cls
	}
	for i := range p.Events {
		resolve(EventID(i))
	}

	for i := range p.Events {
		id := EventID(i)
		switch cs.class[id] {
		case classScheduled:
			for _, d := range dates[id] {
				if d >= p.Start && d <= p.End {
					cs.firings = append(cs.firings, firing{Date: d, Event: id})
				}
			}
		case classRuntime:
			cs.runtime = append(cs.runtime, id)
			cs.hints[id] = staticHint(p, p.Events[id].Trigger)
		case classRuntimeRepeat:
			t := p.Events[id].Trigger
			cs.repeats = append(cs.repeats, runtimeRepeatDef{
				Event: id, Interval: t.Interval, Start: t.Start, End: t.End,
			})
		case classPending:
			walkTrigger(p.Events[id].Trigger, func(t *Trigger) {
				if t.Kind == TriggerRelative && cs.class[t.Event] != classScheduled {
					cs.pending[t.Event] = append(cs.pending[t.Event], pendingRef{Event: id, Trigger: t})
				}
			})
		}
	}

	sort.Slice(cs.firings, func(i, j int) bool {
		if cs.firings[i].Date != cs.firings[j].Date {
			return cs.firings[i].Date < cs.firings[j].Date
		}
		return cs.firings[i].Event < cs.firings[j].Event
	})

	cs.calendar = buildCalendar(p, cs.firings)
	return cs, nil
}

// classify returns the class of a trigger and, for the scheduled class, its
// finite firing-date set.
//
// Conservative rules: Or of Scheduled is Scheduled (union); And of Scheduled
// is Scheduled only when every child produces exactly one date (the
// intersection is then one date or empty); anything touching a balance
// comparison is RuntimeDependent; RelativeToEvent inherits Pending from a
// runtime reference.
func classify(p *Plan, t *Trigger, resolve func(EventID) scheduleClass, dates [][]Date) (scheduleClass, []Date) {
	switch t.Kind {
	case TriggerDate:
		return classScheduled, []Date{t.Date}
	case TriggerAge:
		return classScheduled, []Date{t.ageDate(p.Household.BirthDate)}
	case TriggerManual:
		return classManual, nil
	case TriggerAccountBalance, TriggerAssetBalance, TriggerNetWorth:
		return classRuntime, nil
	case TriggerRelative:
		refClass := resolve(t.Event)
		if refClass == classScheduled {
			ref := dates[t.Event]
			out := make([]Date, 0, len(ref))
			for _, d := range ref {
				out = append(out, t.offsetFrom(d))
			}
			return classScheduled, out
		}
		return classPending, nil
	case TriggerRepeating:
		startClass, startDates := classScheduled, []Date(nil)
		if t.Start != nil {
			startClass, startDates = classify(p, t.Start, resolve, dates)
		}
		endClass, endDates := classScheduled, []Date(nil)
		if t.End != nil {
			endClass, endDates = classify(p, t.End, resolve, dates)
		}
		if startClass == classScheduled && endClass == classScheduled {
			return classScheduled, expandRepeating(p, t, startDates, endDates)
		}
		return classRuntimeRepeat, nil
	case TriggerAnd:
		single := true
		var meet []Date
		for i, c := range t.Children {
			cls, ds := classify(p, c, resolve, dates)
			if cls != classScheduled {
				return classRuntime, nil
			}
			if len(ds) != 1 {
				single = false
				continue
			}
			if i == 0 || meet == nil {
				meet = ds
			} else if len(meet) == 1 && meet[0] != ds[0] {
				meet = []Date{} // disjoint single dates: never fires
			}
		}
		if single && meet != nil {
			return classScheduled, meet
		}
		return classRuntime, nil
	case TriggerOr:
		union := []Date{}
		for _, c := range t.Children {
			cls, ds := classify(p, c, resolve, dates)
			if cls != classScheduled {
				return classRuntime, nil
			}
			union = append(union, ds...)
		}
		sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })
		return classScheduled, dedupeDates(union)
	default:
		return classRuntime, nil
	}
}

// expandRepeating materializes a repeating trigger's dates, truncated at
// simulation end. The anchor is the earliest start date (simulation start
// when no start trigger is given); the window closes at the earliest end
// date.
func expandRepeating(p *Plan, t *Trigger, startDates, endDates []Date) []Date {
	anchor := p.Start
	if len(startDates) > 0 {
		anchor = startDates[0]
		for _, d := range startDates[1:] {
			if d < anchor {
				anchor = d
			}
		}
	}
	stop := p.End
	if len(endDates) > 0 {
		stop = endDates[0]
		for _, d := range endDates[1:] {
			if d < stop {
				stop = d
			}
		}
		if stop > p.End {
			stop = p.End
		}
	}
	var out []Date
	for d := anchor; d <= stop; d = t.Interval.NextAfter(d) {
		if d >= p.Start {
			out = append(out, d)
		}
	}
	return out
}

func dedupeDates(sorted []Date) []Date {
	w := 0
	for i := range sorted {
		if w == 0 || sorted[i] != sorted[w-1] {
			sorted[w] = sorted[i]
			w++
		}
	}
	return sorted[:w]
}

// staticHint derives a compile-time lower bound on a runtime trigger's first
// possible firing: the max of Date/Age bounds under And, the min under Or.
// Hints are advisory — wrong-low only costs an evaluation.
func staticHint(p *Plan, t *Trigger) Date {
	switch t.Kind {
	case TriggerDate:
		return t.Date
	case TriggerAge:
		return t.ageDate(p.Household.BirthDate)
	case TriggerAnd:
		best := p.Start
		for _, c := range t.Children {
			if h := staticHint(p, c); h > best {
				best = h
			}
		}
		return best
	case TriggerOr:
		best := p.End
		any := false
		for _, c := range t.Children {
			h := staticHint(p, c)
			if h < best {
				best = h
			}
			any = true
		}
		if !any {
			return p.Start
		}
		return best
	default:
		return p.Start
	}
}

// buildCalendar produces the variable-stride checkpoint set: scheduled
// firings, calendar year boundaries, snapshot cadence anchors, a heartbeat
// for runtime triggers, and the end date.
func buildCalendar(p *Plan, firings []firing) []Date {
	var cal []Date
	for _, f := range firings {
		cal = append(cal, f.Date)
	}
	for y := p.Start.Year() + 1; y <= p.End.Year(); y++ {
		cal = append(cal, NewDate(y, 1, 1))
	}
	for d := p.SnapshotCadence.NextAfter(p.Start); d <= p.End; d = p.SnapshotCadence.NextAfter(d) {
		cal = append(cal, d)
	}
	for d := heartbeatInterval.NextAfter(p.Start); d <= p.End; d = heartbeatInterval.NextAfter(d) {
		cal = append(cal, d)
	}
	cal = append(cal, p.End)
	sort.Slice(cal, func(i, j int) bool { return cal[i] < cal[j] })
	return dedupeDates(cal)
}

// promotedQueue is a min-heap of runtime-promoted firings: events whose
// absolute date became known when a referenced event fired, and runtime
// repeats with a known next date.
type promotedQueue struct {
	items []firing
}

func (q promotedQueue) Len() int { return len(q.items) }

func (q promotedQueue) Less(i, j int) bool {
	if q.items[i].Date != q.items[j].Date {
		return q.items[i].Date < q.items[j].Date
	}
	return q.items[i].Event < q.items[j].Event
}

func (q promotedQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *promotedQueue) Push(x interface{}) { q.items = append(q.items, x.(firing)) }

func (q *promotedQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

func (q *promotedQueue) Add(f firing) { heap.Push(q, f) }

func (q *promotedQueue) Peek() (firing, bool) {
	if len(q.items) == 0 {
		return firing{}, false
	}
	return q.items[0], true
}

func (q *promotedQueue) Next() (firing, bool) {
	if len(q.items) == 0 {
		return firing{}, false
	}
	return heap.Pop(q).(firing), true
}

func (q *promotedQueue) Clear() {
	q.items = q.items[:0]
}

// scheduleState is the mutable per-iteration cursor over the compiled
// schedule.
type scheduleState struct {
	firingIdx   int
	calendarIdx int
	promoted    promotedQueue
	repeat      []repeatState
	hint        []Date // live next-possible-trigger per runtime event
}

type repeatState struct {
	anchored bool
	done     bool
	nextFire Date
}

func newScheduleState(cs *compiledSchedule, p *Plan) *scheduleState {
	st := &scheduleState{
		repeat: make([]repeatState, len(cs.repeats)),
		hint:   make([]Date, len(cs.hints)),
	}
	st.reset(cs, p)
	return st
}

func (st *scheduleState) reset(cs *compiledSchedule, p *Plan) {
	st.firingIdx = 0
	st.calendarIdx = 0
	st.promoted.Clear()
	for i := range st.repeat {
		st.repeat[i] = repeatState{}
	}
	copy(st.hint, cs.hints)
}
