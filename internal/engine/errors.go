package engine

import (
	"fmt"
	"strings"
)

// Typed failure taxonomy shared across the core. Fallible operations return
// these; the core never panics across a public boundary.

// LookupError reports a reference to an unknown account, asset, event or
// return profile.
type LookupError struct {
	Kind string // "account", "asset", "event", "profile"
	Name string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
}

// AccountTypeError reports an operation incompatible with an account flavor.
type AccountTypeError struct {
	Account string
	Op      string
	Flavor  AccountFlavor
}

func (e *AccountTypeError) Error() string {
	return fmt.Sprintf("%s: account %q has flavor %s", e.Op, e.Account, e.Flavor)
}

// MarketError reports that no return sample is available. Non-strict
// historical exhaustion is a warning, not this error; a profile marked strict
// promotes exhaustion to MarketError.
type MarketError struct {
	Profile string
	Reason  string
}

func (e *MarketError) Error() string {
	return fmt.Sprintf("market: profile %q: %s", e.Profile, e.Reason)
}

// TransferEvaluationError reports an amount expression that evaluated to
// NaN/Inf, exceeded the depth guard, or referenced a deleted account.
type TransferEvaluationError struct {
	Reason string
}

func (e *TransferEvaluationError) Error() string {
	return "transfer amount: " + e.Reason
}

// TriggerEvaluationError reports a malformed trigger. Cycle errors are fatal
// to the iteration; the schedule compiler detects them before time 0.
type TriggerEvaluationError struct {
	Event  string
	Reason string
	Cycle  bool
}

func (e *TriggerEvaluationError) Error() string {
	return fmt.Sprintf("trigger of event %q: %s", e.Event, e.Reason)
}

// RmdError reports an ApplyRmd invocation at an age the RMD table cannot
// represent.
type RmdError struct {
	Age int
}

func (e *RmdError) Error() string {
	return fmt.Sprintf("rmd: age %d below table minimum", e.Age)
}

// ConfigError collects every structural problem found while compiling a plan:
// duplicate names, dangling references, forbidden negative rates, overlapping
// brackets. All problems are reported, not just the first.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "config: " + e.Problems[0]
	}
	return fmt.Sprintf("config: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Addf appends a formatted problem.
func (e *ConfigError) Addf(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns the error if any problem was collected, nil otherwise.
func (e *ConfigError) OrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsFatal reports whether an error aborts the current iteration. Everything
// else is rolled back at effect scope, recorded as a warning, and the
// simulation continues, except an RmdError: ApplyEffect returns it, ending
// the iteration, unless the plan sets GracefulRmd.
func IsFatal(err error) bool {
	switch e := err.(type) {
	case *LookupError, *AccountTypeError, *ConfigError:
		return true
	case *TriggerEvaluationError:
		return e.Cycle
	default:
		return false
	}
}
