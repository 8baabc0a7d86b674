package engine

import "math"

// Recursive resolution of transfer-amount expressions against current state.
// Evaluation is stateless, reentrant and allocation-free; the tree is the
// entire representation and a depth guard bounds pathological configurations.

// AmountKind discriminates the TransferAmount variants.
type AmountKind int

const (
	AmountFixed AmountKind = iota
	AmountInflationAdjusted
	AmountScale
	AmountSourceBalance
	AmountZeroTargetBalance
	AmountTargetToBalance
	AmountAccountTotal
	AmountAccountCash
	AmountAssetBalance
	AmountMin
	AmountMax
	AmountAdd
	AmountSub
	AmountMul
)

// Amount is one node of a transfer-amount expression tree.
type Amount struct {
	Kind    AmountKind
	Value   float64 // Fixed, TargetToBalance
	Factor  float64 // Scale
	Inner   *Amount // InflationAdjusted, Scale
	Left    *Amount // binary ops
	Right   *Amount
	Account AccountID  // AccountTotal, AccountCash
	Coord   AssetCoord // AssetBalance
}

// FixedAmount is a convenience constructor for the common literal case.
func FixedAmount(v float64) *Amount { return &Amount{Kind: AmountFixed, Value: v} }

// AmountContext carries the references an expression may close over: the
// effect's source and target, and the inflation multiplier at effect time.
type AmountContext struct {
	Source      AccountID
	Target      AccountID
	TargetCoord AssetCoord
	Inflation   float64
}

// Depth guard for recursive amount and trigger trees.
const maxTreeDepth = 16

// EvalAmount resolves an expression to a money value. NaN and infinity
// anywhere in the tree surface as a TransferEvaluationError, as does a
// balance reference to a deleted account.
func EvalAmount(a *Amount, pf *Portfolio, m *Market, ctx *AmountContext) (float64, error) {
	v, err := evalAmount(a, pf, m, ctx, 0)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &TransferEvaluationError{Reason: "expression evaluated to NaN or infinity"}
	}
	return v, nil
}

func evalAmount(a *Amount, pf *Portfolio, m *Market, ctx *AmountContext, depth int) (float64, error) {
	if a == nil {
		return 0, &TransferEvaluationError{Reason: "nil amount node"}
	}
	if depth > maxTreeDepth {
		return 0, &TransferEvaluationError{Reason: "amount tree exceeds depth guard"}
	}
	switch a.Kind {
	case AmountFixed:
		return a.Value, nil
	case AmountInflationAdjusted:
		inner, err := evalAmount(a.Inner, pf, m, ctx, depth+1)
		if err != nil {
			return 0, err
		}
		return ctx.Inflation * inner, nil
	case AmountScale:
		inner, err := evalAmount(a.Inner, pf, m, ctx, depth+1)
		if err != nil {
			return 0, err
		}
		return a.Factor * inner, nil
	case AmountSourceBalance:
		return liveBalance(pf, m, ctx.Source)
	case AmountZeroTargetBalance:
		// Amount that brings the target's balance to zero: pays off a
		// negative balance, drains a positive one.
		b, err := liveBalance(pf, m, ctx.Target)
		if err != nil {
			return 0, err
		}
		return math.Abs(b), nil
	case AmountTargetToBalance:
		b, err := liveBalance(pf, m, ctx.Target)
		if err != nil {
			return 0, err
		}
		return math.Max(0, a.Value-b), nil
	case AmountAccountTotal:
		return liveBalance(pf, m, a.Account)
	case AmountAccountCash:
		if pf.Account(a.Account) == nil {
			return 0, &TransferEvaluationError{Reason: "cash balance of deleted account " + pf.reg.AccountName(a.Account)}
		}
		return pf.CashBalance(a.Account), nil
	case AmountAssetBalance:
		if pf.Account(a.Coord.Account) == nil {
			return 0, &TransferEvaluationError{Reason: "asset balance of deleted account " + pf.reg.AccountName(a.Coord.Account)}
		}
		return pf.AssetValue(a.Coord, m), nil
	case AmountMin, AmountMax, AmountAdd, AmountSub, AmountMul:
		l, err := evalAmount(a.Left, pf, m, ctx, depth+1)
		if err != nil {
			return 0, err
		}
		r, err := evalAmount(a.Right, pf, m, ctx, depth+1)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(l) || math.IsNaN(r) {
			return 0, &TransferEvaluationError{Reason: "NaN operand in binary amount"}
		}
		switch a.Kind {
		case AmountMin:
			return math.Min(l, r), nil
		case AmountMax:
			return math.Max(l, r), nil
		case AmountAdd:
			return l + r, nil
		case AmountSub:
			return l - r, nil
		default:
			return l * r, nil
		}
	default:
		return 0, &TransferEvaluationError{Reason: "unknown amount kind"}
	}
}

func liveBalance(pf *Portfolio, m *Market, id AccountID) (float64, error) {
	if pf.Account(id) == nil {
		return 0, &TransferEvaluationError{Reason: "balance of deleted account " + pf.reg.AccountName(id)}
	}
	return pf.Balance(id, m), nil
}
