// Package dsleval implements the recursive match-expression evaluator from
// spec.md §4.D: short-circuit And/Or, Not, and the per-TestKind comparison
// semantics, including the CSV record-binding rule.
package dsleval

import (
	"fmt"

	set "github.com/hashicorp/go-set"

	"github.com/yuntongzhang/e9tool/internal/dslast"
	"github.com/yuntongzhang/e9tool/internal/matchvalue"
)

// AmbiguityError is the fatal error raised when two distinct CSV records
// from the same file basename both satisfy one evaluation's equality test
// (spec.md §3 invariant, §4.D, §7, §8 "CSV binding").
type AmbiguityError struct {
	Basename string
	First    *dslast.CSVRecord
	Second   *dslast.CSVRecord
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("ambiguous CSV match in %q: multiple records satisfy the same evaluation", e.Basename)
}

// Binding accumulates the (at most one per evaluation) CSV record bound
// while evaluating one MatchExpr against one instruction. A fresh Binding
// must be used per instruction-evaluation; it is not safe across
// instructions or across Not's subexpression (spec.md §4.D: "bound_record is
// not propagated through negation").
type Binding struct {
	record *dslast.CSVRecord
}

// Record returns the bound CSV record, if any.
func (b *Binding) Record() *dslast.CSVRecord { return b.record }

func (b *Binding) bind(basename string, rec *dslast.CSVRecord) error {
	if b.record == nil {
		b.record = rec
		return nil
	}
	if b.record == rec {
		return nil
	}
	if b.record.Basename != basename {
		// Different file's record: spec.md §4.D says the existing binding
		// is carried through unchanged.
		return nil
	}
	return &AmbiguityError{Basename: basename, First: b.record, Second: rec}
}

// Eval evaluates expr against the instruction and offset carried in ctx.
// KPlugin tests read the named plugin's memoized Match result through
// ctx.Plugins. A non-nil *Binding accumulates any CSV record bound by a
// successful `=` test reached along the way.
func Eval(expr *dslast.MatchExpr, ctx matchvalue.Context, binding *Binding) (bool, error) {
	switch expr.Op {
	case dslast.ExprNot:
		sub := &Binding{} // not propagated through negation
		ok, err := Eval(expr.Left, ctx, sub)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case dslast.ExprAnd:
		ok, err := Eval(expr.Left, ctx, binding)
		if err != nil || !ok {
			return false, err
		}
		return Eval(expr.Right, ctx, binding)
	case dslast.ExprOr:
		ok, err := Eval(expr.Left, ctx, binding)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		return Eval(expr.Right, ctx, binding)
	case dslast.ExprTest:
		return evalTest(expr.Test, ctx, binding)
	default:
		return false, fmt.Errorf("unknown match-expr op %v", expr.Op)
	}
}

func evalTest(t *dslast.MatchTest, ctx matchvalue.Context, binding *Binding) (bool, error) {
	if t.Comparison == dslast.CIn {
		return evalRegSet(t, ctx)
	}

	v := matchvalue.Extract(t, ctx)

	switch t.Comparison {
	case dslast.CDefined:
		return !v.IsUndefined(), nil
	case dslast.CEqZero:
		if v.IsUndefined() || v.Kind != dslast.VInteger {
			return false, nil
		}
		return v.Int == 0, nil
	case dslast.CNeZero:
		if v.IsUndefined() || v.Kind != dslast.VInteger {
			return false, nil
		}
		return v.Int != 0, nil
	case dslast.CEq:
		return evalEq(t, v, binding)
	case dslast.CNe:
		return evalNe(t, v), nil
	case dslast.CLt, dslast.CLe, dslast.CGt, dslast.CGe:
		return evalOrder(t, v), nil
	default:
		if v.IsUndefined() {
			return false, nil
		}
		return false, fmt.Errorf("unsupported comparison %v", t.Comparison)
	}
}

// evalRegSet implements `[reg,...] in (reads|writes|regs)` (spec.md §4.D:
// "extract-register ∈ regSet considered across read set ... write set ...
// or both"): true iff any register named in t.RegSet is a member of the
// instruction's corresponding register pool.
func evalRegSet(t *dslast.MatchTest, ctx matchvalue.Context) (bool, error) {
	wanted := set.From(t.RegSet)

	var pool []string
	switch t.Kind {
	case dslast.KReads:
		pool = ctx.Instr.ReadRegs
	case dslast.KWrites:
		pool = ctx.Instr.WriteRegs
	case dslast.KRegs:
		pool = append(append([]string{}, ctx.Instr.ReadRegs...), ctx.Instr.WriteRegs...)
	}
	for _, r := range pool {
		if wanted.Contains(r) {
			return true, nil
		}
	}
	return false, nil
}

func evalEq(t *dslast.MatchTest, v dslast.MatchValue, binding *Binding) (bool, error) {
	if v.IsUndefined() {
		return false, nil
	}
	if t.Regex != nil {
		if v.Kind != dslast.VString {
			return false, nil
		}
		return t.Regex.Match(v.Str), nil
	}
	if t.Values == nil {
		return false, nil
	}
	for i, cand := range t.Values.Values {
		if v.Equal(cand) {
			if t.Values.CSV != nil && binding != nil {
				var rec *dslast.CSVRecord
				if i < len(t.Values.Records) {
					rec = t.Values.Records[i]
				}
				if rec != nil {
					if err := binding.bind(t.Values.CSV.Basename, rec); err != nil {
						return false, err
					}
				}
			}
			return true, nil
		}
	}
	return false, nil
}

// evalNe implements spec.md §4.D's deliberately asymmetric `!=` semantics:
// against a singleton set it is real set-exclusion; against a larger set it
// is a tautology (always true) by design.
func evalNe(t *dslast.MatchTest, v dslast.MatchValue) bool {
	if v.IsUndefined() {
		return false
	}
	if t.Values == nil {
		return true
	}
	if len(t.Values.Values) != 1 {
		return true
	}
	return !v.Equal(t.Values.Values[0])
}

func evalOrder(t *dslast.MatchTest, v dslast.MatchValue) bool {
	if v.IsUndefined() || v.Kind != dslast.VInteger || t.Values == nil || len(t.Values.Values) == 0 {
		return false
	}
	switch t.Comparison {
	case dslast.CLt, dslast.CLe:
		m := maxValue(t.Values.Values)
		if t.Comparison == dslast.CLt {
			return v.Int < m
		}
		return v.Int <= m
	case dslast.CGt, dslast.CGe:
		m := minValue(t.Values.Values)
		if t.Comparison == dslast.CGt {
			return v.Int > m
		}
		return v.Int >= m
	}
	return false
}

func maxValue(vs []dslast.MatchValue) int64 {
	m := vs[0].Int
	for _, v := range vs[1:] {
		if v.Int > m {
			m = v.Int
		}
	}
	return m
}

func minValue(vs []dslast.MatchValue) int64 {
	m := vs[0].Int
	for _, v := range vs[1:] {
		if v.Int < m {
			m = v.Int
		}
	}
	return m
}
