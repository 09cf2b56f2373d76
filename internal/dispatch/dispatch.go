// Package dispatch implements the rule dispatcher from spec.md §4.E: for
// each instruction, walk rules in declaration order and return the index of
// the first whose MatchExpr evaluates true.
package dispatch

import (
	"github.com/yuntongzhang/e9tool/internal/dslast"
	"github.com/yuntongzhang/e9tool/internal/dsleval"
	"github.com/yuntongzhang/e9tool/internal/matchvalue"
)

// Result is the outcome of dispatching one instruction against a rule set.
type Result struct {
	Matched bool
	Index   int // valid iff Matched
	Binding *dsleval.Binding
}

// Dispatch walks rules in order and returns the first match, per spec.md
// §4.E and the "Priority" testable property in §8: if rule r1 precedes r2
// and both match, Dispatch returns r1's index.
func Dispatch(rules []*dslast.Rule, ctx matchvalue.Context) (Result, error) {
	for i, r := range rules {
		binding := &dsleval.Binding{}
		ok, err := dsleval.Eval(r.Match, ctx, binding)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return Result{Matched: true, Index: i, Binding: binding}, nil
		}
	}
	return Result{Matched: false}, nil
}
