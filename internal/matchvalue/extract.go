// Package matchvalue implements the match-value extractor from spec.md
// §4.C: a pure function mapping (test kind, operand index, field selector,
// instruction, offset, plugin resolver) to a typed dslast.MatchValue.
package matchvalue

import (
	"github.com/yuntongzhang/e9tool/internal/dslast"
	"github.com/yuntongzhang/e9tool/internal/instr"
	"github.com/yuntongzhang/e9tool/internal/rng"
)

// PluginResolver resolves the plugin named in a `plugin("NAME").match()`
// test to the integer most recently returned by that specific plugin's
// Match callback.
type PluginResolver interface {
	Resolve(name string) (int64, bool)
}

// Context carries the ambient facts the extractor needs beyond the test
// itself: the instruction being evaluated, its offset in the text section,
// the plugin registry (for KPlugin, resolved per t.PluginName), and the
// shared RNG (for KRandom).
type Context struct {
	Instr   instr.Instruction
	Offset  uint64
	Plugins PluginResolver
	RNG     *rng.Source
}

// Extract implements spec.md §4.C's extract -> MatchValue: kind, index and
// field come from t; instruction, offset, plugin resolver and RNG from ctx.
// Any path that cannot produce a value yields dslast.Undefined().
func Extract(t *dslast.MatchTest, ctx Context) dslast.MatchValue {
	switch t.Kind {
	case dslast.KTrue:
		return dslast.Integer(1)
	case dslast.KFalse:
		return dslast.Integer(0)
	case dslast.KAddress:
		return dslast.Integer(int64(ctx.Instr.Address))
	case dslast.KOffset:
		return dslast.Integer(int64(ctx.Offset))
	case dslast.KSize:
		return dslast.Integer(int64(ctx.Instr.Size))
	case dslast.KCall:
		return boolInt(ctx.Instr.Groups.Has(instr.GroupCall))
	case dslast.KJump:
		return boolInt(ctx.Instr.Groups.Has(instr.GroupJump))
	case dslast.KReturn:
		return boolInt(ctx.Instr.Groups.Has(instr.GroupRet))
	case dslast.KRandom:
		if ctx.RNG == nil {
			return dslast.Undefined()
		}
		return dslast.Integer(ctx.RNG.Next())
	case dslast.KPlugin:
		if ctx.Plugins == nil {
			return dslast.Undefined()
		}
		v, ok := ctx.Plugins.Resolve(t.PluginName)
		if !ok {
			return dslast.Undefined()
		}
		return dslast.Integer(v)
	case dslast.KMnemonic:
		return dslast.String(ctx.Instr.Mnemonic)
	case dslast.KAssembly:
		return dslast.String(ctx.Instr.Assembly)
	case dslast.KOp, dslast.KSrc, dslast.KDst, dslast.KImm, dslast.KReg, dslast.KMem:
		return extractOperand(t, ctx)
	default:
		return dslast.Undefined()
	}
}

func boolInt(b bool) dslast.MatchValue {
	if b {
		return dslast.Integer(1)
	}
	return dslast.Integer(0)
}

// filteredOperands returns the operand indices selected by the attribute
// when it is one of src/dst/imm/reg/mem (spec.md §4.C: "op[].size ... filtered
// by src/dst/imm/reg/mem if the attribute is one of those").
func filteredOperands(kind dslast.TestKind, ops []instr.Operand) []int {
	var idx []int
	for i, op := range ops {
		switch kind {
		case dslast.KSrc:
			if op.Access&instr.Write == 0 {
				idx = append(idx, i)
			}
		case dslast.KDst:
			if op.Access&instr.Write != 0 {
				idx = append(idx, i)
			}
		case dslast.KImm:
			if op.Kind == instr.Imm {
				idx = append(idx, i)
			}
		case dslast.KReg:
			if op.Kind == instr.Reg {
				idx = append(idx, i)
			}
		case dslast.KMem:
			if op.Kind == instr.Mem {
				idx = append(idx, i)
			}
		default: // KOp: no filter
			idx = append(idx, i)
		}
	}
	return idx
}

func extractOperand(t *dslast.MatchTest, ctx Context) dslast.MatchValue {
	ops := ctx.Instr.Operands

	if t.OperandIndex == nil {
		if t.Field != dslast.FNone && t.Field != dslast.FSize {
			// spec.md §3: "Calling op[i].field requires an index when field != size"
			return dslast.Undefined()
		}
		// op[].size (or bare op with no field): operand count, filtered.
		return dslast.Integer(int64(len(filteredOperands(t.Kind, ops))))
	}

	idx := filteredOperands(t.Kind, ops)
	i := *t.OperandIndex
	if i < 0 || i >= len(idx) {
		return dslast.Undefined()
	}
	op := ops[idx[i]]

	if t.Field == dslast.FNone {
		switch op.Kind {
		case instr.Imm:
			return dslast.Integer(op.ImmValue)
		case instr.Reg:
			return dslast.RegisterValue(op.RegName)
		case instr.Mem:
			return dslast.Memory()
		}
		return dslast.Undefined()
	}

	switch t.Field {
	case dslast.FType:
		return dslast.OpKindValue(dslast.OperandKind(op.Kind))
	case dslast.FAccess:
		return dslast.AccessValue(dslast.Access(op.Access))
	case dslast.FSize:
		return dslast.Integer(int64(op.Size))
	case dslast.FSegment:
		if op.Kind != instr.Mem {
			return dslast.Undefined()
		}
		if op.Segment == "" {
			return dslast.Nil()
		}
		return dslast.RegisterValue(op.Segment)
	case dslast.FDisplacement:
		if op.Kind != instr.Mem {
			return dslast.Undefined()
		}
		return dslast.Integer(int64(op.Displacement))
	case dslast.FBase:
		if op.Kind != instr.Mem {
			return dslast.Undefined()
		}
		if op.Base == "" {
			return dslast.Nil()
		}
		return dslast.RegisterValue(op.Base)
	case dslast.FIndex:
		if op.Kind != instr.Mem {
			return dslast.Undefined()
		}
		if op.Index == "" {
			return dslast.Nil()
		}
		return dslast.RegisterValue(op.Index)
	case dslast.FScale:
		if op.Kind != instr.Mem {
			return dslast.Undefined()
		}
		if op.Index == "" {
			return dslast.Nil()
		}
		return dslast.Integer(int64(op.Scale))
	default:
		return dslast.Undefined()
	}
}
