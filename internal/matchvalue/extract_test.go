package matchvalue

import (
	"testing"

	"github.com/yuntongzhang/e9tool/internal/dslast"
	"github.com/yuntongzhang/e9tool/internal/instr"
)

func op(kind instr.OperandKind, access instr.AccessMask) instr.Operand {
	return instr.Operand{Kind: kind, Access: access}
}

func TestExtractAddressOffsetSize(t *testing.T) {
	ctx := Context{Instr: instr.Instruction{Address: 0x400100, Size: 5}, Offset: 0x100}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KAddress}, ctx); got.Int != 0x400100 {
		t.Fatalf("address = %v", got)
	}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KOffset}, ctx); got.Int != 0x100 {
		t.Fatalf("offset = %v", got)
	}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KSize}, ctx); got.Int != 5 {
		t.Fatalf("size = %v", got)
	}
}

func TestExtractGroups(t *testing.T) {
	ctx := Context{Instr: instr.Instruction{Groups: instr.GroupCall}}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KCall}, ctx); got.Int != 1 {
		t.Fatalf("call = %v, want 1", got)
	}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KJump}, ctx); got.Int != 0 {
		t.Fatalf("jump = %v, want 0", got)
	}
}

type fakePluginResolver map[string]int64

func (f fakePluginResolver) Resolve(name string) (int64, bool) {
	v, ok := f[name]
	return v, ok
}

func TestExtractPluginAndRandomRequireContext(t *testing.T) {
	ctx := Context{Plugins: fakePluginResolver{"a": 42}}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KPlugin, PluginName: "a"}, ctx); got.Int != 42 {
		t.Fatalf("plugin result = %v", got)
	}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KRandom}, Context{}); !got.IsUndefined() {
		t.Fatalf("random with nil RNG should be undefined, got %v", got)
	}
}

func TestExtractPluginDisambiguatesByName(t *testing.T) {
	ctx := Context{Plugins: fakePluginResolver{"a": 1, "b": 2}}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KPlugin, PluginName: "a"}, ctx); got.Int != 1 {
		t.Fatalf("plugin a result = %v, want 1", got)
	}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KPlugin, PluginName: "b"}, ctx); got.Int != 2 {
		t.Fatalf("plugin b result = %v, want 2", got)
	}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KPlugin, PluginName: "c"}, ctx); !got.IsUndefined() {
		t.Fatalf("unresolvable plugin name should be undefined, got %v", got)
	}
}

func TestExtractOperandBareCount(t *testing.T) {
	ctx := Context{Instr: instr.Instruction{Operands: []instr.Operand{
		op(instr.Reg, instr.Write),
		op(instr.Imm, instr.Read),
		op(instr.Mem, instr.Read),
	}}}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KOp}, ctx); got.Int != 3 {
		t.Fatalf("op[].size = %v, want 3", got)
	}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KReg}, ctx); got.Int != 1 {
		t.Fatalf("reg[].size = %v, want 1", got)
	}
	if got := Extract(&dslast.MatchTest{Kind: dslast.KImm}, ctx); got.Int != 1 {
		t.Fatalf("imm[].size = %v, want 1", got)
	}
}

func TestExtractOperandIndexedField(t *testing.T) {
	idx := 0
	ctx := Context{Instr: instr.Instruction{Operands: []instr.Operand{
		{Kind: instr.Mem, Base: "rax", Index: "rbx", Scale: 4, Displacement: 8},
	}}}
	base := Extract(&dslast.MatchTest{Kind: dslast.KOp, OperandIndex: &idx, Field: dslast.FBase}, ctx)
	if base.Register != "rax" {
		t.Fatalf("base = %v", base)
	}
	disp := Extract(&dslast.MatchTest{Kind: dslast.KOp, OperandIndex: &idx, Field: dslast.FDisplacement}, ctx)
	if disp.Int != 8 {
		t.Fatalf("displacement = %v", disp)
	}
}

func TestExtractOperandIndexOutOfRangeIsUndefined(t *testing.T) {
	idx := 5
	ctx := Context{Instr: instr.Instruction{Operands: []instr.Operand{op(instr.Imm, instr.Read)}}}
	got := Extract(&dslast.MatchTest{Kind: dslast.KOp, OperandIndex: &idx}, ctx)
	if !got.IsUndefined() {
		t.Fatalf("out-of-range operand index should be undefined, got %v", got)
	}
}

func TestExtractFieldWithoutIndexRequiresIndex(t *testing.T) {
	ctx := Context{Instr: instr.Instruction{Operands: []instr.Operand{op(instr.Reg, instr.Read)}}}
	got := Extract(&dslast.MatchTest{Kind: dslast.KOp, Field: dslast.FAccess}, ctx)
	if !got.IsUndefined() {
		t.Fatalf("op[].access with no index should be undefined (field != size requires an index), got %v", got)
	}
}

func TestExtractMemFieldsOnNonMemOperandUndefined(t *testing.T) {
	idx := 0
	ctx := Context{Instr: instr.Instruction{Operands: []instr.Operand{op(instr.Reg, instr.Read)}}}
	got := Extract(&dslast.MatchTest{Kind: dslast.KOp, OperandIndex: &idx, Field: dslast.FBase}, ctx)
	if !got.IsUndefined() {
		t.Fatalf("base field on a register operand should be undefined, got %v", got)
	}
}
