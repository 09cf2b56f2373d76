package dslparser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yuntongzhang/e9tool/internal/csvindex"
	"github.com/yuntongzhang/e9tool/internal/dslast"
	"github.com/yuntongzhang/e9tool/internal/elfsvc"
)

func newParser() *Parser {
	return NewParser(csvindex.NewLoader(), nil)
}

type fakeELF struct {
	symbols map[string]uint64
}

func (f fakeELF) Path() string                         { return "fake" }
func (f fakeELF) TextRange() (uint64, uint64, bool)     { return 0, 0, false }
func (f fakeELF) Classify() elfsvc.Classification       { return elfsvc.Executable }
func (f fakeELF) TextBytes() ([]byte, error)            { return nil, nil }
func (f fakeELF) Close() error                          { return nil }
func (f fakeELF) Symbol(name string) (uint64, bool) {
	a, ok := f.symbols[name]
	return a, ok
}

func TestParseMatchImplicitNeZero(t *testing.T) {
	p := newParser()
	expr, err := p.ParseMatch("call")
	if err != nil {
		t.Fatal(err)
	}
	if expr.Op != dslast.ExprTest || expr.Test.Kind != dslast.KCall || expr.Test.Comparison != dslast.CNeZero {
		t.Fatalf("unexpected expr: %+v", expr)
	}
}

func TestParseMatchAndOrPrecedence(t *testing.T) {
	p := newParser()
	// 'or' binds looser than 'and': a and b or c == (a and b) or c
	expr, err := p.ParseMatch("call and jump or return")
	if err != nil {
		t.Fatal(err)
	}
	if expr.Op != dslast.ExprOr {
		t.Fatalf("expected top-level Or, got %v", expr.Op)
	}
	if expr.Left.Op != dslast.ExprAnd {
		t.Fatalf("expected left side of the Or to be an And, got %v", expr.Left.Op)
	}
}

func TestParseMatchNotAndParens(t *testing.T) {
	p := newParser()
	expr, err := p.ParseMatch("!(call or jump)")
	if err != nil {
		t.Fatal(err)
	}
	if expr.Op != dslast.ExprNot {
		t.Fatalf("expected Not at top level, got %v", expr.Op)
	}
	if expr.Left.Op != dslast.ExprOr {
		t.Fatalf("expected the negated subexpression to be an Or, got %v", expr.Left.Op)
	}
}

func TestParseMatchMnemonicEquals(t *testing.T) {
	p := newParser()
	expr, err := p.ParseMatch(`mnemonic = "mov","lea"`)
	if err == nil {
		t.Fatalf("mnemonic/assembly comparisons are regex-only, expected a parse error for a value list, got %+v", expr)
	}
}

func TestParseMatchMnemonicRegex(t *testing.T) {
	p := newParser()
	expr, err := p.ParseMatch("mnemonic = /^mov/")
	if err != nil {
		t.Fatal(err)
	}
	if expr.Test.Regex == nil || !expr.Test.Regex.Match("movzx") {
		t.Fatalf("expected the regex to match movzx, got %+v", expr.Test.Regex)
	}
}

func TestParseMatchRegSet(t *testing.T) {
	p := newParser()
	expr, err := p.ParseMatch("[rax,rbx] in reads")
	if err != nil {
		t.Fatal(err)
	}
	if expr.Test.Kind != dslast.KReads || expr.Test.Comparison != dslast.CIn {
		t.Fatalf("unexpected expr: %+v", expr.Test)
	}
	if len(expr.Test.RegSet) != 2 || expr.Test.RegSet[0] != "rax" || expr.Test.RegSet[1] != "rbx" {
		t.Fatalf("unexpected regset: %v", expr.Test.RegSet)
	}
}

func TestParseMatchOperandIndexedField(t *testing.T) {
	p := newParser()
	expr, err := p.ParseMatch("op[0].base = rax")
	if err != nil {
		t.Fatal(err)
	}
	if expr.Test.OperandIndex == nil || *expr.Test.OperandIndex != 0 || expr.Test.Field != dslast.FBase {
		t.Fatalf("unexpected expr: %+v", expr.Test)
	}
}

func TestParseMatchFieldWithoutIndexRejected(t *testing.T) {
	p := newParser()
	if _, err := p.ParseMatch("op.base = rax"); err == nil {
		t.Fatal("expected an error: op.base requires an operand index")
	}
}

func TestParseMatchOperandIndexOutOfRangeRejected(t *testing.T) {
	p := newParser()
	if _, err := p.ParseMatch("op[9].base = rax"); err == nil {
		t.Fatal("expected an error for an out-of-range operand index")
	}
}

func TestParseMatchCommaListOnlyWithEquals(t *testing.T) {
	p := newParser()
	if _, err := p.ParseMatch("size != 1,2"); err == nil {
		t.Fatal("expected an error: comma-separated value lists are only valid with '='")
	}
	if _, err := p.ParseMatch("size = 1,2"); err != nil {
		t.Fatalf("expected size = 1,2 to parse, got %v", err)
	}
}

func TestParseMatchTrailingGarbageIsFatal(t *testing.T) {
	p := newParser()
	if _, err := p.ParseMatch("call extra"); err == nil {
		t.Fatal("expected trailing tokens after a complete expression to be a fatal error")
	}
}

func TestParseConjunctionEmptyIsAlwaysTrue(t *testing.T) {
	p := newParser()
	expr, err := p.ParseConjunction(nil)
	if err != nil {
		t.Fatal(err)
	}
	if expr.Test.Kind != dslast.KTrue {
		t.Fatalf("expected an always-true test for an empty match list, got %+v", expr)
	}
}

func TestParseConjunctionAndsMultipleMatches(t *testing.T) {
	p := newParser()
	expr, err := p.ParseConjunction([]string{"call", "jump"})
	if err != nil {
		t.Fatal(err)
	}
	if expr.Op != dslast.ExprAnd {
		t.Fatalf("expected the accumulated matches to be conjoined, got %v", expr.Op)
	}
}

func TestParseValueListCSVColumnReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.csv")
	if err := os.WriteFile(path, []byte("1,a\n2,b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := newParser()
	expr, err := p.ParseMatch(`addr = "` + path + `"[0]`)
	if err != nil {
		t.Fatal(err)
	}
	if expr.Test.Values == nil || expr.Test.Values.CSV == nil {
		t.Fatalf("expected a CSV-backed value list, got %+v", expr.Test.Values)
	}
	if len(expr.Test.Values.Values) != 2 {
		t.Fatalf("expected 2 CSV values, got %d", len(expr.Test.Values.Values))
	}
	if len(expr.Test.Values.Records) != 2 {
		t.Fatalf("expected 2 bound records, got %d", len(expr.Test.Values.Records))
	}
}

func TestParseRuleBuildsMatchAndAction(t *testing.T) {
	p := newParser()
	rule, err := p.ParseRule([]string{"call"}, "trap")
	if err != nil {
		t.Fatal(err)
	}
	if rule.Action.Kind != dslast.ActionTrap {
		t.Fatalf("expected a trap action, got %+v", rule.Action)
	}
	if rule.Action.Match != rule.Match {
		t.Fatal("expected the action to be bound to the parsed match conjunction")
	}
}

func TestParseActionCallWithModsAndArgs(t *testing.T) {
	p := newParser()
	action, err := p.ParseAction(`call[naked,before] myfunc(addr,state) @"out.so"`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if action.Kind != dslast.ActionCall || action.CallTarget != "myfunc" {
		t.Fatalf("unexpected action: %+v", action)
	}
	if !action.Naked || action.CallRelation != dslast.RelBefore {
		t.Fatalf("expected naked+before modifiers applied, got %+v", action)
	}
	if len(action.CallArgs) != 2 {
		t.Fatalf("expected 2 call args, got %d", len(action.CallArgs))
	}
	if action.CallELFFile != "out.so" {
		t.Fatalf("expected the @FILENAME target, got %q", action.CallELFFile)
	}
}

func TestParseActionCallWithSizedMemOperandArg(t *testing.T) {
	p := newParser()
	action, err := p.ParseAction(`call hook(mem32[8(rax)], mem8[rbx]) @"out.so"`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(action.CallArgs) != 2 {
		t.Fatalf("expected 2 call args, got %d", len(action.CallArgs))
	}
	a0, a1 := action.CallArgs[0], action.CallArgs[1]
	if a0.Kind != dslast.ArgMemoryOperandLiteral || a0.MemorySize != 4 || a0.MemoryOperandText != "8(rax)" {
		t.Fatalf("mem32[8(rax)]: got %+v", a0)
	}
	if a1.Kind != dslast.ArgMemoryOperandLiteral || a1.MemorySize != 1 || a1.MemoryOperandText != "rbx" {
		t.Fatalf("mem8[rbx]: got %+v", a1)
	}
}

func TestParseActionExitRangeValidated(t *testing.T) {
	p := newParser()
	if _, err := p.ParseAction("exit(256)", nil); err == nil {
		t.Fatal("expected exit status out of 0..255 to be rejected")
	}
	action, err := p.ParseAction("exit(1)", nil)
	if err != nil {
		t.Fatal(err)
	}
	if action.ExitStatus != 1 {
		t.Fatalf("expected exit status 1, got %d", action.ExitStatus)
	}
	if action.Name != "exit_1" {
		t.Fatalf("expected a composite name distinguishing this exit status, got %q", action.Name)
	}
}

func TestParseActionExitDistinctStatusesGetDistinctNames(t *testing.T) {
	p := newParser()
	a1, err := p.ParseAction("exit(1)", nil)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := p.ParseAction("exit(2)", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a1.Name == a2.Name {
		t.Fatalf("exit(1) and exit(2) must not share a trampoline/patch name, both got %q", a1.Name)
	}
}

func TestParseActionCallDistinctFilesGetDistinctNames(t *testing.T) {
	p := newParser()
	a1, err := p.ParseAction(`call myfunc @"a.so"`, nil)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := p.ParseAction(`call myfunc @"b.so"`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a1.Name == a2.Name {
		t.Fatalf("two calls to the same symbol in different target files must not share a name, both got %q", a1.Name)
	}
	a3, err := p.ParseAction(`call[naked] myfunc @"a.so"`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a1.Name == a3.Name {
		t.Fatalf("clean and naked calls to the same symbol/file must not share a name, both got %q", a1.Name)
	}
}

func TestParseMatchAmpSymbolResolvesAgainstELF(t *testing.T) {
	p := newParser().WithELF(fakeELF{symbols: map[string]uint64{"main": 0x4010a0}})
	expr, err := p.ParseMatch("addr = &main")
	if err != nil {
		t.Fatal(err)
	}
	if expr.Test.Values == nil || len(expr.Test.Values.Values) != 1 {
		t.Fatalf("unexpected value list: %+v", expr.Test.Values)
	}
	got := expr.Test.Values.Values[0]
	if got.Kind != dslast.VInteger || got.Int != 0x4010a0 {
		t.Fatalf("expected &main to resolve to the integer address 0x4010a0, got %+v", got)
	}
}

func TestParseMatchAmpSymbolUndefinedDefaultsToZero(t *testing.T) {
	p := newParser().WithELF(fakeELF{symbols: map[string]uint64{}})
	expr, err := p.ParseMatch("addr = &nosuch")
	if err != nil {
		t.Fatal(err)
	}
	got := expr.Test.Values.Values[0]
	if got.Kind != dslast.VInteger || got.Int != 0 {
		t.Fatalf("expected an undefined symbol to default to 0, got %+v", got)
	}
}

func TestParseActionTrapPrintPassthru(t *testing.T) {
	p := newParser()
	for src, wantKind := range map[string]dslast.ActionKind{
		"trap":     dslast.ActionTrap,
		"print":    dslast.ActionPrint,
		"passthru": dslast.ActionPassthru,
	} {
		action, err := p.ParseAction(src, nil)
		if err != nil {
			t.Fatalf("%s: %v", src, err)
		}
		if action.Kind != wantKind {
			t.Fatalf("%s: got %v, want %v", src, action.Kind, wantKind)
		}
		if action.Name != src {
			t.Fatalf("%s: expected the action's Name to match its trampoline kind, got %q", src, action.Name)
		}
	}
}
