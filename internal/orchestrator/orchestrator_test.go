package orchestrator

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/yuntongzhang/e9tool/internal/backend"
	"github.com/yuntongzhang/e9tool/internal/config"
	"github.com/yuntongzhang/e9tool/internal/dslast"
	"github.com/yuntongzhang/e9tool/internal/dslparser"
	"github.com/yuntongzhang/e9tool/internal/elfsvc"
	"github.com/yuntongzhang/e9tool/internal/instr"
	"github.com/yuntongzhang/e9tool/internal/metadata"
	"github.com/yuntongzhang/e9tool/internal/pluginreg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeELF implements elfsvc.ELF over an in-memory instruction stream.
type fakeELF struct {
	begin, end uint64
	symbols    map[string]uint64
	class      elfsvc.Classification
}

func (f *fakeELF) Path() string { return "/fake/target" }
func (f *fakeELF) TextRange() (uint64, uint64, bool) { return f.begin, f.end, true }
func (f *fakeELF) Symbol(name string) (uint64, bool) {
	addr, ok := f.symbols[name]
	return addr, ok
}
func (f *fakeELF) Classify() elfsvc.Classification { return f.class }
func (f *fakeELF) TextBytes() ([]byte, error)       { return nil, nil }
func (f *fakeELF) Close() error                     { return nil }

// fakeDisasm replays a fixed instruction list starting from whatever address
// Seek last requested.
type fakeDisasm struct {
	all []instr.Instruction
	pos int
}

func (d *fakeDisasm) Seek(addr uint64) error {
	for i, in := range d.all {
		if in.Address >= addr {
			d.pos = i
			return nil
		}
	}
	d.pos = len(d.all)
	return nil
}

func (d *fakeDisasm) Next() (instr.Instruction, bool, error) {
	if d.pos >= len(d.all) {
		return instr.Instruction{}, false, nil
	}
	in := d.all[d.pos]
	d.pos++
	return in, true, nil
}

func (d *fakeDisasm) Close() error { return nil }

func newOrchestrator(t *testing.T, disasm *fakeDisasm, out *bytes.Buffer) *Orchestrator {
	t.Helper()
	elf := &fakeELF{begin: 0x1000, end: 0x1010, symbols: map[string]uint64{}}
	enc := backend.NewLineEncoder(backend.FormatPatch, out)
	return New(config.Options{Output: "out.bin", Format: "patch", Syntax: "ATT"}, elf, disasm, pluginreg.NewRegistry(testLogger()), enc, metadata.DefaultBuilder{}, testLogger())
}

func TestResolveRangeDefaultsToFullText(t *testing.T) {
	o := newOrchestrator(t, &fakeDisasm{}, &bytes.Buffer{})
	start, stop, err := o.resolveRange(0x1000, 0x1010)
	if err != nil {
		t.Fatal(err)
	}
	if start != 0x1000 || stop != 0x1010 {
		t.Fatalf("got [%#x,%#x)", start, stop)
	}
}

func TestResolveRangeRejectsOutOfBounds(t *testing.T) {
	o := newOrchestrator(t, &fakeDisasm{}, &bytes.Buffer{})
	o.Options.Start = "0xf00"
	if _, _, err := o.resolveRange(0x1000, 0x1010); err == nil {
		t.Fatal("expected an error: start before .text's begin address")
	}
}

func TestResolveAddrHexAndDecimalFallback(t *testing.T) {
	o := newOrchestrator(t, &fakeDisasm{}, &bytes.Buffer{})
	v, err := o.resolveAddr("0x2000")
	if err != nil || v != 0x2000 {
		t.Fatalf("hex: got %#x, %v", v, err)
	}
	v, err = o.resolveAddr("4096")
	if err != nil || v != 4096 {
		t.Fatalf("decimal: got %d, %v", v, err)
	}
}

func TestResolveAddrUndefinedSymbolDefaultsToZero(t *testing.T) {
	o := newOrchestrator(t, &fakeDisasm{}, &bytes.Buffer{})
	v, err := o.resolveAddr("no_such_symbol")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("got %#x, want 0", v)
	}
}

func TestResolveAddrPrefersSymbol(t *testing.T) {
	o := newOrchestrator(t, &fakeDisasm{}, &bytes.Buffer{})
	o.ELF.(*fakeELF).symbols["main"] = 0x1234
	v, err := o.resolveAddr("main")
	if err != nil || v != 0x1234 {
		t.Fatalf("got %#x, %v", v, err)
	}
}

func TestParseRulesOverflow(t *testing.T) {
	o := newOrchestrator(t, &fakeDisasm{}, &bytes.Buffer{})
	p := dslparser.NewParser(nil, nil)
	var matchGroups [][]string
	var actions []string
	for i := 0; i <= MaxRules; i++ {
		matchGroups = append(matchGroups, nil)
		actions = append(actions, "trap")
	}
	if err := o.ParseRules(p, matchGroups, actions); err == nil {
		t.Fatal("expected a rule-count overflow error")
	}
}

func TestParseRulesAtFullBudgetAccepted(t *testing.T) {
	o := newOrchestrator(t, &fakeDisasm{}, &bytes.Buffer{})
	p := dslparser.NewParser(nil, nil)
	var matchGroups [][]string
	var actions []string
	for i := 0; i < MaxRules; i++ {
		matchGroups = append(matchGroups, nil)
		actions = append(actions, "trap")
	}
	if err := o.ParseRules(p, matchGroups, actions); err != nil {
		t.Fatalf("a fully-loaded, in-budget rule set must be accepted, got %v", err)
	}
	if _, err := dslast.NewLocation(0, 1, false, true, MaxRules-1); err != nil {
		t.Fatalf("the last rule's 0-based index must still pack into a Location, got %v", err)
	}
}

func TestParseRulesMismatchedGroupsAndActions(t *testing.T) {
	o := newOrchestrator(t, &fakeDisasm{}, &bytes.Buffer{})
	p := dslparser.NewParser(nil, nil)
	err := o.ParseRules(p, [][]string{{"call"}}, nil)
	if err == nil {
		t.Fatal("expected an error for mismatched match-group/action counts")
	}
}

func TestEmitTrampolineDefinitionsDedupesByKind(t *testing.T) {
	var out bytes.Buffer
	o := newOrchestrator(t, &fakeDisasm{}, &out)
	o.rules = []*dslast.Rule{
		{Action: &dslast.Action{Kind: dslast.ActionExit, ExitStatus: 1}},
		{Action: &dslast.Action{Kind: dslast.ActionExit, ExitStatus: 1}},
		{Action: &dslast.Action{Kind: dslast.ActionTrap}},
	}
	locA, _ := dslast.NewLocation(0, 1, false, true, 0)
	locB, _ := dslast.NewLocation(1, 1, false, true, 1)
	locC, _ := dslast.NewLocation(2, 1, false, true, 2)
	locs := []location{{loc: locA}, {loc: locB}, {loc: locC}}

	if err := o.emitTrampolineDefinitions(locs); err != nil {
		t.Fatal(err)
	}
	o.Encoder.Flush()
	body := out.String()
	if strings.Count(body, "Trampoline \"exit\"") != 1 {
		t.Fatalf("expected exactly one deduped exit trampoline, got:\n%s", body)
	}
	if strings.Count(body, "Trampoline \"trap\"") != 1 {
		t.Fatalf("expected exactly one trap trampoline, got:\n%s", body)
	}
}

func TestEmitNeighborsRespectsWindow(t *testing.T) {
	var out bytes.Buffer
	o := newOrchestrator(t, &fakeDisasm{}, &out)
	makeLoc := func(offset uint64) location {
		l, _ := dslast.NewLocation(offset, 1, false, true, 1)
		return location{loc: l, instr: instr.Instruction{Address: 0x1000 + offset, Size: 1}}
	}
	locs := []location{makeLoc(0), makeLoc(1), makeLoc(1000)}
	o.emitNeighbors(locs, 0)
	if !locs[0].loc.Emitted() || !locs[1].loc.Emitted() {
		t.Fatal("expected the center and its near neighbor to be emitted")
	}
	if locs[2].loc.Emitted() {
		t.Fatal("expected the far-away location to stay unemitted (outside the reachability window)")
	}
}

func TestRunEndToEndEmitsPatchForMatchedCall(t *testing.T) {
	var out bytes.Buffer
	disasm := &fakeDisasm{all: []instr.Instruction{
		{Address: 0x1000, Size: 3, Mnemonic: "mov"},
		{Address: 0x1003, Size: 5, Mnemonic: "call", Groups: instr.GroupCall},
	}}
	o := newOrchestrator(t, disasm, &out)
	p := dslparser.NewParser(nil, nil)
	if err := o.ParseRules(p, [][]string{{"call"}}, []string{"trap"}); err != nil {
		t.Fatal(err)
	}
	if err := o.Run(); err != nil {
		t.Fatal(err)
	}
	body := out.String()
	if !strings.Contains(body, `Binary "exe"`) {
		t.Fatalf("expected a Binary header, got:\n%s", body)
	}
	if !strings.Contains(body, `Trampoline "trap"`) {
		t.Fatalf("expected a trap trampoline for the matched call, got:\n%s", body)
	}
	if !strings.Contains(body, "Patch \"trap\" 0x3") {
		t.Fatalf("expected a Patch message at offset 0x3, got:\n%s", body)
	}
	if !strings.Contains(body, "Emit") {
		t.Fatalf("expected a terminating Emit message, got:\n%s", body)
	}
}

func TestBuildLocationsNotifiesEveryInstructionBeforeAnyMatch(t *testing.T) {
	var out bytes.Buffer
	disasm := &fakeDisasm{all: []instr.Instruction{
		{Address: 0x1000, Size: 3, Mnemonic: "mov"},
		{Address: 0x1003, Size: 5, Mnemonic: "call", Groups: instr.GroupCall},
	}}
	o := newOrchestrator(t, disasm, &out)

	var notified []string
	notifiedBeforeFirstMatch := -1
	plugin := pluginreg.NewPlugin("fake.so",
		nil,
		func(_ pluginreg.Sink, _ elfsvc.ELF, _ uint64, in instr.Instruction, _ interface{}) error {
			notified = append(notified, in.Mnemonic)
			return nil
		},
		func(_ pluginreg.Sink, _ elfsvc.ELF, _ uint64, in instr.Instruction, _ interface{}) (int64, error) {
			if notifiedBeforeFirstMatch < 0 {
				notifiedBeforeFirstMatch = len(notified)
			}
			return 0, nil
		},
		nil, nil,
	)
	o.Plugins.Register(plugin)

	if _, err := o.buildLocations(0x1000, 0x1010); err != nil {
		t.Fatal(err)
	}

	if len(notified) != len(disasm.all) {
		t.Fatalf("expected Instr notified for all %d instructions, got %d: %v", len(disasm.all), len(notified), notified)
	}
	if notifiedBeforeFirstMatch != len(disasm.all) {
		t.Fatalf("Match ran before notify finished seeing the instruction stream: only %d of %d instructions had been notified", notifiedBeforeFirstMatch, len(disasm.all))
	}
}

func TestRunNoRulesMatchNoPatches(t *testing.T) {
	var out bytes.Buffer
	disasm := &fakeDisasm{all: []instr.Instruction{
		{Address: 0x1000, Size: 3, Mnemonic: "mov"},
	}}
	o := newOrchestrator(t, disasm, &out)
	p := dslparser.NewParser(nil, nil)
	if err := o.ParseRules(p, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := o.Run(); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "Patch ") {
		t.Fatalf("expected no patches emitted, got:\n%s", out.String())
	}
}
