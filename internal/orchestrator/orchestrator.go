// Package orchestrator implements the two-pass disassembly loop from
// spec.md §4.H: parse rules, verify invariants, notify and dispatch
// plugins, walk patch sites in reverse index order emitting reachable
// neighbor Instruction messages, then finalize plugins and the backend.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"

	"github.com/yuntongzhang/e9tool/internal/backend"
	"github.com/yuntongzhang/e9tool/internal/config"
	"github.com/yuntongzhang/e9tool/internal/dispatch"
	"github.com/yuntongzhang/e9tool/internal/dslast"
	"github.com/yuntongzhang/e9tool/internal/dslparser"
	"github.com/yuntongzhang/e9tool/internal/elfsvc"
	"github.com/yuntongzhang/e9tool/internal/instr"
	"github.com/yuntongzhang/e9tool/internal/matchvalue"
	"github.com/yuntongzhang/e9tool/internal/metadata"
	"github.com/yuntongzhang/e9tool/internal/pluginreg"
	"github.com/yuntongzhang/e9tool/internal/reach"
	"github.com/yuntongzhang/e9tool/internal/rng"
)

// MaxRules is the rule-count budget from spec.md §7 ("rule-count overflow").
// It is dslast.MaxActionIndex+1 (not the full 10-bit range): the action-index
// field's top value is reserved as dslast.NoAction, the sentinel for a
// forced-trap location that never went through rule dispatch, so a rule's
// 0-based dispatch index can range only over 0..dslast.MaxActionIndex.
const MaxRules = dslast.MaxActionIndex + 1

// FatalError wraps any error that should abort the pipeline, preserving the
// originating error (a *token.Error, *dslparser.ParseError, or a plain
// error) so cmd/e9tool can render it after a structured slog.Error record
// (SPEC_FULL §7).
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

func fatal(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Stage: stage, Err: err}
}

// Orchestrator holds every collaborator the pipeline drives.
type Orchestrator struct {
	Options  config.Options
	ELF      elfsvc.ELF
	Disasm   instr.Disassembler
	Plugins  *pluginreg.Registry
	Encoder  *backend.Encoder
	Metadata metadata.Builder
	RNG      *rng.Source
	Logger   *slog.Logger

	rules []*dslast.Rule
}

// location is the orchestrator's working record for one instruction site,
// wrapping dslast.Location with the decoded instruction it was built from
// (needed for the reverse patch-emission walk and for the --debug graph).
type location struct {
	loc   dslast.Location
	instr instr.Instruction
}

// New builds an Orchestrator from already-resolved options and
// collaborators; cmd/e9tool is responsible for opening the ELF, building
// the disassembler, and constructing the encoder before calling this.
func New(opts config.Options, elf elfsvc.ELF, disasm instr.Disassembler, plugins *pluginreg.Registry, enc *backend.Encoder, md metadata.Builder, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Options:  opts,
		ELF:      elf,
		Disasm:   disasm,
		Plugins:  plugins,
		Encoder:  enc,
		Metadata: md,
		RNG:      rng.New(),
		Logger:   logger,
	}
}

// ParseRules parses the accumulated --match/--action pairs into rules,
// rejecting an overflow past MaxRules (spec.md §7 "rule-count overflow").
func (o *Orchestrator) ParseRules(p *dslparser.Parser, matchGroups [][]string, actions []string) error {
	if len(matchGroups) != len(actions) {
		return fatal("parse", fmt.Errorf("internal: %d match groups but %d actions", len(matchGroups), len(actions)))
	}
	for i, action := range actions {
		rule, err := p.ParseRule(matchGroups[i], action)
		if err != nil {
			return fatal("parse", err)
		}
		o.rules = append(o.rules, rule)
	}
	if len(o.rules) > MaxRules {
		return fatal("verify", fmt.Errorf("rule-count overflow: %d rules exceeds the %d-rule budget", len(o.rules), MaxRules))
	}
	return nil
}

// Run executes the full pipeline (spec.md §4.H).
func (o *Orchestrator) Run() error {
	begin, end, ok := o.ELF.TextRange()
	if !ok {
		return fatal("verify", fmt.Errorf("ELF %s has no .text section", o.ELF.Path()))
	}
	start, stop, err := o.resolveRange(begin, end)
	if err != nil {
		return fatal("verify", err)
	}

	if err := o.Plugins.InitAll(o.Encoder, o.ELF); err != nil {
		return fatal("init-plugins", err)
	}

	if err := o.emitBinaryHeader(); err != nil {
		return fatal("emit", err)
	}

	locs, err := o.buildLocations(start, stop)
	if err != nil {
		return fatal("dispatch", err)
	}

	if err := o.emitTrampolineDefinitions(locs); err != nil {
		return fatal("emit", err)
	}

	if err := o.emitPatches(locs); err != nil {
		return fatal("patch", err)
	}

	if o.Options.Debug {
		if err := o.writeDebugGraph(locs); err != nil {
			o.Logger.Warn("writing debug graph failed", "err", err)
		}
	}

	if err := o.Plugins.FiniAll(o.Encoder, o.ELF); err != nil {
		o.Logger.Warn("plugin Fini failed", "err", err)
	}
	if err := o.Disasm.Close(); err != nil {
		o.Logger.Warn("closing disassembler failed", "err", err)
	}

	if err := o.Encoder.Emit(o.Options.Output, backend.Format(o.Options.Format)); err != nil {
		return fatal("emit", err)
	}
	return nil
}

func (o *Orchestrator) resolveRange(begin, end uint64) (uint64, uint64, error) {
	start, stop := begin, end
	if o.Options.Start != "" {
		v, err := o.resolveAddr(o.Options.Start)
		if err != nil {
			return 0, 0, err
		}
		start = v
	}
	if o.Options.End != "" {
		v, err := o.resolveAddr(o.Options.End)
		if err != nil {
			return 0, 0, err
		}
		stop = v
	}
	if start < begin || stop > end || start > stop {
		return 0, 0, fmt.Errorf("invalid range [%#x, %#x) outside .text [%#x, %#x)", start, stop, begin, end)
	}
	return start, stop, nil
}

func (o *Orchestrator) resolveAddr(symOrHex string) (uint64, error) {
	if addr, ok := o.ELF.Symbol(symOrHex); ok {
		return addr, nil
	}
	var v uint64
	if _, err := fmt.Sscanf(symOrHex, "0x%x", &v); err == nil {
		return v, nil
	}
	if _, err := fmt.Sscanf(symOrHex, "%d", &v); err == nil {
		return v, nil
	}
	o.Logger.Warn("undefined symbol, defaulting to 0", "symbol", symOrHex)
	return 0, nil
}

func (o *Orchestrator) emitBinaryHeader() error {
	mode := "exe"
	if o.ELF.Classify() == elfsvc.SharedObject {
		mode = "dso"
	}
	if err := o.Encoder.Binary(mode, o.ELF.Path()); err != nil {
		return err
	}
	args, err := o.Options.ResolvedOptions()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		if err := o.Encoder.Option(args); err != nil {
			return err
		}
	}
	return nil
}

// buildLocations runs the two-pass (notify-mode) or single-pass dispatch
// loop and returns every instruction's Location, in ascending offset order.
// Notify mode (spec.md §4.H, GLOSSARY "Notify mode") is a genuinely separate
// first pass over the whole instruction stream: a plugin's Instr callback
// must be able to see every instruction before any Match callback runs, so
// pass 1 only notifies and pass 2 re-disassembles from start to match and
// dispatch, matching the original's two independent cs_disasm_iter loops.
func (o *Orchestrator) buildLocations(start, stop uint64) ([]location, error) {
	if o.Plugins.AnyNotifyMode() {
		err := o.walk(start, stop, func(offset uint64, in instr.Instruction) error {
			return o.Plugins.NotifyAll(o.Encoder, o.ELF, offset, in)
		})
		if err != nil {
			return nil, err
		}
	}

	seed := o.seedTrapLocations(start, stop)
	var locs []location
	err := o.walk(start, stop, func(offset uint64, in instr.Instruction) error {
		if trapped, already := seed[offset]; already {
			locs = append(locs, location{loc: trapped, instr: in})
			return nil
		}
		if o.Options.TrapAll {
			loc, err := dslast.NewLocation(offset, in.Size, false, true, dslast.NoAction)
			if err != nil {
				return err
			}
			locs = append(locs, location{loc: loc, instr: in})
			return nil
		}

		if err := o.Plugins.MatchAll(o.Encoder, o.ELF, offset, in); err != nil {
			return err
		}

		ctx := matchvalue.Context{Instr: in, Offset: offset, RNG: o.RNG, Plugins: o.Plugins}

		res, err := dispatch.Dispatch(o.rules, ctx)
		if err != nil {
			return err
		}
		action := dslast.NoAction
		patch := false
		if res.Matched {
			action = res.Index // 0-based rule index; NoAction is the reserved top-of-range sentinel
			patch = true
			o.Logger.Debug("rule matched", "offset", offset, "rule", res.Index, "mnemonic", in.Mnemonic)
		}
		loc, err := dslast.NewLocation(offset, in.Size, false, patch, action)
		if err != nil {
			return err
		}
		locs = append(locs, location{loc: loc, instr: in})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locs, nil
}

// walk seeks the disassembler to start and invokes fn for every instruction
// up to stop, resyncing on a decode error per Options.Sync (spec.md §4.H
// "disassembly desync").
func (o *Orchestrator) walk(start, stop uint64, fn func(offset uint64, in instr.Instruction) error) error {
	if err := o.Disasm.Seek(start); err != nil {
		return err
	}
	lastAddr := start
	for {
		in, ok, err := o.Disasm.Next()
		if err != nil {
			if o.Options.Sync < 0 {
				return fmt.Errorf("disassembly desync at offset %#x: %w", lastAddr-start, err)
			}
			o.Logger.Warn("disassembly desync, resyncing", "sync_bytes", o.Options.Sync, "err", err)
			if serr := o.Disasm.Seek(in.Address + uint64(o.Options.Sync)); serr != nil {
				return serr
			}
			continue
		}
		if !ok || in.Address >= stop {
			return nil
		}
		if err := fn(in.Address-start, in); err != nil {
			return err
		}
		lastAddr = in.Address
	}
}

// seedTrapLocations implements --trap-all / --trap ADDR: forced-trap
// Locations pre-seeded before rule dispatch runs (SPEC_FULL §4.H).
func (o *Orchestrator) seedTrapLocations(start, stop uint64) map[uint64]dslast.Location {
	seed := map[uint64]dslast.Location{}
	if o.Options.TrapAll {
		return seed // --trap-all forces every location, handled inline below.
	}
	for _, a := range o.Options.Traps {
		addr, err := o.resolveAddr(a)
		if err != nil || addr < start || addr >= stop {
			continue
		}
		offset := addr - start
		loc, err := dslast.NewLocation(offset, 1, false, true, dslast.NoAction)
		if err != nil {
			continue
		}
		seed[offset] = loc
	}
	return seed
}

// emitTrampolineDefinitions emits one Trampoline message for every distinct
// Exit(status), Call-target name, and for each of Print/Passthru/Trap
// required by any matched action (spec.md §4.H).
func (o *Orchestrator) emitTrampolineDefinitions(locs []location) error {
	seenExit := map[int]bool{}
	seenCall := map[string]bool{}
	seenELFFile := map[string]bool{}
	var needPrint, needPassthru, needTrap bool

	for _, l := range locs {
		if !l.loc.Patch() {
			continue
		}
		if l.loc.ActionIndex() == dslast.NoAction {
			needTrap = true // forced trap from --trap-all / --trap ADDR
			continue
		}
		a := o.rules[l.loc.ActionIndex()].Action
		switch a.Kind {
		case dslast.ActionExit:
			if !seenExit[a.ExitStatus] {
				seenExit[a.ExitStatus] = true
				if err := o.Encoder.Trampoline(backend.TrampolineSpec{Kind: backend.TrampExit, ExitStatus: a.ExitStatus}); err != nil {
					return err
				}
			}
		case dslast.ActionCall:
			// Keyed by the composite name (internal/dslparser.parseCallAction),
			// not CallTarget alone: two call actions can share a target symbol
			// but differ in clean/naked, relation, or target file, and each
			// combination needs its own trampoline.
			if !seenCall[a.Name] {
				seenCall[a.Name] = true
				kind := backend.CallClean
				if a.Naked {
					kind = backend.CallNaked
				}
				rel := callRelationName(a.CallRelation)
				if err := o.Encoder.Trampoline(backend.TrampolineSpec{
					Kind: backend.TrampCall, Name: a.Name, Args: argNames(a.CallArgs),
					CallKind: kind, CallRel: rel,
				}); err != nil {
					return err
				}
			}
			if !seenELFFile[a.CallELFFile] {
				seenELFFile[a.CallELFFile] = true
				if err := o.Encoder.ELFFile(a.CallELFFile); err != nil {
					return err
				}
			}
		case dslast.ActionPrint:
			needPrint = true
		case dslast.ActionPassthru:
			needPassthru = true
		case dslast.ActionTrap:
			needTrap = true
		}
	}
	if needPrint {
		if err := o.Encoder.Trampoline(backend.TrampolineSpec{Kind: backend.TrampPrint}); err != nil {
			return err
		}
	}
	if needPassthru {
		if err := o.Encoder.Trampoline(backend.TrampolineSpec{Kind: backend.TrampPassthru}); err != nil {
			return err
		}
	}
	if needTrap {
		if err := o.Encoder.Trampoline(backend.TrampolineSpec{Kind: backend.TrampTrap}); err != nil {
			return err
		}
	}
	return nil
}

func callRelationName(r dslast.CallRelation) string {
	switch r {
	case dslast.RelAfter:
		return "after"
	case dslast.RelReplace:
		return "replace"
	case dslast.RelConditional:
		return "conditional"
	case dslast.RelConditionalJump:
		return "conditional.jump"
	default:
		return "before"
	}
}

func argNames(args []dslast.Argument) []string {
	names := make([]string, len(args))
	for i, a := range args {
		names[i] = a.UserName
	}
	return names
}

// emitPatches walks locations in reverse index order; for each patch=1
// Location it emits Instruction messages for itself and every reachable
// neighbor not yet emitted (spec.md §4.I), then the Patch or plugin.patch
// call (spec.md §4.H).
func (o *Orchestrator) emitPatches(locs []location) error {
	for i := len(locs) - 1; i >= 0; i-- {
		l := &locs[i]
		if !l.loc.Patch() {
			continue
		}
		o.emitNeighbors(locs, i)

		if l.loc.ActionIndex() == dslast.NoAction {
			// Forced trap from --trap-all / --trap ADDR: no Action record
			// backs it, so the trap trampoline is referenced by name directly.
			if err := o.Encoder.Patch("trap", l.loc.Offset(), nil); err != nil {
				return err
			}
			continue
		}
		action := o.rules[l.loc.ActionIndex()].Action
		if action.Kind == dslast.ActionPlugin {
			for _, p := range o.Plugins.Plugins() {
				if p.CanonicalPath == action.PluginHandle.CanonicalPath {
					if err := o.Plugins.Patch(p, o.Encoder, o.ELF, l.loc.Offset(), l.instr); err != nil {
						return err
					}
				}
			}
			continue
		}
		md, err := o.Metadata.Build(action, l.instr.Address, l.instr)
		if err != nil {
			return err
		}
		if err := o.Encoder.Patch(action.Name, l.loc.Offset(), md); err != nil {
			return err
		}
	}
	return nil
}

// emitNeighbors marks and emits Instruction messages for locs[center] and
// every adjacent, not-yet-emitted location within the reachability window
// (spec.md §4.I): walks outward from center in both directions, stopping
// the first time the window is exceeded.
func (o *Orchestrator) emitNeighbors(locs []location, center int) {
	site := locs[center].loc.Offset()

	emitOne := func(i int) bool {
		l := &locs[i]
		if l.loc.Emitted() {
			return true
		}
		if !reach.InWindow(site, l.loc.Offset()) {
			return false
		}
		o.Encoder.Instruction(l.instr.Address, l.instr.Size, l.loc.Offset())
		l.loc = l.loc.WithEmitted()
		return true
	}

	emitOne(center)
	for i := center - 1; i >= 0; i-- {
		if !emitOne(i) {
			break
		}
	}
	for i := center + 1; i < len(locs); i++ {
		if !emitOne(i) {
			break
		}
	}
}

// writeDebugGraph renders the reachability adjacency between every patch=1
// Location and the neighbors it emitted as a dominikbraun/graph DOT file
// (SPEC_FULL §4.H --debug wiring).
func (o *Orchestrator) writeDebugGraph(locs []location) error {
	g := graph.New(graph.StringHash, graph.Directed())
	for _, l := range locs {
		if !l.loc.Patch() {
			continue
		}
		label := fmt.Sprintf("%#x", l.instr.Address)
		if err := g.AddVertex(label); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return err
		}
	}
	for i, l := range locs {
		if !l.loc.Patch() {
			continue
		}
		site := l.loc.Offset()
		from := fmt.Sprintf("%#x", l.instr.Address)
		for j := range locs {
			if j == i || !reach.InWindow(site, locs[j].loc.Offset()) {
				continue
			}
			to := fmt.Sprintf("%#x", locs[j].instr.Address)
			if err := g.AddVertex(to); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
				return err
			}
			if err := g.AddEdge(from, to); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				continue
			}
		}
	}
	f, err := os.Create(o.Options.Output + ".debug.dot")
	if err != nil {
		return err
	}
	defer f.Close()
	return draw.DOT(g, f)
}
