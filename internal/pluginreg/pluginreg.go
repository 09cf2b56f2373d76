// Package pluginreg implements the plugin registry from spec.md §4.F: open
// a shared object by filename, dedupe by canonical path, and drive its
// init/instr/match/patch/fini lifecycle.
//
// Go has no direct equivalent of resolving five arbitrary named C symbols
// from a .so at will with five independently-optional signatures; this uses
// the standard library's plugin package (plugin.Open/Lookup), looking up
// each of Init/Instr/Match/Patch/Fini by name and type-asserting its
// signature, in the same dynamic-bring-up spirit as the teacher's process
// and thread bring-up in pkg/proc/native/proc.go.
package pluginreg

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"plugin"
	"sort"

	"github.com/yuntongzhang/e9tool/internal/elfsvc"
	"github.com/yuntongzhang/e9tool/internal/instr"
)

// InitFunc, InstrFunc, MatchFunc, PatchFunc, and FiniFunc are the five
// entry-point signatures a plugin .so may export. At least one must be
// present (spec.md §4.F "Load").
type (
	InitFunc  func(out Sink, elf elfsvc.ELF) (ctx interface{}, err error)
	InstrFunc func(out Sink, elf elfsvc.ELF, offset uint64, i instr.Instruction, ctx interface{}) error
	MatchFunc func(out Sink, elf elfsvc.ELF, offset uint64, i instr.Instruction, ctx interface{}) (int64, error)
	PatchFunc func(out Sink, elf elfsvc.ELF, offset uint64, i instr.Instruction, ctx interface{}) error
	FiniFunc  func(out Sink, elf elfsvc.ELF, ctx interface{}) error
)

// Sink is the subset of internal/backend.Encoder a plugin callback may
// write auxiliary messages to (spec.md §4.F: "Plugins may write auxiliary
// messages to the backend stream from any callback").
type Sink interface {
	WriteRaw(line string) error
}

// Plugin is one loaded plugin record (spec.md §3's "Plugin").
type Plugin struct {
	CanonicalPath string

	init  InitFunc
	instr InstrFunc
	match MatchFunc
	patch PatchFunc
	fini  FiniFunc

	ctx             interface{}
	lastMatchResult int64
}

// Resolve returns the most recent Match result for the plugin named by
// basename, re-resolving it through Open (dedup-cache-idempotent, so this
// returns the same record a `plugin("NAME").match()` test bound to at parse
// time), for MATCH_PLUGIN tests (spec.md §4.C "plugin" extractor).
func (r *Registry) Resolve(basename string) (int64, bool) {
	p, err := r.Open(basename)
	if err != nil {
		return 0, false
	}
	return p.LastMatchResult(), true
}

// NewPlugin assembles a Plugin record directly from its entry points,
// bypassing Open's .so loading, for callers that already have the five
// callbacks some other way (tests).
func NewPlugin(canonicalPath string, init InitFunc, instrFn InstrFunc, match MatchFunc, patch PatchFunc, fini FiniFunc) *Plugin {
	return &Plugin{CanonicalPath: canonicalPath, init: init, instr: instrFn, match: match, patch: patch, fini: fini}
}

// Register adds p to the registry directly, in canonical-path order,
// bypassing Open's .so loading (tests).
func (r *Registry) Register(p *Plugin) {
	if _, ok := r.byPath[p.CanonicalPath]; ok {
		return
	}
	r.byPath[p.CanonicalPath] = p
	r.order = append(r.order, p.CanonicalPath)
	sort.Strings(r.order)
}

// HasInstr reports whether this plugin exposes Instr, which enables global
// notify mode for the whole pipeline (spec.md §4.F "Load").
func (p *Plugin) HasInstr() bool { return p.instr != nil }

// LastMatchResult returns the integer most recently returned by Match, for
// MATCH_PLUGIN tests (spec.md §4.C "plugin" extractor).
func (p *Plugin) LastMatchResult() int64 { return p.lastMatchResult }

// Registry deduplicates plugin loads by canonical path and orchestrates
// their lifecycle across all loaded plugins, in canonical-path order
// (spec.md §4.F "Ordering").
type Registry struct {
	logger *slog.Logger
	open   func(path string) (*plugin.Plugin, error)

	byPath map[string]*Plugin
	order  []string
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		open:   plugin.Open,
		byPath: map[string]*Plugin{},
	}
}

// Open resolves basename to a canonical path, opens it if not already
// cached, and returns the (possibly-shared) Plugin record (spec.md §4.F
// "Load"): appends ".so" if absent, canonicalizes the path, and dedupes by
// that path.
func (r *Registry) Open(basename string) (*Plugin, error) {
	name := basename
	if filepath.Ext(name) != ".so" {
		name += ".so"
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		return nil, fmt.Errorf("resolving plugin path %s: %w", basename, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Fall back to the absolute (unresolved) path: EvalSymlinks fails
		// for plugins that don't exist on disk yet in tests using a fake
		// opener.
		canonical = abs
	}

	if p, ok := r.byPath[canonical]; ok {
		return p, nil
	}

	raw, err := r.open(canonical)
	if err != nil {
		return nil, fmt.Errorf("plugin load failure for %s: %w", basename, err)
	}

	p := &Plugin{CanonicalPath: canonical}
	p.init, _ = lookup[InitFunc](raw, "Init")
	p.instr, _ = lookup[InstrFunc](raw, "Instr")
	p.match, _ = lookup[MatchFunc](raw, "Match")
	p.patch, _ = lookup[PatchFunc](raw, "Patch")
	p.fini, _ = lookup[FiniFunc](raw, "Fini")

	if p.init == nil && p.instr == nil && p.match == nil && p.patch == nil && p.fini == nil {
		return nil, fmt.Errorf("plugin lacks required entry point: %s exports none of Init/Instr/Match/Patch/Fini", basename)
	}

	r.byPath[canonical] = p
	r.order = append(r.order, canonical)
	sort.Strings(r.order)
	return p, nil
}

func lookup[T any](p *plugin.Plugin, name string) (T, bool) {
	var zero T
	sym, err := p.Lookup(name)
	if err != nil {
		return zero, false
	}
	fn, ok := sym.(T)
	if !ok {
		return zero, false
	}
	return fn, true
}

// InitAll calls Init on every loaded plugin that has one, in canonical-path
// order, storing the returned context (spec.md §4.F "Init").
func (r *Registry) InitAll(out Sink, elf elfsvc.ELF) error {
	for _, path := range r.order {
		p := r.byPath[path]
		if p.init == nil {
			continue
		}
		ctx, err := p.init(out, elf)
		if err != nil {
			return fmt.Errorf("plugin %s Init: %w", path, err)
		}
		p.ctx = ctx
		r.logger.Debug("plugin initialized", "path", path)
	}
	return nil
}

// NotifyAll calls Instr on every plugin exposing it, for one instruction of
// the first disassembly pass (spec.md §4.F "Notify").
func (r *Registry) NotifyAll(out Sink, elf elfsvc.ELF, offset uint64, i instr.Instruction) error {
	for _, path := range r.order {
		p := r.byPath[path]
		if p.instr == nil {
			continue
		}
		if err := p.instr(out, elf, offset, i, p.ctx); err != nil {
			return fmt.Errorf("plugin %s Instr: %w", path, err)
		}
	}
	return nil
}

// MatchAll calls Match on every plugin exposing it and memoizes the integer
// result on each plugin record, for MATCH_PLUGIN tests in this instruction
// (spec.md §4.F "Match").
func (r *Registry) MatchAll(out Sink, elf elfsvc.ELF, offset uint64, i instr.Instruction) error {
	for _, path := range r.order {
		p := r.byPath[path]
		if p.match == nil {
			continue
		}
		res, err := p.match(out, elf, offset, i, p.ctx)
		if err != nil {
			return fmt.Errorf("plugin %s Match: %w", path, err)
		}
		p.lastMatchResult = res
	}
	return nil
}

// Patch invokes a specific plugin's Patch callback for a patch site whose
// action is Plugin (spec.md §4.F "Patch").
func (r *Registry) Patch(p *Plugin, out Sink, elf elfsvc.ELF, offset uint64, i instr.Instruction) error {
	if p.patch == nil {
		return fmt.Errorf("plugin %s has no Patch entry point", p.CanonicalPath)
	}
	return p.patch(out, elf, offset, i, p.ctx)
}

// FiniAll calls Fini once on every plugin that exports it, in registry
// order, whether or not that plugin's Init ran; a Fini error does not stop
// the remaining plugins and the first one is returned. FiniAll is only
// called where a caller invokes it: Orchestrator.Run does so after the patch
// walk, and its earlier fatal returns skip it.
func (r *Registry) FiniAll(out Sink, elf elfsvc.ELF) error {
	var firstErr error
	for _, path := range r.order {
		p := r.byPath[path]
		if p.fini == nil {
			continue
		}
		if err := p.fini(out, elf, p.ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("plugin %s Fini: %w", path, err)
		}
	}
	return firstErr
}

// AnyNotifyMode reports whether any loaded plugin exposes Instr, enabling
// the orchestrator's two-pass disassembly loop (spec.md §4.H, glossary
// "Notify mode").
func (r *Registry) AnyNotifyMode() bool {
	for _, path := range r.order {
		if r.byPath[path].HasInstr() {
			return true
		}
	}
	return false
}

// Plugins returns the loaded plugins in canonical-path order.
func (r *Registry) Plugins() []*Plugin {
	out := make([]*Plugin, 0, len(r.order))
	for _, path := range r.order {
		out = append(out, r.byPath[path])
	}
	return out
}
