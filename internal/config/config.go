// Package config holds the CLI option struct (spec.md §6), the -O preset
// expansion table (supplemented from original_source/src/e9tool/e9tool.cpp),
// and an optional YAML option-file loader (gopkg.in/yaml.v2, grounded on
// conftamer/config.go's yaml-backed Config).
package config

import (
	"fmt"
	"io"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Options is the full set of CLI flags from spec.md §6.
type Options struct {
	Matches []string // accumulated --match/-M, consumed in groups by --action/-A

	Backend     string
	Output      string
	Format      string
	Compression int

	Preset string // -O0/-O1/-O2/-O3/-Os, "" if unset

	Start string // SYMBOL_OR_HEX
	End   string

	Executable bool
	Shared     bool

	StaticLoader bool
	TrapAll      bool
	Traps        []string // repeatable --trap ADDR
	Sync         int      // --sync N, 0..1000; -1 means unset
	Syntax       string   // ATT | intel

	Debug       bool
	NoWarnings  bool
	ExtraOption []string // repeatable --option

	OptionFile string // --option-file PATH (supplement)

	InputELF string
}

// Default returns the documented defaults from spec.md §6.
func Default() Options {
	return Options{
		Backend: "./e9patch",
		Output:  "a.out",
		Format:  "binary",
		Syntax:  "ATT",
		Sync:    -1,
	}
}

// Validate checks the invariants spec.md §6/§7 call out as fatal.
func (o *Options) Validate() error {
	if o.Executable && o.Shared {
		return fmt.Errorf("ELF classification conflict: --executable and --shared are mutually exclusive")
	}
	if len(o.Matches) > 0 {
		return fmt.Errorf("%d leftover --match option(s) without a closing --action", len(o.Matches))
	}
	if o.Compression < 0 || o.Compression > 9 {
		return fmt.Errorf("--compression must be 0..9, got %d", o.Compression)
	}
	if o.Sync != -1 && (o.Sync < 0 || o.Sync > 1000) {
		return fmt.Errorf("--sync must be 0..1000, got %d", o.Sync)
	}
	switch o.Syntax {
	case "ATT", "intel":
	default:
		return fmt.Errorf("--syntax must be ATT or intel, got %q", o.Syntax)
	}
	return nil
}

// OptimizationPreset is the concrete set of backend --option arguments one
// -O{0,1,2,3,s} level expands to (supplemented from original_source, not
// spelled out by the distilled spec beyond "enumerated options").
type OptimizationPreset struct {
	JumpElimThreshold int
	Peephole          bool
	TrampolineOrder   string // "forward" | "reverse" | "size"
	ScratchStackBytes int
	MemoryGranularity int // bytes
}

// OptimizationPresets maps -O{0,1,2,3,s} to its backend-option expansion.
var OptimizationPresets = map[string]OptimizationPreset{
	"0": {JumpElimThreshold: 0, Peephole: false, TrampolineOrder: "forward", ScratchStackBytes: 4096, MemoryGranularity: 4096},
	"1": {JumpElimThreshold: 4, Peephole: false, TrampolineOrder: "forward", ScratchStackBytes: 4096, MemoryGranularity: 4096},
	"2": {JumpElimThreshold: 8, Peephole: true, TrampolineOrder: "size", ScratchStackBytes: 4096, MemoryGranularity: 4096},
	"3": {JumpElimThreshold: 16, Peephole: true, TrampolineOrder: "size", ScratchStackBytes: 8192, MemoryGranularity: 4096},
	"s": {JumpElimThreshold: 16, Peephole: true, TrampolineOrder: "size", ScratchStackBytes: 4096, MemoryGranularity: 64},
}

// Args renders a preset as the backend --option argument list.
func (p OptimizationPreset) Args() []string {
	args := []string{
		fmt.Sprintf("--option=jump-elim-threshold=%d", p.JumpElimThreshold),
		fmt.Sprintf("--option=peephole=%v", p.Peephole),
		fmt.Sprintf("--option=trampoline-order=%s", p.TrampolineOrder),
		fmt.Sprintf("--option=scratch-stack-bytes=%d", p.ScratchStackBytes),
		fmt.Sprintf("--option=memory-granularity=%d", p.MemoryGranularity),
	}
	return args
}

// OptionFile is the optional YAML document --option-file loads: a reusable
// default list of --option values, merged before CLI --option repeats are
// appended (spec.md SPEC_FULL §6 supplement).
type OptionFile struct {
	Options []string `yaml:"options"`
}

// LoadOptionFile reads and parses an --option-file document.
func LoadOptionFile(path string) (*OptionFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening option file %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading option file %s: %w", path, err)
	}

	var of OptionFile
	if err := yaml.Unmarshal(data, &of); err != nil {
		return nil, fmt.Errorf("parsing option file %s: %w", path, err)
	}
	return &of, nil
}

// ResolvedOptions is the final, order-preserving --option argument list: the
// option file's defaults, then the preset's expansion, then CLI --option
// repeats, matching "an explicit --option always appends to, never
// replaces, the preset's expansion" (SPEC_FULL §4.H).
func (o *Options) ResolvedOptions() ([]string, error) {
	var args []string
	if o.OptionFile != "" {
		of, err := LoadOptionFile(o.OptionFile)
		if err != nil {
			return nil, err
		}
		args = append(args, of.Options...)
	}
	if o.Preset != "" {
		p, ok := OptimizationPresets[o.Preset]
		if !ok {
			return nil, fmt.Errorf("unknown optimization preset -O%s", o.Preset)
		}
		args = append(args, p.Args()...)
	}
	args = append(args, o.ExtraOption...)
	return args, nil
}
