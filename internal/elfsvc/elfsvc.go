// Package elfsvc specifies and implements the read-only ELF service
// boundary from spec.md §1: section ranges, symbol resolution, and
// executable/shared-object classification. ELF parsing internals proper are
// an external collaborator; this package is a thin, idiomatic wrapper over
// the standard library's debug/elf, in the style of
// quic-dwarfparser/parser/*.go and cmd/dlv/dwarf_rdr's direct use of
// debug/elf.
package elfsvc

import (
	"debug/elf"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Classification is the binary's exe/shared-object kind (spec.md §6:
// --executable/--shared, or filename-heuristic fallback).
type Classification int

const (
	Unknown Classification = iota
	Executable
	SharedObject
)

func (c Classification) String() string {
	switch c {
	case Executable:
		return "exe"
	case SharedObject:
		return "dso"
	default:
		return "unknown"
	}
}

// ELF is the read-only service the orchestrator and parser consume.
type ELF interface {
	Path() string
	TextRange() (begin, end uint64, ok bool)
	Symbol(name string) (addr uint64, ok bool)
	Classify() Classification
	// TextBytes returns the raw .text section contents, for the
	// disassembler to decode starting at TextRange's begin address.
	TextBytes() ([]byte, error)
	Close() error
}

// File wraps *elf.File to implement ELF.
type File struct {
	path  string
	f     *elf.File
	class Classification
}

// sharedObjectName matches the "lib*.so[.VERSION]" filename heuristic from
// spec.md §6.
var sharedObjectName = regexp.MustCompile(`^lib.*\.so(\.[0-9]+)*$`)

// Open opens path and classifies it. forceExe and forceShared implement
// --executable/--shared; passing both true is a caller bug (the CLI layer
// rejects that combination per spec.md §7's "ELF classification conflict").
func Open(path string, forceExe, forceShared bool) (*File, error) {
	if forceExe && forceShared {
		return nil, fmt.Errorf("ELF classification conflict: --executable and --shared are mutually exclusive")
	}
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ELF %s: %w", path, err)
	}
	ef := &File{path: path, f: f}
	switch {
	case forceExe:
		ef.class = Executable
	case forceShared:
		ef.class = SharedObject
	default:
		ef.class = classifyByHeuristic(path, f)
	}
	return ef, nil
}

func classifyByHeuristic(path string, f *elf.File) Classification {
	base := filepath.Base(path)
	if sharedObjectName.MatchString(base) && f.Type == elf.ET_DYN {
		return SharedObject
	}
	if f.Type == elf.ET_DYN {
		// PIE executables are ET_DYN too; filename heuristic decides.
		if strings.Contains(base, ".so") {
			return SharedObject
		}
		return Executable
	}
	return Executable
}

func (f *File) Path() string { return f.path }

func (f *File) Close() error { return f.f.Close() }

func (f *File) Classify() Classification { return f.class }

// TextRange returns the [begin, end) address range of the .text section.
func (f *File) TextRange() (uint64, uint64, bool) {
	sec := f.f.Section(".text")
	if sec == nil {
		return 0, 0, false
	}
	return sec.Addr, sec.Addr + sec.Size, true
}

// TextBytes returns the raw .text section contents.
func (f *File) TextBytes() ([]byte, error) {
	sec := f.f.Section(".text")
	if sec == nil {
		return nil, fmt.Errorf("ELF %s has no .text section", f.path)
	}
	return sec.Data()
}

// Symbol resolves name to an address via the dynamic or static symbol table.
func (f *File) Symbol(name string) (uint64, bool) {
	if syms, err := f.f.Symbols(); err == nil {
		for _, s := range syms {
			if s.Name == name {
				return s.Value, true
			}
		}
	}
	if syms, err := f.f.DynamicSymbols(); err == nil {
		for _, s := range syms {
			if s.Name == name {
				return s.Value, true
			}
		}
	}
	return 0, false
}
