// Package metadata specifies the trampoline-argument metadata service from
// spec.md §1: given an Action and the instruction it patches, produce an
// opaque per-argument descriptor list for the backend's Patch message. The
// actual wire encoding of a descriptor is the backend's concern; this
// package only builds the ordered descriptor list the orchestrator hands to
// internal/backend.
package metadata

import (
	"fmt"

	"github.com/yuntongzhang/e9tool/internal/dslast"
	"github.com/yuntongzhang/e9tool/internal/instr"
)

// Descriptor is one opaque per-argument entry of a Patch message's metadata.
type Descriptor struct {
	ArgKind   dslast.ArgKind
	ByPointer bool
	Text      string // human-readable rendering, used by --format json and tests
}

// Builder is the external collaborator interface the orchestrator calls.
type Builder interface {
	Build(a *dslast.Action, at uint64, in instr.Instruction) ([]Descriptor, error)
}

// DefaultBuilder is a reference implementation good enough to drive tests
// and --format json output; a real deployment can swap in the actual
// e9patch metadata encoder behind the same interface.
type DefaultBuilder struct{}

func (DefaultBuilder) Build(a *dslast.Action, at uint64, in instr.Instruction) ([]Descriptor, error) {
	if a.Kind != dslast.ActionCall {
		return nil, nil
	}
	descs := make([]Descriptor, 0, len(a.CallArgs))
	for _, arg := range a.CallArgs {
		d, err := buildOne(arg, at, in)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func buildOne(arg dslast.Argument, at uint64, in instr.Instruction) (Descriptor, error) {
	d := Descriptor{ArgKind: arg.Kind, ByPointer: arg.ByPointer}
	switch arg.Kind {
	case dslast.ArgAddress:
		d.Text = fmt.Sprintf("addr=%#x", at)
	case dslast.ArgNextAddress:
		d.Text = fmt.Sprintf("next=%#x", at+uint64(in.Size))
	case dslast.ArgInstructionBytes:
		d.Text = "bytes"
	case dslast.ArgMnemonicString:
		d.Text = in.Mnemonic
	case dslast.ArgAssemblyString:
		d.Text = in.Assembly
	case dslast.ArgIntegerLiteral:
		d.Text = fmt.Sprintf("%d", arg.IntegerValue)
	case dslast.ArgSymbolAddress:
		if !arg.ByPointer {
			return Descriptor{}, fmt.Errorf("symbol argument %q requires by-pointer", arg.UserName)
		}
		d.Text = fmt.Sprintf("&%s", arg.UserName)
	case dslast.ArgRegisterValue:
		d.Text = arg.UserName
	case dslast.ArgMemoryOperandLiteral:
		if arg.MemorySize > 0 {
			d.Text = fmt.Sprintf("mem%d:%s", arg.MemorySize*8, arg.MemoryOperandText)
		} else {
			d.Text = arg.MemoryOperandText
		}
	case dslast.ArgUserCSVColumn:
		if arg.CSVColumn != nil {
			d.Text = fmt.Sprintf("csv[%d]", *arg.CSVColumn)
		}
	case dslast.ArgOperand:
		if arg.OperandIndex == nil {
			d.Text = fmt.Sprintf("op[].%v", arg.Field)
		} else {
			d.Text = fmt.Sprintf("op[%d].%v", *arg.OperandIndex, arg.Field)
		}
	default:
		d.Text = arg.UserName
	}
	return d, nil
}
