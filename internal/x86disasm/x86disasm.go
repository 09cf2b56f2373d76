// Package x86disasm implements the instr.Disassembler boundary (spec.md
// §1's "disassembly engine details ... external collaborator") over
// golang.org/x/arch/x86/x86asm, in the style of asm/amd's use of
// x86asm.Decode in the ebpf-profiler example pack.
package x86disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/yuntongzhang/e9tool/internal/instr"
)

// jumpOps is the set of x86asm mnemonics instr.GroupJump covers: the
// unconditional jump plus every conditional Jcc/loop form.
var jumpOps = map[string]bool{
	"JMP": true, "JA": true, "JAE": true, "JB": true, "JBE": true,
	"JE": true, "JNE": true, "JG": true, "JGE": true, "JL": true, "JLE": true,
	"JO": true, "JNO": true, "JS": true, "JNS": true, "JP": true, "JNP": true,
	"JCXZ": true, "JECXZ": true, "JRCXZ": true,
	"LOOP": true, "LOOPE": true, "LOOPNE": true,
}

// Decoder walks a code buffer with x86asm.Decode, implementing
// instr.Disassembler. base is the .text section's load address; pos is the
// current byte offset into code.
type Decoder struct {
	code   []byte
	base   uint64
	pos    int
	syntax string // "intel" renders x86asm.IntelSyntax, anything else GNU
}

// New builds a Decoder over code, the bytes of a section loaded at base.
func New(code []byte, base uint64, syntax string) *Decoder {
	return &Decoder{code: code, base: base, syntax: syntax}
}

// Seek repositions decoding to addr, which must fall within [base, base+len(code)];
// seeking to exactly base+len(code) leaves Next reporting ok=false.
func (d *Decoder) Seek(addr uint64) error {
	if addr < d.base || addr > d.base+uint64(len(d.code)) {
		return fmt.Errorf("seek address %#x out of range [%#x, %#x]", addr, d.base, d.base+uint64(len(d.code)))
	}
	d.pos = int(addr - d.base)
	return nil
}

// Next decodes the next instruction, advancing pos by its length.
func (d *Decoder) Next() (instr.Instruction, bool, error) {
	if d.pos >= len(d.code) {
		return instr.Instruction{}, false, nil
	}
	addr := d.base + uint64(d.pos)
	inst, err := x86asm.Decode(d.code[d.pos:], 64)
	if err != nil {
		// Desync: the caller resyncs by a fixed --sync byte count, so a
		// single-byte address is reported back for that arithmetic.
		return instr.Instruction{Address: addr, Size: 1}, true, fmt.Errorf("decoding at %#x: %w", addr, err)
	}
	d.pos += inst.Len
	return d.convert(inst, addr), true, nil
}

// Close is a no-op; the Decoder owns no external resources.
func (d *Decoder) Close() error { return nil }

func (d *Decoder) convert(inst x86asm.Inst, addr uint64) instr.Instruction {
	mnemonic := strings.ToLower(inst.Op.String())
	out := instr.Instruction{
		Address:  addr,
		Size:     inst.Len,
		Mnemonic: mnemonic,
		Assembly: d.render(inst, addr),
	}

	switch {
	case inst.Op == x86asm.CALL:
		out.Groups |= instr.GroupCall
	case inst.Op == x86asm.RET || inst.Op == x86asm.LRET:
		out.Groups |= instr.GroupRet
	case jumpOps[inst.Op.String()]:
		out.Groups |= instr.GroupJump
	}

	for i, arg := range inst.Args {
		if arg == nil {
			break
		}
		op := convertArg(arg)
		if rel, ok := arg.(x86asm.Rel); ok {
			op.ImmValue = int64(addr) + int64(inst.Len) + int64(rel)
		}
		// By x86asm's Intel-derived argument order, Args[0] is the
		// destination operand for two-operand forms.
		if i == 0 && len(operandArgs(inst.Args)) > 1 {
			op.Access = instr.Write
		} else {
			op.Access = instr.Read
		}
		instr.NormalizeMemoryAccess(mnemonic, &op)
		out.Operands = append(out.Operands, op)

		switch op.Kind {
		case instr.Reg:
			if op.Access&instr.Write != 0 {
				out.WriteRegs = append(out.WriteRegs, op.RegName)
			} else {
				out.ReadRegs = append(out.ReadRegs, op.RegName)
			}
		case instr.Mem:
			if op.Base != "" {
				out.ReadRegs = append(out.ReadRegs, op.Base)
			}
			if op.Index != "" {
				out.ReadRegs = append(out.ReadRegs, op.Index)
			}
		}
	}
	return out
}

func operandArgs(args x86asm.Args) []x86asm.Arg {
	var out []x86asm.Arg
	for _, a := range args {
		if a == nil {
			break
		}
		out = append(out, a)
	}
	return out
}

func convertArg(arg x86asm.Arg) instr.Operand {
	switch v := arg.(type) {
	case x86asm.Reg:
		return instr.Operand{Kind: instr.Reg, Size: regSize(v), RegName: strings.ToLower(v.String())}
	case x86asm.Mem:
		op := instr.Operand{Kind: instr.Mem, Scale: int(v.Scale), Displacement: int32(v.Disp)}
		if v.Segment != 0 {
			op.Segment = strings.ToLower(v.Segment.String())
		}
		if v.Base != 0 {
			op.Base = strings.ToLower(v.Base.String())
		}
		if v.Index != 0 {
			op.Index = strings.ToLower(v.Index.String())
		}
		return op
	case x86asm.Imm:
		return instr.Operand{Kind: instr.Imm, ImmValue: int64(v)}
	case x86asm.Rel:
		// A relative branch target, carried as an immediate; convert turns
		// it into the absolute target address, which matchvalue reads as op[i].
		return instr.Operand{Kind: instr.Imm, ImmValue: int64(v)}
	default:
		return instr.Operand{Kind: instr.Imm}
	}
}

func regSize(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4
	default:
		return 8
	}
}

func (d *Decoder) render(inst x86asm.Inst, addr uint64) string {
	if d.syntax == "intel" {
		return x86asm.IntelSyntax(inst, addr, nil)
	}
	return x86asm.GNUSyntax(inst, addr, nil)
}
