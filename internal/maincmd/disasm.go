package maincmd

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mna/cassette/lang/chunk"
	"github.com/mna/cassette/lang/isa"
	"github.com/mna/cassette/lang/program"
)

// Disassemble writes one line per instruction in prog.Code: its byte
// offset, mnemonic, and decoded operand if it carries one. It backs
// cassette -d's disassembly output (spec.md §6.1), decoding operands the
// same way lang/vm's Run loop does (jump-family and MODGET operands
// are a fixed 4-byte field; everything else on ArgMin-and-up is an
// unsigned LEB128) without sharing code with it, since the VM's decoding
// also drives execution and this one only renders text for a human.
func Disassemble(w io.Writer, prog *program.Program) {
	code := prog.Code
	pos := 0
	for pos < len(code) {
		start := pos
		op := isa.Op(code[pos])
		pos++
		fmt.Fprintf(w, "%6d  %s", start, op)

		switch {
		case isa.IsJump(op):
			k := int32(binary.LittleEndian.Uint32(code[pos:]))
			target := int(k) + pos + 1
			fmt.Fprintf(w, " %+d -> %d", k, target)
			pos += isa.JumpArgWidth
		case op == isa.MODGET:
			raw := binary.LittleEndian.Uint32(code[pos:])
			fmt.Fprintf(w, " module=%d export=%d", raw>>16, raw&0xffff)
			pos += isa.JumpArgWidth
		case isa.HasArg(op):
			n, next := chunk.DecodeUvarint(code, pos)
			fmt.Fprintf(w, " %d", n)
			pos = next
		}
		fmt.Fprintln(w)
	}
}
