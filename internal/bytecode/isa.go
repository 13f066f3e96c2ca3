// Package bytecode defines the instruction set compiled programs are
// expressed in, a two-pass assembler with symbolic labels and call
// fixups, and an evaluator used by tests and the fake kernel.
//
// The instruction shape follows the kernel's extended BPF: eleven
// 64-bit registers, a 16-bit branch/load offset, and a 32-bit
// immediate. The concrete on-the-wire encoding is the kernel
// capability's concern; everything in this package works on the typed
// form.
package bytecode

import "fmt"

// Reg is a virtual machine register.
type Reg uint8

// Register assignments. R0 is the return value, R1-R5 are scratch and
// subroutine arguments, R6-R9 hold the per-packet context built by the
// flavor prologue, R10 is reserved.
const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10

	// NumRegs is the register file size.
	NumRegs = 11
)

// Conventional roles for the context registers. The flavor prologue
// establishes R6 and R7; the parser section fills R8 and R9.
// Generated code leaves R5 untouched so the kernel lowering can claim
// it for the packet base pointer.
const (
	// RegPktLen holds the packet length in bytes.
	RegPktLen = R7
	// RegL3Off holds the network-header offset.
	RegL3Off = R6
	// RegL4Off holds the transport-header offset.
	RegL4Off = R8
	// RegLayers holds the parsed-layer tag bitmask.
	RegLayers = R9
)

// Parsed-layer tags stored in RegLayers.
const (
	TagIPv4 = 1 << 0
	TagTCP  = 1 << 1
	TagUDP  = 1 << 2
)

// Op is an operation code.
type Op uint8

const (
	// OpMovImm sets dst = imm.
	OpMovImm Op = iota
	// OpMovReg sets dst = src.
	OpMovReg
	// OpAddImm sets dst += imm.
	OpAddImm
	// OpAddReg sets dst += src.
	OpAddReg
	// OpAndImm sets dst &= imm.
	OpAndImm
	// OpOrImm sets dst |= imm.
	OpOrImm
	// OpLshImm sets dst <<= imm.
	OpLshImm
	// OpRshImm sets dst >>= imm.
	OpRshImm

	// OpLoadB sets dst to the byte at packet offset src+off.
	OpLoadB
	// OpLoadH sets dst to the big-endian halfword at src+off.
	OpLoadH
	// OpLoadW sets dst to the big-endian word at src+off.
	OpLoadW
	// OpLoadPktLen sets dst to the packet length. It stands for the
	// flavor-specific context access that derives the length from
	// the entry arguments.
	OpLoadPktLen

	// OpJa jumps unconditionally by off.
	OpJa
	// OpJEqImm jumps by off if dst == imm.
	OpJEqImm
	// OpJNeImm jumps by off if dst != imm.
	OpJNeImm
	// OpJLtImm jumps by off if dst < imm (unsigned).
	OpJLtImm
	// OpJLeImm jumps by off if dst <= imm (unsigned).
	OpJLeImm
	// OpJGtImm jumps by off if dst > imm (unsigned).
	OpJGtImm
	// OpJGeImm jumps by off if dst >= imm (unsigned).
	OpJGeImm
	// OpJSetImm jumps by off if dst & imm != 0.
	OpJSetImm
	// OpJEqReg jumps by off if dst == src.
	OpJEqReg
	// OpJLtReg jumps by off if dst < src (unsigned).
	OpJLtReg

	// OpCall calls the local subroutine at pc+1+imm.
	OpCall
	// OpExit returns from the current subroutine, or terminates the
	// program with the verdict in R0 when the call stack is empty.
	OpExit

	// OpCntPkt increments the packet counter of the slot indexed by
	// dst. OpCntByte adds src to the same slot's byte counter. They
	// stand for the counter-map helper sequence; the kernel
	// capability lowers them to its native map update calls.
	OpCntPkt
	OpCntByte
)

// Instruction is one typed VM instruction.
type Instruction struct {
	Op  Op
	Dst Reg
	Src Reg
	Off int16
	Imm int32
}

// Jump reports whether the instruction is a branch (including OpJa).
func (i Instruction) Jump() bool {
	return i.Op >= OpJa && i.Op <= OpJLtReg
}

// Convenience constructors, used heavily by the codegen engine.

// MovImm builds dst = imm.
func MovImm(dst Reg, imm uint32) Instruction {
	return Instruction{Op: OpMovImm, Dst: dst, Imm: int32(imm)}
}

// MovReg builds dst = src.
func MovReg(dst, src Reg) Instruction {
	return Instruction{Op: OpMovReg, Dst: dst, Src: src}
}

// AddImm builds dst += imm.
func AddImm(dst Reg, imm uint32) Instruction {
	return Instruction{Op: OpAddImm, Dst: dst, Imm: int32(imm)}
}

// AddReg builds dst += src.
func AddReg(dst, src Reg) Instruction {
	return Instruction{Op: OpAddReg, Dst: dst, Src: src}
}

// AndImm builds dst &= imm.
func AndImm(dst Reg, imm uint32) Instruction {
	return Instruction{Op: OpAndImm, Dst: dst, Imm: int32(imm)}
}

// OrImm builds dst |= imm.
func OrImm(dst Reg, imm uint32) Instruction {
	return Instruction{Op: OpOrImm, Dst: dst, Imm: int32(imm)}
}

// LshImm builds dst <<= imm.
func LshImm(dst Reg, imm uint32) Instruction {
	return Instruction{Op: OpLshImm, Dst: dst, Imm: int32(imm)}
}

// RshImm builds dst >>= imm.
func RshImm(dst Reg, imm uint32) Instruction {
	return Instruction{Op: OpRshImm, Dst: dst, Imm: int32(imm)}
}

// LoadB builds dst = pkt[base+off] (one byte).
func LoadB(dst, base Reg, off int16) Instruction {
	return Instruction{Op: OpLoadB, Dst: dst, Src: base, Off: off}
}

// LoadH builds dst = big-endian halfword at pkt[base+off].
func LoadH(dst, base Reg, off int16) Instruction {
	return Instruction{Op: OpLoadH, Dst: dst, Src: base, Off: off}
}

// LoadW builds dst = big-endian word at pkt[base+off].
func LoadW(dst, base Reg, off int16) Instruction {
	return Instruction{Op: OpLoadW, Dst: dst, Src: base, Off: off}
}

// LoadPktLen builds dst = packet length.
func LoadPktLen(dst Reg) Instruction {
	return Instruction{Op: OpLoadPktLen, Dst: dst}
}

// Exit builds a subroutine/program return.
func Exit() Instruction {
	return Instruction{Op: OpExit}
}

// CntPkt builds a packet-counter increment for the slot in idx.
func CntPkt(idx Reg) Instruction {
	return Instruction{Op: OpCntPkt, Dst: idx}
}

// CntByte builds a byte-counter add of n for the slot in idx.
func CntByte(idx, n Reg) Instruction {
	return Instruction{Op: OpCntByte, Dst: idx, Src: n}
}

func (o Op) String() string {
	names := map[Op]string{
		OpMovImm: "mov", OpMovReg: "movr", OpAddImm: "add", OpAddReg: "addr",
		OpAndImm: "and", OpOrImm: "or", OpLshImm: "lsh", OpRshImm: "rsh",
		OpLoadB: "ldb", OpLoadH: "ldh", OpLoadW: "ldw", OpLoadPktLen: "ldlen",
		OpJa: "ja", OpJEqImm: "jeq", OpJNeImm: "jne", OpJLtImm: "jlt",
		OpJLeImm: "jle", OpJGtImm: "jgt", OpJGeImm: "jge", OpJSetImm: "jset",
		OpJEqReg: "jeqr", OpJLtReg: "jltr",
		OpCall: "call", OpExit: "exit",
		OpCntPkt: "cntpkt", OpCntByte: "cntbyte",
	}
	if s, ok := names[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}
