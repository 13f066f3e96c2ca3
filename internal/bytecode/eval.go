package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CounterSink receives counter-update effects during evaluation. The
// fake kernel passes its in-memory counter table; tests that do not
// care pass nil and updates are dropped.
type CounterSink interface {
	IncPacket(slot uint32)
	AddBytes(slot uint32, n uint64)
}

// Evaluation limits. Call depth matches the kernel's bpf-to-bpf
// limit; the step limit is a guard against malformed programs since
// assembled programs are loop-free by construction.
const (
	maxCallDepth = 8
	maxSteps     = 64 * 1024
)

var (
	// ErrOutOfBounds reports a packet load past the packet end. The
	// codegen engine always emits explicit length guards, so hitting
	// this indicates a compiler bug, not a short packet.
	ErrOutOfBounds = errors.New("packet load out of bounds")

	// ErrNoExit reports falling off the end of the program.
	ErrNoExit = errors.New("program ended without exit")
)

// Evaluate runs an assembled program over a packet and returns the
// value left in R0 at the final exit. The caller supplies the
// registers the flavor prologue would otherwise initialize via init.
func Evaluate(prog []Instruction, pkt []byte, counters CounterSink, init map[Reg]uint64) (uint64, error) {
	var regs [NumRegs]uint64
	for r, v := range init {
		regs[r] = v
	}

	var stack []int
	pc := 0
	for steps := 0; ; steps++ {
		if steps > maxSteps {
			return 0, fmt.Errorf("evaluation exceeded %d steps", maxSteps)
		}
		if pc < 0 || pc >= len(prog) {
			return 0, ErrNoExit
		}
		ins := prog[pc]
		next := pc + 1

		switch ins.Op {
		case OpMovImm:
			regs[ins.Dst] = uint64(uint32(ins.Imm))
		case OpMovReg:
			regs[ins.Dst] = regs[ins.Src]
		case OpAddImm:
			regs[ins.Dst] += uint64(uint32(ins.Imm))
		case OpAddReg:
			regs[ins.Dst] += regs[ins.Src]
		case OpAndImm:
			regs[ins.Dst] &= uint64(uint32(ins.Imm))
		case OpOrImm:
			regs[ins.Dst] |= uint64(uint32(ins.Imm))
		case OpLshImm:
			regs[ins.Dst] <<= uint64(uint32(ins.Imm))
		case OpRshImm:
			regs[ins.Dst] >>= uint64(uint32(ins.Imm))

		case OpLoadB, OpLoadH, OpLoadW:
			size := map[Op]int{OpLoadB: 1, OpLoadH: 2, OpLoadW: 4}[ins.Op]
			off := int(regs[ins.Src]) + int(ins.Off)
			if off < 0 || off+size > len(pkt) {
				return 0, fmt.Errorf("%w: offset %d size %d len %d",
					ErrOutOfBounds, off, size, len(pkt))
			}
			switch ins.Op {
			case OpLoadB:
				regs[ins.Dst] = uint64(pkt[off])
			case OpLoadH:
				regs[ins.Dst] = uint64(binary.BigEndian.Uint16(pkt[off:]))
			case OpLoadW:
				regs[ins.Dst] = uint64(binary.BigEndian.Uint32(pkt[off:]))
			}

		case OpLoadPktLen:
			regs[ins.Dst] = uint64(len(pkt))

		case OpJa:
			next += int(ins.Off)
		case OpJEqImm:
			if uint32(regs[ins.Dst]) == uint32(ins.Imm) {
				next += int(ins.Off)
			}
		case OpJNeImm:
			if uint32(regs[ins.Dst]) != uint32(ins.Imm) {
				next += int(ins.Off)
			}
		case OpJLtImm:
			if uint32(regs[ins.Dst]) < uint32(ins.Imm) {
				next += int(ins.Off)
			}
		case OpJLeImm:
			if uint32(regs[ins.Dst]) <= uint32(ins.Imm) {
				next += int(ins.Off)
			}
		case OpJGtImm:
			if uint32(regs[ins.Dst]) > uint32(ins.Imm) {
				next += int(ins.Off)
			}
		case OpJGeImm:
			if uint32(regs[ins.Dst]) >= uint32(ins.Imm) {
				next += int(ins.Off)
			}
		case OpJSetImm:
			if uint32(regs[ins.Dst])&uint32(ins.Imm) != 0 {
				next += int(ins.Off)
			}
		case OpJEqReg:
			if regs[ins.Dst] == regs[ins.Src] {
				next += int(ins.Off)
			}
		case OpJLtReg:
			if regs[ins.Dst] < regs[ins.Src] {
				next += int(ins.Off)
			}

		case OpCall:
			if len(stack) >= maxCallDepth {
				return 0, fmt.Errorf("call depth exceeds %d", maxCallDepth)
			}
			stack = append(stack, next)
			next = pc + 1 + int(ins.Imm)

		case OpExit:
			if len(stack) == 0 {
				return regs[R0], nil
			}
			next = stack[len(stack)-1]
			stack = stack[:len(stack)-1]

		case OpCntPkt:
			if counters != nil {
				counters.IncPacket(uint32(regs[ins.Dst]))
			}
		case OpCntByte:
			if counters != nil {
				counters.AddBytes(uint32(regs[ins.Dst]), regs[ins.Src])
			}

		default:
			return 0, fmt.Errorf("unknown opcode %d at pc %d", ins.Op, pc)
		}

		pc = next
	}
}
