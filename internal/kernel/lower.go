package kernel

import (
	"fmt"
	"strconv"

	"github.com/cilium/ebpf/asm"

	"github.com/icefall-net/icefall/internal/bytecode"
)

// progKind selects the entry context layout during lowering.
type progKind int

const (
	// kindXDP programs receive an xdp_md context.
	kindXDP progKind = iota
	// kindSKB programs receive a __sk_buff context.
	kindSKB
)

// Context field offsets. xdp_md packs data/data_end as the first two
// u32 fields; __sk_buff carries len first and the data pointers at
// fixed offsets further in.
const (
	xdpDataOff    = 0
	xdpDataEndOff = 4

	skbLenOff  = 0
	skbDataOff = 76
)

// pktBase is the hardware register reserved for the packet-start
// pointer. The portable instruction set deliberately leaves engine R5
// unused so lowering gets a scratch register that survives straight
// runs of packet loads. It does not survive helper calls; counter
// updates therefore only appear on return paths, which codegen
// guarantees.
const pktBase = asm.R5

var regMap = [bytecode.NumRegs]asm.Register{
	asm.R0, asm.R1, asm.R2, asm.R3, asm.R4,
	asm.R5, // never referenced by generated code
	asm.R6, asm.R7, asm.R8, asm.R9, asm.RFP,
}

// lower translates an assembled engine program into kernel assembler
// form. Branch targets are re-expressed as per-instruction symbols so
// the kernel assembler's own relocation resolves them after lowering
// changes instruction counts. Local calls are lowered by inlining the
// callee, so the appended subroutine region becomes dead code that is
// dropped.
func lower(insns []bytecode.Instruction, kind progKind, counterFD int) (asm.Instructions, error) {
	// The subroutine appendix starts after the last reachable
	// instruction; calls are inlined, so everything from the first
	// call target onward is emitted only at its call sites.
	bodyEnd := len(insns)
	for i, ins := range insns {
		if ins.Op == bytecode.OpCall {
			if t := i + 1 + int(ins.Imm); t < bodyEnd {
				bodyEnd = t
			}
		}
	}

	var out asm.Instructions
	emit := func(sym string, list ...asm.Instruction) {
		if sym != "" && len(list) > 0 {
			list[0] = list[0].WithSymbol(sym)
		}
		out = append(out, list...)
	}

	for i := 0; i < bodyEnd; i++ {
		sym := fmt.Sprintf("i%d", i)
		lowered, skip, err := lowerOne(insns, i, kind, counterFD, strconv.Itoa(i))
		if err != nil {
			return nil, err
		}
		emit(sym, lowered...)
		i += skip
	}
	return out, nil
}

// lowerOne lowers the instruction at index i, possibly consuming
// following instructions (counter pairs, inlined calls). It returns
// the lowered form and how many extra source instructions it
// consumed. site discriminates locally generated labels; inlining the
// same callee at two call sites must not reuse a label, so the call
// case folds the call-site index into it.
func lowerOne(insns []bytecode.Instruction, i int, kind progKind, counterFD int, site string) ([]asm.Instruction, int, error) {
	ins := insns[i]
	dst := regMap[ins.Dst]
	src := regMap[ins.Src]
	target := func() string { return fmt.Sprintf("i%d", i+1+int(ins.Off)) }

	switch ins.Op {
	case bytecode.OpMovImm:
		return []asm.Instruction{asm.Mov.Imm(dst, ins.Imm)}, 0, nil
	case bytecode.OpMovReg:
		return []asm.Instruction{asm.Mov.Reg(dst, src)}, 0, nil
	case bytecode.OpAddImm:
		return []asm.Instruction{asm.Add.Imm(dst, ins.Imm)}, 0, nil
	case bytecode.OpAddReg:
		return []asm.Instruction{asm.Add.Reg(dst, src)}, 0, nil
	case bytecode.OpAndImm:
		return []asm.Instruction{asm.And.Imm(dst, ins.Imm)}, 0, nil
	case bytecode.OpOrImm:
		return []asm.Instruction{asm.Or.Imm(dst, ins.Imm)}, 0, nil
	case bytecode.OpLshImm:
		return []asm.Instruction{asm.LSh.Imm(dst, ins.Imm)}, 0, nil
	case bytecode.OpRshImm:
		return []asm.Instruction{asm.RSh.Imm(dst, ins.Imm)}, 0, nil

	case bytecode.OpLoadPktLen:
		switch kind {
		case kindXDP:
			return []asm.Instruction{
				asm.LoadMem(dst, asm.R1, xdpDataEndOff, asm.Word),
				asm.LoadMem(asm.R0, asm.R1, xdpDataOff, asm.Word),
				asm.Sub.Reg(dst, asm.R0),
				asm.LoadMem(pktBase, asm.R1, xdpDataOff, asm.Word),
			}, 0, nil
		default:
			return []asm.Instruction{
				asm.LoadMem(dst, asm.R1, skbLenOff, asm.Word),
				asm.LoadMem(pktBase, asm.R1, skbDataOff, asm.Word),
			}, 0, nil
		}

	case bytecode.OpLoadB, bytecode.OpLoadH, bytecode.OpLoadW:
		size := map[bytecode.Op]asm.Size{
			bytecode.OpLoadB: asm.Byte,
			bytecode.OpLoadH: asm.Half,
			bytecode.OpLoadW: asm.Word,
		}[ins.Op]
		// The engine register holds a packet offset; form the
		// pointer through R0, which generated code never keeps live
		// across a load.
		lowered := []asm.Instruction{
			asm.Mov.Reg(asm.R0, src),
			asm.Add.Reg(asm.R0, pktBase),
			asm.LoadMem(dst, asm.R0, ins.Off, size),
		}
		// Packet data is big-endian; direct loads are host-order.
		if ins.Op != bytecode.OpLoadB {
			lowered = append(lowered, asm.HostTo(asm.BE, dst, size))
		}
		return lowered, 0, nil

	case bytecode.OpJa:
		return []asm.Instruction{asm.Ja.Label(target())}, 0, nil
	case bytecode.OpJEqImm:
		return []asm.Instruction{asm.JEq.Imm(dst, ins.Imm, target())}, 0, nil
	case bytecode.OpJNeImm:
		return []asm.Instruction{asm.JNE.Imm(dst, ins.Imm, target())}, 0, nil
	case bytecode.OpJLtImm:
		return []asm.Instruction{asm.JLT.Imm(dst, ins.Imm, target())}, 0, nil
	case bytecode.OpJLeImm:
		return []asm.Instruction{asm.JLE.Imm(dst, ins.Imm, target())}, 0, nil
	case bytecode.OpJGtImm:
		return []asm.Instruction{asm.JGT.Imm(dst, ins.Imm, target())}, 0, nil
	case bytecode.OpJGeImm:
		return []asm.Instruction{asm.JGE.Imm(dst, ins.Imm, target())}, 0, nil
	case bytecode.OpJSetImm:
		return []asm.Instruction{asm.JSet.Imm(dst, ins.Imm, target())}, 0, nil
	case bytecode.OpJEqReg:
		return []asm.Instruction{asm.JEq.Reg(dst, src, target())}, 0, nil
	case bytecode.OpJLtReg:
		return []asm.Instruction{asm.JLT.Reg(dst, src, target())}, 0, nil

	case bytecode.OpCall:
		// Inline the callee. The only subroutine codegen emits is the
		// counter update, whose body is pseudo-ops lowered below.
		calleeStart := i + 1 + int(ins.Imm)
		var body []asm.Instruction
		for j := calleeStart; j < len(insns) && insns[j].Op != bytecode.OpExit; j++ {
			lowered, consumed, err := lowerOne(insns, j, kind, counterFD, fmt.Sprintf("%d_%d", i, j))
			if err != nil {
				return nil, 0, err
			}
			body = append(body, lowered...)
			j += consumed
		}
		return body, 0, nil

	case bytecode.OpExit:
		return []asm.Instruction{asm.Return()}, 0, nil

	case bytecode.OpCntPkt:
		// A CntPkt/CntByte pair shares one map lookup.
		withBytes := i+1 < len(insns) && insns[i+1].Op == bytecode.OpCntByte
		var byteReg asm.Register
		if withBytes {
			byteReg = regMap[insns[i+1].Src]
		}
		seq := counterUpdate(dst, byteReg, withBytes, counterFD, site)
		consumed := 0
		if withBytes {
			consumed = 1
		}
		return seq, consumed, nil

	case bytecode.OpCntByte:
		return counterUpdate(dst, src, true, counterFD, site), 0, nil
	}

	return nil, 0, fmt.Errorf("cannot lower opcode %s", ins.Op)
}

// counterUpdate emits the map-helper sequence behind the counter
// pseudo-ops: spill the slot key, look up the value, and atomically
// bump the packet and byte fields.
func counterUpdate(slotReg, byteReg asm.Register, withBytes bool, counterFD int, site string) []asm.Instruction {
	miss := "cnt_miss_" + site

	seq := []asm.Instruction{
		asm.StoreMem(asm.RFP, -4, slotReg, asm.Word),
	}
	if withBytes {
		seq = append(seq, asm.StoreMem(asm.RFP, -16, byteReg, asm.DWord))
	}
	seq = append(seq,
		asm.LoadMapPtr(asm.R1, counterFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, miss),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
	)
	if withBytes {
		seq = append(seq,
			asm.LoadMem(asm.R1, asm.RFP, -16, asm.DWord),
			asm.Add.Imm(asm.R0, 8),
			asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		)
	}
	seq = append(seq, asm.Mov.Imm(asm.R0, 0).WithSymbol(miss))
	return seq
}
