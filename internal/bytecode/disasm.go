package bytecode

import (
	"fmt"
	"strings"
)

// String renders one instruction in a compact assembly-like form.
func (i Instruction) String() string {
	switch {
	case i.Op == OpExit:
		return "exit"
	case i.Op == OpCall:
		return fmt.Sprintf("call %+d", i.Imm)
	case i.Op == OpJa:
		return fmt.Sprintf("ja %+d", i.Off)
	case i.Op == OpLoadPktLen:
		return fmt.Sprintf("ldlen r%d", i.Dst)
	case i.Op == OpCntPkt:
		return fmt.Sprintf("cntpkt r%d", i.Dst)
	case i.Op == OpCntByte:
		return fmt.Sprintf("cntbyte r%d, r%d", i.Dst, i.Src)
	case i.Op == OpMovReg || i.Op == OpAddReg:
		return fmt.Sprintf("%s r%d, r%d", i.Op, i.Dst, i.Src)
	case i.Op == OpLoadB || i.Op == OpLoadH || i.Op == OpLoadW:
		return fmt.Sprintf("%s r%d, pkt[r%d%+d]", i.Op, i.Dst, i.Src, i.Off)
	case i.Op == OpJEqReg || i.Op == OpJLtReg:
		return fmt.Sprintf("%s r%d, r%d, %+d", i.Op, i.Dst, i.Src, i.Off)
	case i.Jump():
		return fmt.Sprintf("%s r%d, %#x, %+d", i.Op, i.Dst, uint32(i.Imm), i.Off)
	default:
		return fmt.Sprintf("%s r%d, %#x", i.Op, i.Dst, uint32(i.Imm))
	}
}

// Disassemble renders a whole program with line numbers, one
// instruction per line. Used by debug logging and tests.
func Disassemble(prog []Instruction) string {
	var sb strings.Builder
	for n, ins := range prog {
		fmt.Fprintf(&sb, "%4d: %s\n", n, ins)
	}
	return sb.String()
}
