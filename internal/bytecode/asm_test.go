package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	packets map[uint32]uint64
	bytes   map[uint32]uint64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		packets: make(map[uint32]uint64),
		bytes:   make(map[uint32]uint64),
	}
}

func (s *recordingSink) IncPacket(slot uint32)          { s.packets[slot]++ }
func (s *recordingSink) AddBytes(slot uint32, n uint64) { s.bytes[slot] += n }

func TestLabelResolution(t *testing.T) {
	a := NewAssembler(0)

	// if R1 == 7 return 1 else return 2
	a.BranchImm(OpJEqImm, R1, 7, "match")
	a.Emit(MovImm(R0, 2), Exit())
	require.NoError(t, a.Label("match"))
	a.Emit(MovImm(R0, 1), Exit())

	prog, err := a.Assemble()
	require.NoError(t, err)
	require.Len(t, prog, 5)
	assert.Equal(t, int16(2), prog[0].Off)

	ret, err := Evaluate(prog, nil, nil, map[Reg]uint64{R1: 7})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ret)

	ret, err = Evaluate(prog, nil, nil, map[Reg]uint64{R1: 8})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ret)
}

func TestUnplacedLabel(t *testing.T) {
	a := NewAssembler(0)
	a.BranchImm(OpJEqImm, R1, 1, "nowhere")
	a.Emit(Exit())

	_, err := a.Assemble()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never placed")
}

func TestBackwardJumpRejected(t *testing.T) {
	a := NewAssembler(0)
	require.NoError(t, a.Label("top"))
	a.Emit(MovImm(R0, 0))
	a.Ja("top")
	a.Emit(Exit())

	_, err := a.Assemble()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backward jump")
}

func TestCallFixup(t *testing.T) {
	a := NewAssembler(0)
	a.Emit(MovImm(R1, 3), MovImm(R2, 100))
	a.Call("counter")
	a.Call("counter")
	a.Emit(MovImm(R0, 1), Exit())
	a.Subroutine("counter", []Instruction{
		CntPkt(R1),
		CntByte(R1, R2),
		Exit(),
	})

	prog, err := a.Assemble()
	require.NoError(t, err)

	// Body is 6 instructions, one shared copy of the 3-instruction
	// subroutine follows the exit.
	require.Len(t, prog, 9)
	assert.Equal(t, OpExit, prog[5].Op)
	assert.Equal(t, OpCntPkt, prog[6].Op)

	// Both call sites resolve to the same appended copy.
	assert.Equal(t, OpCall, prog[2].Op)
	assert.Equal(t, OpCall, prog[3].Op)
	assert.Equal(t, 6, 2+1+int(prog[2].Imm))
	assert.Equal(t, 6, 3+1+int(prog[3].Imm))

	sink := newRecordingSink()
	ret, err := Evaluate(prog, nil, sink, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ret)
	assert.Equal(t, uint64(2), sink.packets[3])
	assert.Equal(t, uint64(200), sink.bytes[3])
}

func TestSubroutineReregistrationReplaces(t *testing.T) {
	a := NewAssembler(0)
	a.Call("counter")
	a.Emit(MovImm(R0, 7), Exit())
	a.Subroutine("counter", []Instruction{CntPkt(R1), Exit()})
	a.Subroutine("counter", []Instruction{
		CntPkt(R1),
		CntByte(R1, R2),
		Exit(),
	})

	prog, err := a.Assemble()
	require.NoError(t, err)

	// The final registration wins and is appended exactly once.
	require.Len(t, prog, 6)
	assert.Equal(t, OpCntPkt, prog[3].Op)
	assert.Equal(t, OpCntByte, prog[4].Op)
	assert.Equal(t, OpExit, prog[5].Op)
}

func TestUnregisteredSubroutine(t *testing.T) {
	a := NewAssembler(0)
	a.Call("missing")
	a.Emit(Exit())

	_, err := a.Assemble()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered subroutine")
}

func TestInstructionBudget(t *testing.T) {
	a := NewAssembler(4)
	a.Emit(MovImm(R0, 0), MovImm(R1, 1), MovImm(R2, 2), MovImm(R3, 3), Exit())

	_, err := a.Assemble()
	require.Error(t, err)
	var tc *TooComplexError
	require.ErrorAs(t, err, &tc)
	assert.Equal(t, 5, tc.Instructions)
	assert.Equal(t, 4, tc.Budget)
}

func TestPacketLoads(t *testing.T) {
	pkt := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}

	a := NewAssembler(0)
	a.Emit(
		MovImm(R5, 0),
		LoadW(R0, R5, 0),
		Exit(),
	)
	prog, err := a.Assemble()
	require.NoError(t, err)

	ret, err := Evaluate(prog, pkt, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), ret)
}

func TestOutOfBoundsLoad(t *testing.T) {
	a := NewAssembler(0)
	a.Emit(MovImm(R5, 0), LoadW(R0, R5, 10), Exit())
	prog, err := a.Assemble()
	require.NoError(t, err)

	_, err = Evaluate(prog, []byte{1, 2, 3, 4}, nil, nil)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestMissingExit(t *testing.T) {
	_, err := Evaluate([]Instruction{MovImm(R0, 1)}, nil, nil, nil)
	require.ErrorIs(t, err, ErrNoExit)
}

func TestDisassemble(t *testing.T) {
	out := Disassemble([]Instruction{MovImm(R0, 2), Exit()})
	assert.Contains(t, out, "0: mov r0, 0x2")
	assert.Contains(t, out, "1: exit")
}
