package codegen

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/icefall-net/icefall/internal/bytecode"
)

// Program is a compiled, loadable artifact for one chain. It carries
// the instruction stream, the counter-map layout, and the metadata
// the program manager needs to attach it.
type Program struct {
	// Chain and Front name the source chain.
	Chain string
	Front string

	// Flavor is the name of the flavor the program was compiled for.
	Flavor string

	// Insns is the assembled instruction stream.
	Insns []bytecode.Instruction

	// CounterSlots is the number of slots in the program's counter
	// map, equal to the chain's rule count when any rule counts and
	// zero otherwise. Slots are keyed by rule index.
	CounterSlots int

	// Fingerprint is a content hash of the instruction stream. It
	// identifies the program across restarts during restore
	// reconciliation.
	Fingerprint string
}

// fingerprint hashes the instruction stream. Compilation is
// deterministic, so equal chains always produce equal fingerprints.
func fingerprint(insns []bytecode.Instruction) string {
	h := sha256.New()
	var buf [9]byte
	for _, ins := range insns {
		buf[0] = byte(ins.Op)
		buf[1] = byte(ins.Dst)
		buf[2] = byte(ins.Src)
		binary.LittleEndian.PutUint16(buf[3:], uint16(ins.Off))
		binary.LittleEndian.PutUint32(buf[5:], uint32(ins.Imm))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
