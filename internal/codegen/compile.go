// Package codegen compiles a chain and a flavor into a loadable
// program. Compilation is pure and deterministic: the same chain and
// flavor always produce the same instruction stream, so a failed
// compile is never retried with unchanged input.
package codegen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/icefall-net/icefall/internal/bytecode"
	"github.com/icefall-net/icefall/internal/flavor"
	"github.com/icefall-net/icefall/internal/ruleset"
)

// Options tune a compile pass.
type Options struct {
	// MaxInstructions overrides the assembler's instruction budget.
	// Zero keeps the default.
	MaxInstructions int
}

// IPv4 header field offsets relative to the network-header base.
const (
	ipv4OffVerIHL   = 0
	ipv4OffFragOff  = 6
	ipv4OffProtocol = 9
	ipv4OffSrcAddr  = 12
	ipv4OffDstAddr  = 16
	ipv4MinHdrLen   = 20

	ethOffEtherType = 12
	etherTypeIPv4   = 0x0800
)

// subCounters is the shared per-rule counter-update subroutine. Call
// convention: R1 = rule index, R2 = packet length.
const subCounters = "rule_counters"

// compiler carries one compile pass. A fresh compiler is built per
// Compile call; nothing is shared between passes.
type compiler struct {
	chain *ruleset.Chain
	fl    flavor.Flavor
	asm   *bytecode.Assembler

	needNetwork   bool
	needTransport bool
}

// Compile translates a validated chain into a program shaped by the
// flavor. Matchers the flavor cannot express yield
// UnsupportedMatcherError; a program over the instruction budget
// yields ProgramTooComplexError. Both are terminal for this input.
func Compile(chain *ruleset.Chain, fl flavor.Flavor, opts Options) (*Program, error) {
	if err := chain.Validate(); err != nil {
		return nil, err
	}

	c := &compiler{
		chain: chain,
		fl:    fl,
		asm:   bytecode.NewAssembler(opts.MaxInstructions),
	}
	if err := c.scanLayers(); err != nil {
		return nil, err
	}

	c.fl.EmitPrologue(c.asm)
	if err := c.emitParsers(); err != nil {
		return nil, err
	}
	for i := range chain.Rules {
		if err := c.emitRule(i); err != nil {
			return nil, err
		}
	}
	c.emitPolicy()

	insns, err := c.asm.Assemble()
	if err != nil {
		var tc *bytecode.TooComplexError
		if errors.As(err, &tc) {
			return nil, &ProgramTooComplexError{Chain: chain.Name, Inner: tc}
		}
		return nil, fmt.Errorf("assembling chain %q: %w", chain.Name, err)
	}

	slots := 0
	for _, r := range chain.Rules {
		if r.Counters {
			slots = len(chain.Rules)
			break
		}
	}

	return &Program{
		Chain:        chain.Name,
		Front:        chain.Front,
		Flavor:       fl.Name(),
		Insns:        insns,
		CounterSlots: slots,
		Fingerprint:  fingerprint(insns),
	}, nil
}

// scanLayers computes the minimal set of protocol layers the chain's
// matchers touch. Layers no matcher needs are never parsed.
func (c *compiler) scanLayers() error {
	for ri := range c.chain.Rules {
		for mi := range c.chain.Rules[ri].Matchers {
			m := &c.chain.Rules[ri].Matchers[mi]
			if err := c.checkSupported(m); err != nil {
				return err
			}
			switch m.Field.Layer() {
			case ruleset.LayerNetwork:
				c.needNetwork = true
			case ruleset.LayerTransport:
				c.needNetwork = true
				c.needTransport = true
			}
		}
	}
	return nil
}

func (c *compiler) checkSupported(m *ruleset.Matcher) error {
	unsupported := func(reason string) error {
		return &UnsupportedMatcherError{
			Matcher: m.String(),
			Flavor:  c.fl.Name(),
			Reason:  reason,
		}
	}

	if m.IsAddr() && m.Op != ruleset.CmpIn {
		if !m.Prefix.Addr().Is4() {
			return unsupported("only IPv4 addresses are compilable")
		}
	}
	if m.Op == ruleset.CmpIn {
		s := c.chain.Set(m.SetName)
		if s.Kind == ruleset.SetAddr {
			for _, p := range s.Prefixes {
				if !p.Addr().Is4() {
					return unsupported(fmt.Sprintf("set %q holds non-IPv4 element %s", s.Name, p))
				}
			}
		}
	}
	return nil
}

// emitParsers emits header-parsing code for exactly the layers the
// chain needs. A packet that fails a parse step simply never gets the
// corresponding layer tag; rules needing that layer then fall
// through, they do not abort the chain.
func (c *compiler) emitParsers() error {
	if !c.needNetwork {
		return nil
	}

	l3 := uint32(c.fl.NetworkOffset())

	// Link-layer flavors see the Ethernet header and must check the
	// EtherType; network-layer flavors start at the IP header.
	if l3 > 0 {
		c.asm.BranchImm(bytecode.OpJLtImm, bytecode.RegPktLen, l3, "parse_done")
		c.asm.Emit(
			bytecode.MovImm(bytecode.R1, 0),
			bytecode.LoadH(bytecode.R2, bytecode.R1, ethOffEtherType),
		)
		c.asm.BranchImm(bytecode.OpJNeImm, bytecode.R2, etherTypeIPv4, "parse_done")
	}

	// IPv4 header: bounds, then version.
	c.asm.BranchImm(bytecode.OpJLtImm, bytecode.RegPktLen, l3+ipv4MinHdrLen, "parse_done")
	c.asm.Emit(
		bytecode.LoadB(bytecode.R2, bytecode.RegL3Off, ipv4OffVerIHL),
		bytecode.MovReg(bytecode.R3, bytecode.R2),
		bytecode.RshImm(bytecode.R3, 4),
	)
	c.asm.BranchImm(bytecode.OpJNeImm, bytecode.R3, 4, "parse_done")
	c.asm.Emit(bytecode.OrImm(bytecode.RegLayers, bytecode.TagIPv4))

	if c.needTransport {
		// Transport offset = network base + IHL words * 4.
		c.asm.Emit(
			bytecode.AndImm(bytecode.R2, 0x0f),
			bytecode.LshImm(bytecode.R2, 2),
			bytecode.MovReg(bytecode.RegL4Off, bytecode.RegL3Off),
			bytecode.AddReg(bytecode.RegL4Off, bytecode.R2),
		)

		// Non-first fragments carry no transport header.
		c.asm.Emit(
			bytecode.LoadH(bytecode.R4, bytecode.RegL3Off, ipv4OffFragOff),
			bytecode.AndImm(bytecode.R4, 0x1fff),
		)
		c.asm.BranchImm(bytecode.OpJNeImm, bytecode.R4, 0, "parse_done")

		// Ports live in the first four transport bytes.
		c.asm.Emit(
			bytecode.MovReg(bytecode.R3, bytecode.RegL4Off),
			bytecode.AddImm(bytecode.R3, 4),
		)
		c.asm.Branch(bytecode.OpJLtReg, bytecode.RegPktLen, bytecode.R3, 0, "parse_done")

		c.asm.Emit(bytecode.LoadB(bytecode.R1, bytecode.RegL3Off, ipv4OffProtocol))
		c.asm.BranchImm(bytecode.OpJEqImm, bytecode.R1, ruleset.ProtoTCP, "tag_tcp")
		c.asm.BranchImm(bytecode.OpJEqImm, bytecode.R1, ruleset.ProtoUDP, "tag_udp")
		c.asm.Ja("parse_done")

		if err := c.asm.Label("tag_tcp"); err != nil {
			return err
		}
		c.asm.Emit(bytecode.OrImm(bytecode.RegLayers, bytecode.TagTCP))
		c.asm.Ja("parse_done")

		if err := c.asm.Label("tag_udp"); err != nil {
			return err
		}
		c.asm.Emit(bytecode.OrImm(bytecode.RegLayers, bytecode.TagUDP))
	}

	return c.asm.Label("parse_done")
}

// ruleTags returns the layer-tag mask a rule requires. A packet
// missing any of these tags cannot match the rule.
func ruleTags(r *ruleset.Rule) uint32 {
	var tags uint32
	for i := range r.Matchers {
		m := &r.Matchers[i]
		switch {
		case m.IsPort():
			tags |= bytecode.TagIPv4
			if m.Transport == ruleset.ProtoTCP {
				tags |= bytecode.TagTCP
			} else {
				tags |= bytecode.TagUDP
			}
		default:
			tags |= bytecode.TagIPv4
		}
	}
	return tags
}

// emitRule emits the short-circuiting conjunction for rule index ri.
// Any failed check jumps to the next rule; a full match updates
// counters (when enabled) and returns the rule's verdict.
func (c *compiler) emitRule(ri int) error {
	rule := &c.chain.Rules[ri]
	next := c.nextLabel(ri)

	// One guard for every layer the rule touches.
	if tags := ruleTags(rule); tags != 0 {
		c.asm.Emit(
			bytecode.MovReg(bytecode.R1, bytecode.RegLayers),
			bytecode.AndImm(bytecode.R1, tags),
		)
		c.asm.BranchImm(bytecode.OpJNeImm, bytecode.R1, tags, next)
	}

	for mi := range rule.Matchers {
		if err := c.emitMatcher(ri, mi, next); err != nil {
			return err
		}
	}

	if rule.Counters {
		c.asm.Emit(
			bytecode.MovImm(bytecode.R1, uint32(ri)),
			bytecode.MovReg(bytecode.R2, bytecode.RegPktLen),
		)
		c.asm.Call(subCounters)
		c.asm.Subroutine(subCounters, []bytecode.Instruction{
			bytecode.CntPkt(bytecode.R1),
			bytecode.CntByte(bytecode.R1, bytecode.R2),
			bytecode.Exit(),
		})
	}

	c.asm.Emit(
		bytecode.MovImm(bytecode.R0, c.fl.VerdictCode(rule.Verdict)),
		bytecode.Exit(),
	)

	return c.asm.Label(next)
}

func (c *compiler) nextLabel(ri int) string {
	if ri == len(c.chain.Rules)-1 {
		return "policy"
	}
	return fmt.Sprintf("rule_%d", ri+1)
}

// emitPolicy emits the chain epilogue: the default verdict returned
// when no rule matched. The "policy" label was placed by the last
// rule's fall-through; a chain with zero rules needs no label since
// evaluation reaches the epilogue directly.
func (c *compiler) emitPolicy() {
	c.asm.Emit(
		bytecode.MovImm(bytecode.R0, c.fl.VerdictCode(c.chain.Policy)),
		bytecode.Exit(),
	)
}

// emitMatcher emits one field test. skip is the label evaluation
// continues at when the matcher does not match.
func (c *compiler) emitMatcher(ri, mi int, skip string) error {
	m := &c.chain.Rules[ri].Matchers[mi]

	switch {
	case m.Op == ruleset.CmpIn:
		return c.emitSetMatcher(m, skip)
	case m.IsAddr():
		c.emitAddrTest(m.Field, m.Prefix, m.Op == ruleset.CmpNe, skip)
		return nil
	case m.IsPort():
		c.asm.Emit(bytecode.LoadH(bytecode.R2, bytecode.RegL4Off, portOffset(m.Field)))
		c.emitCompare(bytecode.R2, m.Op, m.Value, skip)
		return nil
	case m.Field == ruleset.FieldProtocol:
		c.asm.Emit(bytecode.LoadB(bytecode.R2, bytecode.RegL3Off, ipv4OffProtocol))
		c.emitCompare(bytecode.R2, m.Op, m.Value, skip)
		return nil
	}
	return &UnsupportedMatcherError{
		Matcher: m.String(),
		Flavor:  c.fl.Name(),
		Reason:  "no emitter for field",
	}
}

func portOffset(f ruleset.Field) int16 {
	if f == ruleset.FieldSrcPort {
		return 0
	}
	return 2
}

func addrOffset(f ruleset.Field) int16 {
	if f == ruleset.FieldSrcAddr {
		return ipv4OffSrcAddr
	}
	return ipv4OffDstAddr
}

// emitAddrTest loads the address field, applies the prefix mask, and
// skips on mismatch (or on match, when negated).
func (c *compiler) emitAddrTest(f ruleset.Field, p netip.Prefix, negate bool, skip string) {
	c.asm.Emit(bytecode.LoadW(bytecode.R2, bytecode.RegL3Off, addrOffset(f)))

	mask := prefixMask(p.Bits())
	want := addrBits(p.Addr()) & mask
	if p.Bits() < 32 {
		c.asm.Emit(bytecode.AndImm(bytecode.R2, mask))
	}
	if negate {
		c.asm.BranchImm(bytecode.OpJEqImm, bytecode.R2, want, skip)
	} else {
		c.asm.BranchImm(bytecode.OpJNeImm, bytecode.R2, want, skip)
	}
}

// emitCompare emits "skip unless (reg OP imm)" by branching on the
// inverted operator.
func (c *compiler) emitCompare(reg bytecode.Reg, op ruleset.CmpOp, imm uint32, skip string) {
	inverted := map[ruleset.CmpOp]bytecode.Op{
		ruleset.CmpEq: bytecode.OpJNeImm,
		ruleset.CmpNe: bytecode.OpJEqImm,
		ruleset.CmpLt: bytecode.OpJGeImm,
		ruleset.CmpLe: bytecode.OpJGtImm,
		ruleset.CmpGt: bytecode.OpJLeImm,
		ruleset.CmpGe: bytecode.OpJLtImm,
	}
	c.asm.BranchImm(inverted[op], reg, imm, skip)
}

// emitSetMatcher unrolls a membership test into an equality chain.
// Chain-owned sets are small by construction; large shared sets are a
// map concern that lives outside the per-chain compiler.
func (c *compiler) emitSetMatcher(m *ruleset.Matcher, skip string) error {
	s := c.chain.Set(m.SetName)
	hit := fmt.Sprintf("set_%s_%d_hit", m.SetName, c.asm.Len())

	switch s.Kind {
	case ruleset.SetAddr:
		c.asm.Emit(bytecode.LoadW(bytecode.R2, bytecode.RegL3Off, addrOffset(m.Field)))
		for _, p := range s.Prefixes {
			mask := prefixMask(p.Bits())
			want := addrBits(p.Addr()) & mask
			if p.Bits() < 32 {
				c.asm.Emit(
					bytecode.MovReg(bytecode.R3, bytecode.R2),
					bytecode.AndImm(bytecode.R3, mask),
				)
				c.asm.BranchImm(bytecode.OpJEqImm, bytecode.R3, want, hit)
			} else {
				c.asm.BranchImm(bytecode.OpJEqImm, bytecode.R2, want, hit)
			}
		}
	case ruleset.SetPort:
		c.asm.Emit(bytecode.LoadH(bytecode.R2, bytecode.RegL4Off, portOffset(m.Field)))
		for _, v := range s.Values {
			c.asm.BranchImm(bytecode.OpJEqImm, bytecode.R2, v, hit)
		}
	case ruleset.SetProtocol:
		c.asm.Emit(bytecode.LoadB(bytecode.R2, bytecode.RegL3Off, ipv4OffProtocol))
		for _, v := range s.Values {
			c.asm.BranchImm(bytecode.OpJEqImm, bytecode.R2, v, hit)
		}
	default:
		return &UnsupportedMatcherError{
			Matcher: m.String(),
			Flavor:  c.fl.Name(),
			Reason:  fmt.Sprintf("set kind %s", s.Kind),
		}
	}

	c.asm.Ja(skip)
	return c.asm.Label(hit)
}

func prefixMask(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	if bits >= 32 {
		return 0xffffffff
	}
	return ^uint32(0) << (32 - bits)
}

func addrBits(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}
