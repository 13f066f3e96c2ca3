package ruleset

import (
	"fmt"
	"net/netip"
)

// Field selects the packet field a matcher tests.
type Field uint8

const (
	// FieldSrcAddr is the network-layer source address.
	FieldSrcAddr Field = iota
	// FieldDstAddr is the network-layer destination address.
	FieldDstAddr
	// FieldProtocol is the network-layer protocol number (IPv4
	// protocol field).
	FieldProtocol
	// FieldSrcPort is the transport-layer source port.
	FieldSrcPort
	// FieldDstPort is the transport-layer destination port.
	FieldDstPort
)

func (f Field) String() string {
	switch f {
	case FieldSrcAddr:
		return "saddr"
	case FieldDstAddr:
		return "daddr"
	case FieldProtocol:
		return "proto"
	case FieldSrcPort:
		return "sport"
	case FieldDstPort:
		return "dport"
	}
	return "invalid"
}

// Layer is a protocol layer a matcher depends on. The codegen engine
// parses only the layers some matcher in the chain needs.
type Layer uint8

const (
	// LayerNetwork is the IP header.
	LayerNetwork Layer = 1 << iota
	// LayerTransport is the TCP/UDP header.
	LayerTransport
)

// Layer returns the protocol layer the field lives in.
func (f Field) Layer() Layer {
	switch f {
	case FieldSrcPort, FieldDstPort:
		return LayerTransport
	default:
		return LayerNetwork
	}
}

// CmpOp is a matcher comparison operator.
type CmpOp uint8

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
	// CmpIn tests membership in a named set owned by the chain.
	CmpIn
)

func (o CmpOp) String() string {
	switch o {
	case CmpEq:
		return "=="
	case CmpNe:
		return "!="
	case CmpLt:
		return "<"
	case CmpLe:
		return "<="
	case CmpGt:
		return ">"
	case CmpGe:
		return ">="
	case CmpIn:
		return "in"
	}
	return "?"
}

// Transport protocol numbers used by port matchers.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// Matcher is a single field test. A rule matches a packet only if all
// of its matchers match. A matcher whose layer is absent from the
// packet makes the rule unmatchable for that packet; it is not an
// error and evaluation continues with the next rule.
type Matcher struct {
	Field Field
	Op    CmpOp

	// Prefix is the reference value for address fields. A host
	// address is a full-length prefix.
	Prefix netip.Prefix

	// Value is the reference value for numeric fields (protocol
	// number, port).
	Value uint32

	// Transport qualifies port matchers with the transport protocol
	// carrying the port (ProtoTCP or ProtoUDP). A port matcher also
	// implies a protocol test against this value.
	Transport uint8

	// SetName references a chain-owned set when Op is CmpIn.
	SetName string
}

// IsAddr reports whether the matcher tests an address field.
func (m *Matcher) IsAddr() bool {
	return m.Field == FieldSrcAddr || m.Field == FieldDstAddr
}

// IsPort reports whether the matcher tests a transport port.
func (m *Matcher) IsPort() bool {
	return m.Field == FieldSrcPort || m.Field == FieldDstPort
}

func (m *Matcher) String() string {
	if m.Op == CmpIn {
		return fmt.Sprintf("%s in @%s", m.Field, m.SetName)
	}
	if m.IsAddr() {
		return fmt.Sprintf("%s %s %s", m.Field, m.Op, m.Prefix)
	}
	return fmt.Sprintf("%s %s %d", m.Field, m.Op, m.Value)
}

// MatchAddr builds an equality matcher for a host address.
func MatchAddr(field Field, addr netip.Addr) Matcher {
	return Matcher{
		Field:  field,
		Op:     CmpEq,
		Prefix: netip.PrefixFrom(addr, addr.BitLen()),
	}
}

// MatchPrefix builds an equality matcher for an address prefix.
func MatchPrefix(field Field, prefix netip.Prefix) Matcher {
	return Matcher{Field: field, Op: CmpEq, Prefix: prefix}
}

// MatchPort builds a port matcher for the given transport protocol.
func MatchPort(field Field, transport uint8, op CmpOp, port uint16) Matcher {
	return Matcher{Field: field, Op: op, Value: uint32(port), Transport: transport}
}

// MatchProtocol builds an equality matcher on the IP protocol field.
func MatchProtocol(proto uint8) Matcher {
	return Matcher{Field: FieldProtocol, Op: CmpEq, Value: uint32(proto)}
}
