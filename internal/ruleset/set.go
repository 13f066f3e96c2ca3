package ruleset

import "net/netip"

// SetKind is the element type of a set.
type SetKind uint8

const (
	// SetAddr holds address prefixes.
	SetAddr SetKind = iota
	// SetPort holds transport port numbers.
	SetPort
	// SetProtocol holds IP protocol numbers.
	SetProtocol
)

func (k SetKind) String() string {
	switch k {
	case SetAddr:
		return "addr"
	case SetPort:
		return "port"
	case SetProtocol:
		return "protocol"
	}
	return "invalid"
}

// Set is a named value collection usable by CmpIn matchers. Sets are
// owned by their chain and share its lifetime.
type Set struct {
	Name string
	Kind SetKind

	// Prefixes holds the elements of a SetAddr set.
	Prefixes []netip.Prefix

	// Values holds the elements of a SetPort or SetProtocol set.
	Values []uint32
}

// Len returns the element count.
func (s *Set) Len() int {
	if s.Kind == SetAddr {
		return len(s.Prefixes)
	}
	return len(s.Values)
}

// ContainsAddr reports whether any prefix in the set covers addr.
// Used by the bytecode evaluator in tests; compiled programs carry
// their own unrolled membership checks.
func (s *Set) ContainsAddr(addr netip.Addr) bool {
	for _, p := range s.Prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ContainsValue reports whether v is an element of a numeric set.
func (s *Set) ContainsValue(v uint32) bool {
	for _, e := range s.Values {
		if e == v {
			return true
		}
	}
	return false
}
