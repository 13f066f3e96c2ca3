package ruleset

import "net/netip"

// Clone returns a deep copy of the chain. Updates always go through a
// copy: the engine never edits a chain that may still back an
// attached program.
func (c *Chain) Clone() *Chain {
	nc := *c
	nc.Rules = make([]Rule, len(c.Rules))
	for i, r := range c.Rules {
		nr := r
		nr.Matchers = append([]Matcher(nil), r.Matchers...)
		nc.Rules[i] = nr
	}
	if c.Sets != nil {
		nc.Sets = make(map[string]*Set, len(c.Sets))
		for name, s := range c.Sets {
			ns := *s
			ns.Prefixes = append([]netip.Prefix(nil), s.Prefixes...)
			ns.Values = append([]uint32(nil), s.Values...)
			nc.Sets[name] = &ns
		}
	}
	return &nc
}
