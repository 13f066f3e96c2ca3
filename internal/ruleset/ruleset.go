// Package ruleset defines the protocol-agnostic firewall rule model:
// chains of rules, rules made of matchers, and the named sets matchers
// can reference. The model is pure data. Front-end translators build
// it, the codegen engine consumes it.
//
// Chains are treated as immutable once handed to the engine: an update
// produces a new Chain value (see Clone) and the old one is retired
// only after its replacement program is confirmed attached.
package ruleset

import "fmt"

// Chain is a named, ordered ruleset bound to one hook with a default
// policy. A chain is attached to at most one (hook, interface) target
// at a time.
type Chain struct {
	// Name identifies the chain within its front.
	Name string

	// Front names the translator family that produced the chain
	// (for example "nftables" or "iptables"). It participates in the
	// context key so two fronts can own same-named chains.
	Front string

	// Hook is where compiled programs for this chain attach.
	Hook Hook

	// Policy is the chain verdict when no rule matches.
	Policy Verdict

	// Interface selects attachment targets for interface-scoped
	// hooks: a device name, InterfaceWildcard for all known devices,
	// or empty for hooks with global attachment.
	Interface string

	// Rules are evaluated in order; the first full match wins.
	Rules []Rule

	// Sets holds the named sets owned by this chain. Set lifetime is
	// bound to the chain.
	Sets map[string]*Set
}

// InterfaceWildcard selects every currently known interface.
const InterfaceWildcard = "*"

// Rule is an ordered conjunction of matchers plus a terminal verdict.
// A packet matches the rule only if every matcher matches.
type Rule struct {
	Matchers []Matcher
	Verdict  Verdict

	// Counters enables the per-rule packet/byte counter slot.
	Counters bool

	// Comment is carried through for operator-facing output only.
	Comment string
}

// Set returns the named set owned by the chain, or nil.
func (c *Chain) Set(name string) *Set {
	if c.Sets == nil {
		return nil
	}
	return c.Sets[name]
}

// IsWildcard reports whether the chain selects all interfaces.
func (c *Chain) IsWildcard() bool {
	return c.Interface == InterfaceWildcard
}

func (c *Chain) String() string {
	return fmt.Sprintf("%s/%s@%s", c.Front, c.Name, c.Hook)
}
