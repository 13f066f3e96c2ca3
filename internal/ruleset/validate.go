package ruleset

import "fmt"

// ValidationError reports a malformed chain. It is terminal for the
// submitted chain; resubmitting the same chain cannot succeed.
type ValidationError struct {
	Chain  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid chain %q: %s", e.Chain, e.Reason)
}

func (c *Chain) invalid(format string, args ...any) error {
	return &ValidationError{Chain: c.Name, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the chain's structural invariants: a terminal
// policy, terminal rule verdicts, well-formed matchers, and set
// references that resolve to chain-owned sets of the right kind.
func (c *Chain) Validate() error {
	if c.Name == "" {
		return c.invalid("chain has no name")
	}
	if !c.Hook.Valid() {
		return c.invalid("unknown hook %d", c.Hook)
	}
	if !c.Policy.Terminal() {
		return c.invalid("policy %d is not a terminal verdict", c.Policy)
	}
	if c.Hook.InterfaceScoped() && c.Interface == "" {
		return c.invalid("hook %s requires an interface selector", c.Hook)
	}
	if !c.Hook.InterfaceScoped() && c.Interface != "" {
		return c.invalid("hook %s does not take an interface selector", c.Hook)
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		if !r.Verdict.Terminal() {
			return c.invalid("rule %d: verdict %d is not terminal", i, r.Verdict)
		}
		for j := range r.Matchers {
			if err := c.validateMatcher(i, &r.Matchers[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Chain) validateMatcher(rule int, m *Matcher) error {
	switch {
	case m.Op == CmpIn:
		s := c.Set(m.SetName)
		if s == nil {
			return c.invalid("rule %d: matcher %s references unknown set %q", rule, m.Field, m.SetName)
		}
		want := SetProtocol
		if m.IsAddr() {
			want = SetAddr
		} else if m.IsPort() {
			want = SetPort
		}
		if s.Kind != want {
			return c.invalid("rule %d: set %q has kind %s, matcher %s needs %s",
				rule, m.SetName, s.Kind, m.Field, want)
		}
		if s.Len() == 0 {
			return c.invalid("rule %d: set %q is empty", rule, m.SetName)
		}
		if m.IsPort() && m.Transport != ProtoTCP && m.Transport != ProtoUDP {
			return c.invalid("rule %d: port matcher %s needs a TCP or UDP transport", rule, m.Field)
		}

	case m.IsAddr():
		if !m.Prefix.IsValid() {
			return c.invalid("rule %d: matcher %s has no address", rule, m.Field)
		}
		if m.Op != CmpEq && m.Op != CmpNe {
			return c.invalid("rule %d: operator %s not supported on %s", rule, m.Op, m.Field)
		}

	case m.IsPort():
		if m.Transport != ProtoTCP && m.Transport != ProtoUDP {
			return c.invalid("rule %d: port matcher %s needs a TCP or UDP transport", rule, m.Field)
		}
		if m.Value > 0xffff {
			return c.invalid("rule %d: port %d out of range", rule, m.Value)
		}

	case m.Field == FieldProtocol:
		if m.Value > 0xff {
			return c.invalid("rule %d: protocol %d out of range", rule, m.Value)
		}

	default:
		return c.invalid("rule %d: unknown field %d", rule, m.Field)
	}
	return nil
}
