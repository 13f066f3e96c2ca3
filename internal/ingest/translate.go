// Package ingest translates google/nftables rule graphs into the
// ruleset model. It consumes the typed expression form (payload loads,
// comparisons, set lookups, verdicts) directly, so anything that can
// build an nftables chain in memory can feed the compiler without
// going through a text representation.
package ingest

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/icefall-net/icefall/internal/ruleset"
)

// Error reports an expression graph the translator cannot express in
// the ruleset model.
type Error struct {
	Chain  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingesting chain %q: %s", e.Chain, e.Reason)
}

// Source is one nftables chain with its rules and the sets they
// reference.
type Source struct {
	Chain *nftables.Chain
	Rules []*nftables.Rule
	Sets  []SetSource
}

// SetSource is one nftables set with its elements.
type SetSource struct {
	Set      *nftables.Set
	Elements []nftables.SetElement
}

// Translate converts an nftables chain into a ruleset chain. The
// result is validated before it is returned.
func Translate(src Source) (*ruleset.Chain, error) {
	if src.Chain == nil {
		return nil, &Error{Reason: "nil chain"}
	}
	name := src.Chain.Name

	hook, iface, err := translateHook(src.Chain)
	if err != nil {
		return nil, err
	}

	policy := ruleset.VerdictDrop
	if src.Chain.Policy != nil && *src.Chain.Policy == nftables.ChainPolicyAccept {
		policy = ruleset.VerdictAccept
	}

	out := &ruleset.Chain{
		Name:      name,
		Front:     tableName(src.Chain),
		Hook:      hook,
		Policy:    policy,
		Interface: iface,
	}

	for _, s := range src.Sets {
		set, err := translateSet(name, s)
		if err != nil {
			return nil, err
		}
		if out.Sets == nil {
			out.Sets = make(map[string]*ruleset.Set, len(src.Sets))
		}
		out.Sets[set.Name] = &set
	}

	for i, r := range src.Rules {
		rule, err := translateRule(name, i, r)
		if err != nil {
			return nil, err
		}
		out.Rules = append(out.Rules, rule)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func tableName(ch *nftables.Chain) string {
	if ch.Table != nil {
		return ch.Table.Name
	}
	return "filter"
}

func translateHook(ch *nftables.Chain) (ruleset.Hook, string, error) {
	if ch.Hooknum == nil {
		return 0, "", &Error{Chain: ch.Name, Reason: "chain has no hook"}
	}
	switch *ch.Hooknum {
	case *nftables.ChainHookIngress:
		if ch.Device == "" {
			return ruleset.HookIngress, ruleset.InterfaceWildcard, nil
		}
		return ruleset.HookIngress, ch.Device, nil
	case *nftables.ChainHookInput:
		return ruleset.HookNetfilterInput, "", nil
	case *nftables.ChainHookForward:
		return ruleset.HookNetfilterForward, "", nil
	case *nftables.ChainHookOutput:
		return ruleset.HookNetfilterOutput, "", nil
	default:
		return 0, "", &Error{Chain: ch.Name, Reason: fmt.Sprintf("unsupported hook %d", *ch.Hooknum)}
	}
}

func translateSet(chain string, s SetSource) (ruleset.Set, error) {
	out := ruleset.Set{Name: s.Set.Name}
	switch s.Set.KeyType {
	case nftables.TypeIPAddr:
		out.Kind = ruleset.SetAddr
		for _, e := range s.Elements {
			if len(e.Key) != 4 {
				return out, &Error{Chain: chain, Reason: fmt.Sprintf("set %q: element key length %d", s.Set.Name, len(e.Key))}
			}
			addr, _ := netip.AddrFromSlice(e.Key)
			out.Prefixes = append(out.Prefixes, netip.PrefixFrom(addr, 32))
		}
	case nftables.TypeInetService:
		out.Kind = ruleset.SetPort
		for _, e := range s.Elements {
			if len(e.Key) != 2 {
				return out, &Error{Chain: chain, Reason: fmt.Sprintf("set %q: element key length %d", s.Set.Name, len(e.Key))}
			}
			out.Values = append(out.Values, uint32(binary.BigEndian.Uint16(e.Key)))
		}
	case nftables.TypeInetProto:
		out.Kind = ruleset.SetProtocol
		for _, e := range s.Elements {
			if len(e.Key) != 1 {
				return out, &Error{Chain: chain, Reason: fmt.Sprintf("set %q: element key length %d", s.Set.Name, len(e.Key))}
			}
			out.Values = append(out.Values, uint32(e.Key[0]))
		}
	default:
		return out, &Error{Chain: chain, Reason: fmt.Sprintf("set %q: unsupported key type %s", s.Set.Name, s.Set.KeyType.Name)}
	}
	return out, nil
}

// ruleState carries the pending payload/meta load and mask between
// expressions while walking one rule left to right.
type ruleState struct {
	field     ruleset.Field
	fieldSet  bool
	metaProto bool
	mask      []byte

	// transport is the most recent protocol equality in the rule; it
	// qualifies any later port matcher.
	transport uint8
}

func translateRule(chain string, index int, r *nftables.Rule) (ruleset.Rule, error) {
	var (
		out ruleset.Rule
		st  ruleState
	)
	fail := func(format string, args ...any) (ruleset.Rule, error) {
		return out, &Error{Chain: chain, Reason: fmt.Sprintf("rule %d: %s", index, fmt.Sprintf(format, args...))}
	}

	for _, e := range r.Exprs {
		switch ex := e.(type) {
		case *expr.Meta:
			if ex.Key != expr.MetaKeyL4PROTO {
				return fail("unsupported meta key %d", ex.Key)
			}
			st.metaProto = true
			st.fieldSet = false
			st.mask = nil

		case *expr.Payload:
			field, err := payloadField(ex)
			if err != nil {
				return fail("%v", err)
			}
			st.field = field
			st.fieldSet = true
			st.metaProto = false
			st.mask = nil

		case *expr.Bitwise:
			if !st.fieldSet {
				return fail("bitwise without a payload load")
			}
			st.mask = ex.Mask

		case *expr.Cmp:
			m, err := finishCmp(&st, ex)
			if err != nil {
				return fail("%v", err)
			}
			out.Matchers = append(out.Matchers, m)

		case *expr.Lookup:
			if !st.fieldSet {
				return fail("set lookup without a payload load")
			}
			m := ruleset.Matcher{Field: st.field, Op: ruleset.CmpIn, SetName: ex.SetName}
			if m.IsPort() {
				if st.transport == 0 {
					return fail("port set lookup without a transport qualifier")
				}
				m.Transport = st.transport
			}
			out.Matchers = append(out.Matchers, m)
			st.fieldSet = false

		case *expr.Counter:
			out.Counters = true

		case *expr.Verdict:
			switch ex.Kind {
			case expr.VerdictAccept:
				out.Verdict = ruleset.VerdictAccept
			case expr.VerdictDrop:
				out.Verdict = ruleset.VerdictDrop
			default:
				return fail("unsupported verdict kind %d", ex.Kind)
			}

		default:
			return fail("unsupported expression %T", e)
		}
	}
	return out, nil
}

func payloadField(p *expr.Payload) (ruleset.Field, error) {
	switch p.Base {
	case expr.PayloadBaseNetworkHeader:
		switch {
		case p.Offset == 12 && p.Len == 4:
			return ruleset.FieldSrcAddr, nil
		case p.Offset == 16 && p.Len == 4:
			return ruleset.FieldDstAddr, nil
		case p.Offset == 9 && p.Len == 1:
			return ruleset.FieldProtocol, nil
		}
	case expr.PayloadBaseTransportHeader:
		switch {
		case p.Offset == 0 && p.Len == 2:
			return ruleset.FieldSrcPort, nil
		case p.Offset == 2 && p.Len == 2:
			return ruleset.FieldDstPort, nil
		}
	}
	return 0, fmt.Errorf("unsupported payload load base=%d offset=%d len=%d", p.Base, p.Offset, p.Len)
}

func cmpOp(op expr.CmpOp) (ruleset.CmpOp, error) {
	switch op {
	case expr.CmpOpEq:
		return ruleset.CmpEq, nil
	case expr.CmpOpNeq:
		return ruleset.CmpNe, nil
	case expr.CmpOpLt:
		return ruleset.CmpLt, nil
	case expr.CmpOpLte:
		return ruleset.CmpLe, nil
	case expr.CmpOpGt:
		return ruleset.CmpGt, nil
	case expr.CmpOpGte:
		return ruleset.CmpGe, nil
	}
	return 0, fmt.Errorf("unsupported comparison %d", op)
}

func finishCmp(st *ruleState, c *expr.Cmp) (ruleset.Matcher, error) {
	op, err := cmpOp(c.Op)
	if err != nil {
		return ruleset.Matcher{}, err
	}

	if st.metaProto {
		st.metaProto = false
		if len(c.Data) != 1 {
			return ruleset.Matcher{}, fmt.Errorf("meta l4proto compare with %d bytes", len(c.Data))
		}
		if op == ruleset.CmpEq {
			st.transport = c.Data[0]
		}
		m := ruleset.MatchProtocol(c.Data[0])
		m.Op = op
		return m, nil
	}

	if !st.fieldSet {
		return ruleset.Matcher{}, fmt.Errorf("compare without a payload load")
	}
	field := st.field
	mask := st.mask
	st.fieldSet = false
	st.mask = nil

	switch field {
	case ruleset.FieldSrcAddr, ruleset.FieldDstAddr:
		if len(c.Data) != 4 {
			return ruleset.Matcher{}, fmt.Errorf("address compare with %d bytes", len(c.Data))
		}
		addr, _ := netip.AddrFromSlice(c.Data)
		bits := 32
		if mask != nil {
			bits, err = maskBits(mask)
			if err != nil {
				return ruleset.Matcher{}, err
			}
		}
		return ruleset.Matcher{Field: field, Op: op, Prefix: netip.PrefixFrom(addr, bits)}, nil

	case ruleset.FieldProtocol:
		if len(c.Data) != 1 {
			return ruleset.Matcher{}, fmt.Errorf("protocol compare with %d bytes", len(c.Data))
		}
		if op == ruleset.CmpEq {
			st.transport = c.Data[0]
		}
		return ruleset.Matcher{Field: field, Op: op, Value: uint32(c.Data[0])}, nil

	case ruleset.FieldSrcPort, ruleset.FieldDstPort:
		if len(c.Data) != 2 {
			return ruleset.Matcher{}, fmt.Errorf("port compare with %d bytes", len(c.Data))
		}
		if st.transport == 0 {
			return ruleset.Matcher{}, fmt.Errorf("port compare without a transport qualifier")
		}
		return ruleset.Matcher{
			Field:     field,
			Op:        op,
			Value:     uint32(binary.BigEndian.Uint16(c.Data)),
			Transport: st.transport,
		}, nil
	}
	return ruleset.Matcher{}, fmt.Errorf("compare on unknown field")
}

// maskBits converts a contiguous network mask to a prefix length.
func maskBits(mask []byte) (int, error) {
	bits := 0
	seenZero := false
	for _, b := range mask {
		for i := 7; i >= 0; i-- {
			if b&(1<<i) != 0 {
				if seenZero {
					return 0, fmt.Errorf("non-contiguous mask %x", mask)
				}
				bits++
			} else {
				seenZero = true
			}
		}
	}
	return bits, nil
}
