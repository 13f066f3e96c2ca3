//go:build linux

package kernel

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icefall-net/icefall/internal/codegen"
	"github.com/icefall-net/icefall/internal/flavor"
	"github.com/icefall-net/icefall/internal/ruleset"
)

func lowerTestChain(t *testing.T, rules ...ruleset.Rule) *codegen.Program {
	t.Helper()
	chain := &ruleset.Chain{
		Name:      "input",
		Front:     "filter",
		Hook:      ruleset.HookIngress,
		Policy:    ruleset.VerdictDrop,
		Interface: "eth0",
		Rules:     rules,
	}
	fl, err := flavor.ForHook(chain.Hook)
	require.NoError(t, err)
	prog, err := codegen.Compile(chain, fl, codegen.Options{})
	require.NoError(t, err)
	return prog
}

func countingRule(addr string) ruleset.Rule {
	return ruleset.Rule{
		Matchers: []ruleset.Matcher{
			ruleset.MatchAddr(ruleset.FieldSrcAddr, netip.MustParseAddr(addr)),
		},
		Verdict:  ruleset.VerdictAccept,
		Counters: true,
	}
}

// The counter subroutine is inlined at every call site; each copy
// must carry its own branch labels or the kernel assembler rejects
// the program for duplicate symbols.
func TestLowerUniqueSymbolsAcrossCallSites(t *testing.T) {
	prog := lowerTestChain(t,
		countingRule("10.0.0.1"),
		countingRule("10.0.0.2"),
		countingRule("10.0.0.3"),
	)
	require.Equal(t, 3, prog.CounterSlots)

	out, err := lower(prog.Insns, kindXDP, 1)
	require.NoError(t, err)

	seen := map[string]int{}
	for idx, ins := range out {
		if sym := ins.Symbol(); sym != "" {
			prev, dup := seen[sym]
			require.Falsef(t, dup, "symbol %q at %d and %d", sym, prev, idx)
			seen[sym] = idx
		}
	}
}

// Every branch reference in the lowered program must resolve to an
// emitted symbol, including targets past the inlined regions.
func TestLowerReferencesResolve(t *testing.T) {
	prog := lowerTestChain(t,
		countingRule("10.0.0.1"),
		countingRule("10.0.0.2"),
	)

	out, err := lower(prog.Insns, kindSKB, 1)
	require.NoError(t, err)

	syms := map[string]bool{}
	for _, ins := range out {
		if sym := ins.Symbol(); sym != "" {
			syms[sym] = true
		}
	}
	for _, ins := range out {
		if ref := ins.Reference(); ref != "" {
			assert.Truef(t, syms[ref], "unresolved reference %q", ref)
		}
	}
}
