package flavor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icefall-net/icefall/internal/bytecode"
	"github.com/icefall-net/icefall/internal/ruleset"
)

func TestForHook(t *testing.T) {
	tests := []struct {
		hook   ruleset.Hook
		name   string
		scoped bool
		l3Off  int16
	}{
		{ruleset.HookIngress, "ingress", true, 14},
		{ruleset.HookTrafficControl, "tc", true, 14},
		{ruleset.HookNetfilterInput, "netfilter", false, 0},
		{ruleset.HookNetfilterForward, "netfilter", false, 0},
		{ruleset.HookNetfilterOutput, "netfilter", false, 0},
		{ruleset.HookCgroupIngress, "cgroup", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.hook.String(), func(t *testing.T) {
			f, err := ForHook(tt.hook)
			require.NoError(t, err)
			assert.Equal(t, tt.name, f.Name())
			assert.Equal(t, tt.scoped, f.InterfaceScoped())
			assert.Equal(t, tt.l3Off, f.NetworkOffset())
		})
	}

	_, err := ForHook(ruleset.Hook(200))
	assert.Error(t, err)
}

func TestVerdictCodes(t *testing.T) {
	// Each flavor maps both verdicts to distinct native codes.
	hooks := []ruleset.Hook{
		ruleset.HookIngress,
		ruleset.HookTrafficControl,
		ruleset.HookNetfilterInput,
		ruleset.HookCgroupIngress,
	}
	for _, h := range hooks {
		f, err := ForHook(h)
		require.NoError(t, err)
		accept := f.VerdictCode(ruleset.VerdictAccept)
		drop := f.VerdictCode(ruleset.VerdictDrop)
		assert.NotEqual(t, accept, drop, "flavor %s", f.Name())
	}

	// Spot-check the driver-level encoding.
	f, _ := ForHook(ruleset.HookIngress)
	assert.Equal(t, uint32(2), f.VerdictCode(ruleset.VerdictAccept))
	assert.Equal(t, uint32(1), f.VerdictCode(ruleset.VerdictDrop))
}

func TestPrologueEstablishesContext(t *testing.T) {
	f, _ := ForHook(ruleset.HookIngress)

	a := bytecode.NewAssembler(0)
	f.EmitPrologue(a)
	a.Emit(
		bytecode.MovReg(bytecode.R0, bytecode.RegPktLen),
		bytecode.Exit(),
	)
	prog, err := a.Assemble()
	require.NoError(t, err)

	ret, err := bytecode.Evaluate(prog, make([]byte, 60), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), ret)
}
