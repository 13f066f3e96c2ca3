package kernel

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icefall-net/icefall/internal/codegen"
	"github.com/icefall-net/icefall/internal/flavor"
	"github.com/icefall-net/icefall/internal/ruleset"
)

// testPacket builds an ethernet+IPv4 frame from src to dst with the
// given payload length baked into the IP total length field.
func testPacket(src, dst netip.Addr) []byte {
	pkt := make([]byte, 14+20+20)
	pkt[12], pkt[13] = 0x08, 0x00
	ip := pkt[14:]
	ip[0] = 0x45
	ip[2], ip[3] = 0, 40
	ip[9] = 6 // TCP
	copy(ip[12:16], src.AsSlice())
	copy(ip[16:20], dst.AsSlice())
	return pkt
}

func compileTestChain(t *testing.T, counters bool) *codegen.Program {
	t.Helper()
	chain := &ruleset.Chain{
		Name:      "input",
		Front:     "filter",
		Hook:      ruleset.HookIngress,
		Policy:    ruleset.VerdictDrop,
		Interface: "eth0",
		Rules: []ruleset.Rule{
			{
				Matchers: []ruleset.Matcher{
					ruleset.MatchAddr(ruleset.FieldSrcAddr, netip.MustParseAddr("10.0.0.1")),
				},
				Verdict:  ruleset.VerdictAccept,
				Counters: counters,
			},
		},
	}
	fl, err := flavor.ForHook(chain.Hook)
	require.NoError(t, err)
	prog, err := codegen.Compile(chain, fl, codegen.Options{})
	require.NoError(t, err)
	return prog
}

func installTestProgram(t *testing.T, f *Fake, prog *codegen.Program, target AttachTarget) (ProgRef, MapRef, LinkRef) {
	t.Helper()
	var m MapRef
	if prog.CounterSlots > 0 {
		var err error
		m, err = f.CreateMap(MapSpec{Name: "counters", Slots: prog.CounterSlots})
		require.NoError(t, err)
	}
	p, err := f.Load(prog, m)
	require.NoError(t, err)
	l, err := f.Attach(p, target)
	require.NoError(t, err)
	return p, m, l
}

func TestFakeRunVerdicts(t *testing.T) {
	f := NewFake()
	target := AttachTarget{Hook: ruleset.HookIngress, Ifindex: 2}
	installTestProgram(t, f, compileTestChain(t, true), target)

	code, err := f.Run(target, testPacket(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), code, "matched source should pass")

	code, err = f.Run(target, testPacket(netip.MustParseAddr("10.0.0.9"), netip.MustParseAddr("10.0.0.2")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), code, "unmatched source should hit drop policy")
}

func TestFakeCountersAccumulate(t *testing.T) {
	f := NewFake()
	target := AttachTarget{Hook: ruleset.HookIngress, Ifindex: 2}
	_, m, _ := installTestProgram(t, f, compileTestChain(t, true), target)

	pkt := testPacket(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"))
	for i := 0; i < 3; i++ {
		_, err := f.Run(target, pkt)
		require.NoError(t, err)
	}
	// A miss must not count against the rule's slot.
	_, err := f.Run(target, testPacket(netip.MustParseAddr("10.0.0.9"), netip.MustParseAddr("10.0.0.2")))
	require.NoError(t, err)

	c, err := f.ReadMap(m, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.Packets)
	assert.Equal(t, uint64(3*len(pkt)), c.Bytes)

	_, err = f.ReadMap(m, 1)
	assert.Error(t, err, "out-of-range slot")
}

func TestFakeLoadRejection(t *testing.T) {
	f := NewFake()
	f.FailLoad = errors.New("verifier says no")

	_, err := f.Load(compileTestChain(t, false), nil)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "load", rej.Op)
	assert.Contains(t, rej.Error(), "verifier says no")

	// Injection is one-shot.
	_, err = f.Load(compileTestChain(t, false), nil)
	assert.NoError(t, err)
}

func TestFakeAttachRejection(t *testing.T) {
	f := NewFake()
	p, err := f.Load(compileTestChain(t, false), nil)
	require.NoError(t, err)

	f.FailAttach = errors.New("hook busy")
	_, err = f.Attach(p, AttachTarget{Hook: ruleset.HookIngress, Ifindex: 1})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "attach", rej.Op)
}

func TestFakeMakeBeforeBreak(t *testing.T) {
	f := NewFake()
	target := AttachTarget{Hook: ruleset.HookIngress, Ifindex: 3}

	_, _, oldLink := installTestProgram(t, f, compileTestChain(t, false), target)

	// Attaching a replacement takes over the target; detaching the
	// superseded link afterwards must not disturb it.
	_, _, _ = installTestProgram(t, f, compileTestChain(t, false), target)
	require.NoError(t, f.Detach(oldLink))
	assert.True(t, f.Attached(target))

	// Detach is idempotent.
	require.NoError(t, f.Detach(oldLink))
}

func TestFakeListAndAdopt(t *testing.T) {
	f := NewFake()
	target := AttachTarget{Hook: ruleset.HookIngress, Ifindex: 4}
	prog := compileTestChain(t, true)
	installTestProgram(t, f, prog, target)

	attached, err := f.ListAttached()
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.Equal(t, target, attached[0].Target)
	assert.Equal(t, prog.Fingerprint, attached[0].Fingerprint)

	p, m, l, err := f.Adopt(attached[0])
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.NotNil(t, m)
	assert.NotNil(t, l)

	_, _, _, err = f.Adopt(Attachment{Target: target, Fingerprint: "deadbeef"})
	assert.Error(t, err, "fingerprint mismatch must not adopt")
}
