package engine

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icefall-net/icefall/internal/kernel"
	"github.com/icefall-net/icefall/internal/netwatch"
	"github.com/icefall-net/icefall/internal/program"
	"github.com/icefall-net/icefall/internal/ruleset"
	"github.com/icefall-net/icefall/internal/state"
)

func testChain(iface string, accept netip.Addr) *ruleset.Chain {
	return &ruleset.Chain{
		Name:      "input",
		Front:     "filter",
		Hook:      ruleset.HookIngress,
		Policy:    ruleset.VerdictDrop,
		Interface: iface,
		Rules: []ruleset.Rule{{
			Matchers: []ruleset.Matcher{ruleset.MatchAddr(ruleset.FieldSrcAddr, accept)},
			Verdict:  ruleset.VerdictAccept,
			Counters: true,
		}},
	}
}

func ipv4Packet(src netip.Addr) []byte {
	pkt := make([]byte, 14+20)
	pkt[12], pkt[13] = 0x08, 0x00
	ip := pkt[14:]
	ip[0] = 0x45
	ip[9] = 6
	copy(ip[12:16], src.AsSlice())
	copy(ip[16:20], netip.MustParseAddr("10.0.0.2").AsSlice())
	return pkt
}

func newTestContext(t *testing.T, f *kernel.Fake, store *state.Store) *Context {
	t.Helper()
	resolver := netwatch.NewStatic(program.Interface{Name: "eth0", Index: 2})
	return New(f, resolver, store, nil, Options{})
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApplyInstallsAndPersists(t *testing.T) {
	f := kernel.NewFake()
	store := openStore(t)
	c := newTestContext(t, f, store)
	require.NoError(t, c.Init())

	require.NoError(t, c.Apply(testChain("eth0", netip.MustParseAddr("192.168.1.131"))))

	target := kernel.AttachTarget{Hook: ruleset.HookIngress, Ifindex: 2}
	code, err := f.Run(target, ipv4Packet(netip.MustParseAddr("192.168.1.131")))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), code)

	code, err = f.Run(target, ipv4Packet(netip.MustParseAddr("192.168.1.99")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), code)

	// The mutation left a snapshot behind.
	_, err = store.Load()
	require.NoError(t, err)
}

func TestRestoreAdoptsSurvivingAttachments(t *testing.T) {
	f := kernel.NewFake()
	store := openStore(t)

	c1 := newTestContext(t, f, store)
	require.NoError(t, c1.Init())
	require.NoError(t, c1.Apply(testChain("eth0", netip.MustParseAddr("10.0.0.1"))))

	target := kernel.AttachTarget{Hook: ruleset.HookIngress, Ifindex: 2}
	_, err := f.Run(target, ipv4Packet(netip.MustParseAddr("10.0.0.1")))
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	// The attachment survives in the kernel. Restore must adopt it
	// rather than reload; a reload attempt would trip the injected
	// failure.
	f.FailLoad = errors.New("must not reload")
	c2 := newTestContext(t, f, store)
	require.NoError(t, c2.Init())
	f.FailLoad = nil

	require.Len(t, c2.Bindings(), 1)
	require.Len(t, c2.Chains(), 1)

	code, err := f.Run(target, ipv4Packet(netip.MustParseAddr("10.0.0.1")))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), code)

	// Adoption keeps the counter view, including counts accumulated
	// before the restart.
	view := c2.Bindings()[0].Counters()
	require.NotNil(t, view)
	counts, err := view.Rule(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counts.Packets)
}

func TestRestoreReinstallsLostAttachments(t *testing.T) {
	f1 := kernel.NewFake()
	store := openStore(t)

	c1 := newTestContext(t, f1, store)
	require.NoError(t, c1.Init())
	require.NoError(t, c1.Apply(testChain("eth0", netip.MustParseAddr("10.0.0.1"))))
	require.NoError(t, c1.Close())

	// A rebooted kernel reports no attachments; the snapshot alone
	// must be enough to rebuild enforcement.
	f2 := kernel.NewFake()
	c2 := newTestContext(t, f2, store)
	require.NoError(t, c2.Init())

	target := kernel.AttachTarget{Hook: ruleset.HookIngress, Ifindex: 2}
	assert.True(t, f2.Attached(target))
	code, err := f2.Run(target, ipv4Packet(netip.MustParseAddr("10.0.0.1")))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), code)
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	f := kernel.NewFake()
	store := openStore(t)
	require.NoError(t, store.Save([]byte("definitely not json")))

	c := newTestContext(t, f, store)
	err := c.Init()
	var perr *state.PersistenceError
	require.ErrorAs(t, err, &perr)

	// Empty but usable; the next mutation replaces the bad blob.
	assert.Empty(t, c.Chains())
	require.NoError(t, c.Apply(testChain("eth0", netip.MustParseAddr("10.0.0.1"))))

	c2 := newTestContext(t, kernel.NewFake(), store)
	require.NoError(t, c2.Init())
	assert.Len(t, c2.Chains(), 1)
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	f := kernel.NewFake()
	store := openStore(t)
	c := newTestContext(t, f, store)
	require.NoError(t, c.Init())

	require.NoError(t, c.Apply(testChain("eth0", netip.MustParseAddr("10.0.0.1"))))
	require.NoError(t, c.Delete("filter", "input"))

	target := kernel.AttachTarget{Hook: ruleset.HookIngress, Ifindex: 2}
	assert.False(t, f.Attached(target))
	assert.Empty(t, c.Bindings())

	// The removal persisted too.
	c2 := newTestContext(t, kernel.NewFake(), store)
	require.NoError(t, c2.Init())
	assert.Empty(t, c2.Chains())
}

func TestWildcardFollowsNewLinks(t *testing.T) {
	f := kernel.NewFake()
	store := openStore(t)
	resolver := netwatch.NewStatic(program.Interface{Name: "eth0", Index: 2})
	c := New(f, resolver, store, nil, Options{})
	require.NoError(t, c.Init())
	c.WatchInterfaces(resolver)

	require.NoError(t, c.Apply(testChain(ruleset.InterfaceWildcard, netip.MustParseAddr("10.0.0.1"))))
	assert.True(t, f.Attached(kernel.AttachTarget{Hook: ruleset.HookIngress, Ifindex: 2}))

	resolver.Add(program.Interface{Name: "eth1", Index: 3})
	assert.True(t, f.Attached(kernel.AttachTarget{Hook: ruleset.HookIngress, Ifindex: 3}))

	resolver.Remove("eth1")
	assert.Nil(t, c.mgr.Binding(kernel.AttachTarget{Hook: ruleset.HookIngress, Ifindex: 3}))
}

func TestPartialInstallFailureIsPersisted(t *testing.T) {
	f := kernel.NewFake()
	store := openStore(t)
	resolver := netwatch.NewStatic(
		program.Interface{Name: "eth0", Index: 2},
		program.Interface{Name: "eth1", Index: 3},
	)
	c1 := New(f, resolver, store, nil, Options{})
	require.NoError(t, c1.Init())

	// One of the two wildcard targets fails to attach; the other
	// keeps its new program and must make it into the snapshot.
	f.FailAttach = errors.New("hook refused")
	err := c1.Apply(testChain(ruleset.InterfaceWildcard, netip.MustParseAddr("10.0.0.1")))
	require.Error(t, err)
	require.Len(t, c1.Bindings(), 1)
	require.NoError(t, c1.Close())

	c2 := New(f, resolver, store, nil, Options{})
	require.NoError(t, c2.Init())
	require.Len(t, c2.Chains(), 1)
	require.NotEmpty(t, c2.Bindings())
}

func TestSnapshotFailureDoesNotFailMutation(t *testing.T) {
	f := kernel.NewFake()
	store := openStore(t)
	c := newTestContext(t, f, store)
	require.NoError(t, c.Init())

	// A dead store makes every snapshot write fail; the kernel-side
	// mutation must still go through.
	require.NoError(t, store.Close())
	require.NoError(t, c.Apply(testChain("eth0", netip.MustParseAddr("10.0.0.1"))))
	assert.True(t, f.Attached(kernel.AttachTarget{Hook: ruleset.HookIngress, Ifindex: 2}))
}

func TestApplyIsIdempotent(t *testing.T) {
	f := kernel.NewFake()
	store := openStore(t)
	c := newTestContext(t, f, store)
	require.NoError(t, c.Init())

	chain := testChain("eth0", netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, c.Apply(chain))
	first := c.Bindings()
	require.NoError(t, c.Apply(chain))
	second := c.Bindings()

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Handle, second[0].Handle)
}
