package ruleset

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func validChain() *Chain {
	return &Chain{
		Name:      "input",
		Front:     "nftables",
		Hook:      HookIngress,
		Policy:    VerdictDrop,
		Interface: "eth0",
		Rules: []Rule{
			{
				Matchers: []Matcher{MatchAddr(FieldSrcAddr, addr("192.168.1.131"))},
				Verdict:  VerdictAccept,
				Counters: true,
			},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Chain)
		wantErr string
	}{
		{
			name:   "valid chain",
			mutate: func(c *Chain) {},
		},
		{
			name:    "missing name",
			mutate:  func(c *Chain) { c.Name = "" },
			wantErr: "no name",
		},
		{
			name:    "missing interface on scoped hook",
			mutate:  func(c *Chain) { c.Interface = "" },
			wantErr: "requires an interface",
		},
		{
			name: "interface on global hook",
			mutate: func(c *Chain) {
				c.Hook = HookNetfilterInput
			},
			wantErr: "does not take an interface",
		},
		{
			name:    "bad policy",
			mutate:  func(c *Chain) { c.Policy = Verdict(99) },
			wantErr: "not a terminal verdict",
		},
		{
			name: "unknown set reference",
			mutate: func(c *Chain) {
				c.Rules[0].Matchers = []Matcher{{
					Field: FieldSrcAddr, Op: CmpIn, SetName: "ghost",
				}}
			},
			wantErr: "unknown set",
		},
		{
			name: "set kind mismatch",
			mutate: func(c *Chain) {
				c.Sets = map[string]*Set{
					"ports": {Name: "ports", Kind: SetPort, Values: []uint32{22}},
				}
				c.Rules[0].Matchers = []Matcher{{
					Field: FieldSrcAddr, Op: CmpIn, SetName: "ports",
				}}
			},
			wantErr: "has kind port",
		},
		{
			name: "port matcher without transport",
			mutate: func(c *Chain) {
				c.Rules[0].Matchers = []Matcher{{
					Field: FieldDstPort, Op: CmpEq, Value: 22,
				}}
			},
			wantErr: "needs a TCP or UDP transport",
		},
		{
			name: "range operator on address",
			mutate: func(c *Chain) {
				c.Rules[0].Matchers[0].Op = CmpLt
			},
			wantErr: "not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validChain()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := validChain()
	c.Sets = map[string]*Set{
		"lan": {Name: "lan", Kind: SetAddr, Prefixes: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/8"),
		}},
	}

	cp := c.Clone()
	cp.Rules[0].Verdict = VerdictDrop
	cp.Rules[0].Matchers[0].Value = 99
	cp.Sets["lan"].Prefixes[0] = netip.MustParsePrefix("172.16.0.0/12")

	assert.Equal(t, VerdictAccept, c.Rules[0].Verdict)
	assert.Equal(t, uint32(0), c.Rules[0].Matchers[0].Value)
	assert.Equal(t, "10.0.0.0/8", c.Sets["lan"].Prefixes[0].String())
}

func TestFieldLayer(t *testing.T) {
	assert.Equal(t, LayerNetwork, FieldSrcAddr.Layer())
	assert.Equal(t, LayerNetwork, FieldProtocol.Layer())
	assert.Equal(t, LayerTransport, FieldSrcPort.Layer())
	assert.Equal(t, LayerTransport, FieldDstPort.Layer())
}

func TestSetContains(t *testing.T) {
	s := &Set{Kind: SetAddr, Prefixes: []netip.Prefix{
		netip.MustParsePrefix("192.168.1.0/24"),
	}}
	assert.True(t, s.ContainsAddr(addr("192.168.1.131")))
	assert.False(t, s.ContainsAddr(addr("10.0.0.1")))

	p := &Set{Kind: SetPort, Values: []uint32{22, 443}}
	assert.True(t, p.ContainsValue(443))
	assert.False(t, p.ContainsValue(80))
}

func TestHookScope(t *testing.T) {
	assert.True(t, HookIngress.InterfaceScoped())
	assert.True(t, HookTrafficControl.InterfaceScoped())
	assert.False(t, HookNetfilterInput.InterfaceScoped())
	assert.False(t, HookCgroupIngress.InterfaceScoped())
}
