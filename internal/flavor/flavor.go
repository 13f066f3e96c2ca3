// Package flavor captures the per-hook-kind shape of compiled
// programs: entry calling convention, verdict encoding, and
// attachment scope. The codegen engine and the program manager only
// ever consult the Flavor interface; supporting a new hook kind means
// implementing it here, never branching inside the engine.
package flavor

import (
	"fmt"

	"github.com/icefall-net/icefall/internal/bytecode"
	"github.com/icefall-net/icefall/internal/ruleset"
)

// Flavor is the code-shape strategy for one hook kind.
type Flavor interface {
	// Name identifies the flavor in logs and snapshots.
	Name() string

	// NetworkOffset is the packet-buffer offset of the network
	// header under this hook's entry convention. Hooks that see the
	// link layer report the Ethernet header size; hooks that start
	// at the network layer report zero.
	NetworkOffset() int16

	// InterfaceScoped reports whether programs attach to a single
	// interface (true) or globally (false).
	InterfaceScoped() bool

	// VerdictCode maps a model verdict to the hook's native return
	// value.
	VerdictCode(v ruleset.Verdict) uint32

	// EmitPrologue emits the entry sequence that establishes the
	// per-packet scratch context: packet length, network-header
	// base, and cleared layer tags.
	EmitPrologue(a *bytecode.Assembler)
}

const ethHeaderLen = 14

// prologue is the shared context-register setup. Flavors differ only
// in the network-header base they pass in.
func prologue(a *bytecode.Assembler, l3 int16) {
	a.Emit(
		bytecode.LoadPktLen(bytecode.RegPktLen),
		bytecode.MovImm(bytecode.RegL3Off, uint32(l3)),
		bytecode.MovImm(bytecode.RegL4Off, 0),
		bytecode.MovImm(bytecode.RegLayers, 0),
	)
}

// Ingress is the driver-level ingress flavor. Programs see the full
// frame including the link layer and attach per interface.
type Ingress struct{}

// Native return values at the driver-level hook.
const (
	ingressDrop = 1
	ingressPass = 2
)

func (Ingress) Name() string          { return "ingress" }
func (Ingress) NetworkOffset() int16  { return ethHeaderLen }
func (Ingress) InterfaceScoped() bool { return true }

func (Ingress) VerdictCode(v ruleset.Verdict) uint32 {
	if v == ruleset.VerdictAccept {
		return ingressPass
	}
	return ingressDrop
}

func (f Ingress) EmitPrologue(a *bytecode.Assembler) {
	prologue(a, f.NetworkOffset())
}

// TrafficControl is the tc ingress flavor. Like Ingress it sees the
// link layer and attaches per interface, but uses the traffic-control
// action codes.
type TrafficControl struct{}

const (
	tcActOK   = 0
	tcActShot = 2
)

func (TrafficControl) Name() string          { return "tc" }
func (TrafficControl) NetworkOffset() int16  { return ethHeaderLen }
func (TrafficControl) InterfaceScoped() bool { return true }

func (TrafficControl) VerdictCode(v ruleset.Verdict) uint32 {
	if v == ruleset.VerdictAccept {
		return tcActOK
	}
	return tcActShot
}

func (f TrafficControl) EmitPrologue(a *bytecode.Assembler) {
	prologue(a, f.NetworkOffset())
}

// Netfilter is the connection-tracking-capable netfilter hook flavor.
// Packets arrive without the link layer and attachment is global.
type Netfilter struct{}

const (
	nfDrop   = 0
	nfAccept = 1
)

func (Netfilter) Name() string          { return "netfilter" }
func (Netfilter) NetworkOffset() int16  { return 0 }
func (Netfilter) InterfaceScoped() bool { return false }

func (Netfilter) VerdictCode(v ruleset.Verdict) uint32 {
	if v == ruleset.VerdictAccept {
		return nfAccept
	}
	return nfDrop
}

func (f Netfilter) EmitPrologue(a *bytecode.Assembler) {
	prologue(a, f.NetworkOffset())
}

// CgroupSocket is the cgroup socket-buffer flavor: network-layer
// packets, global attachment, allow/deny return convention.
type CgroupSocket struct{}

const (
	cgroupDeny  = 0
	cgroupAllow = 1
)

func (CgroupSocket) Name() string          { return "cgroup" }
func (CgroupSocket) NetworkOffset() int16  { return 0 }
func (CgroupSocket) InterfaceScoped() bool { return false }

func (CgroupSocket) VerdictCode(v ruleset.Verdict) uint32 {
	if v == ruleset.VerdictAccept {
		return cgroupAllow
	}
	return cgroupDeny
}

func (f CgroupSocket) EmitPrologue(a *bytecode.Assembler) {
	prologue(a, f.NetworkOffset())
}

// ForHook resolves the flavor for a hook. Resolution happens once per
// compile; nothing downstream branches on the hook kind again.
func ForHook(h ruleset.Hook) (Flavor, error) {
	switch h {
	case ruleset.HookIngress:
		return Ingress{}, nil
	case ruleset.HookTrafficControl:
		return TrafficControl{}, nil
	case ruleset.HookNetfilterInput, ruleset.HookNetfilterForward, ruleset.HookNetfilterOutput:
		return Netfilter{}, nil
	case ruleset.HookCgroupIngress:
		return CgroupSocket{}, nil
	}
	return nil, fmt.Errorf("no flavor for hook %d", h)
}
