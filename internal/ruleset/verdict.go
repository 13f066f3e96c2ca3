package ruleset

// Verdict is a terminal per-packet action. The flavor maps it to the
// hook's native return value at compile time.
type Verdict uint8

const (
	// VerdictAccept lets the packet continue.
	VerdictAccept Verdict = iota
	// VerdictDrop discards the packet silently.
	VerdictDrop
)

// Terminal reports whether v is a valid terminal verdict.
func (v Verdict) Terminal() bool {
	return v == VerdictAccept || v == VerdictDrop
}

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictDrop:
		return "drop"
	}
	return "invalid"
}

// Hook identifies the kernel attachment point a chain binds to. Each
// hook kind has a flavor that defines the compiled program's shape.
type Hook uint8

const (
	// HookIngress filters at the driver level, before the kernel
	// network stack sees the packet. Attachment is per interface.
	HookIngress Hook = iota
	// HookTrafficControl filters at the traffic-control ingress
	// point. Attachment is per interface.
	HookTrafficControl
	// HookNetfilterInput filters packets addressed to the local host
	// at the netfilter input hook. Attachment is global.
	HookNetfilterInput
	// HookNetfilterForward filters routed packets at the netfilter
	// forward hook. Attachment is global.
	HookNetfilterForward
	// HookNetfilterOutput filters locally generated packets at the
	// netfilter output hook. Attachment is global.
	HookNetfilterOutput
	// HookCgroupIngress filters socket-level ingress for a cgroup.
	// Attachment is global.
	HookCgroupIngress
)

func (h Hook) String() string {
	switch h {
	case HookIngress:
		return "ingress"
	case HookTrafficControl:
		return "tc"
	case HookNetfilterInput:
		return "nf-input"
	case HookNetfilterForward:
		return "nf-forward"
	case HookNetfilterOutput:
		return "nf-output"
	case HookCgroupIngress:
		return "cgroup-ingress"
	}
	return "invalid"
}

// Valid reports whether h names a known hook.
func (h Hook) Valid() bool {
	return h <= HookCgroupIngress
}

// InterfaceScoped reports whether programs for this hook attach to a
// specific network interface rather than globally.
func (h Hook) InterfaceScoped() bool {
	return h == HookIngress || h == HookTrafficControl
}
