// Package kernel abstracts the kernel capability the engine drives:
// loading bytecode, attaching programs to hooks, and counter-map
// access. The real Linux implementation sits behind the Capability
// interface next to a Fake used by tests and non-Linux builds, the
// same split the rest of the engine uses for every external surface.
//
// The kernel's acceptance or rejection of a program is opaque to the
// engine: a rejection is surfaced verbatim as a RejectionError and
// never retried, since compiled output is deterministic in its input.
package kernel

import (
	"fmt"

	"github.com/icefall-net/icefall/internal/codegen"
	"github.com/icefall-net/icefall/internal/ruleset"
)

// AttachTarget names one attachment point. Ifindex is zero for hooks
// with global attachment.
type AttachTarget struct {
	Hook    ruleset.Hook `json:"hook"`
	Ifindex int          `json:"ifindex,omitempty"`
}

func (t AttachTarget) String() string {
	if t.Ifindex != 0 {
		return fmt.Sprintf("%s/if%d", t.Hook, t.Ifindex)
	}
	return t.Hook.String()
}

// MapSpec describes a counter map: one slot per rule.
type MapSpec struct {
	Name  string
	Slots int
}

// Counters is one rule's accumulated statistics.
type Counters struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// ProgRef is an opaque handle to a loaded program.
type ProgRef interface {
	// ID returns a stable identifier for logs.
	ID() string
}

// MapRef is an opaque handle to a created map.
type MapRef interface {
	ID() string
}

// LinkRef is an opaque handle to one attachment.
type LinkRef interface {
	ID() string
}

// Attachment is one kernel-resident program binding, as reported by
// ListAttached during restore reconciliation.
type Attachment struct {
	Target      AttachTarget
	Fingerprint string
}

// Capability is the kernel surface the engine drives. Implementations
// must keep Detach safe to call on an already-detached link so the
// manager's cleanup paths stay idempotent.
type Capability interface {
	// CreateMap allocates a counter map.
	CreateMap(spec MapSpec) (MapRef, error)

	// Load verifies and loads a compiled program. The counter map
	// may be nil when the program has no counting rules.
	Load(p *codegen.Program, counters MapRef) (ProgRef, error)

	// Attach binds a loaded program to a target. The returned link
	// keeps the attachment alive until Detach.
	Attach(prog ProgRef, target AttachTarget) (LinkRef, error)

	// Detach removes an attachment.
	Detach(link LinkRef) error

	// CloseProgram releases a loaded program. Attached links keep
	// the underlying kernel object alive until detached.
	CloseProgram(prog ProgRef) error

	// CloseMap releases a counter map.
	CloseMap(m MapRef) error

	// ReadMap reads one counter slot. Reads are lock-free against
	// concurrent in-kernel updates.
	ReadMap(m MapRef, slot uint32) (Counters, error)

	// ListAttached reports the attachments the kernel already holds,
	// keyed by target and program fingerprint. Restore reconciles
	// its bookkeeping against this instead of blindly reattaching.
	ListAttached() ([]Attachment, error)

	// Adopt takes over a surviving attachment reported by
	// ListAttached, returning live references without reloading.
	Adopt(a Attachment) (ProgRef, MapRef, LinkRef, error)
}

// RejectionError wraps a kernel refusal of otherwise well-formed
// bytecode. The kernel's reason is preserved verbatim.
type RejectionError struct {
	Op  string
	Err error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("kernel rejected %s: %v", e.Op, e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}
