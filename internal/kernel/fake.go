package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/icefall-net/icefall/internal/bytecode"
	"github.com/icefall-net/icefall/internal/codegen"
)

// Fake is an in-memory Capability. Loaded programs are evaluated by
// the bytecode evaluator, so installed chains are fully exercisable:
// Run pushes a packet through whatever is attached at a target and
// counter updates land in the fake's maps. Attachments survive engine
// restarts as long as the same Fake instance is reused, which is what
// the restore reconciliation tests lean on.
type Fake struct {
	mu          sync.Mutex
	progs       map[string]*fakeProg
	maps        map[string]*fakeMap
	attachments map[AttachTarget]*fakeLink

	// FailLoad and FailAttach, when set, make the next matching call
	// fail with a RejectionError wrapping the given error.
	FailLoad   error
	FailAttach error
}

// NewFake creates an empty fake kernel.
func NewFake() *Fake {
	return &Fake{
		progs:       make(map[string]*fakeProg),
		maps:        make(map[string]*fakeMap),
		attachments: make(map[AttachTarget]*fakeLink),
	}
}

type fakeProg struct {
	id          string
	insns       []bytecode.Instruction
	fingerprint string
	counters    *fakeMap
	closed      bool
}

func (p *fakeProg) ID() string { return p.id }

type slot struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

type fakeMap struct {
	id     string
	slots  []slot
	closed bool
}

func (m *fakeMap) ID() string { return m.id }

// IncPacket implements bytecode.CounterSink.
func (m *fakeMap) IncPacket(s uint32) {
	if int(s) < len(m.slots) {
		m.slots[s].packets.Add(1)
	}
}

// AddBytes implements bytecode.CounterSink.
func (m *fakeMap) AddBytes(s uint32, n uint64) {
	if int(s) < len(m.slots) {
		m.slots[s].bytes.Add(n)
	}
}

type fakeLink struct {
	id     string
	target AttachTarget
	prog   *fakeProg
}

func (l *fakeLink) ID() string { return l.id }

// CreateMap implements Capability.
func (f *Fake) CreateMap(spec MapSpec) (MapRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &fakeMap{id: uuid.NewString(), slots: make([]slot, spec.Slots)}
	f.maps[m.id] = m
	return m, nil
}

// Load implements Capability.
func (f *Fake) Load(p *codegen.Program, counters MapRef) (ProgRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailLoad != nil {
		err := f.FailLoad
		f.FailLoad = nil
		return nil, &RejectionError{Op: "load", Err: err}
	}
	fp := &fakeProg{
		id:          uuid.NewString(),
		insns:       append([]bytecode.Instruction(nil), p.Insns...),
		fingerprint: p.Fingerprint,
	}
	if counters != nil {
		fp.counters = counters.(*fakeMap)
	}
	f.progs[fp.id] = fp
	return fp, nil
}

// Attach implements Capability. A second attach to an occupied target
// coexists with the first until the old link is detached, which is
// what make-before-break needs; Run uses the newest attachment.
func (f *Fake) Attach(prog ProgRef, target AttachTarget) (LinkRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAttach != nil {
		err := f.FailAttach
		f.FailAttach = nil
		return nil, &RejectionError{Op: "attach", Err: err}
	}
	p, ok := f.progs[prog.ID()]
	if !ok || p.closed {
		return nil, fmt.Errorf("attach of unknown program %s", prog.ID())
	}
	l := &fakeLink{id: uuid.NewString(), target: target, prog: p}
	f.attachments[target] = l
	return l, nil
}

// Detach implements Capability.
func (f *Fake) Detach(link LinkRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := link.(*fakeLink)
	if !ok {
		return fmt.Errorf("foreign link %s", link.ID())
	}
	if cur, ok := f.attachments[l.target]; ok && cur.id == l.id {
		delete(f.attachments, l.target)
	}
	return nil
}

// CloseProgram implements Capability.
func (f *Fake) CloseProgram(prog ProgRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.progs[prog.ID()]; ok {
		p.closed = true
	}
	return nil
}

// CloseMap implements Capability.
func (f *Fake) CloseMap(m MapRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fm, ok := f.maps[m.ID()]; ok {
		fm.closed = true
	}
	return nil
}

// ReadMap implements Capability. Reads take no lock against writers;
// the slots are plain atomics.
func (f *Fake) ReadMap(m MapRef, s uint32) (Counters, error) {
	fm, ok := m.(*fakeMap)
	if !ok {
		return Counters{}, fmt.Errorf("foreign map %s", m.ID())
	}
	if int(s) >= len(fm.slots) {
		return Counters{}, fmt.Errorf("slot %d out of range (%d slots)", s, len(fm.slots))
	}
	return Counters{
		Packets: fm.slots[s].packets.Load(),
		Bytes:   fm.slots[s].bytes.Load(),
	}, nil
}

// ListAttached implements Capability.
func (f *Fake) ListAttached() ([]Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Attachment, 0, len(f.attachments))
	for target, l := range f.attachments {
		out = append(out, Attachment{
			Target:      target,
			Fingerprint: l.prog.fingerprint,
		})
	}
	return out, nil
}

// Adopt implements Capability.
func (f *Fake) Adopt(a Attachment) (ProgRef, MapRef, LinkRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.attachments[a.Target]
	if !ok || l.prog.fingerprint != a.Fingerprint {
		return nil, nil, nil, fmt.Errorf("no attachment at %s with fingerprint %.12s", a.Target, a.Fingerprint)
	}
	var m MapRef
	if l.prog.counters != nil {
		m = l.prog.counters
	}
	return l.prog, m, l, nil
}

// Run evaluates the program attached at a target over one packet and
// returns its native verdict code.
func (f *Fake) Run(target AttachTarget, pkt []byte) (uint64, error) {
	f.mu.Lock()
	l, ok := f.attachments[target]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("nothing attached at %s", target)
	}
	var sink bytecode.CounterSink
	if l.prog.counters != nil {
		sink = l.prog.counters
	}
	return bytecode.Evaluate(l.prog.insns, pkt, sink, nil)
}

// Attached reports whether anything is attached at a target.
func (f *Fake) Attached(target AttachTarget) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.attachments[target]
	return ok
}
