// Package program owns the lifecycle of compiled programs: compile,
// install with make-before-break replacement, wildcard interface
// fan-out, and removal. The Manager serializes mutations per attach
// target; counter reads bypass it entirely.
package program

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/icefall-net/icefall/internal/codegen"
	"github.com/icefall-net/icefall/internal/counter"
	"github.com/icefall-net/icefall/internal/flavor"
	"github.com/icefall-net/icefall/internal/kernel"
	"github.com/icefall-net/icefall/internal/logging"
	"github.com/icefall-net/icefall/internal/metrics"
	"github.com/icefall-net/icefall/internal/ruleset"
)

// Interface is one attachable network device.
type Interface struct {
	Name  string
	Index int
}

// InterfaceResolver maps interface selectors to kernel devices. The
// netwatch package provides the real implementation.
type InterfaceResolver interface {
	Lookup(name string) (Interface, error)
	List() ([]Interface, error)
}

// Binding is one installed program: a chain compiled for a flavor and
// attached at a single target.
type Binding struct {
	Handle      string
	Target      kernel.AttachTarget
	Front       string
	Chain       string
	Interface   string
	Fingerprint string
	Slots       int

	prog     kernel.ProgRef
	m        kernel.MapRef
	link     kernel.LinkRef
	counters *counter.View
}

// Counters returns the binding's per-rule counter view, nil when the
// chain has no counting rules.
func (b *Binding) Counters() *counter.View { return b.counters }

// Manager installs and removes programs. All kernel mutations for a
// given target funnel through one per-target lock, so concurrent
// installs against different interfaces proceed in parallel while a
// replacement on one interface is never interleaved.
type Manager struct {
	cap    kernel.Capability
	ifaces InterfaceResolver
	logger *logging.Logger
	opts   codegen.Options

	mu       sync.Mutex
	locks    map[kernel.AttachTarget]*sync.Mutex
	bindings map[kernel.AttachTarget]*Binding

	// wildcards remembers chains with a "*" interface selector so a
	// newly appearing link can be fanned out to.
	wildcards map[string]*ruleset.Chain
}

// NewManager creates a Manager driving the given kernel capability.
func NewManager(cap kernel.Capability, ifaces InterfaceResolver, logger *logging.Logger, opts codegen.Options) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		cap:       cap,
		ifaces:    ifaces,
		logger:    logger.WithComponent("program"),
		opts:      opts,
		locks:     make(map[kernel.AttachTarget]*sync.Mutex),
		bindings:  make(map[kernel.AttachTarget]*Binding),
		wildcards: make(map[string]*ruleset.Chain),
	}
}

func chainKey(front, chain string) string { return front + "/" + chain }

// Install compiles a chain and attaches the result at every target the
// chain's interface selector names. An already-current target (same
// program fingerprint) is left untouched, so Install is idempotent.
//
// Replacement is make-before-break per target: the new program is
// loaded and attached before the old one is detached, and any failure
// leaves the target's previous binding in place. A multi-target
// install that fails partway returns the bindings completed so far
// together with the error; completed targets keep the new program.
func (m *Manager) Install(chain *ruleset.Chain) ([]*Binding, error) {
	if err := chain.Validate(); err != nil {
		return nil, err
	}
	cl := chain.Clone()

	prog, err := m.compile(cl)
	if err != nil {
		return nil, err
	}

	targets, err := m.targetsFor(cl)
	if err != nil {
		return nil, err
	}

	if cl.Interface == ruleset.InterfaceWildcard {
		m.mu.Lock()
		m.wildcards[chainKey(cl.Front, cl.Name)] = cl
		m.mu.Unlock()
	}

	var out []*Binding
	for _, t := range targets {
		b, err := m.installAt(cl, prog, t)
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Remove detaches and releases every binding of the named chain.
func (m *Manager) Remove(front, chain string) error {
	m.mu.Lock()
	delete(m.wildcards, chainKey(front, chain))
	var targets []kernel.AttachTarget
	for t, b := range m.bindings {
		if b.Front == front && b.Chain == chain {
			targets = append(targets, t)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, t := range targets {
		if err := m.removeAt(front, chain, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InterfaceAppeared fans wildcard chains out to a link that was not
// present at install time. The engine calls this from its netwatch
// event loop; it is also the manual regeneration entry point.
func (m *Manager) InterfaceAppeared(iface Interface) error {
	m.mu.Lock()
	chains := make([]*ruleset.Chain, 0, len(m.wildcards))
	for _, c := range m.wildcards {
		chains = append(chains, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, cl := range chains {
		target := kernel.AttachTarget{Hook: cl.Hook, Ifindex: iface.Index}
		prog, err := m.compile(cl)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := m.installAt(cl, prog, target); err != nil {
			errs = append(errs, fmt.Errorf("fanning %s out to %s: %w", chainKey(cl.Front, cl.Name), iface.Name, err))
		}
	}
	return errors.Join(errs...)
}

// InterfaceGone drops bookkeeping for bindings on a departed link.
// The kernel tears the attachments down with the device; only the
// manager's records need cleaning.
func (m *Manager) InterfaceGone(ifindex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, b := range m.bindings {
		if t.Ifindex == ifindex {
			delete(m.bindings, t)
			metrics.Get().ActivePrograms.WithLabelValues(t.Hook.String()).Dec()
			m.logger.Info("binding gone with interface", "target", t.String(), "handle", b.Handle)
		}
	}
}

// Binding returns the installed binding at a target, nil when empty.
func (m *Manager) Binding(target kernel.AttachTarget) *Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindings[target]
}

// Bindings returns a snapshot of every installed binding.
func (m *Manager) Bindings() []*Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b)
	}
	return out
}

// Adopt takes over a kernel attachment that survived a restart,
// recording it as if this Manager had installed it. The chain is
// recompiled only to recover the counter layout; the kernel-resident
// program is reused as-is.
func (m *Manager) Adopt(chain *ruleset.Chain, target kernel.AttachTarget, fingerprint string) (*Binding, error) {
	cl := chain.Clone()
	prog, err := m.compile(cl)
	if err != nil {
		return nil, err
	}
	if prog.Fingerprint != fingerprint {
		return nil, fmt.Errorf("program: chain %s no longer compiles to fingerprint %.12s", chainKey(cl.Front, cl.Name), fingerprint)
	}

	unlock := m.lockTarget(target)
	defer unlock()

	pref, mref, lref, err := m.cap.Adopt(kernel.Attachment{Target: target, Fingerprint: fingerprint})
	if err != nil {
		return nil, err
	}
	b := &Binding{
		Handle:      uuid.NewString(),
		Target:      target,
		Front:       cl.Front,
		Chain:       cl.Name,
		Interface:   cl.Interface,
		Fingerprint: fingerprint,
		Slots:       prog.CounterSlots,
		prog:        pref,
		m:           mref,
		link:        lref,
		counters:    counter.NewView(m.cap, mref, prog.CounterSlots),
	}
	m.mu.Lock()
	m.bindings[target] = b
	if cl.Interface == ruleset.InterfaceWildcard {
		m.wildcards[chainKey(cl.Front, cl.Name)] = cl
	}
	m.mu.Unlock()
	metrics.Get().ActivePrograms.WithLabelValues(target.Hook.String()).Inc()
	m.logger.Info("adopted surviving binding", "target", target.String(), "fingerprint", fingerprint[:12])
	return b, nil
}

func (m *Manager) compile(cl *ruleset.Chain) (*codegen.Program, error) {
	fl, err := flavor.ForHook(cl.Hook)
	if err != nil {
		return nil, err
	}
	prog, err := codegen.Compile(cl, fl, m.opts)
	if err != nil {
		metrics.Get().CompileFailures.WithLabelValues(cl.Front, cl.Name, compileFailReason(err)).Inc()
		return nil, err
	}
	metrics.Get().CompilesTotal.WithLabelValues(cl.Front, cl.Name, prog.Flavor).Inc()
	metrics.Get().ProgramInsnCount.WithLabelValues(prog.Flavor).Observe(float64(len(prog.Insns)))
	return prog, nil
}

func compileFailReason(err error) string {
	var unsup *codegen.UnsupportedMatcherError
	var complex *codegen.ProgramTooComplexError
	var invalid *ruleset.ValidationError
	switch {
	case errors.As(err, &unsup):
		return "unsupported_matcher"
	case errors.As(err, &complex):
		return "too_complex"
	case errors.As(err, &invalid):
		return "invalid_chain"
	default:
		return "other"
	}
}

func (m *Manager) targetsFor(cl *ruleset.Chain) ([]kernel.AttachTarget, error) {
	if !cl.Hook.InterfaceScoped() {
		return []kernel.AttachTarget{{Hook: cl.Hook}}, nil
	}
	if cl.Interface == ruleset.InterfaceWildcard {
		ifaces, err := m.ifaces.List()
		if err != nil {
			return nil, fmt.Errorf("program: listing interfaces: %w", err)
		}
		targets := make([]kernel.AttachTarget, 0, len(ifaces))
		for _, i := range ifaces {
			targets = append(targets, kernel.AttachTarget{Hook: cl.Hook, Ifindex: i.Index})
		}
		return targets, nil
	}
	iface, err := m.ifaces.Lookup(cl.Interface)
	if err != nil {
		return nil, fmt.Errorf("program: resolving interface %q: %w", cl.Interface, err)
	}
	return []kernel.AttachTarget{{Hook: cl.Hook, Ifindex: iface.Index}}, nil
}

// installAt replaces whatever is bound at target with prog. The order
// is create map, load, attach new, detach old, release old: the old
// program keeps filtering until the instant the new one takes over,
// and any kernel refusal unwinds without touching it.
func (m *Manager) installAt(cl *ruleset.Chain, prog *codegen.Program, target kernel.AttachTarget) (*Binding, error) {
	unlock := m.lockTarget(target)
	defer unlock()

	m.mu.Lock()
	old := m.bindings[target]
	m.mu.Unlock()

	if old != nil && old.Fingerprint == prog.Fingerprint {
		m.logger.Debug("binding already current", "target", target.String(), "fingerprint", prog.Fingerprint[:12])
		return old, nil
	}

	var mref kernel.MapRef
	if prog.CounterSlots > 0 {
		var err error
		mref, err = m.cap.CreateMap(kernel.MapSpec{
			Name:  fmt.Sprintf("%s_%s", cl.Front, cl.Name),
			Slots: prog.CounterSlots,
		})
		if err != nil {
			return nil, err
		}
	}

	pref, err := m.cap.Load(prog, mref)
	if err != nil {
		if mref != nil {
			_ = m.cap.CloseMap(mref)
		}
		metrics.Get().InstallFailures.WithLabelValues(target.Hook.String(), "load").Inc()
		return nil, err
	}

	lref, err := m.cap.Attach(pref, target)
	if err != nil {
		_ = m.cap.CloseProgram(pref)
		if mref != nil {
			_ = m.cap.CloseMap(mref)
		}
		metrics.Get().InstallFailures.WithLabelValues(target.Hook.String(), "attach").Inc()
		return nil, err
	}

	if old != nil {
		if err := m.cap.Detach(old.link); err != nil {
			m.logger.Warn("detaching superseded program", "target", target.String(), "error", err)
		}
		_ = m.cap.CloseProgram(old.prog)
		if old.m != nil {
			_ = m.cap.CloseMap(old.m)
		}
	}

	b := &Binding{
		Handle:      uuid.NewString(),
		Target:      target,
		Front:       cl.Front,
		Chain:       cl.Name,
		Interface:   cl.Interface,
		Fingerprint: prog.Fingerprint,
		Slots:       prog.CounterSlots,
		prog:        pref,
		m:           mref,
		link:        lref,
		counters:    counter.NewView(m.cap, mref, prog.CounterSlots),
	}
	m.mu.Lock()
	m.bindings[target] = b
	m.mu.Unlock()

	metrics.Get().InstallsTotal.WithLabelValues(target.Hook.String()).Inc()
	if old == nil {
		metrics.Get().ActivePrograms.WithLabelValues(target.Hook.String()).Inc()
	}
	m.logger.Info("program installed",
		"target", target.String(),
		"chain", chainKey(cl.Front, cl.Name),
		"handle", b.Handle,
		"instructions", len(prog.Insns),
		"fingerprint", prog.Fingerprint[:12])
	return b, nil
}

func (m *Manager) removeAt(front, chain string, target kernel.AttachTarget) error {
	unlock := m.lockTarget(target)
	defer unlock()

	m.mu.Lock()
	b := m.bindings[target]
	if b == nil || b.Front != front || b.Chain != chain {
		m.mu.Unlock()
		return nil
	}
	delete(m.bindings, target)
	m.mu.Unlock()

	err := m.cap.Detach(b.link)
	_ = m.cap.CloseProgram(b.prog)
	if b.m != nil {
		_ = m.cap.CloseMap(b.m)
	}
	metrics.Get().ActivePrograms.WithLabelValues(target.Hook.String()).Dec()
	m.logger.Info("program removed", "target", target.String(), "handle", b.Handle)
	return err
}

func (m *Manager) lockTarget(t kernel.AttachTarget) func() {
	m.mu.Lock()
	l, ok := m.locks[t]
	if !ok {
		l = &sync.Mutex{}
		m.locks[t] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}
