//go:build linux

package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	"github.com/icefall-net/icefall/internal/codegen"
	"github.com/icefall-net/icefall/internal/logging"
	"github.com/icefall-net/icefall/internal/ruleset"
)

// Linux drives the real kernel through cilium/ebpf. Links and
// programs are pinned under pinDir together with a sidecar state file
// so attachments outlive the daemon and ListAttached can report them
// to restore reconciliation after a restart.
type Linux struct {
	mu     sync.Mutex
	logger *logging.Logger
	pinDir string

	// state maps pin names to their target and fingerprint. It is
	// rewritten after every attach and detach.
	state map[string]pinState

	cgroupPath string
}

type pinState struct {
	Target      AttachTarget `json:"target"`
	Fingerprint string       `json:"fingerprint"`
}

// LinuxOptions configures the real capability.
type LinuxOptions struct {
	// PinDir is the bpffs directory links and programs are pinned
	// under. Required.
	PinDir string

	// CgroupPath is the cgroup hierarchy root for cgroup hooks.
	CgroupPath string
}

// NewLinux creates the real capability and loads sidecar state left
// by a previous run.
func NewLinux(logger *logging.Logger, opts LinuxOptions) (*Linux, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	if opts.PinDir == "" {
		return nil, errors.New("kernel: pin directory is required")
	}
	if err := os.MkdirAll(opts.PinDir, 0o755); err != nil {
		return nil, fmt.Errorf("kernel: creating pin dir: %w", err)
	}
	cg := opts.CgroupPath
	if cg == "" {
		cg = "/sys/fs/cgroup"
	}

	l := &Linux{
		logger:     logger.WithComponent("kernel"),
		pinDir:     opts.PinDir,
		state:      make(map[string]pinState),
		cgroupPath: cg,
	}
	if err := l.loadState(); err != nil {
		return nil, err
	}
	return l, nil
}

type linuxProg struct {
	prog        *ebpf.Program
	fingerprint string
	kind        progKind

	// counters is the map the program was loaded against, kept so
	// Attach can pin it next to the link for restart adoption.
	counters *ebpf.Map
}

func (p *linuxProg) ID() string { return fmt.Sprintf("prog-%.12s", p.fingerprint) }

type linuxMap struct {
	m    *ebpf.Map
	name string
}

func (m *linuxMap) ID() string { return m.name }

type linuxLink struct {
	link    link.Link
	pinName string
}

func (l *linuxLink) ID() string { return l.pinName }

// CreateMap implements Capability.
func (k *Linux) CreateMap(spec MapSpec) (MapRef, error) {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       sanitizeName(spec.Name),
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  16, // packets u64 + bytes u64
		MaxEntries: uint32(spec.Slots),
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: creating counter map: %w", err)
	}
	return &linuxMap{m: m, name: spec.Name}, nil
}

// Load implements Capability. Verifier refusal comes back as a
// RejectionError carrying the kernel's log verbatim.
func (k *Linux) Load(p *codegen.Program, counters MapRef) (ProgRef, error) {
	kind := kindSKB
	var typ ebpf.ProgramType
	switch p.Flavor {
	case "ingress":
		kind, typ = kindXDP, ebpf.XDP
	case "tc":
		typ = ebpf.SchedCLS
	case "netfilter":
		typ = ebpf.Netfilter
	case "cgroup":
		typ = ebpf.CGroupSKB
	default:
		return nil, fmt.Errorf("kernel: unknown flavor %q", p.Flavor)
	}

	fd := -1
	var cm *ebpf.Map
	if counters != nil {
		cm = counters.(*linuxMap).m
		fd = cm.FD()
	}
	insns, err := lower(p.Insns, kind, fd)
	if err != nil {
		return nil, err
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         sanitizeName(p.Front + "_" + p.Chain),
		Type:         typ,
		Instructions: insns,
		License:      "GPL",
	})
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			return nil, &RejectionError{Op: "load", Err: verr}
		}
		return nil, &RejectionError{Op: "load", Err: err}
	}
	return &linuxProg{prog: prog, fingerprint: p.Fingerprint, kind: kind, counters: cm}, nil
}

// Attach implements Capability.
func (k *Linux) Attach(prog ProgRef, target AttachTarget) (LinkRef, error) {
	lp := prog.(*linuxProg)

	var (
		ln  link.Link
		err error
	)
	switch target.Hook {
	case ruleset.HookIngress:
		ln, err = link.AttachXDP(link.XDPOptions{
			Program:   lp.prog,
			Interface: target.Ifindex,
		})
	case ruleset.HookTrafficControl:
		ln, err = link.AttachTCX(link.TCXOptions{
			Program:   lp.prog,
			Interface: target.Ifindex,
			Attach:    ebpf.AttachTCXIngress,
		})
	case ruleset.HookNetfilterInput, ruleset.HookNetfilterForward, ruleset.HookNetfilterOutput:
		ln, err = link.AttachNetfilter(link.NetfilterOptions{
			Program:        lp.prog,
			ProtocolFamily: unix.NFPROTO_IPV4,
			HookNumber:     nfHookNumber(target.Hook),
			Priority:       0,
		})
	case ruleset.HookCgroupIngress:
		ln, err = link.AttachCgroup(link.CgroupOptions{
			Path:    k.cgroupPath,
			Attach:  ebpf.AttachCGroupInetIngress,
			Program: lp.prog,
		})
	default:
		return nil, fmt.Errorf("kernel: no attachment for hook %s", target.Hook)
	}
	if err != nil {
		return nil, &RejectionError{Op: "attach", Err: err}
	}

	pinName := pinNameFor(target, lp.fingerprint)
	if err := ln.Pin(filepath.Join(k.pinDir, pinName)); err != nil {
		// Unpinned attachments die with the process; treat as fatal
		// so restart safety is never silently lost.
		_ = ln.Close()
		return nil, fmt.Errorf("kernel: pinning link: %w", err)
	}
	// Pin the counter map next to the link so Adopt can reopen it
	// after a restart; without the pin an adopted binding would keep
	// filtering but lose its counters.
	if lp.counters != nil {
		if err := lp.counters.Pin(filepath.Join(k.pinDir, pinName+".counters")); err != nil {
			_ = ln.Unpin()
			_ = ln.Close()
			return nil, fmt.Errorf("kernel: pinning counter map: %w", err)
		}
	}

	k.mu.Lock()
	k.state[pinName] = pinState{Target: target, Fingerprint: lp.fingerprint}
	err = k.saveStateLocked()
	k.mu.Unlock()
	if err != nil {
		k.logger.Warn("state sidecar write failed", "error", err)
	}
	return &linuxLink{link: ln, pinName: pinName}, nil
}

// Detach implements Capability.
func (k *Linux) Detach(l LinkRef) error {
	ll := l.(*linuxLink)
	_ = ll.link.Unpin()
	// bpffs pins are plain directory entries; the map itself stays
	// alive until CloseMap drops the last reference.
	_ = os.Remove(filepath.Join(k.pinDir, ll.pinName+".counters"))
	if err := ll.link.Close(); err != nil {
		return fmt.Errorf("kernel: detaching %s: %w", ll.pinName, err)
	}

	k.mu.Lock()
	delete(k.state, ll.pinName)
	err := k.saveStateLocked()
	k.mu.Unlock()
	if err != nil {
		k.logger.Warn("state sidecar write failed", "error", err)
	}
	return nil
}

// CloseProgram implements Capability.
func (k *Linux) CloseProgram(prog ProgRef) error {
	return prog.(*linuxProg).prog.Close()
}

// CloseMap implements Capability.
func (k *Linux) CloseMap(m MapRef) error {
	return m.(*linuxMap).m.Close()
}

// ReadMap implements Capability. Array lookups are wait-free against
// the per-CPU updates the programs perform.
func (k *Linux) ReadMap(m MapRef, slot uint32) (Counters, error) {
	var val struct{ Packets, Bytes uint64 }
	if err := m.(*linuxMap).m.Lookup(&slot, &val); err != nil {
		return Counters{}, fmt.Errorf("kernel: reading counter slot %d: %w", slot, err)
	}
	return Counters{Packets: val.Packets, Bytes: val.Bytes}, nil
}

// ListAttached implements Capability: every sidecar entry whose pin
// still resolves is a surviving attachment.
func (k *Linux) ListAttached() ([]Attachment, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []Attachment
	for pinName, st := range k.state {
		ln, err := link.LoadPinnedLink(filepath.Join(k.pinDir, pinName), nil)
		if err != nil {
			k.logger.Warn("dropping stale pin record", "pin", pinName, "error", err)
			delete(k.state, pinName)
			continue
		}
		_ = ln.Close()
		out = append(out, Attachment{Target: st.Target, Fingerprint: st.Fingerprint})
	}
	return out, nil
}

// Adopt implements Capability: reopen the pinned link so the binding
// is owned by this process again, without reloading the program.
func (k *Linux) Adopt(a Attachment) (ProgRef, MapRef, LinkRef, error) {
	pinName := pinNameFor(a.Target, a.Fingerprint)
	ln, err := link.LoadPinnedLink(filepath.Join(k.pinDir, pinName), nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("kernel: adopting %s: %w", pinName, err)
	}
	// The program and map stay owned by the link; the engine only
	// needs the link handle to keep or break the attachment. Counter
	// reads for adopted programs go through the map pin when present.
	mapPin := filepath.Join(k.pinDir, pinName+".counters")
	var mref MapRef
	if m, err := ebpf.LoadPinnedMap(mapPin, nil); err == nil {
		mref = &linuxMap{m: m, name: pinName + ".counters"}
	}
	return &linuxProg{fingerprint: a.Fingerprint}, mref, &linuxLink{link: ln, pinName: pinName}, nil
}

func nfHookNumber(h ruleset.Hook) uint32 {
	switch h {
	case ruleset.HookNetfilterInput:
		return unix.NF_INET_LOCAL_IN
	case ruleset.HookNetfilterForward:
		return unix.NF_INET_FORWARD
	default:
		return unix.NF_INET_LOCAL_OUT
	}
}

func pinNameFor(t AttachTarget, fingerprint string) string {
	return fmt.Sprintf("%s_if%d_%.12s", t.Hook, t.Ifindex, fingerprint)
}

// sanitizeName squeezes a name into the kernel's object-name charset.
func sanitizeName(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	name := sb.String()
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

func (k *Linux) statePath() string {
	return filepath.Join(k.pinDir, "attachments.json")
}

func (k *Linux) loadState() error {
	data, err := os.ReadFile(k.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kernel: reading state sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &k.state); err != nil {
		return fmt.Errorf("kernel: parsing state sidecar: %w", err)
	}
	return nil
}

func (k *Linux) saveStateLocked() error {
	data, err := json.MarshalIndent(k.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := k.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, k.statePath())
}
