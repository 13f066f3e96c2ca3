// Package engine ties the pieces together into the process-wide
// enforcement context: a record of which chains are installed where,
// snapshotted after every mutation and reconciled against the kernel's
// surviving attachments on restart.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/icefall-net/icefall/internal/codegen"
	"github.com/icefall-net/icefall/internal/kernel"
	"github.com/icefall-net/icefall/internal/logging"
	"github.com/icefall-net/icefall/internal/metrics"
	"github.com/icefall-net/icefall/internal/netwatch"
	"github.com/icefall-net/icefall/internal/program"
	"github.com/icefall-net/icefall/internal/ruleset"
	"github.com/icefall-net/icefall/internal/state"
)

// Context is the engine's durable view of enforcement. All mutations
// go through it so the snapshot on disk never lags the kernel by more
// than the mutation in flight.
type Context struct {
	logger *logging.Logger
	cap    kernel.Capability
	mgr    *program.Manager
	store  *state.Store

	mu     sync.Mutex
	chains map[string]*ruleset.Chain
	dirty  bool
	closed bool
}

// snapshot is the persisted form of the context. Chains are stored in
// full so restore can recompile when the kernel lost an attachment.
type snapshot struct {
	Chains   []*ruleset.Chain  `json:"chains"`
	Bindings []snapshotBinding `json:"bindings"`
}

type snapshotBinding struct {
	Front       string              `json:"front"`
	Chain       string              `json:"chain"`
	Target      kernel.AttachTarget `json:"target"`
	Fingerprint string              `json:"fingerprint"`
}

// Options configures a Context.
type Options struct {
	// MaxInstructions overrides the compiler's instruction budget.
	// Zero keeps the default.
	MaxInstructions int
}

// New creates a Context. Call Init before the first mutation.
func New(cap kernel.Capability, ifaces program.InterfaceResolver, store *state.Store, logger *logging.Logger, opts Options) *Context {
	if logger == nil {
		logger = logging.Default()
	}
	return &Context{
		logger: logger.WithComponent("engine"),
		cap:    cap,
		mgr:    program.NewManager(cap, ifaces, logger, codegen.Options{MaxInstructions: opts.MaxInstructions}),
		store:  store,
		chains: make(map[string]*ruleset.Chain),
	}
}

func chainKey(front, chain string) string { return front + "/" + chain }

// Init restores the context from its snapshot and reconciles against
// the kernel's surviving attachments. A missing snapshot is a clean
// first start. A corrupt or incompatible snapshot leaves the context
// empty and usable; the error is returned so the caller can surface
// it, and the next successful mutation overwrites the bad blob.
func (c *Context) Init() error {
	payload, err := c.store.Load()
	if err != nil {
		if errors.Is(err, state.ErrNoSnapshot) {
			c.logger.Info("no snapshot, starting empty")
			return nil
		}
		c.logger.Error("snapshot unreadable, starting empty", "error", err)
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		perr := &state.PersistenceError{Op: "restore", Err: fmt.Errorf("corrupt snapshot: %w", err)}
		c.logger.Error("snapshot corrupt, starting empty", "error", perr)
		return perr
	}

	return c.reconcile(&snap)
}

// reconcile brings bookkeeping back in line with reality: a persisted
// binding whose target still carries the same program (by content
// fingerprint) is adopted in place; anything else is reinstalled.
func (c *Context) reconcile(snap *snapshot) error {
	chains := make(map[string]*ruleset.Chain, len(snap.Chains))
	for _, ch := range snap.Chains {
		chains[chainKey(ch.Front, ch.Name)] = ch
	}

	attached, err := c.cap.ListAttached()
	if err != nil {
		return fmt.Errorf("engine: listing kernel attachments: %w", err)
	}
	surviving := make(map[kernel.AttachTarget]string, len(attached))
	for _, a := range attached {
		surviving[a.Target] = a.Fingerprint
	}

	var errs []error
	for _, b := range snap.Bindings {
		ch, ok := chains[chainKey(b.Front, b.Chain)]
		if !ok {
			c.logger.Warn("snapshot binding without chain, dropping", "target", b.Target.String())
			continue
		}
		if fp, ok := surviving[b.Target]; ok && fp == b.Fingerprint {
			if _, err := c.mgr.Adopt(ch, b.Target, b.Fingerprint); err == nil {
				metrics.Get().RestoreAdoptions.Inc()
				continue
			} else {
				c.logger.Warn("adoption failed, reinstalling", "target", b.Target.String(), "error", err)
			}
		}
		metrics.Get().RestoreRecompiles.Inc()
		if _, err := c.mgr.Install(ch); err != nil {
			errs = append(errs, fmt.Errorf("reinstalling %s/%s: %w", b.Front, b.Chain, err))
		}
	}

	c.mu.Lock()
	c.chains = chains
	c.mu.Unlock()

	c.logger.Info("context restored",
		"chains", len(chains),
		"bindings", len(snap.Bindings),
		"surviving", len(surviving))
	return errors.Join(errs...)
}

// Apply installs or replaces a chain and persists the result.
func (c *Context) Apply(chain *ruleset.Chain) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("engine: context is closed")
	}
	c.mu.Unlock()

	installed, err := c.mgr.Install(chain)
	if err != nil {
		// Targets swapped before the failure keep the new program.
		// Record them so a restart adopts them instead of finding a
		// snapshot that predates the mutation.
		if len(installed) > 0 {
			c.mu.Lock()
			c.chains[chainKey(chain.Front, chain.Name)] = chain.Clone()
			c.mu.Unlock()
			c.persist()
		}
		return err
	}

	c.mu.Lock()
	c.chains[chainKey(chain.Front, chain.Name)] = chain.Clone()
	c.mu.Unlock()

	c.persist()
	return nil
}

// Delete removes a chain's programs everywhere and persists.
func (c *Context) Delete(front, chain string) error {
	if err := c.mgr.Remove(front, chain); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.chains, chainKey(front, chain))
	c.mu.Unlock()

	c.persist()
	return nil
}

// Chains returns the installed rulesets.
func (c *Context) Chains() []*ruleset.Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ruleset.Chain, 0, len(c.chains))
	for _, ch := range c.chains {
		out = append(out, ch.Clone())
	}
	return out
}

// Bindings returns every installed program binding.
func (c *Context) Bindings() []*program.Binding {
	return c.mgr.Bindings()
}

// WatchInterfaces wires link events into wildcard fan-out. New links
// receive every wildcard chain; departures only clean bookkeeping,
// the kernel tears device-bound programs down itself.
func (c *Context) WatchInterfaces(w interface{ OnEvent(func(netwatch.Event)) }) {
	w.OnEvent(func(e netwatch.Event) {
		switch e.Kind {
		case netwatch.Appear:
			if err := c.mgr.InterfaceAppeared(e.Interface); err != nil {
				c.logger.Error("wildcard fan-out failed", "interface", e.Interface.Name, "error", err)
			}
			c.persist()
		case netwatch.Depart:
			c.mgr.InterfaceGone(e.Interface.Index)
			c.persist()
		}
	})
}

// PublishCounters exports every binding's per-rule counters to the
// metrics registry. The daemon calls this on a timer.
func (c *Context) PublishCounters() {
	reg := metrics.Get()
	for _, b := range c.mgr.Bindings() {
		view := b.Counters()
		if view == nil {
			continue
		}
		snap, err := view.Snapshot()
		if err != nil {
			c.logger.Warn("counter read failed", "target", b.Target.String(), "error", err)
			continue
		}
		for i, cnt := range snap {
			rule := strconv.Itoa(i)
			reg.RulePackets.WithLabelValues(b.Front, b.Chain, rule).Set(float64(cnt.Packets))
			reg.RuleBytes.WithLabelValues(b.Front, b.Chain, rule).Set(float64(cnt.Bytes))
		}
	}
}

// Close flushes the snapshot. Installed programs are left attached:
// enforcement outlives the process and the next start reconciles.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.snapshotNow()
}

// persist writes the snapshot after a mutation. A write failure does
// not fail the mutation: it is logged, counted, and retried the next
// time any mutation persists.
func (c *Context) persist() {
	if err := c.snapshotNow(); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		metrics.Get().SnapshotWriteErrors.Inc()
		c.logger.Error("snapshot write failed, will retry on next mutation", "error", err)
		return
	}

	c.mu.Lock()
	wasDirty := c.dirty
	c.dirty = false
	c.mu.Unlock()
	if wasDirty {
		c.logger.Info("snapshot write recovered")
	}
}

func (c *Context) snapshotNow() error {
	c.mu.Lock()
	snap := snapshot{Chains: make([]*ruleset.Chain, 0, len(c.chains))}
	for _, ch := range c.chains {
		snap.Chains = append(snap.Chains, ch)
	}
	c.mu.Unlock()

	for _, b := range c.mgr.Bindings() {
		snap.Bindings = append(snap.Bindings, snapshotBinding{
			Front:       b.Front,
			Chain:       b.Chain,
			Target:      b.Target,
			Fingerprint: b.Fingerprint,
		})
	}

	payload, err := json.Marshal(&snap)
	if err != nil {
		return &state.PersistenceError{Op: "encode", Err: err}
	}
	if err := c.store.Save(payload); err != nil {
		return err
	}
	metrics.Get().SnapshotWrites.Inc()
	return nil
}
