// Package netwatch tracks the network devices wildcard chains fan out
// over. The Linux watcher seeds itself from a netlink link dump and
// then follows link events, so a device that appears after install
// time still receives every wildcard chain without polling.
package netwatch

import (
	"fmt"
	"sync"

	"github.com/icefall-net/icefall/internal/program"
)

// EventKind classifies a link event.
type EventKind int

const (
	// Appear fires when a link becomes known and usable.
	Appear EventKind = iota
	// Depart fires when a link is removed.
	Depart
)

// Event is one link change.
type Event struct {
	Kind      EventKind
	Interface program.Interface
}

// Static is a fixed interface inventory. It backs tests and platforms
// without netlink, and doubles as the cache the Linux watcher keeps in
// sync from events.
type Static struct {
	mu        sync.RWMutex
	ifaces    map[string]program.Interface
	callbacks []func(Event)
}

// NewStatic creates an inventory seeded with the given interfaces.
func NewStatic(ifaces ...program.Interface) *Static {
	s := &Static{ifaces: make(map[string]program.Interface)}
	for _, i := range ifaces {
		s.ifaces[i.Name] = i
	}
	return s
}

// Lookup implements program.InterfaceResolver.
func (s *Static) Lookup(name string) (program.Interface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.ifaces[name]
	if !ok {
		return program.Interface{}, fmt.Errorf("netwatch: no such interface %q", name)
	}
	return i, nil
}

// List implements program.InterfaceResolver.
func (s *Static) List() ([]program.Interface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]program.Interface, 0, len(s.ifaces))
	for _, i := range s.ifaces {
		out = append(out, i)
	}
	return out, nil
}

// OnEvent registers a callback invoked on every link change.
func (s *Static) OnEvent(cb func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Add records a link and fires Appear if it was not already known.
func (s *Static) Add(i program.Interface) {
	s.mu.Lock()
	_, known := s.ifaces[i.Name]
	s.ifaces[i.Name] = i
	cbs := append([]func(Event){}, s.callbacks...)
	s.mu.Unlock()

	if known {
		return
	}
	for _, cb := range cbs {
		cb(Event{Kind: Appear, Interface: i})
	}
}

// Remove drops a link and fires Depart if it was known.
func (s *Static) Remove(name string) {
	s.mu.Lock()
	i, known := s.ifaces[name]
	delete(s.ifaces, name)
	cbs := append([]func(Event){}, s.callbacks...)
	s.mu.Unlock()

	if !known {
		return
	}
	for _, cb := range cbs {
		cb(Event{Kind: Depart, Interface: i})
	}
}
