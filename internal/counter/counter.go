// Package counter exposes read-only access to a program's per-rule
// counters. Each installed program with counting rules owns one array
// map with a slot per rule, keyed by the rule's index in its chain;
// the map is created before load and torn down with the program, so a
// View is only valid for the lifetime of the binding it came from.
package counter

import (
	"fmt"

	"github.com/icefall-net/icefall/internal/kernel"
)

// View reads the counter slots of one installed program. Reads go
// straight to the kernel map and take no lock against the datapath.
type View struct {
	cap   kernel.Capability
	m     kernel.MapRef
	slots int
}

// NewView wraps a program's counter map. A program compiled without
// counting rules has no map; callers represent that with a nil View.
func NewView(cap kernel.Capability, m kernel.MapRef, slots int) *View {
	if m == nil || slots == 0 {
		return nil
	}
	return &View{cap: cap, m: m, slots: slots}
}

// Slots returns the number of rule slots.
func (v *View) Slots() int {
	if v == nil {
		return 0
	}
	return v.slots
}

// Rule reads one rule's counters by its index in the chain.
func (v *View) Rule(index int) (kernel.Counters, error) {
	if v == nil {
		return kernel.Counters{}, fmt.Errorf("counter: no counting rules")
	}
	if index < 0 || index >= v.slots {
		return kernel.Counters{}, fmt.Errorf("counter: rule index %d out of range (%d slots)", index, v.slots)
	}
	return v.cap.ReadMap(v.m, uint32(index))
}

// Snapshot reads every slot. Slots are read one at a time, so the
// result is per-rule consistent but not a cross-rule atomic snapshot.
func (v *View) Snapshot() ([]kernel.Counters, error) {
	if v == nil {
		return nil, nil
	}
	out := make([]kernel.Counters, v.slots)
	for i := range out {
		c, err := v.cap.ReadMap(v.m, uint32(i))
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// Total sums all slots, for coarse per-chain accounting.
func (v *View) Total() (kernel.Counters, error) {
	snap, err := v.Snapshot()
	if err != nil {
		return kernel.Counters{}, err
	}
	var total kernel.Counters
	for _, c := range snap {
		total.Packets += c.Packets
		total.Bytes += c.Bytes
	}
	return total, nil
}
