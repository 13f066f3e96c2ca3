//go:build linux

package netwatch

import (
	"context"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/icefall-net/icefall/internal/logging"
	"github.com/icefall-net/icefall/internal/program"
)

// Watcher follows kernel link events. It embeds a Static inventory
// that it keeps current, so it satisfies program.InterfaceResolver
// with the same answers the kernel would give.
type Watcher struct {
	*Static

	logger  *logging.Logger
	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewWatcher creates a watcher. Call Start to seed the inventory and
// begin following events.
func NewWatcher(logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{
		Static: NewStatic(),
		logger: logger.WithComponent("netwatch"),
	}
}

// Start dumps the current link table and subscribes to link updates.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	// Subscribe before dumping so nothing slips between the two.
	updates := make(chan netlink.LinkUpdate, 16)
	if err := netlink.LinkSubscribe(updates, ctx.Done()); err != nil {
		cancel()
		return err
	}

	links, err := netlink.LinkList()
	if err != nil {
		cancel()
		return err
	}
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Flags&net.FlagUp == 0 {
			continue
		}
		w.Add(program.Interface{Name: attrs.Name, Index: attrs.Index})
	}

	go w.processUpdates(ctx, updates)
	w.logger.Info("interface watch started", "links", len(links))
	return nil
}

// Stop ends the subscription.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	w.running = false
}

func (w *Watcher) processUpdates(ctx context.Context, updates chan netlink.LinkUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			w.handleUpdate(u)
		}
	}
}

func (w *Watcher) handleUpdate(u netlink.LinkUpdate) {
	attrs := u.Link.Attrs()
	iface := program.Interface{Name: attrs.Name, Index: attrs.Index}

	switch {
	case u.Header.Type == unix.RTM_DELLINK:
		w.logger.Info("link departed", "interface", iface.Name, "ifindex", iface.Index)
		w.Remove(iface.Name)
	case u.Flags&unix.IFF_UP != 0:
		w.logger.Info("link appeared", "interface", iface.Name, "ifindex", iface.Index)
		w.Add(iface)
	default:
		// Down links stay in the inventory once known; programs on a
		// down device simply see no traffic.
	}
}
