//go:build linux

package main

import (
	"github.com/icefall-net/icefall/internal/config"
	"github.com/icefall-net/icefall/internal/kernel"
	"github.com/icefall-net/icefall/internal/logging"
	"github.com/icefall-net/icefall/internal/netwatch"
)

func newPlatform(logger *logging.Logger, cfg *config.Config) (kernel.Capability, linkWatcher, error) {
	cap, err := kernel.NewLinux(logger, kernel.LinuxOptions{PinDir: cfg.PinDir})
	if err != nil {
		return nil, nil, err
	}
	return cap, netwatch.NewWatcher(logger), nil
}

func startWatcher(w linkWatcher) error {
	if nw, ok := w.(*netwatch.Watcher); ok {
		return nw.Start()
	}
	return nil
}
