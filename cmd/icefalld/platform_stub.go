//go:build !linux

package main

import (
	"github.com/icefall-net/icefall/internal/config"
	"github.com/icefall-net/icefall/internal/kernel"
	"github.com/icefall-net/icefall/internal/logging"
	"github.com/icefall-net/icefall/internal/netwatch"
)

// Non-Linux builds run against the in-memory capability, which is
// enough for development and for exercising the full pipeline.
func newPlatform(logger *logging.Logger, cfg *config.Config) (kernel.Capability, linkWatcher, error) {
	logger.Warn("no kernel support on this platform, using in-memory capability")
	return kernel.NewFake(), netwatch.NewStatic(), nil
}

func startWatcher(linkWatcher) error { return nil }
