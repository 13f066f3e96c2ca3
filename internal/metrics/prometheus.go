package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all engine metrics.
type Registry struct {
	// Codegen metrics
	CompilesTotal    *prometheus.CounterVec
	CompileFailures  *prometheus.CounterVec
	ProgramInsnCount *prometheus.HistogramVec

	// Install metrics
	InstallsTotal   *prometheus.CounterVec
	InstallFailures *prometheus.CounterVec
	ActivePrograms  *prometheus.GaugeVec

	// Persistence metrics
	SnapshotWrites      prometheus.Counter
	SnapshotWriteErrors prometheus.Counter
	RestoreAdoptions    prometheus.Counter
	RestoreRecompiles   prometheus.Counter

	// Per-rule traffic, exported on scrape from counter maps
	RulePackets *prometheus.GaugeVec
	RuleBytes   *prometheus.GaugeVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.CompilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icefall_compiles_total",
		Help: "Chains compiled to bytecode",
	}, []string{"front", "chain", "flavor"})

	r.CompileFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icefall_compile_failures_total",
		Help: "Chain compilations that failed",
	}, []string{"front", "chain", "reason"})

	r.ProgramInsnCount = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "icefall_program_instructions",
		Help:    "Instruction count of compiled programs",
		Buckets: prometheus.ExponentialBuckets(16, 2, 9),
	}, []string{"flavor"})

	r.InstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icefall_installs_total",
		Help: "Program installations performed",
	}, []string{"hook"})

	r.InstallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icefall_install_failures_total",
		Help: "Program installations refused by the kernel",
	}, []string{"hook", "op"})

	r.ActivePrograms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "icefall_active_programs",
		Help: "Programs currently attached, by hook",
	}, []string{"hook"})

	r.SnapshotWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icefall_snapshot_writes_total",
		Help: "Context snapshots written",
	})

	r.SnapshotWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icefall_snapshot_write_errors_total",
		Help: "Context snapshot writes that failed and were deferred",
	})

	r.RestoreAdoptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icefall_restore_adoptions_total",
		Help: "Surviving kernel attachments adopted during restore",
	})

	r.RestoreRecompiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icefall_restore_recompiles_total",
		Help: "Bindings reinstalled from scratch during restore",
	})

	r.RulePackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "icefall_rule_packets",
		Help: "Packets matched per rule",
	}, []string{"front", "chain", "rule"})

	r.RuleBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "icefall_rule_bytes",
		Help: "Bytes matched per rule",
	}, []string{"front", "chain", "rule"})

	return r
}
