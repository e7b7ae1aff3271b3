// Package monitor collects resource usage from live instances, raises
// anomalies when consumption approaches or crosses policy limits, and
// exposes Prometheus metrics and OpenTelemetry tracing for the platform.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"webvm-manager/internal/vm"
)

// UsageSource produces one resource reading for an instance.
type UsageSource interface {
	Sample(ctx context.Context, inst *vm.Instance) (vm.UsageSample, error)
}

// AnomalySink consumes resource anomalies. Implemented by vm.Manager.
type AnomalySink interface {
	HandleAnomaly(ctx context.Context, ev vm.Event)
}

// SampleWriter receives samples for durable storage. Implementations must
// not block; the monitor calls it inline on the sampling loop.
type SampleWriter interface {
	Enqueue(s vm.UsageSample)
}

// Options configures the sampling loop.
type Options struct {
	// Interval between sampling passes. Defaults to 5s.
	Interval time.Duration
	// Retention bounds how much usage history each instance keeps in
	// memory. Defaults to 10m.
	Retention time.Duration
	// HighWater is the fraction of a limit at which a warning anomaly is
	// raised. Defaults to 0.9.
	HighWater float64
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}
	if o.HighWater <= 0 || o.HighWater >= 1 {
		o.HighWater = 0.9
	}
	return o
}

// Monitor periodically samples every active instance.
type Monitor struct {
	opts     Options
	registry *vm.Registry
	source   UsageSource
	sink     AnomalySink
	writer   SampleWriter
	metrics  *Metrics
}

// New creates a monitor. writer and metrics may be nil.
func New(opts Options, registry *vm.Registry, source UsageSource, sink AnomalySink, writer SampleWriter, metrics *Metrics) *Monitor {
	return &Monitor{
		opts:     opts.withDefaults(),
		registry: registry,
		source:   source,
		sink:     sink,
		writer:   writer,
		metrics:  metrics,
	}
}

// Run samples on a ticker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", m.opts.Interval).
		Dur("retention", m.opts.Retention).
		Msg("resource monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("resource monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep takes one sample from every instance that is currently consuming
// resources. Stopped, errored, and terminated instances are skipped.
func (m *Monitor) sweep(ctx context.Context) {
	for _, inst := range m.registry.List("") {
		switch inst.Status {
		case vm.StatusRunning, vm.StatusPaused:
		default:
			continue
		}

		s, err := m.source.Sample(ctx, inst)
		if err != nil {
			log.Debug().Err(err).Str("instance_id", inst.ID).Msg("usage sample failed")
			continue
		}
		s.InstanceID = inst.ID
		if s.Timestamp.IsZero() {
			s.Timestamp = time.Now().UTC()
		}

		if err := m.registry.AppendSample(inst.ID, s, m.opts.Retention); err != nil {
			// Instance was removed between List and AppendSample.
			continue
		}
		if m.writer != nil {
			m.writer.Enqueue(s)
		}
		if m.metrics != nil {
			m.metrics.SamplesTotal.Inc()
		}

		m.check(ctx, inst, s)
	}
}

// check compares a sample against the instance's limits and raises at most
// one anomaly per resource per pass.
func (m *Monitor) check(ctx context.Context, inst *vm.Instance, s vm.UsageSample) {
	if inst.Limits.MemoryMB > 0 {
		frac := s.MemoryMB / float64(inst.Limits.MemoryMB)
		switch {
		case frac >= 1.0:
			m.raise(ctx, inst.ID, "memory_exceeded", "critical",
				fmt.Sprintf("memory %.0fMB at or above limit %dMB", s.MemoryMB, inst.Limits.MemoryMB))
		case frac >= m.opts.HighWater:
			m.raise(ctx, inst.ID, "memory_high", "warning",
				fmt.Sprintf("memory %.0fMB is %.0f%% of limit %dMB", s.MemoryMB, frac*100, inst.Limits.MemoryMB))
		}
	}

	if inst.Limits.CPUCores > 0 {
		budget := float64(inst.Limits.CPUCores) * 100
		if frac := s.CPUPercent / budget; frac >= m.opts.HighWater {
			m.raise(ctx, inst.ID, "cpu_high", "warning",
				fmt.Sprintf("cpu %.0f%% is %.0f%% of the %d-core budget", s.CPUPercent, frac*100, inst.Limits.CPUCores))
		}
	}

	if inst.Limits.DiskMB > 0 {
		frac := s.DiskMB / float64(inst.Limits.DiskMB)
		switch {
		case frac >= 1.0:
			m.raise(ctx, inst.ID, "disk_exceeded", "critical",
				fmt.Sprintf("disk %.0fMB at or above limit %dMB", s.DiskMB, inst.Limits.DiskMB))
		case frac >= m.opts.HighWater:
			m.raise(ctx, inst.ID, "disk_high", "warning",
				fmt.Sprintf("disk %.0fMB is %.0f%% of limit %dMB", s.DiskMB, frac*100, inst.Limits.DiskMB))
		}
	}
}

func (m *Monitor) raise(ctx context.Context, instanceID, typ, severity, detail string) {
	if m.metrics != nil {
		m.metrics.RecordAnomaly(typ, severity)
	}
	if m.sink == nil {
		return
	}
	m.sink.HandleAnomaly(ctx, vm.Event{
		Kind:       vm.EventAnomaly,
		InstanceID: instanceID,
		Type:       typ,
		Severity:   severity,
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	})
}
