// Package gpu implements the fixed-table GPU allocator: a difficulty-class
// partitioned set of devices leased and released under a single exclusive
// critical section, with an independent telemetry refresh loop.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrFull is returned by Lease when no device of the requested difficulty
// is available. It carries the difficulty class for caller logging.
type ErrFull struct {
	Difficulty string
}

func (e *ErrFull) Error() string {
	return fmt.Sprintf("gpu: no available device of difficulty %q", e.Difficulty)
}

// Is allows errors.Is(err, ErrFullAny) style checks against the sentinel.
func (e *ErrFull) Is(target error) bool {
	_, ok := target.(*ErrFull)
	return ok
}

// ErrFullAny is a sentinel usable with errors.Is to detect capacity
// refusal without caring which difficulty was requested.
var ErrFullAny = &ErrFull{}

// Telemetry is one GPU's most recent utilization snapshot.
type Telemetry struct {
	MemUsedMB int
	TempC     int
	UtilPct   int
}

// TelemetryProvider is the external GpuTelemetry collaborator (spec §6):
// snapshot() -> [{id, mem_used, temp, util}], may fail, failures degrade
// snapshots but never block allocation.
type TelemetryProvider interface {
	Snapshot(ctx context.Context) (map[string]Telemetry, error)
}

// NilTelemetryProvider always returns an empty snapshot, used when no
// telemetry backend is configured.
type NilTelemetryProvider struct{}

// Snapshot implements TelemetryProvider.
func (NilTelemetryProvider) Snapshot(context.Context) (map[string]Telemetry, error) {
	return nil, nil
}

// Device is one GPU in the fixed table.
type Device struct {
	ID         string
	Difficulty string
	Available  bool
	Telemetry  Telemetry
}

// Allocator holds the fixed device table built at startup and exposes
// lease/release/snapshot per spec.md §4.2.
type Allocator struct {
	mu      sync.RWMutex
	devices []Device
	index   map[string]int

	telemetry TelemetryProvider
	log       *logrus.Entry

	gauge *prometheus.GaugeVec
}

// New builds an Allocator from a positional id/difficulty pairing, as read
// from GPU_DEVICE_IDS / GPU_DEVICE_DIFFICULTY.
func New(ids, difficulties []string, telemetry TelemetryProvider, reg prometheus.Registerer, log *logrus.Entry) (*Allocator, error) {
	if len(ids) != len(difficulties) {
		return nil, errors.New("gpu: GPU_DEVICE_IDS and GPU_DEVICE_DIFFICULTY must be the same length")
	}
	if telemetry == nil {
		telemetry = NilTelemetryProvider{}
	}
	a := &Allocator{
		devices:   make([]Device, len(ids)),
		index:     make(map[string]int, len(ids)),
		telemetry: telemetry,
		log:       log,
	}
	for i, id := range ids {
		a.devices[i] = Device{ID: id, Difficulty: difficulties[i], Available: true}
		a.index[id] = i
	}

	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpu_allocated",
		Help: "1 if the GPU device is currently leased, 0 otherwise.",
	}, []string{"gpu_id", "difficulty"})
	if reg != nil {
		if err := reg.Register(gauge); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				gauge = are.ExistingCollector.(*prometheus.GaugeVec)
			} else {
				return nil, fmt.Errorf("gpu: registering metric: %w", err)
			}
		}
	}
	a.gauge = gauge
	for _, d := range a.devices {
		a.gauge.WithLabelValues(d.ID, d.Difficulty).Set(0)
	}
	return a, nil
}

// Lease atomically scans devices of the requested difficulty, ascending by
// id, and returns the first available one, marking it leased.
func (a *Allocator) Lease(difficulty string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidates := make([]int, 0)
	for i, d := range a.devices {
		if d.Difficulty == difficulty && d.Available {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return "", &ErrFull{Difficulty: difficulty}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return a.devices[candidates[i]].ID < a.devices[candidates[j]].ID
	})
	idx := candidates[0]
	a.devices[idx].Available = false
	a.gauge.WithLabelValues(a.devices[idx].ID, a.devices[idx].Difficulty).Set(1)
	return a.devices[idx].ID, nil
}

// Release marks gpuID available again. Idempotent: releasing an
// already-available or unknown device is a no-op.
func (a *Allocator) Release(gpuID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.index[gpuID]
	if !ok {
		return
	}
	a.devices[idx].Available = true
	a.gauge.WithLabelValues(a.devices[idx].ID, a.devices[idx].Difficulty).Set(0)
}

// Snapshot returns a read-only copy of the device table for health
// reporting and the /api/gpus endpoint.
func (a *Allocator) Snapshot() []Device {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Device, len(a.devices))
	copy(out, a.devices)
	return out
}

// RunTelemetryLoop polls the TelemetryProvider every interval until ctx is
// canceled, updating each device's telemetry snapshot without touching the
// Available flag's critical section semantics.
func (a *Allocator) RunTelemetryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refreshTelemetry(ctx)
		}
	}
}

func (a *Allocator) refreshTelemetry(ctx context.Context) {
	snap, err := a.telemetry.Snapshot(ctx)
	if err != nil {
		a.log.WithError(err).Warn("gpu telemetry refresh failed, keeping stale snapshot")
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range snap {
		if idx, ok := a.index[id]; ok {
			a.devices[idx].Telemetry = t
		}
	}
}
