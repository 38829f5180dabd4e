package manager

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/junovale/clusterdash/internal/config"
	"github.com/junovale/clusterdash/internal/metrics"
	"github.com/junovale/clusterdash/internal/models"
	"github.com/junovale/clusterdash/internal/storage"
)

// loadHighWater is the normalized 1-minute load above which a fully
// busy fleet is considered overloaded.
const loadHighWater = 0.8

// Autoscaler holds the autoscaling switch and limits. Decisions run
// from the monitor loop; the console endpoints flip the switch and
// adjust the limits at runtime.
type Autoscaler struct {
	log *zap.Logger

	mu           sync.Mutex
	on           bool
	min, max     int
	instanceType string
}

func NewAutoscaler(cfg config.Autoscale, log *zap.Logger) *Autoscaler {
	return &Autoscaler{
		log:          log.Named("autoscale"),
		on:           cfg.Enabled,
		min:          cfg.Min,
		max:          cfg.Max,
		instanceType: cfg.InstanceType,
	}
}

// Restore applies persisted autoscaling state recovered at boot.
func (a *Autoscaler) Restore(cc *storage.ClusterConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.on = cc.AutoscaleOn
	if cc.AutoscaleMin > 0 {
		a.min = cc.AutoscaleMin
	}
	if cc.AutoscaleMax > 0 {
		a.max = cc.AutoscaleMax
	}
	if cc.WorkerType != "" {
		a.instanceType = cc.WorkerType
	}
}

// Enabled reports whether autoscaling is on.
func (a *Autoscaler) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.on
}

// Limits returns the current switch state, limits and instance type.
func (a *Autoscaler) Limits() (on bool, min, max int, instanceType string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.on, a.min, a.max, a.instanceType
}

// Start turns autoscaling on with the given limits. Turning it on while
// already on only updates the limits.
func (a *Autoscaler) Start(min, max int, instanceType string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.on {
		a.log.Debug("autoscaling is already on")
	}
	a.on = true
	a.min, a.max = min, max
	if instanceType != "" {
		a.instanceType = instanceType
	}
	a.log.Info("autoscaling on", zap.Int("as_min", min), zap.Int("as_max", max),
		zap.String("instance_type", a.instanceType))
}

// Stop turns autoscaling off.
func (a *Autoscaler) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.on {
		a.log.Debug("not stopping autoscaling because it is not on")
		return
	}
	a.on = false
	a.log.Info("autoscaling off")
}

// SetLimits adjusts the min/max without touching the switch.
func (a *Autoscaler) SetLimits(min, max int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if min > 0 {
		a.min = min
	}
	if max > 0 {
		a.max = max
	}
	a.log.Info("adjusted autoscaling limits", zap.Int("as_min", a.min), zap.Int("as_max", a.max))
}

// Decide returns how many workers to add (positive) or remove
// (negative) given the current fleet view. Zero means leave it alone.
func (a *Autoscaler) Decide(total, ready, idle int, maxNormLoad float64) int {
	a.mu.Lock()
	on, min, max := a.on, a.min, a.max
	a.mu.Unlock()
	if !on {
		return 0
	}
	switch {
	case total < min:
		return min - total
	case total > max:
		return max - total
	case idle == 0 && ready == total && total < max && maxNormLoad >= loadHighWater:
		// Everyone is busy and loaded; grow by one.
		return 1
	case idle > 0 && total > min:
		// Shed idle capacity down to the minimum, one at a time.
		return -1
	}
	return 0
}

// runAutoscale performs one autoscaling pass over the current fleet.
func (m *Manager) runAutoscale(ctx context.Context) {
	insts := m.Instances()
	total := len(insts)
	ready, idle := 0, 0
	maxLoad := 0.0
	for _, inst := range insts {
		if inst.NodeReady {
			ready++
			if inst.UsedSlots == 0 {
				idle++
			}
		}
		if l := firstLoadField(models.NormalizedLoad(inst.Load, inst.NumCPUs)); l > maxLoad {
			maxLoad = l
		}
	}

	delta := m.autoscale.Decide(total, ready, idle, maxLoad)
	switch {
	case delta > 0:
		_, _, _, itype := m.autoscale.Limits()
		if _, err := m.AddInstances(ctx, delta, itype, ""); err != nil {
			m.log.Error("autoscale up failed", zap.Error(err))
			return
		}
		metrics.AutoscaleEvents.WithLabelValues("up").Inc()
	case delta < 0:
		if _, err := m.RemoveInstances(ctx, -delta, false); err != nil {
			m.log.Error("autoscale down failed", zap.Error(err))
			return
		}
		metrics.AutoscaleEvents.WithLabelValues("down").Inc()
	}
	if delta != 0 {
		m.persistClusterConfig(ctx)
	}
}

func firstLoadField(load string) float64 {
	fields := strings.Fields(load)
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}
