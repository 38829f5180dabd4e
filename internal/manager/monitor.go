package manager

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/junovale/clusterdash/internal/events"
	"github.com/junovale/clusterdash/internal/metrics"
	"github.com/junovale/clusterdash/internal/models"
	"github.com/junovale/clusterdash/internal/telemetry"
)

const monitorTick = 4 * time.Second

// Monitor drives periodic status updates: cloud state refreshes for
// quiet workers, maintenance of unresponsive ones and autoscaling.
type Monitor struct {
	mgr *Manager
	log *zap.Logger

	lastSystemChange time.Time
	lastUpdate       time.Time
	numWorkers       int
	updateFrequency  time.Duration

	// mountPoints is sent to ready workers so master and worker
	// filesystems stay in sync.
	mountPoints []string
}

func NewMonitor(mgr *Manager, mountPoints []string, log *zap.Logger) *Monitor {
	return &Monitor{
		mgr:              mgr,
		log:              log.Named("monitor"),
		lastSystemChange: mgr.now(),
		updateFrequency:  10 * time.Second,
		mountPoints:      mountPoints,
	}
}

// Run loops until ctx is done.
func (mon *Monitor) Run(ctx context.Context) {
	mon.log.Debug("monitor started")
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if mon.mgr.Status() == models.ClusterTerminated {
			return
		}
		mon.refreshFrequency()
		now := mon.mgr.now()
		if now.Sub(mon.lastUpdate) > mon.updateFrequency {
			mon.lastUpdate = now
			mon.Pass(ctx)
		}
	}
}

// refreshFrequency backs off the update rate as the fleet stays stable:
// updates run every 10s right after a change, every 30s after five quiet
// minutes and every 60s after ten.
func (mon *Monitor) refreshFrequency() {
	n := len(mon.mgr.Instances())
	if n != mon.numWorkers {
		mon.lastSystemChange = mon.mgr.now()
		mon.numWorkers = n
	}
	quiet := mon.mgr.now().Sub(mon.lastSystemChange)
	switch {
	case quiet > 10*time.Minute:
		mon.updateFrequency = 60 * time.Second
	case quiet > 5*time.Minute:
		mon.updateFrequency = 30 * time.Second
	default:
		mon.updateFrequency = 10 * time.Second
	}
}

// Pass runs one full status pass over the fleet.
func (mon *Monitor) Pass(ctx context.Context) {
	ctx, span := telemetry.Tracer().Start(ctx, "monitor.pass")
	defer span.End()
	start := mon.mgr.now()

	insts := mon.mgr.Instances()
	span.SetAttributes(attribute.Int("workers", len(insts)))

	mcfg := mon.mgr.monitorCfg()
	for _, inst := range insts {
		if inst.IsSpot() && !inst.SpotWasFilled() {
			mon.mgr.updateSpot(ctx, inst.ID)
			// Wait for the spot request to be filled before treating
			// this as a regular instance.
			continue
		}
		if inst.NodeReady && mon.mgr.bus != nil && len(mon.mountPoints) > 0 {
			err := mon.mgr.bus.SendCommand(ctx, inst.ID, events.Command{
				Name:        events.CmdMountPoints,
				MountPoints: mon.mountPoints,
			})
			if err != nil {
				mon.log.Warn("mount sync failed", zap.String("id", inst.ID), zap.Error(err))
			}
		}
		silence := mon.mgr.now().Sub(inst.LastComm)
		if silence < mcfg.SilenceThreshold() {
			// As long as we're hearing from an instance, assume all OK.
			continue
		}
		if mon.mgr.now().Sub(inst.LastStatusUpdate) > mcfg.QuietWorkerCheck() {
			mon.log.Debug("worker quiet, checking state",
				zap.String("instance", inst.Desc()),
				zap.Duration("silence", silence))
			if mon.mgr.bus != nil {
				// Give the worker a chance to answer before maintenance
				// escalates.
				_ = mon.mgr.bus.SendCommand(ctx, inst.ID, events.Command{
					Name: events.CmdStatusCheck,
				})
			}
			mon.mgr.Maintain(ctx, inst.ID)
		}
	}

	mon.mgr.runAutoscale(ctx)
	mon.updateWorkerMetrics()
	metrics.MonitorPassDuration.Observe(mon.mgr.now().Sub(start).Seconds())
}

func (mon *Monitor) updateWorkerMetrics() {
	counts := map[models.WorkerStatus]int{
		models.WorkerPending: 0, models.WorkerWake: 0, models.WorkerStartup: 0,
		models.WorkerReady: 0, models.WorkerStopping: 0, models.WorkerError: 0,
	}
	for _, inst := range mon.mgr.Instances() {
		counts[inst.WorkerStatus]++
	}
	for status, n := range counts {
		metrics.WorkersByState.WithLabelValues(string(status)).Set(float64(n))
	}
}

// refreshState pulls the cloud's view of one instance into the registry.
// Returns the updated copy.
func (m *Manager) refreshState(ctx context.Context, id string) (*models.Instance, error) {
	infos, err := m.cloud.DescribeInstances(ctx, id)
	if err != nil {
		metrics.CloudPollFailures.Inc()
		return nil, err
	}
	info := infos[0]
	now := m.now()
	m.mu.Lock()
	inst, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownInstance
	}
	if inst.State != info.State {
		m.log.Debug("instance state change", zap.String("id", id),
			zap.String("from", string(inst.State)), zap.String("to", string(info.State)))
		inst.State = info.State
		inst.LastStateChange = now
	}
	if info.PublicIP != "" {
		inst.PublicIP = info.PublicIP
	}
	if info.PrivateIP != "" {
		inst.PrivateIP = info.PrivateIP
	}
	inst.LastStatusUpdate = now
	cp := *inst
	m.mu.Unlock()
	m.persist(ctx, &cp)
	return &cp, nil
}

// updateSpot checks whether a spot request has been filled and promotes
// the record when it has.
func (m *Manager) updateSpot(ctx context.Context, id string) {
	infos, err := m.cloud.DescribeInstances(ctx, id)
	if err != nil {
		return
	}
	if infos[0].State != models.StateRunning && infos[0].State != models.StatePending {
		return
	}
	m.mu.Lock()
	if inst, ok := m.workers[id]; ok && inst.IsSpot() {
		inst.SpotState = models.SpotActive
		inst.State = infos[0].State
	}
	m.mu.Unlock()
}

// Maintain tries to do the right thing to keep one instance functional.
// Note that this may lead to terminating the instance.
func (m *Manager) Maintain(ctx context.Context, id string) {
	inst, err := m.refreshState(ctx, id)
	if err != nil {
		m.log.Error("state refresh failed", zap.String("id", id), zap.Error(err))
		return
	}
	mcfg := m.monitorCfg()
	now := m.now()

	stuck := now.Sub(inst.LastStateChange) > mcfg.StateChangeWait() &&
		now.Sub(inst.TimeRebooted) > mcfg.RebootTimeout()

	switch inst.State {
	case models.StatePending, models.StateShuttingDown:
		if stuck {
			m.log.Debug("maintaining instance stuck in transitional state",
				zap.String("instance", inst.Desc()), zap.String("state", string(inst.State)))
			m.rebootTerminate(ctx, inst)
		}
	case models.StateError:
		m.log.Debug("maintaining instance in error state", zap.String("instance", inst.Desc()))
		m.rebootTerminate(ctx, inst)
	case models.StateTerminated:
		m.log.Info("dropping terminated instance", zap.String("instance", inst.Desc()))
		m.dropInstance(ctx, inst.ID)
	case models.StateRunning:
		if now.Sub(inst.LastComm) > mcfg.CommTimeout() && stuck {
			m.rebootTerminate(ctx, inst)
		}
	}
}

// rebootTerminate decides whether to reboot or terminate an unhealthy
// instance. It defaults to terminating, so call it carefully.
func (m *Manager) rebootTerminate(ctx context.Context, inst *models.Instance) {
	mcfg := m.monitorCfg()
	switch {
	case inst.RebootCount < mcfg.RebootAttempts:
		if err := m.RebootInstance(ctx, inst.ID, true); err != nil {
			m.log.Error("maintenance reboot failed", zap.String("id", inst.ID), zap.Error(err))
		}
	case inst.TerminateAttemptCount >= mcfg.TerminateAttempts:
		m.log.Info("giving up terminating instance, dropping it",
			zap.String("id", inst.ID), zap.Int("attempts", inst.TerminateAttemptCount))
		m.dropInstance(ctx, inst.ID)
	default:
		m.log.Info("instance not responding after reboots, terminating",
			zap.String("id", inst.ID), zap.Int("reboots", inst.RebootCount))
		if err := m.RemoveInstance(ctx, inst.ID); err != nil {
			m.log.Error("maintenance terminate failed", zap.String("id", inst.ID), zap.Error(err))
		}
	}
}

// dropInstance removes the record without touching the cloud.
func (m *Manager) dropInstance(ctx context.Context, id string) {
	m.mu.Lock()
	delete(m.workers, id)
	m.mu.Unlock()
	if err := m.store.DeleteInstance(ctx, id); err != nil {
		m.log.Error("delete persisted instance", zap.String("id", id), zap.Error(err))
	}
}
