// Package manager is the console's core: it owns the worker registry,
// applies lifecycle operations against the cloud middleware, ingests
// worker status reports and drives autoscaling.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/junovale/clusterdash/internal/cloud"
	"github.com/junovale/clusterdash/internal/config"
	"github.com/junovale/clusterdash/internal/events"
	"github.com/junovale/clusterdash/internal/metrics"
	"github.com/junovale/clusterdash/internal/models"
	"github.com/junovale/clusterdash/internal/storage"
)

var (
	ErrUnknownInstance = errors.New("unknown instance")
	ErrNoIdleInstances = errors.New("no idle instances to remove")
)

// WorkerChannel is the messaging surface the manager needs from the
// events bus.
type WorkerChannel interface {
	SubscribeWorkerStatus(fn func(models.WorkerReport)) error
	SendCommand(ctx context.Context, workerID string, cmd events.Command) error
}

// Manager tracks the cluster's worker instances.
type Manager struct {
	log   *zap.Logger
	cloud cloud.Interface
	store storage.Store
	bus   WorkerChannel // may be nil when running without a broker

	cfgMu    sync.RWMutex
	mon      config.Monitor
	cloudCfg config.Cloud

	mu      sync.RWMutex
	workers map[string]*models.Instance
	status  models.ClusterStatus

	// operations mutex per instance id
	opMu sync.Map

	autoscale *Autoscaler

	clusterName string
	masterID    string
	zone        string
	startedAt   time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New creates a manager. The bus may be nil; worker reports then only
// arrive through HandleWorkerReport directly.
func New(cfg *config.Config, cl cloud.Interface, store storage.Store, bus WorkerChannel, log *zap.Logger) *Manager {
	m := &Manager{
		log:         log.Named("manager"),
		cloud:       cl,
		store:       store,
		bus:         bus,
		mon:         cfg.Monitor,
		cloudCfg:    cfg.Cloud,
		workers:     make(map[string]*models.Instance),
		status:      models.ClusterStarting,
		clusterName: cfg.ClusterName,
		now:         time.Now,
	}
	m.autoscale = NewAutoscaler(cfg.Autoscale, m.log)
	return m
}

// Start recovers persisted state and hooks up the worker channel.
func (m *Manager) Start(ctx context.Context) error {
	m.startedAt = m.now()

	// Master identity is best effort; the metadata service may not be
	// reachable yet and nothing downstream requires it.
	if id, err := m.cloud.GetInstanceID(ctx); err == nil {
		m.masterID = id
	}
	if z, err := m.cloud.GetZone(ctx); err == nil {
		m.zone = z
	}

	persisted, err := m.store.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("recover instances: %w", err)
	}
	m.mu.Lock()
	for _, inst := range persisted {
		if inst.State == models.StateTerminated {
			continue
		}
		m.workers[inst.ID] = inst
	}
	n := len(m.workers)
	m.mu.Unlock()
	if n > 0 {
		m.log.Info("recovered persisted workers", zap.Int("count", n))
	}

	if cc, err := m.store.GetClusterConfig(ctx); err == nil {
		m.autoscale.Restore(cc)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("recover cluster config: %w", err)
	}

	if m.bus != nil {
		if err := m.bus.SubscribeWorkerStatus(m.HandleWorkerReport); err != nil {
			return err
		}
		// Ask recovered workers to prove they are still there.
		for _, inst := range m.Instances() {
			_ = m.bus.SendCommand(ctx, inst.ID, events.Command{Name: events.CmdAlive})
		}
	}

	m.mu.Lock()
	m.status = models.ClusterWaiting
	m.mu.Unlock()
	return nil
}

// ApplyConfig takes over freshly reloaded monitor thresholds and
// autoscaling defaults.
func (m *Manager) ApplyConfig(cfg *config.Config) {
	m.cfgMu.Lock()
	m.mon = cfg.Monitor
	m.cfgMu.Unlock()
	m.autoscale.SetLimits(cfg.Autoscale.Min, cfg.Autoscale.Max)
	m.log.Info("applied reloaded config")
}

func (m *Manager) monitorCfg() config.Monitor {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.mon
}

// ClusterName returns the configured cluster name.
func (m *Manager) ClusterName() string { return m.clusterName }

// Status returns the cluster lifecycle status.
func (m *Manager) Status() models.ClusterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Autoscaler exposes the autoscaling control surface.
func (m *Manager) Autoscaler() *Autoscaler { return m.autoscale }

// AppStatus rolls the workers' self-reported status up into one traffic
// light: nodata with no workers, red when any worker errored, green when
// every worker is ready, yellow in between.
func (m *Manager) AppStatus() models.Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.workers) == 0 {
		return models.HealthNoData
	}
	ready := 0
	for _, inst := range m.workers {
		if inst.WorkerStatus == models.WorkerError || inst.State == models.StateError {
			return models.HealthRed
		}
		if inst.NodeReady {
			ready++
		}
	}
	if ready == len(m.workers) {
		return models.HealthGreen
	}
	return models.HealthYellow
}

// DataStatus rolls the workers' filesystem mount flags up the same way:
// green once every ready worker has all of its mounts.
func (m *Manager) DataStatus() models.Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.workers) == 0 {
		return models.HealthNoData
	}
	sawReady := false
	allMounted := true
	for _, inst := range m.workers {
		if !inst.NodeReady {
			continue
		}
		sawReady = true
		if inst.NFSData == 0 || inst.NFSTools == 0 || inst.NFSIndices == 0 || inst.NFSSGE == 0 {
			allMounted = false
		}
	}
	switch {
	case !sawReady:
		return models.HealthNoData
	case allMounted:
		return models.HealthGreen
	default:
		return models.HealthYellow
	}
}

// Uptime reports how long the console has been running.
func (m *Manager) Uptime() time.Duration {
	if m.startedAt.IsZero() {
		return 0
	}
	return m.now().Sub(m.startedAt)
}

// Instances returns the registry sorted by id for stable rendering.
func (m *Manager) Instances() []*models.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Instance, 0, len(m.workers))
	for _, inst := range m.workers {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Instance returns a copy of one registry entry.
func (m *Manager) Instance(id string) (*models.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.workers[id]
	if !ok {
		return nil, ErrUnknownInstance
	}
	cp := *inst
	return &cp, nil
}

// NumAvailableWorkers counts workers in the Ready state.
func (m *Manager) NumAvailableWorkers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, inst := range m.workers {
		if inst.NodeReady {
			n++
		}
	}
	return n
}

// IdleInstances returns ready workers currently holding no scheduler
// slots.
func (m *Manager) IdleInstances() []*models.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Instance
	for _, inst := range m.workers {
		if inst.NodeReady && inst.UsedSlots == 0 {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddInstances launches count workers of the given type. A non-empty
// spotPrice places spot requests instead of on-demand instances.
func (m *Manager) AddInstances(ctx context.Context, count int, instanceType, spotPrice string) ([]*models.Instance, error) {
	if count < 1 {
		return nil, fmt.Errorf("invalid instance count %d", count)
	}
	m.cfgMu.RLock()
	if instanceType == "" {
		instanceType = m.cloudCfg.WorkerType
	}
	m.cfgMu.RUnlock()

	infos, err := m.cloud.RunInstances(ctx, cloud.LaunchSpec{
		Count:        count,
		InstanceType: instanceType,
		SpotPrice:    spotPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("add instances: %w", err)
	}

	now := m.now()
	added := make([]*models.Instance, 0, len(infos))
	m.mu.Lock()
	for _, info := range infos {
		inst := &models.Instance{
			ID:              info.ID,
			State:           info.State,
			WorkerStatus:    models.WorkerPending,
			Type:            info.Type,
			PublicIP:        info.PublicIP,
			PrivateIP:       info.PrivateIP,
			Lifecycle:       models.LifecycleOnDemand,
			NumCPUs:         1,
			Version:         1,
			CreatedAt:       now,
			UpdatedAt:       now,
			LastStateChange: now,
		}
		if spotPrice != "" {
			inst.Lifecycle = models.LifecycleSpot
			inst.SpotRequestID = "sir-" + uuid.NewString()[:12]
			inst.SpotState = models.SpotOpen
		}
		m.workers[inst.ID] = inst
		added = append(added, inst)
	}
	m.mu.Unlock()

	for _, inst := range added {
		if err := m.store.SaveInstance(ctx, inst); err != nil {
			m.log.Error("persist new instance", zap.String("id", inst.ID), zap.Error(err))
		}
	}
	m.log.Info("added worker instances", zap.Int("count", len(added)),
		zap.String("type", instanceType), zap.Bool("spot", spotPrice != ""))
	return added, nil
}

// RemoveInstances takes count workers out of the cluster. Idle workers
// go first; force allows terminating busy ones when idle workers do not
// cover the request.
func (m *Manager) RemoveInstances(ctx context.Context, count int, force bool) (int, error) {
	if count < 1 {
		return 0, fmt.Errorf("invalid instance count %d", count)
	}
	victims := m.IdleInstances()
	if len(victims) > count {
		victims = victims[:count]
	}
	if len(victims) < count && force {
		all := m.Instances()
		for _, inst := range all {
			if len(victims) == count {
				break
			}
			if inst.State == models.StateTerminated || isListed(victims, inst.ID) {
				continue
			}
			victims = append(victims, inst)
		}
	}
	if len(victims) == 0 {
		return 0, ErrNoIdleInstances
	}
	removed := 0
	for _, inst := range victims {
		if err := m.RemoveInstance(ctx, inst.ID); err != nil {
			m.log.Error("remove instance", zap.String("id", inst.ID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func isListed(list []*models.Instance, id string) bool {
	for _, inst := range list {
		if inst.ID == id {
			return true
		}
	}
	return false
}

// RemoveInstance terminates one worker and drops it from the registry.
func (m *Manager) RemoveInstance(ctx context.Context, id string) error {
	lock := m.opLock(id)
	defer lock.Unlock()

	m.mu.RLock()
	_, ok := m.workers[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownInstance
	}

	if m.bus != nil {
		// Best effort; a worker mid-shutdown may never see it.
		_ = m.bus.SendCommand(ctx, id, events.Command{Name: events.CmdRestart})
	}
	if err := m.cloud.TerminateInstances(ctx, id); err != nil {
		m.mu.Lock()
		if inst, ok := m.workers[id]; ok {
			inst.TerminateAttemptCount++
		}
		m.mu.Unlock()
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	metrics.InstanceTerminations.Inc()

	m.mu.Lock()
	delete(m.workers, id)
	m.mu.Unlock()
	if err := m.store.DeleteInstance(ctx, id); err != nil {
		m.log.Error("delete persisted instance", zap.String("id", id), zap.Error(err))
	}
	m.log.Info("removed worker instance", zap.String("id", id))
	return nil
}

// RebootInstance reboots one worker, counting the attempt against its
// reboot budget when countReboot is set.
func (m *Manager) RebootInstance(ctx context.Context, id string, countReboot bool) error {
	lock := m.opLock(id)
	defer lock.Unlock()

	m.mu.Lock()
	inst, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownInstance
	}
	if countReboot {
		inst.RebootCount++
	}
	inst.TimeRebooted = m.now()
	inst.WorkerStatus = models.WorkerPending
	inst.IsAlive = false
	inst.NodeReady = false
	cp := *inst
	m.mu.Unlock()

	if err := m.cloud.RebootInstances(ctx, id); err != nil {
		return fmt.Errorf("reboot %s: %w", id, err)
	}
	metrics.InstanceReboots.Inc()
	m.persist(ctx, &cp)
	m.log.Info("rebooted worker instance", zap.String("id", id),
		zap.Int("reboot_count", cp.RebootCount))
	return nil
}

// AddLiveInstance registers an already-running instance the console did
// not launch itself (a worker that phoned home first).
func (m *Manager) AddLiveInstance(ctx context.Context, id string) error {
	infos, err := m.cloud.DescribeInstances(ctx, id)
	if err != nil {
		return fmt.Errorf("add live instance %s: %w", id, err)
	}
	info := infos[0]
	if info.State == models.StateTerminated || info.State == models.StateShuttingDown {
		return fmt.Errorf("instance %s is %s, not adding", id, info.State)
	}
	now := m.now()
	inst := &models.Instance{
		ID:              info.ID,
		State:           info.State,
		WorkerStatus:    models.WorkerWake,
		Type:            info.Type,
		PublicIP:        info.PublicIP,
		PrivateIP:       info.PrivateIP,
		Lifecycle:       models.LifecycleOnDemand,
		NumCPUs:         1,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastStateChange: now,
		LastComm:        now,
	}
	m.mu.Lock()
	m.workers[inst.ID] = inst
	m.mu.Unlock()
	m.persist(ctx, inst)
	m.log.Info("added live instance", zap.String("id", id))
	return nil
}

// HandleWorkerReport ingests one worker status message.
func (m *Manager) HandleWorkerReport(rep models.WorkerReport) {
	now := m.now()
	m.mu.RLock()
	_, known := m.workers[rep.ID]
	m.mu.RUnlock()
	if !known {
		// Same resolution as an unknown reply-to on the old worker
		// channel: try registering the sender as a live instance.
		m.log.Debug("report from unknown instance, registering", zap.String("id", rep.ID))
		if err := m.AddLiveInstance(context.Background(), rep.ID); err != nil {
			m.log.Warn("ignoring report from unknown instance",
				zap.String("id", rep.ID), zap.Error(err))
			return
		}
	}

	// The op lock serializes the update with a concurrent removal so a
	// stale report cannot re-persist a record the removal just deleted.
	lock := m.opLock(rep.ID)
	defer lock.Unlock()

	m.mu.Lock()
	inst, ok := m.workers[rep.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	prior := inst.WorkerStatus
	inst.WorkerStatus = rep.WorkerStatus
	inst.NFSData = rep.NFSData
	inst.NFSTools = rep.NFSTools
	inst.NFSIndices = rep.NFSIndices
	inst.NFSSGE = rep.NFSSGE
	inst.NFSTFS = rep.NFSTFS
	inst.GetCert = rep.GetCert
	inst.SGEStarted = rep.SGEStarted
	inst.Load = rep.Load
	if rep.NumCPUs > 0 {
		inst.NumCPUs = rep.NumCPUs
	}
	inst.UsedSlots = rep.UsedSlots
	if rep.LocalHost != "" {
		inst.LocalHostname = rep.LocalHost
	}
	inst.IsAlive = true
	inst.NodeReady = rep.WorkerStatus == models.WorkerReady
	inst.LastComm = now
	inst.UpdatedAt = now
	inst.Version++
	cp := *inst
	m.mu.Unlock()

	if prior != rep.WorkerStatus {
		m.log.Info("worker status change", zap.String("id", rep.ID),
			zap.String("from", string(prior)), zap.String("to", string(rep.WorkerStatus)))
	}
	m.persist(context.Background(), &cp)
	m.recomputeClusterStatus()
}

// WorkersStatus returns the cloud-level state per worker, optionally
// limited to one id.
func (m *Manager) WorkersStatus(ctx context.Context, workerID string) (map[string]models.InstanceState, error) {
	out := make(map[string]models.InstanceState)
	if workerID != "" {
		infos, err := m.cloud.DescribeInstances(ctx, workerID)
		if err != nil {
			return nil, err
		}
		out[infos[0].ID] = infos[0].State
		return out, nil
	}
	for _, inst := range m.Instances() {
		out[inst.ID] = inst.State
	}
	return out, nil
}

// Shutdown stops the cluster: optionally terminates workers, persists
// everything and flips the cluster status.
func (m *Manager) Shutdown(ctx context.Context, terminateWorkers bool) error {
	m.mu.Lock()
	m.status = models.ClusterShuttingDown
	m.mu.Unlock()

	if terminateWorkers {
		ids := make([]string, 0)
		for _, inst := range m.Instances() {
			ids = append(ids, inst.ID)
		}
		if len(ids) > 0 {
			if err := m.cloud.TerminateInstances(ctx, ids...); err != nil {
				m.log.Error("terminate workers at shutdown", zap.Error(err))
			}
		}
	}
	m.persistClusterConfig(ctx)

	m.mu.Lock()
	m.status = models.ClusterTerminated
	m.mu.Unlock()
	return nil
}

func (m *Manager) persist(ctx context.Context, inst *models.Instance) {
	if err := m.store.SaveInstance(ctx, inst); err != nil {
		m.log.Error("persist instance", zap.String("id", inst.ID), zap.Error(err))
	}
}

func (m *Manager) persistClusterConfig(ctx context.Context) {
	on, min, max, itype := m.autoscale.Limits()
	cc := &storage.ClusterConfig{
		ClusterName:     m.clusterName,
		MasterID:        m.masterID,
		PlacementZone:   m.zone,
		AutoscaleOn:     on,
		AutoscaleMin:    min,
		AutoscaleMax:    max,
		WorkerType:      itype,
		PersistedAtUnix: m.now().Unix(),
	}
	if err := m.store.SaveClusterConfig(ctx, cc); err != nil {
		m.log.Error("persist cluster config", zap.Error(err))
	}
}

// recomputeClusterStatus flips WAITING to READY once any worker is up;
// an empty cluster counts as ready too once started.
func (m *Manager) recomputeClusterStatus() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != models.ClusterWaiting {
		return
	}
	for _, inst := range m.workers {
		if inst.NodeReady {
			m.status = models.ClusterReady
			return
		}
	}
}

// opLock ensures only one lifecycle op per instance at a time.
func (m *Manager) opLock(id string) *sync.Mutex {
	v, _ := m.opMu.LoadOrStore(id, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx
}
