package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/junovale/clusterdash/internal/cloud"
	"github.com/junovale/clusterdash/internal/config"
	"github.com/junovale/clusterdash/internal/models"
	"github.com/junovale/clusterdash/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *cloud.Fake) {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fake := cloud.NewFake()
	m := New(config.Default(), fake, store, nil, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return m, fake
}

func TestAddAndReportSequence(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	added, err := m.AddInstances(ctx, 2, "m1.small", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("added %d, want 2", len(added))
	}
	id := added[0].ID

	inst, err := m.Instance(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inst.State != models.StatePending || inst.WorkerStatus != models.WorkerPending {
		t.Fatalf("fresh instance in %s/%s", inst.State, inst.WorkerStatus)
	}

	// Cloud starts it and the worker phones home ready.
	fake.MarkRunning(id)
	if _, err := m.refreshState(ctx, id); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	m.HandleWorkerReport(models.WorkerReport{
		ID:           id,
		WorkerStatus: models.WorkerReady,
		NFSData:      1, NFSTools: 1, NFSIndices: 1, NFSSGE: 1,
		GetCert: 1, SGEStarted: 1,
		Load:    "0.10 0.05 0.01",
		NumCPUs: 2,
	})

	inst, _ = m.Instance(id)
	if inst.State != models.StateRunning {
		t.Errorf("state = %s, want running", inst.State)
	}
	if !inst.NodeReady || !inst.IsAlive {
		t.Errorf("worker should be alive and ready: %+v", inst)
	}
	if inst.NFSData != 1 || inst.SGEStarted != 1 {
		t.Errorf("report flags not applied: %+v", inst)
	}
	if m.NumAvailableWorkers() != 1 {
		t.Errorf("available workers = %d, want 1", m.NumAvailableWorkers())
	}
}

func TestRemoveIdleFirst(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	added, _ := m.AddInstances(ctx, 2, "", "")
	busy, idle := added[0].ID, added[1].ID
	for _, id := range []string{busy, idle} {
		fake.MarkRunning(id)
	}
	m.HandleWorkerReport(models.WorkerReport{ID: busy, WorkerStatus: models.WorkerReady, UsedSlots: 4})
	m.HandleWorkerReport(models.WorkerReport{ID: idle, WorkerStatus: models.WorkerReady, UsedSlots: 0})

	removed, err := m.RemoveInstances(ctx, 1, false)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if _, err := m.Instance(idle); !errors.Is(err, ErrUnknownInstance) {
		t.Error("idle instance should have been removed")
	}
	if _, err := m.Instance(busy); err != nil {
		t.Error("busy instance should have survived")
	}

	// Only the busy worker is left; without force there is nothing to
	// remove.
	if _, err := m.RemoveInstances(ctx, 1, false); !errors.Is(err, ErrNoIdleInstances) {
		t.Errorf("err = %v, want ErrNoIdleInstances", err)
	}
	if removed, err := m.RemoveInstances(ctx, 1, true); err != nil || removed != 1 {
		t.Errorf("forced remove = %d, %v", removed, err)
	}
}

func TestAddLiveInstance(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	// Launch outside the manager, as if a worker from a previous
	// console run phones home.
	infos, err := fake.RunInstances(ctx, cloud.LaunchSpec{Count: 1, InstanceType: "m1.small"})
	if err != nil {
		t.Fatalf("fake launch: %v", err)
	}
	id := infos[0].ID
	fake.MarkRunning(id)

	m.HandleWorkerReport(models.WorkerReport{ID: id, WorkerStatus: models.WorkerStartup})

	inst, err := m.Instance(id)
	if err != nil {
		t.Fatalf("unknown sender should have been registered: %v", err)
	}
	if inst.WorkerStatus != models.WorkerStartup {
		t.Errorf("worker status = %s", inst.WorkerStatus)
	}
}

func TestReportFromUnknownTerminatedInstanceIgnored(t *testing.T) {
	m, _ := newTestManager(t)
	m.HandleWorkerReport(models.WorkerReport{ID: "i-ghost", WorkerStatus: models.WorkerReady})
	if _, err := m.Instance("i-ghost"); !errors.Is(err, ErrUnknownInstance) {
		t.Error("instance unknown to the cloud must not be registered")
	}
}

func TestMaintainRebootThenTerminate(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	added, _ := m.AddInstances(ctx, 1, "", "")
	id := added[0].ID

	// Push the clock far enough that a pending instance counts as stuck.
	base := time.Now()
	m.now = func() time.Time { return base.Add(time.Hour) }

	mcfg := m.monitorCfg()
	for i := 0; i < mcfg.RebootAttempts; i++ {
		m.Maintain(ctx, id)
		inst, err := m.Instance(id)
		if err != nil {
			t.Fatalf("instance dropped after %d reboots", i)
		}
		if inst.RebootCount != i+1 {
			t.Fatalf("reboot count = %d, want %d", inst.RebootCount, i+1)
		}
		// Rebooting stamps TimeRebooted with the fake clock; move past
		// the reboot timeout again and re-enter the stuck state.
		base = m.now()
		m.now = func() time.Time { return base.Add(time.Hour) }
		m.forceState(id, models.StatePending)
	}

	// Budget exhausted: the next maintenance pass terminates.
	m.Maintain(ctx, id)
	if _, err := m.Instance(id); !errors.Is(err, ErrUnknownInstance) {
		t.Fatal("instance should have been terminated and dropped")
	}
	infos, _ := fake.DescribeInstances(ctx, id)
	if infos[0].State != models.StateTerminated {
		t.Errorf("cloud state = %s, want terminated", infos[0].State)
	}
}

func TestMaintainDropsTerminated(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	added, _ := m.AddInstances(ctx, 1, "", "")
	id := added[0].ID
	fake.SetState(id, models.StateTerminated)

	m.Maintain(ctx, id)
	if _, err := m.Instance(id); !errors.Is(err, ErrUnknownInstance) {
		t.Fatal("terminated instance should be dropped from the registry")
	}
}

func TestSpotInstancePromotion(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	added, err := m.AddInstances(ctx, 1, "", "0.10")
	if err != nil {
		t.Fatalf("add spot: %v", err)
	}
	inst := added[0]
	if !inst.IsSpot() || inst.SpotRequestID == "" {
		t.Fatalf("expected a spot record: %+v", inst)
	}
	if inst.SpotWasFilled() {
		t.Fatal("spot request filled too early")
	}

	fake.MarkRunning(inst.ID)
	m.updateSpot(ctx, inst.ID)

	got, _ := m.Instance(inst.ID)
	if !got.SpotWasFilled() {
		t.Errorf("spot request should be filled: %+v", got)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	fake := cloud.NewFake()
	ctx := context.Background()

	m := New(config.Default(), fake, store, nil, zap.NewNop())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	added, _ := m.AddInstances(ctx, 2, "", "")
	m.Autoscaler().Start(2, 6, "m1.large")
	if err := m.Shutdown(ctx, false); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	store.Close()

	store2, err := storage.NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen badger: %v", err)
	}
	defer store2.Close()
	m2 := New(config.Default(), fake, store2, nil, zap.NewNop())
	if err := m2.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := len(m2.Instances()); got != 2 {
		t.Errorf("recovered %d workers, want 2", got)
	}
	for _, inst := range added {
		if _, err := m2.Instance(inst.ID); err != nil {
			t.Errorf("worker %s not recovered", inst.ID)
		}
	}
	on, asMin, asMax, itype := m2.Autoscaler().Limits()
	if !on || asMin != 2 || asMax != 6 || itype != "m1.large" {
		t.Errorf("autoscaling not recovered: on=%v %d..%d %s", on, asMin, asMax, itype)
	}
}

func TestStaleReportCannotResurrectRemovedInstance(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	added, _ := m.AddInstances(ctx, 1, "", "")
	id := added[0].ID
	fake.MarkRunning(id)
	m.HandleWorkerReport(models.WorkerReport{ID: id, WorkerStatus: models.WorkerReady})

	// Reports keep arriving while the instance is being removed; none of
	// them may write the record back after the removal deleted it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			m.HandleWorkerReport(models.WorkerReport{ID: id, WorkerStatus: models.WorkerReady})
		}
	}()
	if err := m.RemoveInstance(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	<-done

	if _, err := m.Instance(id); !errors.Is(err, ErrUnknownInstance) {
		t.Error("removed instance back in the registry")
	}
	if _, err := m.store.GetInstance(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("removed instance still persisted: %v", err)
	}
}

func TestHealthRollups(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	if m.AppStatus() != models.HealthNoData || m.DataStatus() != models.HealthNoData {
		t.Fatalf("empty cluster = %s/%s, want nodata", m.AppStatus(), m.DataStatus())
	}

	added, _ := m.AddInstances(ctx, 2, "", "")
	if m.AppStatus() != models.HealthYellow {
		t.Errorf("booting cluster app status = %s, want yellow", m.AppStatus())
	}

	for _, inst := range added {
		fake.MarkRunning(inst.ID)
		m.HandleWorkerReport(models.WorkerReport{
			ID:           inst.ID,
			WorkerStatus: models.WorkerReady,
			NFSData:      1, NFSTools: 1, NFSIndices: 1, NFSSGE: 1,
		})
	}
	if m.AppStatus() != models.HealthGreen {
		t.Errorf("ready cluster app status = %s, want green", m.AppStatus())
	}
	if m.DataStatus() != models.HealthGreen {
		t.Errorf("mounted cluster data status = %s, want green", m.DataStatus())
	}

	// One worker loses a mount.
	m.HandleWorkerReport(models.WorkerReport{
		ID:           added[0].ID,
		WorkerStatus: models.WorkerReady,
		NFSData:      0, NFSTools: 1, NFSIndices: 1, NFSSGE: 1,
	})
	if m.DataStatus() != models.HealthYellow {
		t.Errorf("missing mount data status = %s, want yellow", m.DataStatus())
	}

	// One worker errors out.
	m.HandleWorkerReport(models.WorkerReport{ID: added[1].ID, WorkerStatus: models.WorkerError})
	if m.AppStatus() != models.HealthRed {
		t.Errorf("errored worker app status = %s, want red", m.AppStatus())
	}
}

// forceState rewrites the registry's view of an instance's cloud state,
// bypassing the cloud refresh.
func (m *Manager) forceState(id string, state models.InstanceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.workers[id]; ok {
		inst.State = state
	}
}
