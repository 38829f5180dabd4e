package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/junovale/clusterdash/internal/cloud"
	"github.com/junovale/clusterdash/internal/config"
	"github.com/junovale/clusterdash/internal/events"
	"github.com/junovale/clusterdash/internal/models"
	"github.com/junovale/clusterdash/internal/storage"
)

func TestMonitorFrequencyBackoff(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now()
	m.now = func() time.Time { return base }

	mon := NewMonitor(m, nil, zap.NewNop())

	mon.refreshFrequency()
	if mon.updateFrequency != 10*time.Second {
		t.Errorf("fresh system frequency = %v, want 10s", mon.updateFrequency)
	}

	base = base.Add(6 * time.Minute)
	mon.refreshFrequency()
	if mon.updateFrequency != 30*time.Second {
		t.Errorf("after 6 quiet minutes = %v, want 30s", mon.updateFrequency)
	}

	base = base.Add(5 * time.Minute)
	mon.refreshFrequency()
	if mon.updateFrequency != 60*time.Second {
		t.Errorf("after 11 quiet minutes = %v, want 60s", mon.updateFrequency)
	}

	// A fleet change resets the backoff.
	if _, err := m.AddInstances(context.Background(), 1, "", ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	mon.refreshFrequency()
	if mon.updateFrequency != 10*time.Second {
		t.Errorf("after fleet change = %v, want 10s", mon.updateFrequency)
	}
}

func TestMonitorPassEmptyFleet(t *testing.T) {
	m, _ := newTestManager(t)
	mon := NewMonitor(m, nil, zap.NewNop())
	// Must not panic or invent workers.
	mon.Pass(context.Background())
	if len(m.Instances()) != 0 {
		t.Error("pass on empty fleet changed the registry")
	}
}

func TestMonitorPassSkipsTalkativeWorkers(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	added, _ := m.AddInstances(ctx, 1, "", "")
	id := added[0].ID
	fake.MarkRunning(id)
	m.HandleWorkerReport(models.WorkerReport{ID: id, WorkerStatus: models.WorkerReady})

	// The worker just phoned home; a pass must not reboot or drop it.
	mon := NewMonitor(m, nil, zap.NewNop())
	mon.Pass(ctx)

	inst, err := m.Instance(id)
	if err != nil {
		t.Fatalf("worker vanished: %v", err)
	}
	if inst.RebootCount != 0 {
		t.Errorf("reboot count = %d, want 0", inst.RebootCount)
	}
}

// recordingChannel captures commands instead of talking to a broker.
type recordingChannel struct {
	mu   sync.Mutex
	sent []sentCommand
}

type sentCommand struct {
	workerID string
	cmd      events.Command
}

func (c *recordingChannel) SubscribeWorkerStatus(func(models.WorkerReport)) error { return nil }

func (c *recordingChannel) SendCommand(_ context.Context, workerID string, cmd events.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentCommand{workerID: workerID, cmd: cmd})
	return nil
}

func (c *recordingChannel) commands(workerID, name string) []events.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Command
	for _, s := range c.sent {
		if s.workerID == workerID && s.cmd.Name == name {
			out = append(out, s.cmd)
		}
	}
	return out
}

func TestMonitorPassSyncsMountPoints(t *testing.T) {
	store, err := storage.NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	fake := cloud.NewFake()
	ch := &recordingChannel{}
	ctx := context.Background()

	m := New(config.Default(), fake, store, ch, zap.NewNop())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	added, _ := m.AddInstances(ctx, 2, "", "")
	ready, booting := added[0].ID, added[1].ID
	fake.MarkRunning(ready)
	m.HandleWorkerReport(models.WorkerReport{ID: ready, WorkerStatus: models.WorkerReady})

	mounts := []string{"/mnt/galaxyData", "/mnt/galaxyTools"}
	mon := NewMonitor(m, mounts, zap.NewNop())
	mon.Pass(ctx)

	cmds := ch.commands(ready, events.CmdMountPoints)
	if len(cmds) != 1 {
		t.Fatalf("ready worker got %d mount sync commands, want 1", len(cmds))
	}
	if len(cmds[0].MountPoints) != 2 || cmds[0].MountPoints[0] != "/mnt/galaxyData" {
		t.Errorf("mount points = %v", cmds[0].MountPoints)
	}
	if got := ch.commands(booting, events.CmdMountPoints); len(got) != 0 {
		t.Errorf("booting worker got %d mount sync commands, want 0", len(got))
	}
}
