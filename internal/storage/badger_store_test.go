package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/junovale/clusterdash/internal/models"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInstanceRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	m := &models.Instance{
		ID:           "i-store1",
		State:        models.StateRunning,
		WorkerStatus: models.WorkerReady,
		Load:         "0.10 0.20 0.30",
		NumCPUs:      2,
		Version:      3,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := store.SaveInstance(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetInstance(ctx, "i-store1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.StateRunning || got.WorkerStatus != models.WorkerReady {
		t.Errorf("state fields lost: %+v", got)
	}
	if got.Version != 3 || got.Load != "0.10 0.20 0.30" {
		t.Errorf("fields lost: %+v", got)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetInstance(context.Background(), "i-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListAndDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"i-a", "i-b", "i-c"} {
		if err := store.SaveInstance(ctx, &models.Instance{ID: id}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	// The cluster config record must not leak into instance listings.
	cc := storageTestConfig()
	if err := store.SaveClusterConfig(ctx, &cc); err != nil {
		t.Fatalf("save config: %v", err)
	}

	insts, err := store.ListInstances(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(insts) != 3 {
		t.Fatalf("len = %d, want 3", len(insts))
	}

	if err := store.DeleteInstance(ctx, "i-b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteInstance(ctx, "i-b"); err != nil {
		t.Fatalf("double delete should be a no-op: %v", err)
	}
	insts, _ = store.ListInstances(ctx)
	if len(insts) != 2 {
		t.Fatalf("len after delete = %d, want 2", len(insts))
	}
}

func storageTestConfig() ClusterConfig {
	return ClusterConfig{
		ClusterName:  "test-cluster",
		AutoscaleOn:  true,
		AutoscaleMin: 1,
		AutoscaleMax: 5,
		WorkerType:   "m1.small",
	}
}

func TestClusterConfigRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetClusterConfig(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected ErrNotFound before first save")
	}
	cfg := storageTestConfig()
	if err := store.SaveClusterConfig(ctx, &cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetClusterConfig(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AutoscaleMax != 5 || !got.AutoscaleOn || got.ClusterName != "test-cluster" {
		t.Errorf("config lost fields: %+v", got)
	}
}
