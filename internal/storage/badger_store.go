package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/junovale/clusterdash/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store persists the console's view of the cluster so it survives a
// master restart. Kept minimal, allows swapping implementations.
type Store interface {
	SaveInstance(ctx context.Context, m *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	ListInstances(ctx context.Context) ([]*models.Instance, error)
	DeleteInstance(ctx context.Context, id string) error

	SaveClusterConfig(ctx context.Context, cfg *ClusterConfig) error
	GetClusterConfig(ctx context.Context) (*ClusterConfig, error)

	Close() error
}

// ClusterConfig is the persisted cluster description (the analogue of
// the cluster's persistent data file): identity plus autoscaling limits.
type ClusterConfig struct {
	ClusterName     string `json:"cluster_name"`
	MasterID        string `json:"master_id"`
	AutoscaleOn     bool   `json:"autoscale_on"`
	AutoscaleMin    int    `json:"as_min"`
	AutoscaleMax    int    `json:"as_max"`
	WorkerType      string `json:"worker_instance_type"`
	PlacementZone   string `json:"placement_zone,omitempty"`
	PersistedAtUnix int64  `json:"persisted_at"`
}

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // disable badger logs for test clarity
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

const instancePrefix = "instance:"

func instanceKey(id string) []byte {
	return []byte(instancePrefix + id)
}

var clusterConfigKey = []byte("cluster:config")

func (s *BadgerStore) SaveInstance(ctx context.Context, m *models.Instance) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return txn.Set(instanceKey(m.ID), data)
	})
}

func (s *BadgerStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var out models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(instanceKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	var out []*models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(instancePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m models.Instance
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			})
			if err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) DeleteInstance(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(instanceKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) SaveClusterConfig(ctx context.Context, cfg *ClusterConfig) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return txn.Set(clusterConfigKey, data)
	})
}

func (s *BadgerStore) GetClusterConfig(ctx context.Context) (*ClusterConfig, error) {
	var out ClusterConfig
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(clusterConfigKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
