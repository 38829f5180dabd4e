package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the console's user-data file. Every field has a workable
// default so an empty file (or none at all) still boots a local cluster
// against the fake cloud.
type Config struct {
	ClusterName string `yaml:"cluster_name"`

	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DBPath      string `yaml:"db_path"`
	NATSURL     string `yaml:"nats_url"`

	// MountPoints lists the master's filesystem exports; the monitor
	// pushes the list to ready workers so their mounts stay in sync.
	MountPoints []string `yaml:"mount_points"`

	Cloud     Cloud     `yaml:"cloud"`
	Monitor   Monitor   `yaml:"monitor"`
	Autoscale Autoscale `yaml:"autoscale"`
}

// Cloud selects and configures the cloud middleware.
type Cloud struct {
	// Provider is "ec2", "openstack" or "fake".
	Provider  string `yaml:"provider"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	// Endpoint overrides the EC2 API endpoint; required for openstack.
	Endpoint string `yaml:"endpoint"`

	ImageID        string   `yaml:"image_id"`
	KeyName        string   `yaml:"key_name"`
	SecurityGroups []string `yaml:"security_groups"`
	WorkerType     string   `yaml:"worker_instance_type"`
}

// Monitor holds the maintenance thresholds, in seconds.
type Monitor struct {
	StateChangeWaitSec  int `yaml:"instance_state_change_wait"`
	RebootTimeoutSec    int `yaml:"instance_reboot_timeout"`
	CommTimeoutSec      int `yaml:"instance_comm_timeout"`
	RebootAttempts      int `yaml:"instance_reboot_attempts"`
	TerminateAttempts   int `yaml:"instance_terminate_attempts"`
	QuietWorkerCheckSec int `yaml:"quiet_worker_check"`
	SilenceThresholdSec int `yaml:"worker_silence_threshold"`
}

func (m Monitor) StateChangeWait() time.Duration { return secs(m.StateChangeWaitSec) }
func (m Monitor) RebootTimeout() time.Duration   { return secs(m.RebootTimeoutSec) }
func (m Monitor) CommTimeout() time.Duration     { return secs(m.CommTimeoutSec) }
func (m Monitor) QuietWorkerCheck() time.Duration {
	return secs(m.QuietWorkerCheckSec)
}
func (m Monitor) SilenceThreshold() time.Duration {
	return secs(m.SilenceThresholdSec)
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// Autoscale is the default autoscaling setting applied at boot; the
// console endpoints adjust it at runtime.
type Autoscale struct {
	Enabled      bool   `yaml:"enabled"`
	Min          int    `yaml:"as_min"`
	Max          int    `yaml:"as_max"`
	InstanceType string `yaml:"instance_type"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ClusterName: "clusterdash",
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		DBPath:      "./data/badger",
		NATSURL:     "nats://localhost:4222",
		MountPoints: []string{"/mnt/galaxyData", "/mnt/galaxyTools", "/mnt/galaxyIndices"},
		Cloud: Cloud{
			Provider:   "fake",
			Region:     "us-east-1",
			WorkerType: "m1.medium",
		},
		Monitor: Monitor{
			StateChangeWaitSec:  400,
			RebootTimeoutSec:    300,
			CommTimeoutSec:      180,
			RebootAttempts:      4,
			TerminateAttempts:   4,
			QuietWorkerCheckSec: 30,
			SilenceThresholdSec: 22,
		},
		Autoscale: Autoscale{
			Min:          1,
			Max:          4,
			InstanceType: "m1.medium",
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
