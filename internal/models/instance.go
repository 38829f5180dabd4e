package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InstanceState is the machine state reported by the cloud middleware.
type InstanceState string

const (
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateShuttingDown InstanceState = "shutting-down"
	StateTerminated   InstanceState = "terminated"
	StateError        InstanceState = "error"
)

// WorkerStatus is the coarse bootstrap/readiness label a worker reports
// about itself, as opposed to the cloud-level InstanceState.
type WorkerStatus string

const (
	WorkerPending  WorkerStatus = "Pending"
	WorkerWake     WorkerStatus = "Wake"
	WorkerStartup  WorkerStatus = "Startup"
	WorkerReady    WorkerStatus = "Ready"
	WorkerStopping WorkerStatus = "Stopping"
	WorkerError    WorkerStatus = "Error"
)

// Lifecycle distinguishes on-demand from spot-backed instances.
type Lifecycle string

const (
	LifecycleOnDemand Lifecycle = "ondemand"
	LifecycleSpot     Lifecycle = "spot"
)

// Spot request states as reported by the cloud middleware.
const (
	SpotOpen      = "open"
	SpotActive    = "active"
	SpotCancelled = "cancelled"
)

// Instance is the core domain object: one worker node as tracked by the
// console. Shared between the manager, storage and API layers.
type Instance struct {
	ID            string        `json:"id"`
	State         InstanceState `json:"instance_state"`
	WorkerStatus  WorkerStatus  `json:"worker_status"`
	Type          string        `json:"instance_type"`
	PublicIP      string        `json:"public_ip"`
	PrivateIP     string        `json:"private_ip,omitempty"`
	LocalHostname string        `json:"local_hostname,omitempty"`

	Lifecycle     Lifecycle `json:"lifecycle"`
	SpotRequestID string    `json:"spot_request_id,omitempty"`
	SpotState     string    `json:"spot_state,omitempty"`

	// Filesystem mount readiness flags, reported by the worker while it
	// bootstraps. Zero until the corresponding mount succeeds.
	NFSData    int `json:"nfs_data"`
	NFSTools   int `json:"nfs_tools"`
	NFSIndices int `json:"nfs_indices"`
	NFSSGE     int `json:"nfs_sge"`
	NFSTFS     int `json:"nfs_tfs"`
	GetCert    int `json:"get_cert"`
	SGEStarted int `json:"sge_started"`

	// Load is the raw 1/5/15 minute load-average triple, space separated.
	Load    string `json:"ld"`
	NumCPUs int    `json:"num_cpus"`

	IsAlive   bool `json:"is_alive"`
	NodeReady bool `json:"node_ready"`

	LastStateChange  time.Time `json:"last_state_change"`
	LastStatusUpdate time.Time `json:"last_status_update"`
	LastComm         time.Time `json:"last_comm"`
	TimeRebooted     time.Time `json:"time_rebooted"`

	RebootCount           int `json:"reboot_count"`
	TerminateAttemptCount int `json:"terminate_attempt_count"`

	UsedSlots int `json:"used_slots"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSpot reports whether this instance is spot-backed.
func (m *Instance) IsSpot() bool {
	return m.Lifecycle == LifecycleSpot
}

// SpotWasFilled reports whether a spot request has been satisfied with a
// live instance.
func (m *Instance) SpotWasFilled() bool {
	return m.IsSpot() && m.SpotState == SpotActive
}

// TimeInState returns the whole seconds since the last cloud state
// change, as a decimal string. This is the dashboard wire format.
func (m *Instance) TimeInState(now time.Time) string {
	return strconv.Itoa(int(now.Sub(m.LastStateChange) / time.Second))
}

// NormalizedLoad divides each field of the load triple by the CPU count.
// Malformed or empty triples are returned as-is.
func NormalizedLoad(load string, numCPUs int) string {
	if numCPUs <= 0 {
		numCPUs = 1
	}
	lds := strings.Fields(load)
	if len(lds) != 3 {
		return load
	}
	out := make([]string, 3)
	for i, f := range lds {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return load
		}
		out[i] = trimFloat(v / float64(numCPUs))
	}
	return strings.Join(out, " ")
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}

// DisplayLoad is the `ld` column the dashboard shows. A running instance
// that has not yet phoned home shows "Starting"; a ready one with no load
// sample yet shows "Running"; otherwise the CPU-normalized triple.
func (m *Instance) DisplayLoad() string {
	if m.State == StateRunning {
		switch {
		case !m.IsAlive:
			return "Starting"
		case m.Load != "":
			return NormalizedLoad(m.Load, m.NumCPUs)
		case m.NodeReady:
			return "Running"
		}
		return ""
	}
	return string(m.State)
}

// StatusDict renders the instance in the shape the dashboard's JSON feed
// uses. Keys are part of the wire contract; do not rename.
func (m *Instance) StatusDict(now time.Time) map[string]interface{} {
	ld := m.Load
	if ld != "" {
		ld = NormalizedLoad(ld, m.NumCPUs)
	}
	return map[string]interface{}{
		"id":             m.ID,
		"instance_state": string(m.State),
		"worker_status":  string(m.WorkerStatus),
		"time_in_state":  m.TimeInState(now),
		"nfs_data":       m.NFSData,
		"nfs_tools":      m.NFSTools,
		"nfs_indices":    m.NFSIndices,
		"nfs_sge":        m.NFSSGE,
		"nfs_tfs":        m.NFSTFS,
		"get_cert":       m.GetCert,
		"sge_started":    m.SGEStarted,
		"ld":             ld,
		"instance_type":  m.Type,
		"public_ip":      m.PublicIP,
	}
}

// Desc is a short descriptive label for logging.
func (m *Instance) Desc() string {
	if m.IsSpot() && !m.SpotWasFilled() {
		return fmt.Sprintf("'%s'", m.SpotRequestID)
	}
	return fmt.Sprintf("'%s' (IP: %s)", m.ID, m.PublicIP)
}

// Health is a traffic-light roll-up shown on the dashboard header.
type Health string

const (
	HealthGreen  Health = "green"
	HealthYellow Health = "yellow"
	HealthRed    Health = "red"
	HealthNoData Health = "nodata"
)

// ClusterStatus is the overall lifecycle of the cluster the console
// manages.
type ClusterStatus string

const (
	ClusterStarting     ClusterStatus = "STARTING"
	ClusterWaiting      ClusterStatus = "WAITING"
	ClusterReady        ClusterStatus = "READY"
	ClusterShuttingDown ClusterStatus = "SHUTTING_DOWN"
	ClusterTerminated   ClusterStatus = "TERMINATED"
)

// WorkerReport is the status payload a worker publishes about itself.
type WorkerReport struct {
	ID           string       `json:"id"`
	WorkerStatus WorkerStatus `json:"worker_status"`
	NFSData      int          `json:"nfs_data"`
	NFSTools     int          `json:"nfs_tools"`
	NFSIndices   int          `json:"nfs_indices"`
	NFSSGE       int          `json:"nfs_sge"`
	NFSTFS       int          `json:"nfs_tfs"`
	GetCert      int          `json:"get_cert"`
	SGEStarted   int          `json:"sge_started"`
	Load         string       `json:"ld"`
	NumCPUs      int          `json:"num_cpus"`
	UsedSlots    int          `json:"used_slots"`
	LocalHost    string       `json:"local_hostname,omitempty"`
	Time         int64        `json:"time"`
}
