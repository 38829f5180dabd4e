package cloud

import (
	"context"
	"errors"

	"github.com/junovale/clusterdash/internal/models"
)

var (
	ErrInstanceNotFound = errors.New("instance not found on the cloud")
)

// VMInfo is the per-instance view the cloud middleware returns when the
// console asks about the fleet.
type VMInfo struct {
	ID        string
	State     models.InstanceState
	Type      string
	PublicIP  string
	PrivateIP string
	LaunchIdx int
}

// LaunchSpec describes worker instances to be started.
type LaunchSpec struct {
	Count        int
	InstanceType string
	// SpotPrice, when non-empty, requests spot instances at that bid.
	SpotPrice string
	UserData  string
}

// Interface abstracts the cloud middleware. The console only needs
// metadata about the node it runs on and a handful of fleet operations.
type Interface interface {
	// Metadata about the master node itself. Values are cached after
	// the first successful fetch.
	GetInstanceID(ctx context.Context) (string, error)
	GetInstanceType(ctx context.Context) (string, error)
	GetZone(ctx context.Context) (string, error)
	GetAMI(ctx context.Context) (string, error)
	GetPublicIP(ctx context.Context) (string, error)
	GetPrivateIP(ctx context.Context) (string, error)
	GetSecurityGroups(ctx context.Context) ([]string, error)
	GetKeyPairName(ctx context.Context) (string, error)

	// Fleet operations.
	DescribeInstances(ctx context.Context, ids ...string) ([]VMInfo, error)
	RunInstances(ctx context.Context, spec LaunchSpec) ([]VMInfo, error)
	TerminateInstances(ctx context.Context, ids ...string) error
	RebootInstances(ctx context.Context, ids ...string) error
}
