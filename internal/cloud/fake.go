package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/junovale/clusterdash/internal/models"
)

var _ Interface = (*Fake)(nil)

// Fake is an in-memory cloud used in tests and local runs. Instances it
// launches come up in the pending state until MarkRunning is called.
type Fake struct {
	mu     sync.Mutex
	nextID int
	vms    map[string]*VMInfo

	// Fail, when set, makes fleet calls return this error.
	Fail error
}

func NewFake() *Fake {
	return &Fake{vms: make(map[string]*VMInfo)}
}

func (f *Fake) GetInstanceID(ctx context.Context) (string, error)   { return "i-master0000", nil }
func (f *Fake) GetInstanceType(ctx context.Context) (string, error) { return "m1.large", nil }
func (f *Fake) GetZone(ctx context.Context) (string, error)         { return "us-east-1a", nil }
func (f *Fake) GetAMI(ctx context.Context) (string, error)          { return "ami-fake0000", nil }
func (f *Fake) GetPublicIP(ctx context.Context) (string, error)     { return "203.0.113.1", nil }
func (f *Fake) GetPrivateIP(ctx context.Context) (string, error)    { return "10.0.0.1", nil }

func (f *Fake) GetSecurityGroups(ctx context.Context) ([]string, error) {
	return []string{"default"}, nil
}

func (f *Fake) GetKeyPairName(ctx context.Context) (string, error) { return "fake-key", nil }

func (f *Fake) DescribeInstances(ctx context.Context, ids ...string) ([]VMInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return nil, f.Fail
	}
	var out []VMInfo
	if len(ids) == 0 {
		for _, vm := range f.vms {
			out = append(out, *vm)
		}
		return out, nil
	}
	for _, id := range ids {
		vm, ok := f.vms[id]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		out = append(out, *vm)
	}
	return out, nil
}

func (f *Fake) RunInstances(ctx context.Context, spec LaunchSpec) ([]VMInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return nil, f.Fail
	}
	var out []VMInfo
	for i := 0; i < spec.Count; i++ {
		f.nextID++
		vm := &VMInfo{
			ID:        fmt.Sprintf("i-fake%04d", f.nextID),
			State:     models.StatePending,
			Type:      spec.InstanceType,
			PublicIP:  fmt.Sprintf("203.0.113.%d", 10+f.nextID),
			PrivateIP: fmt.Sprintf("10.0.1.%d", 10+f.nextID),
			LaunchIdx: i,
		}
		f.vms[vm.ID] = vm
		out = append(out, *vm)
	}
	return out, nil
}

func (f *Fake) TerminateInstances(ctx context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return f.Fail
	}
	for _, id := range ids {
		if vm, ok := f.vms[id]; ok {
			vm.State = models.StateTerminated
		}
	}
	return nil
}

func (f *Fake) RebootInstances(ctx context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Fail
}

// MarkRunning flips a fake instance to the running state.
func (f *Fake) MarkRunning(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vm, ok := f.vms[id]; ok {
		vm.State = models.StateRunning
	}
}

// SetState forces an arbitrary state on a fake instance.
func (f *Fake) SetState(id string, state models.InstanceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vm, ok := f.vms[id]; ok {
		vm.State = state
	}
}
