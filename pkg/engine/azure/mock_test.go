package azure

import (
	"context"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
)

// pagerOf serves pages in order; fail, when set, is consulted before each
// fetch and may inject an error.
func pagerOf[T any](pages []T, fail func(page int) error) *runtime.Pager[T] {
	next := 0
	return runtime.NewPager(runtime.PagingHandler[T]{
		More: func(T) bool { return next < len(pages) },
		Fetcher: func(ctx context.Context, _ *T) (T, error) {
			var zero T
			if fail != nil {
				if err := fail(next); err != nil {
					return zero, err
				}
			}
			if next >= len(pages) {
				return zero, nil
			}
			p := pages[next]
			next++
			return p, nil
		},
	})
}

type MockDisks struct {
	Pages []armcompute.DisksClientListResponse
	Fail  func(page int) error
}

func (m *MockDisks) NewListPager(*armcompute.DisksClientListOptions) *runtime.Pager[armcompute.DisksClientListResponse] {
	return pagerOf(m.Pages, m.Fail)
}

type MockVMs struct {
	Pages   []armcompute.VirtualMachinesClientListAllResponse
	Options *armcompute.VirtualMachinesClientListAllOptions
}

func (m *MockVMs) NewListAllPager(opts *armcompute.VirtualMachinesClientListAllOptions) *runtime.Pager[armcompute.VirtualMachinesClientListAllResponse] {
	m.Options = opts
	return pagerOf(m.Pages, nil)
}

type MockPublicIPs struct {
	Pages []armnetwork.PublicIPAddressesClientListAllResponse
}

func (m *MockPublicIPs) NewListAllPager(*armnetwork.PublicIPAddressesClientListAllOptions) *runtime.Pager[armnetwork.PublicIPAddressesClientListAllResponse] {
	return pagerOf(m.Pages, nil)
}

func diskPage(disks ...*armcompute.Disk) armcompute.DisksClientListResponse {
	return armcompute.DisksClientListResponse{DiskList: armcompute.DiskList{Value: disks}}
}

func vmPage(vms ...*armcompute.VirtualMachine) armcompute.VirtualMachinesClientListAllResponse {
	return armcompute.VirtualMachinesClientListAllResponse{VirtualMachineListResult: armcompute.VirtualMachineListResult{Value: vms}}
}

func ipPage(ips ...*armnetwork.PublicIPAddress) armnetwork.PublicIPAddressesClientListAllResponse {
	return armnetwork.PublicIPAddressesClientListAllResponse{PublicIPAddressListResult: armnetwork.PublicIPAddressListResult{Value: ips}}
}

func mockSession() *Session {
	return &Session{
		SubscriptionID: "00000000-0000-0000-0000-000000000001",
		Disks:          &MockDisks{},
		VMs:            &MockVMs{},
		PublicIPs:      &MockPublicIPs{},
	}
}

// MockOperations records every mutation in order.
type MockOperations struct {
	mu    sync.Mutex
	Calls []string

	SnapshotDiskFunc func(rg, name string, snapshot armcompute.Snapshot) (string, error)
	Err              error
	Snapshots        []armcompute.Snapshot
}

func (m *MockOperations) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

func (m *MockOperations) SnapshotDisk(ctx context.Context, rg, name string, snapshot armcompute.Snapshot) (string, error) {
	m.record("SnapshotDisk " + rg)
	m.Snapshots = append(m.Snapshots, snapshot)
	if m.SnapshotDiskFunc != nil {
		return m.SnapshotDiskFunc(rg, name, snapshot)
	}
	return "/subscriptions/s/resourceGroups/" + rg + "/providers/Microsoft.Compute/snapshots/" + name, m.Err
}

func (m *MockOperations) DeleteDisk(ctx context.Context, rg, name string) error {
	m.record("DeleteDisk " + rg + "/" + name)
	return m.Err
}

func (m *MockOperations) DeallocateVM(ctx context.Context, rg, name string) error {
	m.record("DeallocateVM " + rg + "/" + name)
	return m.Err
}

func (m *MockOperations) DeleteVM(ctx context.Context, rg, name string) error {
	m.record("DeleteVM " + rg + "/" + name)
	return m.Err
}

func (m *MockOperations) DeletePublicIP(ctx context.Context, rg, name string) error {
	m.record("DeletePublicIP " + rg + "/" + name)
	return m.Err
}
