package gcp

import (
	"context"
	"sync"

	compute "google.golang.org/api/compute/v1"
)

type MockCompute struct {
	ListDisksFunc     func(ctx context.Context, project string) ([]*compute.Disk, error)
	ListAddressesFunc func(ctx context.Context, project, region string) ([]*compute.Address, error)

	mu        sync.Mutex
	Calls     []string
	Snapshots []*compute.Snapshot
	Err       error
}

func (m *MockCompute) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

func (m *MockCompute) ListDisks(ctx context.Context, project string) ([]*compute.Disk, error) {
	if m.ListDisksFunc != nil {
		return m.ListDisksFunc(ctx, project)
	}
	return nil, nil
}

func (m *MockCompute) ListAddresses(ctx context.Context, project, region string) ([]*compute.Address, error) {
	if m.ListAddressesFunc != nil {
		return m.ListAddressesFunc(ctx, project, region)
	}
	return nil, nil
}

func (m *MockCompute) SnapshotDisk(ctx context.Context, project, zone, disk string, snapshot *compute.Snapshot) error {
	m.record("SnapshotDisk " + project + "/" + zone + "/" + disk)
	m.Snapshots = append(m.Snapshots, snapshot)
	return m.Err
}

func (m *MockCompute) DeleteDisk(ctx context.Context, project, zone, disk string) error {
	m.record("DeleteDisk " + project + "/" + zone + "/" + disk)
	return m.Err
}

func (m *MockCompute) DeleteAddress(ctx context.Context, project, region, name string) error {
	m.record("DeleteAddress " + project + "/" + region + "/" + name)
	return m.Err
}
