package azure

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"

	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// RetainUntilTag marks snapshots the remediator created.
const RetainUntilTag = "reaper-retain-until"

func init() {
	scanner.Default.RegisterDetector(Detector{})
	for _, ctor := range Plugins() {
		scanner.Default.Register(resources.ProviderAzure, ctor)
	}
}

// Plugins lists the constructors of every Azure detection rule.
func Plugins() []scanner.Constructor {
	return []scanner.Constructor{
		func() scanner.Plugin { return &UnattachedDisks{} },
		func() scanner.Plugin { return &UnassociatedPublicIPs{} },
		func() scanner.Plugin { return &StoppedVMs{} },
	}
}

// inRegion compares ARM locations ("East US" and "eastus" are the same).
// An empty region matches everything.
func inRegion(location *string, region string) bool {
	if region == "" {
		return true
	}
	norm := func(s string) string { return strings.ToLower(strings.ReplaceAll(s, " ", "")) }
	return norm(deref(location)) == norm(region)
}

// regionOf reports a matched resource under the requested region so the
// ARM display form ("East US") and the short form agree.
func regionOf(location *string, region string) string {
	if region != "" {
		return region
	}
	return deref(location)
}

// deref returns the zero value for a nil pointer.
func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

func tagMap(tags map[string]*string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = deref(v)
	}
	return out
}

func hasAnyTag(tags map[string]string, keys []string) bool {
	for _, k := range keys {
		for tk := range tags {
			if strings.EqualFold(tk, k) {
				return true
			}
		}
	}
	return false
}

func timePtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

// UnattachedDisks finds managed disks no VM claims.
type UnattachedDisks struct{}

func (*UnattachedDisks) CategoryKey() string { return "unattached_disks" }

func (*UnattachedDisks) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	th := in.Config.Thresholds.UnattachedVolume
	now := in.Config.Clock()
	minAge := time.Duration(th.UnusedDays) * 24 * time.Hour

	var disks []*armcompute.Disk
	err = listAll(ctx, in, s.Disks.NewListPager(nil), func(page armcompute.DisksClientListResponse) {
		disks = append(disks, page.Value...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list disks: %w", err)
	}

	var out []resources.Candidate
	for _, d := range disks {
		if d == nil || d.Properties == nil || !inRegion(d.Location, in.Region) {
			continue
		}
		if d.ManagedBy != nil || d.Properties.DiskState == nil || *d.Properties.DiskState != armcompute.DiskStateUnattached {
			continue
		}
		tags := tagMap(d.Tags)
		if hasAnyTag(tags, th.IgnoreTags) {
			continue
		}
		created := timePtr(d.Properties.TimeCreated)
		if created != nil && now.Sub(*created) < minAge {
			continue
		}

		id := deref(d.ID)
		rg, _, err := resourceGroup(id)
		if err != nil {
			in.Config.Log().Warn("Skipping disk with malformed id", "id", id, "error", err)
			continue
		}
		sku := ""
		if d.SKU != nil && d.SKU.Name != nil {
			sku = string(*d.SKU.Name)
		}
		sizeGB := int(deref(d.Properties.DiskSizeGB))
		confidence := 0.9
		if created != nil && now.Sub(*created) > 4*minAge {
			confidence = 0.95
		}

		out = append(out, resources.Candidate{
			ResourceID:   id,
			ResourceName: deref(d.Name),
			ResourceType: resources.AzureManagedDisk,
			Provider:     resources.ProviderAzure,
			Region:       regionOf(d.Location, in.Region),
			MonthlyCostEstimate: in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAzure,
				resources.AzureManagedDisk, pricing.FormatSize(sku, float64(sizeGB)), regionOf(d.Location, in.Region)),
			ConfidenceScore:     confidence,
			SupportsBackup:      true,
			RecommendedAction:   resources.ActionDeleteVolume,
			ExplainabilityNotes: fmt.Sprintf("Managed disk %s (%d GiB, %s) is not attached to any VM", deref(d.Name), sizeGB, sku),
			Tags:                tags,
			CreatedAt:           created,
			Metadata: map[string]string{
				"resource_group": rg,
				"location":       deref(d.Location),
				"sku":            sku,
				"size_gb":        strconv.Itoa(sizeGB),
			},
		})
	}
	return out, nil
}

// UnassociatedPublicIPs finds public IPs bound to no NIC, load balancer or
// NAT gateway.
type UnassociatedPublicIPs struct{}

func (*UnassociatedPublicIPs) CategoryKey() string { return "unassociated_public_ips" }

func (*UnassociatedPublicIPs) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}

	var ips []*armnetwork.PublicIPAddress
	err = listAll(ctx, in, s.PublicIPs.NewListAllPager(nil), func(page armnetwork.PublicIPAddressesClientListAllResponse) {
		ips = append(ips, page.Value...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list public ips: %w", err)
	}

	var out []resources.Candidate
	for _, ip := range ips {
		if ip == nil || !inRegion(ip.Location, in.Region) {
			continue
		}
		if p := ip.Properties; p != nil && (p.IPConfiguration != nil || p.NatGateway != nil) {
			continue
		}
		id := deref(ip.ID)
		rg, _, err := resourceGroup(id)
		if err != nil {
			in.Config.Log().Warn("Skipping public ip with malformed id", "id", id, "error", err)
			continue
		}
		sku := "Basic"
		if ip.SKU != nil && ip.SKU.Name != nil {
			sku = string(*ip.SKU.Name)
		}
		address := ""
		if ip.Properties != nil {
			address = deref(ip.Properties.IPAddress)
		}

		out = append(out, resources.Candidate{
			ResourceID:   id,
			ResourceName: deref(ip.Name),
			ResourceType: resources.AzurePublicIP,
			Provider:     resources.ProviderAzure,
			Region:       regionOf(ip.Location, in.Region),
			MonthlyCostEstimate: in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAzure,
				resources.AzurePublicIP, sku, regionOf(ip.Location, in.Region)),
			ConfidenceScore:     0.95,
			RecommendedAction:   resources.ActionReleaseElasticIP,
			ExplainabilityNotes: fmt.Sprintf("Public IP %s (%s) is not associated with any resource", deref(ip.Name), address),
			Tags:                tagMap(ip.Tags),
			Metadata: map[string]string{
				"resource_group": rg,
				"location":       deref(ip.Location),
				"sku":            sku,
				"ip_address":     address,
			},
		})
	}
	return out, nil
}

const (
	powerStopped     = "PowerState/stopped"
	powerDeallocated = "PowerState/deallocated"
)

// powerState returns the VM's power state code and the time of its last
// provisioning change, which Azure stamps when a deallocation completes.
func powerState(vm *armcompute.VirtualMachine) (string, *time.Time) {
	if vm.Properties == nil || vm.Properties.InstanceView == nil {
		return "", nil
	}
	var code string
	var changed *time.Time
	for _, st := range vm.Properties.InstanceView.Statuses {
		if st == nil {
			continue
		}
		c := deref(st.Code)
		switch {
		case strings.HasPrefix(c, "PowerState/"):
			code = c
		case strings.HasPrefix(c, "ProvisioningState/"):
			changed = timePtr(st.Time)
		}
	}
	return code, changed
}

// StoppedVMs flags VMs stopped from inside the guest, which still bill
// compute until deallocated, and VMs deallocated for longer than the
// stopped threshold.
type StoppedVMs struct{}

func (*StoppedVMs) CategoryKey() string { return "stopped_vms" }

func (*StoppedVMs) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	th := in.Config.Thresholds.IdleInstance
	now := in.Config.Clock()

	var vms []*armcompute.VirtualMachine
	pager := s.VMs.NewListAllPager(&armcompute.VirtualMachinesClientListAllOptions{StatusOnly: to.Ptr("true")})
	err = listAll(ctx, in, pager, func(page armcompute.VirtualMachinesClientListAllResponse) {
		vms = append(vms, page.Value...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list virtual machines: %w", err)
	}

	var out []resources.Candidate
	for _, vm := range vms {
		if vm == nil || !inRegion(vm.Location, in.Region) {
			continue
		}
		state, changed := powerState(vm)
		id := deref(vm.ID)
		rg, _, err := resourceGroup(id)
		if err != nil {
			in.Config.Log().Warn("Skipping VM with malformed id", "id", id, "error", err)
			continue
		}
		size := ""
		if vm.Properties != nil && vm.Properties.HardwareProfile != nil && vm.Properties.HardwareProfile.VMSize != nil {
			size = string(*vm.Properties.HardwareProfile.VMSize)
		}
		var created *time.Time
		if vm.Properties != nil {
			created = timePtr(vm.Properties.TimeCreated)
		}
		c := resources.Candidate{
			ResourceID:   id,
			ResourceName: deref(vm.Name),
			ResourceType: resources.AzureVirtualMachine,
			Provider:     resources.ProviderAzure,
			Region:       regionOf(vm.Location, in.Region),
			Tags:         tagMap(vm.Tags),
			CreatedAt:    created,
			Metadata: map[string]string{
				"resource_group": rg,
				"location":       deref(vm.Location),
				"vm_size":        size,
				"power_state":    state,
			},
		}

		switch state {
		case powerStopped:
			c.MonthlyCostEstimate = in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAzure,
				resources.AzureVirtualMachine, size, regionOf(vm.Location, in.Region))
			c.ConfidenceScore = 0.9
			c.RecommendedAction = resources.ActionStopInstance
			c.ExplainabilityNotes = fmt.Sprintf("VM %s is stopped but not deallocated and still bills for %s compute", deref(vm.Name), size)
		case powerDeallocated:
			if changed == nil || now.Sub(*changed) < th.StoppedThreshold {
				continue
			}
			sku, sizeGB := osDisk(vm)
			c.MonthlyCostEstimate = in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAzure,
				resources.AzureManagedDisk, pricing.FormatSize(sku, float64(sizeGB)), regionOf(vm.Location, in.Region))
			c.ConfidenceScore = 0.8
			c.RecommendedAction = resources.ActionTerminateInstance
			c.ExplainabilityNotes = fmt.Sprintf("VM %s has been deallocated for %d days", deref(vm.Name), int(now.Sub(*changed).Hours()/24))
			c.Metadata["deallocated_since"] = changed.Format(time.RFC3339)
		default:
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// osDisk reports the storage class and size of a VM's managed OS disk.
func osDisk(vm *armcompute.VirtualMachine) (string, int) {
	if vm.Properties == nil || vm.Properties.StorageProfile == nil || vm.Properties.StorageProfile.OSDisk == nil {
		return "", 0
	}
	d := vm.Properties.StorageProfile.OSDisk
	sku := ""
	if d.ManagedDisk != nil && d.ManagedDisk.StorageAccountType != nil {
		sku = string(*d.ManagedDisk.StorageAccountType)
	}
	return sku, int(deref(d.DiskSizeGB))
}
