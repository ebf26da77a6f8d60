// Package azure detects and remediates idle Azure resources: unattached
// managed disks, unassociated public IPs and stopped virtual machines.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"

	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// applicationID is sent in the User-Agent of every ARM request.
const applicationID = "reaper"

// ErrMissingSubscription is returned when credentials name no subscription.
var ErrMissingSubscription = errors.New("azure: subscription id is required")

// Read-only listing surfaces the plugins use.

type DiskLister interface {
	NewListPager(options *armcompute.DisksClientListOptions) *runtime.Pager[armcompute.DisksClientListResponse]
}

type VMLister interface {
	NewListAllPager(options *armcompute.VirtualMachinesClientListAllOptions) *runtime.Pager[armcompute.VirtualMachinesClientListAllResponse]
}

type PublicIPLister interface {
	NewListAllPager(options *armnetwork.PublicIPAddressesClientListAllOptions) *runtime.Pager[armnetwork.PublicIPAddressesClientListAllResponse]
}

// Session is the Azure client bundle for one subscription.
type Session struct {
	SubscriptionID string
	Credential     azcore.TokenCredential
	ClientOptions  *arm.ClientOptions

	Disks     DiskLister
	VMs       VMLister
	PublicIPs PublicIPLister
}

// Credential resolves a token credential: a service principal secret when
// one is configured, the default chain (env, managed identity, CLI) otherwise.
func Credential(creds scanner.Credentials) (azcore.TokenCredential, error) {
	if creds.ClientSecret != "" {
		return azidentity.NewClientSecretCredential(creds.TenantID, creds.ClientID, creds.ClientSecret, nil)
	}
	return azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{TenantID: creds.TenantID})
}

func clientOptions() *arm.ClientOptions {
	return &arm.ClientOptions{
		ClientOptions: policy.ClientOptions{
			Telemetry: policy.TelemetryOptions{ApplicationID: applicationID},
		},
	}
}

// NewSession authenticates and builds the listing clients.
func NewSession(ctx context.Context, creds scanner.Credentials) (*Session, error) {
	if creds.SubscriptionID == "" {
		return nil, ErrMissingSubscription
	}
	cred, err := Credential(creds)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	opts := clientOptions()

	disks, err := armcompute.NewDisksClient(creds.SubscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("disks client: %w", err)
	}
	vms, err := armcompute.NewVirtualMachinesClient(creds.SubscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("virtual machines client: %w", err)
	}
	ips, err := armnetwork.NewPublicIPAddressesClient(creds.SubscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("public ip client: %w", err)
	}
	return &Session{
		SubscriptionID: creds.SubscriptionID,
		Credential:     cred,
		ClientOptions:  opts,
		Disks:          disks,
		VMs:            vms,
		PublicIPs:      ips,
	}, nil
}

// Detector connects Azure subscriptions for the orchestrator.
type Detector struct{}

func (Detector) ProviderName() resources.Provider { return resources.ProviderAzure }

func (Detector) Connect(ctx context.Context, creds scanner.Credentials, region string) (scanner.Session, error) {
	return NewSession(ctx, creds)
}

func sessionFrom(in scanner.Input) (*Session, error) {
	s, ok := in.Session.(*Session)
	if !ok || s == nil {
		return nil, fmt.Errorf("azure: unexpected session type %T", in.Session)
	}
	return s, nil
}

// classify marks ARM 429 responses as throttling so WithBackoff retries them.
func classify(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ratelimit.ErrThrottled, err)
	}
	return err
}

// listAll drains an ARM pager. Each page goes through the limiter and
// throttle backoff; a failed page is retried without advancing the pager.
func listAll[T any](ctx context.Context, in scanner.Input, pager *runtime.Pager[T], visit func(T)) error {
	for pager.More() {
		page, err := ratelimit.Call(ctx, in.Config.Limiter, in.Config.Backoff, func(ctx context.Context) (T, error) {
			page, err := pager.NextPage(ctx)
			return page, classify(err)
		})
		if err != nil {
			return err
		}
		visit(page)
	}
	return nil
}

// resourceGroup extracts the resource group from an ARM resource id.
func resourceGroup(id string) (string, string, error) {
	rid, err := arm.ParseResourceID(id)
	if err != nil {
		return "", "", fmt.Errorf("parse resource id %q: %w", id, err)
	}
	return rid.ResourceGroupName, rid.Name, nil
}
