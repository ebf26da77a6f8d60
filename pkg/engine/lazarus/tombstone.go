package lazarus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/DrSkyle/reaper/pkg/storage"
)

// Tombstone is the serialized configuration of a resource, written before
// any destructive call so the resource can be rebuilt by hand.
type Tombstone struct {
	TenantID     string            `json:"tenant_id"`
	RequestID    string            `json:"request_id"`
	ResourceID   string            `json:"resource_id"`
	ResourceType string            `json:"resource_type"`
	Provider     string            `json:"provider"`
	Region       string            `json:"region"`
	Action       string            `json:"action"`
	Timestamp    int64             `json:"timestamp"`
	Tags         map[string]string `json:"tags,omitempty"`
	// Soul holds the provider coordinates and configuration captured at scan time.
	Soul map[string]string `json:"soul"`
}

// NewTombstone creates a new preservation record.
func NewTombstone(tenantID, requestID, resourceID, resourceType, provider, region, action string, at time.Time) *Tombstone {
	return &Tombstone{
		TenantID:     tenantID,
		RequestID:    requestID,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Provider:     provider,
		Region:       region,
		Action:       action,
		Timestamp:    at.Unix(),
		Soul:         map[string]string{},
	}
}

// Key is the blob key a tombstone is stored under.
func (t *Tombstone) Key() string {
	return fmt.Sprintf("tombstones/%s/%s/%s-%d.json", safe(t.TenantID), safe(t.Provider), safe(t.ResourceID), t.Timestamp)
}

// safe flattens ARNs and Azure resource ids into one path segment.
func safe(s string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "\\", "_", "..", "_")
	if s == "" {
		return "_"
	}
	return r.Replace(s)
}

// Vault stores tombstones in a BlobStore.
type Vault struct {
	store storage.BlobStore
}

func NewVault(store storage.BlobStore) *Vault {
	return &Vault{store: store}
}

// Bury writes t and returns its key.
func (v *Vault) Bury(ctx context.Context, t *Tombstone) (string, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize tombstone: %w", err)
	}
	key := t.Key()
	if err := v.store.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("failed to store tombstone: %w", err)
	}
	return key, nil
}

// Exhume reads a tombstone back.
func (v *Vault) Exhume(ctx context.Context, key string) (*Tombstone, error) {
	data, err := v.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var t Tombstone
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse tombstone: %w", err)
	}
	return &t, nil
}

// List returns the tombstone keys recorded for a tenant.
func (v *Vault) List(ctx context.Context, tenantID string) ([]string, error) {
	return v.store.List(ctx, "tombstones/"+safe(tenantID)+"/")
}
