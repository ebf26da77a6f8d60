package lazarus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DrSkyle/reaper/pkg/storage"
)

func TestVault_BuryAndExhume(t *testing.T) {
	ctx := context.Background()
	v := NewVault(storage.NewLocalStore(t.TempDir()))

	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	ts := NewTombstone("tenant-a", "req-1",
		"/subscriptions/s/resourceGroups/rg/providers/Microsoft.Compute/disks/d1",
		"Microsoft.Compute/disks", "azure", "eastus", "delete_volume", at)
	ts.Soul["resource_group"] = "rg"
	ts.Tags = map[string]string{"team": "data"}

	key, err := v.Bury(ctx, ts)
	if err != nil {
		t.Fatalf("Bury: %v", err)
	}
	if strings.Count(key, "/") != 3 {
		t.Errorf("resource id separators should be flattened, key=%q", key)
	}

	back, err := v.Exhume(ctx, key)
	if err != nil {
		t.Fatalf("Exhume: %v", err)
	}
	if back.Soul["resource_group"] != "rg" || back.Tags["team"] != "data" || back.Timestamp != at.Unix() {
		t.Errorf("tombstone did not round trip: %+v", back)
	}

	keys, err := v.List(ctx, "tenant-a")
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Errorf("List = %v, %v", keys, err)
	}
	if keys, _ := v.List(ctx, "tenant-b"); len(keys) != 0 {
		t.Errorf("other tenant should see nothing, got %v", keys)
	}
}
