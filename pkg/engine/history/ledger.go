// Package history keeps a per-connection ledger of scan totals and derives
// waste trends from it.
package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"

	"github.com/DrSkyle/reaper/pkg/resources"
	"github.com/DrSkyle/reaper/pkg/storage"
)

// DefaultRetain is how many snapshots a series keeps.
const DefaultRetain = 500

// Snapshot is the waste a single scan found for one connection and region.
type Snapshot struct {
	Timestamp         int64              `json:"timestamp"`
	TenantID          string             `json:"tenant_id"`
	ConnectionID      string             `json:"connection_id"`
	Provider          resources.Provider `json:"provider"`
	Region            string             `json:"region"`
	TotalMonthlyWaste float64            `json:"monthly_waste"`
	CategoryCounts    map[string]int     `json:"category_counts"`
	WasteCount        int                `json:"waste_count"`
}

// Series identifies one ledger.
type Series struct {
	TenantID     string
	ConnectionID string
	Region       string
}

func (s Snapshot) Series() Series {
	return Series{TenantID: s.TenantID, ConnectionID: s.ConnectionID, Region: s.Region}
}

func (s Series) key() string {
	region := s.Region
	if region == "" {
		region = "all"
	}
	return path.Join("history",
		url.PathEscape(s.TenantID),
		url.PathEscape(s.ConnectionID),
		url.PathEscape(region)+".jsonl")
}

// Ledger stores each series as a JSONL object in a blob store, so the same
// ledger works on local disk and S3.
type Ledger struct {
	store  storage.BlobStore
	retain int

	mu sync.Mutex
}

func NewLedger(store storage.BlobStore, retain int) *Ledger {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Ledger{store: store, retain: retain}
}

// Append records a snapshot, dropping the oldest beyond the retain limit.
func (l *Ledger) Append(ctx context.Context, s Snapshot) error {
	if s.TenantID == "" || s.ConnectionID == "" {
		return errors.New("history: snapshot needs tenant and connection")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	series, err := l.read(ctx, s.Series())
	if err != nil {
		return err
	}
	series = append(series, s)
	if len(series) > l.retain {
		series = series[len(series)-l.retain:]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, snap := range series {
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("history: encode: %w", err)
		}
	}
	if err := l.store.Put(ctx, s.Series().key(), buf.Bytes()); err != nil {
		return fmt.Errorf("history: write %s: %w", s.Series().key(), err)
	}
	return nil
}

// Window returns the latest n snapshots of a series, oldest first.
func (l *Ledger) Window(ctx context.Context, s Series, n int) ([]Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	series, err := l.read(ctx, s)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(series) > n {
		return series[len(series)-n:], nil
	}
	return series, nil
}

func (l *Ledger) read(ctx context.Context, s Series) ([]Snapshot, error) {
	data, err := l.store.Get(ctx, s.key())
	if errors.Is(err, storage.ErrNotFound) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", s.key(), err)
	}

	var out []Snapshot
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var snap Snapshot
		// A torn write leaves a partial last line; skip it.
		if err := json.Unmarshal(sc.Bytes(), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: scan %s: %w", s.key(), err)
	}
	return out, nil
}
