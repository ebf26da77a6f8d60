package scanner

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/DrSkyle/reaper/pkg/resources"
)

var reservedKeys = map[string]struct{}{
	"provider":            {},
	"region":              {},
	"scanned_at":          {},
	"total_monthly_waste": {},
	"error":               {},
}

// Report is the aggregated result of one orchestrator run. On the wire the
// categories are flattened next to the fixed fields.
type Report struct {
	Provider          resources.Provider
	Region            string
	ScannedAt         time.Time
	TotalMonthlyWaste float64
	Categories        map[string][]resources.Candidate
	// Error is set when aggregation itself failed; completed categories are kept.
	Error string

	throttled int
}

func newReport(provider resources.Provider, region string, at time.Time, keys []string) *Report {
	r := &Report{
		Provider:   provider,
		Region:     region,
		ScannedAt:  at,
		Categories: make(map[string][]resources.Candidate, len(keys)),
	}
	for _, k := range keys {
		r.Categories[k] = []resources.Candidate{}
	}
	return r
}

// CategoryKeys returns the report's categories in lexical order.
func (r *Report) CategoryKeys() []string {
	keys := make([]string, 0, len(r.Categories))
	for k := range r.Categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Candidates flattens all categories, ordered by category key.
func (r *Report) Candidates() []resources.Candidate {
	var out []resources.Candidate
	for _, k := range r.CategoryKeys() {
		out = append(out, r.Categories[k]...)
	}
	return out
}

// ThrottledPlugins counts plugins that failed with a throttling error.
func (r *Report) ThrottledPlugins() int { return r.throttled }

func (r *Report) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Categories)+5)
	for k, v := range r.Categories {
		if v == nil {
			v = []resources.Candidate{}
		}
		m[k] = v
	}
	m["provider"] = r.Provider
	m["region"] = r.Region
	m["scanned_at"] = r.ScannedAt.UTC().Format(time.RFC3339)
	m["total_monthly_waste"] = r.TotalMonthlyWaste
	if r.Error != "" {
		m["error"] = r.Error
	}
	return json.Marshal(m)
}

func (r *Report) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := Report{Categories: make(map[string][]resources.Candidate)}
	for k, v := range raw {
		var err error
		switch k {
		case "provider":
			err = json.Unmarshal(v, &out.Provider)
		case "region":
			err = json.Unmarshal(v, &out.Region)
		case "scanned_at":
			err = json.Unmarshal(v, &out.ScannedAt)
		case "total_monthly_waste":
			err = json.Unmarshal(v, &out.TotalMonthlyWaste)
		case "error":
			err = json.Unmarshal(v, &out.Error)
		default:
			var cs []resources.Candidate
			err = json.Unmarshal(v, &cs)
			out.Categories[k] = cs
		}
		if err != nil {
			return err
		}
	}
	*r = out
	return nil
}
