package autopilot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/DrSkyle/reaper/pkg/engine/policy"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// Tag keys read by the safety predicate, compared case-insensitively.
var (
	activityTagKeys = []string{"last-used", "last-accessed", "lastused", "lastaccessed", "last_used", "last_accessed"}
	createdTagKeys  = []string{"created-at", "createdat", "created_at", "creation-date"}
)

var tagTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseTagTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range tagTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func lookupTag(tags map[string]string, keys []string) (string, bool) {
	for k, v := range tags {
		lk := strings.ToLower(k)
		for _, want := range keys {
			if lk == want {
				return v, true
			}
		}
	}
	return "", false
}

// protected reports the first protection tag present. A value of "false"
// or "no" switches the protection off.
func protected(tags map[string]string, keys []string) (string, bool) {
	lower := make([]string, len(keys))
	for i, k := range keys {
		lower[i] = strings.ToLower(k)
	}
	for k, v := range tags {
		lk := strings.ToLower(k)
		for _, want := range lower {
			if lk != want {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "false", "no", "0":
				continue
			}
			return k, true
		}
	}
	return "", false
}

// createdAt returns the creation time and whether one was found. A
// creation tag that does not parse is returned as raw with found set.
func createdAt(c resources.Candidate) (t time.Time, raw string, found bool) {
	if c.CreatedAt != nil && !c.CreatedAt.IsZero() {
		return c.CreatedAt.UTC(), "", true
	}
	v, ok := lookupTag(c.Tags, createdTagKeys)
	if !ok {
		return time.Time{}, "", false
	}
	if t, ok := parseTagTime(v); ok {
		return t, "", true
	}
	return time.Time{}, v, true
}

// exclusion returns a reason when c must not run autonomously. An empty
// reason means the candidate passed. Activity or creation tags that cannot
// be parsed exclude the candidate.
func (e *Engine) exclusion(ctx context.Context, s Settings, c resources.Candidate, now time.Time) (string, error) {
	if key, ok := protected(c.Tags, s.ProtectionTags); ok {
		return fmt.Sprintf("protection tag %q", key), nil
	}

	if v, ok := lookupTag(c.Tags, activityTagKeys); ok {
		t, ok := parseTagTime(v)
		if !ok {
			return e.unparseable(ctx, c, "activity", v), nil
		}
		if now.Sub(t) < s.RecentActivityWindow {
			return fmt.Sprintf("recently active (%s)", t.Format(time.RFC3339)), nil
		}
	}

	created, raw, found := createdAt(c)
	if found && raw != "" {
		return e.unparseable(ctx, c, "creation", raw), nil
	}
	if found && now.Sub(created) < s.MinAge {
		return fmt.Sprintf("younger than minimum age %s", s.MinAge), nil
	}

	if e.rules != nil && e.rules.Len() > 0 {
		m, blocked, err := e.rules.Blocking(ctx, policy.FromCandidate(c, now))
		if err != nil {
			return "", err
		}
		if blocked {
			return fmt.Sprintf("policy rule %q", m.ID), nil
		}
	}
	return "", nil
}

func (e *Engine) unparseable(ctx context.Context, c resources.Candidate, kind, value string) string {
	e.logger.WarnContext(ctx, "unparseable timestamp tag; leaving for manual review",
		"event", "autopilot_tag_unparseable",
		"resource_id", c.ResourceID,
		"tag_kind", kind,
		"value", value,
	)
	return fmt.Sprintf("unparseable %s tag %q, manual review", kind, value)
}
