package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/reaper/pkg/autopilot"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

func TestSlackClient_NotifyScan(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSlackClient(srv.URL, "#finops")
	report := &scanner.Report{
		Provider:          resources.ProviderAWS,
		Region:            "us-east-1",
		ScannedAt:         time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		TotalMonthlyWaste: 1200,
		Categories: map[string][]resources.Candidate{
			"unattached_volumes": {{ResourceID: "vol-1"}},
			"old_snapshots":      {},
		},
	}
	require.NoError(t, c.NotifyScan(context.Background(), report))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "#finops", payload["channel"])
	text := string(body)
	assert.Contains(t, text, "unattached_volumes")
	assert.NotContains(t, text, "old_snapshots")
	assert.Contains(t, text, "High Financial Impact")
}

func TestSlackClient_NotifyAutopilot(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer srv.Close()

	sum := autopilot.Summary{
		TenantID:         "acme",
		AutopilotEnabled: true,
		RealizedSavings:  42,
		Decisions: []autopilot.Decision{
			{Outcome: autopilot.OutcomeExecuted},
			{Outcome: autopilot.OutcomePending},
		},
	}
	require.NoError(t, NewSlackClient(srv.URL, "").NotifyAutopilot(context.Background(), sum))
	assert.True(t, strings.Contains(body, "$42.00/mo"))
	assert.Contains(t, body, "auto-pilot")
}

func TestSlackClient_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlackClient(srv.URL, "").NotifyScan(context.Background(), &scanner.Report{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSlackClient_DisabledIsNoop(t *testing.T) {
	var c *SlackClient
	assert.NoError(t, c.NotifyScan(context.Background(), &scanner.Report{}))
	assert.NoError(t, NewSlackClient("", "").NotifyAutopilot(context.Background(), autopilot.Summary{}))
}
