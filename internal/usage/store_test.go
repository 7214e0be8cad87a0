package usage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aql-agent/aql/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath, testPricing())
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"claude-opus":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		"claude-sonnet": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
}

func window(now time.Time) (time.Time, time.Time) {
	return now.Add(-1 * time.Minute), now.Add(1 * time.Minute)
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{
			Timestamp:       now,
			RequestID:       "r_001",
			ConversationKey: "cli:local",
			Channel:         "cli",
			Model:           "claude-opus",
			Steps:           2,
			ToolCalls:       1,
			InputTokens:     1000,
			OutputTokens:    500,
		},
		{
			Timestamp:       now,
			RequestID:       "r_002",
			ConversationKey: "slack:C1",
			Channel:         "slack",
			Model:           "claude-sonnet",
			Steps:           1,
			InputTokens:     2000,
			OutputTokens:    1000,
		},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start, end := window(now)
	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 1500 {
		t.Errorf("TotalOutputTokens = %d, want 1500", sum.TotalOutputTokens)
	}
	if sum.TotalToolCalls != 1 {
		t.Errorf("TotalToolCalls = %d, want 1", sum.TotalToolCalls)
	}
	// priced on insert: 0.0525 + 0.021
	if diff := sum.TotalCostUSD - 0.0735; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("TotalCostUSD = %f, want ~0.0735", sum.TotalCostUSD)
	}
}

func TestSummaryGrouped(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, RequestID: "r1", ConversationKey: "cli:local", Channel: "cli", Model: "claude-opus", InputTokens: 100, CostUSD: 1.0},
		{Timestamp: now, RequestID: "r2", ConversationKey: "cli:local", Channel: "cli", Model: "claude-opus", InputTokens: 200, CostUSD: 2.0},
		{Timestamp: now, RequestID: "r3", ConversationKey: "slack:C9", Channel: "slack", Model: "claude-sonnet", InputTokens: 50, CostUSD: 0.5},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	start, end := window(now)

	byModel, err := s.SummaryByModel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(byModel) != 2 {
		t.Fatalf("got %d model groups, want 2", len(byModel))
	}
	if opus := byModel["claude-opus"]; opus == nil || opus.TotalRecords != 2 || opus.TotalInputTokens != 300 || opus.TotalCostUSD != 3.0 {
		t.Errorf("claude-opus group = %+v", opus)
	}

	byChannel, err := s.SummaryByChannel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByChannel: %v", err)
	}
	if byChannel["slack"] == nil || byChannel["slack"].TotalRecords != 1 {
		t.Errorf("slack group = %+v", byChannel["slack"])
	}

	byConv, err := s.SummaryByConversation(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByConversation: %v", err)
	}
	if byConv["cli:local"] == nil || byConv["cli:local"].TotalRecords != 2 {
		t.Errorf("cli:local group = %+v", byConv["cli:local"])
	}
}

func TestSummary_FiltersByTime(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{Timestamp: base.Add(-2 * time.Hour), RequestID: "old", Model: "m", CostUSD: 1.0},
		{Timestamp: base, RequestID: "in-range", Model: "m", CostUSD: 2.0},
		{Timestamp: base.Add(2 * time.Hour), RequestID: "future", Model: "m", CostUSD: 3.0},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start, end := window(base)
	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (only in-range)", sum.TotalRecords)
	}
	if sum.TotalCostUSD != 2.0 {
		t.Errorf("TotalCostUSD = %f, want 2.0", sum.TotalCostUSD)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	start, end := window(time.Now())
	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("Summary = %+v, want zero", sum)
	}

	grouped, err := s.SummaryByModel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if grouped == nil || len(grouped) != 0 {
		t.Errorf("SummaryByModel = %v, want empty map", grouped)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"opus_normal", "claude-opus", 1_000_000, 100_000, 22.5},
		{"sonnet_normal", "claude-sonnet", 1_000_000, 100_000, 4.5},
		{"unknown_model", "local-model", 1_000_000, 1_000_000, 0},
		{"zero_tokens", "claude-opus", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.input, tt.output, pricing)
			if diff := got - tt.want; diff > 0.0001 || diff < -0.0001 {
				t.Errorf("ComputeCost(%q, %d, %d) = %f, want %f", tt.model, tt.input, tt.output, got, tt.want)
			}
		})
	}

	if got := ComputeCost("claude-opus", 1000, 500, nil); got != 0 {
		t.Errorf("ComputeCost with nil pricing = %f, want 0", got)
	}
}

func TestNewStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "usage.db")
	s, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Close()
	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Errorf("directory not created: %v", err)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(filepath.Join(blocker, "usage.db"), nil); err == nil {
		t.Error("NewStore() should fail when the parent is a file")
	}
}
