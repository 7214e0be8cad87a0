package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aql-agent/aql/internal/config"
	"github.com/aql-agent/aql/internal/fetch"
	"github.com/aql-agent/aql/internal/usage"
)

func testUsageStore(t *testing.T) *usage.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := usage.NewStore(dbPath, map[string]config.PricingEntry{
		"claude-test": {InputPerMillion: 3, OutputPerMillion: 15},
	})
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTimeTool(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 15, 9, 26, 0, time.FixedZone("X", 3600))
	tool := TimeTool(func() time.Time { return fixed })

	got, err := tool.Handler(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "2026-03-14T14:09:26Z") {
		t.Errorf("get_time = %q, want UTC RFC3339 prefix", got)
	}
	if !strings.Contains(got, "Saturday") {
		t.Errorf("get_time = %q, want weekday", got)
	}
}

func TestSystemInfoTool(t *testing.T) {
	got, err := SystemInfoTool().Handler(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Hostname:", "OS:", "Architecture:", "CPUs:", "Go version:", "Uptime:"} {
		if !strings.Contains(got, want) {
			t.Errorf("get_system_info missing %q:\n%s", want, got)
		}
	}
}

func TestWebFetchTool(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head><title>Doc</title></head><body><p>some body text</p></body></html>"))
	}))
	defer ts.Close()

	r := NewRegistry()
	r.Register(WebFetchTool(fetch.New(ts.Client())))

	got, err := r.Execute(context.Background(), "web_fetch", map[string]any{"url": ts.URL, "max_chars": float64(4)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(got, "Title: Doc") {
		t.Errorf("result missing title: %q", got)
	}
	if !strings.Contains(got, "some") || strings.Contains(got, "body text") {
		t.Errorf("result not truncated to 4 chars: %q", got)
	}

	if _, err := r.Execute(context.Background(), "web_fetch", map[string]any{}); err == nil {
		t.Error("expected error for missing url")
	}
}

func TestFormatTokenCount(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{1_230_000, "1.23M"},
		{1_000_000, "1.00M"},
		{456_000, "456.0K"},
		{1_000, "1.0K"},
		{789, "789"},
		{0, "0"},
		{999_999, "1000.0K"},
	}
	for _, tt := range tests {
		if got := formatTokenCount(tt.n); got != tt.want {
			t.Errorf("formatTokenCount(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestParsePeriod(t *testing.T) {
	now := time.Date(2026, 5, 10, 13, 0, 0, 0, time.UTC)
	midnight := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		period    string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"today", midnight, now.Add(time.Minute)},
		{"yesterday", midnight.AddDate(0, 0, -1), midnight},
		{"week", now.AddDate(0, 0, -7), now.Add(time.Minute)},
		{"month", now.AddDate(0, -1, 0), now.Add(time.Minute)},
		{"all", time.Time{}, now.Add(time.Minute)},
		{"bogus", time.Time{}, now.Add(time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			start, end := parsePeriod(tt.period, now)
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Errorf("parsePeriod(%q) = [%v, %v), want [%v, %v)", tt.period, start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestUsageTool(t *testing.T) {
	store := testUsageStore(t)
	ctx := context.Background()

	for _, rec := range []usage.Record{
		{ConversationKey: "cli:local", Channel: "cli", Model: "claude-test", InputTokens: 1000, OutputTokens: 200, ToolCalls: 2},
		{ConversationKey: "slack:C1", Channel: "slack", Model: "claude-test", InputTokens: 500, OutputTokens: 100},
	} {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	r := NewRegistry()
	r.Register(UsageTool(store))

	got, err := r.Execute(ctx, "get_usage", map[string]any{"period": "today", "group_by": "channel"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"Replies: 2", "Tool calls: 2", "Input tokens: 1.5K", "By channel:", "cli:", "slack:"} {
		if !strings.Contains(got, want) {
			t.Errorf("get_usage missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "  cli:") > strings.Index(got, "  slack:") {
		t.Errorf("groups not sorted:\n%s", got)
	}

	if _, err := r.Execute(ctx, "get_usage", map[string]any{"group_by": "role"}); err == nil {
		t.Error("expected schema rejection for unknown group_by")
	}
}

func TestBuiltins(t *testing.T) {
	names := func(src Source) []string {
		ts, err := src.Tools(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		var out []string
		for _, tool := range ts {
			if tool.Source != SourceBuiltin {
				t.Errorf("%s source = %q, want %q", tool.Name, tool.Source, SourceBuiltin)
			}
			out = append(out, tool.Name)
		}
		return out
	}

	without := names(Builtins(fetch.New(nil), nil))
	if strings.Join(without, ",") != "get_time,get_system_info,web_fetch" {
		t.Errorf("builtins without ledger = %v", without)
	}

	with := names(Builtins(fetch.New(nil), testUsageStore(t)))
	if len(with) != 4 || with[3] != "get_usage" {
		t.Errorf("builtins with ledger = %v", with)
	}
}
