package tools

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/aql-agent/aql/internal/buildinfo"
	"github.com/aql-agent/aql/internal/fetch"
	"github.com/aql-agent/aql/internal/usage"
)

var emptySchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

// TimeTool reports the current UTC time. now is injectable for tests.
func TimeTool(now func() time.Time) *Tool {
	if now == nil {
		now = time.Now
	}
	return &Tool{
		Name:        "get_time",
		Description: "Get the current date and time in UTC.",
		Parameters:  emptySchema,
		Handler: func(context.Context, map[string]any) (string, error) {
			t := now().UTC()
			return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), t.Format("Monday, January 2, 2006")), nil
		},
	}
}

// SystemInfoTool reports facts about the host and this process.
func SystemInfoTool() *Tool {
	return &Tool{
		Name:        "get_system_info",
		Description: "Get information about the host machine and the agent process.",
		Parameters:  emptySchema,
		Handler: func(context.Context, map[string]any) (string, error) {
			hostname, err := os.Hostname()
			if err != nil {
				hostname = "unknown"
			}
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)

			var b strings.Builder
			fmt.Fprintf(&b, "Hostname: %s\n", hostname)
			fmt.Fprintf(&b, "OS: %s\n", runtime.GOOS)
			fmt.Fprintf(&b, "Architecture: %s\n", runtime.GOARCH)
			fmt.Fprintf(&b, "CPUs: %d\n", runtime.NumCPU())
			fmt.Fprintf(&b, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(&b, "Agent version: %s\n", buildinfo.Version)
			fmt.Fprintf(&b, "Uptime: %s\n", buildinfo.Uptime())
			fmt.Fprintf(&b, "Memory in use: %d MB", mem.Alloc/1024/1024)
			return b.String(), nil
		},
	}
}

// WebFetchTool fetches a URL and returns its readable text.
func WebFetchTool(f *fetch.Fetcher) *Tool {
	return &Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content (navigation, scripts and styling removed).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch. https:// is assumed when no scheme is given.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Maximum characters to return. Default: %d.", fetch.DefaultMaxChars),
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			maxChars := 0
			if mc, ok := args["max_chars"].(float64); ok {
				maxChars = int(mc)
			}
			res, err := f.Fetch(ctx, url, maxChars)
			if err != nil {
				return "", err
			}
			return res.Text(), nil
		},
	}
}

// UsageTool summarizes the token usage ledger.
func UsageTool(store *usage.Store) *Tool {
	return &Tool{
		Name:        "get_usage",
		Description: "Query your own token usage and estimated cost. Returns totals and an optional breakdown by model, channel or conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": map[string]any{
					"type":        "string",
					"enum":        []string{"today", "yesterday", "week", "month", "all"},
					"description": "Time period to summarize. Default: today.",
				},
				"group_by": map[string]any{
					"type":        "string",
					"enum":        []string{"model", "channel", "conversation"},
					"description": "Optional breakdown.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			period, _ := args["period"].(string)
			if period == "" {
				period = "today"
			}
			groupBy, _ := args["group_by"].(string)

			start, end := parsePeriod(period, time.Now())
			sum, err := store.Summary(ctx, start, end)
			if err != nil {
				return "", fmt.Errorf("query usage summary: %w", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Usage (%s):\n", period)
			fmt.Fprintf(&sb, "  Replies: %d\n", sum.TotalRecords)
			fmt.Fprintf(&sb, "  Tool calls: %d\n", sum.TotalToolCalls)
			fmt.Fprintf(&sb, "  Input tokens: %s\n", formatTokenCount(sum.TotalInputTokens))
			fmt.Fprintf(&sb, "  Output tokens: %s\n", formatTokenCount(sum.TotalOutputTokens))
			fmt.Fprintf(&sb, "  Estimated cost: $%.4f\n", sum.TotalCostUSD)

			var grouped map[string]*usage.Summary
			switch groupBy {
			case "model":
				grouped, err = store.SummaryByModel(ctx, start, end)
			case "channel":
				grouped, err = store.SummaryByChannel(ctx, start, end)
			case "conversation":
				grouped, err = store.SummaryByConversation(ctx, start, end)
			}
			if err != nil {
				return "", fmt.Errorf("query usage by %s: %w", groupBy, err)
			}
			if len(grouped) > 0 {
				keys := make([]string, 0, len(grouped))
				for k := range grouped {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(&sb, "\nBy %s:\n", groupBy)
				for _, k := range keys {
					g := grouped[k]
					display := k
					if display == "" {
						display = "(none)"
					}
					fmt.Fprintf(&sb, "  %s: $%.4f (%d replies, %s in / %s out)\n",
						display, g.TotalCostUSD, g.TotalRecords,
						formatTokenCount(g.TotalInputTokens),
						formatTokenCount(g.TotalOutputTokens),
					)
				}
			}
			return sb.String(), nil
		},
	}
}

// parsePeriod converts a period name to a [start, end) range around now.
func parsePeriod(period string, now time.Time) (time.Time, time.Time) {
	end := now.Add(time.Minute)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch period {
	case "today":
		return midnight, end
	case "yesterday":
		return midnight.AddDate(0, 0, -1), midnight
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}

// formatTokenCount formats a token count compactly ("1.23M", "456.0K").
func formatTokenCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}

// Builtins assembles the always-available tools. store may be nil when
// the usage ledger is disabled.
func Builtins(f *fetch.Fetcher, store *usage.Store) Source {
	ts := []*Tool{
		TimeTool(nil),
		SystemInfoTool(),
		WebFetchTool(f),
	}
	if store != nil {
		ts = append(ts, UsageTool(store))
	}
	return NewStaticSource(SourceBuiltin, ts...)
}
