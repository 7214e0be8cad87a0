// aql is a conversational agent host.
//
// It receives messages from chat channels (a local terminal, Slack),
// runs them through a bounded tool-calling loop against the Anthropic
// Messages API, and replies. Tools come from built-ins, a sandboxed
// memory directory, a shell, and external MCP providers listed in
// .mcp.json.
//
// Usage:
//
//	aql serve              Run the enabled channels until interrupted
//	aql ask <question>     Ask a single question and print the reply
//	aql tools              List the tools the model would be offered
//	aql init [dir]         Write a starter config.yaml and .mcp.json
//	aql version            Print version and build information
//	aql -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aql-agent/aql/internal/buildinfo"
	"github.com/aql-agent/aql/internal/config"
	"github.com/aql-agent/aql/internal/message"
)

// shutdownTimeout bounds each resource's shutdown.
const shutdownTimeout = 10 * time.Second

// main only binds the process environment and delegates to run, so the
// whole lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand because
// the flag package's globals get in the way of parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdin, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: aql ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "aql - conversational agent host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aql [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the enabled channels until interrupted")
	fmt.Fprintln(w, "  ask          Ask a single question and print the reply")
	fmt.Fprintln(w, "  tools        List the tools the model would be offered")
	fmt.Fprintln(w, "  init [dir]   Write starter config files (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig finds, parses and validates the configuration. An empty
// path in the result means defaults plus environment were used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// runAsk answers one question on the CLI conversation and exits.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, logLevel(cfg), cfg.LogFormat)

	h, err := newHost(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer closeHost(h, logger)

	msg, err := message.New(message.Fields{
		Body:       question,
		Channel:    config.ChannelCLI,
		SenderID:   "local",
		SenderName: "You",
		ChatType:   message.DM,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, h.agent.GetReply(ctx, msg))
	return nil
}

// runTools prints the composed registry: name, source and description.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, logLevel(cfg), cfg.LogFormat)

	h, err := newHost(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer closeHost(h, logger)

	reg := h.registry(ctx)
	names := reg.Names()
	sort.Strings(names)

	if outputFmt == "json" {
		type entry struct {
			Name        string `json:"name"`
			Source      string `json:"source"`
			Description string `json:"description"`
		}
		out := make([]entry, 0, len(names))
		for _, name := range names {
			t := reg.Get(name)
			out = append(out, entry{Name: t.Name, Source: t.Source, Description: t.Description})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSOURCE\tDESCRIPTION")
	for _, name := range names {
		t := reg.Get(name)
		desc, _, _ := strings.Cut(t.Description, "\n")
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Source, desc)
	}
	return tw.Flush()
}

func logLevel(cfg *config.Config) slog.Level {
	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return level
}

func closeHost(h *host, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.close(ctx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}
