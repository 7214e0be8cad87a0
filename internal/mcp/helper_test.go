package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"
)

// The test binary doubles as a fake provider: when AQL_FAKE_PROVIDER is
// set, TestFakeProvider speaks MCP on stdin/stdout and exits.
const fakeProviderEnv = "AQL_FAKE_PROVIDER"

func TestFakeProvider(t *testing.T) {
	mode, ok := os.LookupEnv(fakeProviderEnv)
	if !ok {
		return
	}
	runFakeProvider(mode)
	os.Exit(0)
}

// fakeServer returns a config that launches the fake provider in mode.
// Modes: "ok", "strict", "fail-init", "hang". A strict provider refuses
// everything but initialize and ping until it has been initialized.
func fakeServer(mode string, env map[string]string) ServerConfig {
	merged := map[string]string{fakeProviderEnv: mode}
	for k, v := range env {
		merged[k] = v
	}
	return ServerConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestFakeProvider$"},
		Env:     merged,
	}
}

func fakeTransport(t *testing.T, mode string, env map[string]string) *StdioTransport {
	t.Helper()
	sc := fakeServer(mode, env)
	tr := NewStdioTransport(StdioConfig{Command: sc.Command, Args: sc.Args, Env: sc.environ()})
	t.Cleanup(func() { tr.Close() })
	return tr
}

type fakeRequest struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func runFakeProvider(mode string) {
	fmt.Fprintln(os.Stderr, "fake provider starting")
	// Noise before any response must be skipped by the client.
	fmt.Println("not json")

	out := json.NewEncoder(os.Stdout)
	sc := bufio.NewScanner(os.Stdin)
	initialized := false
	for sc.Scan() {
		var req fakeRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		if mode == "strict" && !initialized && req.Method != "initialize" && req.Method != "ping" {
			out.Encode(map[string]any{"jsonrpc": "2.0", "id": *req.ID,
				"error": map[string]any{"code": -32600, "message": "not initialized"}})
			continue
		}

		reply := func(result any) {
			out.Encode(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result})
		}

		switch req.Method {
		case "initialize":
			switch mode {
			case "hang":
				time.Sleep(time.Minute)
				continue
			case "fail-init":
				out.Encode(map[string]any{"jsonrpc": "2.0", "id": *req.ID,
					"error": map[string]any{"code": -32603, "message": "refusing to start"}})
				continue
			}
			initialized = true
			// An unrelated notification ahead of the response.
			out.Encode(map[string]any{"jsonrpc": "2.0", "method": "notifications/message"})
			reply(map[string]any{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]any{"name": "fake-provider", "version": "0.1"},
				"capabilities":    map[string]any{"tools": map[string]any{}},
			})
		case "tools/list":
			reply(map[string]any{"tools": []map[string]any{
				{
					"name":        "echo",
					"description": "Echo the text argument",
					"inputSchema": map[string]any{
						"type":       "object",
						"properties": map[string]any{"text": map[string]any{"type": "string"}},
						"required":   []string{"text"},
					},
				},
				{
					"name":        "greeting",
					"description": "Return FAKE_GREETING from the environment",
					"inputSchema": map[string]any{"type": "object"},
				},
				{
					"name":        "sleep",
					"description": "Never answers",
					"inputSchema": map[string]any{"type": "object"},
				},
			}})
		case "tools/call":
			var p struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			json.Unmarshal(req.Params, &p)
			switch p.Name {
			case "echo":
				reply(map[string]any{"content": []map[string]any{{"type": "text", "text": fmt.Sprint(p.Arguments["text"])}}})
			case "greeting":
				reply(map[string]any{"content": []map[string]any{{"type": "text", "text": os.Getenv("FAKE_GREETING")}}})
			case "sleep":
				time.Sleep(time.Minute)
			default:
				reply(map[string]any{"content": []map[string]any{{"type": "text", "text": "unknown tool"}}, "isError": true})
			}
		case "ping":
			reply(map[string]any{})
		default:
			out.Encode(map[string]any{"jsonrpc": "2.0", "id": *req.ID,
				"error": map[string]any{"code": -32601, "message": "method not found"}})
		}
	}
}
