package mcp

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestProviderSource_Tools(t *testing.T) {
	mt := newMockTransport()
	mt.setResult("tools/list", listResult)
	mt.setResult("tools/call", `{"content":[{"type":"text","text":"hello back"}]}`)

	src := &providerSource{client: NewClient("files", mt, nil), logger: slog.New(slog.DiscardHandler)}
	if got := src.Name(); got != "mcp:files" {
		t.Errorf("Name() = %q, want mcp:files", got)
	}

	list, err := src.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d tools, want 2", len(list))
	}
	echo := list[0]
	if echo.Name != "echo" || echo.Source != "mcp:files" || echo.Description != "Echo text" {
		t.Errorf("echo = %+v", echo)
	}
	if echo.Parameters["type"] != "object" {
		t.Errorf("echo schema = %v", echo.Parameters)
	}

	out, err := echo.Handler(context.Background(), map[string]any{"text": "hello"})
	if err != nil || out != "hello back" {
		t.Errorf("Handler = %q, %v", out, err)
	}

	mt.mu.Lock()
	last := mt.sent[len(mt.sent)-1]
	mt.mu.Unlock()
	params, _ := last.Params.(map[string]any)
	if last.Method != "tools/call" || params["name"] != "echo" {
		t.Errorf("last request = %s %v, want tools/call for echo", last.Method, last.Params)
	}
}

func TestProviderSource_FallsBackToCache(t *testing.T) {
	mt := newMockTransport()
	mt.setResult("tools/list", listResult)
	src := &providerSource{client: NewClient("files", mt, nil), logger: slog.New(slog.DiscardHandler)}

	if _, err := src.Tools(context.Background()); err != nil {
		t.Fatalf("first Tools: %v", err)
	}

	mt.failSends(errors.New("pipe closed"))
	list, err := src.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools with cache = %v, want cached list", err)
	}
	if len(list) != 2 {
		t.Errorf("cached tools = %d, want 2", len(list))
	}
}

func TestProviderSource_NoCacheFails(t *testing.T) {
	mt := newMockTransport()
	mt.failSends(errors.New("pipe closed"))
	src := &providerSource{client: NewClient("files", mt, nil), logger: slog.New(slog.DiscardHandler)}

	if _, err := src.Tools(context.Background()); err == nil {
		t.Error("expected error when listing fails with nothing cached")
	}
}
