package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// mockTransport answers requests from canned results keyed by method.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]*Response
	sendErr   error
	sent      []Request
	notifs    []Notification
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{responses: make(map[string]*Response)}
}

func (m *mockTransport) setResult(method, rawJSON string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method] = &Response{JSONRPC: jsonrpcVersion, Result: json.RawMessage(rawJSON)}
}

func (m *mockTransport) setError(method string, code int, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method] = &Response{JSONRPC: jsonrpcVersion, Error: &RPCError{Code: code, Message: msg}}
}

func (m *mockTransport) failSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	resp, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

const (
	initResult = `{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"1.0.0"},"capabilities":{"tools":{}}}`
	listResult = `{"tools":[
		{"name":"echo","description":"Echo text","inputSchema":{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}},
		{"name":"add","description":"Add numbers","inputSchema":{"type":"object"}}
	]}`
)

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.setResult("initialize", initResult)

	c := NewClient("fake", mt, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if len(mt.sent) != 1 || mt.sent[0].Method != "initialize" {
		t.Fatalf("sent = %+v, want one initialize", mt.sent)
	}
	params, _ := json.Marshal(mt.sent[0].Params)
	if !strings.Contains(string(params), `"name":"aql"`) {
		t.Errorf("clientInfo missing: %s", params)
	}
	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifs = %+v, want notifications/initialized", mt.notifs)
	}
	if c.ServerName() != "fake" {
		t.Errorf("ServerName = %q, want fake", c.ServerName())
	}
}

func TestClient_InitializeRPCError(t *testing.T) {
	mt := newMockTransport()
	mt.setError("initialize", -32603, "boom")

	err := NewClient("fake", mt, nil).Initialize(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Initialize err = %v, want *RPCError", err)
	}
	if len(mt.notifs) != 0 {
		t.Error("initialized notification sent after failed handshake")
	}
}

func TestClient_ListToolsAlwaysQueries(t *testing.T) {
	mt := newMockTransport()
	mt.setResult("tools/list", listResult)
	c := NewClient("fake", mt, nil)

	if c.CachedTools() != nil {
		t.Fatal("CachedTools non-nil before first list")
	}
	got, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(got) != 2 || got[0].Name != "echo" {
		t.Fatalf("tools = %+v", got)
	}
	if req, _ := got[0].InputSchema["required"].([]any); len(req) != 1 {
		t.Errorf("schema not decoded: %+v", got[0].InputSchema)
	}

	mt.setResult("tools/list", `{"tools":[{"name":"only"}]}`)
	got, err = c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("second ListTools: %v", err)
	}
	if len(got) != 1 || got[0].Name != "only" {
		t.Errorf("second list = %+v, want refreshed result", got)
	}

	mt.failSends(errors.New("pipe closed"))
	if _, err := c.ListTools(context.Background()); err == nil {
		t.Fatal("expected error from failing transport")
	}
	if cached := c.CachedTools(); len(cached) != 1 || cached[0].Name != "only" {
		t.Errorf("CachedTools = %+v, want last good list", cached)
	}
}

func TestClient_CallTool(t *testing.T) {
	mt := newMockTransport()
	mt.setResult("tools/call", `{"content":[{"type":"text","text":"line one"},{"type":"image"},{"type":"text","text":"line two"}]}`)
	c := NewClient("fake", mt, nil)

	got, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "line one\n[image]\nline two" {
		t.Errorf("CallTool = %q", got)
	}

	params, _ := json.Marshal(mt.sent[0].Params)
	if !strings.Contains(string(params), `"name":"echo"`) || !strings.Contains(string(params), `"arguments":{"text":"x"}`) {
		t.Errorf("params = %s", params)
	}
}

func TestClient_CallToolIsError(t *testing.T) {
	mt := newMockTransport()
	mt.setResult("tools/call", `{"content":[{"type":"text","text":"no such file"}],"isError":true}`)

	_, err := NewClient("fake", mt, nil).CallTool(context.Background(), "read", nil)
	if err == nil || !strings.Contains(err.Error(), "no such file") {
		t.Errorf("CallTool err = %v, want provider error text", err)
	}
}

func TestClient_RequestIDsIncrease(t *testing.T) {
	mt := newMockTransport()
	mt.setResult("ping", `{}`)
	c := NewClient("fake", mt, nil)

	for range 3 {
		if err := c.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}
	for i, req := range mt.sent {
		if req.ID != int64(i+1) {
			t.Errorf("request %d id = %d, want %d", i, req.ID, i+1)
		}
	}

	if err := c.Close(); err != nil || !mt.closed {
		t.Errorf("Close = %v, closed = %v", err, mt.closed)
	}
}
