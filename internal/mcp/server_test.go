package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/engine"
	"github.com/brandon/mailmirror/internal/tools"
)

func newTestServer(t *testing.T, input string) (*Server, *bytes.Buffer) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := cache.NewRegistry(t.TempDir(), logger)
	reg.Upsert("INBOX", "/", engine.WeightInbox)
	cfg := &config.Config{Sync: config.SyncConfig{FullSchedule: "@every 1h", ForceSchedule: "@every 24h"}}
	eng, err := engine.New(cfg, nil, reg, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	registry, err := tools.NewRegistry(eng, logger)
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(registry, logger)
	out := &bytes.Buffer{}
	s.in = strings.NewReader(input)
	s.out = out
	return s, out
}

func responses(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var resps []map[string]interface{}
	dec := json.NewDecoder(out)
	for dec.More() {
		var r map[string]interface{}
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		resps = append(resps, r)
	}
	return resps
}

func TestServerSession(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_folders","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":5,"method":"bogus"}`,
		`{"jsonrpc":"2.0","id":6,"method":"ping"}`,
	}, "\n")
	s, out := newTestServer(t, input)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	resps := responses(t, out)
	if len(resps) != 6 {
		t.Fatalf("got %d responses, want 6 (no reply to the notification)", len(resps))
	}

	info := resps[0]["result"].(map[string]interface{})["serverInfo"].(map[string]interface{})
	if info["name"] != "mailmirror" {
		t.Errorf("serverInfo = %v", info)
	}

	toolList := resps[1]["result"].(map[string]interface{})["tools"].([]interface{})
	if len(toolList) != 6 {
		t.Errorf("tools/list returned %d tools, want 6", len(toolList))
	}

	content := resps[2]["result"].(map[string]interface{})["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	if !strings.Contains(text, `"name":"INBOX"`) {
		t.Errorf("list_folders text = %s", text)
	}

	for i, code := range map[int]float64{3: -32601, 4: -32601} {
		errObj, ok := resps[i]["error"].(map[string]interface{})
		if !ok || errObj["code"] != code {
			t.Errorf("response %d = %v, want error %v", i, resps[i], code)
		}
	}
	if _, ok := resps[5]["result"]; !ok {
		t.Errorf("ping response = %v", resps[5])
	}
}

func TestServerToolError(t *testing.T) {
	s, out := newTestServer(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_messages","arguments":{"folder":"Nope"}}}`)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	resps := responses(t, out)
	errObj, ok := resps[0]["error"].(map[string]interface{})
	if !ok || errObj["code"] != float64(-32603) || !strings.Contains(errObj["message"].(string), "no such folder") {
		t.Errorf("response = %v", resps[0])
	}
}

func TestServerMalformedInput(t *testing.T) {
	s, _ := newTestServer(t, `{"jsonrpc":`)
	if err := s.Run(context.Background()); err == nil {
		t.Error("malformed input did not stop the server")
	}
}

func TestServerInvalidParams(t *testing.T) {
	s, out := newTestServer(t, `{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":7}}`)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	resps := responses(t, out)
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}
	if resps[0]["id"] != "a" {
		t.Errorf("id = %v, want a", resps[0]["id"])
	}
	errObj, ok := resps[0]["error"].(map[string]interface{})
	if !ok || errObj["code"] != float64(-32602) {
		t.Errorf("response = %v, want error -32602", resps[0])
	}
}
