package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// mcpHTTPServer is a canned MCP endpoint for HTTPTransport tests.
type mcpHTTPServer struct {
	mu       sync.Mutex
	requests []Request
	notifs   []Notification
	session  string
}

func (s *mcpHTTPServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if s.session != "" {
			w.Header().Set("Mcp-Session", s.session)
		}

		if msg.ID == nil {
			s.mu.Lock()
			s.notifs = append(s.notifs, Notification{JSONRPC: msg.JSONRPC, Method: msg.Method})
			s.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{JSONRPC: msg.JSONRPC, ID: *msg.ID, Method: msg.Method})
		gotSession := r.Header.Get("Mcp-Session")
		s.mu.Unlock()

		var result string
		switch msg.Method {
		case "ping":
			result = `{}`
		case "whoami":
			result = `{"session":"` + gotSession + `"}`
		default:
			result = `{"ok":true}`
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&Response{
			JSONRPC: jsonrpcVersion,
			ID:      *msg.ID,
			Result:  json.RawMessage(result),
		})
	}
}

func TestHTTPTransport_Call(t *testing.T) {
	srv := &mcpHTTPServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: ts.URL, Logger: discardLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := tr.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp.Result) != `{}` {
		t.Errorf("result = %s", resp.Result)
	}
	if len(srv.requests) != 1 || srv.requests[0].Method != "ping" {
		t.Errorf("server saw %+v", srv.requests)
	}
}

func TestHTTPTransport_SessionAffinity(t *testing.T) {
	srv := &mcpHTTPServer{session: "session-abc"}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: ts.URL, Logger: discardLogger()})

	// First call learns the session id; the second must carry it.
	if _, err := tr.Call(context.Background(), "ping", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	resp, err := tr.Call(context.Background(), "whoami", nil)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if string(resp.Result) != `{"session":"session-abc"}` {
		t.Errorf("session not echoed back: %s", resp.Result)
	}
}

func TestHTTPTransport_CustomHeaders(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(&Response{JSONRPC: jsonrpcVersion, ID: 1, Result: json.RawMessage(`{}`)})
	}))
	defer ts.Close()

	tr := NewHTTPTransport(HTTPConfig{
		URL:     ts.URL,
		Headers: map[string]string{"Authorization": "Bearer sekrit"},
		Logger:  discardLogger(),
	})
	if _, err := tr.Call(context.Background(), "ping", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotAuth != "Bearer sekrit" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestHTTPTransport_Notify(t *testing.T) {
	srv := &mcpHTTPServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: ts.URL, Logger: discardLogger()})
	if err := tr.Notify(context.Background(), "notifications/initialized", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(srv.notifs) != 1 || srv.notifs[0].Method != "notifications/initialized" {
		t.Errorf("server saw %+v", srv.notifs)
	}
}

func TestHTTPTransport_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer ts.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: ts.URL, Logger: discardLogger()})
	_, err := tr.Call(context.Background(), "ping", nil)
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
