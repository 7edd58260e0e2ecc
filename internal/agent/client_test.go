package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"relay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func streamServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/invoke" {
			http.NotFound(w, r)
			return
		}
		for _, ev := range events {
			fmt.Fprintln(w, ev)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func invokeAll(t *testing.T, c *Client, req domain.InvokeRequest) ([]string, error) {
	t.Helper()
	out := make(chan string, 64)
	err := c.Invoke(context.Background(), req, out)
	close(out)
	var chunks []string
	for chunk := range out {
		chunks = append(chunks, chunk)
	}
	return chunks, err
}

func TestInvoke_StreamsChunksInOrder(t *testing.T) {
	srv := streamServer(t,
		`{"type":"chunk","content":"Hel"}`,
		`{"type":"chunk","content":"lo"}`,
		`{"type":"done"}`,
	)
	c := NewClient(ClientConfig{BaseURL: srv.URL, Logger: testLogger()})

	chunks, err := invokeAll(t, c, domain.InvokeRequest{AgentRef: "default", Prompt: "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if strings.Join(chunks, "") != "Hello" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestInvoke_ErrorEvent(t *testing.T) {
	srv := streamServer(t,
		`{"type":"chunk","content":"partial"}`,
		`{"type":"error","error":"model overloaded"}`,
	)
	c := NewClient(ClientConfig{BaseURL: srv.URL, Logger: testLogger()})

	chunks, err := invokeAll(t, c, domain.InvokeRequest{AgentRef: "default", Prompt: "hi"})
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("expected runtime error, got %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("chunks before failure should still be delivered, got %v", chunks)
	}
}

func TestInvoke_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such agent", http.StatusNotFound)
	}))
	defer srv.Close()
	c := NewClient(ClientConfig{BaseURL: srv.URL, Logger: testLogger()})

	_, err := invokeAll(t, c, domain.InvokeRequest{AgentRef: "ghost", Prompt: "hi"})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestInvoke_CleanEOFIsDone(t *testing.T) {
	srv := streamServer(t, `{"type":"chunk","content":"all"}`)
	c := NewClient(ClientConfig{BaseURL: srv.URL, Logger: testLogger()})

	chunks, err := invokeAll(t, c, domain.InvokeRequest{AgentRef: "default", Prompt: "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "all" {
		t.Errorf("chunks = %v", chunks)
	}
}
