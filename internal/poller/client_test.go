package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/protocol"
	"github.com/jpalmerr/vidiboard/internal/store"
)

// statusServer serves compile statuses from a per-dashboard script. Each
// status read advances the script; the last entry repeats.
type statusServer struct {
	mu      sync.Mutex
	scripts map[string][]compile.Status
	reads   map[string]int
}

func newStatusServer(t *testing.T, scripts map[string][]compile.Status) (*statusServer, *Client) {
	t.Helper()
	ss := &statusServer{scripts: scripts, reads: make(map[string]int)}
	server := httptest.NewServer(ss)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(client.Close)
	return ss, client
}

func (ss *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/dashboards/")
	id, _, _ := strings.Cut(rest, "/")

	ss.mu.Lock()
	script, ok := ss.scripts[id]
	if !ok {
		ss.mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"dashboard not found"}`))
		return
	}
	n := ss.reads[id]
	ss.reads[id]++
	ss.mu.Unlock()

	if n >= len(script) {
		n = len(script) - 1
	}
	status := CompileStatus{Snapshot: compile.Snapshot{DashboardID: id, Hash: "h", Status: script[n]}}
	switch script[n] {
	case compile.StatusReady:
		status.Artifact = &compile.Artifact{Ref: id + "/h"}
		status.ArtifactURL = "/artifacts/" + id + "/h/"
	case compile.StatusFailed:
		status.Error = "plot 2: unknown kind"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (ss *statusServer) readCount(id string) int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.reads[id]
}

// TestClient_ConnectionReuse verifies that the HTTP client reuses connections
// when making sequential requests to the same host.
func TestClient_ConnectionReuse(t *testing.T) {
	_, client := newStatusServer(t, map[string][]compile.Status{"d1": {compile.StatusPending}})

	var reusedCount int
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Reused {
				reusedCount++
			}
		},
	}

	const numRequests = 5
	for i := 0; i < numRequests; i++ {
		ctx := httptrace.WithClientTrace(context.Background(), trace)
		if _, err := client.CompileStatus(ctx, "d1"); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	expectedMinReuse := numRequests - 2 // allow some tolerance
	if reusedCount < expectedMinReuse {
		t.Errorf("expected at least %d reused connections, got %d out of %d requests",
			expectedMinReuse, reusedCount, numRequests)
	}
}

// TestClient_Close verifies that Close() is safe to call and idempotent.
func TestClient_Close(t *testing.T) {
	client, err := NewClient("http://localhost:8080")
	if err != nil {
		t.Fatal(err)
	}

	client.Close()
	client.Close()

	var nilClient *Client
	nilClient.Close()
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"localhost:8080", "ftp://example.com", "://"} {
		if _, err := NewClient(raw); err == nil {
			t.Errorf("NewClient(%q) error = nil, want error", raw)
		}
	}
}

func TestClient_WebSocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/v1/dashboards/d1"},
		{"https://dash.example.com/", "wss://dash.example.com/ws/v1/dashboards/d1"},
		{"http://host/prefix", "ws://host/prefix/ws/v1/dashboards/d1"},
	}
	for _, tt := range tests {
		client, err := NewClient(tt.base)
		if err != nil {
			t.Fatal(err)
		}
		if got := client.WebSocketURL("d1"); got != tt.want {
			t.Errorf("WebSocketURL() from %q = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestClient_PublishAndPush(t *testing.T) {
	var gotPublish PublishRequest
	var gotCmd protocol.UpdateCommand
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/dashboards":
			_ = json.Unmarshal(body, &gotPublish)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"d1","hash":"abc","plot_count":1,"tags":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/dashboards/d1/update":
			_ = json.Unmarshal(body, &gotCmd)
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"seq":7}`))
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	dash, err := client.Publish(ctx, PublishRequest{Name: "loss", Dashboard: json.RawMessage(`{"plots":[{}]}`)})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if dash.ID != "d1" || dash.PlotCount != 1 {
		t.Errorf("Publish() = %+v", dash)
	}
	if gotPublish.Name != "loss" || string(gotPublish.Dashboard) != `{"plots":[{}]}` {
		t.Errorf("server received %+v", gotPublish)
	}

	seq, err := client.PushUpdate(ctx, "d1", protocol.UpdateCommand{
		Type:   protocol.CommandAppendPoints2D,
		Points: [][]float32{{1, 2}},
	})
	if err != nil {
		t.Fatalf("PushUpdate() error = %v", err)
	}
	if seq != 7 {
		t.Errorf("seq = %d, want 7", seq)
	}
	if gotCmd.Type != protocol.CommandAppendPoints2D || len(gotCmd.Points) != 1 {
		t.Errorf("server received %+v", gotCmd)
	}

	if err := client.Delete(ctx, "d1"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
}

func TestClient_ErrorsUnwrapToSentinels(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, store.ErrNotFound},
		{http.StatusBadRequest, store.ErrInvalidDefinition},
		{http.StatusUnprocessableEntity, compile.ErrCompilationFailed},
		{http.StatusGatewayTimeout, compile.ErrCompilationTimeout},
		{http.StatusServiceUnavailable, compile.ErrBuilderUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"detail from server"}`))
			}))
			defer server.Close()

			client, _ := NewClient(server.URL)
			_, err := client.Get(context.Background(), "d1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Message != "detail from server" {
				t.Errorf("APIError = %+v, want server detail", apiErr)
			}
		})
	}
}

func TestWaiter_ReadyAfterPolls(t *testing.T) {
	ss, client := newStatusServer(t, map[string][]compile.Status{
		"d1": {compile.StatusPending, compile.StatusCompiling, compile.StatusCompiling, compile.StatusReady},
	})

	w := NewWaiter(client, 5*time.Millisecond, 10)
	var seen []compile.Status
	w.OnPoll = func(s CompileStatus) { seen = append(seen, s.Status) }

	status, err := w.Wait(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if status.Status != compile.StatusReady || status.ArtifactURL != "/artifacts/d1/h/" {
		t.Errorf("Wait() = %+v", status)
	}
	if len(seen) != 4 {
		t.Errorf("OnPoll saw %v, want 4 statuses", seen)
	}
	if got := ss.readCount("d1"); got != 4 {
		t.Errorf("server reads = %d, want 4", got)
	}
}

func TestWaiter_Failed(t *testing.T) {
	_, client := newStatusServer(t, map[string][]compile.Status{
		"d1": {compile.StatusCompiling, compile.StatusFailed},
	})

	_, err := NewWaiter(client, time.Millisecond, 10).Wait(context.Background(), "d1")
	if !errors.Is(err, compile.ErrCompilationFailed) {
		t.Fatalf("Wait() error = %v, want ErrCompilationFailed", err)
	}
	if !strings.Contains(err.Error(), "plot 2: unknown kind") {
		t.Errorf("error = %v, want build detail", err)
	}
}

func TestWaiter_TimesOutAfterMaxPolls(t *testing.T) {
	ss, client := newStatusServer(t, map[string][]compile.Status{
		"d1": {compile.StatusCompiling},
	})

	status, err := NewWaiter(client, time.Millisecond, 3).Wait(context.Background(), "d1")
	if !errors.Is(err, compile.ErrCompilationTimeout) {
		t.Fatalf("Wait() error = %v, want ErrCompilationTimeout", err)
	}
	if status.Status != compile.StatusCompiling {
		t.Errorf("last status = %s, want compiling", status.Status)
	}
	if got := ss.readCount("d1"); got != 3 {
		t.Errorf("server reads = %d, want exactly 3", got)
	}
}

func TestWaiter_NotFound(t *testing.T) {
	_, client := newStatusServer(t, map[string][]compile.Status{})

	_, err := NewWaiter(client, time.Millisecond, 3).Wait(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Wait() error = %v, want ErrNotFound", err)
	}
}

func TestWaiter_ContextCancelled(t *testing.T) {
	_, client := newStatusServer(t, map[string][]compile.Status{
		"d1": {compile.StatusCompiling},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewWaiter(client, time.Hour, 10).Wait(ctx, "d1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestNewWaiter_Defaults(t *testing.T) {
	w := NewWaiter(nil, 0, 0)
	if w.interval != DefaultPollInterval || w.maxPolls != DefaultMaxPolls {
		t.Errorf("defaults = %v/%d, want %v/%d", w.interval, w.maxPolls, DefaultPollInterval, DefaultMaxPolls)
	}
}
