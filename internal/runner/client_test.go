package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kandev/ash/pkg/apiv1"
	"github.com/kandev/ash/pkg/bridgeproto"
)

func newTestRemoteClient(t *testing.T, mux *http.ServeMux) (*RemoteClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	c := NewRemoteClient(strings.TrimPrefix(srv.URL, "http://"), 0, "shared-secret", nil)
	c.baseURL = srv.URL
	return c, srv
}

func TestRemoteClientCreateSandbox(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer shared-secret" {
			t.Fatalf("missing auth header, got %q", got)
		}
		var req CreateSandboxRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(apiv1.Sandbox{ID: "sbx-1", SessionID: req.SessionID, State: apiv1.SandboxState("running")})
	})

	c, srv := newTestRemoteClient(t, mux)
	defer srv.Close()

	sb, err := c.CreateSandbox(context.Background(), CreateSandboxRequest{SessionID: "sess-1", AgentName: "echo"})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if sb.ID != "sbx-1" || sb.SessionID != "sess-1" {
		t.Fatalf("unexpected sandbox: %+v", sb)
	}
}

func TestRemoteClientDestroySandboxError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/sandboxes/sbx-1/destroy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`not found`))
	})

	c, srv := newTestRemoteClient(t, mux)
	defer srv.Close()

	if err := c.DestroySandbox(context.Background(), "sbx-1", false); err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestRemoteClientExec(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/sandboxes/sbx-1/exec", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiv1.ExecResult{ExitCode: 0, Stdout: "ok"})
	})

	c, srv := newTestRemoteClient(t, mux)
	defer srv.Close()

	result, err := c.Exec(context.Background(), "sbx-1", []string{"echo", "hi"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.Stdout != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRemoteClientStreamQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/sandboxes/sbx-1/query", func(w http.ResponseWriter, r *http.Request) {
		var cmd bridgeproto.Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			t.Fatalf("decode command: %v", err)
		}
		if cmd.Cmd != bridgeproto.CmdQuery {
			t.Fatalf("expected query command, got %v", cmd.Cmd)
		}
		enc := bridgeproto.NewEncoder(w)
		enc.EncodeEvent(bridgeproto.MessageEvent(json.RawMessage(`{"type":"text"}`)))
		enc.EncodeEvent(bridgeproto.DoneEvent(cmd.SessionID))
	})

	c, srv := newTestRemoteClient(t, mux)
	defer srv.Close()

	events, err := c.StreamQuery(context.Background(), "sbx-1", "sess-1", "hi", "", false)
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}

	var got []bridgeproto.Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Ev != bridgeproto.EvMessage {
		t.Fatalf("expected first event message, got %v", got[0].Ev)
	}
	if got[1].Ev != bridgeproto.EvDone {
		t.Fatalf("expected last event done, got %v", got[1].Ev)
	}
}
