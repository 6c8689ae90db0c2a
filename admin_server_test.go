package replica

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func newAdminPeer(t *testing.T) *Peer {
	t.Helper()

	p := newTestPeer(t, RoleCoordinator, WithAdminAddr("127.0.0.1:0"))
	if p.Admin() == nil {
		t.Fatal("admin server not started")
	}
	if _, err := p.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return p
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status = %d, want 200", url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestAdmin_PeerStatus(t *testing.T) {
	p := newAdminPeer(t)
	p.Tick()
	p.Tick()

	var body PeerStatus
	getJSON(t, "http://"+p.Admin().Addr()+"/peer/status", &body)

	if body.Role != "coordinator" {
		t.Errorf("role = %q, want coordinator", body.Role)
	}
	if body.Tick != 2 {
		t.Errorf("tick = %d, want 2", body.Tick)
	}
	if body.ActorID != 0 {
		t.Errorf("actor_id = %d, want 0", body.ActorID)
	}
	if len(body.Connections) != 1 || !body.Connections[0].Loopback {
		t.Errorf("connections = %+v, want only the loopback", body.Connections)
	}
}

func TestAdmin_Connections(t *testing.T) {
	a := newAdminPeer(t)
	b := newTestPeer(t, RoleParticipant)
	joinPeer(t, a, b)

	var all connectionsResponse
	getJSON(t, "http://"+a.Admin().Addr()+"/peer/connections", &all)
	if len(all.Connections) != 2 {
		t.Fatalf("connections = %d, want 2", len(all.Connections))
	}

	var remote connectionsResponse
	getJSON(t, "http://"+a.Admin().Addr()+"/peer/connections?remote=true", &remote)
	if len(remote.Connections) != 1 {
		t.Fatalf("remote connections = %d, want 1", len(remote.Connections))
	}
	c := remote.Connections[0]
	if c.Loopback {
		t.Error("loopback entry not filtered")
	}
	if c.ActorID != b.LocalActor().ID {
		t.Errorf("actor_id = %d, want %d", c.ActorID, b.LocalActor().ID)
	}
	if c.ActorType != "participant" {
		t.Errorf("actor_type = %q, want participant", c.ActorType)
	}
	if c.Remote == "" {
		t.Error("remote address missing")
	}
}

func TestAdmin_Metrics(t *testing.T) {
	p := newAdminPeer(t)
	p.Tick()

	resp, err := http.Get("http://" + p.Admin().Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, name := range []string{"replica_connections", "replica_replicated_objects"} {
		if !strings.Contains(string(data), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestAdmin_MethodNotAllowed(t *testing.T) {
	p := newAdminPeer(t)

	for _, path := range []string{"/peer/status", "/peer/connections"} {
		resp, err := http.Post("http://"+p.Admin().Addr()+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: status = %d, want 405", path, resp.StatusCode)
		}
	}
}
