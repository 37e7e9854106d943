package store

import (
	"net"
	"path/filepath"
	"testing"

	"gameforge/platform/internal/logging"
)

func startTestServer(t *testing.T) (*Client, *Engine) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "player_db.json")
	engine, err := NewEngine(path, Players())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	server := NewServer([]*Engine{engine}, nil, logging.NewTestLogger())
	go func() { _ = server.Serve(listener) }()

	return NewClient(listener.Addr().String()), engine
}

func TestServerRoundTrip(t *testing.T) {
	client, _ := startTestServer(t)

	if err := client.Create(PlayerCategory, Record{"username": "alice", "password": "pw1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	record, err := client.Query(PlayerCategory, Record{"username": "alice"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if record["password"] != "pw1" || record["status"] != "offline" {
		t.Fatalf("unexpected record: %#v", record)
	}

	missing, err := client.Query(PlayerCategory, Record{"username": "nobody"})
	if err != nil {
		t.Fatalf("query missing: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected empty map for not-found, got %#v", missing)
	}

	all, err := client.Read(PlayerCategory)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one record, got %#v", all)
	}
}

func TestServerUnknownCategoryAnswersEmpty(t *testing.T) {
	client, _ := startTestServer(t)

	resp, err := client.Do("room_db", "read", Record{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(resp) != 0 {
		t.Fatalf("expected empty response, got %#v", resp)
	}
}

func TestPermittedHosts(t *testing.T) {
	server := NewServer(nil, []string{"10.0.0.7"}, logging.NewTestLogger())

	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:4000", true},
		{"[::1]:4000", true},
		{"10.0.0.7:51000", true},
		{"10.0.0.8:51000", false},
	}
	for _, tc := range cases {
		addr, err := net.ResolveTCPAddr("tcp", tc.addr)
		if err != nil {
			t.Fatalf("resolve %s: %v", tc.addr, err)
		}
		if got := server.permitted(addr); got != tc.want {
			t.Fatalf("permitted(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
