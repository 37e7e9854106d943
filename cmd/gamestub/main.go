// Command gamestub is a minimal relay game server used as the default
// launch target for rooms. It honours the launch contract every published
// server binary must follow: accept --host and --port, bind, and serve
// until killed. Every frame a participant sends is relayed to every other
// participant, framed the same way as the lobby protocol.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sync"

	"gameforge/platform/internal/wire"
)

type hub struct {
	mu    sync.Mutex
	conns map[net.Conn]bool
}

func (h *hub) add(conn net.Conn) {
	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()
}

func (h *hub) remove(conn net.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// relay forwards one frame to every participant except the sender. Peers
// whose write fails are dropped from the hub; their own read loop cleans
// up the connection.
func (h *hub) relay(from net.Conn, msg map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if conn == from {
			continue
		}
		if err := wire.WriteJSON(conn, msg); err != nil {
			delete(h.conns, conn)
			conn.Close()
		}
	}
}

func main() {
	host := flag.String("host", "127.0.0.1", "address to bind")
	port := flag.Int("port", 0, "port to bind")
	flag.Parse()

	addr := net.JoinHostPort(*host, fmt.Sprintf("%d", *port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gamestub: listen %s: %v\n", addr, err)
		os.Exit(1)
	}
	fmt.Printf("gamestub listening on %s\n", ln.Addr())

	h := &hub{conns: make(map[net.Conn]bool)}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go serve(h, conn)
	}
}

func serve(h *hub, conn net.Conn) {
	wire.SetKeepalive(conn)
	h.add(conn)
	defer h.remove(conn)
	defer conn.Close()
	for {
		var msg map[string]any
		if err := wire.ReadJSON(conn, &msg); err != nil {
			return
		}
		h.relay(conn, msg)
	}
}
