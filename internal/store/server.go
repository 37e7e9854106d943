package store

import (
	"net"
	"time"

	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/wire"
)

// Server exposes a set of engines over the network, one request per
// connection: read envelope, dispatch by category name, reply with the raw
// record map, close.
type Server struct {
	engines map[string]*Engine
	allowed map[string]bool
	timeout time.Duration
	log     *logging.Logger
}

// NewServer builds a server for the supplied engines. allowedHosts lists the
// remote hosts permitted to connect; loopback is always permitted. Everyone
// else receives an empty response and an immediate close.
func NewServer(engines []*Engine, allowedHosts []string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.L()
	}
	byName := make(map[string]*Engine, len(engines))
	for _, engine := range engines {
		if engine != nil {
			byName[engine.Name()] = engine
		}
	}
	allowed := make(map[string]bool, len(allowedHosts))
	for _, host := range allowedHosts {
		allowed[host] = true
	}
	return &Server{
		engines: byName,
		allowed: allowed,
		timeout: 30 * time.Second,
		log:     logger,
	}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	wire.SetKeepalive(conn)
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	if !s.permitted(conn.RemoteAddr()) {
		s.log.Warn("store access denied", logging.String("remote", conn.RemoteAddr().String()))
		_ = wire.WriteJSON(conn, Record{})
		return
	}

	var req wire.StoreRequest
	if err := wire.ReadJSON(conn, &req); err != nil {
		s.log.Warn("store request unreadable", logging.Error(err))
		return
	}

	engine, ok := s.engines[req.Type]
	if !ok {
		s.log.Warn("unknown store category", logging.String("type", req.Type))
		_ = wire.WriteJSON(conn, Record{})
		return
	}

	resp := Record{}
	var err error
	switch req.Action {
	case "create":
		err = engine.Create(req.Data)
	case "read":
		full := engine.Read()
		resp = make(Record, len(full))
		for key, record := range full {
			resp[key] = record
		}
	case "update":
		err = engine.Update(req.Data)
	case "delete":
		err = engine.Delete(req.Data)
	case "query":
		resp = engine.Query(req.Data)
	case "flush":
		err = engine.Flush()
	default:
		s.log.Warn("unknown store action",
			logging.String("type", req.Type), logging.String("action", req.Action))
	}
	if err != nil {
		// Void operations answer with an empty map either way; the failure
		// is visible to operators, and to callers via a follow-up query.
		s.log.Error("store mutation rejected",
			logging.String("type", req.Type), logging.String("action", req.Action), logging.Error(err))
	}
	if err := wire.WriteJSON(conn, resp); err != nil {
		s.log.Warn("store response write failed", logging.Error(err))
	}
}

func (s *Server) permitted(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return s.allowed[host]
}
