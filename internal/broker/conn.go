package broker

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"gameforge/platform/internal/catalog"
	"gameforge/platform/internal/events"
	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/manifest"
	"gameforge/platform/internal/rooms"
	"gameforge/platform/internal/session"
	"gameforge/platform/internal/store"
	"gameforge/platform/internal/wire"
)

const sendTimeout = 5 * time.Second

// connSender serialises frame writes to one connection. Broadcast pushes
// from the room registry and direct replies from the connection worker
// share it, so the mutex keeps frames from interleaving.
type connSender struct {
	mu   sync.Mutex
	conn net.Conn
}

// Send writes one framed response with a bounded deadline.
func (s *connSender) Send(resp wire.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	return wire.WriteJSON(s.conn, resp)
}

// clientSession is the per-connection state of one player.
type clientSession struct {
	b      *Broker
	conn   net.Conn
	sender *connSender
	log    *logging.Logger

	identity string
	token    string
	game     string
	roomID   string
}

func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	wire.SetKeepalive(conn)
	b.clients.Add(1)
	defer b.clients.Add(-1)

	c := &clientSession{
		b:      b,
		conn:   conn,
		sender: &connSender{conn: conn},
		log:    b.log.With(logging.String("remote_addr", conn.RemoteAddr().String())),
	}
	c.log.Info("player connected")
	defer c.teardown()
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		if b.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(b.idleTimeout))
		}
		var req wire.Request
		if err := wire.ReadJSON(conn, &req); err != nil {
			c.log.Info("player disconnected", logging.Error(err))
			return
		}
		c.dispatch(req)
	}
}

// dispatch routes one request by the phase the client declared. Actions in
// authenticated phases first pass the token check; a mismatch forces the
// session back to unauthenticated.
func (c *clientSession) dispatch(req wire.Request) {
	switch req.Status {
	case wire.PhaseUnauthenticated:
		c.dispatchUnauthenticated(req)
	case wire.PhaseLobby:
		if !c.checkToken(req) {
			return
		}
		c.dispatchLobby(req)
	case wire.PhaseInRoom:
		if !c.checkToken(req) {
			return
		}
		c.dispatchInRoom(req)
	default:
		c.reply(wire.Error(req.Action, "Unknown operation"))
	}
}

func (c *clientSession) reply(resp wire.Response) {
	err := c.sender.Send(resp)
	if err == nil {
		return
	}
	c.log.Warn("reply failed", logging.String("action", resp.Action), logging.Error(err))
	if !errors.Is(err, wire.ErrFrameTooLarge) {
		return
	}
	// The reply never left the server, so the client is still blocked on a
	// read. Degrade to a small error frame instead of leaving it hanging.
	if err := c.sender.Send(wire.Error(resp.Action, "Response too large")); err != nil {
		c.log.Warn("oversize fallback failed", logging.String("action", resp.Action), logging.Error(err))
	}
}

// checkToken enforces the per-session token on authenticated requests. On a
// mismatch the gateway logs the account out server-side before the client
// learns about it, so the session cannot limp along half-authenticated.
func (c *clientSession) checkToken(req wire.Request) bool {
	if err := c.b.gateway.Authorize(c.identity, req.Token, c.token); err == nil {
		return true
	}
	c.identity = ""
	c.token = ""
	c.game = ""
	c.roomID = ""
	c.reply(wire.TokenMiss(req.Action))
	return false
}

func (c *clientSession) dispatchUnauthenticated(req wire.Request) {
	switch req.Action {
	case "register":
		c.handleRegister(req)
	case "login":
		c.handleLogin(req)
	default:
		c.reply(wire.Error(req.Action, ""))
	}
}

func (c *clientSession) dispatchLobby(req wire.Request) {
	switch req.Action {
	case "logout":
		c.handleLogout(req)
	case "open_shop":
		c.handleOpenShop(req)
	case "download_game":
		c.handleDownload(req)
	case "check_version":
		c.handleCheckVersion(req)
	case "create_room":
		c.handleCreateRoom(req)
	case "list_rooms":
		c.handleListRooms(req)
	case "join_room":
		c.handleJoinRoom(req)
	default:
		c.reply(wire.Error(req.Action, "Unknown operation"))
	}
}

func (c *clientSession) dispatchInRoom(req wire.Request) {
	switch req.Action {
	case "list_players_in_room":
		c.handleListPlayers(req)
	case "ready_up":
		c.handleReadyUp(req)
	case "leave_room":
		c.handleLeaveRoom(req)
	case "start_game":
		c.handleStartGame(req)
	default:
		c.reply(wire.Error(req.Action, "Unknown operation"))
	}
}

func (c *clientSession) handleRegister(req wire.Request) {
	username := stringParam(req, "username")
	password := stringParam(req, "password")
	if username == "" || password == "" {
		c.reply(wire.Error(req.Action, "Fail, change another username"))
		return
	}
	if err := c.b.gateway.Register(username, password); err != nil {
		c.reply(wire.Error(req.Action, "Fail, change another username"))
		return
	}
	c.b.publish(events.Event{Kind: events.KindRegister, Identity: username})
	c.reply(wire.OK(req.Action, nil, "Register successfully"))
}

func (c *clientSession) handleLogin(req wire.Request) {
	username := stringParam(req, "username")
	token, err := c.b.gateway.Login(username, stringParam(req, "password"))
	switch {
	case errors.Is(err, session.ErrUnknownIdentity):
		c.reply(wire.Error(req.Action, "Account doesn't exist!"))
	case errors.Is(err, session.ErrWrongPassword):
		c.reply(wire.Error(req.Action, "Wrong password!"))
	case errors.Is(err, session.ErrAlreadyOnline):
		c.reply(wire.Error(req.Action, "User already logged in!"))
	case err != nil:
		c.reply(wire.Error(req.Action, "Login failed"))
	default:
		c.identity = username
		c.token = token
		c.b.logins.Add(1)
		c.b.publish(events.Event{Kind: events.KindLogin, Identity: username})
		c.reply(wire.OK(req.Action, map[string]any{"token": token}, "Login successfully!"))
	}
}

func (c *clientSession) handleLogout(req wire.Request) {
	if err := c.b.gateway.Logout(c.identity); err != nil {
		c.log.Warn("logout failed", logging.Error(err))
	}
	c.b.publish(events.Event{Kind: events.KindLogout, Identity: c.identity})
	c.identity = ""
	c.token = ""
	c.reply(wire.OK(req.Action, nil, "Logout successfully!"))
}

func (c *clientSession) handleOpenShop(req wire.Request) {
	records, err := c.b.store.Read(store.CatalogCategory)
	if err != nil {
		c.log.Warn("catalog read failed", logging.Error(err))
		c.reply(wire.Error(req.Action, "Shop unavailable"))
		return
	}
	c.reply(wire.OK(req.Action, map[string]any{"games": records}, ""))
}

func (c *clientSession) handleDownload(req wire.Request) {
	entry, ok := c.catalogEntry(stringParam(req, "gamename"))
	if !ok {
		c.reply(wire.Error(req.Action, "Game not found"))
		return
	}
	files, err := c.b.bundles.Load(entry.GameName, entry.Author)
	if err != nil {
		if errors.Is(err, manifest.ErrBundleNotFound) {
			c.reply(wire.Error(req.Action, "Game not found"))
			return
		}
		c.log.Error("bundle load failed", logging.Error(err))
		c.reply(wire.Error(req.Action, "Download failed"))
		return
	}
	payload := make(map[string]any, len(files))
	for name, body := range files {
		payload[name] = string(body)
	}
	c.reply(wire.OK(req.Action, map[string]any{
		"config": entry.Record(),
		"files":  payload,
	}, "Download success"))
}

func (c *clientSession) handleCheckVersion(req wire.Request) {
	entry, ok := c.catalogEntry(stringParam(req, "gamename"))
	if !ok {
		c.reply(wire.Error(req.Action, "Game not found"))
		return
	}
	if entry.Version == stringParam(req, "version") {
		c.reply(wire.OK(req.Action, nil, "You have the latest version"))
		return
	}
	c.reply(wire.Error(req.Action, "New version released!"))
}

func (c *clientSession) handleCreateRoom(req wire.Request) {
	game := stringParam(req, "gamename")
	entry, ok := c.catalogEntry(game)
	if !ok {
		c.reply(wire.Error(req.Action, "Game not found"))
		return
	}
	roomID, err := c.b.registry.Create(game, c.identity, c.sender,
		stringParam(req, "room_password"), entry.MaxPlayers, entry.Version)
	if err != nil {
		c.reply(wire.Error(req.Action, "You already host a room"))
		return
	}
	c.game = game
	c.roomID = roomID
	c.setPresence(c.identity, session.StatusRoom)
	c.b.publish(events.Event{Kind: events.KindRoom, Game: game, Room: roomID, Identity: c.identity, Detail: "created"})
	c.reply(wire.OK(req.Action, map[string]any{"room_id": roomID}, "Room created successfully"))
}

func (c *clientSession) handleListRooms(req wire.Request) {
	summaries := c.b.registry.Summaries(stringParam(req, "gamename"))
	list := make([]any, 0, len(summaries))
	for _, s := range summaries {
		list = append(list, map[string]any{
			"room_id":         s.RoomID,
			"host":            s.Host,
			"current_players": s.CurrentPlayers,
			"max_players":     s.MaxPlayers,
			"has_password":    s.HasPassword,
		})
	}
	c.reply(wire.OK(req.Action, map[string]any{"rooms": list}, ""))
}

func (c *clientSession) handleJoinRoom(req wire.Request) {
	game := stringParam(req, "gamename")
	roomID := stringParam(req, "room_id")
	_, err := c.b.registry.Join(game, roomID, c.identity, c.sender, stringParam(req, "room_password"))
	switch {
	case errors.Is(err, rooms.ErrNotFound):
		c.reply(wire.Error(req.Action, "Room not found"))
	case errors.Is(err, rooms.ErrFull):
		c.reply(wire.Error(req.Action, "Full room"))
	case errors.Is(err, rooms.ErrWrongPassword):
		c.reply(wire.Error(req.Action, "Wrong room password"))
	case err != nil:
		c.reply(wire.Error(req.Action, "Join failed"))
	default:
		c.game = game
		c.roomID = roomID
		c.setPresence(c.identity, session.StatusRoom)
		c.reply(wire.OK(req.Action, nil, "Joined room successfully"))
	}
}

func (c *clientSession) handleListPlayers(req wire.Request) {
	infos, host, password, err := c.b.registry.Members(c.game, c.roomID, c.identity)
	if err != nil {
		c.reply(wire.Error(req.Action, "You are not in any room"))
		return
	}
	players := make([]any, 0, len(infos))
	for _, info := range infos {
		players = append(players, map[string]any{"identity": info.Identity, "ready": info.Ready})
	}
	c.reply(wire.OK(req.Action, map[string]any{
		"players":       players,
		"host":          host,
		"room_password": password,
	}, ""))
}

func (c *clientSession) handleReadyUp(req wire.Request) {
	ready, err := c.b.registry.ToggleReady(c.game, c.roomID, c.identity)
	if err != nil {
		c.reply(wire.Error(req.Action, "You are not in any room"))
		return
	}
	msg := "Cancel ready"
	if ready {
		msg = "Ready"
	}
	c.reply(wire.OK(req.Action, nil, msg))
}

func (c *clientSession) handleLeaveRoom(req wire.Request) {
	res, err := c.b.registry.Leave(c.game, c.roomID, c.identity)
	if err != nil {
		c.reply(wire.Error(req.Action, "You are not in any room"))
		return
	}
	for _, evicted := range res.Evicted {
		c.setPresence(evicted, session.StatusLobby)
	}
	if res.Closed {
		c.b.publish(events.Event{Kind: events.KindRoom, Game: c.game, Room: c.roomID, Identity: c.identity, Detail: "closed"})
	}
	c.setPresence(c.identity, session.StatusLobby)
	c.game = ""
	c.roomID = ""
	c.reply(wire.OK(req.Action, nil, "Left room successfully"))
}

// handleStartGame walks the full start pipeline: readiness gate, catalog
// liveness and version gates, dedicated server launch, then the game_start
// and game_info pushes. Gate failures that close the room also reset the
// evicted members' presence.
func (c *clientSession) handleStartGame(req wire.Request) {
	game, roomID := c.game, c.roomID

	entry, ok := c.catalogEntry(game)
	if !ok {
		// The game vanished from the catalog after the room was opened.
		evicted := c.b.registry.Close(game, roomID, "Game have been removed.")
		for _, identity := range evicted {
			c.setPresence(identity, session.StatusLobby)
		}
		c.clearRoomState(evicted)
		c.reply(wire.Error(req.Action, "Game have been removed."))
		return
	}

	res, err := c.b.registry.Start(game, roomID, entry.Version)
	switch {
	case errors.Is(err, rooms.ErrNotAllReady):
		c.reply(wire.Response{
			Action: req.Action,
			Result: wire.ResultError,
			Data:   map[string]any{"type": "wait"},
			Msg:    "Not everyone is ready!",
		})
		return
	case errors.Is(err, rooms.ErrVersionStale):
		for _, identity := range res.Participants {
			c.setPresence(identity, session.StatusLobby)
		}
		c.clearRoomState(res.Participants)
		c.reply(wire.Error(req.Action, "Please update the game version!"))
		return
	case err != nil:
		c.reply(wire.Error(req.Action, "You are not in any room"))
		return
	}

	instance, err := c.b.launcher.Launch(entry.GameName, entry.Author)
	if err != nil {
		c.log.Error("game launch failed", logging.String("game", game), logging.Error(err))
		evicted := c.b.registry.Close(game, roomID, "Game server failed to start!")
		for _, identity := range evicted {
			c.setPresence(identity, session.StatusLobby)
		}
		c.clearRoomState(evicted)
		c.reply(wire.Error(req.Action, "Game server failed to start!"))
		return
	}

	c.b.registry.Deliver(game, roomID, wire.OK("game_start", nil, "GameStart"))
	c.b.registry.Deliver(game, roomID, wire.OK("game_info",
		map[string]any{"gameaddr": []any{instance.Host, instance.Port}},
		"game server Ip address"))
	for _, identity := range res.Participants {
		c.setPresence(identity, session.StatusInGame)
	}
	c.b.registry.Release(game, roomID)

	c.b.starts.Add(1)
	c.b.publish(events.Event{Kind: events.KindGameStart, Game: game, Room: roomID, Detail: instance.Addr()})
	c.log.Info("game started",
		logging.String("game", game),
		logging.String("room", roomID),
		logging.String("addr", instance.Addr()))
}

// teardown runs when the connection drops for any reason. Room membership
// is cleaned up first so other players hear about the departure, then the
// account is logged out.
func (c *clientSession) teardown() {
	if c.identity == "" {
		return
	}
	if game, roomID, ok := c.b.registry.FindMember(c.identity); ok {
		if res, err := c.b.registry.Leave(game, roomID, c.identity); err == nil {
			for _, evicted := range res.Evicted {
				c.setPresence(evicted, session.StatusLobby)
			}
			if res.Closed {
				c.b.publish(events.Event{Kind: events.KindRoom, Game: game, Room: roomID, Identity: c.identity, Detail: "closed"})
			}
		}
	}
	if err := c.b.gateway.Logout(c.identity); err != nil {
		c.log.Warn("disconnect logout failed", logging.Error(err))
	}
	c.b.publish(events.Event{Kind: events.KindLogout, Identity: c.identity})
	c.log.Info("session torn down", logging.String("identity", c.identity))
}

// clearRoomState resets the local room tracking when the identity was among
// the members removed by a room-closing gate.
func (c *clientSession) clearRoomState(removed []string) {
	for _, identity := range removed {
		if identity == c.identity {
			c.game = ""
			c.roomID = ""
			return
		}
	}
}

func (c *clientSession) setPresence(identity, status string) {
	if err := c.b.gateway.SetPresence(identity, status); err != nil {
		c.log.Warn("presence update failed",
			logging.String("identity", identity), logging.Error(err))
	}
}

// catalogEntry resolves a catalog key of the form gamename_author to its
// live entry. The key splits on the last underscore, so game names may
// themselves contain underscores.
func (c *clientSession) catalogEntry(key string) (catalog.Entry, bool) {
	if key == "" {
		return catalog.Entry{}, false
	}
	records, err := c.b.store.Read(store.CatalogCategory)
	if err != nil {
		c.log.Warn("catalog read failed", logging.Error(err))
		return catalog.Entry{}, false
	}
	record, ok := records[key].(map[string]any)
	if !ok {
		return catalog.Entry{}, false
	}
	entry, err := catalog.EntryFromRecord(record)
	if err != nil {
		c.log.Warn("corrupt catalog record", logging.String("key", key), logging.Error(err))
		return catalog.Entry{}, false
	}
	if entry.GameName == "" || entry.Author == "" {
		if idx := strings.LastIndex(key, "_"); idx > 0 {
			entry.GameName = key[:idx]
			entry.Author = key[idx+1:]
		}
	}
	return entry, true
}

func stringParam(req wire.Request, key string) string {
	value, _ := req.Data[key].(string)
	return value
}
