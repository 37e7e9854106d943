// Package devgate implements the developer-facing publishing service:
// developer accounts, game uploads with catalog validation, version-gated
// updates and catalog removal. It speaks the same framed protocol as the
// lobby but over its own listening port.
package devgate

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"gameforge/platform/internal/catalog"
	"gameforge/platform/internal/events"
	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/manifest"
	"gameforge/platform/internal/session"
	"gameforge/platform/internal/store"
	"gameforge/platform/internal/wire"
)

// Options wires the service's collaborators.
type Options struct {
	Logger      *logging.Logger
	Gateway     *session.Gateway
	Store       *store.Client
	Bundles     *manifest.Store
	Stream      *events.Stream
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Service accepts developer connections and runs one worker per connection.
type Service struct {
	log         *logging.Logger
	gateway     *session.Gateway
	store       *store.Client
	bundles     *manifest.Store
	stream      *events.Stream
	idleTimeout time.Duration
	now         func() time.Time
}

// New builds the developer service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		log:         logger,
		gateway:     opts.Gateway,
		store:       opts.Store,
		bundles:     opts.Bundles,
		stream:      opts.Stream,
		idleTimeout: opts.IdleTimeout,
		now:         now,
	}
}

// Serve accepts connections until the listener closes or the context is cancelled.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.log.Info("developer gateway listening", logging.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", logging.Error(err))
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

type devSession struct {
	s      *Service
	conn   net.Conn
	log    *logging.Logger
	writer *frameWriter

	identity string
	token    string
}

// frameWriter serialises frame writes; the developer protocol has no pushes
// but the teardown path can race a reply on a dying connection.
type frameWriter struct {
	conn net.Conn
}

func (w *frameWriter) send(resp wire.Response) error {
	w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wire.WriteJSON(w.conn, resp)
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	wire.SetKeepalive(conn)
	d := &devSession{
		s:      s,
		conn:   conn,
		log:    s.log.With(logging.String("remote_addr", conn.RemoteAddr().String())),
		writer: &frameWriter{conn: conn},
	}
	d.log.Info("developer connected")
	defer d.teardown()
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		var req wire.Request
		if err := wire.ReadJSON(conn, &req); err != nil {
			d.log.Info("developer disconnected", logging.Error(err))
			return
		}
		d.dispatch(req)
	}
}

func (d *devSession) dispatch(req wire.Request) {
	switch req.Status {
	case wire.PhaseUnauthenticated:
		switch req.Action {
		case "register":
			d.handleRegister(req)
		case "login":
			d.handleLogin(req)
		default:
			d.reply(wire.Error(req.Action, "Unknown operation"))
		}
	case wire.PhaseLobby:
		if !d.checkToken(req) {
			return
		}
		switch req.Action {
		case "upload_game":
			d.handleUpload(req)
		case "update_game":
			d.handleUpdate(req)
		case "manage_game":
			d.handleManage(req)
		case "delete_game":
			d.handleDelete(req)
		case "logout":
			d.handleLogout(req)
		default:
			d.reply(wire.Error(req.Action, "Unknown operation"))
		}
	default:
		d.reply(wire.Error(req.Action, "Unknown operation"))
	}
}

func (d *devSession) reply(resp wire.Response) {
	err := d.writer.send(resp)
	if err == nil {
		return
	}
	d.log.Warn("reply failed", logging.String("action", resp.Action), logging.Error(err))
	if !errors.Is(err, wire.ErrFrameTooLarge) {
		return
	}
	// The reply never left the server, so the client is still blocked on a
	// read. Degrade to a small error frame instead of leaving it hanging.
	if err := d.writer.send(wire.Error(resp.Action, "Response too large")); err != nil {
		d.log.Warn("oversize fallback failed", logging.String("action", resp.Action), logging.Error(err))
	}
}

func (d *devSession) checkToken(req wire.Request) bool {
	if err := d.s.gateway.Authorize(d.identity, req.Token, d.token); err == nil {
		return true
	}
	d.identity = ""
	d.token = ""
	d.reply(wire.TokenMiss(req.Action))
	return false
}

func (d *devSession) handleRegister(req wire.Request) {
	username := stringParam(req, "username")
	password := stringParam(req, "password")
	if username == "" || password == "" {
		d.reply(wire.Error(req.Action, "Fail, change another username"))
		return
	}
	if err := d.s.gateway.Register(username, password); err != nil {
		d.reply(wire.Error(req.Action, "Fail, change another username"))
		return
	}
	d.publish(events.Event{Kind: events.KindRegister, Identity: username, Detail: "developer"})
	d.reply(wire.OK(req.Action, nil, "Register successfully"))
}

func (d *devSession) handleLogin(req wire.Request) {
	username := stringParam(req, "username")
	token, err := d.s.gateway.Login(username, stringParam(req, "password"))
	switch {
	case errors.Is(err, session.ErrUnknownIdentity):
		d.reply(wire.Error(req.Action, "Account doesn't exist!"))
	case errors.Is(err, session.ErrWrongPassword):
		d.reply(wire.Error(req.Action, "Wrong password!"))
	case errors.Is(err, session.ErrAlreadyOnline):
		d.reply(wire.Error(req.Action, "Account has logined!"))
	case err != nil:
		d.reply(wire.Error(req.Action, "Login failed"))
	default:
		d.identity = username
		d.token = token
		d.publish(events.Event{Kind: events.KindLogin, Identity: username, Detail: "developer"})
		d.reply(wire.OK(req.Action, map[string]any{"token": token}, "Login successfully!"))
	}
}

func (d *devSession) handleLogout(req wire.Request) {
	if err := d.s.gateway.Logout(d.identity); err != nil {
		d.log.Warn("logout failed", logging.Error(err))
	}
	d.publish(events.Event{Kind: events.KindLogout, Identity: d.identity, Detail: "developer"})
	d.identity = ""
	d.token = ""
	d.reply(wire.OK(req.Action, nil, "Logout successfully!"))
}

// handleUpload publishes a brand new game: the metadata record must pass
// catalog validation and the name must not collide with an existing entry
// by the same developer.
func (d *devSession) handleUpload(req wire.Request) {
	entry, err := d.entryFromRequest(req)
	if err != nil {
		d.reply(wire.Error(req.Action, err.Error()))
		return
	}
	existing, err := d.s.store.Query(store.CatalogCategory, store.Record{
		"gamename": entry.GameName,
		"username": d.identity,
	})
	if err != nil {
		d.replyStoreFailure(req, err)
		return
	}
	if len(existing) != 0 {
		d.reply(wire.Error(req.Action, "Game already exists, use update"))
		return
	}
	entry.Touch(d.s.now())
	if err := d.storeBundle(req, entry, "upload"); err != nil {
		d.reply(wire.Error(req.Action, "Upload failed"))
		return
	}
	if err := d.s.store.Create(store.CatalogCategory, store.Record{
		"gamename": entry.GameName,
		"username": d.identity,
		"config":   entry.Record(),
	}); err != nil {
		d.replyStoreFailure(req, err)
		return
	}
	d.publish(events.Event{Kind: events.KindCatalog, Game: store.CatalogKey(entry.GameName, entry.Author), Identity: d.identity, Detail: "published"})
	d.reply(wire.OK(req.Action, nil, "Upload game successfully!"))
}

// handleUpdate replaces a published game's metadata and files. The new
// version must be strictly greater than the live one.
func (d *devSession) handleUpdate(req wire.Request) {
	entry, err := d.entryFromRequest(req)
	if err != nil {
		d.reply(wire.Error(req.Action, err.Error()))
		return
	}
	record, err := d.s.store.Query(store.CatalogCategory, store.Record{
		"gamename": entry.GameName,
		"username": d.identity,
	})
	if err != nil {
		d.replyStoreFailure(req, err)
		return
	}
	if len(record) == 0 {
		d.reply(wire.Error(req.Action, "Game not found"))
		return
	}
	published, err := catalog.EntryFromRecord(record)
	if err != nil {
		d.log.Warn("corrupt catalog record", logging.Error(err))
	}
	if err := entry.ValidateUpdate(published); err != nil {
		d.reply(wire.Error(req.Action, err.Error()))
		return
	}
	entry.Touch(d.s.now())
	if err := d.storeBundle(req, entry, "update"); err != nil {
		d.reply(wire.Error(req.Action, "Update failed"))
		return
	}
	if err := d.s.store.Update(store.CatalogCategory, store.Record{
		"gamename": entry.GameName,
		"username": d.identity,
		"config":   entry.Record(),
	}); err != nil {
		d.replyStoreFailure(req, err)
		return
	}
	d.publish(events.Event{Kind: events.KindCatalog, Game: store.CatalogKey(entry.GameName, entry.Author), Identity: d.identity, Detail: "updated"})
	d.reply(wire.OK(req.Action, nil, "Update game successfully!"))
}

// handleManage lists every game published by the developer.
func (d *devSession) handleManage(req wire.Request) {
	records, err := d.s.store.Query(store.CatalogCategory, store.Record{
		"gamename": "",
		"username": d.identity,
	})
	if err != nil {
		d.replyStoreFailure(req, err)
		return
	}
	d.reply(wire.OK(req.Action, map[string]any{"game_list": records}, "Fetch game list successfully!"))
}

// handleDelete removes a game from the catalog and its bundle from disk.
// The delete key is pre-joined because the store's delete addresses records
// directly by key.
func (d *devSession) handleDelete(req wire.Request) {
	gamename := stringParam(req, "gamename")
	if gamename == "" {
		d.reply(wire.Error(req.Action, "Game name required"))
		return
	}
	key := store.CatalogKey(gamename, d.identity)
	if err := d.s.store.Delete(store.CatalogCategory, store.Record{"gamename": key}); err != nil {
		d.replyStoreFailure(req, err)
		return
	}
	if err := d.s.bundles.Remove(gamename, d.identity); err != nil {
		d.log.Warn("bundle removal failed", logging.String("game", key), logging.Error(err))
	}
	d.publish(events.Event{Kind: events.KindCatalog, Game: key, Identity: d.identity, Detail: "removed"})
	d.reply(wire.OK(req.Action, nil, "Delete game successfully!"))
}

func (d *devSession) teardown() {
	if d.identity == "" {
		return
	}
	if err := d.s.gateway.Logout(d.identity); err != nil {
		d.log.Warn("disconnect logout failed", logging.Error(err))
	}
	d.publish(events.Event{Kind: events.KindLogout, Identity: d.identity, Detail: "developer"})
}

func (d *devSession) publish(ev events.Event) {
	if d.s.stream == nil {
		return
	}
	if _, err := d.s.stream.Publish(ev); err != nil {
		d.log.Warn("event publish failed", logging.Error(err))
	}
}

func (d *devSession) replyStoreFailure(req wire.Request, err error) {
	d.log.Error("store request failed", logging.String("action", req.Action), logging.Error(err))
	d.reply(wire.Error(req.Action, "Storage unavailable"))
}

// entryFromRequest decodes and validates the metadata config of an upload
// or update request. The author is always the authenticated developer, no
// matter what the payload claims.
func (d *devSession) entryFromRequest(req wire.Request) (catalog.Entry, error) {
	config, _ := req.Data["config"].(map[string]any)
	if config == nil {
		return catalog.Entry{}, errors.New("Game config required")
	}
	entry, err := catalog.EntryFromRecord(config)
	if err != nil {
		return catalog.Entry{}, err
	}
	if entry.GameName == "" {
		entry.GameName = stringParam(req, "gamename")
	}
	entry.Author = d.identity
	if err := entry.Validate(); err != nil {
		return catalog.Entry{}, err
	}
	return entry, nil
}

// storeBundle persists the uploaded files next to the catalog manifest.
func (d *devSession) storeBundle(req wire.Request, entry catalog.Entry, action string) error {
	raw, _ := req.Data["files"].(map[string]any)
	files := make(map[string][]byte, len(raw)+1)
	for name, content := range raw {
		text, ok := content.(string)
		if !ok {
			return errors.New("file contents must be strings")
		}
		files[name] = []byte(text)
	}
	manifestBytes, err := catalogManifest(entry)
	if err != nil {
		return err
	}
	files["config.json"] = manifestBytes
	if err := d.s.bundles.Publish(entry.GameName, entry.Author, action, files); err != nil {
		d.log.Error("bundle write failed", logging.String("game", entry.GameName), logging.Error(err))
		return err
	}
	return nil
}

func catalogManifest(entry catalog.Entry) ([]byte, error) {
	return json.MarshalIndent(entry, "", "    ")
}

func stringParam(req wire.Request, key string) string {
	value, _ := req.Data[key].(string)
	return value
}
