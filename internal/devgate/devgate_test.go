package devgate

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/manifest"
	"gameforge/platform/internal/session"
	"gameforge/platform/internal/store"
	"gameforge/platform/internal/wire"
)

type devPlatform struct {
	addr    string
	store   *store.Client
	bundles *manifest.Store
}

func startService(t *testing.T) *devPlatform {
	t.Helper()
	dir := t.TempDir()
	logger := logging.NewTestLogger()

	devEng, err := store.NewEngine(filepath.Join(dir, "developer_db.json"), store.Developers(), store.WithLogger(logger))
	require.NoError(t, err)
	catalogEng, err := store.NewEngine(filepath.Join(dir, "game_store_db.json"), store.Catalog(), store.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() {
		devEng.Close()
		catalogEng.Close()
	})

	storeLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go store.NewServer([]*store.Engine{devEng, catalogEng}, nil, logger).Serve(storeLn)
	t.Cleanup(func() { storeLn.Close() })

	client := store.NewClient(storeLn.Addr().String())
	bundles, err := manifest.NewStore(filepath.Join(dir, "gamestore"))
	require.NoError(t, err)

	// Matches the production wiring: no ops surface, so no event stream.
	svc := New(Options{
		Logger:  logger,
		Gateway: session.New(client, store.DeveloperCategory, session.WithLogger(logger)),
		Store:   client,
		Bundles: bundles,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Serve(ctx, ln)
	t.Cleanup(cancel)

	return &devPlatform{addr: ln.Addr().String(), store: client, bundles: bundles}
}

type devClient struct {
	t    *testing.T
	conn net.Conn
}

func dialDev(t *testing.T, addr string) *devClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &devClient{t: t, conn: conn}
}

func (c *devClient) request(phase wire.Phase, action string, data map[string]any, token string) wire.Response {
	c.t.Helper()
	if data == nil {
		data = map[string]any{}
	}
	require.NoError(c.t, wire.WriteJSON(c.conn, wire.Request{Status: phase, Action: action, Data: data, Token: token}))
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp wire.Response
	require.NoError(c.t, wire.ReadJSON(c.conn, &resp))
	return resp
}

func (c *devClient) mustLogin(username, password string) string {
	c.t.Helper()
	resp := c.request(wire.PhaseUnauthenticated, "register", map[string]any{"username": username, "password": password}, "")
	require.Equal(c.t, wire.ResultOK, resp.Result)
	resp = c.request(wire.PhaseUnauthenticated, "login", map[string]any{"username": username, "password": password}, "")
	require.Equal(c.t, wire.ResultOK, resp.Result)
	token, _ := resp.Data["token"].(string)
	require.NotEmpty(c.t, token)
	return token
}

func gameConfig(version string) map[string]any {
	return map[string]any{
		"gamename":    "chess",
		"max_players": 2,
		"version":     version,
		"game_type":   "CUI",
	}
}

func TestUploadPublishesGame(t *testing.T) {
	p := startService(t)
	c := dialDev(t, p.addr)
	token := c.mustLogin("dev", "secret")

	resp := c.request(wire.PhaseLobby, "upload_game", map[string]any{
		"gamename": "chess",
		"config":   gameConfig("1.0.0"),
		"files": map[string]any{
			"chess_client": "client code",
			"chess_server": "server code",
		},
	}, token)
	require.Equal(t, wire.ResultOK, resp.Result)
	require.Equal(t, "Upload game successfully!", resp.Msg)

	record, err := p.store.Query(store.CatalogCategory, store.Record{"gamename": "chess", "username": "dev"})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", record["version"])
	require.Equal(t, "dev", record["author"])
	require.NotEmpty(t, record["last_update"])

	// Files landed in the bundle tree, with the manifest alongside.
	archived, err := p.bundles.ReadArchive("chess", "dev")
	require.NoError(t, err)
	require.Contains(t, archived, "chess_server")
	require.Contains(t, archived, "config.json")

	// A second upload of the same name is refused.
	resp = c.request(wire.PhaseLobby, "upload_game", map[string]any{
		"gamename": "chess",
		"config":   gameConfig("2.0.0"),
		"files":    map[string]any{},
	}, token)
	require.Equal(t, wire.ResultError, resp.Result)
	require.Equal(t, "Game already exists, use update", resp.Msg)
}

func TestUploadValidatesConfig(t *testing.T) {
	p := startService(t)
	c := dialDev(t, p.addr)
	token := c.mustLogin("dev", "secret")

	bad := gameConfig("1.0.0")
	bad["max_players"] = 1
	resp := c.request(wire.PhaseLobby, "upload_game", map[string]any{
		"gamename": "chess",
		"config":   bad,
		"files":    map[string]any{},
	}, token)
	require.Equal(t, wire.ResultError, resp.Result)

	bad = gameConfig("1.0")
	resp = c.request(wire.PhaseLobby, "upload_game", map[string]any{
		"gamename": "chess",
		"config":   bad,
		"files":    map[string]any{},
	}, token)
	require.Equal(t, wire.ResultError, resp.Result)
}

func TestUpdateRequiresStrictlyNewerVersion(t *testing.T) {
	p := startService(t)
	c := dialDev(t, p.addr)
	token := c.mustLogin("dev", "secret")

	resp := c.request(wire.PhaseLobby, "upload_game", map[string]any{
		"gamename": "chess",
		"config":   gameConfig("1.0.0"),
		"files":    map[string]any{"chess_client": "v1"},
	}, token)
	require.Equal(t, wire.ResultOK, resp.Result)

	// Same version again: rejected.
	resp = c.request(wire.PhaseLobby, "update_game", map[string]any{
		"gamename": "chess",
		"config":   gameConfig("1.0.0"),
		"files":    map[string]any{},
	}, token)
	require.Equal(t, wire.ResultError, resp.Result)

	resp = c.request(wire.PhaseLobby, "update_game", map[string]any{
		"gamename": "chess",
		"config":   gameConfig("1.0.1"),
		"files":    map[string]any{"chess_client": "v2"},
	}, token)
	require.Equal(t, wire.ResultOK, resp.Result)
	require.Equal(t, "Update game successfully!", resp.Msg)

	record, err := p.store.Query(store.CatalogCategory, store.Record{"gamename": "chess", "username": "dev"})
	require.NoError(t, err)
	require.Equal(t, "1.0.1", record["version"])

	// Updating a game that was never uploaded fails.
	resp = c.request(wire.PhaseLobby, "update_game", map[string]any{
		"gamename": "checkers",
		"config": map[string]any{
			"gamename": "checkers", "max_players": 2, "version": "1.0.0", "game_type": "CUI",
		},
		"files": map[string]any{},
	}, token)
	require.Equal(t, wire.ResultError, resp.Result)
	require.Equal(t, "Game not found", resp.Msg)
}

func TestManageListsOwnGamesOnly(t *testing.T) {
	p := startService(t)

	first := dialDev(t, p.addr)
	firstToken := first.mustLogin("dev", "secret")
	resp := first.request(wire.PhaseLobby, "upload_game", map[string]any{
		"gamename": "chess",
		"config":   gameConfig("1.0.0"),
		"files":    map[string]any{},
	}, firstToken)
	require.Equal(t, wire.ResultOK, resp.Result)

	second := dialDev(t, p.addr)
	secondToken := second.mustLogin("rival", "secret")
	resp = second.request(wire.PhaseLobby, "manage_game", nil, secondToken)
	require.Equal(t, wire.ResultOK, resp.Result)
	list, _ := resp.Data["game_list"].(map[string]any)
	require.Empty(t, list)

	resp = first.request(wire.PhaseLobby, "manage_game", nil, firstToken)
	require.Equal(t, wire.ResultOK, resp.Result)
	list, _ = resp.Data["game_list"].(map[string]any)
	require.Contains(t, list, "chess_dev")
}

func TestDeleteRemovesCatalogAndBundle(t *testing.T) {
	p := startService(t)
	c := dialDev(t, p.addr)
	token := c.mustLogin("dev", "secret")

	resp := c.request(wire.PhaseLobby, "upload_game", map[string]any{
		"gamename": "chess",
		"config":   gameConfig("1.0.0"),
		"files":    map[string]any{"chess_client": "code"},
	}, token)
	require.Equal(t, wire.ResultOK, resp.Result)

	resp = c.request(wire.PhaseLobby, "delete_game", map[string]any{"gamename": "chess"}, token)
	require.Equal(t, wire.ResultOK, resp.Result)
	require.Equal(t, "Delete game successfully!", resp.Msg)

	record, err := p.store.Query(store.CatalogCategory, store.Record{"gamename": "chess", "username": "dev"})
	require.NoError(t, err)
	require.Empty(t, record)

	_, err = p.bundles.Load("chess", "dev")
	require.ErrorIs(t, err, manifest.ErrBundleNotFound)
}

func TestTokenMismatchForcesLogout(t *testing.T) {
	p := startService(t)
	c := dialDev(t, p.addr)
	c.mustLogin("dev", "secret")

	resp := c.request(wire.PhaseLobby, "manage_game", nil, "forged")
	require.Equal(t, wire.ResultTokenMiss, resp.Result)

	// The account is free again after the forced logout.
	resp = c.request(wire.PhaseUnauthenticated, "login", map[string]any{"username": "dev", "password": "secret"}, "")
	require.Equal(t, wire.ResultOK, resp.Result)
}
