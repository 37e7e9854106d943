// Package session implements the per-connection authentication gateway:
// identity registration, credential checks, opaque token issue and
// verification, and the mandatory teardown path shared by explicit logout and
// abrupt disconnect.
package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/store"
)

// Presence values persisted in account records.
const (
	StatusOffline = "offline"
	StatusLobby   = "lobby"
	StatusRoom    = "room"
	StatusInGame  = "ingame"
)

var (
	// ErrIdentityTaken rejects registration of an existing identity.
	ErrIdentityTaken = errors.New("identity already registered")
	// ErrUnknownIdentity rejects login for an identity that does not exist.
	ErrUnknownIdentity = errors.New("account does not exist")
	// ErrWrongPassword rejects login with a bad shared secret.
	ErrWrongPassword = errors.New("wrong password")
	// ErrAlreadyOnline rejects a second concurrent login for an identity.
	ErrAlreadyOnline = errors.New("identity already logged in")
	// ErrTokenMismatch reports a stale or forged session token; the gateway
	// force-logs the identity out before returning it.
	ErrTokenMismatch = errors.New("token mismatch")
)

// Accounts is the slice of the store client the gateway depends on.
type Accounts interface {
	Query(category string, data store.Record) (store.Record, error)
	Create(category string, data store.Record) error
	Update(category string, data store.Record) error
}

// Option configures optional gateway behaviour.
type Option func(*Gateway)

// WithTokenSource overrides the random token generator, primarily for tests.
func WithTokenSource(source func() string) Option {
	return func(g *Gateway) {
		if source != nil {
			g.newToken = source
		}
	}
}

// WithLogger overrides the gateway logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.log = logger
		}
	}
}

// Gateway validates identities against one account category of the store.
// The mutex serializes the check-then-mutate sequences (register, login) so
// that concurrent attempts for the same identity cannot interleave; the store
// itself only serializes individual mutations.
type Gateway struct {
	mu       sync.Mutex
	accounts Accounts
	category string
	newToken func() string
	log      *logging.Logger
}

// New builds a gateway over the given account category (store.PlayerCategory
// or store.DeveloperCategory).
func New(accounts Accounts, category string, opts ...Option) *Gateway {
	g := &Gateway{
		accounts: accounts,
		category: category,
		newToken: randomToken,
		log:      logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func randomToken() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Register creates a fresh account. The secret is stored as supplied; see the
// developer notes on legacy credential handling.
func (g *Gateway) Register(identity, secret string) error {
	if identity == "" || secret == "" {
		return errors.New("identity and password are required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, err := g.accounts.Query(g.category, store.Record{"username": identity})
	if err != nil {
		return fmt.Errorf("register query: %w", err)
	}
	if len(existing) != 0 {
		return ErrIdentityTaken
	}
	if err := g.accounts.Create(g.category, store.Record{"username": identity, "password": secret}); err != nil {
		return fmt.Errorf("register create: %w", err)
	}
	g.log.Info("identity registered", logging.String("identity", identity), logging.String("category", g.category))
	return nil
}

// Login verifies the credentials and, when the identity is not already
// online, issues a fresh token and moves the account to lobby presence.
func (g *Gateway) Login(identity, secret string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	record, err := g.accounts.Query(g.category, store.Record{"username": identity})
	if err != nil {
		return "", fmt.Errorf("login query: %w", err)
	}
	if len(record) == 0 {
		return "", ErrUnknownIdentity
	}
	if password, _ := record["password"].(string); password != secret {
		return "", ErrWrongPassword
	}
	if status, _ := record["status"].(string); status != StatusOffline {
		return "", ErrAlreadyOnline
	}
	token := g.newToken()
	err = g.accounts.Update(g.category, store.Record{
		"username": identity,
		"status":   StatusLobby,
		"token":    token,
	})
	if err != nil {
		return "", fmt.Errorf("login update: %w", err)
	}
	g.log.Info("identity logged in", logging.String("identity", identity))
	return token, nil
}

// Authorize compares the presented token against the session's issued token.
// On mismatch the identity is force-logged-out so the client must
// re-authenticate, and ErrTokenMismatch is returned.
func (g *Gateway) Authorize(identity, presented, issued string) error {
	if issued != "" && presented == issued {
		return nil
	}
	if identity != "" {
		if err := g.Logout(identity); err != nil {
			g.log.Warn("forced logout failed", logging.String("identity", identity), logging.Error(err))
		}
	}
	return ErrTokenMismatch
}

// Logout clears the token and resets presence to offline. It is idempotent
// and doubles as the disconnect teardown for account state.
func (g *Gateway) Logout(identity string) error {
	if identity == "" {
		return nil
	}
	err := g.accounts.Update(g.category, store.Record{
		"username": identity,
		"status":   StatusOffline,
		"token":    nil,
	})
	if err != nil {
		return fmt.Errorf("logout update: %w", err)
	}
	g.log.Info("identity logged out", logging.String("identity", identity))
	return nil
}

// SetPresence records a status transition (lobby/room/ingame) for the identity.
func (g *Gateway) SetPresence(identity, status string) error {
	if identity == "" {
		return nil
	}
	err := g.accounts.Update(g.category, store.Record{"username": identity, "status": status})
	if err != nil {
		return fmt.Errorf("presence update: %w", err)
	}
	return nil
}
