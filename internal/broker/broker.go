// Package broker implements the player-facing lobby service: one TCP
// connection per player, phase-gated dispatch over the framed JSON
// protocol, and the matchmaking flows that tie together the session
// gateway, the room registry, the catalog and the game launcher.
package broker

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"gameforge/platform/internal/events"
	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/manifest"
	"gameforge/platform/internal/orchestrator"
	"gameforge/platform/internal/rooms"
	"gameforge/platform/internal/session"
	"gameforge/platform/internal/store"
)

// Options wires the broker's collaborators.
type Options struct {
	Logger      *logging.Logger
	Gateway     *session.Gateway
	Store       *store.Client
	Registry    *rooms.Registry
	Launcher    *orchestrator.Launcher
	Bundles     *manifest.Store
	Stream      *events.Stream
	IdleTimeout time.Duration
}

// Broker accepts player connections and runs one worker per connection.
type Broker struct {
	log         *logging.Logger
	gateway     *session.Gateway
	store       *store.Client
	registry    *rooms.Registry
	launcher    *orchestrator.Launcher
	bundles     *manifest.Store
	stream      *events.Stream
	idleTimeout time.Duration

	started    time.Time
	startupErr error
	clients    atomic.Int64
	logins     atomic.Uint64
	starts     atomic.Uint64
}

// New builds a broker from its collaborators.
func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Broker{
		log:         logger,
		gateway:     opts.Gateway,
		store:       opts.Store,
		registry:    opts.Registry,
		launcher:    opts.Launcher,
		bundles:     opts.Bundles,
		stream:      opts.Stream,
		idleTimeout: opts.IdleTimeout,
		started:     time.Now(),
	}
}

// Serve accepts connections until the listener closes or the context is
// cancelled. Each connection gets its own worker goroutine.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	b.log.Info("lobby listening", logging.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			b.log.Warn("accept failed", logging.Error(err))
			continue
		}
		go b.handleConn(ctx, conn)
	}
}

// SnapshotCounts implements the readiness surface for the ops handlers.
func (b *Broker) SnapshotCounts() (clients, roomCount, instances int) {
	clients = int(b.clients.Load())
	if b.registry != nil {
		roomCount = b.registry.Count()
	}
	if b.launcher != nil {
		instances = b.launcher.Running()
	}
	return
}

// StartupError reports a fatal initialisation failure, if any.
func (b *Broker) StartupError() error { return b.startupErr }

// Uptime reports how long the broker has been serving.
func (b *Broker) Uptime() time.Duration { return time.Since(b.started) }

// Stats reports cumulative login and game start counters.
func (b *Broker) Stats() (logins, starts uint64) {
	return b.logins.Load(), b.starts.Load()
}

func (b *Broker) publish(ev events.Event) {
	if b.stream == nil {
		return
	}
	if _, err := b.stream.Publish(ev); err != nil {
		b.log.Warn("event publish failed", logging.Error(err))
	}
}
