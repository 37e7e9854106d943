// Package orchestrator spawns dedicated game-server processes for rooms
// that pass the start gates and hands their address back to the players.
package orchestrator

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"gameforge/platform/internal/logging"
)

// ErrLaunchFailed wraps any failure between port reservation and a running
// child process.
var ErrLaunchFailed = errors.New("game instance launch failed")

// Instance is one spawned game-server process.
type Instance struct {
	ID   string
	Game string
	Host string
	Port int
	PID  int

	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Addr is the host:port players should connect to.
func (in *Instance) Addr() string {
	return net.JoinHostPort(in.Host, strconv.Itoa(in.Port))
}

// Done is closed once the process has exited.
func (in *Instance) Done() <-chan struct{} { return in.done }

// Err reports the exit error after Done is closed.
func (in *Instance) Err() error {
	<-in.done
	return in.err
}

// Stop kills the process. Waiting for the exit happens on the reaper
// goroutine started at launch.
func (in *Instance) Stop() error {
	if in.cmd == nil || in.cmd.Process == nil {
		return nil
	}
	return in.cmd.Process.Kill()
}

// Launcher spawns game-server binaries from the published catalog tree.
// Every published game directory is expected to contain a server binary
// named after the bare game name.
type Launcher struct {
	catalogDir string
	host       string
	log        *logging.Logger

	mu      sync.Mutex
	running map[string]*Instance
}

// Option mutates a Launcher during construction.
type Option func(*Launcher)

// WithLogger overrides the package logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Launcher) { l.log = logger }
}

// NewLauncher builds a launcher rooted at the published catalog directory.
// Spawned servers bind the given host.
func NewLauncher(catalogDir, host string, opts ...Option) *Launcher {
	l := &Launcher{
		catalogDir: catalogDir,
		host:       host,
		log:        logging.L(),
		running:    make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch reserves an ephemeral port, then starts the dedicated server binary
// for the game with the reserved address on its command line. The port is
// picked by binding port zero and reading back what the kernel assigned,
// then releasing it for the child to claim.
func (l *Launcher) Launch(game, author string) (*Instance, error) {
	port, err := l.freePort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	dir := filepath.Join(l.catalogDir, game+"_"+author)
	bin := filepath.Join(dir, game+"_server")
	if _, err := os.Stat(bin); err != nil {
		return nil, fmt.Errorf("%w: server binary: %v", ErrLaunchFailed, err)
	}

	cmd := exec.Command(bin, "--host", l.host, "--port", strconv.Itoa(port))
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	in := &Instance{
		ID:   uuid.NewString(),
		Game: game,
		Host: l.host,
		Port: port,
		PID:  cmd.Process.Pid,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	l.mu.Lock()
	l.running[in.ID] = in
	l.mu.Unlock()

	l.log.Info("game instance launched",
		logging.String("game", game),
		logging.String("instance", in.ID),
		logging.String("addr", in.Addr()),
		logging.Int("pid", in.PID))

	go l.reap(in)
	return in, nil
}

// Running reports the number of live instances.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running)
}

// StopAll kills every live instance, for shutdown.
func (l *Launcher) StopAll() {
	l.mu.Lock()
	instances := make([]*Instance, 0, len(l.running))
	for _, in := range l.running {
		instances = append(instances, in)
	}
	l.mu.Unlock()
	for _, in := range instances {
		if err := in.Stop(); err != nil {
			l.log.Warn("stopping game instance", logging.String("instance", in.ID), logging.Error(err))
		}
	}
}

func (l *Launcher) reap(in *Instance) {
	in.err = in.cmd.Wait()
	close(in.done)
	l.mu.Lock()
	delete(l.running, in.ID)
	l.mu.Unlock()
	if in.err != nil {
		l.log.Warn("game instance exited",
			logging.String("instance", in.ID), logging.Error(in.err))
		return
	}
	l.log.Info("game instance exited", logging.String("instance", in.ID))
}

func (l *Launcher) freePort() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(l.host, "0"))
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
