// Package store implements the persistent store engine: an authoritative
// in-memory map per record category, fronted by an ordered mutation queue and
// a single background writer that batches crash-safe flushes to disk.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gameforge/platform/internal/logging"
)

var (
	// ErrQueueFull signals that the mutation queue is at capacity and the
	// write was shed rather than queued.
	ErrQueueFull = errors.New("mutation queue full")
	// ErrEngineClosed is returned for mutations submitted after Close.
	ErrEngineClosed = errors.New("store engine closed")
)

const (
	// DefaultQuiescence is how long the queue must stay idle before a flush.
	DefaultQuiescence = 500 * time.Millisecond
	// DefaultMaxBatch flushes after this many applied mutations.
	DefaultMaxBatch = 64
	// DefaultQueueDepth bounds the pending mutation queue.
	DefaultQueueDepth = 1024
)

// Record is the raw key-value form every stored record travels in.
type Record = map[string]any

type mutation struct {
	action string
	data   Record
	ack    chan error
}

// Option configures optional engine behaviour at construction time.
type Option func(*Engine)

// WithQuiescence overrides the idle interval that triggers a flush.
func WithQuiescence(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.quiescence = d
		}
	}
}

// WithMaxBatch overrides the applied-mutation count that forces a flush.
func WithMaxBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBatch = n
		}
	}
}

// WithQueueDepth bounds the pending mutation queue.
func WithQueueDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueDepth = n
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// Engine owns the authoritative map for one record category. Mutations are
// applied to the map synchronously by the writer goroutine and acknowledged to
// the caller before it proceeds; only the disk flush is deferred and batched.
type Engine struct {
	category Category
	path     string

	mu    sync.RWMutex
	state map[string]Record
	dirty bool

	queue      chan mutation
	queueDepth int
	quiescence time.Duration
	maxBatch   int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	log *logging.Logger
}

// NewEngine loads the canonical file for the category (creating an empty one
// if absent) and starts the background writer.
func NewEngine(path string, category Category, opts ...Option) (*Engine, error) {
	if path == "" {
		return nil, errors.New("store path must be provided")
	}
	if category.Name == "" || category.Apply == nil || category.Query == nil {
		return nil, errors.New("store category is incomplete")
	}
	e := &Engine{
		category:   category,
		path:       path,
		quiescence: DefaultQuiescence,
		maxBatch:   DefaultMaxBatch,
		queueDepth: DefaultQueueDepth,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		log:        logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	e.queue = make(chan mutation, e.queueDepth)
	go e.writerLoop()
	return e, nil
}

// Category returns the name the engine is addressed by over the network.
func (e *Engine) Name() string { return e.category.Name }

// Create enqueues a create mutation and waits for it to land in memory.
func (e *Engine) Create(data Record) error { return e.mutate("create", data) }

// Update enqueues an update mutation and waits for it to land in memory.
func (e *Engine) Update(data Record) error { return e.mutate("update", data) }

// Delete enqueues a delete mutation and waits for it to land in memory.
func (e *Engine) Delete(data Record) error { return e.mutate("delete", data) }

func (e *Engine) mutate(action string, data Record) error {
	m := mutation{action: action, data: data, ack: make(chan error, 1)}
	select {
	case <-e.stopCh:
		return ErrEngineClosed
	case e.queue <- m:
	default:
		return ErrQueueFull
	}
	select {
	case err := <-m.ack:
		return err
	case <-e.doneCh:
		return ErrEngineClosed
	}
}

// Query resolves a point-in-time copy of the record(s) matching data using the
// category's lookup semantics. It never blocks on the write queue.
func (e *Engine) Query(data Record) Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result := e.category.Query(e.state, data)
	if result == nil {
		return Record{}
	}
	return result
}

// Read returns a point-in-time deep copy of the whole category map.
func (e *Engine) Read() map[string]Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Record, len(e.state))
	for key, record := range e.state {
		out[key] = copyRecord(record)
	}
	return out
}

// Len reports the number of records currently held.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.state)
}

// Close drains pending mutations, flushes dirty state and stops the writer.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
	return nil
}

func (e *Engine) load() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.state = make(map[string]Record)
			if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return err
			}
			return os.WriteFile(e.path, []byte("{}"), 0o644)
		}
		return err
	}
	state := make(map[string]Record)
	if err := json.Unmarshal(data, &state); err != nil {
		// A malformed canonical file is treated as empty rather than
		// refusing to start; the next flush rewrites it whole.
		e.log.Warn("canonical store file malformed, starting empty",
			logging.String("category", e.category.Name), logging.Error(err))
		state = make(map[string]Record)
	}
	e.state = state
	return nil
}

func (e *Engine) writerLoop() {
	defer close(e.doneCh)
	idle := time.NewTimer(e.quiescence)
	defer idle.Stop()
	applied := 0
	for {
		select {
		case m := <-e.queue:
			m.ack <- e.apply(m)
			applied++
			if applied >= e.maxBatch {
				e.flush()
				applied = 0
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.quiescence)
		case <-idle.C:
			e.flush()
			applied = 0
			idle.Reset(e.quiescence)
		case <-e.stopCh:
			for {
				select {
				case m := <-e.queue:
					m.ack <- e.apply(m)
				default:
					e.flush()
					return
				}
			}
		}
	}
}

func (e *Engine) apply(m mutation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed, err := e.category.Apply(e.state, m.action, m.data)
	if err != nil {
		return err
	}
	if changed {
		e.dirty = true
	}
	return nil
}

// Flush persists the current map if it is dirty. Failures leave the dirty
// flag set so the write is retried on the next trigger.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return nil
	}
	if err := atomicWriteJSON(e.path, e.state); err != nil {
		return fmt.Errorf("flush %s: %w", e.category.Name, err)
	}
	e.dirty = false
	return nil
}

func (e *Engine) flush() {
	if err := e.Flush(); err != nil {
		e.log.Error("store flush failed", logging.String("category", e.category.Name), logging.Error(err))
	}
}

// atomicWriteJSON writes data to a temporary file in the target directory,
// forces it to stable storage, then renames it over path. A crash between the
// steps leaves the previous canonical file intact.
func atomicWriteJSON(path string, data any) error {
	body, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp_*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func copyRecord(record Record) Record {
	if record == nil {
		return nil
	}
	out := make(Record, len(record))
	for k, v := range record {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return copyRecord(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
