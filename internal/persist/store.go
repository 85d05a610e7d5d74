package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	// MinDebounce is the floor for the save coalescing window.
	MinDebounce = 500 * time.Millisecond

	// DefaultMaxBytes caps how large a file Load will accept.
	DefaultMaxBytes = 100 << 20 // 100 MB
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("persist: store closed")

// Event describes a completed load or save on a store.
type Event struct {
	Op    string    `json:"op"` // "save" or "load"
	Path  string    `json:"path"`
	Bytes int       `json:"bytes"`
	At    time.Time `json:"at"`
}

// Snapshot produces the value to persist. It runs on the store's writer
// goroutine, so implementations must copy shared state under their own lock.
type Snapshot func() (any, error)

// Config configures a Store.
type Config struct {
	Path     string
	Debounce time.Duration // clamped up to MinDebounce
	MaxBytes int64         // load size cap, DefaultMaxBytes when 0
	Notify   func(Event)   // optional lifecycle signal hook
}

// Store persists one JSON file with debounced, coalesced, atomic writes.
// All writes for the file go through a single goroutine, so saves are
// totally ordered. Save failures are logged and retried on the next
// debounce window; they never propagate to the mutating caller.
type Store struct {
	path     string
	debounce time.Duration
	maxBytes int64
	snapshot Snapshot
	notify   func(Event)
	logger   *slog.Logger

	mu     sync.Mutex
	dirty  bool
	armed  bool
	closed bool

	kickCh  chan struct{}
	flushCh chan chan error
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a store for cfg.Path and starts its writer goroutine.
func New(cfg Config, snapshot Snapshot, logger *slog.Logger) *Store {
	debounce := cfg.Debounce
	if debounce < MinDebounce {
		debounce = MinDebounce
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	s := &Store{
		path:     cfg.Path,
		debounce: debounce,
		maxBytes: maxBytes,
		snapshot: snapshot,
		notify:   cfg.Notify,
		logger:   logger.With("component", "persist", "path", cfg.Path),
		kickCh:   make(chan struct{}, 1),
		flushCh:  make(chan chan error),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go s.run()
	return s
}

// LoadInto reads the store's file into v. A missing file returns
// (false, nil) so the caller starts from defaults. A file that fails to
// parse is copied aside with a timestamp suffix and reported as missing;
// parse errors never propagate. Oversized files are rejected with an error.
func (s *Store) LoadInto(v any) (bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", s.path, err)
	}
	if info.Size() > s.maxBytes {
		return false, fmt.Errorf("persist: %s is %d bytes, exceeds cap of %d", s.path, info.Size(), s.maxBytes)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", s.path, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		backup := fmt.Sprintf("%s.corrupt.%d", s.path, time.Now().Unix())
		if backupErr := os.WriteFile(backup, data, 0644); backupErr != nil {
			s.logger.Error("failed to back up corrupt file", "error", backupErr)
		} else {
			s.logger.Warn("corrupt file backed up, reinitializing",
				"backup", backup,
				"error", err,
			)
		}
		return false, nil
	}

	s.emit(Event{Op: "load", Path: s.path, Bytes: len(data), At: time.Now()})
	return true, nil
}

// MarkDirty schedules a debounced save. The first call arms the window;
// further calls before the flush coalesce into the same write.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.dirty = true
	if s.armed {
		return
	}
	s.armed = true
	time.AfterFunc(s.debounce, func() {
		select {
		case s.kickCh <- struct{}{}:
		default:
		}
	})
}

// Flush writes pending state synchronously, bypassing the debounce window.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	respCh := make(chan error, 1)
	select {
	case s.flushCh <- respCh:
		return <-respCh
	case <-s.doneCh:
		return ErrClosed
	}
}

// Close flushes pending state and stops the writer. Safe to call once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.doneCh
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	return nil
}

func (s *Store) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			if err := s.writeIfDirty(); err != nil {
				s.logger.Error("final save failed", "error", err)
			}
			return
		case respCh := <-s.flushCh:
			respCh <- s.writeIfDirty()
		case <-s.kickCh:
			if err := s.writeIfDirty(); err != nil {
				s.logger.Error("save failed, will retry", "error", err)
			}
		}
	}
}

func (s *Store) writeIfDirty() error {
	s.mu.Lock()
	if !s.dirty {
		s.armed = false
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	s.armed = false
	s.mu.Unlock()

	n, err := s.write()
	if err != nil {
		// Keep the state dirty and re-arm so the write is retried.
		s.MarkDirty()
		return err
	}

	s.emit(Event{Op: "save", Path: s.path, Bytes: n, At: time.Now()})
	return nil
}

func (s *Store) write() (int, error) {
	value, err := s.snapshot()
	if err != nil {
		return 0, fmt.Errorf("snapshot: %w", err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return 0, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return len(data), nil
}

func (s *Store) emit(evt Event) {
	if s.notify != nil {
		s.notify(evt)
	}
}

// WriteAtomic serializes v as indented JSON and writes it to path via a
// temporary sibling plus rename, never truncating in place.
func WriteAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
