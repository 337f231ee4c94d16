package sentry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

var (
	openStoresMu sync.Mutex
	openStores   = map[string]struct{}{}
)

// Store is the durable list of events that have not been delivered yet.
// The whole list is rewritten to a single JSON file on every change.
type Store struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	loaded bool
	events []*SentryEvent
	closed bool
}

// NewStore opens the store backed by path. Only one Store per path may
// be open in a process at a time. The file is read lazily on first use.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	const op = errors.Op("sentry_store_open")

	if logger == nil {
		logger = zap.NewNop()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.E(op, err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, errors.E(op, err)
	}

	openStoresMu.Lock()
	defer openStoresMu.Unlock()
	if _, ok := openStores[abs]; ok {
		return nil, errors.E(op, ErrStoreInUse)
	}
	openStores[abs] = struct{}{}

	return &Store{
		path:   abs,
		logger: logger.With(zap.String("store", abs)),
	}, nil
}

// Path returns the backing file
func (s *Store) Path() string {
	return s.path
}

// GetAll returns a snapshot of the pending events in insertion order
func (s *Store) GetAll() []*SentryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLoaded()
	out := make([]*SentryEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of pending events
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLoaded()
	return len(s.events)
}

// Add appends event unless an event with the same id is already
// stored. It reports whether the event was added. A closed store
// refuses every change.
func (s *Store) Add(event *SentryEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("Store is closed, event not saved", zap.String("event_id", event.ID))
		return false
	}

	s.ensureLoaded()
	if s.indexOf(event.ID) >= 0 {
		return false
	}

	s.logger.Debug("Adding pending event", zap.String("event_id", event.ID))
	s.events = append(s.events, event)
	s.persist()
	return true
}

// Remove drops the event with the same id. It reports whether anything was removed.
func (s *Store) Remove(event *SentryEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.ensureLoaded()
	i := s.indexOf(event.ID)
	if i < 0 {
		return false
	}

	s.logger.Debug("Removing pending event", zap.String("event_id", event.ID))
	s.events = append(s.events[:i], s.events[i+1:]...)
	s.persist()
	return true
}

// Close releases the path for other stores in this process
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	openStoresMu.Lock()
	delete(openStores, s.path)
	openStoresMu.Unlock()
	return nil
}

func (s *Store) indexOf(id string) int {
	for i, e := range s.events {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// ensureLoaded reads the file once. A missing file is created empty and
// a corrupt one is replaced. Any other read error leaves the store
// unloaded: changes stay in memory and the read is retried next time.
func (s *Store) ensureLoaded() {
	if s.loaded {
		return
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		if s.events == nil {
			s.events = []*SentryEvent{}
		}
		s.persist()
		return
	}
	if err != nil {
		s.logger.Error("Error loading pending events", zap.Error(err))
		return
	}
	s.loaded = true

	var events []*SentryEvent
	if err := json.Unmarshal(data, &events); err != nil {
		s.logger.Error("Error decoding pending events", zap.Error(err))
		events = nil
	}

	unsaved := s.events
	s.events = make([]*SentryEvent, 0, len(events)+len(unsaved))
	for _, e := range events {
		if e != nil && s.indexOf(e.ID) < 0 {
			s.events = append(s.events, e)
		}
	}
	for _, e := range unsaved {
		if s.indexOf(e.ID) < 0 {
			s.events = append(s.events, e)
		}
	}
	if len(unsaved) > 0 {
		s.persist()
	}
	s.logger.Debug("Loaded pending events", zap.Int("count", len(s.events)))
}

// persist rewrites the whole file. Failures are logged; the in-memory
// list stays authoritative. Nothing is written before the file has been
// read or after Close. Callers hold s.mu.
func (s *Store) persist() {
	if !s.loaded || s.closed {
		return
	}

	data, err := json.Marshal(s.events)
	if err != nil {
		s.logger.Error("Error encoding pending events", zap.Error(err))
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		s.logger.Error("Error saving pending events", zap.Error(err))
		return
	}

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), s.path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		s.logger.Error("Error saving pending events", zap.Error(err))
	}
}
