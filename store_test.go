package sentry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestEvent(t *testing.T, message string) *SentryEvent {
	t.Helper()
	ev, err := NewEventBuilder().SetMessage(message).Build()
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewStore(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreCreatesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pending.json")
	s := openTestStore(t, path)

	if s.Len() != 0 {
		t.Fatalf("len = %d", s.Len())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]" {
		t.Fatalf("file = %q", data)
	}
}

func TestStoreAddIsIdempotent(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "pending.json"))
	ev := newTestEvent(t, "once")

	if !s.Add(ev) {
		t.Fatal("first Add reported no change")
	}
	if s.Add(ev) {
		t.Fatal("second Add reported a change")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}

	if !s.Remove(ev) {
		t.Fatal("Remove reported no change")
	}
	if s.Remove(ev) {
		t.Fatal("second Remove reported a change")
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")

	first, err := NewStore(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	a, b := newTestEvent(t, "a"), newTestEvent(t, "b")
	first.Add(a)
	first.Add(b)
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := openTestStore(t, path)
	got := second.GetAll()
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("reloaded %d events", len(got))
	}

	var body map[string]any
	if err := json.Unmarshal(got[0].Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "a" {
		t.Fatalf("payload = %v", body)
	}
}

func TestStorePathInUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	openTestStore(t, path)

	_, err := NewStore(path, zaptest.NewLogger(t))
	if err == nil {
		t.Fatal("second store on the same path opened")
	}
	if !strings.Contains(err.Error(), ErrStoreInUse.Error()) {
		t.Fatalf("error = %v", err)
	}
}

func TestStoreCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t, path)
	if s.Len() != 0 {
		t.Fatalf("len = %d", s.Len())
	}
	s.Add(newTestEvent(t, "fresh"))
	if s.Len() != 1 {
		t.Fatalf("len = %d", s.Len())
	}
}

func readStoreFile(t *testing.T, path string) []*SentryEvent {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var events []*SentryEvent
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("store file %s: %v", data, err)
	}
	return events
}

func TestStoreClosedRefusesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	s, err := NewStore(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	kept := newTestEvent(t, "kept")
	s.Add(kept)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// a newer store owns the file now
	next := openTestStore(t, path)
	fresh := newTestEvent(t, "fresh")
	next.Add(fresh)

	if s.Add(newTestEvent(t, "late")) {
		t.Fatal("closed store accepted an event")
	}
	if s.Remove(kept) {
		t.Fatal("closed store removed an event")
	}

	onDisk := readStoreFile(t, path)
	if len(onDisk) != 2 || onDisk[0].ID != kept.ID || onDisk[1].ID != fresh.ID {
		t.Fatalf("file holds %d events, want kept and fresh", len(onDisk))
	}
}

func TestStoreSaveFailureKeepsEventsInMemory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	core, logs := observer.New(zap.DebugLevel)
	s, err := NewStore(filepath.Join(dir, "pending.json"), zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if s.Len() != 0 {
		t.Fatal("store not empty")
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	ev := newTestEvent(t, "unsaved")
	if !s.Add(ev) {
		t.Fatal("Add reported false")
	}
	all := s.GetAll()
	if len(all) != 1 || all[0].ID != ev.ID {
		t.Fatalf("GetAll = %d events", len(all))
	}
	if logs.FilterMessage("Error saving pending events").Len() == 0 {
		t.Fatal("save failure was not logged")
	}
}

func TestStoreUnreadableFileIsNotOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	// reading a directory fails with something other than not-exist
	if err := os.Mkdir(path, 0o700); err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zap.DebugLevel)
	s, err := NewStore(path, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	fresh := newTestEvent(t, "fresh")
	if !s.Add(fresh) {
		t.Fatal("Add reported false")
	}
	if logs.FilterMessage("Error loading pending events").Len() == 0 {
		t.Fatal("load failure was not logged")
	}
	if logs.FilterMessage("Error saving pending events").Len() != 0 {
		t.Fatal("store tried to save before reading the file")
	}

	// the file becomes readable again
	earlier := newTestEvent(t, "earlier")
	data, err := json.Marshal([]*SentryEvent{earlier})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	all := s.GetAll()
	if len(all) != 2 || all[0].ID != earlier.ID || all[1].ID != fresh.ID {
		t.Fatalf("GetAll = %d events, want earlier then fresh", len(all))
	}
	if onDisk := readStoreFile(t, path); len(onDisk) != 2 {
		t.Fatalf("file holds %d events", len(onDisk))
	}
}
