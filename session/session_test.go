package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nfcscan/radio"
	"nfcscan/scanlog"
)

// memListStore is the in-memory persistence double for session tests.
type memListStore struct {
	mu    sync.Mutex
	lists map[string][]string
}

func newMemListStore() *memListStore {
	return &memListStore{lists: make(map[string][]string)}
}

func (m *memListStore) GetStringList(key string) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	values, ok := m.lists[key]
	return values, ok, nil
}

func (m *memListStore) SetStringList(key string, values []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string(nil), values...)
	return nil
}

func newTestSession(t *testing.T, sim *radio.Sim) (*Session, *scanlog.Store) {
	t.Helper()
	store := scanlog.NewStore(newMemListStore())
	if _, err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	return New(sim, store), store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const openDoorPayload = `{"ndef":{"cachedMessage":{"records":[{"payload":[0,79,112,101,110,32,68,111,111,114]}]}}}`

func TestScanCapturesTag(t *testing.T) {
	sim := radio.NewSim(true)
	s, store := newTestSession(t, sim)

	if !s.CheckAvailability() {
		t.Fatal("expected available")
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v", s.State())
	}

	s.Toggle()
	waitFor(t, "scanning state", func() bool { return s.State() == StateScanning })
	if s.Status() != StatusHold {
		t.Fatalf("status = %q", s.Status())
	}
	waitFor(t, "armed session", sim.Armed)

	sim.Deliver([]byte(openDoorPayload))
	waitFor(t, "idle after capture", func() bool { return s.State() == StateIdle })

	entries := store.Entries()
	if len(entries) != 1 {
		t.Fatalf("history length = %d", len(entries))
	}
	if entries[0].Summary != "NDEF text: Open Door" {
		t.Fatalf("summary = %q", entries[0].Summary)
	}
	if entries[0].RawPayload != openDoorPayload {
		t.Fatalf("rawPayload = %q", entries[0].RawPayload)
	}
	if !strings.HasPrefix(s.Status(), "Captured at ") {
		t.Fatalf("status = %q", s.Status())
	}
	if got := sim.StopCalls(); got != 1 {
		t.Fatalf("stop calls = %d", got)
	}
	if modes := sim.LastModes(); len(modes) != 2 {
		t.Fatalf("polling modes = %v", modes)
	}
}

func TestToggleWhileScanningStops(t *testing.T) {
	sim := radio.NewSim(true)
	s, _ := newTestSession(t, sim)
	s.CheckAvailability()

	s.Toggle()
	waitFor(t, "scanning state", func() bool { return s.State() == StateScanning })
	waitFor(t, "armed session", sim.Armed)

	s.Toggle()
	waitFor(t, "idle after stop", func() bool { return s.State() == StateIdle })
	if s.Status() != StatusPaused {
		t.Fatalf("status = %q", s.Status())
	}
	if got := sim.StopCalls(); got != 1 {
		t.Fatalf("stop calls = %d", got)
	}
	if got := sim.StartCalls(); got != 1 {
		t.Fatalf("start calls = %d", got)
	}
	waitFor(t, "radio disarmed", func() bool { return !sim.Armed() })
}

func TestStopOvertakingStartLeavesRadioDisarmed(t *testing.T) {
	// A stop issued right behind a start must win even when the session
	// goroutine has not armed the radio yet: no orphaned session, no tag
	// delivery after the stop, and the next toggle still scans.
	sim := radio.NewSim(true)
	s, store := newTestSession(t, sim)
	s.CheckAvailability()

	for i := 0; i < 20; i++ {
		s.Toggle()
		s.Toggle()
		if got := s.State(); got != StateIdle {
			t.Fatalf("state after rapid toggle = %v", got)
		}
		if s.Status() != StatusPaused {
			t.Fatalf("status = %q", s.Status())
		}
	}
	waitFor(t, "radio disarmed", func() bool { return !sim.Armed() })
	if store.Len() != 0 {
		t.Fatalf("history length = %d", store.Len())
	}

	s.Toggle()
	waitFor(t, "scanning state", func() bool { return s.State() == StateScanning })
	waitFor(t, "armed session", sim.Armed)
	sim.Deliver([]byte(openDoorPayload))
	waitFor(t, "captured entry", func() bool { return store.Len() == 1 })
}

// lingeringRadio keeps its discovery callback armed past the halt, modeling a
// reader that emits a tag on the wire just as the session is being stopped.
type lingeringRadio struct {
	mu   sync.Mutex
	cb   func(raw []byte)
	done chan struct{}
}

func (r *lingeringRadio) Available() (bool, error) { return true, nil }

func (r *lingeringRadio) Start(_ []radio.PollingMode, onDiscovered func(raw []byte)) error {
	r.mu.Lock()
	r.cb = onDiscovered
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()
	<-done
	return nil
}

func (r *lingeringRadio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	return nil
}

func (r *lingeringRadio) armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cb != nil
}

func (r *lingeringRadio) deliver(raw []byte) {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	if cb != nil {
		cb(raw)
	}
}

func TestTagDeliveredAfterStopIsDropped(t *testing.T) {
	rdo := &lingeringRadio{}
	store := scanlog.NewStore(newMemListStore())
	s := New(rdo, store)
	s.CheckAvailability()

	s.Toggle()
	waitFor(t, "armed session", rdo.armed)
	s.Toggle()
	waitFor(t, "idle after stop", func() bool { return s.State() == StateIdle })

	rdo.deliver([]byte(openDoorPayload))
	time.Sleep(50 * time.Millisecond)
	if store.Len() != 0 {
		t.Fatalf("history length = %d after stopped-session delivery", store.Len())
	}
	if s.Status() != StatusPaused {
		t.Fatalf("status = %q", s.Status())
	}
}

func TestToggleWhileUnavailable(t *testing.T) {
	sim := radio.NewSim(false)
	s, _ := newTestSession(t, sim)

	var notices []string
	s.SetOnNotice(func(msg string) { notices = append(notices, msg) })

	s.CheckAvailability()
	if s.State() != StateUnavailable {
		t.Fatalf("state = %v", s.State())
	}
	if s.Status() != StatusUnavailable {
		t.Fatalf("status = %q", s.Status())
	}

	s.Toggle()
	if got := sim.StartCalls(); got != 0 {
		t.Fatalf("session started despite unavailable reader (%d)", got)
	}
	if len(notices) != 1 || notices[0] != StatusUnavailable {
		t.Fatalf("notices = %v", notices)
	}
	if s.State() != StateUnavailable {
		t.Fatalf("state = %v", s.State())
	}
}

func TestToggleRecoversAfterReaderEnabled(t *testing.T) {
	sim := radio.NewSim(false)
	s, _ := newTestSession(t, sim)
	s.CheckAvailability()
	if s.State() != StateUnavailable {
		t.Fatalf("state = %v", s.State())
	}

	sim.SetAvailable(true, nil)
	s.Toggle()
	waitFor(t, "scanning after recovery", func() bool { return s.State() == StateScanning })
}

func TestAvailabilityPlatformError(t *testing.T) {
	sim := radio.NewSim(false)
	sim.SetAvailable(false, &radio.PlatformError{Op: "availability check", Message: "NFC service crashed"})
	s, _ := newTestSession(t, sim)

	if s.CheckAvailability() {
		t.Fatal("expected unavailable")
	}
	if s.State() != StateUnavailable {
		t.Fatalf("state = %v", s.State())
	}
	if s.Status() != "NFC service crashed" {
		t.Fatalf("status = %q", s.Status())
	}
}

func TestStartPlatformError(t *testing.T) {
	sim := radio.NewSim(true)
	sim.SetStartError(&radio.PlatformError{Op: "start session", Message: "reader busy"})
	s, store := newTestSession(t, sim)
	s.CheckAvailability()

	s.Toggle()
	waitFor(t, "idle after start failure", func() bool {
		return s.State() == StateIdle && s.Status() == "reader busy"
	})
	if store.Len() != 0 {
		t.Fatalf("history length = %d", store.Len())
	}
}

// earlyExitRadio accepts the session and immediately concludes it without a
// discovery, exercising the completion guard.
type earlyExitRadio struct{}

func (earlyExitRadio) Available() (bool, error) { return true, nil }
func (earlyExitRadio) Start(_ []radio.PollingMode, _ func(raw []byte)) error {
	return nil
}
func (earlyExitRadio) Stop() error { return nil }

func TestEarlyExitResetsToIdle(t *testing.T) {
	store := scanlog.NewStore(newMemListStore())
	s := New(earlyExitRadio{}, store)
	s.CheckAvailability()

	s.Toggle()
	waitFor(t, "idle after early exit", func() bool {
		return s.State() == StateIdle && s.Status() == StatusTap
	})
	if store.Len() != 0 {
		t.Fatalf("history length = %d", store.Len())
	}
}

func TestDiscoveryWinsOverStartReturn(t *testing.T) {
	// The sim delivers the tag before its Start call returns, so the
	// unwinding start path sees a resolved cell and must not clobber the
	// captured status with the generic one.
	sim := radio.NewSim(true)
	sim.AutoDeliver([]byte(openDoorPayload), 0)
	s, store := newTestSession(t, sim)
	s.CheckAvailability()

	s.Toggle()
	waitFor(t, "captured status", func() bool {
		return s.State() == StateIdle && strings.HasPrefix(s.Status(), "Captured at ")
	})
	// Give the unwinding start call a chance to misbehave before checking.
	time.Sleep(50 * time.Millisecond)
	if !strings.HasPrefix(s.Status(), "Captured at ") {
		t.Fatalf("status clobbered: %q", s.Status())
	}
	if store.Len() != 1 {
		t.Fatalf("history length = %d", store.Len())
	}
}

func TestTeardownStopsActiveSession(t *testing.T) {
	sim := radio.NewSim(true)
	s, _ := newTestSession(t, sim)
	s.CheckAvailability()

	s.Toggle()
	waitFor(t, "scanning state", func() bool { return s.State() == StateScanning })
	waitFor(t, "armed session", sim.Armed)

	s.Teardown()
	if s.State() != StateIdle {
		t.Fatalf("state = %v", s.State())
	}
	waitFor(t, "stop issued", func() bool { return sim.StopCalls() == 1 })

	// Teardown when idle issues no further stops.
	s.Teardown()
	if got := sim.StopCalls(); got != 1 {
		t.Fatalf("stop calls = %d", got)
	}
}

func TestStopErrorSwallowed(t *testing.T) {
	sim := radio.NewSim(true)
	sim.SetStopError(errors.New("session already invalidated"))
	s, _ := newTestSession(t, sim)
	s.CheckAvailability()

	s.Toggle()
	waitFor(t, "scanning state", func() bool { return s.State() == StateScanning })
	waitFor(t, "armed session", sim.Armed)
	s.Toggle()
	waitFor(t, "idle after stop", func() bool { return s.State() == StateIdle })
	if s.Status() != StatusPaused {
		t.Fatalf("status = %q", s.Status())
	}
}

func TestSnapshotListener(t *testing.T) {
	sim := radio.NewSim(true)
	s, _ := newTestSession(t, sim)

	var mu sync.Mutex
	var states []State
	s.SetOnChange(func(snap Snapshot) {
		mu.Lock()
		states = append(states, snap.State)
		mu.Unlock()
	})

	s.CheckAvailability()
	s.Toggle()
	waitFor(t, "scanning snapshot", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, st := range states {
			if st == StateScanning {
				return true
			}
		}
		return false
	})
	waitFor(t, "armed session", sim.Armed)
	sim.Deliver([]byte(openDoorPayload))
	waitFor(t, "idle snapshot with entry", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == StateIdle
	})
}
