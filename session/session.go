// Package session implements the tag-discovery session lifecycle: the state
// machine behind the scan toggle, the availability check, and the handling of
// the one asynchronous discovery callback per session. Each discovery is
// summarized, appended to the scan log, and optionally archived and
// published; the resulting state is pushed to the UI as immutable snapshots.
package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"nfcscan/radio"
	"nfcscan/scanlog"
	"nfcscan/tag"
)

// State is the scan session lifecycle state.
type State int

const (
	// StateUnknown is the startup state before the first availability check.
	StateUnknown State = iota
	// StateUnavailable means the reader is missing, disabled or failing.
	StateUnavailable
	// StateIdle means the reader is ready and no scan is in progress.
	StateIdle
	// StateScanning means a discovery session is armed and waiting for a tag.
	StateScanning
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateUnavailable:
		return "UNAVAILABLE"
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	default:
		return "INVALID"
	}
}

// Status strings surfaced to the UI. Availability outcomes use the two fixed
// strings; platform failures surface the platform's own message instead.
const (
	StatusAvailable   = "NFC reader available. Tap to scan."
	StatusUnavailable = "NFC reader is not available."
	StatusHold        = "Scanning... hold the device near a tag."
	StatusTap         = "Tap to scan."
	StatusPaused      = "Scan paused. Tap to resume."

	capturedLayout = "15:04:05"
)

// Snapshot is an immutable view of the session handed to the UI.
type Snapshot struct {
	State   State
	Status  string
	Entries []scanlog.Entry
}

// Archiver receives the raw payload of every discovery. Failures are logged
// by the session, never surfaced.
type Archiver interface {
	Put(ts time.Time, raw []byte) error
}

// Publisher receives every appended log entry (e.g. an MQTT fan-out).
type Publisher interface {
	PublishScan(e scanlog.Entry)
}

// outcome is the tagged result of one discovery session, resolved exactly
// once. It replaces the racy "did a discovery happen" boolean: the discovery
// callback, a platform failure, an explicit stop, and the start call's own
// unwinding all race to claim it, and discovery wins when both resolve.
type outcome int

const (
	outcomePending outcome = iota
	outcomeDiscovered
	outcomeFailed
	outcomeStopped
)

// completion is the single-assignment cell for one session's outcome. Guarded
// by the session mutex. armed records whether the session goroutine reached
// the radio start call, so a stop knows whether there is anything to halt;
// finished closes when the session goroutine unwinds, serializing one radio
// session at a time.
type completion struct {
	result   outcome
	armed    bool
	finished chan struct{}
}

// Session orchestrates availability checks and the discover/stop protocol
// against the radio collaborator. It has exactly one writer goroutine path
// per transition; the UI only reads snapshots.
type Session struct {
	radio radio.Radio
	store *scanlog.Store

	mu      sync.Mutex
	state   State
	status  string
	current *completion
	last    *completion

	arch     Archiver
	pub      Publisher
	onChange func(Snapshot)
	onNotice func(message string)
}

// New wires a session to its radio and log store. The session starts in
// StateUnknown; call CheckAvailability once at startup.
func New(r radio.Radio, store *scanlog.Store) *Session {
	return &Session{
		radio:  r,
		store:  store,
		state:  StateUnknown,
		status: StatusTap,
	}
}

// SetArchiver attaches an optional raw-payload archiver.
func (s *Session) SetArchiver(a Archiver) { s.arch = a }

// SetPublisher attaches an optional scan-event publisher.
func (s *Session) SetPublisher(p Publisher) { s.pub = p }

// SetOnChange registers the snapshot listener. Invoked after every state or
// history transition, outside the session lock.
func (s *Session) SetOnChange(fn func(Snapshot)) { s.onChange = fn }

// SetOnNotice registers the modal-notice listener used when a toggle is
// refused because the reader is unavailable.
func (s *Session) SetOnNotice(fn func(message string)) { s.onNotice = fn }

// CheckAvailability probes the radio. A platform failure counts as
// unavailable and surfaces the platform's error text as the status; otherwise
// one of the two fixed status strings is set. Never fails the caller.
func (s *Session) CheckAvailability() bool {
	avail, err := s.radio.Available()

	s.mu.Lock()
	switch {
	case err != nil:
		s.state = StateUnavailable
		s.status = platformMessage(err)
		avail = false
	case avail:
		if s.state != StateScanning {
			s.state = StateIdle
		}
		s.status = StatusAvailable
	default:
		s.state = StateUnavailable
		s.status = StatusUnavailable
	}
	s.mu.Unlock()

	s.notifyChange()
	return avail
}

// Toggle drives the scan button. Unavailable (or never-checked) sessions
// re-probe first and surface a modal notice when still unavailable; an active
// scan stops; an idle session starts.
func (s *Session) Toggle() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateUnknown || state == StateUnavailable {
		if !s.CheckAvailability() {
			s.notice()
			return
		}
	}
	if state == StateScanning {
		s.stop()
		return
	}
	s.start()
}

// start opens a discovery session. The radio call blocks until the session
// concludes, so it runs on its own goroutine; the completion cell arbitrates
// between the discovery callback, a platform failure, an explicit stop, and
// an early exit.
func (s *Session) start() {
	s.mu.Lock()
	prev := s.last
	s.mu.Unlock()
	if prev != nil {
		// One radio session at a time: the previous session goroutine must
		// unwind before a new one arms the radio.
		<-prev.finished
	}

	cell := &completion{finished: make(chan struct{})}

	s.mu.Lock()
	if s.state == StateScanning {
		// Only one session is ever open; Toggle normally prevents this.
		s.mu.Unlock()
		return
	}
	s.current = cell
	s.last = cell
	s.state = StateScanning
	s.status = StatusHold
	s.mu.Unlock()
	s.notifyChange()

	go s.runSession(cell)
}

func (s *Session) runSession(cell *completion) {
	defer close(cell.finished)

	s.mu.Lock()
	if s.current != cell || cell.result != outcomePending {
		// A stop overtook this session before the radio was armed; the stop
		// already settled the final state, so the radio must not start now.
		s.mu.Unlock()
		return
	}
	cell.armed = true
	s.mu.Unlock()

	err := s.radio.Start(radio.DefaultModes(), func(raw []byte) {
		s.handleDiscovery(cell, raw)
	})

	s.mu.Lock()
	stale := s.current != cell
	switch {
	case stale || cell.result != outcomePending:
		// Discovery or an explicit stop already decided the final state;
		// nothing to do here.
		s.mu.Unlock()
		return
	case err != nil:
		cell.result = outcomeFailed
		s.current = nil
		s.state = StateIdle
		s.status = platformMessage(err)
	default:
		// Session start was accepted but unwound with no discovery and no
		// platform error: reset to the generic idle prompt.
		s.current = nil
		s.state = StateIdle
		s.status = StatusTap
	}
	s.mu.Unlock()
	s.notifyChange()
}

// handleDiscovery is the one asynchronous re-entry point: it may fire at an
// arbitrary moment relative to the start call's own return. It claims the
// completion cell first so the unwinding start call cannot clobber the
// captured state, then builds the log entry, persists it, and idles the
// session.
func (s *Session) handleDiscovery(cell *completion, raw []byte) {
	s.mu.Lock()
	if cell.result != outcomePending {
		s.mu.Unlock()
		return
	}
	cell.result = outcomeDiscovered
	s.mu.Unlock()

	now := time.Now().UTC()
	entry := scanlog.Entry{
		Timestamp:  now,
		Summary:    summarizeRaw(raw),
		RawPayload: string(raw),
	}
	if _, err := s.store.Append(entry); err != nil {
		log.Printf("session: append scan entry: %v", err)
	}
	if s.arch != nil {
		if err := s.arch.Put(now, raw); err != nil {
			log.Printf("session: archive raw payload: %v", err)
		}
	}
	if s.pub != nil {
		s.pub.PublishScan(entry)
	}

	// The reader auto-halts after the first tag; stop anyway. Double-stop is
	// benign, so the error is swallowed.
	_ = s.radio.Stop()

	s.mu.Lock()
	if s.current == cell {
		s.current = nil
	}
	s.state = StateIdle
	s.status = "Captured at " + now.Format(capturedLayout) + "."
	s.mu.Unlock()
	s.notifyChange()
}

// stop ends the active session. The completion cell is claimed first so a
// discovery delivered after the stop is dropped and a start call that has not
// yet armed the radio unwinds without arming it; the radio is halted only
// when this session actually armed it. Stop errors are always discarded:
// halting an already-halted reader is not a fault.
func (s *Session) stop() {
	s.mu.Lock()
	cell := s.current
	s.current = nil
	armed := false
	if cell != nil && cell.result == outcomePending {
		cell.result = outcomeStopped
		armed = cell.armed
	}
	s.state = StateIdle
	s.status = StatusPaused
	s.mu.Unlock()

	if armed {
		_ = s.radio.Stop()
	}
	s.notifyChange()
}

// Teardown forces any active session to idle on screen shutdown. The stop
// error is swallowed; stopping an already-closed session is not an error.
func (s *Session) Teardown() {
	s.mu.Lock()
	cell := s.current
	s.current = nil
	armed := false
	if cell != nil && cell.result == outcomePending {
		cell.result = outcomeStopped
		armed = cell.armed
	}
	s.state = StateIdle
	s.status = StatusTap
	s.mu.Unlock()

	if armed {
		_ = s.radio.Stop()
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status reports the current status line.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns the immutable view the UI renders from.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	state, status := s.state, s.status
	s.mu.Unlock()
	return Snapshot{State: state, Status: status, Entries: s.store.Entries()}
}

func (s *Session) notifyChange() {
	if s.onChange == nil {
		return
	}
	s.onChange(s.Snapshot())
}

func (s *Session) notice() {
	if s.onNotice == nil {
		return
	}
	s.onNotice(s.Status())
}

// summarizeRaw parses the serialized tag structure and summarizes it. A
// payload that does not parse still yields the generic summary: the
// summarizer is total.
func summarizeRaw(raw []byte) string {
	data, err := tag.ParseRaw(raw)
	if err != nil {
		return tag.Summarize(nil)
	}
	return tag.Summarize(data)
}

// platformMessage extracts the human-readable text of a platform failure.
func platformMessage(err error) string {
	var perr *radio.PlatformError
	if errors.As(err, &perr) {
		return perr.Message
	}
	return err.Error()
}
