package radio

import (
	"sync"
	"time"
)

// Sim is an in-memory Radio for tests and demo mode. Availability, start and
// stop failures are scripted; tags are delivered explicitly via Deliver or
// automatically after AutoDeliver.
type Sim struct {
	mu        sync.Mutex
	available bool
	availErr  error
	startErr  error
	stopErr   error

	cb          func(raw []byte)
	done        chan struct{}
	stopPending bool
	lastModes   []PollingMode
	startCalls  int
	stopCalls   int

	autoRaw   []byte
	autoDelay time.Duration
}

// NewSim returns a simulator reporting the given availability.
func NewSim(available bool) *Sim {
	return &Sim{available: available}
}

// SetAvailable scripts the availability probe result.
func (s *Sim) SetAvailable(available bool, err error) {
	s.mu.Lock()
	s.available = available
	s.availErr = err
	s.mu.Unlock()
}

// SetStartError scripts the next Start to fail.
func (s *Sim) SetStartError(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
}

// SetStopError scripts Stop to fail (double-stop scenarios).
func (s *Sim) SetStopError(err error) {
	s.mu.Lock()
	s.stopErr = err
	s.mu.Unlock()
}

// AutoDeliver arms automatic delivery of raw after delay once a session
// starts. Used by demo mode to produce a tag without hardware.
func (s *Sim) AutoDeliver(raw []byte, delay time.Duration) {
	s.mu.Lock()
	s.autoRaw = append([]byte(nil), raw...)
	s.autoDelay = delay
	s.mu.Unlock()
}

func (s *Sim) Available() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available, s.availErr
}

// Start arms a session and, like the real bridge, blocks until the session
// concludes via Deliver or Stop.
func (s *Sim) Start(modes []PollingMode, onDiscovered func(raw []byte)) error {
	s.mu.Lock()
	s.startCalls++
	s.lastModes = append([]PollingMode(nil), modes...)
	if s.startErr != nil {
		err := s.startErr
		s.mu.Unlock()
		return err
	}
	if s.stopPending {
		// A halt raced ahead of this session; it concludes before arming.
		s.stopPending = false
		s.mu.Unlock()
		return nil
	}
	s.cb = onDiscovered
	s.done = make(chan struct{})
	done := s.done
	raw := s.autoRaw
	delay := s.autoDelay
	s.mu.Unlock()

	if raw != nil {
		time.AfterFunc(delay, func() { s.Deliver(raw) })
	}
	<-done
	return nil
}

// Stop halts the armed session and unblocks Start. A stop with no session
// armed cancels the next Start instead, mirroring the bridge's handling of a
// halt that overtakes the poll request.
func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	s.cb = nil
	if s.done != nil {
		close(s.done)
		s.done = nil
	} else {
		s.stopPending = true
	}
	return s.stopErr
}

// Deliver invokes the armed discovery callback once and unblocks Start,
// mirroring a reader that auto-halts after the first tag. Start stays blocked
// until the callback returns, so a stop issued from inside the callback finds
// the session still armed.
func (s *Sim) Deliver(raw []byte) {
	s.mu.Lock()
	cb := s.cb
	s.cb = nil
	s.mu.Unlock()
	if cb != nil {
		cb(raw)
	}
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// StartCalls reports how many sessions were requested.
func (s *Sim) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// StopCalls reports how many stop requests were issued.
func (s *Sim) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// LastModes reports the polling modes of the most recent session.
func (s *Sim) LastModes() []PollingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PollingMode(nil), s.lastModes...)
}

// Armed reports whether a discovery callback is currently armed.
func (s *Sim) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb != nil
}
