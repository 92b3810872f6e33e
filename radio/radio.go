// Package radio defines the boundary to the NFC reader hardware and provides
// the two implementations the daemon ships with: a TCP client for a
// network-attached reader bridge, and an in-memory simulator for tests and
// demo mode.
package radio

import "fmt"

// PollingMode identifies a proximity protocol family the reader listens for.
type PollingMode string

const (
	// PollingISO14443 covers Type A/B proximity cards (most payment and
	// access tags).
	PollingISO14443 PollingMode = "ISO14443"
	// PollingISO18092 covers FeliCa / NFC peer targets.
	PollingISO18092 PollingMode = "ISO18092"
)

// DefaultModes lists the two protocol families a scan session polls for.
func DefaultModes() []PollingMode {
	return []PollingMode{PollingISO14443, PollingISO18092}
}

// Radio is the reader collaborator the scan session drives. Start arms a
// single-discovery session and blocks until it concludes: the reader invokes
// onDiscovered at most once with the serialized raw tag structure and halts
// polling on its own, after which Start returns nil. Start also returns nil
// when the session is cancelled via Stop, and a PlatformError when the
// platform rejects the session or the reader is lost mid-poll. Stop on an
// already-halted session is benign from the caller's perspective.
type Radio interface {
	Available() (bool, error)
	Start(modes []PollingMode, onDiscovered func(raw []byte)) error
	Stop() error
}

// PlatformError is a failure reported by the reader platform (hardware
// disabled, session rejected). The message is human-readable and is surfaced
// as status text rather than propagated.
type PlatformError struct {
	Op      string
	Message string
}

func (e *PlatformError) Error() string {
	if e == nil {
		return "radio: platform error"
	}
	return fmt.Sprintf("radio: %s: %s", e.Op, e.Message)
}
