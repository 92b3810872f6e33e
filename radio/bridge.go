package radio

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"nfcscan/internal/ratelimit"
)

const (
	dialTimeout     = 10 * time.Second
	responseTimeout = 5 * time.Second
)

var errBridgeClosed = errors.New("radio: bridge is shut down")

// Bridge is a client for a network-attached NFC reader bridge speaking a
// line-based protocol:
//
//	-> AVAIL                          <- AVAIL OK | AVAIL OFF <reason>
//	-> POLL ISO14443,ISO18092         <- POLL OK | POLL ERR <message>
//	-> HALT                           <- HALT OK | HALT ERR <message>
//	                                  <- TAG <json>   (async, once per poll)
//
// The bridge halts polling itself after the first TAG line. Command
// round-trips are bounded by responseTimeout; an armed poll waits
// indefinitely for a tag.
type Bridge struct {
	host string
	port int
	name string

	conn      net.Conn
	writer    *bufio.Writer
	connected bool

	shutdown  chan struct{}
	reconnect chan struct{}
	stopOnce  sync.Once

	mu           sync.Mutex
	pending      map[string]chan string
	onDiscovered func(raw []byte)
	poll         *pollSession
	stopPending  bool

	readErrs ratelimit.Counter
}

// pollSession tracks one armed poll. It resolves exactly once: on tag
// delivery, on cancellation via Stop, or on connection loss.
type pollSession struct {
	done chan struct{}
	err  error
}

// NewBridge creates a bridge client. Call Connect before use.
func NewBridge(host string, port int, name string) *Bridge {
	return &Bridge{
		host:      host,
		port:      port,
		name:      name,
		shutdown:  make(chan struct{}),
		reconnect: make(chan struct{}, 1),
		pending:   make(map[string]chan string),
		readErrs:  ratelimit.NewCounter(time.Minute),
	}
}

// Connect establishes the initial bridge connection and starts the
// supervision loop. The first dial runs synchronously so failures are
// reported to the caller; later disconnects are handled by the background
// reconnect loop.
func (b *Bridge) Connect() error {
	if err := b.establishConnection(); err != nil {
		return err
	}
	go b.connectionSupervisor()
	return nil
}

func (b *Bridge) establishConnection() error {
	addr := net.JoinHostPort(b.host, fmt.Sprintf("%d", b.port))
	log.Printf("%s: connecting to %s...", b.displayName(), addr)

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", b.displayName(), err)
	}

	b.mu.Lock()
	b.conn = conn
	b.writer = bufio.NewWriter(conn)
	b.connected = true
	b.mu.Unlock()

	log.Printf("%s: connection established", b.displayName())
	go b.readLoop(conn)
	return nil
}

// connectionSupervisor waits for disconnect notifications and retries with
// exponential backoff while honoring shutdown.
func (b *Bridge) connectionSupervisor() {
	const (
		initialDelay = 5 * time.Second
		maxDelay     = 60 * time.Second
	)
	for {
		select {
		case <-b.shutdown:
			return
		case <-b.reconnect:
			if b.isShutdown() {
				return
			}
			delay := initialDelay
			for {
				if b.isShutdown() {
					return
				}
				log.Printf("%s: attempting reconnect...", b.displayName())
				if err := b.establishConnection(); err != nil {
					log.Printf("%s: reconnect failed: %v (retry in %s)", b.displayName(), err, delay)
					timer := time.NewTimer(delay)
					select {
					case <-timer.C:
					case <-b.shutdown:
						timer.Stop()
						return
					}
					delay *= 2
					if delay > maxDelay {
						delay = maxDelay
					}
					continue
				}
				break
			}
		}
	}
}

func (b *Bridge) readLoop(conn net.Conn) {
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.connected = false
		}
		b.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-b.shutdown:
			return
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if b.isShutdown() {
				b.resolvePoll(errBridgeClosed)
				return
			}
			if total, logNow := b.readErrs.Inc(); logNow {
				log.Printf("%s: read error (%d total): %v", b.displayName(), total, err)
			}
			b.resolvePoll(&PlatformError{Op: "session", Message: "connection to reader lost"})
			b.requestReconnect()
			return
		}
		b.dispatch(strings.TrimSpace(line))
	}
}

// dispatch routes one inbound line: TAG lines go to the armed discovery
// callback, verb replies to the command waiting on them.
func (b *Bridge) dispatch(line string) {
	if line == "" {
		return
	}
	if payload, ok := strings.CutPrefix(line, "TAG "); ok {
		b.deliverTag([]byte(payload))
		return
	}
	verb, rest, _ := strings.Cut(line, " ")
	b.mu.Lock()
	ch := b.pending[verb]
	delete(b.pending, verb)
	b.mu.Unlock()
	if ch == nil {
		log.Printf("%s: unexpected line: %s", b.displayName(), line)
		return
	}
	ch <- rest
}

// deliverTag hands the raw payload to the armed callback on its own
// goroutine, keeping the read loop free to dispatch replies: the callback may
// itself issue a HALT round trip. The callback is disarmed first, so one
// discovery per session even if the bridge misbehaves and sends more; the
// poll resolves after the callback returns, so the blocked Start call unwinds
// only once the capture is fully processed.
func (b *Bridge) deliverTag(raw []byte) {
	b.mu.Lock()
	cb := b.onDiscovered
	b.onDiscovered = nil
	b.mu.Unlock()
	if cb == nil {
		log.Printf("%s: TAG line with no armed session, dropping", b.displayName())
		return
	}
	go func() {
		cb(raw)
		b.resolvePoll(nil)
	}()
}

// resolvePoll completes the armed poll at most once.
func (b *Bridge) resolvePoll(err error) {
	b.mu.Lock()
	poll := b.poll
	b.poll = nil
	b.onDiscovered = nil
	b.mu.Unlock()
	if poll == nil {
		return
	}
	poll.err = err
	close(poll.done)
}

// command writes one request line and waits for its verb reply.
func (b *Bridge) command(verb, args string) (string, error) {
	if b.isShutdown() {
		return "", errBridgeClosed
	}
	ch := make(chan string, 1)

	b.mu.Lock()
	if !b.connected || b.writer == nil {
		b.mu.Unlock()
		return "", fmt.Errorf("radio: %s is not connected", b.displayName())
	}
	if _, exists := b.pending[verb]; exists {
		b.mu.Unlock()
		return "", fmt.Errorf("radio: %s command already in flight", verb)
	}
	b.pending[verb] = ch
	line := verb
	if args != "" {
		line += " " + args
	}
	_, err := b.writer.WriteString(line + "\n")
	if err == nil {
		err = b.writer.Flush()
	}
	if err != nil {
		delete(b.pending, verb)
		b.mu.Unlock()
		b.requestReconnect()
		return "", fmt.Errorf("radio: write %s: %w", verb, err)
	}
	b.mu.Unlock()

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		b.mu.Lock()
		delete(b.pending, verb)
		b.mu.Unlock()
		return "", fmt.Errorf("radio: %s timed out", verb)
	case <-b.shutdown:
		return "", errBridgeClosed
	}
}

// Available probes the reader. "AVAIL OFF <reason>" means the hardware is
// present but disabled; transport failures and ERR replies surface as
// PlatformError.
func (b *Bridge) Available() (bool, error) {
	reply, err := b.command("AVAIL", "")
	if err != nil {
		return false, &PlatformError{Op: "availability check", Message: err.Error()}
	}
	switch {
	case reply == "OK":
		return true, nil
	case strings.HasPrefix(reply, "OFF"):
		return false, nil
	default:
		return false, &PlatformError{Op: "availability check", Message: reply}
	}
}

// Start arms a single-discovery session for the given polling modes and
// blocks until the session concludes: tag delivered (callback already
// invoked), poll cancelled via Stop, or connection lost. Only the initial
// POLL round trip is bounded by a timeout; the wait for a tag is indefinite.
func (b *Bridge) Start(modes []PollingMode, onDiscovered func(raw []byte)) error {
	names := make([]string, 0, len(modes))
	for _, m := range modes {
		names = append(names, string(m))
	}
	poll := &pollSession{done: make(chan struct{})}

	b.mu.Lock()
	if b.stopPending {
		// A halt overtook this poll before it armed; the session concludes
		// without ever reaching the reader.
		b.stopPending = false
		b.mu.Unlock()
		return nil
	}
	if b.poll != nil {
		b.mu.Unlock()
		return &PlatformError{Op: "start session", Message: "a session is already active"}
	}
	b.poll = poll
	b.onDiscovered = onDiscovered
	b.mu.Unlock()

	reply, err := b.command("POLL", strings.Join(names, ","))
	if err != nil {
		b.resolvePoll(nil)
		return &PlatformError{Op: "start session", Message: err.Error()}
	}
	if reply != "OK" {
		b.resolvePoll(nil)
		return &PlatformError{Op: "start session", Message: strings.TrimPrefix(reply, "ERR ")}
	}

	select {
	case <-poll.done:
		return poll.err
	case <-b.shutdown:
		return errBridgeClosed
	}
}

// Stop halts any active poll and unblocks the waiting Start call. A stop
// with no poll armed cancels the next Start instead: the caller issued it
// against a session whose POLL is still in flight. Halting an
// already-halted session reports an error the caller is expected to swallow.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.poll == nil {
		b.stopPending = true
	}
	b.mu.Unlock()
	b.resolvePoll(nil)
	reply, err := b.command("HALT", "")
	if err != nil {
		return &PlatformError{Op: "stop session", Message: err.Error()}
	}
	if reply != "OK" {
		return &PlatformError{Op: "stop session", Message: strings.TrimPrefix(reply, "ERR ")}
	}
	return nil
}

// IsConnected reports whether the bridge connection is up.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Close shuts the bridge down and closes the connection.
func (b *Bridge) Close() {
	log.Printf("Stopping %s client...", b.displayName())
	b.stopOnce.Do(func() {
		close(b.shutdown)
	})
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (b *Bridge) isShutdown() bool {
	select {
	case <-b.shutdown:
		return true
	default:
		return false
	}
}

func (b *Bridge) requestReconnect() {
	if b.isShutdown() {
		return
	}
	select {
	case b.reconnect <- struct{}{}:
	default:
	}
}

func (b *Bridge) displayName() string {
	if b.name != "" {
		return b.name
	}
	return "reader bridge"
}
