package radio

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBridgeServer speaks the bridge line protocol over a local listener.
type fakeBridgeServer struct {
	ln net.Listener

	mu       sync.Mutex
	conn     net.Conn
	availRe  string
	pollRe   string
	haltRe   string
	pollCmds []string
}

func newFakeBridgeServer(t *testing.T) *fakeBridgeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fakeBridgeServer{
		ln:      ln,
		availRe: "AVAIL OK",
		pollRe:  "POLL OK",
		haltRe:  "HALT OK",
	}
	go srv.serve()
	t.Cleanup(func() { ln.Close() })
	return srv
}

func (srv *fakeBridgeServer) serve() {
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			return
		}
		srv.mu.Lock()
		srv.conn = conn
		srv.mu.Unlock()
		go srv.handle(conn)
	}
}

func (srv *fakeBridgeServer) handle(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		srv.mu.Lock()
		var reply string
		switch {
		case line == "AVAIL":
			reply = srv.availRe
		case strings.HasPrefix(line, "POLL"):
			srv.pollCmds = append(srv.pollCmds, line)
			reply = srv.pollRe
		case line == "HALT":
			reply = srv.haltRe
		}
		srv.mu.Unlock()
		if reply != "" {
			conn.Write([]byte(reply + "\n"))
		}
	}
}

func (srv *fakeBridgeServer) sendTag(t *testing.T, payload string) {
	t.Helper()
	srv.mu.Lock()
	conn := srv.conn
	srv.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connected")
	}
	if _, err := conn.Write([]byte("TAG " + payload + "\n")); err != nil {
		t.Fatalf("send tag: %v", err)
	}
}

func (srv *fakeBridgeServer) addr() (string, int) {
	addr := srv.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func connectTestBridge(t *testing.T, srv *fakeBridgeServer) *Bridge {
	t.Helper()
	host, port := srv.addr()
	b := NewBridge(host, port, "test bridge")
	if err := b.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestBridgeAvailable(t *testing.T) {
	srv := newFakeBridgeServer(t)
	b := connectTestBridge(t, srv)

	ok, err := b.Available()
	if err != nil || !ok {
		t.Fatalf("Available = %v, %v", ok, err)
	}

	srv.mu.Lock()
	srv.availRe = "AVAIL OFF radio disabled"
	srv.mu.Unlock()
	ok, err = b.Available()
	if err != nil {
		t.Fatalf("OFF should not be an error: %v", err)
	}
	if ok {
		t.Fatal("expected unavailable")
	}
}

// waitForPoll blocks until the server has seen a POLL command.
func waitForPoll(t *testing.T, srv *fakeBridgeServer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.pollCmds)
		srv.mu.Unlock()
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("POLL never reached the server")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBridgeStartAndDiscovery(t *testing.T) {
	srv := newFakeBridgeServer(t)
	b := connectTestBridge(t, srv)

	discovered := make(chan []byte, 1)
	startDone := make(chan error, 1)
	go func() {
		startDone <- b.Start(DefaultModes(), func(raw []byte) { discovered <- raw })
	}()

	waitForPoll(t, srv)
	srv.mu.Lock()
	if srv.pollCmds[0] != "POLL ISO14443,ISO18092" {
		t.Fatalf("poll commands = %v", srv.pollCmds)
	}
	srv.mu.Unlock()

	srv.sendTag(t, `{"ndef":{}}`)
	select {
	case raw := <-discovered:
		if string(raw) != `{"ndef":{}}` {
			t.Fatalf("raw = %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("discovery callback never fired")
	}
	select {
	case err := <-startDone:
		if err != nil {
			t.Fatalf("Start returned %v after discovery", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start never returned after discovery")
	}

	// A second TAG line finds no armed callback and is dropped.
	srv.sendTag(t, `{"nfca":{}}`)
	select {
	case raw := <-discovered:
		t.Fatalf("unexpected second discovery: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBridgeStopUnblocksStart(t *testing.T) {
	srv := newFakeBridgeServer(t)
	b := connectTestBridge(t, srv)

	startDone := make(chan error, 1)
	go func() {
		startDone <- b.Start(DefaultModes(), func([]byte) {
			t.Error("no discovery expected")
		})
	}()
	time.Sleep(50 * time.Millisecond)

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-startDone:
		if err != nil {
			t.Fatalf("cancelled Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start never returned after Stop")
	}
}

func TestBridgeStopInsideDiscoveryCallback(t *testing.T) {
	// The session stops the reader from inside the discovery callback. The
	// HALT round trip must complete promptly, not stall until the command
	// timeout waiting on a read loop stuck in the callback.
	srv := newFakeBridgeServer(t)
	b := connectTestBridge(t, srv)

	stopTook := make(chan time.Duration, 1)
	startDone := make(chan error, 1)
	go func() {
		startDone <- b.Start(DefaultModes(), func([]byte) {
			began := time.Now()
			_ = b.Stop()
			stopTook <- time.Since(began)
		})
	}()

	waitForPoll(t, srv)
	srv.sendTag(t, `{"ndef":{}}`)

	select {
	case took := <-stopTook:
		if took > time.Second {
			t.Fatalf("Stop inside discovery callback took %v", took)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("discovery callback never completed")
	}
	select {
	case err := <-startDone:
		if err != nil {
			t.Fatalf("Start returned %v after discovery", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start never returned after discovery")
	}
}

func TestBridgeStopCancelsPendingPoll(t *testing.T) {
	// A halt issued before the poll arms cancels that poll instead of
	// leaving it to arm an orphaned session.
	srv := newFakeBridgeServer(t)
	b := connectTestBridge(t, srv)

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	err := b.Start(DefaultModes(), func([]byte) {
		t.Error("no discovery expected")
	})
	if err != nil {
		t.Fatalf("cancelled Start returned %v", err)
	}
	srv.mu.Lock()
	polls := len(srv.pollCmds)
	srv.mu.Unlock()
	if polls != 0 {
		t.Fatalf("POLL reached the server %d times after cancellation", polls)
	}
}

func TestBridgeStartRejected(t *testing.T) {
	srv := newFakeBridgeServer(t)
	srv.mu.Lock()
	srv.pollRe = "POLL ERR reader busy"
	srv.mu.Unlock()
	b := connectTestBridge(t, srv)

	err := b.Start(DefaultModes(), func([]byte) {})
	if err == nil {
		t.Fatal("expected start failure")
	}
	perr, ok := err.(*PlatformError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if !strings.Contains(perr.Message, "reader busy") {
		t.Fatalf("message = %q", perr.Message)
	}
}

func TestBridgeStopIdempotentError(t *testing.T) {
	srv := newFakeBridgeServer(t)
	srv.mu.Lock()
	srv.haltRe = "HALT ERR no active poll"
	srv.mu.Unlock()
	b := connectTestBridge(t, srv)

	err := b.Stop()
	if err == nil {
		t.Fatal("expected error from halting an idle reader")
	}
	if _, ok := err.(*PlatformError); !ok {
		t.Fatalf("error type %T", err)
	}
}

func TestBridgeNotConnected(t *testing.T) {
	b := NewBridge("127.0.0.1", 1, "never connected")
	if _, err := b.Available(); err == nil {
		t.Fatal("expected error when not connected")
	}
}
