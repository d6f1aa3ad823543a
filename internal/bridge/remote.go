package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// RemoteDB attaches to an already-running perl5db instance whose control
// channel is reachable over TCP, such as a process started with
// PERLDB_OPTS=RemotePort or a debugger proxy. The same command protocol
// runs over the socket; the adapter never owns the debuggee process.
type RemoteDB struct {
	Addr         string // host:port of the debugger socket
	ReplyTimeout time.Duration

	conn     net.Conn
	killOnce sync.Once

	*console
}

// NewRemoteDB prepares an attach bridge for the debugger at addr.
func NewRemoteDB(addr string) *RemoteDB {
	return &RemoteDB{Addr: addr, console: newConsole()}
}

// Start dials the debugger and blocks until its prompt arrives. The remote
// debugger must be sitting at a prompt (entry hold or a stop) for the
// handshake to complete; ctx bounds the dial plus handshake.
func (b *RemoteDB) Start(ctx context.Context) error {
	if b.Addr == "" {
		return errors.New("attach address must not be empty")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.Addr)
	if err != nil {
		return fmt.Errorf("attaching to %s: %w", b.Addr, err)
	}

	b.conn = conn
	b.console.w = conn
	b.console.timeout = b.ReplyTimeout
	go b.console.readLoop(conn)
	go b.exitLoop()

	select {
	case <-b.ready:
		return nil
	case <-b.exited:
		return fmt.Errorf("debugger at %s hung up during attach", b.Addr)
	case <-ctx.Done():
		b.Kill()
		return fmt.Errorf("waiting for debugger prompt: %w", ctx.Err())
	}
}

// Pause is not available on an attached debugger: perl5db only takes
// commands at a prompt and there is no process to signal.
func (b *RemoteDB) Pause() error {
	return errors.New("pause is not supported for attached debuggers")
}

// Kill detaches: ask the debugger to quit, then drop the connection. The
// remote process is not ours to signal.
func (b *RemoteDB) Kill() error {
	b.killOnce.Do(func() {
		if b.conn != nil {
			io.WriteString(b.conn, "q\n")
			b.conn.Close()
		}
	})
	return nil
}

// exitLoop reports termination once the connection is gone. The exit code
// of the remote process is unknown; zero is reported.
func (b *RemoteDB) exitLoop() {
	<-b.readDone
	close(b.exited)
	b.events <- ExitedEvent{Code: 0}
	close(b.events)
}
