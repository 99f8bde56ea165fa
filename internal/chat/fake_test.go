package chat

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bluetooth-chat/internal/connmgr"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeTransport hands out net.Pipe streams on demand from the test.
type fakeTransport struct {
	mu               sync.Mutex
	listenCalls      int
	cancelDiscovery  int
	listenErr        error
	listeners        map[uuid.UUID]*fakeListener
	dials            chan *pendingDial
	ignoreDialCancel bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		listeners: make(map[uuid.UUID]*fakeListener),
		dials:     make(chan *pendingDial, 16),
	}
}

func (f *fakeTransport) Listen(id connmgr.ServiceID) (connmgr.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listenCalls++
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	l := &fakeListener{id: id, incoming: make(chan inbound, 4), errs: make(chan error, 4), done: make(chan struct{})}
	f.listeners[id.UUID] = l
	return l, nil
}

func (f *fakeTransport) Dial(ctx context.Context, address string, id connmgr.ServiceID) (connmgr.Stream, connmgr.Device, error) {
	d := &pendingDial{address: address, id: id, result: make(chan dialResult, 1)}
	f.dials <- d
	f.mu.Lock()
	ignore := f.ignoreDialCancel
	f.mu.Unlock()
	var done <-chan struct{}
	if !ignore {
		done = ctx.Done()
	}
	select {
	case <-done:
		d.abandon()
		return nil, connmgr.Device{}, ctx.Err()
	case r := <-d.result:
		if r.err != nil {
			return nil, connmgr.Device{}, r.err
		}
		return r.stream, r.dev, nil
	}
}

func (f *fakeTransport) Scan(context.Context, []connmgr.ServiceID) ([]connmgr.Device, error) {
	return nil, nil
}

func (f *fakeTransport) CancelDiscovery() error {
	f.mu.Lock()
	f.cancelDiscovery++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) listens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listenCalls
}

// listener waits until an open listener for id exists.
func (f *fakeTransport) listener(t *testing.T, id connmgr.ServiceID) *fakeListener {
	t.Helper()
	var l *fakeListener
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		l = f.listeners[id.UUID]
		return l != nil && !l.isClosed()
	}, waitFor, tick, "no listener for %s", id.Name)
	return l
}

// current returns the most recent listener for id, open or not.
func (f *fakeTransport) current(id connmgr.ServiceID) *fakeListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[id.UUID]
}

// nextDial waits for the next Dial call.
func (f *fakeTransport) nextDial(t *testing.T) *pendingDial {
	t.Helper()
	select {
	case d := <-f.dials:
		return d
	case <-time.After(waitFor):
		t.Fatal("no dial attempt")
		return nil
	}
}

type inbound struct {
	stream connmgr.Stream
	dev    connmgr.Device
}

type fakeListener struct {
	id       connmgr.ServiceID
	incoming chan inbound
	errs     chan error
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

func (l *fakeListener) Accept() (connmgr.Stream, connmgr.Device, error) {
	select {
	case <-l.done:
		return nil, connmgr.Device{}, connmgr.ErrListenerClosed
	case in := <-l.incoming:
		return in.stream, in.dev, nil
	case err := <-l.errs:
		return nil, connmgr.Device{}, err
	}
}

// failAccept makes one pending or future Accept return err.
func (l *fakeListener) failAccept(err error) {
	l.errs <- err
}

func (l *fakeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	for {
		select {
		case in := <-l.incoming:
			_ = in.stream.Close()
		default:
			return nil
		}
	}
}

func (l *fakeListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// deliver simulates a peer connecting and returns the peer's end of the stream.
func (l *fakeListener) deliver(dev connmgr.Device) net.Conn {
	local, remote := net.Pipe()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		_ = local.Close()
		return remote
	}
	l.incoming <- inbound{stream: local, dev: dev}
	return remote
}

type dialResult struct {
	stream connmgr.Stream
	dev    connmgr.Device
	err    error
}

type pendingDial struct {
	address string
	id      connmgr.ServiceID
	result  chan dialResult

	mu        sync.Mutex
	abandoned bool
}

// succeed completes the dial and returns the peer's end of the stream. A
// dial whose caller already gave up gets its stream closed, as a real
// transport would.
func (d *pendingDial) succeed(dev connmgr.Device) net.Conn {
	local, remote := net.Pipe()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.abandoned {
		_ = local.Close()
		return remote
	}
	d.result <- dialResult{stream: local, dev: dev}
	return remote
}

func (d *pendingDial) abandon() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.abandoned = true
	select {
	case r := <-d.result:
		if r.stream != nil {
			_ = r.stream.Close()
		}
	default:
	}
}

func (d *pendingDial) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.abandoned {
		d.result <- dialResult{err: err}
	}
}

// isClosed reports whether the local end of the pipe behind remote was closed.
func isClosed(remote net.Conn, within time.Duration) bool {
	_ = remote.SetReadDeadline(time.Now().Add(within))
	defer remote.SetReadDeadline(time.Time{})
	_, err := remote.Read(make([]byte, 1))
	return err != nil && !isTimeout(err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
