package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewTCP returns a Transport that carries chat streams over TCP instead of
// RFCOMM. addrs maps each service UUID to the address Listen binds and the
// default port Dial uses when the dialed address carries none.
func NewTCP(addrs map[uuid.UUID]string) Transport {
	m := make(map[uuid.UUID]string, len(addrs))
	for k, v := range addrs {
		m[k] = v
	}
	return &tcpTransport{
		addrs:     m,
		listeners: make(map[*tcpListener]struct{}),
		log:       logrus.WithField("component", "tcp"),
	}
}

type tcpTransport struct {
	mu        sync.Mutex
	closed    bool
	addrs     map[uuid.UUID]string
	listeners map[*tcpListener]struct{}
	dialer    net.Dialer
	log       logrus.FieldLogger
}

func (t *tcpTransport) Listen(id ServiceID) (Listener, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	addr, ok := t.addrs[id.UUID]
	if !ok {
		return nil, fmt.Errorf("connmgr: no tcp address for service %s", id.Name)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connmgr: listen %s on %s: %w", id.Name, addr, err)
	}
	l := &tcpListener{owner: t, ln: ln, id: id}
	t.listeners[l] = struct{}{}
	t.log.WithFields(logrus.Fields{"service": id.Name, "addr": ln.Addr().String()}).Debug("listening")
	return l, nil
}

type tcpListener struct {
	owner *tcpTransport
	ln    net.Listener
	id    ServiceID
	once  sync.Once
}

// Addr returns the bound address, useful when listening on port 0.
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

func (l *tcpListener) Accept() (Stream, Device, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, Device{}, fmt.Errorf("connmgr: accept %s: %w", l.id.Name, ErrListenerClosed)
		}
		return nil, Device{}, fmt.Errorf("connmgr: accept %s: %w", l.id.Name, err)
	}
	remote := c.RemoteAddr().String()
	return c, Device{Path: remote, Name: remote}, nil
}

func (l *tcpListener) Close() error {
	var err error
	l.once.Do(func() {
		err = l.ln.Close()
		l.owner.mu.Lock()
		delete(l.owner.listeners, l)
		l.owner.mu.Unlock()
	})
	return err
}

func (t *tcpTransport) Dial(ctx context.Context, address string, id ServiceID) (Stream, Device, error) {
	if address == "" {
		return nil, Device{}, fmt.Errorf("connmgr: device address required")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, Device{}, ErrClosed
	}
	target, err := t.targetLocked(address, id)
	t.mu.Unlock()
	if err != nil {
		return nil, Device{}, err
	}
	c, err := t.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, Device{}, fmt.Errorf("connmgr: dial %s: %w", target, err)
	}
	return c, Device{Path: target, Name: target}, nil
}

// targetLocked keeps address as is when it names a port, otherwise borrows
// the port of the service's listen address.
func (t *tcpTransport) targetLocked(address string, id ServiceID) (string, error) {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address, nil
	}
	listen, ok := t.addrs[id.UUID]
	if !ok {
		return "", fmt.Errorf("connmgr: no tcp address for service %s", id.Name)
	}
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("connmgr: tcp address for %s: %w", id.Name, err)
	}
	return net.JoinHostPort(address, port), nil
}

// Scan returns nothing: TCP peers are addressed directly.
func (t *tcpTransport) Scan(ctx context.Context, _ []ServiceID) ([]Device, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return nil, nil
}

func (t *tcpTransport) CancelDiscovery() error { return nil }

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := make([]*tcpListener, 0, len(t.listeners))
	for l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	return nil
}
