// Package chat is the connection core of the chat client. An Arbiter listens
// for inbound peers, dials outbound ones, picks a single winner among racing
// attempts and keeps exactly one Session alive at a time.
//
// Thread-safety: every exported method is safe for concurrent use. State
// changes happen under one mutex which is never held across blocking I/O.
package chat

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"bluetooth-chat/internal/connmgr"
)

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(a *Arbiter) { a.logger = l }
}

// WithChatLog makes the Arbiter publish into log instead of a fresh one.
func WithChatLog(log *ChatLog) Option {
	return func(a *Arbiter) { a.log = log }
}

// attempt is an accept-loop or a dial attempt; identity is the pointer.
type attempt any

// Arbiter owns the connection state and every handle derived from it.
type Arbiter struct {
	transport connmgr.Transport
	services  map[connmgr.SecurityMode]connmgr.ServiceID
	order     []connmgr.SecurityMode
	log       *ChatLog
	logger    logrus.FieldLogger

	mu        sync.Mutex
	closed    bool
	state     State
	listeners map[connmgr.SecurityMode]*acceptLoop
	dialer    *dialAttempt
	session   *Session
	// retired collects closers to run once mu is released.
	retired []func()

	wg sync.WaitGroup
}

// New returns an idle Arbiter in StateNone for the given service records,
// at most one per security mode.
func New(transport connmgr.Transport, services []connmgr.ServiceID, opts ...Option) (*Arbiter, error) {
	if transport == nil {
		return nil, errors.New("chat: transport required")
	}
	if len(services) == 0 {
		return nil, errors.New("chat: at least one service required")
	}
	a := &Arbiter{
		transport: transport,
		services:  make(map[connmgr.SecurityMode]connmgr.ServiceID, len(services)),
		listeners: make(map[connmgr.SecurityMode]*acceptLoop),
		logger:    logrus.StandardLogger(),
	}
	for _, id := range services {
		if err := id.Validate(); err != nil {
			return nil, fmt.Errorf("chat: %w", err)
		}
		if _, dup := a.services[id.Security]; dup {
			return nil, fmt.Errorf("chat: duplicate %s service %s", id.Security, id.Name)
		}
		a.services[id.Security] = id
		a.order = append(a.order, id.Security)
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = NewChatLog()
	}
	a.logger = a.logger.WithField("component", "arbiter")
	return a, nil
}

// ChatLog returns the observable state. Callers must treat it as read-only.
func (a *Arbiter) ChatLog() *ChatLog { return a.log }

// State returns the current connection state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start cancels any dial attempt and session and makes sure one accept-loop
// runs per service record. Calling it repeatedly does not add loops.
func (a *Arbiter) Start() {
	a.mu.Lock()
	defer a.unlock()
	a.fireLocked(EventStart, nil)
}

// Connect dials address using the service record for mode. A dial already in
// flight is superseded; its result is closed if it arrives later.
func (a *Arbiter) Connect(address string, mode connmgr.SecurityMode) error {
	if address == "" {
		return errors.New("chat: address required")
	}
	id, ok := a.services[mode]
	if !ok {
		return fmt.Errorf("chat: no %s service registered", mode)
	}
	a.mu.Lock()
	defer a.unlock()
	a.fireLocked(EventConnect, newDialAttempt(address, id))
	return nil
}

// Stop cancels everything and returns to StateNone. Start or Connect may
// be called again afterwards.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	defer a.unlock()
	a.fireLocked(EventStop, nil)
}

// Close stops the Arbiter and waits for its goroutines to exit. The Arbiter
// must not be used afterwards. The transport is left open.
func (a *Arbiter) Close() {
	a.mu.Lock()
	a.fireLocked(EventStop, nil)
	a.closed = true
	a.unlock()
	a.wg.Wait()
}

// Write sends p to the connected peer. It is dropped unless the state is
// StateConnected; write errors are logged and dropped.
func (a *Arbiter) Write(p []byte) {
	a.mu.Lock()
	s := a.session
	if a.state != StateConnected || s == nil {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	_ = s.Write(p)
}

// attemptSucceeded is called by accept-loops and dialers with a fresh stream.
func (a *Arbiter) attemptSucceeded(from attempt, stream connmgr.Stream, dev connmgr.Device, id connmgr.ServiceID) {
	a.mu.Lock()
	defer a.unlock()
	if !a.currentLocked(from) {
		a.logger.WithField("peer", dev.DisplayName()).Debug("superseded attempt discarded")
		a.retire(func() { _ = stream.Close() })
		return
	}
	t := Next(a.state, EventAttemptSucceeded)
	switch t.Action {
	case ActionPromote:
		a.cancelAttemptsLocked()
		a.cancelSessionLocked()
		s := newSession(stream, dev, id, a.log, a.logger, a.streamFailed)
		a.session = s
		a.setStateLocked(t.Next, dev)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			s.run()
		}()
		a.logger.WithFields(logrus.Fields{"peer": dev.DisplayName(), "service": id.Name}).Info("connected")
	default:
		a.logger.WithFields(logrus.Fields{"peer": dev.DisplayName(), "state": a.state}).Info("connection rejected")
		a.retire(func() { _ = stream.Close() })
	}
}

// dialFailed is called by the current or a superseded dialer after Dial errors.
func (a *Arbiter) dialFailed(d *dialAttempt) {
	a.mu.Lock()
	defer a.unlock()
	if a.dialer != d {
		return
	}
	a.dialer = nil
	d.cancel()
	a.fireLocked(EventAttemptFailed, nil)
}

// streamFailed is called once by a session's receive loop when it ends.
func (a *Arbiter) streamFailed(s *Session) {
	a.mu.Lock()
	defer a.unlock()
	if a.session != s {
		return
	}
	a.session = nil
	a.retire(s.cancel)
	a.fireLocked(EventStreamFailed, nil)
}

// listenFailed drops an accept-loop whose listener could not register or was
// closed by someone else, so the next Start arms a fresh one.
func (a *Arbiter) listenFailed(l *acceptLoop) {
	a.mu.Lock()
	defer a.unlock()
	if a.listeners[l.id.Security] != l {
		return
	}
	delete(a.listeners, l.id.Security)
	l.cancel()
	if len(a.listeners) == 0 && a.state == StateListening {
		a.logger.Warn("no service is listening")
		a.setStateLocked(StateNone, connmgr.Device{})
	}
}

// fireLocked applies the transition for e. dial carries the new attempt for
// EventConnect.
func (a *Arbiter) fireLocked(e Event, dial *dialAttempt) {
	if a.closed {
		if dial != nil {
			dial.cancel()
		}
		return
	}
	t := Next(a.state, e)
	a.logger.WithFields(logrus.Fields{"from": a.state, "event": e, "to": t.Next, "action": t.Action}).Debug("transition")
	switch t.Action {
	case ActionListen, ActionRestart:
		a.cancelDialLocked()
		a.cancelSessionLocked()
		a.armListenersLocked()
	case ActionDial:
		a.cancelDialLocked()
		a.cancelSessionLocked()
		a.dialer = dial
		a.wg.Add(1)
		go a.runDial(dial)
	case ActionShutdown:
		a.cancelAttemptsLocked()
		a.cancelSessionLocked()
	case ActionIgnore:
		return
	}
	a.setStateLocked(t.Next, connmgr.Device{})
}

func (a *Arbiter) armListenersLocked() {
	for _, mode := range a.order {
		if _, running := a.listeners[mode]; running {
			continue
		}
		l := newAcceptLoop(a.services[mode])
		a.listeners[mode] = l
		a.wg.Add(1)
		go a.runAccept(l)
	}
}

func (a *Arbiter) cancelDialLocked() {
	if a.dialer != nil {
		a.dialer.cancel()
		a.dialer = nil
	}
}

func (a *Arbiter) cancelAttemptsLocked() {
	a.cancelDialLocked()
	for mode, l := range a.listeners {
		l.cancel()
		delete(a.listeners, mode)
	}
}

func (a *Arbiter) cancelSessionLocked() {
	if a.session != nil {
		a.session.detach()
		a.retire(a.session.cancel)
		a.session = nil
	}
}

func (a *Arbiter) currentLocked(from attempt) bool {
	switch v := from.(type) {
	case *acceptLoop:
		return a.listeners[v.id.Security] == v
	case *dialAttempt:
		return a.dialer == v
	default:
		return false
	}
}

func (a *Arbiter) setStateLocked(s State, peer connmgr.Device) {
	a.state = s
	if s != StateConnected {
		peer = connmgr.Device{}
	}
	a.log.setStatus(s, peer)
}

func (a *Arbiter) retire(fn func()) {
	a.retired = append(a.retired, fn)
}

// unlock releases mu and then runs the closers retired under it.
func (a *Arbiter) unlock() {
	retired := a.retired
	a.retired = nil
	a.mu.Unlock()
	for _, fn := range retired {
		fn()
	}
}
