package chat

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"bluetooth-chat/internal/connmgr"
)

// readBufferSize bounds a single Read; each Read becomes one transcript entry.
const readBufferSize = 1024

// Session pumps the one active stream: a receive loop feeding the ChatLog and
// a blocking Write for outgoing messages.
type Session struct {
	stream connmgr.Stream
	peer   connmgr.Device
	id     connmgr.ServiceID
	log    *ChatLog
	logger logrus.FieldLogger

	// onFailed is called once when the receive loop ends.
	onFailed func(*Session)

	writeMu sync.Mutex

	// mu makes the detached check and the ChatLog append one step.
	mu       sync.Mutex
	detached bool

	closeOnce sync.Once
}

func newSession(stream connmgr.Stream, peer connmgr.Device, id connmgr.ServiceID, log *ChatLog, logger logrus.FieldLogger, onFailed func(*Session)) *Session {
	return &Session{
		stream: stream,
		peer:   peer,
		id:     id,
		log:    log,
		logger: logger.WithFields(logrus.Fields{
			"peer":     peer.DisplayName(),
			"service":  id.Name,
			"security": id.Security.String(),
		}),
		onFailed: onFailed,
	}
}

// Peer returns the device on the other end.
func (s *Session) Peer() connmgr.Device { return s.peer }

// Service returns the service record the stream was opened for.
func (s *Session) Service() connmgr.ServiceID { return s.id }

func (s *Session) run() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			s.record(s.peer.DisplayName(), buf[:n], false)
		}
		if err != nil {
			if s.isDetached() {
				s.logger.WithError(err).Debug("session closed")
			} else {
				s.logger.WithError(err).Warn("disconnected")
			}
			s.onFailed(s)
			return
		}
	}
}

// Write sends p and records it as a self-authored entry. Errors are logged
// and returned; a broken stream is detected by the receive loop.
func (s *Session) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stream.Write(p); err != nil {
		s.logger.WithError(err).Error("write failed")
		return err
	}
	s.record(SelfLabel, p, true)
	return nil
}

// record appends to the ChatLog unless the session was detached.
func (s *Session) record(sender string, p []byte, self bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.detached {
		s.log.append(sender, decode(p), self)
	}
}

func (s *Session) isDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// detach stops the session from touching the ChatLog. An append already in
// progress finishes before detach returns. The stream stays open until cancel.
func (s *Session) detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
}

// cancel closes the stream, which unblocks the receive loop.
func (s *Session) cancel() {
	s.detach()
	s.closeOnce.Do(func() {
		if err := s.stream.Close(); err != nil {
			s.logger.WithError(err).Debug("close stream")
		}
	})
}

func decode(p []byte) string {
	return strings.ToValidUTF8(string(p), "\uFFFD")
}
