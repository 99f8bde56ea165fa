package chat

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-chat/internal/connmgr"
)

func startSession(t *testing.T) (*Session, net.Conn, *ChatLog, chan *Session) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	local, remote := net.Pipe()
	log := NewChatLog()
	failed := make(chan *Session, 1)
	s := newSession(local, bob, connmgr.DefaultSecure, log, logger, func(s *Session) { failed <- s })
	go s.run()
	t.Cleanup(s.cancel)
	return s, remote, log, failed
}

func TestSession_ReceiveAppendsPerRead(t *testing.T) {
	_, remote, log, _ := startSession(t)

	_, err := remote.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = remote.Write([]byte("again"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return log.Len() == 2 }, waitFor, tick)
	entries := log.Transcript()
	assert.Equal(t, "Bob", entries[0].Sender)
	assert.Equal(t, "hello", entries[0].Text)
	assert.Equal(t, "again", entries[1].Text)
}

func TestSession_InvalidUTF8IsReplaced(t *testing.T) {
	_, remote, log, _ := startSession(t)

	_, err := remote.Write([]byte{'o', 'k', 0xff})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return log.Len() == 1 }, waitFor, tick)
	assert.Equal(t, "ok\uFFFD", log.Transcript()[0].Text)
}

func TestSession_ReadFailureReportedOnce(t *testing.T) {
	s, remote, _, failed := startSession(t)

	require.NoError(t, remote.Close())
	select {
	case got := <-failed:
		assert.Same(t, s, got)
	case <-time.After(waitFor):
		t.Fatal("stream failure not reported")
	}
}

func TestSession_WriteFailureIsNotRecorded(t *testing.T) {
	s, remote, log, _ := startSession(t)
	require.NoError(t, remote.Close())

	err := s.Write([]byte("lost"))
	assert.Error(t, err)
	assert.Equal(t, 0, log.Len())
}

func TestSession_CancelUnblocksRead(t *testing.T) {
	s, _, log, failed := startSession(t)

	s.cancel()
	select {
	case <-failed:
	case <-time.After(waitFor):
		t.Fatal("receive loop still blocked")
	}
	assert.Equal(t, 0, log.Len())
	assert.Error(t, s.Write([]byte("x")))
}

func TestSession_DetachedSessionRecordsNothing(t *testing.T) {
	s, remote, log, _ := startSession(t)

	s.detach()
	_, err := remote.Write([]byte("late"))
	require.NoError(t, err)
	// The second write only completes once the loop is back in Read.
	_, err = remote.Write([]byte("later"))
	require.NoError(t, err)

	go func() { _, _ = remote.Read(make([]byte, 16)) }()
	require.NoError(t, s.Write([]byte("mine")))
	assert.Equal(t, 0, log.Len())
}

func TestSession_NoAppendAfterDetachReturns(t *testing.T) {
	logger, _ := test.NewNullLogger()
	local, remote := net.Pipe()
	defer remote.Close()
	log := NewChatLog()
	s := newSession(local, bob, connmgr.DefaultSecure, log, logger, func(*Session) {})
	defer s.cancel()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				s.record(bob.DisplayName(), []byte("x"), false)
			}
		}
	}()
	require.Eventually(t, func() bool { return log.Len() > 0 }, waitFor, tick)

	s.detach()
	n := log.Len()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	<-done
	assert.Equal(t, n, log.Len())
}
