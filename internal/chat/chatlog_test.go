package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-chat/internal/connmgr"
)

func TestChatLog_StatusText(t *testing.T) {
	c := NewChatLog()
	assert.Equal(t, "not connected", c.StatusText())

	c.setStatus(StateListening, connmgr.Device{})
	assert.Equal(t, "listening", c.StatusText())

	c.setStatus(StateConnecting, connmgr.Device{})
	assert.Equal(t, "connecting...", c.StatusText())

	c.setStatus(StateConnected, connmgr.Device{MAC: "00:11:22:33:44:55"})
	assert.Equal(t, "connected to 00:11:22:33:44:55", c.StatusText())
	assert.Equal(t, StateConnected, c.State())
}

func TestChatLog_SinceAndTranscript(t *testing.T) {
	c := NewChatLog()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	c.append(SelfLabel, "hi", true)
	c.append("Bob", "yo", false)
	c.append("Bob", "how are you", false)

	all := c.Transcript()
	require.Len(t, all, 3)
	assert.Equal(t, Entry{Sender: "Me", Text: "hi", Self: true, Time: fixed}, all[0])

	tail := c.Since(1)
	require.Len(t, tail, 2)
	assert.Equal(t, "yo", tail[0].Text)
	assert.Nil(t, c.Since(3))
	assert.Len(t, c.Since(-1), 3)

	// Returned slices are copies.
	all[0].Text = "changed"
	assert.Equal(t, "hi", c.Transcript()[0].Text)
}

func TestChatLog_Watch(t *testing.T) {
	c := NewChatLog()
	ch, stop := c.Watch()

	c.append("Bob", "one", false)
	c.append("Bob", "two", false)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	// Notifications coalesce; the reader catches up through Since.
	assert.Len(t, c.Since(0), 2)

	// Unchanged status does not notify.
	c.setStatus(StateNone, connmgr.Device{})
	select {
	case <-ch:
		t.Fatal("unexpected notification")
	default:
	}

	stop()
	stop()
	_, open := <-ch
	assert.False(t, open)
	c.append("Bob", "three", false)
}
