package chat

import (
	"fmt"
	"sync"
	"time"

	"bluetooth-chat/internal/connmgr"
)

// SelfLabel is the sender label of entries written by this side.
const SelfLabel = "Me"

// Entry is one transcript line.
type Entry struct {
	Sender string
	Text   string
	Self   bool
	Time   time.Time
}

// ChatLog holds what observers see: connection state, the connected peer and
// the transcript. Only the Arbiter and its Session mutate it.
type ChatLog struct {
	mu       sync.RWMutex
	state    State
	peer     connmgr.Device
	entries  []Entry
	watchers map[chan struct{}]struct{}
	now      func() time.Time
}

// NewChatLog returns an empty log in StateNone.
func NewChatLog() *ChatLog {
	return &ChatLog{
		watchers: make(map[chan struct{}]struct{}),
		now:      time.Now,
	}
}

// State returns the published connection state.
func (c *ChatLog) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Peer returns the connected device, or the zero Device when not connected.
func (c *ChatLog) Peer() connmgr.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

// StatusText is the one-line status shown to the user.
func (c *ChatLog) StatusText() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case StateConnecting:
		return "connecting..."
	case StateListening:
		return "listening"
	case StateConnected:
		return fmt.Sprintf("connected to %s", c.peer.DisplayName())
	default:
		return "not connected"
	}
}

// Transcript returns a copy of every entry in arrival order.
func (c *ChatLog) Transcript() []Entry {
	return c.Since(0)
}

// Len returns the number of transcript entries.
func (c *ChatLog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Since returns a copy of the entries from index n on.
func (c *ChatLog) Since(n int) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(c.entries) {
		return nil
	}
	out := make([]Entry, len(c.entries)-n)
	copy(out, c.entries[n:])
	return out
}

// Watch returns a channel that receives a value after every change. Signals
// coalesce, so readers should re-read state and use Since to catch up. The
// returned func unsubscribes and closes the channel.
func (c *ChatLog) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, ch)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *ChatLog) setStatus(state State, peer connmgr.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == state && c.peer == peer {
		return
	}
	c.state = state
	c.peer = peer
	c.notifyLocked()
}

func (c *ChatLog) append(sender, text string, self bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{Sender: sender, Text: text, Self: self, Time: c.now()})
	c.notifyLocked()
}

func (c *ChatLog) notifyLocked() {
	for ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
