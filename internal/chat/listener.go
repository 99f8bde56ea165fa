package chat

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"bluetooth-chat/internal/connmgr"
)

// acceptLoop is one listening goroutine for a single service record.
type acceptLoop struct {
	id     connmgr.ServiceID
	ctx    context.Context
	cancel context.CancelFunc
}

func newAcceptLoop(id connmgr.ServiceID) *acceptLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &acceptLoop{id: id, ctx: ctx, cancel: cancel}
}

// runAccept registers the service and hands every accepted stream to the
// Arbiter until the loop is cancelled or the transport fails.
func (a *Arbiter) runAccept(l *acceptLoop) {
	defer a.wg.Done()
	logger := a.logger.WithFields(logrus.Fields{
		"function": "accept",
		"service":  l.id.Name,
		"security": l.id.Security.String(),
	})

	ln, err := a.transport.Listen(l.id)
	if err != nil {
		logger.WithError(err).Error("listen failed")
		a.listenFailed(l)
		return
	}
	// Cancelling the loop closes the listener, which unblocks Accept.
	context.AfterFunc(l.ctx, func() { _ = ln.Close() })
	defer ln.Close()
	logger.Debug("accepting")

	var delay time.Duration
	for {
		stream, dev, err := ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil {
				logger.Debug("accept loop stopped")
				return
			}
			if errors.Is(err, connmgr.ErrListenerClosed) {
				// Closed underneath us; drop the loop so Start re-arms it.
				logger.WithError(err).Warn("listener closed")
				a.listenFailed(l)
				return
			}
			delay = acceptBackoff(delay)
			logger.WithError(err).WithField("retry_in", delay).Error("accept failed")
			select {
			case <-l.ctx.Done():
				logger.Debug("accept loop stopped")
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		logger.WithField("peer", dev.DisplayName()).Info("inbound connection")
		a.attemptSucceeded(l, stream, dev, l.id)
	}
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptBackoff
	}
	return min(2*prev, maxAcceptBackoff)
}
