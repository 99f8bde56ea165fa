package chat

import (
	"context"

	"github.com/sirupsen/logrus"

	"bluetooth-chat/internal/connmgr"
)

// dialAttempt is one outbound connection attempt.
type dialAttempt struct {
	address string
	id      connmgr.ServiceID
	ctx     context.Context
	cancel  context.CancelFunc
}

func newDialAttempt(address string, id connmgr.ServiceID) *dialAttempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &dialAttempt{address: address, id: id, ctx: ctx, cancel: cancel}
}

func (a *Arbiter) runDial(d *dialAttempt) {
	defer a.wg.Done()
	logger := a.logger.WithFields(logrus.Fields{
		"function": "dial",
		"address":  d.address,
		"service":  d.id.Name,
		"security": d.id.Security.String(),
	})

	// Discovery slows the connect down and competes for the radio.
	if err := a.transport.CancelDiscovery(); err != nil {
		logger.WithError(err).Debug("cancel discovery")
	}

	stream, dev, err := a.transport.Dial(d.ctx, d.address, d.id)
	if err != nil {
		if stream != nil {
			_ = stream.Close()
		}
		if d.ctx.Err() != nil {
			logger.WithError(err).Debug("dial canceled")
		} else {
			logger.WithError(err).Warn("connect failed")
		}
		a.dialFailed(d)
		return
	}
	logger.WithField("peer", dev.DisplayName()).Info("outbound connection")
	a.attemptSucceeded(d, stream, dev, d.id)
}
