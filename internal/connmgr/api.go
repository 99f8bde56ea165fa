// Package connmgr defines the radio transport used by the chat core and its
// implementations: BlueZ RFCOMM over D-Bus (Linux) and plain TCP for
// development and tests.
//
// A Transport hands out full-duplex byte streams. It knows nothing about
// connection arbitration; that belongs to the caller.
package connmgr

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrListenerClosed is returned by Listener.Accept after Close.
	ErrListenerClosed = errors.New("connmgr: listener closed")

	// ErrUnsupported is returned when the transport is not available on this platform.
	ErrUnsupported = errors.New("connmgr: transport not supported on this platform")

	// ErrClosed is returned by every Transport method after Close.
	ErrClosed = errors.New("connmgr: closed")
)

// Device represents the minimum information needed to display and connect.
//
// Path is the transport-specific handle (BlueZ Device1 object path, or the
// remote TCP address). Other fields are optional and may be empty depending on
// discovery results.
type Device struct {
	Path  string // D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC   string // Bluetooth device address
	Name  string // Device1.Name
	Alias string // Device1.Alias
}

// DisplayName returns the best human readable label for the device.
func (d Device) DisplayName() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Alias != "":
		return d.Alias
	case d.MAC != "":
		return d.MAC
	default:
		return d.Path
	}
}

// Stream is one live full-duplex connection. Close must unblock a pending Read.
type Stream interface {
	io.ReadWriteCloser
}

// Listener accepts inbound streams for a single ServiceID.
type Listener interface {
	// Accept blocks until a peer connects or the listener is closed.
	// After Close it returns an error wrapping ErrListenerClosed.
	Accept() (Stream, Device, error)

	// Close releases the service registration and unblocks Accept.
	// Safe to call more than once.
	Close() error
}

// Transport is the platform radio stack as seen by the chat core.
type Transport interface {
	// Listen registers id and returns a listener for it. It fails when the
	// identifier is already registered or the radio is unavailable.
	Listen(id ServiceID) (Listener, error)

	// Dial opens an outbound stream to address for id. It blocks until the
	// stream is up, the transport fails, or ctx ends; in the last case any
	// partially opened handle is released before returning.
	Dial(ctx context.Context, address string, id ServiceID) (Stream, Device, error)

	// Scan discovers nearby devices advertising any of ids until ctx ends or
	// CancelDiscovery is called, and returns a snapshot.
	Scan(ctx context.Context, ids []ServiceID) ([]Device, error)

	// CancelDiscovery stops a running Scan. Discovery and dialing share the
	// radio, so dialers call this first. No-op when nothing is scanning.
	CancelDiscovery() error

	// Close releases everything held by the transport. Idempotent.
	Close() error
}
