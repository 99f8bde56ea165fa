//go:build !linux

package connmgr

import "context"

// NewBlueZ returns a Transport whose methods fail with ErrUnsupported;
// BlueZ is only reachable on Linux.
func NewBlueZ() Transport { return unsupported{} }

type unsupported struct{}

func (unsupported) Listen(ServiceID) (Listener, error) { return nil, ErrUnsupported }

func (unsupported) Dial(context.Context, string, ServiceID) (Stream, Device, error) {
	return nil, Device{}, ErrUnsupported
}

func (unsupported) Scan(context.Context, []ServiceID) ([]Device, error) { return nil, ErrUnsupported }

func (unsupported) CancelDiscovery() error { return nil }

func (unsupported) Close() error { return nil }
