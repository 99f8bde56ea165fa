package connmgr

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SecurityMode selects whether a service requires an authenticated, encrypted link.
type SecurityMode int

const (
	Secure SecurityMode = iota
	Insecure
)

func (m SecurityMode) String() string {
	switch m {
	case Secure:
		return "secure"
	case Insecure:
		return "insecure"
	default:
		return fmt.Sprintf("SecurityMode(%d)", int(m))
	}
}

// ParseSecurityMode accepts "secure" or "insecure" (case-insensitive).
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "secure", "":
		return Secure, nil
	case "insecure":
		return Insecure, nil
	default:
		return 0, fmt.Errorf("connmgr: unknown security mode %q", s)
	}
}

// ServiceID is the service record two peers must agree on to connect.
// Both the UUID and the security mode have to match.
type ServiceID struct {
	Name     string
	UUID     uuid.UUID
	Security SecurityMode

	// Channel is the RFCOMM channel for the server-side profile.
	// Zero lets BlueZ pick a free one.
	Channel uint8
}

func (id ServiceID) String() string {
	return fmt.Sprintf("%s(%s,%s)", id.Name, id.UUID, id.Security)
}

// Validate reports whether id is usable for Listen or Dial.
func (id ServiceID) Validate() error {
	if id.Name == "" {
		return fmt.Errorf("connmgr: service name required")
	}
	if id.UUID == uuid.Nil {
		return fmt.Errorf("connmgr: service %s: uuid required", id.Name)
	}
	if id.Security != Secure && id.Security != Insecure {
		return fmt.Errorf("connmgr: service %s: %v", id.Name, id.Security)
	}
	return nil
}

// Well-known BluetoothChat service records. Peers running other BluetoothChat
// clients advertise the same UUIDs.
var (
	DefaultSecure = ServiceID{
		Name:     "BluetoothChatSecure",
		UUID:     uuid.MustParse("fa87c0d0-afac-11de-8a39-0800200c9a66"),
		Security: Secure,
		Channel:  22,
	}
	DefaultInsecure = ServiceID{
		Name:     "BluetoothChatInsecure",
		UUID:     uuid.MustParse("8ce255c0-200a-11e0-ac64-0800200c9a66"),
		Security: Insecure,
		Channel:  23,
	}
)

// DefaultServices returns the secure and insecure default records.
func DefaultServices() []ServiceID {
	return []ServiceID{DefaultSecure, DefaultInsecure}
}
