// Package rooms tracks which realtime connections belong to which rooms.
package rooms

import (
	"fmt"
	"strings"

	xerrors "helpdesk-service/internal/pkg/errors"
)

// Kind is the closed set of room namespaces.
type Kind uint8

const (
	KindUser Kind = iota + 1
	KindDevice
	KindSession
	KindTab
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindDevice:
		return "device"
	case KindSession:
		return "session"
	case KindTab:
		return "tab"
	default:
		return "unknown"
	}
}

// ID names a room. Build one with User, Device, Session or Tab; the zero
// value is not a valid room.
type ID struct {
	kind Kind
	key  string
}

// User is the room of every connection of one principal.
func User(principal string) ID { return ID{kind: KindUser, key: principal} }

// Device is the room of every connection from one device.
func Device(deviceID string) ID { return ID{kind: KindDevice, key: deviceID} }

// Session is the room of every connection bound to one session.
func Session(sessionID string) ID { return ID{kind: KindSession, key: sessionID} }

// Tab is the room of a single client context. Tab ids are chosen by the
// client, so the key is scoped to the principal that owns the tab.
func Tab(principal, tabID string) ID {
	if principal == "" || tabID == "" {
		return ID{kind: KindTab}
	}
	return ID{kind: KindTab, key: principal + "/" + tabID}
}

func (id ID) Kind() Kind { return id.kind }

func (id ID) Key() string { return id.key }

func (id ID) IsZero() bool { return id.kind == 0 || id.key == "" }

func (id ID) String() string { return id.kind.String() + ":" + id.key }

// MarshalText renders the room as "<kind>:<key>".
func (id ID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: empty room id", xerrors.ErrInvalidInput)
	}
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse reads the "<kind>:<key>" form.
func Parse(s string) (ID, error) {
	prefix, key, ok := strings.Cut(s, ":")
	if !ok || key == "" {
		return ID{}, fmt.Errorf("%w: malformed room id %q", xerrors.ErrInvalidInput, s)
	}
	switch prefix {
	case "user":
		return User(key), nil
	case "device":
		return Device(key), nil
	case "session":
		return Session(key), nil
	case "tab":
		principal, tabID, ok := strings.Cut(key, "/")
		if !ok || principal == "" || tabID == "" {
			return ID{}, fmt.Errorf("%w: tab room %q needs <principal>/<tab>", xerrors.ErrInvalidInput, s)
		}
		return Tab(principal, tabID), nil
	default:
		return ID{}, fmt.Errorf("%w: unknown room kind %q", xerrors.ErrInvalidInput, prefix)
	}
}

// Identity is what a connection authenticated as.
type Identity struct {
	Principal string
	DeviceID  string
	SessionID string
	TabID     string
}

// Entitled reports whether ident may observe room.
func Entitled(ident Identity, room ID) bool {
	if room.IsZero() {
		return false
	}
	switch room.kind {
	case KindUser:
		return ident.Principal != "" && room.key == ident.Principal
	case KindDevice:
		return ident.DeviceID != "" && room.key == ident.DeviceID
	case KindSession:
		return ident.SessionID != "" && room.key == ident.SessionID
	case KindTab:
		return ident.Principal != "" && ident.TabID != "" && room == Tab(ident.Principal, ident.TabID)
	default:
		return false
	}
}

// Defaults lists every room ident qualifies for.
func Defaults(ident Identity) []ID {
	var out []ID
	if ident.Principal != "" {
		out = append(out, User(ident.Principal))
	}
	if ident.DeviceID != "" {
		out = append(out, Device(ident.DeviceID))
	}
	if ident.SessionID != "" {
		out = append(out, Session(ident.SessionID))
	}
	if ident.Principal != "" && ident.TabID != "" {
		out = append(out, Tab(ident.Principal, ident.TabID))
	}
	return out
}
