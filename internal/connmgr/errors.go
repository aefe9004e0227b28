package connmgr

import (
	"errors"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-serial/internal/bterr"
)

// D-Bus error names that mean the caller is not allowed to do what it asked.
var permissionErrors = map[string]bool{
	"org.bluez.Error.NotAuthorized":           true,
	"org.bluez.Error.NotPermitted":            true,
	"org.freedesktop.DBus.Error.AccessDenied": true,
	"org.freedesktop.DBus.Error.AuthFailed":   true,
}

// D-Bus error names that mean there is no usable adapter behind the request.
var unavailableErrors = map[string]bool{
	"org.bluez.Error.NotReady":                  true,
	"org.bluez.Error.NotAvailable":              true,
	"org.freedesktop.DBus.Error.UnknownObject":  true,
	"org.freedesktop.DBus.Error.ServiceUnknown": true,
	"org.freedesktop.DBus.Error.NameHasNoOwner": true,
}

// dbusErrorName extracts the D-Bus error name from err, or "".
func dbusErrorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}

// classify wraps a BlueZ call failure with a reason code. Authorization and
// missing-adapter errors override fallback; everything else keeps it.
func classify(op string, fallback, err error) error {
	name := dbusErrorName(err)
	switch {
	case permissionErrors[name]:
		return bterr.New(op, bterr.ErrPermissionDenied, err)
	case unavailableErrors[name]:
		return bterr.New(op, bterr.ErrAdapterUnavailable, err)
	default:
		return bterr.New(op, fallback, err)
	}
}
