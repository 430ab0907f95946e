// Package vhcierr defines the VHCI client-side error taxonomy and the
// server-originated op_status codes a usbipd reply can carry.
package vhcierr

import "fmt"

// Code is a client-side VHCI error.
type Code uint8

const (
	None Code = iota
	General
	InvArg
	Network
	Protocol
	Version
	USBVer
	PortFull
	Driver
	NotExist
)

func (c Code) String() string {
	switch c {
	case None:
		return "none"
	case General:
		return "general"
	case InvArg:
		return "invalid argument"
	case Network:
		return "network"
	case Protocol:
		return "protocol"
	case Version:
		return "version"
	case USBVer:
		return "usb version mismatch"
	case PortFull:
		return "no available port"
	case Driver:
		return "driver"
	case NotExist:
		return "does not exist"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// Error wraps a Code as a Go error, optionally carrying the underlying
// cause for %w-style unwrapping.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no underlying cause.
func New(code Code) error { return &Error{Code: code} }

// Wrap builds an *Error carrying cause.
func Wrap(code Code, cause error) error {
	if cause == nil {
		return New(code)
	}
	return &Error{Code: code, Cause: cause}
}

// Is reports whether err carries the given Code, unwrapping as needed.
func Is(err error, code Code) bool {
	var e *Error
	for err != nil {
		if ve, ok := err.(*Error); ok {
			e = ve
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Code == code
}

// OpStatus is a server-originated op_common.status code, per the
// USB/IP wire protocol (distinct from the client-side Code taxonomy).
type OpStatus uint32

const (
	StatusOK      OpStatus = 0
	StatusNA      OpStatus = 1
	StatusDevBusy OpStatus = 2
	StatusDevErr  OpStatus = 3
	StatusNoDev   OpStatus = 4
	StatusError   OpStatus = 5
)

func (s OpStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNA:
		return "device not available"
	case StatusDevBusy:
		return "device busy (already exported)"
	case StatusDevErr:
		return "device in error state"
	case StatusNoDev:
		return "device not found"
	case StatusError:
		return "unexpected response"
	default:
		return fmt.Sprintf("op_status(%d)", uint32(s))
	}
}
