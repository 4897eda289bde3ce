package zeroconf

import "errors"

var (
	// A name label exceeded the 63 byte limit while building a message.
	// This is a construction-time input error, not a transient fault.
	ErrNamePartTooLong = errors.New("zeroconf: name part exceeds 63 bytes")

	// Probing found the candidate service name claimed by a different
	// responder on the network.
	ErrNonUniqueName = errors.New("zeroconf: service name is not unique on the network")

	// A different ServiceInfo already occupies this fully-qualified name
	// in the local registry.
	ErrNameAlreadyRegistered = errors.New("zeroconf: service name already registered")

	// The service type is not of the form `_name._tcp.<domain>.` or
	// `_name._udp.<domain>.`.
	ErrMalformedServiceType = errors.New("zeroconf: malformed service type")

	// The engine has been closed; no further network operations are accepted.
	ErrEngineClosed = errors.New("zeroconf: engine is closed")
)
