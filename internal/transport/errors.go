package transport

import "fmt"

// Error reports a request that did not reach the service or was refused by
// it. The exchange treats it as transient.
type Error struct {
	// Status is the HTTP status code, 0 when no response arrived.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ProtocolError reports a response that could not be understood.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
