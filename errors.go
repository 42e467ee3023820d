package omnibox

import (
	"errors"
	"fmt"
)

// errNotConnected is reported when an intent is sent with no active channel.
var errNotConnected = errors.New("not connected")

// errNoFailedEntry is reported when a retry targets a tempId that has no
// failed optimistic entry.
var errNoFailedEntry = errors.New("no failed entry with that tempId")

// ErrStaleFetch marks a timeline response that resolved after a newer fetch
// was issued for the same conversation. The response was discarded; the
// currently held timeline is authoritative.
var ErrStaleFetch = errors.New("stale timeline fetch discarded")

// TransportError is a connection or authentication failure on the push
// channel. It is non-fatal: the transport surfaces it as state and the
// poll fallback keeps the view converging.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestError is a failed gateway REST call. Fetch failures are retryable;
// send failures flip the optimistic entry to failed without discarding it.
type RequestError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
