// Package errs defines the error taxonomy shared by every layer of the
// sandbox: the framed channel, the VFS, the session store, and the
// JSON-RPC surface all classify failures into one of these kinds so that
// callers at any boundary can map them to a stable wire code.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one entry in the closed error taxonomy.
type Kind string

const (
	KindInvalidInput   Kind = "invalid_input"
	KindNotFound       Kind = "not_found"
	KindNotPermitted   Kind = "not_permitted"
	KindDenied         Kind = "denied"
	KindLocked         Kind = "locked"
	KindExpired        Kind = "expired"
	KindTimeout        Kind = "timeout"
	KindChildCrashed   Kind = "child_crashed"
	KindTransportError Kind = "transport_error"
	KindInternal       Kind = "internal"
)

// Sentinel errors for errors.Is-style checks against a bare Kind.
var (
	ErrInvalidInput   = errors.New(string(KindInvalidInput))
	ErrNotFound       = errors.New(string(KindNotFound))
	ErrNotPermitted   = errors.New(string(KindNotPermitted))
	ErrDenied         = errors.New(string(KindDenied))
	ErrLocked         = errors.New(string(KindLocked))
	ErrExpired        = errors.New(string(KindExpired))
	ErrTimeout        = errors.New(string(KindTimeout))
	ErrChildCrashed   = errors.New(string(KindChildCrashed))
	ErrTransportError = errors.New(string(KindTransportError))
	ErrInternal       = errors.New(string(KindInternal))
)

var sentinels = map[Kind]error{
	KindInvalidInput:   ErrInvalidInput,
	KindNotFound:       ErrNotFound,
	KindNotPermitted:   ErrNotPermitted,
	KindDenied:         ErrDenied,
	KindLocked:         ErrLocked,
	KindExpired:        ErrExpired,
	KindTimeout:        ErrTimeout,
	KindChildCrashed:   ErrChildCrashed,
	KindTransportError: ErrTransportError,
	KindInternal:       ErrInternal,
}

// Error wraps a failure with the operation that produced it and its kind.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	if sentinel, ok := sentinels[e.Kind]; ok {
		if e.Err != nil {
			return &wrappedPair{sentinel: sentinel, inner: e.Err}
		}
		return sentinel
	}
	return e.Err
}

// wrappedPair lets errors.Is match either the taxonomy sentinel or the
// concrete underlying error without losing either.
type wrappedPair struct {
	sentinel error
	inner    error
}

func (w *wrappedPair) Error() string { return w.inner.Error() }
func (w *wrappedPair) Is(target error) bool {
	return errors.Is(w.sentinel, target)
}
func (w *wrappedPair) Unwrap() error { return w.inner }

// Is reports whether err carries the given taxonomy kind.
func Is(err error, kind Kind) bool {
	sentinel, ok := sentinels[kind]
	if !ok {
		return false
	}
	return errors.Is(err, sentinel)
}

// KindOf extracts the taxonomy kind from err, defaulting to KindInternal
// for errors that never went through New.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// rpcCodes maps each taxonomy kind to the JSON-RPC error code the C9
// server reports, per the wire-level code table.
var rpcCodes = map[Kind]int{
	KindInvalidInput:   -32602,
	KindNotFound:       -32000,
	KindDenied:         -32001,
	KindLocked:         -32002,
	KindExpired:        -32003,
	KindTimeout:        -32004,
	KindNotPermitted:   -32099,
	KindChildCrashed:   -32099,
	KindTransportError: -32099,
	KindInternal:       -32603,
}

// RPCCode maps err's taxonomy kind to its JSON-RPC wire code, defaulting
// to -32603 (internal error) for anything outside the taxonomy.
func RPCCode(err error) int {
	if code, ok := rpcCodes[KindOf(err)]; ok {
		return code
	}
	return -32603
}
