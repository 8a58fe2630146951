// Package dberr defines the error kinds the router and command channel
// surface to their callers and the single conversion function that
// collapses any error crossing a router boundary into one of them.
package dberr

import (
	"errors"
	"fmt"
)

// ErrFatal marks a session as broken beyond repair: callers should stop
// reusing it. Wrap with fmt.Errorf("%w: ...", ErrFatal) or compare with
// errors.Is.
var ErrFatal = errors.New("fatal error")

// Kind classifies a DbError for callers that want to branch on it
// without string matching.
type Kind int

const (
	// KindTransport covers short reads/writes and other I/O failures on
	// the wire.
	KindTransport Kind = iota
	// KindProtocol covers unexpected message shapes from a peer.
	KindProtocol
	// KindUser covers caller mistakes: unbound parameters, bad SQL.
	KindUser
	// KindCluster covers topology failures: no live seed, no live
	// replicas for a token.
	KindCluster
	// KindOther is the catch-all for wrapped non-database errors.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindUser:
		return "user"
	case KindCluster:
		return "cluster"
	default:
		return "other"
	}
}

// DbError is the single error type that leaves a router or command
// channel boundary.
type DbError struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *DbError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *DbError) Unwrap() error { return e.err }

func newErr(k Kind, msg string, cause error) *DbError {
	return &DbError{Kind: k, Msg: msg, err: cause}
}

// TransportError wraps an I/O failure raised while reading or writing a
// Transfer.
func TransportError(cause error) *DbError { return newErr(KindTransport, "transport error", cause) }

// ProtocolError wraps an unexpected wire message shape.
func ProtocolError(msg string) *DbError { return newErr(KindProtocol, msg, nil) }

// ParameterNotSet is raised when checkSet fails for a bound parameter;
// index is the 1-based parameter ordinal.
func ParameterNotSet(index int) *DbError {
	return newErr(KindUser, fmt.Sprintf("parameter %d is not set", index), nil)
}

// NoLiveSeed is raised when DDL dispatch cannot find a live seed
// endpoint.
func NoLiveSeed() *DbError { return newErr(KindCluster, "no live seed endpoint", nil) }

// NoLiveReplica is raised when a resolved partition key's natural and
// pending endpoints are all currently dead.
func NoLiveReplica() *DbError { return newErr(KindCluster, "no live replica for resolved partition key", nil) }

// NilProperties is raised when a forwarded DDL chain reaches the
// serialization step without a session to mark; this is a programming
// error, never a runtime condition a client can trigger.
func NilProperties() *DbError { return newErr(KindUser, "DDL session has no properties object", nil) }

// Convert collapses any error into a *DbError. A nil input returns nil.
// An error that is already a *DbError is returned unchanged so callers
// can chain Convert idempotently at every boundary.
func Convert(err error) error {
	if err == nil {
		return nil
	}
	var de *DbError
	if errors.As(err, &de) {
		return de
	}
	return newErr(KindOther, "unexpected error", err)
}
