// Package session implements the per-connection session handle shared
// by the router (as the "local session" holding a parsed Statement) and
// the command channel (as the handle backing a ClientCommand's prepared
// statement on a peer). A Session owns the monotonically increasing
// prepared-statement id counter, the reconnect epoch that forces
// re-preparation, and — when talking to a peer — the Transfer those
// operations are serialized over.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/distcore/router/internal/dberr"
	"github.com/distcore/router/internal/wire"
)

// Transaction tracks the distributed-transaction bookkeeping a Session
// accumulates as peers report their own local transaction names.
type Transaction struct {
	IsAutoCommit bool

	mu    sync.Mutex
	names []string
}

// AppendLocalTransactionName records a peer-reported local transaction
// name.
func (t *Transaction) AppendLocalTransactionName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = append(t.names, name)
}

// LocalTransactionNames returns a snapshot of the recorded names.
func (t *Transaction) LocalTransactionNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.names...)
}

// CancelFunc signals the peer to abort an in-flight command by id. It
// is invoked out-of-band, without the session lock held, so it can
// interrupt a command blocked inside Lock/Unlock.
type CancelFunc func(id int64) error

// Session is a handle to a local transactional context, or — when
// Transfer is non-nil — the client-side handle to a peer connection.
type Session struct {
	id string

	mu       sync.Mutex // serializes all Transfer use; see package doc
	transfer *wire.Transfer
	closed   atomic.Bool

	nextID        atomic.Int64
	currentID     atomic.Int64
	lastReconnect atomic.Int64

	txMu sync.Mutex
	tx   *Transaction

	ddlMu         sync.Mutex
	ddlSerialized bool

	cancel CancelFunc

	syncCount atomic.Int64
}

// New creates a Session. transfer is nil for a pure local session (no
// peer behind it); cancel may be nil if out-of-band cancellation is not
// supported by the caller.
func New(id string, transfer *wire.Transfer, cancel CancelFunc) *Session {
	return &Session{id: id, transfer: transfer, cancel: cancel}
}

// ID returns the session's identifier (an opaque string; pooled peer
// sessions use the peer URL).
func (s *Session) ID() string { return s.id }

// Transfer returns the underlying wire Transfer, or nil for a pure
// local session that never leaves the process.
func (s *Session) Transfer() *wire.Transfer { return s.transfer }

// Lock acquires the session lock. Every Transfer-using operation (and
// every read-modify-write of NextID/LastReconnect) must be performed
// between Lock and Unlock; Cancel is the deliberate exception.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// NextID assigns and returns the next prepared-statement id. Callers
// must hold the session lock.
func (s *Session) NextID() int64 {
	id := s.nextID.Add(1)
	s.currentID.Store(id)
	return id
}

// CurrentID returns the most recently assigned prepared-statement id.
func (s *Session) CurrentID() int64 { return s.currentID.Load() }

// LastReconnect returns the current reconnect epoch.
func (s *Session) LastReconnect() int64 { return s.lastReconnect.Load() }

// BumpReconnect advances the reconnect epoch, forcing every
// ClientCommand whose createdEpoch predates it to re-prepare before its
// next operation.
func (s *Session) BumpReconnect() int64 { return s.lastReconnect.Add(1) }

// Transaction returns the session's distributed transaction, or nil if
// none is active.
func (s *Session) Transaction() *Transaction {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.tx
}

// SetTransaction installs the session's distributed transaction.
func (s *Session) SetTransaction(tx *Transaction) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.tx = tx
}

// MarkDDLSerialized flags this session as already inside a DDL chain
// and reports whether it was already marked. It replaces the source
// system's name-based TOKEN property sentinel with an explicit flag.
// The router's seed-side DDL run marks the dispatching session for the
// duration of its fan-out, and a seed-side DDL run on an already-marked
// session skips taking the router-wide lock. Forwarding DDL to a peer
// does not mark the peer's session: the flag is local to this process
// and is not sent over the wire.
func (s *Session) MarkDDLSerialized() (wasAlreadyMarked bool) {
	s.ddlMu.Lock()
	defer s.ddlMu.Unlock()
	wasAlreadyMarked = s.ddlSerialized
	s.ddlSerialized = true
	return wasAlreadyMarked
}

// ClearDDLSerialized removes the forwarded-DDL-chain flag.
func (s *Session) ClearDDLSerialized() {
	s.ddlMu.Lock()
	defer s.ddlMu.Unlock()
	s.ddlSerialized = false
}

// IsDDLSerialized reports whether this session is already inside a
// forwarded DDL chain.
func (s *Session) IsDDLSerialized() bool {
	s.ddlMu.Lock()
	defer s.ddlMu.Unlock()
	return s.ddlSerialized
}

// CancelStatement asks the peer to abort the command identified by id.
// It is deliberately called without the session lock held.
func (s *Session) CancelStatement(id int64) error {
	if s.cancel == nil {
		return nil
	}
	return s.cancel(id)
}

// HandleException implements the reconnect policy for transport
// failures: it bumps the reconnect epoch (forcing re-preparation of
// every outstanding ClientCommand on this session) and returns the
// error, converted, for the caller to propagate. Non-transport errors
// are returned unchanged without affecting the reconnect epoch — only
// transport errors enter reconnect handling.
func (s *Session) HandleException(err error) error {
	if err == nil {
		return nil
	}
	converted := dberr.Convert(err)
	if de, ok := converted.(*dberr.DbError); ok && de.Kind == dberr.KindTransport {
		s.BumpReconnect()
	}
	return converted
}

// ReadSessionState is the post-execute session-variable sync hook every
// ClientCommand execute triggers. The wire protocol table this project
// implements does not carry a session-variable payload (that is a
// server-side concern this distilled spec does not detail), so this is
// a counted hook point rather than an actual variable exchange — tests
// assert it fires exactly once per execute via SyncCount.
func (s *Session) ReadSessionState() { s.syncCount.Add(1) }

// SyncCount returns how many times ReadSessionState has fired.
func (s *Session) SyncCount() int64 { return s.syncCount.Load() }

// IsClosed reports whether Close has been called. It reads an atomic
// flag rather than taking the session lock, so command.go's
// prepareLocked/prepareIfRequiredLocked/Close can call it while already
// holding that lock without self-deadlocking.
func (s *Session) IsClosed() bool { return s.closed.Load() }

// Close marks the session closed. It does not touch the Transfer or
// close the connection behind it; the peer pool closes connections it
// dialed. Close is idempotent.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}
