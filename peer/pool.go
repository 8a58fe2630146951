// Package peer implements the session pool: interning and reuse of
// sessions keyed by (origin session, peer URL), and the dial path that
// establishes a new peer connection when the pool has no session to
// reuse.
package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/distcore/router/command"
	"github.com/distcore/router/internal/randsrc"
	"github.com/distcore/router/internal/wire"
	"github.com/distcore/router/metrics"
	"github.com/distcore/router/result"
	"github.com/distcore/router/session"
)

// Dialer opens a network connection to a peer URL. Grounded on
// go-hdb's driver/dial package: a narrow, mockable seam around
// net.Dialer so tests never touch a real socket.
type Dialer interface {
	DialContext(ctx context.Context, url string) (net.Conn, error)
}

// NetDialer is the production Dialer, a thin wrapper over net.Dialer
// with a fixed timeout and up to MaxRetries jittered-backoff retries on
// a connection-refused error. Grounded on go-hdb's driver/dial package:
// a narrow DialerOptions/Dialer contract the pool depends on instead of
// net.Dial directly, extended here with the retry spec.md's peer
// session pool needs but the teacher's single-host driver does not.
type NetDialer struct {
	Timeout time.Duration

	// MaxRetries is how many additional dial attempts follow an initial
	// connection-refused failure. Zero means no retry.
	MaxRetries int

	// BaseBackoff is the retry delay before jitter is added; it doubles
	// after each attempt. Zero defaults to 50ms.
	BaseBackoff time.Duration
}

func (d NetDialer) DialContext(ctx context.Context, url string) (net.Conn, error) {
	base := d.BaseBackoff
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	dialer := &net.Dialer{Timeout: d.Timeout}

	var lastErr error
	for attempt := 0; attempt <= d.MaxRetries; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !isConnRefused(err) || attempt == d.MaxRetries {
			break
		}

		delay := base << uint(attempt)
		jitter := time.Duration(randsrc.Cluster.Intn(int(delay) + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay + jitter):
		}
	}
	return nil, lastErr
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

type key struct {
	origin string
	url    string
}

type entry struct {
	sess *session.Session
	conn net.Conn
}

// Pool interns sessions keyed by (origin session id, peer URL) so that
// repeated dispatch to the same peer across statements reuses one
// connection instead of dialing anew each time.
type Pool struct {
	dialer  Dialer
	metrics *metrics.Collector

	mu      sync.Mutex
	entries map[key]entry
}

// Option configures optional Pool behavior, mirroring router.Option.
type Option func(*Pool)

// WithMetrics reports open-session-count changes to c's
// open-peer-sessions gauge as the pool dials and closes connections.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pool) { p.metrics = c }
}

// NewPool creates an empty Pool that dials peers via dialer.
func NewPool(dialer Dialer, opts ...Option) *Pool {
	p := &Pool{dialer: dialer, entries: make(map[key]entry)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Session returns the interned session.Session for (originID, url),
// dialing and performing the prolog handshake if none is cached yet or
// the cached one is closed.
func (p *Pool) Session(ctx context.Context, originID, url string) (*session.Session, error) {
	p.mu.Lock()
	k := key{origin: originID, url: url}
	if e, ok := p.entries[k]; ok && !e.sess.IsClosed() {
		p.mu.Unlock()
		return e.sess, nil
	}
	p.mu.Unlock()

	e, err := p.dial(ctx, url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.entries[k] = e
	p.mu.Unlock()
	return e.sess, nil
}

func (p *Pool) dial(ctx context.Context, url string) (entry, error) {
	conn, err := p.dialer.DialContext(ctx, url)
	if err != nil {
		return entry{}, fmt.Errorf("peer: dial %s: %w", url, err)
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	tr := wire.New(rw)
	if err := tr.WriteProlog(); err != nil {
		conn.Close()
		return entry{}, err
	}
	if err := tr.ReadProlog(); err != nil {
		conn.Close()
		return entry{}, err
	}
	if p.metrics != nil {
		p.metrics.IncOpenPeerSessions(1)
	}
	return entry{sess: session.New(url, tr, nil), conn: conn}, nil
}

// GetCommand returns a ClientCommand bound to the pooled session for
// (originID, url), prepared against sql. tx is installed on the pooled
// peer session before preparing, so the command dispatches the
// COMMAND_EXECUTE_DISTRIBUTED_* family and accumulates the peer's
// reported local transaction name onto tx when the origin session has
// an active, non-auto-commit distributed transaction. Grounded on the
// spec's "getCommand(origin, statement-or-sql, url, sql)": the router
// calls this once per remote target and gets back something ready to
// execute.
func (p *Pool) GetCommand(ctx context.Context, originID, url, sql string, tx *session.Transaction, fetchSize, serverCachedObjects int64, readParams bool) (*command.Command, error) {
	sess, err := p.Session(ctx, originID, url)
	if err != nil {
		return nil, err
	}
	sess.SetTransaction(tx)
	cmd := command.New(sess, sql, fetchSize, serverCachedObjects)
	if err := cmd.Prepare(ctx, readParams); err != nil {
		return nil, err
	}
	return cmd, nil
}

// GetSeedEndpointSession returns the pooled session used for DDL
// forwarding to seedURL.
func (p *Pool) GetSeedEndpointSession(ctx context.Context, originID, seedURL string) (*session.Session, error) {
	return p.Session(ctx, originID, seedURL)
}

// ExecuteUpdateOn prepares sql against (originID, url) and runs it to
// completion, closing the command afterward. Satisfies router.PeerClient.
func (p *Pool) ExecuteUpdateOn(ctx context.Context, originID, url, sql string, tx *session.Transaction, fetchSize, serverCachedObjects int64) (int64, error) {
	cmd, err := p.GetCommand(ctx, originID, url, sql, tx, fetchSize, serverCachedObjects, false)
	if err != nil {
		return 0, err
	}
	defer cmd.Close(ctx)
	return cmd.ExecuteUpdate(ctx)
}

// ExecuteQueryOn prepares sql against (originID, url) and runs it as a
// query, returning its Result. A determined result (the server reported
// an exact row count) is fully buffered, so the command — and its
// peer-side prepared handle — is closed immediately; a streamed result
// holds a cursor bound to this command's id and is left open for the
// Result's own Close to drain it. Satisfies router.PeerClient.
func (p *Pool) ExecuteQueryOn(ctx context.Context, originID, url, sql string, tx *session.Transaction, fetchSize, serverCachedObjects, maxRows int64, scrollable bool) (result.Result, error) {
	cmd, err := p.GetCommand(ctx, originID, url, sql, tx, fetchSize, serverCachedObjects, false)
	if err != nil {
		return nil, err
	}
	res, err := cmd.ExecuteQuery(ctx, maxRows, scrollable)
	if err != nil {
		cmd.Close(ctx)
		return nil, err
	}
	if cmd.Determined() {
		cmd.Close(ctx)
	}
	return res, nil
}

// Release returns a session to the pool; since Pool already interns
// live sessions, Release's only job is to make a caller-initiated close
// visible to future lookups by dropping the cache entry and closing the
// underlying connection.
func (p *Pool) Release(originID, url string, s *session.Session) {
	if !s.IsClosed() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key{origin: originID, url: url}
	if e, ok := p.entries[k]; ok {
		e.conn.Close()
		delete(p.entries, k)
		if p.metrics != nil {
			p.metrics.IncOpenPeerSessions(-1)
		}
	}
}

// Close closes every interned session and its underlying connection.
// Grounded on go-hdb's reference-counted conn.Close()/connTracker
// shutdown.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for k, e := range p.entries {
		if err := e.sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.conn.Close()
		delete(p.entries, k)
		if p.metrics != nil {
			p.metrics.IncOpenPeerSessions(-1)
		}
	}
	return firstErr
}
