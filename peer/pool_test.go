package peer

import (
	"bufio"
	"context"
	"database/sql/driver"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distcore/router/internal/wire"
	"github.com/distcore/router/metrics"
	"github.com/distcore/router/session"
)

// Wire tags mirrored from command/tags.go (unexported there): this
// package only ever plays the client side of the protocol, so a fake
// server needs its own copy of the tag byte values to serve against.
const (
	tagSessionPrepare byte = iota
	tagSessionPrepareReadParams
	tagGetMetaData
	tagExecuteQuery
	tagExecuteDistributedQuery
	tagExecuteUpdate
	tagExecuteDistributedUpdate
	tagClose
)

// servingDialer hands out one end of a net.Pipe per DialContext call and
// serves the prolog handshake plus a scripted prepare/execute/close
// exchange on the other end, standing in for a real peer node.
type servingDialer struct {
	isQuery     bool
	updateCount int64
	rows        [][]driver.Value
}

func (d servingDialer) DialContext(ctx context.Context, url string) (net.Conn, error) {
	client, srv := net.Pipe()
	go d.serve(srv)
	return client, nil
}

func (d servingDialer) serve(conn net.Conn) {
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	tr := wire.New(rw)
	_ = tr.ReadProlog()
	_ = tr.WriteProlog()

	for {
		tagV, err := tr.ReadInt32()
		if err != nil {
			return
		}
		switch byte(tagV) {
		case tagSessionPrepare, tagSessionPrepareReadParams:
			if _, err := tr.ReadInt64(); err != nil {
				return
			}
			if _, err := tr.ReadCompressedString(); err != nil {
				return
			}
			_ = tr.Done()
			_ = tr.WriteBool(d.isQuery)
			_ = tr.WriteBool(false)
			_ = tr.WriteInt32(0)
			_ = tr.Done()
		case tagExecuteQuery, tagExecuteDistributedQuery:
			_, _ = tr.ReadInt64()
			_, _ = tr.ReadInt64()
			_, _ = tr.ReadInt64()
			_, _ = tr.ReadInt64()
			n, _ := tr.ReadInt32()
			for i := int32(0); i < n; i++ {
				_, _ = tr.ReadValue()
			}
			_ = tr.Done()
			if byte(tagV) == tagExecuteDistributedQuery {
				_ = tr.WriteString("tx-1")
			}
			cols := 0
			if len(d.rows) > 0 {
				cols = len(d.rows[0])
			}
			_ = tr.WriteInt32(int32(cols))
			_ = tr.WriteInt32(int32(len(d.rows)))
			for _, r := range d.rows {
				for _, v := range r {
					_ = tr.WriteValue(v)
				}
			}
			_ = tr.Done()
		case tagExecuteUpdate, tagExecuteDistributedUpdate:
			_, _ = tr.ReadInt64()
			n, _ := tr.ReadInt32()
			for i := int32(0); i < n; i++ {
				_, _ = tr.ReadValue()
			}
			_ = tr.Done()
			if byte(tagV) == tagExecuteDistributedUpdate {
				_ = tr.WriteString("tx-1")
			}
			_ = tr.WriteInt64(d.updateCount)
			_ = tr.WriteBool(false)
			_ = tr.Done()
		case tagClose:
			_, _ = tr.ReadInt64()
			_ = tr.Done()
		default:
			return
		}
	}
}

// pipeDialer hands out one end of a net.Pipe per DialContext call,
// serving the prolog handshake on the other end so the pool's dial
// path has something to talk to.
type pipeDialer struct {
	t *testing.T
}

func (d pipeDialer) DialContext(ctx context.Context, url string) (net.Conn, error) {
	client, srv := net.Pipe()
	go func() {
		rw := bufio.NewReadWriter(bufio.NewReader(srv), bufio.NewWriter(srv))
		tr := wire.New(rw)
		_ = tr.ReadProlog()
		_ = tr.WriteProlog()
	}()
	return client, nil
}

func TestPoolInternsSessionPerOriginAndURL(t *testing.T) {
	p := NewPool(pipeDialer{t: t})
	ctx := context.Background()

	s1, err := p.Session(ctx, "origin-A", "peer-1:9000")
	require.NoError(t, err)
	s2, err := p.Session(ctx, "origin-A", "peer-1:9000")
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	s3, err := p.Session(ctx, "origin-B", "peer-1:9000")
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)

	require.NoError(t, p.Close())
}

func TestExecuteUpdateOnRunsToCompletionAndCloses(t *testing.T) {
	p := NewPool(servingDialer{updateCount: 7})
	ctx := context.Background()

	n, err := p.ExecuteUpdateOn(ctx, "origin-A", "peer-1:9000", "update t set v=1", nil, 10, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)

	require.NoError(t, p.Close())
}

func TestExecuteQueryOnReturnsResult(t *testing.T) {
	p := NewPool(servingDialer{isQuery: true, rows: [][]driver.Value{{int64(1)}, {int64(2)}}})
	ctx := context.Background()

	res, err := p.ExecuteQueryOn(ctx, "origin-A", "peer-1:9000", "select v from t", nil, 10, 100, 100, false)
	require.NoError(t, err)

	var got []int64
	for {
		r, err := res.Next()
		require.NoError(t, err)
		if r == nil {
			break
		}
		got = append(got, r.Columns[0].(int64))
	}
	assert.Equal(t, []int64{1, 2}, got)

	require.NoError(t, p.Close())
}

func TestExecuteUpdateOnPropagatesTransactionToDistributedDispatch(t *testing.T) {
	p := NewPool(servingDialer{updateCount: 1})
	ctx := context.Background()
	tx := &session.Transaction{}

	n, err := p.ExecuteUpdateOn(ctx, "origin-A", "peer-1:9000", "update t set v=1", tx, 10, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, []string{"tx-1"}, tx.LocalTransactionNames())

	require.NoError(t, p.Close())
}

func TestNetDialerRetriesOnConnectionRefusedThenGivesUp(t *testing.T) {
	// Nothing listens on this port; every attempt refuses the
	// connection, so the dialer must exhaust its retries and return an
	// error rather than hang or panic.
	d := NetDialer{Timeout: time.Second, MaxRetries: 1, BaseBackoff: time.Millisecond}
	_, err := d.DialContext(context.Background(), "127.0.0.1:1")
	require.Error(t, err)
}

func TestNetDialerRespectsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NetDialer{Timeout: time.Second, MaxRetries: 3, BaseBackoff: time.Hour}
	_, err := d.DialContext(ctx, "127.0.0.1:1")
	require.Error(t, err)
}

func TestPoolReportsOpenSessionGauge(t *testing.T) {
	collector := metrics.NewCollector()
	defer collector.Close()

	p := NewPool(pipeDialer{t: t}, WithMetrics(collector))
	ctx := context.Background()

	_, err := p.Session(ctx, "origin-A", "peer-1:9000")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return collector.Stats().OpenPeerSessions == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Close())

	require.Eventually(t, func() bool {
		return collector.Stats().OpenPeerSessions == 0
	}, time.Second, time.Millisecond)
}

func TestPoolRedialsAfterClose(t *testing.T) {
	p := NewPool(pipeDialer{t: t})
	ctx := context.Background()

	s1, err := p.Session(ctx, "origin-A", "peer-1:9000")
	require.NoError(t, err)
	require.NoError(t, s1.Close())
	p.Release("origin-A", "peer-1:9000", s1)

	s2, err := p.Session(ctx, "origin-A", "peer-1:9000")
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)

	require.NoError(t, p.Close())
}
