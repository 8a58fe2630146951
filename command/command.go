// Package command implements ClientCommand, the per-statement state
// machine a client runs over a session.Session's Transfer: prepare,
// execute query/update, fetch metadata, close, cancel. Every operation
// but Cancel is performed under the session lock; Cancel is
// deliberately out-of-band so it can interrupt an in-flight execute.
package command

import (
	"context"
	"database/sql/driver"

	"github.com/distcore/router/internal/dberr"
	"github.com/distcore/router/internal/wire"
	"github.com/distcore/router/param"
	"github.com/distcore/router/result"
	"github.com/distcore/router/row"
	"github.com/distcore/router/session"
)

// Unbounded marks a scrollable query's fetch size as unlimited.
const Unbounded int64 = -1

// Command is a ClientCommand: the client-side handle to a prepared
// statement on a peer (or on the same node through a loopback
// Transfer — the command channel does not distinguish the two).
type Command struct {
	sess *session.Session
	sql  string

	fetchSize           int64
	serverCachedObjects int64

	id           int64
	isQuery      bool
	createdEpoch int64
	params       []*param.Parameter
	determined   bool

	closed bool
}

// New creates a Command bound to sess, not yet prepared.
func New(sess *session.Session, sql string, fetchSize int64, serverCachedObjects int64) *Command {
	return &Command{
		sess:                sess,
		sql:                 sql,
		fetchSize:           fetchSize,
		serverCachedObjects: serverCachedObjects,
		id:                  sentinelID,
	}
}

// ID returns the server-assigned prepared-statement handle.
func (c *Command) ID() int64 { return c.id }

// IsQuery reports whether the prepared statement is a query (set once,
// from the server's first prepare response).
func (c *Command) IsQuery() bool { return c.isQuery }

// Parameters returns the command's bound parameter slots.
func (c *Command) Parameters() []*param.Parameter { return c.params }

// Determined reports whether the most recent ExecuteQuery returned a
// fully buffered Result (the server reported an exact row count) rather
// than a cursor backed by this command's prepared handle. A caller that
// owns the command outright (rather than handing it to the caller along
// with the Result) can safely close a determined command immediately
// after execution; closing a non-determined one would invalidate the
// cursor's in-flight fetches.
func (c *Command) Determined() bool { return c.determined }

// Prepare sends SESSION_PREPARE (or SESSION_PREPARE_READ_PARAMS when
// readParams is true) and populates isQuery/id/parameters from the
// response.
func (c *Command) Prepare(ctx context.Context, readParams bool) error {
	c.sess.Lock()
	defer c.sess.Unlock()
	return c.prepareLocked(readParams)
}

func (c *Command) prepareLocked(readParams bool) error {
	if c.sess.IsClosed() {
		return dberr.ProtocolError("command: session is closed")
	}
	tr := c.sess.Transfer()
	id := c.sess.NextID()

	tag := byte(tagSessionPrepare)
	if readParams {
		tag = tagSessionPrepareReadParams
	}
	if err := tr.WriteInt32(int32(tag)); err != nil {
		return c.sess.HandleException(err)
	}
	if err := tr.WriteInt64(id); err != nil {
		return c.sess.HandleException(err)
	}
	if err := tr.WriteCompressedString(c.sql); err != nil {
		return c.sess.HandleException(err)
	}
	if err := tr.Done(); err != nil {
		return c.sess.HandleException(err)
	}

	isQuery, err := tr.ReadBool()
	if err != nil {
		return c.sess.HandleException(err)
	}
	if _, err := tr.ReadBool(); err != nil { // reserved
		return c.sess.HandleException(err)
	}
	paramCount, err := tr.ReadInt32()
	if err != nil {
		return c.sess.HandleException(err)
	}

	if readParams {
		params := make([]*param.Parameter, 0, paramCount)
		for i := int32(0); i < paramCount; i++ {
			meta, err := readParamMeta(tr)
			if err != nil {
				return c.sess.HandleException(err)
			}
			params = append(params, param.New(int(i)+1, meta))
		}
		c.params = params
	}

	c.id = id
	c.isQuery = isQuery
	c.createdEpoch = c.sess.LastReconnect()
	return nil
}

func readParamMeta(tr *wire.Transfer) (param.Meta, error) {
	dataType, err := tr.ReadInt32()
	if err != nil {
		return param.Meta{}, err
	}
	precision, err := tr.ReadInt64()
	if err != nil {
		return param.Meta{}, err
	}
	scale, err := tr.ReadInt32()
	if err != nil {
		return param.Meta{}, err
	}
	nullable, err := tr.ReadBool()
	if err != nil {
		return param.Meta{}, err
	}
	return param.Meta{
		DataType:  param.DataType(dataType),
		Precision: precision,
		Scale:     int(scale),
		Nullable:  nullable,
	}, nil
}

// prepareIfRequiredLocked is the pre-flight check every execute/meta
// operation runs first. It forces a re-prepare when the session has
// reconnected since this command's last prepare, or when the server's
// LRU eviction window has moved past this command's id.
func (c *Command) prepareIfRequiredLocked() error {
	if c.sess.IsClosed() {
		return dberr.ProtocolError("command: session is closed")
	}
	if c.sess.LastReconnect() != c.createdEpoch {
		c.id = sentinelID
	}
	if c.id <= c.sess.CurrentID()-c.serverCachedObjects {
		return c.prepareLocked(false)
	}
	return nil
}

func (c *Command) checkParameters() error {
	for _, p := range c.params {
		if err := p.CheckSet(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Command) writeParameters(tr *wire.Transfer) error {
	if err := tr.WriteInt32(int32(len(c.params))); err != nil {
		return err
	}
	for _, p := range c.params {
		v, _ := p.Value()
		if err := tr.WriteValue(v); err != nil {
			return err
		}
	}
	return nil
}

// distributed reports whether this command should use the
// COMMAND_EXECUTE_DISTRIBUTED_* message family: the session holds an
// active, non-auto-commit distributed transaction.
func (c *Command) distributed() bool {
	tx := c.sess.Transaction()
	return tx != nil && !tx.IsAutoCommit
}

// GetMetaData is valid only for a prepared query; it allocates a fresh
// server object id and returns a Result bound to the column shape with
// an unbounded fetch. The returned Result carries no rows — GetMetaData
// describes shape, not content.
func (c *Command) GetMetaData(ctx context.Context) (result.Result, error) {
	c.sess.Lock()
	defer c.sess.Unlock()

	if !c.isQuery {
		return nil, dberr.ProtocolError("command: GetMetaData called on a non-query command")
	}
	if err := c.prepareIfRequiredLocked(); err != nil {
		return nil, err
	}

	tr := c.sess.Transfer()
	objectID := c.sess.NextID()
	if err := tr.WriteInt32(int32(tagGetMetaData)); err != nil {
		return nil, c.sess.HandleException(err)
	}
	if err := tr.WriteInt64(c.id); err != nil {
		return nil, c.sess.HandleException(err)
	}
	if err := tr.WriteInt64(objectID); err != nil {
		return nil, c.sess.HandleException(err)
	}
	if err := tr.Done(); err != nil {
		return nil, c.sess.HandleException(err)
	}

	columnCount, err := tr.ReadInt32()
	if err != nil {
		return nil, c.sess.HandleException(err)
	}
	if _, err := tr.ReadInt32(); err != nil { // rowCount, unused for metadata
		return nil, c.sess.HandleException(err)
	}

	return result.NewRemote(columnCount, result.NewSliceSource(nil)), nil
}

// ExecuteQuery sends COMMAND_EXECUTE_QUERY (or the distributed variant)
// and returns the composed Result: a determined in-memory Result when
// the server reports an exact row count, else a cursor-backed streaming
// Result paginated at fetchSize (or unbounded, when scrollable).
func (c *Command) ExecuteQuery(ctx context.Context, maxRows int64, scrollable bool) (result.Result, error) {
	c.sess.Lock()
	defer c.sess.Unlock()

	if err := c.checkParameters(); err != nil {
		return nil, err
	}
	if err := c.prepareIfRequiredLocked(); err != nil {
		return nil, err
	}

	tr := c.sess.Transfer()
	objectID := c.sess.NextID()
	distributed := c.distributed()

	tag := tagExecuteQuery
	if distributed {
		tag = tagExecuteDistributedQuery
	}
	if err := tr.WriteInt32(int32(tag)); err != nil {
		return nil, c.sess.HandleException(err)
	}
	if err := tr.WriteInt64(c.id); err != nil {
		return nil, c.sess.HandleException(err)
	}
	if err := tr.WriteInt64(objectID); err != nil {
		return nil, c.sess.HandleException(err)
	}
	if err := tr.WriteInt64(maxRows); err != nil {
		return nil, c.sess.HandleException(err)
	}
	fetch := c.fetchSize
	if scrollable {
		fetch = Unbounded
	}
	if err := tr.WriteInt64(fetch); err != nil {
		return nil, c.sess.HandleException(err)
	}
	if err := c.writeParameters(tr); err != nil {
		return nil, c.sess.HandleException(err)
	}
	if err := tr.Done(); err != nil {
		return nil, c.sess.HandleException(err)
	}

	if distributed {
		name, err := tr.ReadString()
		if err != nil {
			return nil, c.sess.HandleException(err)
		}
		if tx := c.sess.Transaction(); tx != nil {
			tx.AppendLocalTransactionName(name)
		}
	}

	columnCount, err := tr.ReadInt32()
	if err != nil {
		return nil, c.sess.HandleException(err)
	}
	rowCount, err := tr.ReadInt32()
	if err != nil {
		return nil, c.sess.HandleException(err)
	}

	var res result.Result
	c.determined = rowCount >= 0
	if c.determined {
		rows, err := readRows(tr, int(rowCount), int(columnCount))
		if err != nil {
			return nil, c.sess.HandleException(err)
		}
		res = result.NewLocal(columnCount, rows)
	} else {
		cur := newCursor(c.sess, c.id, objectID, columnCount, fetch)
		res = result.NewRemote(columnCount, cur)
	}

	c.sess.ReadSessionState()
	return res, nil
}

// ExecuteUpdate sends COMMAND_EXECUTE_UPDATE (or the distributed
// variant) and returns the server-reported update count.
func (c *Command) ExecuteUpdate(ctx context.Context) (int64, error) {
	c.sess.Lock()
	defer c.sess.Unlock()

	if err := c.checkParameters(); err != nil {
		return 0, err
	}
	if err := c.prepareIfRequiredLocked(); err != nil {
		return 0, err
	}

	tr := c.sess.Transfer()
	distributed := c.distributed()

	tag := tagExecuteUpdate
	if distributed {
		tag = tagExecuteDistributedUpdate
	}
	if err := tr.WriteInt32(int32(tag)); err != nil {
		return 0, c.sess.HandleException(err)
	}
	if err := tr.WriteInt64(c.id); err != nil {
		return 0, c.sess.HandleException(err)
	}
	if err := c.writeParameters(tr); err != nil {
		return 0, c.sess.HandleException(err)
	}
	if err := tr.Done(); err != nil {
		return 0, c.sess.HandleException(err)
	}

	if distributed {
		name, err := tr.ReadString()
		if err != nil {
			return 0, c.sess.HandleException(err)
		}
		if tx := c.sess.Transaction(); tx != nil {
			tx.AppendLocalTransactionName(name)
		}
	}

	updateCount, err := tr.ReadInt64()
	if err != nil {
		return 0, c.sess.HandleException(err)
	}
	if _, err := tr.ReadBool(); err != nil { // reserved
		return 0, c.sess.HandleException(err)
	}

	c.sess.ReadSessionState()
	return updateCount, nil
}

// Close is a no-op if the session is absent or already closed;
// otherwise it best-effort sends COMMAND_CLOSE, swallowing transport
// errors, and releases the command's bound parameters. Close is
// idempotent.
func (c *Command) Close(ctx context.Context) error {
	c.sess.Lock()
	defer c.sess.Unlock()

	if c.closed || c.sess.IsClosed() {
		c.closed = true
		return nil
	}

	tr := c.sess.Transfer()
	if err := tr.WriteInt32(int32(tagClose)); err == nil {
		if err := tr.WriteInt64(c.id); err == nil {
			_ = tr.Done() // best-effort: transport errors here are ignored, not raised
		}
	}

	for _, p := range c.params {
		if v, ok := p.Value(); ok {
			_ = p.SetValue(v, true)
		}
	}
	c.params = nil
	c.closed = true
	return nil
}

// Cancel signals the server to abort this command by id. Unlike every
// other operation, Cancel does not take the session lock: it must be
// able to interrupt a command blocked inside one.
func (c *Command) Cancel() error {
	return c.sess.CancelStatement(c.id)
}

func readRows(tr *wire.Transfer, n, columnCount int) ([]row.Row, error) {
	out := make([]row.Row, 0, n)
	for i := 0; i < n; i++ {
		cols := make([]driver.Value, columnCount)
		for j := 0; j < columnCount; j++ {
			v, err := tr.ReadValue()
			if err != nil {
				return nil, err
			}
			cols[j] = v
		}
		out = append(out, row.Row{Columns: cols})
	}
	return out, nil
}
