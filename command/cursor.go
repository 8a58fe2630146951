package command

import (
	"github.com/distcore/router/result"
	"github.com/distcore/router/row"
	"github.com/distcore/router/session"
)

// cursor is the result.RowSource backing an undetermined (streamed)
// query result: it pages rows from the peer in batches of fetchSize via
// tagFetchBatch, keyed by the same (id, objectId) pair the query was
// executed against.
type cursor struct {
	sess      *session.Session
	id        int64
	objectID  int64
	fetchSize int64

	buf     []row.Row
	bufIdx  int
	hasMore bool
	started bool
	closed  bool
}

func newCursor(sess *session.Session, id, objectID int64, columnCount int32, fetchSize int64) *cursor {
	return &cursor{sess: sess, id: id, objectID: objectID, fetchSize: fetchSize, hasMore: true}
}

var _ result.RowSource = (*cursor)(nil)

func (c *cursor) Next() (*row.Row, error) {
	if c.closed {
		return nil, nil
	}
	for c.bufIdx >= len(c.buf) {
		if !c.started {
			c.started = true
		} else if !c.hasMore {
			return nil, nil
		}
		if err := c.fetchBatch(); err != nil {
			return nil, err
		}
	}
	r := c.buf[c.bufIdx]
	c.bufIdx++
	return &r, nil
}

func (c *cursor) fetchBatch() error {
	c.sess.Lock()
	defer c.sess.Unlock()

	tr := c.sess.Transfer()
	batch := c.fetchSize
	if batch == Unbounded {
		batch = 1 << 20
	}

	if err := tr.WriteInt32(int32(tagFetchBatch)); err != nil {
		return c.sess.HandleException(err)
	}
	if err := tr.WriteInt64(c.id); err != nil {
		return c.sess.HandleException(err)
	}
	if err := tr.WriteInt64(c.objectID); err != nil {
		return c.sess.HandleException(err)
	}
	if err := tr.WriteInt64(batch); err != nil {
		return c.sess.HandleException(err)
	}
	if err := tr.Done(); err != nil {
		return c.sess.HandleException(err)
	}

	hasMore, err := tr.ReadBool()
	if err != nil {
		return c.sess.HandleException(err)
	}
	n, err := tr.ReadInt32()
	if err != nil {
		return c.sess.HandleException(err)
	}
	colCount, err := tr.ReadInt32()
	if err != nil {
		return c.sess.HandleException(err)
	}

	rows, err := readRows(tr, int(n), int(colCount))
	if err != nil {
		return c.sess.HandleException(err)
	}

	c.buf = rows
	c.bufIdx = 0
	c.hasMore = hasMore
	return nil
}

func (c *cursor) Close() error {
	c.closed = true
	return nil
}
