// Package result implements the three Result composers a SELECT
// dispatch chooses among — Serialized, Sorted, Merged — as concrete
// implementations of one streaming Result iterator interface. Each
// composer operates purely on per-peer Result instances and row.Row
// values; it has no knowledge of the command channel or the router.
package result

import "github.com/distcore/router/row"

// Result is a lazily-drained row stream. Next returns (nil, nil) once
// the stream is exhausted.
type Result interface {
	Next() (*row.Row, error)
	ColumnCount() int32
	Close() error
}

// RowSource supplies rows to a Remote result; it is implemented by the
// command package's wire-backed cursor, and by tests as an in-memory
// slice.
type RowSource interface {
	Next() (*row.Row, error)
	Close() error
}

// Remote adapts a RowSource to Result, recording the column count
// reported at prepare/meta time since RowSource itself doesn't carry
// one.
type Remote struct {
	columnCount int32
	src         RowSource
	closed      bool
}

// NewRemote wraps src as a Result with the given column count.
func NewRemote(columnCount int32, src RowSource) *Remote {
	return &Remote{columnCount: columnCount, src: src}
}

func (r *Remote) Next() (*row.Row, error) {
	if r.closed {
		return nil, nil
	}
	return r.src.Next()
}

func (r *Remote) ColumnCount() int32 { return r.columnCount }

func (r *Remote) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.src.Close()
}

// SliceSource is an in-memory RowSource, used by local (in-process)
// query results and by tests standing in for a peer.
type SliceSource struct {
	rows []row.Row
	idx  int
}

// NewSliceSource wraps rows as a RowSource.
func NewSliceSource(rows []row.Row) *SliceSource { return &SliceSource{rows: rows} }

func (s *SliceSource) Next() (*row.Row, error) {
	if s.idx >= len(s.rows) {
		return nil, nil
	}
	r := s.rows[s.idx]
	s.idx++
	return &r, nil
}

func (s *SliceSource) Close() error { return nil }

// NewLocal builds a Result directly from an in-memory row slice —
// convenience used wherever a local statement's queryLocal result must
// be composed alongside remote Results.
func NewLocal(columnCount int32, rows []row.Row) Result {
	return NewRemote(columnCount, NewSliceSource(rows))
}
