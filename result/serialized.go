package result

import "github.com/distcore/router/row"

// Serialized exposes the logical union of N per-peer row streams
// lazily, draining them in list order. It is used whenever a SELECT has
// no GROUP BY and no ORDER BY: peer order is already a valid result
// order, so nothing needs to be buffered.
type Serialized struct {
	results []Result
	idx     int
	limit   int64 // < 0 means unbounded
	emitted int64
	closed  bool
}

// NewSerialized composes results in order, capping the total rows
// emitted at limit (negative for unbounded).
func NewSerialized(results []Result, limit int64) *Serialized {
	return &Serialized{results: results, limit: limit}
}

func (s *Serialized) Next() (*row.Row, error) {
	if s.closed {
		return nil, nil
	}
	if s.limit >= 0 && s.emitted >= s.limit {
		return nil, nil
	}
	for s.idx < len(s.results) {
		r, err := s.results[s.idx].Next()
		if err != nil {
			return nil, err
		}
		if r == nil {
			s.idx++
			continue
		}
		s.emitted++
		return r, nil
	}
	return nil, nil
}

func (s *Serialized) ColumnCount() int32 {
	if len(s.results) == 0 {
		return 0
	}
	return s.results[0].ColumnCount()
}

func (s *Serialized) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for _, r := range s.results {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
