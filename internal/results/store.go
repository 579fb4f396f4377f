package results

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no result has the given id.
var ErrNotFound = errors.New("result not found")

// Store holds the results of the current batch keyed by result id.
// Its contents are replaced wholesale by each run; it has no locking of its own.
type Store struct {
	order []string
	byID  map[string]CompressedResult
	stats BatchStats
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byID: make(map[string]CompressedResult)}
}

// ReplaceAll discards the current contents and stores batch. A repeated id
// keeps its last entry and the stats are derived from the entries kept.
func (s *Store) ReplaceAll(batch *Batch) {
	s.Clear()
	if batch == nil {
		return
	}
	for _, r := range batch.Results {
		if _, dup := s.byID[r.ID]; !dup {
			s.order = append(s.order, r.ID)
		}
		s.byID[r.ID] = r
	}
	if len(s.order) == len(batch.Results) {
		s.stats = batch.Stats
		return
	}
	s.stats = NewBatch(s.ListAll()).Stats
}

// Get returns the result with the given id.
func (s *Store) Get(id string) (CompressedResult, error) {
	r, ok := s.byID[id]
	if !ok {
		return CompressedResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// ListAll returns the results in the order the service reported them.
func (s *Store) ListAll() []CompressedResult {
	out := make([]CompressedResult, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Stats returns the aggregate stats of the stored batch.
func (s *Store) Stats() BatchStats {
	return s.stats
}

// Len returns the number of stored results.
func (s *Store) Len() int {
	return len(s.order)
}

// Clear removes all results and zeroes the stats.
func (s *Store) Clear() {
	s.order = nil
	s.byID = make(map[string]CompressedResult)
	s.stats = BatchStats{}
}
