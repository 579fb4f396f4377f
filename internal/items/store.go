package items

import (
	"fmt"
	"slices"
)

// Store holds the pending items of a batch in insertion order.
// It is not safe for concurrent use; the batch controller is its only writer.
type Store struct {
	items []InputItem
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Add appends every accepted source in order. Unsupported sources are dropped
// and only counted in rejected.
func (s *Store) Add(sources ...Source) (added []InputItem, rejected int) {
	for _, src := range sources {
		item, err := NewItem(src)
		if err != nil {
			rejected++
			continue
		}
		s.items = append(s.items, item)
		added = append(added, item)
	}
	return added, rejected
}

// Remove deletes the item with the given id.
func (s *Store) Remove(id string) error {
	idx := slices.IndexFunc(s.items, func(it InputItem) bool { return it.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.items = slices.Delete(s.items, idx, idx+1)
	return nil
}

// Clear removes all items.
func (s *Store) Clear() {
	s.items = nil
}

// List returns a copy of the items in insertion order.
func (s *Store) List() []InputItem {
	return append(make([]InputItem, 0, len(s.items)), s.items...)
}

// Len returns the number of items.
func (s *Store) Len() int {
	return len(s.items)
}

// TotalBytes returns the combined content size of all items.
func (s *Store) TotalBytes() int64 {
	var total int64
	for _, it := range s.items {
		total += it.Size
	}
	return total
}
