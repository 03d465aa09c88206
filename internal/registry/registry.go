// Package registry provides the keyed, insertion-ordered collection shared by
// the session, device, user and whitelist tables, plus their common errors.
package registry

import "errors"

var (
	// ErrFull is returned when a bounded table is at capacity.
	ErrFull = errors.New("registry: table full")

	// ErrConflict is returned when inserting a key that already exists.
	ErrConflict = errors.New("registry: key already exists")

	// ErrNotFound is returned when a key is not present.
	ErrNotFound = errors.New("registry: key not found")

	// ErrInvalid is returned for malformed keys or values.
	ErrInvalid = errors.New("registry: invalid argument")
)

// Ordered is a collection of records keyed by a unique field that iterates in
// insertion order. It is not safe for concurrent use; owners guard it.
type Ordered[K comparable, V any] struct {
	keys  []K
	index map[K]int
	items map[K]V
	limit int
}

// NewOrdered returns an empty collection. A limit <= 0 means unbounded.
func NewOrdered[K comparable, V any](limit int) *Ordered[K, V] {
	return &Ordered[K, V]{
		index: make(map[K]int),
		items: make(map[K]V),
		limit: limit,
	}
}

// Len returns the number of records.
func (o *Ordered[K, V]) Len() int {
	return len(o.keys)
}

// Limit returns the configured capacity, 0 when unbounded.
func (o *Ordered[K, V]) Limit() int {
	if o.limit < 0 {
		return 0
	}
	return o.limit
}

// Full reports whether another insert would exceed the capacity.
func (o *Ordered[K, V]) Full() bool {
	return o.limit > 0 && len(o.keys) >= o.limit
}

// Get returns the record stored under key.
func (o *Ordered[K, V]) Get(key K) (V, bool) {
	v, ok := o.items[key]
	return v, ok
}

// Has reports whether key is present.
func (o *Ordered[K, V]) Has(key K) bool {
	_, ok := o.items[key]
	return ok
}

// Insert appends a new record. It fails with ErrConflict if the key exists
// and ErrFull if the collection is at capacity.
func (o *Ordered[K, V]) Insert(key K, value V) error {
	if o.Has(key) {
		return ErrConflict
	}
	if o.Full() {
		return ErrFull
	}
	o.index[key] = len(o.keys)
	o.keys = append(o.keys, key)
	o.items[key] = value
	return nil
}

// Set replaces the record for an existing key, keeping its position, or
// appends it when absent. Capacity is enforced only for appends.
func (o *Ordered[K, V]) Set(key K, value V) error {
	if o.Has(key) {
		o.items[key] = value
		return nil
	}
	return o.Insert(key, value)
}

// Delete removes key and shifts later records down, preserving order.
func (o *Ordered[K, V]) Delete(key K) bool {
	i, ok := o.index[key]
	if !ok {
		return false
	}
	copy(o.keys[i:], o.keys[i+1:])
	o.keys = o.keys[:len(o.keys)-1]
	for j := i; j < len(o.keys); j++ {
		o.index[o.keys[j]] = j
	}
	delete(o.index, key)
	delete(o.items, key)
	return true
}

// SwapDelete removes key by moving the last record into its slot. It is O(1)
// but does not preserve order.
func (o *Ordered[K, V]) SwapDelete(key K) bool {
	i, ok := o.index[key]
	if !ok {
		return false
	}
	last := len(o.keys) - 1
	if i != last {
		moved := o.keys[last]
		o.keys[i] = moved
		o.index[moved] = i
	}
	o.keys = o.keys[:last]
	delete(o.index, key)
	delete(o.items, key)
	return true
}

// Clear removes every record.
func (o *Ordered[K, V]) Clear() {
	o.keys = nil
	o.index = make(map[K]int)
	o.items = make(map[K]V)
}

// Keys returns a copy of the keys in iteration order.
func (o *Ordered[K, V]) Keys() []K {
	out := make([]K, len(o.keys))
	copy(out, o.keys)
	return out
}

// Values returns a copy of the records in iteration order.
func (o *Ordered[K, V]) Values() []V {
	out := make([]V, 0, len(o.keys))
	for _, k := range o.keys {
		out = append(out, o.items[k])
	}
	return out
}

// Each calls fn for every record in order until fn returns false.
func (o *Ordered[K, V]) Each(fn func(key K, value V) bool) {
	for _, k := range o.keys {
		if !fn(k, o.items[k]) {
			return
		}
	}
}

// Update applies fn to the record stored under key and stores the result.
func (o *Ordered[K, V]) Update(key K, fn func(V) V) bool {
	v, ok := o.items[key]
	if !ok {
		return false
	}
	o.items[key] = fn(v)
	return true
}

// Find returns the first record, in order, for which match returns true.
func (o *Ordered[K, V]) Find(match func(V) bool) (V, bool) {
	for _, k := range o.keys {
		if v := o.items[k]; match(v) {
			return v, true
		}
	}
	var zero V
	return zero, false
}
