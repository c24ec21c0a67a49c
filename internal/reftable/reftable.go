// Package reftable maps engine object pointers to values with a reference
// count. Pointers are 1-based slot indexes and freed slots are reused.
package reftable

// Table is not safe for concurrent use; engines guard it with their global
// lock.
type Table[V any] struct {
	entries []entry[V]
	free    []int
	live    int
}

type entry[V any] struct {
	v     V
	count int
}

// Add stores v with a count of one and returns its pointer.
func (t *Table[V]) Add(v V) uintptr {
	t.live++
	if n := len(t.free); n > 0 {
		i := t.free[n-1]
		t.free = t.free[:n-1]
		t.entries[i] = entry[V]{v: v, count: 1}
		return uintptr(i + 1)
	}
	t.entries = append(t.entries, entry[V]{v: v, count: 1})
	return uintptr(len(t.entries))
}

func (t *Table[V]) Get(p uintptr) (V, bool) {
	i, ok := t.index(p)
	if !ok {
		var zero V
		return zero, false
	}
	return t.entries[i].v, true
}

// Incref reports false when p is not live.
func (t *Table[V]) Incref(p uintptr) bool {
	i, ok := t.index(p)
	if !ok {
		return false
	}
	t.entries[i].count++
	return true
}

// Decref frees the slot when the count drops to zero. It reports false
// when p is not live.
func (t *Table[V]) Decref(p uintptr) bool {
	i, ok := t.index(p)
	if !ok {
		return false
	}
	t.entries[i].count--
	if t.entries[i].count == 0 {
		var zero V
		t.entries[i].v = zero
		t.free = append(t.free, i)
		t.live--
	}
	return true
}

// Count returns the reference count of p, or zero.
func (t *Table[V]) Count(p uintptr) int {
	i, ok := t.index(p)
	if !ok {
		return 0
	}
	return t.entries[i].count
}

// Live returns the number of distinct live pointers.
func (t *Table[V]) Live() int { return t.live }

func (t *Table[V]) Reset() {
	t.entries = nil
	t.free = nil
	t.live = 0
}

func (t *Table[V]) index(p uintptr) (int, bool) {
	i := int(p) - 1
	if i < 0 || i >= len(t.entries) || t.entries[i].count == 0 {
		return 0, false
	}
	return i, true
}
