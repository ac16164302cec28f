package state

// Map is a journaled key/value container. Values are stored by copy, so V
// should be a value type.
type Map[K comparable, V any] struct {
	journal *Journal
	data    map[K]V
}

// NewMap binds a new map to j.
func NewMap[K comparable, V any](j *Journal) *Map[K, V] {
	return &Map[K, V]{journal: j, data: make(map[K]V)}
}

// Get returns the stored value and whether it exists.
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, ok := m.data[key]
	return v, ok
}

// Set stores value under key.
func (m *Map[K, V]) Set(key K, value V) {
	prev, existed := m.data[key]
	m.journal.append(func() {
		if existed {
			m.data[key] = prev
		} else {
			delete(m.data, key)
		}
	})
	m.data[key] = value
}

// Delete removes key.
func (m *Map[K, V]) Delete(key K) {
	prev, existed := m.data[key]
	if !existed {
		return
	}
	m.journal.append(func() { m.data[key] = prev })
	delete(m.data, key)
}

// Len returns the number of keys.
func (m *Map[K, V]) Len() int {
	return len(m.data)
}

// Range calls fn for every entry in unspecified order until fn returns false.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for k, v := range m.data {
		if !fn(k, v) {
			return
		}
	}
}

// Value is a journaled single-value cell.
type Value[V any] struct {
	journal *Journal
	v       V
}

// NewValue binds a cell holding initial to j.
func NewValue[V any](j *Journal, initial V) *Value[V] {
	return &Value[V]{journal: j, v: initial}
}

// Get returns the current value.
func (c *Value[V]) Get() V {
	return c.v
}

// Set replaces the current value.
func (c *Value[V]) Set(v V) {
	prev := c.v
	c.journal.append(func() { c.v = prev })
	c.v = v
}
