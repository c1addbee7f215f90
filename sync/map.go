/*
Package sync provides a split map that is safe for concurrent use and
keeps lock contention low by locking only the split a key belongs to.

It backs the pipeline cache, where many goroutines may look up compiled
kernel sets for different operators at the same time.
*/
package sync

import (
	"runtime"
	"sync"
)

/*
A Hasher represents an object that has a hash value, which is needed
by Map to select a split.
*/
type Hasher interface {
	comparable
	Hash() uint64
}

/*
A Split is a partial map that belongs to a larger Map, which can be
individually locked. Its enclosed map can then be individually
accessed without blocking accesses to other splits.
*/
type Split[K Hasher, V any] struct {
	sync.RWMutex
	Map map[K]V
}

/*
A Map is a parallel map that consists of several split maps that can
be individually locked and accessed.

The zero Map is not valid.
*/
type Map[K Hasher, V any] struct {
	splits []Split[K, V]
}

/*
NewMap returns a map with size splits.

If size is <= 0, runtime.GOMAXPROCS(0) is used instead.
*/
func NewMap[K Hasher, V any](size int) *Map[K, V] {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	splits := make([]Split[K, V], size)
	for i := range splits {
		splits[i].Map = make(map[K]V)
	}
	return &Map[K, V]{splits}
}

// Split retrieves the split for a particular key.
func (m *Map[K, V]) Split(key K) *Split[K, V] {
	splits := m.splits
	return &splits[key.Hash()%uint64(len(splits))]
}

// Delete deletes the value for a key.
func (m *Map[K, V]) Delete(key K) {
	split := m.Split(key)
	split.Lock()
	delete(split.Map, key)
	split.Unlock()
}

/*
Load returns the value stored in the map for a key, or the zero value
if no value is present. The ok result indicates whether value was
found in the map.
*/
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	split := m.Split(key)
	split.RLock()
	value, ok = split.Map[key]
	split.RUnlock()
	return
}

/*
LoadOrStore returns the existing value for the key if
present. Otherwise, it stores and returns the given value. The loaded
result is true if the value was loaded, false if stored.
*/
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	split := m.Split(key)
	split.RLock()
	actual, loaded = split.Map[key]
	split.RUnlock()
	if loaded {
		return
	}
	split.Lock()
	if actual, loaded = split.Map[key]; !loaded {
		actual = value
		split.Map[key] = value
	}
	split.Unlock()
	return
}

/*
DeleteIf deletes every entry for which pred returns true and returns
the number of deleted entries. Splits are locked one at a time, so
DeleteIf does not correspond to a consistent snapshot of the Map.
*/
func (m *Map[K, V]) DeleteIf(pred func(key K, value V) bool) (deleted int) {
	for i := range m.splits {
		split := &m.splits[i]
		split.Lock()
		for key, value := range split.Map {
			if pred(key, value) {
				delete(split.Map, key)
				deleted++
			}
		}
		split.Unlock()
	}
	return
}

/*
Range calls f sequentially for each key and value present in the
map. If f returns false, Range stops the iteration.

Range does not necessarily correspond to any consistent snapshot of
the Map's contents: no key will be visited more than once, but if the
value for any key is stored or deleted concurrently, Range may reflect
any mapping for that key from any point during the Range call.
*/
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	for i := range m.splits {
		if !m.splits[i].splitRange(f) {
			return
		}
	}
}

func (split *Split[K, V]) splitRange(f func(key K, value V) bool) bool {
	split.RLock()
	defer split.RUnlock()
	for key, value := range split.Map {
		if !f(key, value) {
			return false
		}
	}
	return true
}

// Len returns the number of entries, summed split by split.
func (m *Map[K, V]) Len() (n int) {
	for i := range m.splits {
		split := &m.splits[i]
		split.RLock()
		n += len(split.Map)
		split.RUnlock()
	}
	return
}
