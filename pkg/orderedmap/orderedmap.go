package orderedmap

import (
	"time"

	"github.com/pkg/errors"
)

var ErrEmpty = errors.New("empty map")

type (
	// OrderedMap remembers the order keys were first inserted in, along with
	// the time each key was last set.
	OrderedMap[K comparable, V any] struct {
		keys  []K
		data  map[K]V
		times map[K]time.Time
	}
)

func New[K comparable, V any]() *OrderedMap[K, V] {
	return &OrderedMap[K, V]{
		keys:  []K{},
		data:  make(map[K]V),
		times: make(map[K]time.Time),
	}
}

// Add or update an element
func (om *OrderedMap[K, V]) Set(key K, value V, t time.Time) {
	if _, exists := om.data[key]; !exists {
		om.keys = append(om.keys, key) // new keys go to the back
	}
	om.data[key] = value
	om.times[key] = t
}

func (om *OrderedMap[K, V]) Len() int {
	return len(om.keys)
}

// Get an element
func (om *OrderedMap[K, V]) Get(key K) (V, bool) {
	value, exists := om.data[key]
	return value, exists
}

func (om *OrderedMap[K, V]) GetTime(key K) (time.Time, bool) {
	value, exists := om.times[key]
	return value, exists
}

// Front returns the oldest element without removing it.
func (om *OrderedMap[K, V]) Front() (K, V, bool) {
	if len(om.keys) == 0 {
		var k K
		var v V
		return k, v, false
	}
	k := om.keys[0]
	return k, om.data[k], true
}

// Pop removes and returns the oldest element.
func (om *OrderedMap[K, V]) Pop() (K, V, error) {
	k, v, ok := om.Front()
	if !ok {
		return k, v, ErrEmpty
	}
	om.keys = om.keys[1:]
	delete(om.data, k)
	delete(om.times, k)
	return k, v, nil
}

// Keys returns a copy of the keys in insertion order.
func (om *OrderedMap[K, V]) Keys() []K {
	out := make([]K, len(om.keys))
	copy(out, om.keys)
	return out
}

// Remove an element
func (om *OrderedMap[K, V]) Delete(key K) {
	if _, exists := om.data[key]; exists {
		delete(om.times, key)
		delete(om.data, key)
		for i, k := range om.keys {
			if k == key {
				om.keys = append(om.keys[:i], om.keys[i+1:]...)
				break
			}
		}
	}
}
