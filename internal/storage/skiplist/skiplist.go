package skiplist

import (
	"math/rand/v2"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// Node represents a node in the skip list
type Node[V any] struct {
	Key     string
	Value   V
	Forward []*Node[V]
}

// SkipList is an ordered map from string keys to values. It is not safe for
// concurrent use; callers guard it with their own lock.
type SkipList[V any] struct {
	head  *Node[V]
	level int
	size  int
}

// New creates a new skip list
func New[V any]() *SkipList[V] {
	return &SkipList[V]{
		head: &Node[V]{Forward: make([]*Node[V], MaxLevel)},
	}
}

func (sl *SkipList[V]) randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the last node before key on each level.
func (sl *SkipList[V]) findPredecessors(key string, update []*Node[V]) *Node[V] {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Key < key {
			current = current.Forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current
}

// Insert adds or updates a key-value pair
func (sl *SkipList[V]) Insert(key string, value V) {
	update := make([]*Node[V], MaxLevel)
	current := sl.findPredecessors(key, update).Forward[0]

	if current != nil && current.Key == key {
		current.Value = value
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	node := &Node[V]{
		Key:     key,
		Value:   value,
		Forward: make([]*Node[V], newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		node.Forward[i] = update[i].Forward[i]
		update[i].Forward[i] = node
	}
	sl.size++
}

// Search finds a value by key
func (sl *SkipList[V]) Search(key string) (V, bool) {
	current := sl.findPredecessors(key, nil).Forward[0]
	if current != nil && current.Key == key {
		return current.Value, true
	}
	var zero V
	return zero, false
}

// Delete removes a key from the skip list
func (sl *SkipList[V]) Delete(key string) bool {
	update := make([]*Node[V], MaxLevel)
	current := sl.findPredecessors(key, update).Forward[0]
	if current == nil || current.Key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].Forward[i] != current {
			break
		}
		update[i].Forward[i] = current.Forward[i]
	}
	for sl.level > 0 && sl.head.Forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

// Len returns the number of elements in the skip list
func (sl *SkipList[V]) Len() int {
	return sl.size
}

// Iterator returns an iterator positioned before the first element
func (sl *SkipList[V]) Iterator() *Iterator[V] {
	return &Iterator[V]{current: sl.head}
}

// SeekAfter returns an iterator whose first Next lands on the first key
// strictly greater than key.
func (sl *SkipList[V]) SeekAfter(key string) *Iterator[V] {
	current := sl.findPredecessors(key, nil)
	if next := current.Forward[0]; next != nil && next.Key == key {
		current = next
	}
	return &Iterator[V]{current: current}
}

// Iterator iterates over skip list entries in key order
type Iterator[V any] struct {
	current *Node[V]
}

// Next moves to the next element
func (it *Iterator[V]) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.Forward[0]
	return it.current != nil
}

// Key returns the current key
func (it *Iterator[V]) Key() string {
	if it.current == nil {
		return ""
	}
	return it.current.Key
}

// Value returns the current value
func (it *Iterator[V]) Value() V {
	if it.current == nil {
		var zero V
		return zero
	}
	return it.current.Value
}
