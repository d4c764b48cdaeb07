package pqueue

import "container/heap"

// PriorityQueue is a binary heap ordered by a caller supplied less function.
type PriorityQueue[T any] struct {
	items []T
	less  func(a, b T) bool
}

func New[T any](less func(a, b T) bool) *PriorityQueue[T] {
	return &PriorityQueue[T]{less: less}
}

func (pq *PriorityQueue[T]) Len() int { return len(pq.items) }

// Push adds an item.
func (pq *PriorityQueue[T]) Push(item T) {
	heap.Push((*heapAdapter[T])(pq), item)
}

// Pop removes and returns the smallest item. ok is false if the queue is empty.
func (pq *PriorityQueue[T]) Pop() (item T, ok bool) {
	if pq.Len() == 0 {
		return item, false
	}
	return heap.Pop((*heapAdapter[T])(pq)).(T), true
}

// Look returns the smallest item without removing it.
func (pq *PriorityQueue[T]) Look() (item T, ok bool) {
	if pq.Len() == 0 {
		return item, false
	}
	return pq.items[0], true // root is always the minimum
}

// heapAdapter satisfies container/heap without exposing its methods.
type heapAdapter[T any] PriorityQueue[T]

func (h *heapAdapter[T]) Len() int { return len(h.items) }

func (h *heapAdapter[T]) Less(i, j int) bool {
	return h.less(h.items[i], h.items[j])
}

func (h *heapAdapter[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *heapAdapter[T]) Push(x any) {
	h.items = append(h.items, x.(T))
}

func (h *heapAdapter[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	var zero T
	old[n-1] = zero
	h.items = old[:n-1]
	return item
}
