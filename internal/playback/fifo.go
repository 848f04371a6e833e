package playback

// fifo is an unsynchronized first-in first-out list.
type fifo[T any] struct {
	items []T
}

func (q *fifo[T]) push(item T) { q.items = append(q.items, item) }

func (q *fifo[T]) pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *fifo[T]) len() int { return len(q.items) }

// drain empties the list and returns what it held.
func (q *fifo[T]) drain() []T {
	out := q.items
	q.items = nil
	return out
}
