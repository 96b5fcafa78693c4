package scheduler

// fifo is an unbounded first-in first-out queue. It is owned by the event
// loop and not safe for concurrent use.
type fifo[T comparable] struct {
	items []T
	head  int
}

func (q *fifo[T]) len() int { return len(q.items) - q.head }

func (q *fifo[T]) push(v T) { q.items = append(q.items, v) }

func (q *fifo[T]) pop() (T, bool) {
	var zero T
	if q.len() == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compact()
	return v, true
}

// remove deletes the first occurrence of v, preserving order.
func (q *fifo[T]) remove(v T) bool {
	for i := q.head; i < len(q.items); i++ {
		if q.items[i] != v {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		var zero T
		q.items[len(q.items)-1] = zero
		q.items = q.items[:len(q.items)-1]
		q.compact()
		return true
	}
	return false
}

func (q *fifo[T]) contains(v T) bool {
	for i := q.head; i < len(q.items); i++ {
		if q.items[i] == v {
			return true
		}
	}
	return false
}

func (q *fifo[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}
