package ring

// Buffer is a fixed-capacity FIFO that overwrites its oldest entry when full.
// It is not safe for concurrent use; owners guard it with their own lock.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest element
	size  int
}

// New creates a buffer holding at most capacity items (minimum 1)
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v. When full, the oldest item is evicted and returned.
func (b *Buffer[T]) Push(v T) (evicted T, ok bool) {
	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = v
		b.size++
		return evicted, false
	}
	evicted = b.items[b.head]
	b.items[b.head] = v
	b.head = (b.head + 1) % len(b.items)
	return evicted, true
}

// PopOldest removes and returns the oldest item
func (b *Buffer[T]) PopOldest() (v T, ok bool) {
	if b.size == 0 {
		return v, false
	}
	var zero T
	v = b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.size--
	return v, true
}

// Oldest peeks at the oldest item without removing it
func (b *Buffer[T]) Oldest() (v T, ok bool) {
	if b.size == 0 {
		return v, false
	}
	return b.items[b.head], true
}

// Len returns the number of stored items
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the fixed capacity
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Slice copies the contents, oldest first
func (b *Buffer[T]) Slice() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Last copies up to n most recent items, oldest first
func (b *Buffer[T]) Last(n int) []T {
	if n <= 0 {
		return nil
	}
	if n > b.size {
		n = b.size
	}
	out := make([]T, n)
	start := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.head+start+i)%len(b.items)]
	}
	return out
}
