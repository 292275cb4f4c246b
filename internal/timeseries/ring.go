package timeseries

// Ring is a fixed-capacity FIFO buffer. When full, Push overwrites the
// oldest element. Ring is not safe for concurrent use.
type Ring[T any] struct {
	items    []T
	head     int // next write position
	count    int
	capacity int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}

	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

func (r *Ring[T]) Push(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

func (r *Ring[T]) Len() int {
	return r.count
}

func (r *Ring[T]) Cap() int {
	return r.capacity
}

func (r *Ring[T]) At(i int) T {
	start := (r.head - r.count + r.capacity) % r.capacity
	return r.items[(start+i)%r.capacity]
}

func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.At(r.count - 1), true
}

func (r *Ring[T]) Tail(n int) []T {
	if n > r.count || n < 0 {
		n = r.count
	}
	if n == 0 {
		return []T{}
	}

	result := make([]T, n)
	offset := r.count - n
	for i := 0; i < n; i++ {
		result[i] = r.At(offset + i)
	}
	return result
}

func (r *Ring[T]) Slice() []T {
	return r.Tail(r.count)
}

// DropWhile removes elements from the oldest end while drop returns true.
// It returns the number of removed elements.
func (r *Ring[T]) DropWhile(drop func(T) bool) int {
	removed := 0
	var zero T
	for r.count > 0 {
		start := (r.head - r.count + r.capacity) % r.capacity
		if !drop(r.items[start]) {
			break
		}
		r.items[start] = zero
		r.count--
		removed++
	}
	return removed
}

func (r *Ring[T]) Resize(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	if capacity == r.capacity {
		return
	}

	kept := r.Tail(capacity)
	r.items = make([]T, capacity)
	r.capacity = capacity
	r.head = 0
	r.count = 0
	for _, item := range kept {
		r.Push(item)
	}
}

func (r *Ring[T]) Reset() {
	r.items = make([]T, r.capacity)
	r.head = 0
	r.count = 0
}
