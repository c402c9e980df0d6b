package history

// Update is either a replacement value or a function of the previous value.
// The zero Update leaves the value unchanged.
type Update[T any] struct {
	value  T
	fn     func(T) T
	isFunc bool
	set    bool
}

// Value returns an Update that replaces the present with v.
func Value[T any](v T) Update[T] {
	return Update[T]{value: v, set: true}
}

// Func returns an Update that computes the next value from the present.
// A nil fn leaves the value unchanged.
func Func[T any](fn func(prev T) T) Update[T] {
	return Update[T]{fn: fn, isFunc: true, set: fn != nil}
}

// Apply resolves the update against prev.
func (u Update[T]) Apply(prev T) T {
	if !u.set {
		return prev
	}
	if u.isFunc {
		return u.fn(prev)
	}
	return u.value
}
