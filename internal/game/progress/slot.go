package progress

// Slot is a single-value, write-then-consume store. Set overwrites any value
// already held; Take returns the value and empties the slot.
type Slot[T any] struct {
	value T
	set   bool
}

// Set stores v, discarding any unconsumed value.
//
// Postcondition: Returns true if an unconsumed value was overwritten.
func (s *Slot[T]) Set(v T) bool {
	overwrote := s.set
	s.value = v
	s.set = true
	return overwrote
}

// Take returns the stored value and clears the slot.
//
// Postcondition: Returns (value, true) if a value was held, or (zero, false).
// The slot is empty afterwards in both cases.
func (s *Slot[T]) Take() (T, bool) {
	var zero T
	if !s.set {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.set = false
	return v, true
}

// Peek reports whether the slot currently holds a value.
func (s *Slot[T]) Peek() bool {
	return s.set
}

// Clear empties the slot.
func (s *Slot[T]) Clear() {
	var zero T
	s.value = zero
	s.set = false
}
