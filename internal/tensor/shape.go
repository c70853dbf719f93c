package tensor

import "fmt"

// Shape is a tensor's dimension vector, outermost dimension first.
// Layers report their output as a (C, H, W) Shape; the batch dimension
// stays out of it because batch size varies per evaluation call.
type Shape []int

// NumElements multiplies the dimensions. An empty shape is a scalar and
// counts one element.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate reports the first non-positive dimension.
func (s Shape) Validate() error {
	for i, d := range s {
		if d < 1 {
			return fmt.Errorf("dimension %d is %d, want at least 1", i, d)
		}
	}
	return nil
}

// Equal reports whether both shapes have the same dimensions in the
// same order.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}
