package blkmq

import "unsafe"

// The dispatch layer stores driver state behind unsafe.Pointer slots. These
// helpers are the only code that converts between those slots and typed
// values: intoForeign hands ownership to the layer, borrow lends the value for
// one call, fromForeign takes ownership back.

// intoForeign moves v into a heap box and returns the pointer the layer keeps.
func intoForeign[T any](v T) unsafe.Pointer {
	box := new(T)
	*box = v
	return unsafe.Pointer(box)
}

// borrow reads the value behind p. The caller must not keep it past the
// current call.
func borrow[T any](p unsafe.Pointer) T {
	return *(*T)(p)
}

// fromForeign reclaims a value stored by intoForeign and zeroes the box so a
// stale pointer can only observe the zero value.
func fromForeign[T any](p unsafe.Pointer) T {
	box := (*T)(p)
	v := *box
	var zero T
	*box = zero
	return v
}

// Releaser is implemented by driver state that needs explicit teardown.
// Release runs exactly once, when the owning object is destroyed.
type Releaser interface {
	Release()
}

// release calls Release on v, or on &v when only the pointer type implements
// Releaser. It reports whether a destructor ran.
func release[T any](v T) bool {
	if r, ok := any(v).(Releaser); ok {
		r.Release()
		return true
	}
	if r, ok := any(&v).(Releaser); ok {
		r.Release()
		return true
	}
	return false
}
