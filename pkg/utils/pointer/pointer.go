// Package pointer helps filling optional fields of kubernetes objects.
package pointer

// Ref returns a pointer to a copy of t.
func Ref[T any](t T) *T {
	return &t
}
