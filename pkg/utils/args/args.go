// Package args has flag.Value types for command line flags.
package args

// Adapter makes a flag.Value from a parser of T.
type Adapter[T interface{ String() string }] struct {
	value  T
	parser func(string) (T, error)
	isSet  bool
}

func (a *Adapter[T]) String() string {
	if a == nil || !a.isSet {
		return ""
	}
	return a.value.String()
}

// Set parses s. On error, the value is kept.
func (a *Adapter[T]) Set(s string) error {
	v, err := a.parser(s)
	if err != nil {
		return err
	}
	a.value = v
	a.isSet = true
	return nil
}

// ValueOr returns the parsed value, or fallback when nothing is set.
//
// nil Adapter is a not-set one.
func (a *Adapter[T]) ValueOr(fallback T) T {
	if a == nil || !a.isSet {
		return fallback
	}
	return a.value
}

func (a *Adapter[T]) IsSet() bool {
	return a != nil && a.isSet
}

func Parser[T interface{ String() string }](parser func(string) (T, error)) *Adapter[T] {
	return &Adapter[T]{parser: parser}
}
