package try

// Fataler has method `Fatal`, like *testing.T or *log.Logger.
type Fataler interface {
	Fatal(...any)
}

// Either wraps a pair of (T, error).
//
// When error is nil, the Either is "ok" and T is valid. Otherwise T is a zero value.
type Either[T any] interface {
	// Get returns (value, nil) for ok, (zero-value, error) otherwise.
	Get() (T, error)

	// OrFatal returns the value, or calls ftl.Fatal(err).
	//
	// If ftl has "Helper()" method (like *testing.T), it is called before `Fatal`.
	OrFatal(ftl Fataler) T

	// OrDefault returns the value, or d when it is not ok.
	OrDefault(d T) T
}

func To[T any](ok T, ng error) Either[T] {
	return either[T]{value: ok, err: ng}
}

// Map converts the value if the either is ok.
func Map[T any, R any](e Either[T], mapper func(T) R) Either[R] {
	val, err := e.Get()
	if err != nil {
		return either[R]{err: err}
	}
	return either[R]{value: mapper(val)}
}

type either[T any] struct {
	value T
	err   error
}

func (e either[T]) Get() (T, error) {
	if e.err != nil {
		return *new(T), e.err
	}
	return e.value, nil
}

func (e either[T]) OrDefault(d T) T {
	if e.err != nil {
		return d
	}
	return e.value
}

func (e either[T]) OrFatal(ftl Fataler) T {
	if e.err == nil {
		return e.value
	}
	if hlp, ok := ftl.(interface{ Helper() }); ok {
		hlp.Helper() // think *testing.T
	}
	ftl.Fatal(e.err)
	return *new(T)
}
