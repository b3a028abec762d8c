package try

// something having method `Fatal`.
//
// For example in standard libraries: *testing.T, log.Logger
type Fataler interface {
	Fatal(...any)
}

type helper interface {
	Helper()
}

// Wrapper of a pair of (T, error).
//
// When error is nil, such Either is "ok", and the T value is valid.
// Otherwise it is "no good", and the T value is not to be used.
type Either[T any] interface {
	// get value & error pair.
	Get() (T, error)

	// When Either is "ok", it just returns the T value.
	//
	// Otherwise, it calls ftl.Fatal(err).
	// If ftl has a "Helper()" method (like *testing.T), that is called
	// before Fatal.
	OrFatal(ftl Fataler) T

	// When Either is "ok", it returns the T value. Otherwise, def.
	OrDefault(def T) T
}

type tryOk[T any] struct {
	val T
}

func (t tryOk[T]) Get() (T, error) {
	return t.val, nil
}

func (t tryOk[T]) OrFatal(Fataler) T {
	return t.val
}

func (t tryOk[T]) OrDefault(T) T {
	return t.val
}

type tryNg[T any] struct {
	err error
}

func (t tryNg[T]) Get() (T, error) {
	return *new(T), t.err
}

func (t tryNg[T]) OrFatal(ftl Fataler) T {
	if h, ok := ftl.(helper); ok {
		h.Helper()
	}
	ftl.Fatal(t.err)
	return *new(T)
}

func (t tryNg[T]) OrDefault(def T) T {
	return def
}

// Wrap a (value, error) pair into an Either.
func To[T any](val T, err error) Either[T] {
	if err != nil {
		return tryNg[T]{err}
	}
	return tryOk[T]{val}
}

// Ok makes an "ok" Either holding val.
func Ok[T any](val T) Either[T] {
	return tryOk[T]{val}
}

// Ng makes a "no good" Either holding err.
func Ng[T any](err error) Either[T] {
	return tryNg[T]{err}
}
