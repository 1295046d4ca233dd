package geometry

import (
	"errors"
	"fmt"
)

// ErrEngine matches every geometry engine failure.
var ErrEngine = errors.New("geometry engine error")

// EngineError reports which engine operation failed.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("geometry engine: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is reports ErrEngine as a match so callers need not know the concrete type.
func (e *EngineError) Is(target error) bool { return target == ErrEngine }

// guard runs fn and converts a GEOS panic into an *EngineError.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = &EngineError{Op: op, Err: rerr}
				return
			}
			err = &EngineError{Op: op, Err: fmt.Errorf("%v", r)}
		}
	}()
	if err := fn(); err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			return err
		}
		return &EngineError{Op: op, Err: err}
	}
	return nil
}
