package pipeline

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when the context is cancelled between classes.
var ErrCancelled = errors.New("run cancelled")

// Stage names used in logs, stage events and StageError.
const (
	StageValidate   = "validate"
	StagePrepare    = "prepare"
	StageResume     = "resume"
	StageSelect     = "select"
	StageBuffer     = "buffer"
	StageAccumulate = "accumulate"
	StageSynthesize = "synthesize"
	StageEliminate  = "eliminate"
)

// StageError reports where a run failed. Class and Fraction are zero when
// the failing stage is not tied to them.
type StageError struct {
	Class    int
	Fraction float64
	Stage    string
	Err      error
}

func (e *StageError) Error() string {
	switch {
	case e.Class == 0:
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	case e.Fraction == 0:
		return fmt.Sprintf("road class %d, %s: %v", e.Class, e.Stage, e.Err)
	default:
		return fmt.Sprintf("road class %d, fraction %g, %s: %v", e.Class, e.Fraction, e.Stage, e.Err)
	}
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(class int, fraction float64, stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Class: class, Fraction: fraction, Stage: stage, Err: err}
}
