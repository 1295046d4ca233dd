package monitoring

import (
	"time"

	"github.com/banshee-data/mapgen/internal/timeutil"
)

// StageTimer measures one named pipeline stage. Acquire it with StartStage and
// release it with a deferred Done so the timing line is emitted on every exit
// path, including failures.
type StageTimer struct {
	name    string
	clock   timeutil.Clock
	started time.Time
	elapsed time.Duration
	done    bool

	// OnDone, if set, is called once with the outcome after the log line.
	OnDone func(name string, elapsed time.Duration, err error)
}

// StartStage starts a timer on the real clock.
func StartStage(name string) *StageTimer {
	return StartStageWithClock(name, timeutil.RealClock{})
}

// StartStageWithClock starts a timer on the given clock.
func StartStageWithClock(name string, clock timeutil.Clock) *StageTimer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &StageTimer{name: name, clock: clock, started: clock.Now()}
}

// Done stops the timer and logs the outcome. errp may be nil; when it points
// at a non-nil error the stage is reported as failed. Calling Done twice is a
// no-op.
//
//	t := monitoring.StartStage("buffer")
//	defer t.Done(&err)
func (t *StageTimer) Done(errp *error) {
	if t == nil || t.done {
		return
	}
	t.done = true
	t.elapsed = t.clock.Since(t.started)

	var err error
	if errp != nil {
		err = *errp
	}
	if err != nil {
		Logf("[stage] %s failed after %s: %v", t.name, t.elapsed, err)
	} else {
		Logf("[stage] %s completed in %s", t.name, t.elapsed)
	}
	if t.OnDone != nil {
		t.OnDone(t.name, t.elapsed, err)
	}
}

// Name returns the stage name.
func (t *StageTimer) Name() string { return t.name }

// Elapsed returns the measured duration; zero until Done has been called.
func (t *StageTimer) Elapsed() time.Duration { return t.elapsed }
