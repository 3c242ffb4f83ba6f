package log

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Step times a named unit of work. The start is logged by StartStep and the
// end, with the elapsed time, by End.
type Step struct {
	logger  *Logger
	name    string
	id      string
	started time.Time

	once    sync.Once
	elapsed time.Duration
}

func (l *Logger) StartStep(name string) *Step {
	s := &Step{
		name:    name,
		id:      uuid.NewString(),
		started: time.Now(),
	}
	s.logger = l.With("step", name).With("step_id", s.id)
	s.logger.Debugf("step %s started", name)
	return s
}

func (s *Step) Name() string {
	return s.name
}

func (s *Step) ID() string {
	return s.id
}

// Logger returns the logger bound to this step.
func (s *Step) Logger() *Logger {
	return s.logger
}

// End closes the step. Only the first call logs; later calls return the
// duration recorded by the first one.
func (s *Step) End() time.Duration {
	first := false
	s.once.Do(func() {
		s.elapsed = time.Since(s.started)
		first = true
	})
	// logged here, not in the closure, so caller names End's caller
	if first {
		s.logger.logger.Info().
			Int64("elapsed_ms", s.elapsed.Milliseconds()).
			Msgf("step %s finished", s.name)
	}
	return s.elapsed
}
