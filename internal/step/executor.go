package step

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/run"
	"ciengine/internal/step/types"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultLogTail = 64 * 1024

// MetricsRecorder is an optional interface for recording step metrics.
type MetricsRecorder interface {
	RecordStep(ctx context.Context, stepType, status string, durationSeconds float64)
}

// Redactor masks secret values in captured output.
type Redactor interface {
	Redact(s string) string
}

// ExecuteOptions are per-run hooks.
type ExecuteOptions struct {
	Redactor Redactor
	// OnStep is called after each step result is final, including skipped
	// and disabled steps.
	OnStep func(run.StepResult)
}

// Report is the outcome of executing a run's steps.
type Report struct {
	Steps    []run.StepResult
	Problems []string
	// Err is nil on success, a StepFailed error when a step failed and the
	// context error when execution was cancelled.
	Err error
}

// Executor runs steps in declared order.
type Executor struct {
	logTail int
	metrics MetricsRecorder
	logger  *slog.Logger
}

// NewExecutor creates an executor keeping at most logTail bytes of each
// step's log. Zero uses the default.
func NewExecutor(logTail int, metrics MetricsRecorder) *Executor {
	if logTail <= 0 {
		logTail = defaultLogTail
	}
	return &Executor{
		logTail: logTail,
		metrics: metrics,
		logger:  slog.With("component", "steps"),
	}
}

// Execute runs steps one at a time. Disabled steps are reported without
// running. The first failing step stops execution and the remaining steps are
// reported as skipped; a failing nonFatal step is recorded as a problem and
// execution continues. Cancelling ctx stops the current step.
func (x *Executor) Execute(ctx context.Context, steps []Step, env Env, opts ExecuteOptions) Report {
	report := Report{Steps: make([]run.StepResult, 0, len(steps))}
	logger := x.logger
	if id := env.Vars["CI_RUN_ID"]; id != "" {
		logger = logger.With("runId", id)
	}

	emit := func(r run.StepResult) {
		report.Steps = append(report.Steps, r)
		if opts.OnStep != nil {
			opts.OnStep(r)
		}
	}
	skipRest := func(from int) {
		for _, s := range steps[from:] {
			emit(stepResult(s, run.StepSkipped))
		}
	}

	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			report.Err = err
			skipRest(i)
			return report
		}

		if s.Common().Disabled {
			emit(stepResult(s, run.StepDisabled))
			continue
		}

		r := x.runOne(ctx, s, env, opts.Redactor)
		logger.Info("Step finished", "step", s.Common().ID, "type", s.StepType(), "status", r.Status, "exitCode", r.ExitCode, "durationMs", r.DurationMs)
		emit(r)

		if r.Status == run.StepSucceeded {
			continue
		}

		if ctx.Err() != nil {
			report.Err = ctx.Err()
			skipRest(i + 1)
			return report
		}

		if s.Common().NonFatal {
			report.Problems = append(report.Problems, fmt.Sprintf("step %s failed (non-fatal): %s", s.Common().ID, r.Error))
			continue
		}

		report.Err = apperrors.StepFailed(s.Common().ID, errors.New(r.Error))
		skipRest(i + 1)
		return report
	}
	return report
}

func (x *Executor) runOne(ctx context.Context, s Step, env Env, redactor Redactor) (out run.StepResult) {
	buf := newTailBuffer(x.logTail)
	env.Log = buf
	start := time.Now()

	var res *types.Result
	func() {
		defer func() {
			if p := recover(); p != nil {
				res = &types.Result{Status: types.StatusFailed, ExitCode: -1, Error: fmt.Errorf("step panicked: %v", p)}
			}
		}()
		res = s.Run(ctx, &env)
	}()
	if res == nil {
		res = &types.Result{Status: types.StatusFailed, ExitCode: -1, Error: errors.New("step returned no result")}
	}

	elapsed := time.Since(start)
	out = stepResult(s, run.StepSucceeded)
	out.ExitCode = res.ExitCode
	out.DurationMs = elapsed.Milliseconds()
	out.Log = redact(redactor, buf.String())

	if res.Status != types.StatusSuccess {
		out.Status = run.StepFailed
		err := res.Error
		if err == nil {
			err = errors.New("step failed")
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("interrupted: %w", ctx.Err())
		}
		out.Error = redact(redactor, err.Error())
	}

	if x.metrics != nil {
		x.metrics.RecordStep(ctx, s.StepType(), out.Status, elapsed.Seconds())
	}
	return out
}

func stepResult(s Step, status string) run.StepResult {
	return run.StepResult{
		ID:     s.Common().ID,
		Type:   s.StepType(),
		Name:   s.Common().DisplayName(),
		Status: status,
	}
}

func redact(r Redactor, s string) string {
	if r == nil {
		return s
	}
	return r.Redact(s)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "[log truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}
