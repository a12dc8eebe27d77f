// Package thread implements a single thinking thread's step loop: build
// context, call the main model, optionally dispatch validation
// concurrently with the next step, and terminate on the configured
// sentinel or the step cap.
package thread

import (
	"context"
	"strings"
	"time"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
)

// ContextBuilder is the capability a thread needs from contextbuilder.Builder,
// narrowed to an interface so thread can be tested without a real builder.
type ContextBuilder interface {
	Build(ctx context.Context, history []gatewaycore.Step, userMessages []gatewaycore.ChatMessage, nextIndex int) ([]gatewaycore.ChatMessage, error)
}

// StepValidator is the capability a thread needs from validator.Validator.
type StepValidator interface {
	Validate(ctx context.Context, stepText, userQuestion string) gatewaycore.ValidationVerdict
}

// Config controls one thread's behavior.
type Config struct {
	MainModel         string
	MaxSteps          int
	TerminationMarker string
	ValidationEnabled bool
	Temperature       float32
}

// Thread drives a single reasoning trajectory to completion or failure.
type Thread struct {
	client  gatewaycore.ModelClient
	builder ContextBuilder
	valid   StepValidator
	cfg     Config
	logger  gatewaycore.Logger
}

func New(client gatewaycore.ModelClient, builder ContextBuilder, valid StepValidator, cfg Config) *Thread {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 15
	}
	return &Thread{client: client, builder: builder, valid: valid, cfg: cfg, logger: gatewaycore.NoOpLogger{}}
}

// WithLogger attaches a logger that records thread failures.
func (t *Thread) WithLogger(logger gatewaycore.Logger) *Thread {
	t.logger = logger
	return t
}

// Run produces steps until isTerminal fires or the step cap is reached,
// dispatching validation for step i concurrently with step i+1's main
// call. Its verdict attaches to the step in place once it resolves,
// per spec.md §4.2 — the sole mutation permitted on an already-emitted
// step.
func (t *Thread) Run(ctx context.Context, threadID int, req gatewaycore.Request) *gatewaycore.ThreadState {
	state := &gatewaycore.ThreadState{ID: threadID, Status: gatewaycore.ThreadRunning}
	userQuestion := req.LastUserMessage()

	var pending pendingValidation

	for i := 0; i < t.cfg.MaxSteps; i++ {
		select {
		case <-ctx.Done():
			t.drainValidation(&pending, state)
			state.Status = gatewaycore.ThreadFailed
			state.FailureReason = ctx.Err().Error()
			t.logFailure(threadID, i, state.FailureReason)
			return state
		default:
		}

		msgs, err := t.builder.Build(ctx, state.Steps, req.Messages, i)
		if err != nil {
			t.drainValidation(&pending, state)
			state.Status = gatewaycore.ThreadFailed
			state.FailureReason = err.Error()
			t.logFailure(threadID, i, state.FailureReason)
			return state
		}

		start := time.Now()
		body, err := t.client.Invoke(ctx, t.cfg.MainModel, msgs, gatewaycore.InvokeOptions{Temperature: t.cfg.Temperature})
		if err != nil {
			t.drainValidation(&pending, state)
			state.Status = gatewaycore.ThreadFailed
			state.FailureReason = err.Error()
			t.logFailure(threadID, i, state.FailureReason)
			return state
		}

		// Attach the previous step's validation result before appending the
		// new step, so verdicts never lag more than one step behind.
		t.drainValidation(&pending, state)

		step := gatewaycore.Step{
			Index:   i,
			Body:    body,
			Done:    t.isTerminal(body),
			Verdict: gatewaycore.VerdictPending,
			Elapsed: time.Since(start),
		}
		state.Steps = append(state.Steps, step)

		if t.cfg.ValidationEnabled {
			pending = t.dispatchValidation(ctx, i, body, userQuestion)
		}

		if step.Done {
			t.drainValidation(&pending, state)
			state.Status = gatewaycore.ThreadCompleted
			return state
		}
	}

	t.drainValidation(&pending, state)
	state.Status = gatewaycore.ThreadCompleted
	return state
}

// isTerminal is a pure function over the step text: the configured
// sentinel marker appearing in the body, or an empty continuation,
// signals the thread is done.
func (t *Thread) isTerminal(body string) bool {
	if strings.TrimSpace(body) == "" {
		return true
	}
	if t.cfg.TerminationMarker == "" {
		return false
	}
	return strings.Contains(body, t.cfg.TerminationMarker)
}

// logFailure records a thread's terminal failure, per spec.md §7's
// ThreadFailed logging requirement.
func (t *Thread) logFailure(threadID, stepIndex int, reason string) {
	t.logger.Warn("thread failed", map[string]interface{}{
		"thread_id": threadID,
		"step":      stepIndex,
		"reason":    reason,
	})
}

type pendingValidation struct {
	active    bool
	stepIndex int
	result    chan gatewaycore.ValidationVerdict
}

func (t *Thread) dispatchValidation(ctx context.Context, stepIndex int, body, userQuestion string) pendingValidation {
	result := make(chan gatewaycore.ValidationVerdict, 1)
	go func() {
		result <- t.valid.Validate(ctx, body, userQuestion)
	}()
	return pendingValidation{active: true, stepIndex: stepIndex, result: result}
}

// drainValidation blocks for any in-flight validation and attaches its
// verdict to the step it was dispatched for. It is safe to call when no
// validation is pending.
func (t *Thread) drainValidation(pending *pendingValidation, state *gatewaycore.ThreadState) {
	if !pending.active {
		return
	}
	verdict := <-pending.result
	pending.active = false
	if pending.stepIndex < len(state.Steps) {
		state.Steps[pending.stepIndex].Verdict = verdict.Outcome
	}
}
