// Package orchestrator fans a request out to N independent thinking
// threads, fans their results back in, and hands the completed subset to
// fusion. Grounded on the reference framework's SmartExecutor fan-out
// pattern (orchestration/executor.go): a WaitGroup over goroutines
// writing into a pre-sized result slice, no errgroup dependency, since
// none of the examples reach for one either.
package orchestrator

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
	"github.com/kestrelai/ensemble/internal/tracing"
)

// ThreadRunner is the capability orchestrator needs from thread.Thread,
// narrowed so the orchestrator can be tested without a real thread.
type ThreadRunner interface {
	Run(ctx context.Context, threadID int, req gatewaycore.Request) *gatewaycore.ThreadState
}

// NewThreadFunc constructs a fresh ThreadRunner for thread id, given the
// request it will serve — callers can apply the request's x_max_steps /
// x_validate overrides onto the thread.Config they close over.
type NewThreadFunc func(id int, req gatewaycore.Request) ThreadRunner

// Fuser is the capability orchestrator needs from fusion.Fuser.
type Fuser interface {
	Fuse(ctx context.Context, input gatewaycore.FusionInput) (string, error)
}

// Config carries the configured defaults shared by every request. A
// request's own thread count (x_threads) is applied on top of it per run.
type Config struct {
	Threads      int
	StreamChunk  int
}

// Orchestrator drives one request end to end.
type Orchestrator struct {
	newThread NewThreadFunc
	fuser     Fuser
	cfg       Config
	tracer    trace.Tracer
	logger    gatewaycore.Logger
}

// New builds an Orchestrator. newThread constructs a fresh ThreadRunner
// per thread id — callers typically close over a thread.Config and a
// per-thread contextbuilder.Builder (the context builder's memoization
// cache must not be shared across threads, since each thread has its own
// step history).
func New(newThread NewThreadFunc, fuser Fuser, cfg Config) *Orchestrator {
	if cfg.Threads <= 0 {
		cfg.Threads = 3
	}
	if cfg.StreamChunk <= 0 {
		cfg.StreamChunk = 50
	}
	return &Orchestrator{newThread: newThread, fuser: fuser, cfg: cfg, logger: gatewaycore.NoOpLogger{}}
}

// WithTracer attaches a tracer that spans each thread's run. Orchestrators
// built without one (e.g. in tests) simply skip span creation.
func (o *Orchestrator) WithTracer(tracer trace.Tracer) *Orchestrator {
	o.tracer = tracer
	return o
}

// WithLogger attaches a logger for fan-in and fusion failures.
func (o *Orchestrator) WithLogger(logger gatewaycore.Logger) *Orchestrator {
	o.logger = logger
	return o
}

// Run fans the request out to cfg.Threads threads, waits for all to
// terminate, and fuses the completed subset. If ctx carries a deadline
// and no thread completes before it elapses, it returns
// gatewaycore.ErrDeadlineExceeded; if every thread fails for any other
// reason, it returns gatewaycore.ErrAllThreadsFailed.
func (o *Orchestrator) Run(ctx context.Context, req gatewaycore.Request) (gatewaycore.FinalAnswer, error) {
	states := o.fanOut(ctx, req)

	completed := make([]*gatewaycore.ThreadState, 0, len(states))
	failed := 0
	flagged := 0
	for _, s := range states {
		if s.Status == gatewaycore.ThreadCompleted {
			completed = append(completed, s)
			flagged += s.FlaggedCount()
		} else {
			failed++
			o.logger.Warn("thread failed", map[string]interface{}{"thread_id": s.ID, "reason": s.FailureReason})
		}
	}

	if len(completed) == 0 {
		if ctx.Err() != nil {
			o.logger.Error("all threads failed: deadline exceeded", map[string]interface{}{"threads": len(states)})
			return gatewaycore.FinalAnswer{}, gatewaycore.NewGatewayError("orchestrator.Run", "DeadlineExceeded", gatewaycore.ErrDeadlineExceeded)
		}
		o.logger.Error("all threads failed", map[string]interface{}{"threads": len(states)})
		return gatewaycore.FinalAnswer{}, gatewaycore.NewGatewayError("orchestrator.Run", "AllThreadsFailed", gatewaycore.ErrAllThreadsFailed)
	}

	text, err := o.fuser.Fuse(ctx, gatewaycore.FusionInput{
		Threads:          completed,
		UserMessages:     req.Messages,
		StrategyOverride: req.Fusion,
	})
	if err != nil {
		o.logger.Error("fusion failed", map[string]interface{}{"error": err.Error()})
		return gatewaycore.FinalAnswer{}, gatewaycore.NewGatewayError("orchestrator.Run", "FusionFailed", gatewaycore.ErrFusionFailed)
	}

	return gatewaycore.FinalAnswer{
		Text:             text,
		ThreadsCompleted: len(completed),
		ThreadsFailed:    failed,
		FlaggedSteps:     flagged,
	}, nil
}

// RunStream behaves like Run but additionally chunks the final text into
// StreamEvents of cfg.StreamChunk runes (UTF-8-boundary-safe by
// construction, since it splits on runes rather than bytes), terminated
// by a Done event.
func (o *Orchestrator) RunStream(ctx context.Context, req gatewaycore.Request) ([]gatewaycore.StreamEvent, error) {
	answer, err := o.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	runes := []rune(answer.Text)
	events := make([]gatewaycore.StreamEvent, 0, len(runes)/o.cfg.StreamChunk+2)
	for i := 0; i < len(runes); i += o.cfg.StreamChunk {
		end := i + o.cfg.StreamChunk
		if end > len(runes) {
			end = len(runes)
		}
		events = append(events, gatewaycore.StreamEvent{Delta: string(runes[i:end])})
	}
	events = append(events, gatewaycore.StreamEvent{Done: true})
	return events, nil
}

// fanOut spawns one goroutine per thread and waits for all to terminate,
// whether by completion, failure, or ctx cancellation. Every ThreadRunner
// receives the same ctx, so a caller-level cancel propagates to every
// in-flight thread (and, transitively, every in-flight ModelClient call)
// within one suspension-point granularity.
func (o *Orchestrator) fanOut(ctx context.Context, req gatewaycore.Request) []*gatewaycore.ThreadState {
	n := o.cfg.Threads
	if req.Threads >= 1 && req.Threads <= 8 {
		n = req.Threads
	}
	states := make([]*gatewaycore.ThreadState, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			threadCtx := ctx
			if o.tracer != nil {
				var end func()
				threadCtx, end = tracing.StartThreadSpan(ctx, o.tracer, id)
				defer end()
			}
			runner := o.newThread(id, req)
			states[id] = runner.Run(threadCtx, id, req)
		}(i)
	}
	wg.Wait()

	return states
}
