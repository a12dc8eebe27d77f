package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
)

type scriptedThread struct {
	state *gatewaycore.ThreadState
}

func (s scriptedThread) Run(ctx context.Context, threadID int, req gatewaycore.Request) *gatewaycore.ThreadState {
	s.state.ID = threadID
	return s.state
}

func completed(body string) *gatewaycore.ThreadState {
	return &gatewaycore.ThreadState{
		Status: gatewaycore.ThreadCompleted,
		Steps:  []gatewaycore.Step{{Body: body, Done: true}},
	}
}

func failedState() *gatewaycore.ThreadState {
	return &gatewaycore.ThreadState{Status: gatewaycore.ThreadFailed, FailureReason: "boom"}
}

type concatFuser struct{ delimiter string }

func (f concatFuser) Fuse(ctx context.Context, input gatewaycore.FusionInput) (string, error) {
	parts := make([]string, len(input.Threads))
	for i, th := range input.Threads {
		parts[i] = th.LastStep().Body
	}
	return strings.Join(parts, f.delimiter), nil
}

type failingFuser struct{}

func (failingFuser) Fuse(ctx context.Context, input gatewaycore.FusionInput) (string, error) {
	return "", errors.New("fusion down")
}

type capturingFuser struct {
	lastInput gatewaycore.FusionInput
}

func (f *capturingFuser) Fuse(ctx context.Context, input gatewaycore.FusionInput) (string, error) {
	f.lastInput = input
	return "fused", nil
}

func TestRun_ThreeThreadsAllComplete(t *testing.T) {
	states := []*gatewaycore.ThreadState{completed("A"), completed("B"), completed("C")}
	o := New(func(id int, req gatewaycore.Request) ThreadRunner {
		return scriptedThread{state: states[id]}
	}, concatFuser{delimiter: ""}, Config{Threads: 3})

	answer, err := o.Run(context.Background(), gatewaycore.Request{})
	require.NoError(t, err)
	assert.Equal(t, 3, answer.ThreadsCompleted)
	assert.Equal(t, 0, answer.ThreadsFailed)
}

func TestRun_OneFailsTwoSucceed(t *testing.T) {
	states := []*gatewaycore.ThreadState{failedState(), completed("X<END>"), completed("Y<END>")}
	o := New(func(id int, req gatewaycore.Request) ThreadRunner {
		return scriptedThread{state: states[id]}
	}, concatFuser{delimiter: "\n\n---\n\n"}, Config{Threads: 3})

	answer, err := o.Run(context.Background(), gatewaycore.Request{})
	require.NoError(t, err)
	assert.Equal(t, "X<END>\n\n---\n\nY<END>", answer.Text)
	assert.Equal(t, 2, answer.ThreadsCompleted)
	assert.Equal(t, 1, answer.ThreadsFailed)
}

type capturingLogger struct {
	gatewaycore.NoOpLogger
	mu       sync.Mutex
	warnings int
	errors   int
}

func (l *capturingLogger) Warn(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings++
}

func (l *capturingLogger) Error(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors++
}

func TestRun_AllThreadsFail(t *testing.T) {
	logger := &capturingLogger{}
	o := New(func(id int, req gatewaycore.Request) ThreadRunner {
		return scriptedThread{state: failedState()}
	}, concatFuser{}, Config{Threads: 3}).WithLogger(logger)

	_, err := o.Run(context.Background(), gatewaycore.Request{})
	var gwErr *gatewaycore.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "AllThreadsFailed", gwErr.Kind)
	assert.ErrorIs(t, err, gatewaycore.ErrAllThreadsFailed)
	assert.Equal(t, 3, logger.warnings)
	assert.Equal(t, 1, logger.errors)
}

func TestRun_FusionFailure(t *testing.T) {
	o := New(func(id int, req gatewaycore.Request) ThreadRunner {
		return scriptedThread{state: completed("A")}
	}, failingFuser{}, Config{Threads: 1})

	_, err := o.Run(context.Background(), gatewaycore.Request{})
	assert.ErrorIs(t, err, gatewaycore.ErrFusionFailed)
}

func TestRunStream_ChunksIntoFixedSizePieces(t *testing.T) {
	body := strings.Repeat("x", 237)
	o := New(func(id int, req gatewaycore.Request) ThreadRunner {
		return scriptedThread{state: completed(body)}
	}, concatFuser{}, Config{Threads: 1, StreamChunk: 50})

	events, err := o.RunStream(context.Background(), gatewaycore.Request{})
	require.NoError(t, err)
	require.Len(t, events, 6)

	lengths := make([]int, 5)
	for i := 0; i < 5; i++ {
		lengths[i] = len([]rune(events[i].Delta))
	}
	assert.Equal(t, []int{50, 50, 50, 50, 37}, lengths)
	assert.True(t, events[5].Done)
}

func TestRun_RequestThreadsOverridesConfiguredCount(t *testing.T) {
	o := New(func(id int, req gatewaycore.Request) ThreadRunner {
		return scriptedThread{state: completed("A")}
	}, concatFuser{}, Config{Threads: 3})

	answer, err := o.Run(context.Background(), gatewaycore.Request{Threads: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, answer.ThreadsCompleted)
}

func TestRun_RequestThreadsOutOfRangeFallsBackToConfigured(t *testing.T) {
	o := New(func(id int, req gatewaycore.Request) ThreadRunner {
		return scriptedThread{state: completed("A")}
	}, concatFuser{}, Config{Threads: 3})

	answer, err := o.Run(context.Background(), gatewaycore.Request{Threads: 99})
	require.NoError(t, err)
	assert.Equal(t, 3, answer.ThreadsCompleted)
}

func TestRun_RequestFusionOverridePropagatesToFuser(t *testing.T) {
	fuser := &capturingFuser{}
	o := New(func(id int, req gatewaycore.Request) ThreadRunner {
		return scriptedThread{state: completed("A")}
	}, fuser, Config{Threads: 1})

	_, err := o.Run(context.Background(), gatewaycore.Request{Fusion: gatewaycore.FusionConcat})
	require.NoError(t, err)
	assert.Equal(t, gatewaycore.FusionConcat, fuser.lastInput.StrategyOverride)
}

func TestRun_IdempotentWithDeterministicMock(t *testing.T) {
	newThread := func(id int, req gatewaycore.Request) ThreadRunner {
		return scriptedThread{state: completed("deterministic")}
	}
	o := New(newThread, concatFuser{}, Config{Threads: 2})

	a1, err := o.Run(context.Background(), gatewaycore.Request{})
	require.NoError(t, err)
	a2, err := o.Run(context.Background(), gatewaycore.Request{})
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
}
