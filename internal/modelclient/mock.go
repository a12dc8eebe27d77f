package modelclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
)

// MockClient is a deterministic, in-memory gatewaycore.ModelClient used
// throughout the test suite. It is grounded on the reference framework's
// mock AI provider (ai/providers/mock/provider.go): canned responses
// consumed in order per model, optional injected failures, and full call
// recording for assertions.
type MockClient struct {
	mu sync.Mutex

	// Responses holds, per model, the queue of replies to return in order.
	Responses map[string][]string
	// Err, if set, is returned by the next call for the named model instead
	// of a response, after which the model is removed from Err so subsequent
	// calls succeed (models "recover" by default; set FailAlways to keep
	// failing).
	Err        map[string]error
	FailAlways map[string]bool

	Calls []MockCall
}

// MockCall records one Invoke call for test assertions.
type MockCall struct {
	Model    string
	Messages []gatewaycore.ChatMessage
	Opts     gatewaycore.InvokeOptions
}

func NewMockClient() *MockClient {
	return &MockClient{
		Responses:  make(map[string][]string),
		Err:        make(map[string]error),
		FailAlways: make(map[string]bool),
	}
}

var _ gatewaycore.ModelClient = (*MockClient)(nil)

// SetResponses queues replies for model, returned in order across
// successive calls.
func (m *MockClient) SetResponses(model string, replies ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[model] = append([]string(nil), replies...)
}

// SetError makes the next call (or, if FailAlways is set for model, every
// call) to model fail with err.
func (m *MockClient) SetError(model string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err[model] = err
}

// SetFailAlways keeps model failing with its configured error on every
// call rather than just the next one.
func (m *MockClient) SetFailAlways(model string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailAlways[model] = fail
}

func (m *MockClient) Invoke(ctx context.Context, model string, messages []gatewaycore.ChatMessage, opts gatewaycore.InvokeOptions) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Model: model, Messages: messages, Opts: opts})

	if err, ok := m.Err[model]; ok {
		if !m.FailAlways[model] {
			delete(m.Err, model)
		}
		return "", err
	}

	queue := m.Responses[model]
	if len(queue) == 0 {
		return "", fmt.Errorf("modelclient: mock has no queued response for model %q", model)
	}
	reply := queue[0]
	m.Responses[model] = queue[1:]
	return reply, nil
}

// CallCount returns the number of recorded Invoke calls against model.
func (m *MockClient) CallCount(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Model == model {
			n++
		}
	}
	return n
}
