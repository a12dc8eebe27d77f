// Package fusion collapses a set of completed thinking threads into one
// final answer. Grounded on the reference framework's AISynthesizer
// (orchestration/synthesizer.go): an LLM-backed strategy with a
// deterministic non-AI fallback, selected by a configured strategy value
// rather than a dynamic dispatch table.
package fusion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
)

// Config controls the fusion stage.
type Config struct {
	Strategy        gatewaycore.FusionStrategy
	FusionModel     string
	ConcatDelimiter string
}

// Fuser merges completed threads into one text.
type Fuser struct {
	client gatewaycore.ModelClient
	cfg    Config
	logger gatewaycore.Logger
}

func New(client gatewaycore.ModelClient, cfg Config) *Fuser {
	if cfg.Strategy == "" {
		cfg.Strategy = gatewaycore.FusionIntelligent
	}
	if cfg.ConcatDelimiter == "" {
		cfg.ConcatDelimiter = "\n\n---\n\n"
	}
	return &Fuser{client: client, cfg: cfg, logger: gatewaycore.NoOpLogger{}}
}

// WithLogger attaches a logger that records fallback-to-concat events.
func (f *Fuser) WithLogger(logger gatewaycore.Logger) *Fuser {
	f.logger = logger
	return f
}

// Fuse merges the given completed threads (any non-completed thread in
// input is the caller's bug, not fusion's to detect) into one answer text.
// Threads are read in ascending ID order for reproducibility. Intelligent
// fusion falling back to concat is the only failure mode that does not
// propagate an error — concat cannot fail.
func (f *Fuser) Fuse(ctx context.Context, input gatewaycore.FusionInput) (string, error) {
	threads := append([]*gatewaycore.ThreadState(nil), input.Threads...)
	sort.Slice(threads, func(i, j int) bool { return threads[i].ID < threads[j].ID })

	strategy := f.cfg.Strategy
	if input.StrategyOverride != "" {
		strategy = input.StrategyOverride
	}

	if strategy == gatewaycore.FusionConcat {
		return f.concat(threads), nil
	}

	text, err := f.intelligent(ctx, threads, input.UserMessages)
	if err != nil {
		f.logger.Warn("intelligent fusion failed, falling back to concat", map[string]interface{}{"error": err.Error()})
		return f.concat(threads), nil
	}
	return text, nil
}

func (f *Fuser) concat(threads []*gatewaycore.ThreadState) string {
	parts := make([]string, 0, len(threads))
	for _, th := range threads {
		parts = append(parts, th.LastStep().Body)
	}
	return strings.Join(parts, f.cfg.ConcatDelimiter)
}

func (f *Fuser) intelligent(ctx context.Context, threads []*gatewaycore.ThreadState, userMessages []gatewaycore.ChatMessage) (string, error) {
	prompt := f.buildSynthesisPrompt(threads, userMessages)
	reply, err := f.client.Invoke(ctx, f.cfg.FusionModel, []gatewaycore.ChatMessage{
		{Role: "system", Content: "You synthesize multiple independent reasoning threads into one coherent, final answer."},
		{Role: "user", Content: prompt},
	}, gatewaycore.InvokeOptions{Temperature: 0.5})
	if err != nil {
		return "", fmt.Errorf("fusion: intelligent strategy: %w", err)
	}
	return reply, nil
}

// buildSynthesisPrompt mirrors the reference framework's
// AISynthesizer.buildSynthesisPrompt shape: original request, each
// contributor's output, then explicit synthesis instructions. Only each
// thread's last step is included — validation metadata stays out-of-band
// in response usage_meta, per spec.md §4.5.
func (f *Fuser) buildSynthesisPrompt(threads []*gatewaycore.ThreadState, userMessages []gatewaycore.ChatMessage) string {
	var b strings.Builder

	b.WriteString("User request:\n")
	for _, m := range userMessages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\nIndependent reasoning threads reached the following conclusions:\n\n")

	for _, th := range threads {
		fmt.Fprintf(&b, "--- Thread %d ---\n%s\n\n", th.ID, th.LastStep().Body)
	}

	b.WriteString("Instructions:\n")
	b.WriteString("1. Extract conclusions shared across threads\n")
	b.WriteString("2. Integrate unique insights raised by only one thread\n")
	b.WriteString("3. Resolve any contradictions between threads explicitly\n")
	b.WriteString("4. Respond with the final answer only, no meta-commentary\n")

	return b.String()
}
