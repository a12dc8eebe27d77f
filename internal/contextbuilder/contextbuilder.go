// Package contextbuilder implements the sliding-window compression policy
// that turns a thinking thread's step history into the message list fed to
// the next step. Build itself is a pure function; summarization of the
// compressed middle range is memoized per request, grounded on the
// reference framework's SimpleCache (orchestration/cache.go) keyed the same
// way: a sha256 digest of the cached content.
package contextbuilder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
)

// SummaryPrompt builds the prompt sent to the summary model for the given
// middle-range step bodies. Exposed as a var so tests and the ambient
// config layer can override it without restructuring the builder.
var SummaryPrompt = func(bodies []string) []gatewaycore.ChatMessage {
	var b strings.Builder
	b.WriteString("Summarize the following reasoning steps into one concise paragraph, preserving any conclusions reached:\n\n")
	for i, body := range bodies {
		fmt.Fprintf(&b, "Step %d: %s\n", i+1, body)
	}
	return []gatewaycore.ChatMessage{{Role: "user", Content: b.String()}}
}

// Builder computes the per-step message list, summarizing the compressed
// middle range via ModelClient and memoizing the result for the lifetime
// of one request.
type Builder struct {
	client      gatewaycore.ModelClient
	summaryModel string

	mu    sync.Mutex
	cache map[string]string
}

// New creates a Builder scoped to a single request. A fresh Builder must
// be constructed per request: the memoization cache is intentionally not
// shared across requests, keeping the core stateless per spec.md §9.
func New(client gatewaycore.ModelClient, summaryModel string) *Builder {
	return &Builder{
		client:       client,
		summaryModel: summaryModel,
		cache:        make(map[string]string),
	}
}

// Build returns the message list for step nextIndex, given the thread's
// step history so far and the original user messages.
func (b *Builder) Build(ctx context.Context, history []gatewaycore.Step, userMessages []gatewaycore.ChatMessage, nextIndex int) ([]gatewaycore.ChatMessage, error) {
	k := nextIndex
	out := make([]gatewaycore.ChatMessage, 0, len(userMessages)+4)
	out = append(out, userMessages...)

	switch {
	case k == 0:
		return out, nil
	case k == 1:
		out = append(out, assistantMsg(history[0].Body))
		return out, nil
	case k == 2:
		out = append(out, assistantMsg(history[0].Body), assistantMsg(history[1].Body))
		return out, nil
	default:
		middle := history[1 : k-2]
		summary, err := b.summarize(ctx, middle)
		if err != nil {
			return nil, err
		}
		out = append(out, assistantMsg(history[0].Body))
		out = append(out, assistantMsg(summary))
		out = append(out, assistantMsg(history[k-2].Body))
		out = append(out, assistantMsg(history[k-1].Body))
		return out, nil
	}
}

func assistantMsg(body string) gatewaycore.ChatMessage {
	return gatewaycore.ChatMessage{Role: "assistant", Content: body}
}

// summarize memoizes on the middle range's identity: its index bounds plus
// a content hash, so a repeated Build over the same middle range is a
// cache hit. When the thread grows by one step the middle range gains a
// step, its key changes, and it is summarized again.
func (b *Builder) summarize(ctx context.Context, middle []gatewaycore.Step) (string, error) {
	key := middleRangeKey(middle)

	b.mu.Lock()
	if cached, ok := b.cache[key]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	bodies := make([]string, len(middle))
	for i, s := range middle {
		bodies[i] = s.Body
	}

	reply, err := b.client.Invoke(ctx, b.summaryModel, SummaryPrompt(bodies), gatewaycore.InvokeOptions{})
	if err != nil {
		return "", fmt.Errorf("contextbuilder: summarize middle range: %w", err)
	}

	b.mu.Lock()
	b.cache[key] = reply
	b.mu.Unlock()

	return reply, nil
}

func middleRangeKey(middle []gatewaycore.Step) string {
	h := sha256.New()
	for _, s := range middle {
		h.Write([]byte(s.Body))
		h.Write([]byte{0})
	}
	digest := hex.EncodeToString(h.Sum(nil))[:16]
	lo, hi := 0, 0
	if len(middle) > 0 {
		lo, hi = middle[0].Index, middle[len(middle)-1].Index
	}
	return fmt.Sprintf("%d-%d-%s", lo, hi, digest)
}
