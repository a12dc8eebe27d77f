// Package validator implements the per-step adversarial validation
// sub-pipeline: K parallel counterexample calls followed by V parallel
// vote calls, tallied into an accepted/flagged/skipped verdict. Fan-out is
// done with a WaitGroup over buffered result slices, following the same
// pattern the reference framework's orchestration package uses for
// collecting concurrent sub-task results, rather than an errgroup
// dependency the examples never reach for.
package validator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
)

// Config controls the validator's fan-out width and vote parsing.
type Config struct {
	Counterexamples int
	Votes           int

	CounterexampleModel string
	VoteModel            string

	// VoteJSONField is inspected first when a vote response looks like
	// JSON; its value is matched case-insensitively against "main" and
	// "counter". Falls back to keyword scanning when absent or unparseable.
	VoteJSONField   string
	MainKeywords    []string
	CounterKeywords []string
}

// Validator runs the counterexample-then-vote pipeline against one step.
type Validator struct {
	client gatewaycore.ModelClient
	cfg    Config
	logger gatewaycore.Logger
}

func New(client gatewaycore.ModelClient, cfg Config) *Validator {
	if cfg.Counterexamples <= 0 {
		cfg.Counterexamples = 3
	}
	if cfg.Votes <= 0 {
		cfg.Votes = 3
	}
	if cfg.VoteJSONField == "" {
		cfg.VoteJSONField = "vote"
	}
	return &Validator{client: client, cfg: cfg, logger: gatewaycore.NoOpLogger{}}
}

// WithLogger attaches a logger that records validation skips.
func (v *Validator) WithLogger(logger gatewaycore.Logger) *Validator {
	v.logger = logger
	return v
}

// Validate produces a ValidationVerdict for stepText. It never returns an
// error: every upstream failure is absorbed into either an empty
// counterexample/abstain vote, or — if every call in a phase fails — a
// VerdictSkipped outcome.
func (v *Validator) Validate(ctx context.Context, stepText, userQuestion string) gatewaycore.ValidationVerdict {
	counterexamples, ceFailures := v.generateCounterexamples(ctx, stepText, userQuestion)
	if ceFailures == len(counterexamples) {
		v.logger.Warn("validation skipped: all counterexample calls failed", map[string]interface{}{"count": ceFailures})
		return gatewaycore.ValidationVerdict{
			Counterexamples: counterexamples,
			Outcome:         gatewaycore.VerdictSkipped,
		}
	}

	votes, voteFailures := v.collectVotes(ctx, stepText, counterexamples, userQuestion)
	if voteFailures == len(votes) {
		v.logger.Warn("validation skipped: all vote calls failed", map[string]interface{}{"count": voteFailures})
		return gatewaycore.ValidationVerdict{
			Counterexamples: counterexamples,
			Votes:           votes,
			Outcome:         gatewaycore.VerdictSkipped,
		}
	}

	return gatewaycore.ValidationVerdict{
		Counterexamples: counterexamples,
		Votes:           votes,
		Outcome:         tally(votes),
	}
}

func (v *Validator) generateCounterexamples(ctx context.Context, stepText, userQuestion string) ([]string, int) {
	n := v.cfg.Counterexamples
	results := make([]string, n)
	failed := make([]bool, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msgs := counterexamplePrompt(stepText, userQuestion)
			reply, err := v.client.Invoke(ctx, v.cfg.CounterexampleModel, msgs, gatewaycore.InvokeOptions{})
			if err != nil {
				failed[i] = true
				return
			}
			results[i] = reply
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, f := range failed {
		if f {
			failures++
		}
	}
	return results, failures
}

func (v *Validator) collectVotes(ctx context.Context, stepText string, counterexamples []string, userQuestion string) ([]gatewaycore.Vote, int) {
	n := v.cfg.Votes
	results := make([]gatewaycore.Vote, n)
	failed := make([]bool, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msgs := votePrompt(stepText, counterexamples, userQuestion)
			reply, err := v.client.Invoke(ctx, v.cfg.VoteModel, msgs, gatewaycore.InvokeOptions{})
			if err != nil {
				failed[i] = true
				results[i] = gatewaycore.VoteAbstain
				return
			}
			results[i] = v.parseVote(reply)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, f := range failed {
		if f {
			failures++
		}
	}
	return results, failures
}

// parseVote resolves a vote model's free-form reply into main/counter/
// abstain. It tries a JSON field first (the model was asked to respond
// with {"vote": "..."}) and falls back to a configured keyword scan;
// anything still unresolved is abstain, per spec.md §4.4.
func (v *Validator) parseVote(reply string) gatewaycore.Vote {
	trimmed := strings.TrimSpace(reply)
	candidate := trimmed
	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		candidate = trimmed[start : end+1]
	}
	if gjson.Valid(candidate) {
		if field := gjson.Get(candidate, v.cfg.VoteJSONField); field.Exists() {
			if vote, ok := matchVoteWord(field.String()); ok {
				return vote
			}
		}
	}

	lower := strings.ToLower(trimmed)
	for _, kw := range v.cfg.MainKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return gatewaycore.VoteMain
		}
	}
	for _, kw := range v.cfg.CounterKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return gatewaycore.VoteCounter
		}
	}
	return gatewaycore.VoteAbstain
}

func matchVoteWord(s string) (gatewaycore.Vote, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "main":
		return gatewaycore.VoteMain, true
	case "counter":
		return gatewaycore.VoteCounter, true
	case "abstain":
		return gatewaycore.VoteAbstain, true
	default:
		return "", false
	}
}

// tally implements the outcome rule: accepted iff count(main) >=
// count(counter); abstentions never influence the result, and an exact
// tie (including 0-0) favors accepted.
func tally(votes []gatewaycore.Vote) gatewaycore.Verdict {
	main, counter := 0, 0
	for _, vote := range votes {
		switch vote {
		case gatewaycore.VoteMain:
			main++
		case gatewaycore.VoteCounter:
			counter++
		}
	}
	if main >= counter {
		return gatewaycore.VerdictAccepted
	}
	return gatewaycore.VerdictFlagged
}

func counterexamplePrompt(stepText, userQuestion string) []gatewaycore.ChatMessage {
	content := fmt.Sprintf(
		"The user asked: %s\n\nA reasoning step proposed:\n%s\n\nFind the strongest flaw, gap, or counterexample in this step. Be specific and adversarial.",
		userQuestion, stepText,
	)
	return []gatewaycore.ChatMessage{{Role: "user", Content: content}}
}

func votePrompt(stepText string, counterexamples []string, userQuestion string) []gatewaycore.ChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "The user asked: %s\n\nProposed reasoning step:\n%s\n\nCounterexamples raised against it:\n", userQuestion, stepText)
	for i, ce := range counterexamples {
		fmt.Fprintf(&b, "%d. %s\n", i+1, ce)
	}
	b.WriteString("\nDoes the step withstand these counterexamples? Respond with JSON {\"vote\": \"main\"} if the step holds, {\"vote\": \"counter\"} if a counterexample defeats it, or {\"vote\": \"abstain\"} if unclear.")
	return []gatewaycore.ChatMessage{{Role: "user", Content: b.String()}}
}
