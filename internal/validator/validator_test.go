package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
	"github.com/kestrelai/ensemble/internal/modelclient"
)

type capturingLogger struct {
	gatewaycore.NoOpLogger
	warnings []string
}

func (l *capturingLogger) Warn(msg string, fields map[string]interface{}) {
	l.warnings = append(l.warnings, msg)
}

func defaultConfig() Config {
	return Config{
		Counterexamples:      3,
		Votes:                3,
		CounterexampleModel:  "ce-model",
		VoteModel:            "vote-model",
		VoteJSONField:        "vote",
		MainKeywords:         []string{"vote: main"},
		CounterKeywords:      []string{"vote: counter"},
	}
}

func TestValidate_AllMainVotes_Accepted(t *testing.T) {
	m := modelclient.NewMockClient()
	m.SetResponses("ce-model", "ce1", "ce2", "ce3")
	m.SetResponses("vote-model", `{"vote":"main"}`, `{"vote":"main"}`, `{"vote":"main"}`)

	v := New(m, defaultConfig())
	verdict := v.Validate(context.Background(), "step body", "question")

	assert.Equal(t, gatewaycore.VerdictAccepted, verdict.Outcome)
}

func TestValidate_AllCounterVotes_Flagged(t *testing.T) {
	m := modelclient.NewMockClient()
	m.SetResponses("ce-model", "ce1", "ce2", "ce3")
	m.SetResponses("vote-model", `{"vote":"counter"}`, `{"vote":"counter"}`, `{"vote":"counter"}`)

	v := New(m, defaultConfig())
	verdict := v.Validate(context.Background(), "step body", "question")

	assert.Equal(t, gatewaycore.VerdictFlagged, verdict.Outcome)
}

func TestValidate_ExactTie_Accepted(t *testing.T) {
	m := modelclient.NewMockClient()
	m.SetResponses("ce-model", "ce1", "ce2")
	cfg := defaultConfig()
	cfg.Counterexamples = 2
	cfg.Votes = 2
	m.SetResponses("vote-model", `{"vote":"main"}`, `{"vote":"counter"}`)

	v := New(m, cfg)
	verdict := v.Validate(context.Background(), "step body", "question")

	assert.Equal(t, gatewaycore.VerdictAccepted, verdict.Outcome)
}

func TestValidate_AbstentionsDoNotCount(t *testing.T) {
	m := modelclient.NewMockClient()
	m.SetResponses("ce-model", "ce1", "ce2", "ce3")
	m.SetResponses("vote-model", `{"vote":"abstain"}`, `{"vote":"counter"}`, `{"vote":"main"}`)

	v := New(m, defaultConfig())
	verdict := v.Validate(context.Background(), "step body", "question")

	assert.Equal(t, gatewaycore.VerdictAccepted, verdict.Outcome)
}

func TestValidate_UnparseableVote_AbstainsAndDoesNotCrash(t *testing.T) {
	m := modelclient.NewMockClient()
	m.SetResponses("ce-model", "ce1", "ce2", "ce3")
	m.SetResponses("vote-model", "not json, no keywords here", `{"vote":"main"}`, `{"vote":"counter"}`)

	v := New(m, defaultConfig())
	verdict := v.Validate(context.Background(), "step body", "question")

	assert.Equal(t, gatewaycore.VerdictAccepted, verdict.Outcome)
}

func TestValidate_AllCounterexampleCallsFail_Skipped(t *testing.T) {
	m := modelclient.NewMockClient()
	m.SetError("ce-model", errors.New("down"))
	m.SetFailAlways("ce-model", true)
	logger := &capturingLogger{}

	v := New(m, defaultConfig()).WithLogger(logger)
	verdict := v.Validate(context.Background(), "step body", "question")

	assert.Equal(t, gatewaycore.VerdictSkipped, verdict.Outcome)
	assert.Len(t, logger.warnings, 1)
}

func TestValidate_AllVoteCallsFail_Skipped(t *testing.T) {
	m := modelclient.NewMockClient()
	m.SetResponses("ce-model", "ce1", "ce2", "ce3")
	m.SetError("vote-model", errors.New("down"))
	m.SetFailAlways("vote-model", true)
	logger := &capturingLogger{}

	v := New(m, defaultConfig()).WithLogger(logger)
	verdict := v.Validate(context.Background(), "step body", "question")

	assert.Equal(t, gatewaycore.VerdictSkipped, verdict.Outcome)
	assert.Len(t, logger.warnings, 1)
}

func TestValidate_KeywordFallback(t *testing.T) {
	m := modelclient.NewMockClient()
	m.SetResponses("ce-model", "ce1")
	cfg := defaultConfig()
	cfg.Counterexamples = 1
	cfg.Votes = 1
	m.SetResponses("vote-model", "I think vote: counter is right here")

	v := New(m, cfg)
	verdict := v.Validate(context.Background(), "step body", "question")

	assert.Equal(t, gatewaycore.VerdictFlagged, verdict.Outcome)
}
