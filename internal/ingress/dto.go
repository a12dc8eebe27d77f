// Package ingress is the HTTP boundary: OpenAI-compatible request/response
// DTOs, the middleware chain, and SSE framing. It is the only package that
// knows about wire JSON shapes; everything downstream speaks gatewaycore
// types.
package ingress

import "github.com/kestrelai/ensemble/internal/gatewaycore"

// chatMessageDTO is one OpenAI-shaped message.
type chatMessageDTO struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequestDTO is the inbound wire shape, extended with the
// gateway's x_* extension fields from spec.md §6.
type chatCompletionRequestDTO struct {
	Model    string           `json:"model,omitempty"`
	Messages []chatMessageDTO `json:"messages"`
	Stream   bool             `json:"stream,omitempty"`

	XThreads   *int    `json:"x_threads,omitempty"`
	XValidate  *bool   `json:"x_validate,omitempty"`
	XFusion    *string `json:"x_fusion,omitempty"`
	XMaxSteps  *int    `json:"x_max_steps,omitempty"`
}

func (r chatCompletionRequestDTO) toDomain() gatewaycore.Request {
	msgs := make([]gatewaycore.ChatMessage, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = gatewaycore.ChatMessage{Role: m.Role, Content: m.Content}
	}

	req := gatewaycore.Request{
		Messages: msgs,
		Stream:   r.Stream,
	}
	if r.XThreads != nil {
		req.Threads = *r.XThreads
	}
	req.Validate = r.XValidate
	if r.XFusion != nil {
		req.Fusion = gatewaycore.FusionStrategy(*r.XFusion)
	}
	if r.XMaxSteps != nil {
		req.MaxSteps = *r.XMaxSteps
	}
	return req
}

// usageMetaDTO is the gateway's custom extension to the response body.
type usageMetaDTO struct {
	ThreadsCompleted int `json:"threads_completed"`
	ThreadsFailed    int `json:"threads_failed"`
	FlaggedSteps     int `json:"flagged_steps"`
}

type choiceMessageDTO struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type choiceDTO struct {
	Index        int              `json:"index"`
	Message      choiceMessageDTO `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// chatCompletionResponseDTO is the non-streaming response shape.
type chatCompletionResponseDTO struct {
	ID        string       `json:"id"`
	Object    string       `json:"object"`
	Model     string       `json:"model"`
	Choices   []choiceDTO  `json:"choices"`
	UsageMeta usageMetaDTO `json:"usage_meta"`
}

func newChatCompletionResponse(id, model string, answer gatewaycore.FinalAnswer) chatCompletionResponseDTO {
	return chatCompletionResponseDTO{
		ID:     id,
		Object: "chat.completion",
		Model:  model,
		Choices: []choiceDTO{{
			Index:        0,
			Message:      choiceMessageDTO{Role: "assistant", Content: answer.Text},
			FinishReason: "stop",
		}},
		UsageMeta: usageMetaDTO{
			ThreadsCompleted: answer.ThreadsCompleted,
			ThreadsFailed:    answer.ThreadsFailed,
			FlaggedSteps:     answer.FlaggedSteps,
		},
	}
}

type deltaDTO struct {
	Content string `json:"content,omitempty"`
}

type streamChoiceDTO struct {
	Index        int      `json:"index"`
	Delta        deltaDTO `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

// chatCompletionChunkDTO is one SSE data frame for a streaming response.
type chatCompletionChunkDTO struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Model   string            `json:"model"`
	Choices []streamChoiceDTO `json:"choices"`
}

func newChunk(id, model string, event gatewaycore.StreamEvent) chatCompletionChunkDTO {
	var finishReason *string
	if event.Done {
		stop := "stop"
		finishReason = &stop
	}
	return chatCompletionChunkDTO{
		ID:     id,
		Object: "chat.completion.chunk",
		Model:  model,
		Choices: []streamChoiceDTO{{
			Index:        0,
			Delta:        deltaDTO{Content: event.Delta},
			FinishReason: finishReason,
		}},
	}
}

// errorDTO is the OpenAI-compatible error body shape.
type errorDTO struct {
	Error errorBodyDTO `json:"error"`
}

type errorBodyDTO struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
