package httpapi

import (
	"net/http"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

func finishReason(stop string) string {
	if stop == string(engine.StopMaxTokens) {
		return "length"
	}
	return "stop"
}

func openAIUsage(u *types.Usage) types.OpenAIUsage {
	if u == nil {
		return types.OpenAIUsage{}
	}
	return types.OpenAIUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func samplingOverrides(maxTokens *int, temperature, topP *float32, seed *int64) *types.ConfigOverrides {
	return &types.ConfigOverrides{
		NPredict:    maxTokens,
		Temperature: temperature,
		TopP:        topP,
		Seed:        seed,
	}
}

// complete runs req and writes either the OpenAI-style error or hands the
// envelope to build.
func (h *handlers) complete(w http.ResponseWriter, r *http.Request, req types.SubmitRequest, build func(types.Response) types.CompletionResponse) {
	rl := newRequestLog(r)
	rl.begin(req.Model)
	ctx, cancel := workContext(r.Context())
	defer cancel()

	resp, err := h.svc.Submit(ctx, req)
	if abandoned(r.Context()) {
		rl.end(499, r.Context().Err())
		return
	}
	if err != nil {
		status := statusFor(err)
		rl.end(status, err)
		writeJSONError(w, status, err.Error())
		return
	}
	rl.end(http.StatusOK, nil)
	writeJSON(w, http.StatusOK, build(resp))
}

// @Summary  OpenAI-compatible text completion
// @Accept   json
// @Produce  json
// @Param    request body types.CompletionRequest true "request"
// @Success  200 {object} types.CompletionResponse
// @Router   /v1/completions [post]
func (h *handlers) completions(w http.ResponseWriter, r *http.Request) {
	var in types.CompletionRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	req := types.SubmitRequest{
		Model:  in.Model,
		Prompt: in.Prompt,
		Config: samplingOverrides(in.MaxTokens, in.Temperature, in.TopP, in.Seed),
	}
	if !hasInput(req) {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	h.complete(w, r, req, func(resp types.Response) types.CompletionResponse {
		return types.CompletionResponse{
			ID:      "cmpl-" + resp.RequestID,
			Object:  "text_completion",
			Created: resp.Timestamp / 1000,
			Model:   resp.Model,
			Choices: []types.CompletionChoice{{Text: resp.Response, FinishReason: finishReason(resp.StopReason)}},
			Usage:   openAIUsage(resp.Usage),
		}
	})
}

// @Summary  OpenAI-compatible chat completion
// @Accept   json
// @Produce  json
// @Param    request body types.ChatCompletionRequest true "request"
// @Success  200 {object} types.CompletionResponse
// @Router   /v1/chat/completions [post]
func (h *handlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var in types.ChatCompletionRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	req := types.SubmitRequest{
		Model:    in.Model,
		Messages: in.Messages,
		Config:   samplingOverrides(in.MaxTokens, in.Temperature, in.TopP, in.Seed),
	}
	if !hasInput(req) {
		writeJSONError(w, http.StatusBadRequest, "messages are required")
		return
	}
	h.complete(w, r, req, func(resp types.Response) types.CompletionResponse {
		return types.CompletionResponse{
			ID:      "chatcmpl-" + resp.RequestID,
			Object:  "chat.completion",
			Created: resp.Timestamp / 1000,
			Model:   resp.Model,
			Choices: []types.CompletionChoice{{
				Message:      &types.Message{Role: "assistant", Content: resp.Response},
				FinishReason: finishReason(resp.StopReason),
			}},
			Usage: openAIUsage(resp.Usage),
		}
	})
}
