package model

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse carries Detail as a flat copy of the message for clients that
// only read a top-level string.
type ErrorResponse struct {
	Error     APIError `json:"error"`
	Detail    string   `json:"detail"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Model       string `json:"model"`
	ModelLoaded bool   `json:"model_loaded"`
}

type ReadyResponse struct {
	OK    bool   `json:"ok"`
	Model string `json:"model,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TranscriptionResponse carries the refine fields only for ?refine=true.
type TranscriptionResponse struct {
	Text         string  `json:"text"`
	Duration     float64 `json:"duration"`
	Language     string  `json:"language"`
	RawText      string  `json:"raw_text,omitempty"`
	RefineStatus string  `json:"refine_status,omitempty"`
	RefineModel  string  `json:"refine_model,omitempty"`
}

type RefineRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type RefineResponse struct {
	Refined string      `json:"refined"`
	Model   string      `json:"model"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

type ModelPricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

type ModelInfo struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Description         string       `json:"description"`
	Pricing             ModelPricing `json:"pricing"`
	ContextLength       int          `json:"context_length"`
	MaxCompletionTokens int          `json:"max_completion_tokens"`
	IsFree              bool         `json:"isFree"`
}

type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}
