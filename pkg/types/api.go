package types

// GenerateRequest is the HTTP payload accepted by POST /generate.
type GenerateRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4
	Model string `json:"model,omitempty" example:"tinyllama-q4"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// If true, stream results as NDJSON token lines.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence matches.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty"`
	// Scheduling priority: low, normal, high, critical. Default normal.
	// example: high
	Priority string `json:"priority,omitempty" example:"high"`
	// Per-request deadline in milliseconds; 0 means no deadline.
	// example: 30000
	TimeoutMs int `json:"timeout_ms,omitempty" example:"30000"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// QueueStats reports admission queue depth.
type QueueStats struct {
	PendingTotal      int            `json:"pending_total"`
	PendingByPriority map[string]int `json:"pending_by_priority"`
}

// DeviceStats reports the detected accelerator memory profile.
type DeviceStats struct {
	Name           string `json:"name"`
	TotalBytes     uint64 `json:"total_bytes"`
	AllocatedBytes uint64 `json:"allocated_bytes"`
	FreeBytes      uint64 `json:"free_bytes"`
	HasAccelerator bool   `json:"has_accelerator"`
}

// LoadedModelStatus summarizes one loaded backend for GET /status.
type LoadedModelStatus struct {
	ModelID      string `json:"model_id"`
	State        string `json:"state"`
	EstBytes     uint64 `json:"est_bytes"`
	LoadedAtUnix int64  `json:"loaded_at_unix"`
	LastUsedUnix int64  `json:"last_used_unix"`
	UseCount     uint64 `json:"use_count"`
}

// PerformanceSummary is a rolling-window aggregate of request metrics.
// NoData is set when the window contains zero samples; all other fields are
// meaningless in that case.
type PerformanceSummary struct {
	NoData            bool    `json:"no_data"`
	Count             int     `json:"count"`
	MeanProcessingMs  float64 `json:"mean_processing_ms"`
	P50ProcessingMs   float64 `json:"p50_processing_ms"`
	P90ProcessingMs   float64 `json:"p90_processing_ms"`
	P99ProcessingMs   float64 `json:"p99_processing_ms"`
	MeanQueueWaitMs   float64 `json:"mean_queue_wait_ms"`
	MeanTokensPerSec  float64 `json:"mean_tokens_per_sec"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	RequestsPerMinute float64 `json:"requests_per_minute"`
}

// CacheStats reports response cache occupancy.
type CacheStats struct {
	Size     int  `json:"size"`
	Capacity int  `json:"capacity"`
	Enabled  bool `json:"enabled"`
}

// EngineStats is returned by GET /status.
type EngineStats struct {
	State       string              `json:"state"`
	Queue       QueueStats          `json:"queue"`
	Device      DeviceStats         `json:"device"`
	Models      []LoadedModelStatus `json:"models"`
	Performance PerformanceSummary  `json:"performance"`
	Cache       CacheStats          `json:"cache"`
	Errors      map[string]uint64   `json:"errors,omitempty"`
	UptimeSec   int64               `json:"uptime_seconds"`
}
