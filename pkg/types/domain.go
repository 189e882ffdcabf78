package types

import "time"

// Priority orders requests for admission and batch formation.
// Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	NumPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its value. Unknown or empty
// strings map to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishError  FinishReason = "error"
)

// Model describes a registered model artifact on disk. Registration only
// records configuration; no memory is committed until the backend loads it.
type Model struct {
	// Stable identifier for the model.
	// example: tinyllama-q4
	ID string `json:"id" example:"tinyllama-q4"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	Name string `json:"name" example:"TinyLlama (Q4)"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Context window size passed to the backend (0 = backend default).
	ContextSize int `json:"context_size,omitempty"`
	// Backend batch size (0 = backend default).
	BatchSize int `json:"batch_size,omitempty"`
	// Default sampling temperature when a request leaves it unset.
	DefaultTemperature float64 `json:"default_temperature,omitempty"`
}

// Request is a single generation request. It is created once by the caller
// and never mutated after admission, except for the queue timestamp stamped
// on enqueue.
type Request struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Priority    Priority  `json:"priority"`
	Stream      bool      `json:"stream,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	EnqueuedAt  time.Time `json:"-"`

	// Completion is an opaque slot used by the engine to attach the
	// caller-visible completion handle. Never serialized.
	Completion any `json:"-"`
}

// Response is produced exactly once per request. Cache hits synthesize a
// copy with a fresh id and near-zero processing duration.
type Response struct {
	ID              string        `json:"id"`
	Text            string        `json:"text"`
	TokensGenerated int           `json:"tokens_generated"`
	FinishReason    FinishReason  `json:"finish_reason"`
	ProcessedIn     time.Duration `json:"processed_in_ns"`
	QueueWait       time.Duration `json:"queue_wait_ns"`
	Model           string        `json:"model"`
	BatchSize       int           `json:"batch_size"`
	CacheHit        bool          `json:"cache_hit"`
}
