package types

import "encoding/json"

// Endpoints understood by the job handler.
const (
	EndpointPrompt  = "/prompt"
	EndpointExtract = "/extract"
	EndpointHealth  = "/health"
	EndpointWarmup  = "/warmup"
)

// Job is the inbound envelope.
type Job struct {
	// Job identifier; generated when empty.
	// example: 3f1c2a1e-8c4d-4c7e-9a47-0a5c1d2b3e4f
	ID    string   `json:"id,omitempty"`
	Input JobInput `json:"input"`
}

// JobInput selects the handler and carries its payload.
type JobInput struct {
	// example: /prompt
	Endpoint       string  `json:"endpoint" example:"/prompt"`
	Data           JobData `json:"data"`
	APIKey         string  `json:"api_key,omitempty"`
	CallbackURL    string  `json:"callback_url,omitempty"`
	CallbackAPIKey string  `json:"callback_api_key,omitempty"`
}

// JobData is the endpoint payload. Generation uses Prompt/Context; extraction uses the document fields.
type JobData struct {
	// example: Classify this invoice: ...
	Prompt           string            `json:"prompt,omitempty" example:"Classify this invoice: ..."`
	Context          map[string]any    `json:"context,omitempty"`
	GenerationConfig *GenerationConfig `json:"generation_config,omitempty"`

	DocumentBase64 string `json:"document_content_base64,omitempty"`
	DocumentURL    string `json:"document_url,omitempty"`
	// example: doc-2024-0042
	DocumentID string `json:"document_id,omitempty" example:"doc-2024-0042"`
	// example: invoice.pdf
	Filename string `json:"filename,omitempty" example:"invoice.pdf"`
}

// GenerationConfig overrides the stage defaults for one job.
type GenerationConfig struct {
	// example: 2048
	MaxNewTokens int `json:"max_new_tokens,omitempty" example:"2048"`
	// example: 0.1
	Temperature *float64 `json:"temperature,omitempty" example:"0.1"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	// example: 1.1
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" example:"1.1"`
}

// Result is the outbound envelope.
type Result struct {
	Success  bool            `json:"success"`
	Output   json.RawMessage `json:"output"`
	Error    *ErrorDetail    `json:"error,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

// ErrorDetail carries a typed failure.
type ErrorDetail struct {
	// example: InsufficientMemory
	Kind string `json:"kind" example:"InsufficientMemory"`
	// example: free memory below threshold for generation
	Message string         `json:"message"`
	Stage   string         `json:"stage,omitempty"`
	Field   string         `json:"field,omitempty"`
	Memory  *MemoryReport  `json:"memory,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Metadata accompanies every result.
type Metadata struct {
	JobID                 string   `json:"job_id,omitempty"`
	Endpoint              string   `json:"endpoint,omitempty"`
	ProcessingTimeSeconds float64  `json:"processing_time_seconds"`
	ModelIdentity         string   `json:"model_identity,omitempty"`
	Stage                 string   `json:"stage,omitempty"`
	OutputTokens          int      `json:"output_tokens,omitempty"`
	PromptLength          int      `json:"prompt_length,omitempty"`
	DefaultsApplied       []string `json:"defaults_applied,omitempty"`
	Warnings              []string `json:"warnings,omitempty"`
	Deduplicated          bool     `json:"deduplicated,omitempty"`
	GeneratedAt           string   `json:"generated_at,omitempty"`
}

// MemoryReport is a device memory snapshot in bytes.
type MemoryReport struct {
	TotalBytes     uint64 `json:"total_bytes"`
	AllocatedBytes uint64 `json:"allocated_bytes"`
	ReservedBytes  uint64 `json:"reserved_bytes"`
	FreeBytes      uint64 `json:"free_bytes"`
}

// DeviceReport identifies the accelerator.
type DeviceReport struct {
	Name              string `json:"name"`
	ComputeCapability string `json:"compute_capability,omitempty"`
	DriverVersion     string `json:"driver_version,omitempty"`
}

// GateClassStats describes one admission class.
type GateClassStats struct {
	Limit    int    `json:"limit"`
	Inflight int    `json:"inflight"`
	Queued   int    `json:"queued"`
	MinFree  uint64 `json:"min_free_bytes"`
}

// Health statuses. Degraded means no accelerator is visible; fatal means a
// model load failure has latched and the process is stopping.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthFatal    = "fatal"
)

// HealthResponse is returned by the /health endpoint. Producing it never loads the model.
type HealthResponse struct {
	// example: healthy
	Status               string                    `json:"status" example:"healthy"`
	AcceleratorAvailable bool                      `json:"accelerator_available"`
	Device               *DeviceReport             `json:"device,omitempty"`
	Memory               *MemoryReport             `json:"memory,omitempty"`
	ModelLoaded          bool                      `json:"model_loaded"`
	ModelIdentity        string                    `json:"model_identity,omitempty"`
	Fatal                string                    `json:"fatal,omitempty"`
	Gate                 map[string]GateClassStats `json:"gate,omitempty"`
	ServerTimeUnix       int64                     `json:"server_time_unix"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// example: ready
	State         string   `json:"state" example:"ready"`
	Model         *Model   `json:"model,omitempty"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
	Runtime       string   `json:"runtime,omitempty"`
	LoadedAtUnix  int64    `json:"loaded_at_unix,omitempty"`
	LoadsTotal    uint64   `json:"loads_total"`
	Generations   uint64   `json:"generations_total"`
	LastError     string   `json:"last_error,omitempty"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Stages        []string `json:"stages,omitempty"`
	// Recent model lifecycle events, oldest first.
	Events []LifecycleEvent `json:"events,omitempty"`
}

// LifecycleEvent is one model load or cache release transition.
type LifecycleEvent struct {
	AtUnix int64          `json:"at_unix"`
	Name   string         `json:"name" example:"ensure_ready"`
	Fields map[string]any `json:"fields,omitempty"`
}

// AsyncAccepted is returned by POST /run.
type AsyncAccepted struct {
	ID string `json:"id"`
	// example: IN_QUEUE
	Status string `json:"status" example:"IN_QUEUE"`
}

// Job statuses reported by /run, /jobs/{id} and callbacks.
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// JobRecord is returned by GET /jobs/{id}.
type JobRecord struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Endpoint      string  `json:"endpoint"`
	DocumentID    string  `json:"document_id,omitempty"`
	CreatedAtUnix int64   `json:"created_at_unix"`
	UpdatedAtUnix int64   `json:"updated_at_unix"`
	Result        *Result `json:"result,omitempty"`
}

// ErrorResponse is a consistent JSON error payload for transport errors.
type ErrorResponse struct {
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// example: 400
	Code int `json:"code" example:"400"`
}

// CallbackPayload is POSTed to callback_url when a job finishes.
type CallbackPayload struct {
	JobID  string       `json:"job_id"`
	Status string       `json:"status"`
	APIKey string       `json:"api_key,omitempty"`
	Result *Result      `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}
