package types

// Model represents a weights file on disk.
type Model struct {
	// Stable identifier for the model (file name).
	// example: mixtral-8x7b-instruct.Q4_K_M.gguf
	ID string `json:"id" example:"mixtral-8x7b-instruct.Q4_K_M.gguf"`
	// Human-friendly name.
	// example: Mixtral 8x7B Instruct
	Name string `json:"name" example:"Mixtral 8x7B Instruct"`
	// Absolute path to the model file on disk.
	// example: /models/mixtral-8x7b-instruct.Q4_K_M.gguf
	Path string `json:"path" example:"/models/mixtral-8x7b-instruct.Q4_K_M.gguf"`
	// Quantization variant read from the file header.
	// example: Q4_K_M
	Quant string `json:"quant" example:"Q4_K_M"`
	// Architecture family.
	// example: llama
	Family string `json:"family,omitempty" example:"llama"`
	// Number of transformer blocks.
	// example: 32
	Layers int `json:"layers,omitempty" example:"32"`
	// File size in bytes.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}
