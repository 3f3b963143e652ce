package interfaces

import (
	"context"
	"encoding/json"
)

// Queue statuses reported by the remote service
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
)

// UploadFile is a single file handed to remote storage
type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// TrainingImage is one image/caption pair of a training request
type TrainingImage struct {
	ImageURL string `json:"image_url"`
	Caption  string `json:"caption"`
}

// Hyperparameters are the fixed training settings
type Hyperparameters struct {
	Steps                     int     `json:"steps" yaml:"steps" toml:"steps"`
	LearningRate              float64 `json:"learning_rate" yaml:"learning_rate" toml:"learning_rate"`
	BatchSize                 int     `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Resolution                int     `json:"resolution" yaml:"resolution" toml:"resolution"`
	LoraRank                  int     `json:"lora_rank" yaml:"lora_rank" toml:"lora_rank"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps" toml:"gradient_accumulation_steps"`
	GradientCheckpointing     bool    `json:"gradient_checkpointing" yaml:"gradient_checkpointing" toml:"gradient_checkpointing"`
}

// TrainingRequest is the immutable payload of one training submission
type TrainingRequest struct {
	Images        []TrainingImage
	TriggerWord   string
	ModelName     string
	CaptionPrefix string
	Params        Hyperparameters
}

// File is a remote file reference returned by the service
type File struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
}

// TrainingResult is the decoded output of a finished training job
type TrainingResult struct {
	DiffusersLoraFile *File           `json:"diffusers_lora_file,omitempty"`
	ConfigFile        *File           `json:"config_file,omitempty"`
	Raw               json.RawMessage `json:"-"`
}

// LoraWeight references LoRA weights applied during inference
type LoraWeight struct {
	Path  string  `json:"path"`
	Scale float64 `json:"scale"`
}

// InferenceRequest represents a request to generate images
type InferenceRequest struct {
	Prompt              string
	LoraURL             string // empty selects the base model
	LoraScale           float64
	ImageSize           string
	NumInferenceSteps   int
	GuidanceScale       float64
	NumImages           int
	EnableSafetyChecker bool
	OutputFormat        string
	Seed                *int64
}

// GeneratedImage is one output image
type GeneratedImage struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// InferenceResult represents the response from image generation
type InferenceResult struct {
	Images []GeneratedImage `json:"images"`
	Seed   int64            `json:"seed,omitempty"`
	Prompt string           `json:"prompt,omitempty"`
}

// QueueLog is a log line attached to a queue status
type QueueLog struct {
	Message   string `json:"message"`
	Level     string `json:"level,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// QueueStatus is a progress snapshot of a queued job
type QueueStatus struct {
	RequestID     string     `json:"request_id,omitempty"`
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	Logs          []QueueLog `json:"logs,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// StatusCallback receives queue updates while a job is pending
type StatusCallback func(QueueStatus)

// TrainingService defines the remote operations needed to train a LoRA
type TrainingService interface {
	// Upload stores a file remotely and returns its URL
	Upload(ctx context.Context, file UploadFile) (string, error)

	// SubmitTraining submits one training job and blocks until it finishes
	SubmitTraining(ctx context.Context, req *TrainingRequest, onUpdate StatusCallback) (*TrainingResult, error)
}

// InferenceService generates images from a prompt
type InferenceService interface {
	RunInference(ctx context.Context, req *InferenceRequest, onUpdate StatusCallback) (*InferenceResult, error)
}

// UploadCache maps image content digests to previously uploaded URLs
type UploadCache interface {
	Get(ctx context.Context, digest string) (string, bool, error)
	Put(ctx context.Context, digest, url string) error
}
