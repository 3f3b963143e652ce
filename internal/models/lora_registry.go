package models

import (
	"time"

	"lora-trainer/internal/interfaces"
)

// TrainedModelRecord is the JSON document written after a successful training run
type TrainedModelRecord struct {
	ModelURL       *string                    `json:"model_url"`
	ConfigURL      *string                    `json:"config_url"`
	TriggerWord    string                     `json:"trigger_word"`
	ModelName      string                     `json:"model_name"`
	TrainingImages int                        `json:"training_images"`
	TrainingSteps  int                        `json:"training_steps"`
	TrainedAt      time.Time                  `json:"trained_at"`
	TrainingParams interfaces.Hyperparameters `json:"training_params"`
	UsageExamples  []string                   `json:"usage_examples"`
}

// LoraURL returns the weights URL, or "" when training produced none
func (r *TrainedModelRecord) LoraURL() string {
	if r == nil || r.ModelURL == nil {
		return ""
	}
	return *r.ModelURL
}

// TrainedModel is one row of the training history table
type TrainedModel struct {
	ID             uint                       `gorm:"primaryKey" json:"id"`
	ModelName      string                     `gorm:"size:128;index" json:"model_name"`
	TriggerWord    string                     `gorm:"size:64" json:"trigger_word"`
	ModelURL       string                     `gorm:"size:1024" json:"model_url"`
	ConfigURL      string                     `gorm:"size:1024" json:"config_url"`
	TrainingImages int                        `json:"training_images"`
	Params         interfaces.Hyperparameters `gorm:"embedded;embeddedPrefix:param_" json:"training_params"`
	TrainedAt      time.Time                  `gorm:"index" json:"trained_at"`
	CreatedAt      time.Time                  `json:"created_at"`
}

// NewTrainedModel converts a persisted record into a history row
func NewTrainedModel(rec *TrainedModelRecord) *TrainedModel {
	m := &TrainedModel{
		ModelName:      rec.ModelName,
		TriggerWord:    rec.TriggerWord,
		TrainingImages: rec.TrainingImages,
		Params:         rec.TrainingParams,
		TrainedAt:      rec.TrainedAt,
	}
	if rec.ModelURL != nil {
		m.ModelURL = *rec.ModelURL
	}
	if rec.ConfigURL != nil {
		m.ConfigURL = *rec.ConfigURL
	}
	return m
}
