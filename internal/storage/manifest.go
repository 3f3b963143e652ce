package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"lora-trainer/internal/collector"
	"lora-trainer/internal/interfaces"
)

// Manifest describes a training set for manual upload through the fal web UI
type Manifest struct {
	ModelName      string                     `json:"model_name"`
	TriggerWord    string                     `json:"trigger_word"`
	CaptionPrefix  string                     `json:"caption_prefix,omitempty"`
	TrainingConfig interfaces.Hyperparameters `json:"training_config"`
	Images         []ManifestImage            `json:"images"`
}

// ManifestImage is one file of the manifest
type ManifestImage struct {
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}

// NewManifest builds a manifest from collected images
func NewManifest(modelName, triggerWord, captionPrefix string, params interfaces.Hyperparameters, records []collector.ImageRecord) *Manifest {
	m := &Manifest{
		ModelName:      modelName,
		TriggerWord:    triggerWord,
		CaptionPrefix:  captionPrefix,
		TrainingConfig: params,
		Images:         make([]ManifestImage, 0, len(records)),
	}
	for _, r := range records {
		m.Images = append(m.Images, ManifestImage{Filename: r.Name, Caption: r.Caption})
	}
	return m
}

// WriteManifest overwrites path with the manifest
func WriteManifest(path string, m *Manifest) error {
	return writeJSONFile(path, m)
}

// LoadManifest reads a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}
