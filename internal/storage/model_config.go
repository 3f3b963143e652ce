package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/models"
)

// Persister writes the trained model record to a fixed local file
type Persister struct {
	path          string
	usageExamples []string
	now           func() time.Time
}

// NewPersister creates a persister writing to path
func NewPersister(path string, usageExamples []string) *Persister {
	return &Persister{
		path:          path,
		usageExamples: usageExamples,
		now:           time.Now,
	}
}

// WithClock replaces the timestamp source
func (p *Persister) WithClock(now func() time.Time) *Persister {
	p.now = now
	return p
}

// Path returns the output file path
func (p *Persister) Path() string {
	return p.path
}

// BuildRecord extracts the artifact URLs of res; absent files become null
func (p *Persister) BuildRecord(req *interfaces.TrainingRequest, res *interfaces.TrainingResult) *models.TrainedModelRecord {
	rec := &models.TrainedModelRecord{
		TriggerWord:    req.TriggerWord,
		ModelName:      req.ModelName,
		TrainingImages: len(req.Images),
		TrainingSteps:  req.Params.Steps,
		TrainedAt:      p.now().UTC().Truncate(time.Second),
		TrainingParams: req.Params,
		UsageExamples:  append([]string{}, p.usageExamples...),
	}
	if res != nil {
		rec.ModelURL = fileURL(res.DiffusersLoraFile)
		rec.ConfigURL = fileURL(res.ConfigFile)
	}
	return rec
}

// Persist builds the record and overwrites the output file with it
func (p *Persister) Persist(req *interfaces.TrainingRequest, res *interfaces.TrainingResult) (*models.TrainedModelRecord, error) {
	rec := p.BuildRecord(req, res)
	if err := writeJSONFile(p.path, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadRecord reads a record written by Persist
func LoadRecord(path string) (*models.TrainedModelRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}

	var rec models.TrainedModelRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse model config %s: %w", path, err)
	}
	return &rec, nil
}

func fileURL(f *interfaces.File) *string {
	if f == nil || f.URL == "" {
		return nil
	}
	url := f.URL
	return &url
}

// writeJSONFile replaces path with the indented JSON of v. The temp file lives
// in the same directory so the rename stays on one filesystem.
func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
