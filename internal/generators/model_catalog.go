package generators

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"lora-trainer/internal/models"
	"lora-trainer/internal/storage"
)

// ErrNoModel is returned when no trained model can be resolved
var ErrNoModel = errors.New("no trained model available")

// ModelHistory is the read side of the training history store
type ModelHistory interface {
	ListModels(ctx context.Context, limit int) ([]models.TrainedModel, error)
	LatestByName(ctx context.Context, name string) (*models.TrainedModel, error)
}

// ModelCatalog resolves which LoRA weights inference should use
type ModelCatalog struct {
	configPath string
	history    ModelHistory
}

// NewModelCatalog creates a catalog over the model config file. history may be nil.
func NewModelCatalog(configPath string, history ModelHistory) *ModelCatalog {
	return &ModelCatalog{
		configPath: configPath,
		history:    history,
	}
}

// Current returns the model recorded by the last successful training run
func (c *ModelCatalog) Current() (*models.TrainedModelRecord, error) {
	rec, err := storage.LoadRecord(c.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found, run training first", ErrNoModel, c.configPath)
		}
		return nil, err
	}
	return rec, nil
}

// Resolve maps ref to a LoRA URL. An empty ref selects the current model,
// an http(s) URL is used as is and anything else is looked up by model name.
func (c *ModelCatalog) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		rec, err := c.Current()
		if err != nil {
			return "", err
		}
		if rec.LoraURL() == "" {
			return "", fmt.Errorf("%w: %s has no model_url", ErrNoModel, c.configPath)
		}
		return rec.LoraURL(), nil

	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		return ref, nil
	}

	if rec, err := c.Current(); err == nil && rec.ModelName == ref && rec.LoraURL() != "" {
		return rec.LoraURL(), nil
	}
	if c.history == nil {
		return "", fmt.Errorf("%w: unknown model %q", ErrNoModel, ref)
	}

	row, err := c.history.LatestByName(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoModel, err)
	}
	if row.ModelURL == "" {
		return "", fmt.Errorf("%w: model %q has no model_url", ErrNoModel, ref)
	}
	return row.ModelURL, nil
}

// History lists past training runs, newest first
func (c *ModelCatalog) History(ctx context.Context, limit int) ([]models.TrainedModel, error) {
	if c.history == nil {
		return []models.TrainedModel{}, nil
	}
	return c.history.ListModels(ctx, limit)
}
