package engine

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"lora-trainer/internal/collector"
	"lora-trainer/internal/config"
	"lora-trainer/internal/generators"
	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/metrics"
	"lora-trainer/internal/models"
	"lora-trainer/internal/prompts"
	"lora-trainer/internal/storage"
)

// HistoryStore records every trained model
type HistoryStore interface {
	SaveRecord(ctx context.Context, rec *models.TrainedModelRecord) (*models.TrainedModel, error)
}

// Notifier announces a newly trained model
type Notifier interface {
	NotifyTrained(ctx context.Context, rec *models.TrainedModelRecord) error
}

// TrainingEngine runs collect, train and persist as one pipeline
type TrainingEngine struct {
	cfg      *config.Config
	service  interfaces.TrainingService
	cache    interfaces.UploadCache
	history  HistoryStore
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
	log      *log.Entry
}

// Option configures a TrainingEngine
type Option func(*TrainingEngine)

func WithUploadCache(cache interfaces.UploadCache) Option {
	return func(e *TrainingEngine) { e.cache = cache }
}

func WithHistory(history HistoryStore) Option {
	return func(e *TrainingEngine) { e.history = history }
}

func WithNotifier(n Notifier) Option {
	return func(e *TrainingEngine) { e.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *TrainingEngine) { e.metrics = m }
}

// WithClock sets the source of the trained_at timestamp
func WithClock(now func() time.Time) Option {
	return func(e *TrainingEngine) { e.now = now }
}

// NewTrainingEngine creates an engine over service
func NewTrainingEngine(cfg *config.Config, service interfaces.TrainingService, opts ...Option) *TrainingEngine {
	e := &TrainingEngine{
		cfg:     cfg,
		service: service,
		now:     time.Now,
		log:     log.WithField("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run trains one model from the configured image folder and persists it.
// Nothing is written when collecting or training fails. History and
// notification failures only log a warning.
func (e *TrainingEngine) Run(ctx context.Context, onUpdate interfaces.StatusCallback) (*models.TrainedModelRecord, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}

	records, err := e.Collect()
	if err != nil {
		return nil, err
	}
	e.log.WithFields(log.Fields{
		"images": len(records),
		"dir":    e.cfg.Training.ImagesDir,
	}).Info("collected training images")

	tc := e.cfg.Training
	trainer := generators.NewTrainer(e.service, e.cache, e.metrics)
	req, res, err := trainer.Train(ctx, records, generators.TrainOptions{
		TriggerWord:   tc.TriggerWord,
		ModelName:     tc.ModelName,
		CaptionPrefix: tc.CaptionPrefix,
		Params:        tc.Params,
	}, onUpdate)
	if err != nil {
		return nil, err
	}

	persister := storage.NewPersister(e.cfg.Output.ModelConfigFile, e.UsageExamples()).WithClock(e.now)
	rec, err := persister.Persist(req, res)
	if err != nil {
		return nil, fmt.Errorf("failed to save model config: %w", err)
	}
	if rec.ModelURL == nil {
		e.log.Warn("training result has no diffusers_lora_file, model_url saved as null")
	}
	e.log.WithField("path", persister.Path()).Info("model config saved")

	if e.history != nil {
		if _, err := e.history.SaveRecord(ctx, rec); err != nil {
			e.log.WithError(err).Warn("failed to record model history")
		}
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyTrained(ctx, rec); err != nil {
			e.log.WithError(err).Warn("failed to publish trained model notification")
		}
	}

	return rec, nil
}

// Collect lists and captions the configured training images
func (e *TrainingEngine) Collect() ([]collector.ImageRecord, error) {
	tc := e.cfg.Training
	templates, err := prompts.NewDefaultEngine(tc.CaptionTemplate, e.cfg.Inference.PromptTemplate)
	if err != nil {
		return nil, &interfaces.ConfigurationError{Field: "training.caption_template", Reason: err.Error()}
	}

	c, err := collector.NewCollector(tc.TriggerWord, tc.Extensions, templates)
	if err != nil {
		return nil, err
	}
	return c.Collect(tc.ImagesDir)
}

// WriteManifest collects the training images and writes the offline manifest
func (e *TrainingEngine) WriteManifest() (*storage.Manifest, error) {
	records, err := e.Collect()
	if err != nil {
		return nil, err
	}

	tc := e.cfg.Training
	m := storage.NewManifest(tc.ModelName, tc.TriggerWord, tc.CaptionPrefix, tc.Params, records)
	if err := storage.WriteManifest(e.cfg.Output.ManifestFile, m); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return m, nil
}

// UsageExamples renders the configured example prompts
func (e *TrainingEngine) UsageExamples() []string {
	return prompts.RenderAll(e.cfg.Training.UsageExamples, &prompts.TemplateContext{
		TriggerWord: e.cfg.Training.TriggerWord,
	})
}
