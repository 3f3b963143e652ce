package main

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"lora-trainer/internal/config"
	"lora-trainer/internal/generators"
	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/logging"
	"lora-trainer/internal/metrics"
	"lora-trainer/internal/notify"
	"lora-trainer/internal/prompts"
	"lora-trainer/internal/storage"
)

// app holds the configuration and the optional backends of one command
type app struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	closers []func() error
}

func loadApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logging)

	return &app{
		cfg:     cfg,
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("failed to close backend")
		}
	}
}

func (a *app) falClient() *generators.FalClient {
	return generators.NewFalClient(a.cfg.Fal, a.metrics)
}

func (a *app) templates() (*prompts.TemplateEngine, error) {
	templates, err := prompts.NewDefaultEngine(a.cfg.Training.CaptionTemplate, a.cfg.Inference.PromptTemplate)
	if err != nil {
		return nil, &interfaces.ConfigurationError{Field: "inference.prompt_template", Reason: err.Error()}
	}
	return templates, nil
}

// uploadCache opens the configured upload cache. A backend that cannot be
// reached is skipped with a warning.
func (a *app) uploadCache(ctx context.Context) interfaces.UploadCache {
	switch a.cfg.Cache.Backend {
	case "file":
		cache := generators.NewFileUploadCache(a.cfg.Cache.Directory, a.cfg.Cache.TTL)
		if err := cache.Initialize(ctx); err != nil {
			log.WithError(err).Warn("upload cache disabled")
			return nil
		}
		if n := cache.CleanExpired(ctx); n > 0 {
			log.Debugf("dropped %d expired upload cache entries", n)
		}
		return cache

	case "redis":
		store, err := storage.NewRedisStore(a.cfg.Cache.Redis, a.cfg.Cache.TTL)
		if err != nil {
			log.WithError(err).Warn("upload cache disabled")
			return nil
		}
		a.closers = append(a.closers, store.Close)
		return store
	}
	return nil
}

// history opens the training history store, or returns nil when none is configured
func (a *app) history() *storage.ModelStore {
	if a.cfg.Database.Driver == "" {
		return nil
	}
	store, err := storage.NewModelStore(a.cfg)
	if err != nil {
		log.WithError(err).Warn("model history disabled")
		return nil
	}
	a.closers = append(a.closers, store.Close)
	return store
}

// notifier connects to RabbitMQ, or returns nil when no broker is configured
func (a *app) notifier(ctx context.Context) *notify.RabbitNotifier {
	if a.cfg.Notify.RabbitMQURL == "" {
		return nil
	}
	n, err := notify.Dial(ctx, a.cfg.Notify.RabbitMQURL, a.cfg.Notify.Queue)
	if err != nil {
		log.WithError(err).Warn("trained model notifications disabled")
		return nil
	}
	a.closers = append(a.closers, n.Close)
	return n
}

// catalog resolves trained models from the model config file and history
func (a *app) catalog() *generators.ModelCatalog {
	if h := a.history(); h != nil {
		return generators.NewModelCatalog(a.cfg.Output.ModelConfigFile, h)
	}
	return generators.NewModelCatalog(a.cfg.Output.ModelConfigFile, nil)
}

func (a *app) customModelName() string {
	return "custom-" + strings.ToLower(a.cfg.Training.TriggerWord)
}

// queueLogger returns a status callback that logs queue progress and every
// remote log line once.
func queueLogger(label string) interfaces.StatusCallback {
	seen := 0
	lastStatus := ""
	lastPosition := -1
	return func(s interfaces.QueueStatus) {
		entry := log.WithFields(log.Fields{"job": label, "request_id": s.RequestID})
		switch {
		case s.Status == interfaces.StatusInQueue && s.QueuePosition != nil:
			if *s.QueuePosition != lastPosition {
				entry.Infof("in queue, position %d", *s.QueuePosition)
				lastPosition = *s.QueuePosition
			}
		case s.Status != lastStatus:
			entry.Info(strings.ToLower(strings.ReplaceAll(s.Status, "_", " ")))
		}
		lastStatus = s.Status

		for ; seen < len(s.Logs); seen++ {
			entry.Info(strings.TrimSpace(s.Logs[seen].Message))
		}
	}
}
