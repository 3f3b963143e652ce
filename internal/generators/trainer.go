package generators

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gabriel-vasile/mimetype"
	log "github.com/sirupsen/logrus"

	"lora-trainer/internal/collector"
	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/metrics"
)

// TrainOptions are the run-level settings of a training submission
type TrainOptions struct {
	TriggerWord   string
	ModelName     string
	CaptionPrefix string
	Params        interfaces.Hyperparameters
}

// Trainer uploads training images and submits the training job
type Trainer struct {
	service interfaces.TrainingService
	cache   interfaces.UploadCache
	metrics *metrics.Metrics
	log     *log.Entry
}

// NewTrainer creates a trainer. cache and m may be nil.
func NewTrainer(service interfaces.TrainingService, cache interfaces.UploadCache, m *metrics.Metrics) *Trainer {
	return &Trainer{
		service: service,
		cache:   cache,
		metrics: m,
		log:     log.WithField("component", "trainer"),
	}
}

// Train uploads every record in order and submits exactly one training job.
// The first failing upload aborts the run before anything is submitted.
func (t *Trainer) Train(ctx context.Context, records []collector.ImageRecord, opts TrainOptions, onUpdate interfaces.StatusCallback) (*interfaces.TrainingRequest, *interfaces.TrainingResult, error) {
	images := make([]interfaces.TrainingImage, 0, len(records))
	for i, rec := range records {
		t.log.Infof("[%d/%d] uploading %s", i+1, len(records), rec.Name)

		url, err := t.upload(ctx, rec)
		if err != nil {
			return nil, nil, err
		}
		images = append(images, interfaces.TrainingImage{ImageURL: url, Caption: rec.Caption})
	}

	req := &interfaces.TrainingRequest{
		Images:        images,
		TriggerWord:   opts.TriggerWord,
		ModelName:     opts.ModelName,
		CaptionPrefix: opts.CaptionPrefix,
		Params:        opts.Params,
	}

	t.log.WithFields(log.Fields{
		"images": len(images),
		"steps":  req.Params.Steps,
	}).Info("submitting training job")

	start := time.Now()
	res, err := t.service.SubmitTraining(ctx, req, onUpdate)
	if err != nil {
		return req, nil, asRemoteError(OpTraining, err)
	}

	t.log.WithField("elapsed", time.Since(start).Round(time.Second)).Info("training finished")
	return req, res, nil
}

func (t *Trainer) upload(ctx context.Context, rec collector.ImageRecord) (string, error) {
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rec.Path, err)
	}

	digest := ContentDigest(data)
	if t.cache != nil {
		url, ok, err := t.cache.Get(ctx, digest)
		switch {
		case err != nil:
			t.log.WithError(err).Warn("upload cache lookup failed")
		case ok:
			t.log.WithField("url", url).Debug("reusing cached upload")
			t.metrics.RecordUpload(true)
			return url, nil
		}
	}

	url, err := t.service.Upload(ctx, interfaces.UploadFile{
		Name:        rec.Name,
		ContentType: mimetype.Detect(data).String(),
		Data:        data,
	})
	if err != nil {
		t.log.WithError(err).WithField("file", rec.Name).Error("upload failed")
		return "", asRemoteError(OpUpload, err)
	}
	t.metrics.RecordUpload(false)

	if t.cache != nil {
		if err := t.cache.Put(ctx, digest, url); err != nil {
			t.log.WithError(err).Warn("failed to cache upload")
		}
	}
	return url, nil
}

// asRemoteError makes sure err surfaces as a RemoteServiceError
func asRemoteError(op string, err error) error {
	var remote *interfaces.RemoteServiceError
	if errors.As(err, &remote) {
		return err
	}
	return &interfaces.RemoteServiceError{Op: op, Err: err}
}
