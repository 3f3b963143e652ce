package generators

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"lora-trainer/internal/config"
	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/prompts"
)

// BatchResult is the outcome of one prompt of a batch
type BatchResult struct {
	Index    int
	Prompt   string
	Request  *interfaces.InferenceRequest
	Result   *interfaces.InferenceResult
	Err      error
	Duration time.Duration
}

// InferenceRunner turns user prompts into inference requests and runs them
type InferenceRunner struct {
	service     interfaces.InferenceService
	templates   *prompts.TemplateEngine
	triggerWord string
	cfg         config.InferenceConfig
	limiter     *rate.Limiter
	log         *log.Entry
}

// NewInferenceRunner creates a runner. Batches are paced by cfg.RequestInterval.
func NewInferenceRunner(service interfaces.InferenceService, templates *prompts.TemplateEngine, triggerWord string, cfg config.InferenceConfig) *InferenceRunner {
	limit := rate.Inf
	if cfg.RequestInterval > 0 {
		limit = rate.Every(cfg.RequestInterval)
	}
	return &InferenceRunner{
		service:     service,
		templates:   templates,
		triggerWord: triggerWord,
		cfg:         cfg,
		limiter:     rate.NewLimiter(limit, 1),
		log:         log.WithField("component", "inference"),
	}
}

// BuildRequest wraps prompt in the prompt template so the trigger word is
// present, then applies the LoRA or base model settings.
func (r *InferenceRunner) BuildRequest(prompt, loraURL string) (*interfaces.InferenceRequest, error) {
	enhanced, err := r.templates.Render(prompts.PromptTemplate, &prompts.TemplateContext{
		TriggerWord: r.triggerWord,
		Prompt:      prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}

	req := &interfaces.InferenceRequest{
		Prompt:              enhanced,
		ImageSize:           r.cfg.ImageSize,
		NumInferenceSteps:   r.cfg.BaseInferenceSteps,
		NumImages:           r.cfg.NumImages,
		EnableSafetyChecker: r.cfg.EnableSafetyChecker,
		OutputFormat:        r.cfg.OutputFormat,
	}
	if loraURL != "" {
		req.LoraURL = loraURL
		req.LoraScale = r.cfg.LoraScale
		req.NumInferenceSteps = r.cfg.NumInferenceSteps
		req.GuidanceScale = r.cfg.GuidanceScale
	}
	return req, nil
}

// Generate runs a single request
func (r *InferenceRunner) Generate(ctx context.Context, req *interfaces.InferenceRequest, onUpdate interfaces.StatusCallback) (*interfaces.InferenceResult, error) {
	res, err := r.service.RunInference(ctx, req, onUpdate)
	if err != nil {
		return nil, asRemoteError(OpInference, err)
	}
	return res, nil
}

// RunBatch runs every prompt in order, one at a time. A failed prompt is
// recorded and the batch moves on; only cancellation of ctx stops it early.
func (r *InferenceRunner) RunBatch(ctx context.Context, loraURL string, batch []string, onResult func(BatchResult)) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(batch))
	for i, prompt := range batch {
		if err := r.limiter.Wait(ctx); err != nil {
			return results, err
		}

		r.log.Infof("[%d/%d] %s", i+1, len(batch), prompt)
		out := BatchResult{Index: i, Prompt: prompt}

		start := time.Now()
		out.Request, out.Err = r.BuildRequest(prompt, loraURL)
		if out.Err == nil {
			out.Result, out.Err = r.Generate(ctx, out.Request, nil)
		}
		out.Duration = time.Since(start)

		if out.Err != nil {
			r.log.WithError(out.Err).Warnf("prompt %q failed", prompt)
		}
		results = append(results, out)
		if onResult != nil {
			onResult(out)
		}
	}
	return results, nil
}

// Summarize counts successful and failed results
func Summarize(results []BatchResult) (succeeded, failed int) {
	for _, res := range results {
		if res.Err != nil {
			failed++
			continue
		}
		succeeded++
	}
	return succeeded, failed
}
