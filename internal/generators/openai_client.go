package generators

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"lora-trainer/internal/config"
	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/metrics"
)

const (
	OpOpenAIImage        = "openai_image"
	defaultOpenAITimeout = 120 * time.Second
)

// OpenAIImageClient generates images through the OpenAI images API. It is
// the fallback when no trained model is requested.
type OpenAIImageClient struct {
	client  *openai.Client
	model   string
	size    string
	quality string
	style   string
	metrics *metrics.Metrics
	log     *log.Entry
}

// NewOpenAIImageClient creates a client from the openai section of the config
func NewOpenAIImageClient(cfg config.OpenAIConfig, m *metrics.Metrics) *OpenAIImageClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: defaultOpenAITimeout}

	return &OpenAIImageClient{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		size:    cfg.Size,
		quality: cfg.Quality,
		style:   cfg.Style,
		metrics: m,
		log:     log.WithField("component", "openai"),
	}
}

// Model returns the configured image model
func (c *OpenAIImageClient) Model() string {
	return c.model
}

// RunInference implements interfaces.InferenceService. LoRA settings are ignored.
func (c *OpenAIImageClient) RunInference(ctx context.Context, req *interfaces.InferenceRequest, onUpdate interfaces.StatusCallback) (*interfaces.InferenceResult, error) {
	n := req.NumImages
	// dall-e-3 only accepts a single image per request
	if n <= 0 || c.model == openai.CreateImageModelDallE3 {
		n = 1
	}

	resp, err := c.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          c.model,
		N:              n,
		Size:           c.size,
		Quality:        c.quality,
		Style:          c.style,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		remote := &interfaces.RemoteServiceError{Op: OpOpenAIImage, Err: err}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			remote.StatusCode = apiErr.HTTPStatusCode
		}
		c.metrics.RecordRemote(OpOpenAIImage, remote)
		return nil, remote
	}
	c.metrics.RecordRemote(OpOpenAIImage, nil)

	result := &interfaces.InferenceResult{Prompt: req.Prompt}
	for _, data := range resp.Data {
		if data.URL == "" {
			continue
		}
		result.Images = append(result.Images, interfaces.GeneratedImage{URL: data.URL})
		if data.RevisedPrompt != "" {
			result.Prompt = data.RevisedPrompt
		}
	}
	if len(result.Images) == 0 {
		return nil, &interfaces.RemoteServiceError{Op: OpOpenAIImage, Err: errNoImages}
	}

	if onUpdate != nil {
		onUpdate(interfaces.QueueStatus{Status: interfaces.StatusCompleted})
	}
	c.log.WithField("images", len(result.Images)).Debug("image generated")
	return result, nil
}
