package generators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"

	"lora-trainer/internal/config"
	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/logging"
	"lora-trainer/internal/metrics"
)

const (
	defaultPollInterval = 5 * time.Second
	maxErrorBody        = 2048

	OpUpload    = "upload"
	OpUploadPut = "upload_put"
	OpSubmit    = "submit"
	OpStatus    = "status"
	OpResult    = "result"
	OpCheck     = "check"
	OpTraining  = "training"
	OpInference = "inference"
)

var errNoImages = errors.New("no images in response")

// FalClient talks to the fal.ai storage and queue APIs
type FalClient struct {
	httpClient *retryablehttp.Client
	apiKey     string
	queueURL   string
	storageURL string
	apiURL     string

	trainingApp  string
	inferenceApp string
	baseApp      string

	pollInterval time.Duration
	jobTimeout   time.Duration

	clientID string
	metrics  *metrics.Metrics
	log      *log.Entry
}

// QueueHandle identifies a submitted job
type QueueHandle struct {
	App         string `json:"-"`
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type uploadInitiateRequest struct {
	ContentType string `json:"content_type"`
	FileName    string `json:"file_name"`
}

type uploadInitiateResponse struct {
	UploadURL string `json:"upload_url"`
	FileURL   string `json:"file_url"`
}

type trainingInput struct {
	ImagesData                []interfaces.TrainingImage `json:"images_data"`
	TriggerWord               string                     `json:"trigger_word"`
	ModelName                 string                     `json:"model_name,omitempty"`
	Steps                     int                        `json:"steps"`
	LearningRate              float64                    `json:"learning_rate"`
	BatchSize                 int                        `json:"batch_size"`
	Resolution                int                        `json:"resolution"`
	LoraRank                  int                        `json:"lora_rank"`
	GradientAccumulationSteps int                        `json:"gradient_accumulation_steps"`
	GradientCheckpointing     bool                       `json:"gradient_checkpointing"`
	Autocaption               bool                       `json:"autocaption"`
	CaptionPrefix             string                     `json:"caption_prefix,omitempty"`
}

type inferenceInput struct {
	Prompt              string                  `json:"prompt"`
	Loras               []interfaces.LoraWeight `json:"loras,omitempty"`
	ImageSize           string                  `json:"image_size,omitempty"`
	NumInferenceSteps   int                     `json:"num_inference_steps,omitempty"`
	GuidanceScale       float64                 `json:"guidance_scale,omitempty"`
	NumImages           int                     `json:"num_images,omitempty"`
	EnableSafetyChecker bool                    `json:"enable_safety_checker"`
	OutputFormat        string                  `json:"output_format,omitempty"`
	Seed                *int64                  `json:"seed,omitempty"`
}

// NewFalClient creates a client from the fal section of the config
func NewFalClient(cfg config.FalConfig, m *metrics.Metrics) *FalClient {
	entry := log.WithField("component", "fal")

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.Logger = logging.RetryLogger{Entry: entry}
	// keep non-2xx responses so their status and body reach RemoteServiceError
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &FalClient{
		httpClient:   rc,
		apiKey:       cfg.APIKey,
		queueURL:     strings.TrimRight(cfg.QueueURL, "/"),
		storageURL:   strings.TrimRight(cfg.StorageURL, "/"),
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		trainingApp:  cfg.TrainingApp,
		inferenceApp: cfg.InferenceApp,
		baseApp:      cfg.BaseApp,
		pollInterval: pollInterval,
		jobTimeout:   cfg.JobTimeout,
		clientID:     uuid.NewString(),
		metrics:      m,
		log:          entry,
	}
}

// Upload stores a file in fal storage and returns its public URL
func (c *FalClient) Upload(ctx context.Context, file interfaces.UploadFile) (string, error) {
	initiate := fmt.Sprintf("%s/storage/upload/initiate?storage_type=fal-cdn-v3", c.storageURL)

	var target uploadInitiateResponse
	err := c.doJSON(ctx, OpUpload, http.MethodPost, initiate, &uploadInitiateRequest{
		ContentType: file.ContentType,
		FileName:    file.Name,
	}, &target)
	if err != nil {
		return "", err
	}
	if target.UploadURL == "" || target.FileURL == "" {
		return "", c.record(&interfaces.RemoteServiceError{Op: OpUpload, Err: errors.New("initiate response missing upload_url or file_url")})
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, file.Data)
	if err != nil {
		return "", c.record(&interfaces.RemoteServiceError{Op: OpUploadPut, Err: err})
	}
	req.Header.Set("Content-Type", file.ContentType)

	if _, err := c.send(OpUploadPut, req); err != nil {
		return "", err
	}

	c.log.WithFields(log.Fields{"file": file.Name, "url": target.FileURL}).Debug("upload complete")
	return target.FileURL, nil
}

// SubmitTraining submits a LoRA training job and waits for its result
func (c *FalClient) SubmitTraining(ctx context.Context, req *interfaces.TrainingRequest, onUpdate interfaces.StatusCallback) (*interfaces.TrainingResult, error) {
	input := &trainingInput{
		ImagesData:                req.Images,
		TriggerWord:               req.TriggerWord,
		ModelName:                 req.ModelName,
		Steps:                     req.Params.Steps,
		LearningRate:              req.Params.LearningRate,
		BatchSize:                 req.Params.BatchSize,
		Resolution:                req.Params.Resolution,
		LoraRank:                  req.Params.LoraRank,
		GradientAccumulationSteps: req.Params.GradientAccumulationSteps,
		GradientCheckpointing:     req.Params.GradientCheckpointing,
		Autocaption:               false,
		CaptionPrefix:             req.CaptionPrefix,
	}

	raw, err := c.Subscribe(ctx, c.trainingApp, input, onUpdate)
	if err != nil {
		return nil, err
	}

	var result interfaces.TrainingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &interfaces.RemoteServiceError{Op: OpTraining, Err: fmt.Errorf("decode training result: %w", err)}
	}
	result.Raw = raw
	return &result, nil
}

// RunInference generates images, with the LoRA when req.LoraURL is set and
// with the base model otherwise.
func (c *FalClient) RunInference(ctx context.Context, req *interfaces.InferenceRequest, onUpdate interfaces.StatusCallback) (*interfaces.InferenceResult, error) {
	app := c.baseApp
	input := &inferenceInput{
		Prompt:              req.Prompt,
		ImageSize:           req.ImageSize,
		NumInferenceSteps:   req.NumInferenceSteps,
		GuidanceScale:       req.GuidanceScale,
		NumImages:           req.NumImages,
		EnableSafetyChecker: req.EnableSafetyChecker,
		OutputFormat:        req.OutputFormat,
		Seed:                req.Seed,
	}
	if req.LoraURL != "" {
		app = c.inferenceApp
		scale := req.LoraScale
		if scale == 0 {
			scale = 1
		}
		input.Loras = []interfaces.LoraWeight{{Path: req.LoraURL, Scale: scale}}
	}

	raw, err := c.Subscribe(ctx, app, input, onUpdate)
	if err != nil {
		return nil, err
	}

	var result interfaces.InferenceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &interfaces.RemoteServiceError{Op: OpInference, Err: fmt.Errorf("decode inference result: %w", err)}
	}
	if len(result.Images) == 0 {
		return nil, &interfaces.RemoteServiceError{Op: OpInference, Err: errNoImages}
	}
	return &result, nil
}

// Subscribe submits input to app and polls until the job completes
func (c *FalClient) Subscribe(ctx context.Context, app string, input interface{}, onUpdate interfaces.StatusCallback) (json.RawMessage, error) {
	if c.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	handle, err := c.Submit(ctx, app, input)
	if err != nil {
		c.metrics.RecordJob(app, err, time.Since(start))
		return nil, err
	}

	raw, err := c.waitForResult(ctx, handle, onUpdate)
	c.metrics.RecordJob(app, err, time.Since(start))
	return raw, err
}

// Submit enqueues a job
func (c *FalClient) Submit(ctx context.Context, app string, input interface{}) (*QueueHandle, error) {
	var handle QueueHandle
	if err := c.doJSON(ctx, OpSubmit, http.MethodPost, fmt.Sprintf("%s/%s", c.queueURL, app), input, &handle); err != nil {
		return nil, err
	}
	if handle.RequestID == "" {
		return nil, c.record(&interfaces.RemoteServiceError{Op: OpSubmit, Err: errors.New("invalid response: missing request_id")})
	}
	handle.App = app

	c.log.WithFields(log.Fields{"app": app, "request_id": handle.RequestID}).Info("job queued")
	return &handle, nil
}

// Status fetches the current queue status of a job, including its logs
func (c *FalClient) Status(ctx context.Context, handle *QueueHandle) (*interfaces.QueueStatus, error) {
	statusURL := handle.StatusURL
	if statusURL == "" {
		statusURL = fmt.Sprintf("%s/%s/requests/%s/status", c.queueURL, appRoot(handle.App), handle.RequestID)
	}
	u, err := url.Parse(statusURL)
	if err != nil {
		return nil, c.record(&interfaces.RemoteServiceError{Op: OpStatus, Err: err})
	}
	q := u.Query()
	q.Set("logs", "1")
	u.RawQuery = q.Encode()

	var status interfaces.QueueStatus
	if err := c.doJSON(ctx, OpStatus, http.MethodGet, u.String(), nil, &status); err != nil {
		return nil, err
	}
	status.RequestID = handle.RequestID
	return &status, nil
}

// Result fetches the output of a completed job
func (c *FalClient) Result(ctx context.Context, handle *QueueHandle) (json.RawMessage, error) {
	responseURL := handle.ResponseURL
	if responseURL == "" {
		responseURL = fmt.Sprintf("%s/%s/requests/%s", c.queueURL, appRoot(handle.App), handle.RequestID)
	}

	var raw json.RawMessage
	if err := c.doJSON(ctx, OpResult, http.MethodGet, responseURL, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// HealthCheck verifies that the API key is accepted
func (c *FalClient) HealthCheck(ctx context.Context) error {
	if err := c.doJSON(ctx, OpCheck, http.MethodGet, c.apiURL+"/v1/models", nil, nil); err != nil {
		return err
	}
	return nil
}

// waitForResult polls the job status until it completes
func (c *FalClient) waitForResult(ctx context.Context, handle *QueueHandle, onUpdate interfaces.StatusCallback) (json.RawMessage, error) {
	for {
		status, err := c.Status(ctx, handle)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(*status)
		}

		if status.Error != "" {
			return nil, c.record(&interfaces.RemoteServiceError{Op: OpStatus, Body: status.Error, Err: fmt.Errorf("job %s failed", handle.RequestID)})
		}
		if status.Status == interfaces.StatusCompleted {
			return c.Result(ctx, handle)
		}

		select {
		case <-ctx.Done():
			return nil, c.record(&interfaces.RemoteServiceError{Op: OpStatus, Err: fmt.Errorf("waiting for job %s: %w", handle.RequestID, ctx.Err())})
		case <-time.After(c.pollInterval):
		}
	}
}

// doJSON sends body as JSON and decodes a 2xx response into out
func (c *FalClient) doJSON(ctx context.Context, op, method, target string, body, out interface{}) error {
	var payload interface{}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return c.record(&interfaces.RemoteServiceError{Op: op, Err: fmt.Errorf("marshal request: %w", err)})
		}
		payload = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return c.record(&interfaces.RemoteServiceError{Op: op, Err: err})
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Fal-Client-Id", c.clientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, err := c.send(op, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return c.record(&interfaces.RemoteServiceError{Op: op, Body: truncate(raw), Err: fmt.Errorf("decode response: %w", err)})
	}
	return nil
}

// send executes req and returns the body of a 2xx response
func (c *FalClient) send(op string, req *retryablehttp.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.record(&interfaces.RemoteServiceError{Op: op, Err: err})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.record(&interfaces.RemoteServiceError{Op: op, StatusCode: resp.StatusCode, Err: err})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.WithFields(log.Fields{"op": op, "status": resp.StatusCode}).Debug("request rejected")
		return nil, c.record(&interfaces.RemoteServiceError{Op: op, StatusCode: resp.StatusCode, Body: truncate(raw)})
	}
	c.metrics.RecordRemote(op, nil)
	return raw, nil
}

// record counts a failed remote call and passes err through
func (c *FalClient) record(err *interfaces.RemoteServiceError) error {
	c.metrics.RecordRemote(err.Op, err)
	return err
}

// appRoot keeps the owner/alias part of an app id; fal serves the queue
// endpoints of "fal-ai/flux/schnell" under "fal-ai/flux".
func appRoot(app string) string {
	parts := strings.Split(strings.Trim(app, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, "/")
}

func truncate(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
