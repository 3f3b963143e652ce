package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"lora-trainer/internal/generators"
	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/metrics"
	"lora-trainer/internal/models"
)

const (
	maxImagesPerRequest = 4
	historyLimit        = 50
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Dependencies are the services the HTTP handlers are built on
type Dependencies struct {
	Catalog  *generators.ModelCatalog
	ModelRef string // model used by generate; empty selects the current record

	// Custom runs prompts against the trained LoRA
	Custom      *generators.InferenceRunner
	CustomModel string

	// Fallback serves requests with use_custom_model=false
	Fallback      *generators.InferenceRunner
	FallbackModel string

	Hub     *StatusHub
	Metrics *metrics.Metrics
}

type Handlers struct {
	deps     Dependencies
	inflight atomic.Int64
	log      *log.Entry
}

// GenerateRequest is the body of POST /api/v1/generate
type GenerateRequest struct {
	Prompt         string `json:"prompt"`
	UseCustomModel *bool  `json:"use_custom_model,omitempty"`
	NumImages      int    `json:"num_images,omitempty"`
}

// GeneratedImage is one image of a generate response
type GeneratedImage struct {
	URL           string `json:"url"`
	OriginalURL   string `json:"original_url"`
	RevisedPrompt string `json:"revised_prompt"`
}

// GenerateResponse is the body returned by POST /api/v1/generate
type GenerateResponse struct {
	Images    []GeneratedImage `json:"images"`
	Count     int              `json:"count"`
	ModelUsed string           `json:"model_used"`
	JobID     string           `json:"job_id"`
}

// ModelsResponse lists the current model and the training history
type ModelsResponse struct {
	Current *models.TrainedModelRecord `json:"current"`
	History []models.TrainedModel      `json:"history"`
}

func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		deps: deps,
		log:  log.WithField("component", "web"),
	}
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	subscribers := 0
	if h.deps.Hub != nil {
		subscribers = h.deps.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"service":     "lora-trainer",
		"in_flight":   h.inflight.Load(),
		"subscribers": subscribers,
	})
}

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	resp := ModelsResponse{History: []models.TrainedModel{}}

	if rec, err := h.deps.Catalog.Current(); err == nil {
		resp.Current = rec
	} else if !errors.Is(err, generators.ErrNoModel) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	history, err := h.deps.Catalog.History(r.Context(), historyLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.History = history

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) CurrentModel(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Catalog.Current()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, generators.ErrNoModel) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var body GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prompt := strings.TrimSpace(body.Prompt)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "valid prompt is required")
		return
	}

	useCustom := body.UseCustomModel == nil || *body.UseCustomModel
	runner, model := h.deps.Fallback, h.deps.FallbackModel
	loraURL := ""
	if useCustom {
		runner, model = h.deps.Custom, h.deps.CustomModel
		url, err := h.deps.Catalog.Resolve(r.Context(), h.deps.ModelRef)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		loraURL = url
	}
	if runner == nil {
		writeError(w, http.StatusServiceUnavailable, "no image model configured")
		return
	}

	req, err := runner.BuildRequest(prompt, loraURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if body.NumImages > 0 {
		req.NumImages = min(body.NumImages, maxImagesPerRequest)
	}

	jobID := uuid.NewString()
	onUpdate := func(status interfaces.QueueStatus) {
		if h.deps.Hub != nil {
			h.deps.Hub.Broadcast(StatusEvent{Type: "status", JobID: jobID, Model: model, Status: status})
		}
	}

	h.inflight.Inc()
	start := time.Now()
	res, err := runner.Generate(r.Context(), req, onUpdate)
	h.inflight.Dec()
	h.deps.Metrics.RecordGenerate(model, err)

	if err != nil {
		h.log.WithError(err).WithField("job_id", jobID).Warn("generate failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	revised := res.Prompt
	if revised == "" {
		revised = req.Prompt
	}
	resp := GenerateResponse{
		Images:    make([]GeneratedImage, 0, len(res.Images)),
		ModelUsed: model,
		JobID:     jobID,
	}
	for _, img := range res.Images {
		resp.Images = append(resp.Images, GeneratedImage{URL: img.URL, OriginalURL: img.URL, RevisedPrompt: revised})
	}
	resp.Count = len(resp.Images)

	h.log.WithFields(log.Fields{
		"job_id":  jobID,
		"model":   model,
		"images":  resp.Count,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("generated images")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) StatusStream(w http.ResponseWriter, r *http.Request) {
	if h.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "hub not initialized")
		return
	}
	if err := h.deps.Hub.Serve(w, r); err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
	}
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  ww.Status(),
			"elapsed": time.Since(start).Round(time.Millisecond),
		}).Debug("request")
	})
}

func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ws/status", h.StatusStream)
	if h.deps.Metrics != nil {
		r.Handle("/metrics", h.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/models", h.ListModels)
		r.Get("/models/current", h.CurrentModel)
		r.Post("/generate", h.Generate)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
