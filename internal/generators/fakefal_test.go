package generators

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lora-trainer/internal/config"
	"lora-trainer/internal/interfaces"
)

// fakeFal emulates the storage and queue endpoints used by FalClient
type fakeFal struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	uploads     map[string][]byte
	uploadTypes map[string]string
	submissions map[string]map[string]interface{}
	authHeaders []string
	polls       int

	// pendingPolls is the number of IN_PROGRESS answers before COMPLETED
	pendingPolls int
	result       string
	failUpload   string
	submitStatus int
	jobError     string
}

func newFakeFal(t *testing.T) *fakeFal {
	f := &fakeFal{
		t:           t,
		uploads:     make(map[string][]byte),
		uploadTypes: make(map[string]string),
		submissions: make(map[string]map[string]interface{}),
		result:      `{"diffusers_lora_file":{"url":"https://cdn.example/lora.safetensors","file_name":"lora.safetensors"},"config_file":{"url":"https://cdn.example/config.json"}}`,
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeFal) config() config.FalConfig {
	cfg := config.Default().Fal
	cfg.APIKey = "test-key"
	cfg.QueueURL = f.server.URL + "/queue"
	cfg.StorageURL = f.server.URL
	cfg.APIURL = f.server.URL
	cfg.PollInterval = time.Millisecond
	cfg.Timeout = 5 * time.Second
	return cfg
}

func (f *fakeFal) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/storage/upload/initiate":
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		var body uploadInitiateRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.FileName == f.failUpload {
			http.Error(w, `{"detail":"storage unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, uploadInitiateResponse{
			UploadURL: f.server.URL + "/put/" + body.FileName,
			FileURL:   "https://cdn.example/files/" + body.FileName,
		})

	case r.Method == http.MethodPut && strings.HasPrefix(path, "/put/"):
		data, _ := io.ReadAll(r.Body)
		name := strings.TrimPrefix(path, "/put/")
		f.uploads[name] = data
		f.uploadTypes[name] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && path == "/v1/models":
		if r.Header.Get("Authorization") != "Key test-key" {
			http.Error(w, `{"detail":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]interface{}{"models": []string{}})

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/queue/"):
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		if f.submitStatus != 0 {
			http.Error(w, `{"detail":"rejected"}`, f.submitStatus)
			return
		}
		app := strings.TrimPrefix(path, "/queue/")
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.submissions[app] = body
		id := fmt.Sprintf("req-%d", len(f.submissions))
		base := f.server.URL + "/queue/" + appRoot(app) + "/requests/" + id
		writeJSON(w, QueueHandle{RequestID: id, StatusURL: base + "/status", ResponseURL: base})

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/status"):
		f.polls++
		if r.URL.Query().Get("logs") != "1" {
			http.Error(w, "logs flag missing", http.StatusBadRequest)
			return
		}
		if f.polls <= f.pendingPolls {
			pos := f.pendingPolls - f.polls
			writeJSON(w, interfaces.QueueStatus{
				Status:        interfaces.StatusInProgress,
				QueuePosition: &pos,
				Logs:          []interfaces.QueueLog{{Message: fmt.Sprintf("step %d", f.polls)}},
			})
			return
		}
		writeJSON(w, interfaces.QueueStatus{Status: interfaces.StatusCompleted, Error: f.jobError})

	case r.Method == http.MethodGet && strings.Contains(path, "/requests/"):
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, f.result)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeFal) submission(app string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submissions[app]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
