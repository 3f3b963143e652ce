package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lora-trainer/internal/config"
	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/models"
	"lora-trainer/internal/storage"
)

var fixedNow = time.Date(2024, 3, 9, 14, 30, 15, 123456789, time.UTC)

// fakeService records calls and returns canned results
type fakeService struct {
	uploads   []string
	submitted []*interfaces.TrainingRequest
	uploadErr error
	trainErr  error
	result    *interfaces.TrainingResult
}

func (f *fakeService) Upload(ctx context.Context, file interfaces.UploadFile) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, file.Name)
	return "https://cdn.example/" + file.Name, nil
}

func (f *fakeService) SubmitTraining(ctx context.Context, req *interfaces.TrainingRequest, onUpdate interfaces.StatusCallback) (*interfaces.TrainingResult, error) {
	f.submitted = append(f.submitted, req)
	if onUpdate != nil {
		onUpdate(interfaces.QueueStatus{Status: interfaces.StatusInProgress})
		onUpdate(interfaces.QueueStatus{Status: interfaces.StatusCompleted})
	}
	if f.trainErr != nil {
		return nil, f.trainErr
	}
	return f.result, nil
}

type recordingHistory struct {
	saved []*models.TrainedModelRecord
	err   error
}

func (h *recordingHistory) SaveRecord(ctx context.Context, rec *models.TrainedModelRecord) (*models.TrainedModel, error) {
	h.saved = append(h.saved, rec)
	return models.NewTrainedModel(rec), h.err
}

type recordingNotifier struct {
	calls int
	err   error
}

func (n *recordingNotifier) NotifyTrained(ctx context.Context, rec *models.TrainedModelRecord) error {
	n.calls++
	return n.err
}

func testConfig(t *testing.T, images ...string) *config.Config {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "images")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, name := range images {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data-"+name), 0644))
	}

	cfg := config.Default()
	cfg.Fal.APIKey = "test-key"
	cfg.Training.ImagesDir = dir
	cfg.Output.ModelConfigFile = filepath.Join(root, "fal-model-config.json")
	cfg.Output.ManifestFile = filepath.Join(root, "training_manifest.json")
	return cfg
}

func successResult() *interfaces.TrainingResult {
	return &interfaces.TrainingResult{
		DiffusersLoraFile: &interfaces.File{URL: "https://cdn.example/lora.safetensors"},
		ConfigFile:        &interfaces.File{URL: "https://cdn.example/config.json"},
	}
}

func TestRunPersistsRecord(t *testing.T) {
	cfg := testConfig(t, "happy-robot.png", "Cool_Skate.JPG", "notes.txt")
	svc := &fakeService{result: successResult()}
	history := &recordingHistory{}
	notifier := &recordingNotifier{}

	var statuses []string
	rec, err := NewTrainingEngine(cfg, svc,
		WithClock(func() time.Time { return fixedNow }),
		WithHistory(history),
		WithNotifier(notifier),
	).Run(context.Background(), func(s interfaces.QueueStatus) { statuses = append(statuses, s.Status) })
	require.NoError(t, err)

	assert.Equal(t, []string{"Cool_Skate.JPG", "happy-robot.png"}, svc.uploads)
	require.Len(t, svc.submitted, 1)
	req := svc.submitted[0]
	require.Len(t, req.Images, 2)
	assert.Equal(t, "COOLSHIRT style cool skate, vector t-shirt design, white background", req.Images[0].Caption)
	assert.Equal(t, cfg.Training.Params, req.Params)
	assert.Equal(t, []string{interfaces.StatusInProgress, interfaces.StatusCompleted}, statuses)

	assert.Equal(t, "https://cdn.example/lora.safetensors", rec.LoraURL())
	assert.Equal(t, 2, rec.TrainingImages)
	assert.Equal(t, 1200, rec.TrainingSteps)
	assert.Equal(t, fixedNow.Truncate(time.Second), rec.TrainedAt)
	assert.Equal(t, "COOLSHIRT style cute robot design, vector illustration, white background", rec.UsageExamples[0])

	loaded, err := storage.LoadRecord(cfg.Output.ModelConfigFile)
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)

	raw, err := os.ReadFile(cfg.Output.ModelConfigFile)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "2024-03-09T14:30:15Z", doc["trained_at"])

	assert.Len(t, history.saved, 1)
	assert.Equal(t, 1, notifier.calls)
}

func TestRunUploadFailureWritesNothing(t *testing.T) {
	cfg := testConfig(t, "a.png", "b.png")
	svc := &fakeService{uploadErr: errors.New("connection refused")}

	_, err := NewTrainingEngine(cfg, svc).Run(context.Background(), nil)

	var remote *interfaces.RemoteServiceError
	require.True(t, errors.As(err, &remote))
	assert.Empty(t, svc.submitted)
	assert.NoFileExists(t, cfg.Output.ModelConfigFile)
}

func TestRunTrainingFailureKeepsPreviousFile(t *testing.T) {
	cfg := testConfig(t, "a.png")
	require.NoError(t, os.WriteFile(cfg.Output.ModelConfigFile, []byte(`{"model_url":"https://cdn.example/old"}`), 0644))
	svc := &fakeService{trainErr: &interfaces.RemoteServiceError{Op: "submit", StatusCode: 500}}

	_, err := NewTrainingEngine(cfg, svc).Run(context.Background(), nil)

	var remote *interfaces.RemoteServiceError
	require.True(t, errors.As(err, &remote))
	rec, err := storage.LoadRecord(cfg.Output.ModelConfigFile)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/old", rec.LoraURL())
}

func TestRunOverwritesPreviousRecord(t *testing.T) {
	cfg := testConfig(t, "a.png")
	svc := &fakeService{result: successResult()}
	engine := NewTrainingEngine(cfg, svc, WithClock(func() time.Time { return fixedNow }))

	_, err := engine.Run(context.Background(), nil)
	require.NoError(t, err)

	svc.result = &interfaces.TrainingResult{DiffusersLoraFile: &interfaces.File{URL: "https://cdn.example/second.safetensors"}}
	_, err = engine.Run(context.Background(), nil)
	require.NoError(t, err)

	rec, err := storage.LoadRecord(cfg.Output.ModelConfigFile)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/second.safetensors", rec.LoraURL())
	assert.Nil(t, rec.ConfigURL)
}

func TestRunMissingFolder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.ImagesDir = filepath.Join(t.TempDir(), "missing")

	_, err := NewTrainingEngine(cfg, &fakeService{}).Run(context.Background(), nil)
	var noImages *interfaces.NoImagesFoundError
	assert.True(t, errors.As(err, &noImages))
}

func TestRunEmptyFolder(t *testing.T) {
	cfg := testConfig(t, "readme.md")

	_, err := NewTrainingEngine(cfg, &fakeService{}).Run(context.Background(), nil)
	var noImages *interfaces.NoImagesFoundError
	assert.True(t, errors.As(err, &noImages))
}

func TestRunMissingAPIKey(t *testing.T) {
	cfg := testConfig(t, "a.png")
	cfg.Fal.APIKey = ""
	svc := &fakeService{}

	_, err := NewTrainingEngine(cfg, svc).Run(context.Background(), nil)
	var cfgErr *interfaces.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "fal.api_key", cfgErr.Field)
	assert.Empty(t, svc.uploads)
}

func TestRunSideEffectFailuresAreWarnings(t *testing.T) {
	cfg := testConfig(t, "a.png")
	svc := &fakeService{result: successResult()}

	rec, err := NewTrainingEngine(cfg, svc,
		WithHistory(&recordingHistory{err: errors.New("db down")}),
		WithNotifier(&recordingNotifier{err: errors.New("broker down")}),
	).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, rec)
	assert.FileExists(t, cfg.Output.ModelConfigFile)
}

func TestWriteManifest(t *testing.T) {
	cfg := testConfig(t, "sun.png", "robot.jpeg")

	m, err := NewTrainingEngine(cfg, nil).WriteManifest()
	require.NoError(t, err)
	require.Len(t, m.Images, 2)
	assert.Equal(t, "robot.jpeg", m.Images[0].Filename)

	loaded, err := storage.LoadManifest(cfg.Output.ManifestFile)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)
}
