package generators

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lora-trainer/internal/collector"
	"lora-trainer/internal/interfaces"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

// MockTrainingService implements interfaces.TrainingService for testing
type MockTrainingService struct {
	mock.Mock
}

func (m *MockTrainingService) Upload(ctx context.Context, file interfaces.UploadFile) (string, error) {
	args := m.Called(file.Name, file.ContentType)
	return args.String(0), args.Error(1)
}

func (m *MockTrainingService) SubmitTraining(ctx context.Context, req *interfaces.TrainingRequest, onUpdate interfaces.StatusCallback) (*interfaces.TrainingResult, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.TrainingResult), args.Error(1)
}

// memoryCache implements interfaces.UploadCache in memory
type memoryCache map[string]string

func (c memoryCache) Get(ctx context.Context, digest string) (string, bool, error) {
	url, ok := c[digest]
	return url, ok, nil
}

func (c memoryCache) Put(ctx context.Context, digest, url string) error {
	c[digest] = url
	return nil
}

func writeImages(t *testing.T, names ...string) []collector.ImageRecord {
	t.Helper()
	dir := t.TempDir()
	records := make([]collector.ImageRecord, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data := append(append([]byte{}, pngHeader...), []byte(name)...)
		require.NoError(t, os.WriteFile(path, data, 0644))
		records = append(records, collector.ImageRecord{Path: path, Name: name, Caption: "COOLSHIRT style " + collector.NormalizeSubject(name)})
	}
	return records
}

func testOptions() TrainOptions {
	return TrainOptions{
		TriggerWord:   "COOLSHIRT",
		ModelName:     "coolshirt-tshirt-v1",
		CaptionPrefix: "COOLSHIRT style",
		Params: interfaces.Hyperparameters{
			Steps: 1200, LearningRate: 0.0001, BatchSize: 1, Resolution: 1024,
			LoraRank: 16, GradientAccumulationSteps: 4, GradientCheckpointing: true,
		},
	}
}

func TestTrainerSubmitsOneJobWithAllImages(t *testing.T) {
	records := writeImages(t, "robot.png", "sun.png", "skate.png")

	svc := new(MockTrainingService)
	svc.On("Upload", "robot.png", "image/png").Return("https://cdn.example/robot.png", nil).Once()
	svc.On("Upload", "sun.png", "image/png").Return("https://cdn.example/sun.png", nil).Once()
	svc.On("Upload", "skate.png", "image/png").Return("https://cdn.example/skate.png", nil).Once()
	svc.On("SubmitTraining", mock.MatchedBy(func(req *interfaces.TrainingRequest) bool {
		return len(req.Images) == 3 && req.Params == testOptions().Params
	})).Return(&interfaces.TrainingResult{
		DiffusersLoraFile: &interfaces.File{URL: "https://cdn.example/lora.safetensors"},
	}, nil).Once()

	req, res, err := NewTrainer(svc, nil, nil).Train(context.Background(), records, testOptions(), nil)
	require.NoError(t, err)
	svc.AssertExpectations(t)
	svc.AssertNumberOfCalls(t, "SubmitTraining", 1)

	require.Len(t, req.Images, 3)
	assert.Equal(t, "https://cdn.example/robot.png", req.Images[0].ImageURL)
	assert.Equal(t, "COOLSHIRT style robot", req.Images[0].Caption)
	assert.Equal(t, "https://cdn.example/skate.png", req.Images[2].ImageURL)
	assert.Equal(t, "COOLSHIRT", req.TriggerWord)
	assert.Equal(t, "https://cdn.example/lora.safetensors", res.DiffusersLoraFile.URL)
}

func TestTrainerAbortsOnUploadFailure(t *testing.T) {
	records := writeImages(t, "robot.png", "sun.png", "skate.png")

	svc := new(MockTrainingService)
	svc.On("Upload", "robot.png", "image/png").Return("https://cdn.example/robot.png", nil).Once()
	svc.On("Upload", "sun.png", "image/png").Return("", errors.New("connection reset")).Once()

	_, _, err := NewTrainer(svc, nil, nil).Train(context.Background(), records, testOptions(), nil)
	require.Error(t, err)

	var remote *interfaces.RemoteServiceError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, OpUpload, remote.Op)
	svc.AssertNotCalled(t, "Upload", "skate.png", "image/png")
	svc.AssertNotCalled(t, "SubmitTraining", mock.Anything)
}

func TestTrainerWrapsTrainingFailure(t *testing.T) {
	records := writeImages(t, "robot.png")

	svc := new(MockTrainingService)
	svc.On("Upload", "robot.png", "image/png").Return("https://cdn.example/robot.png", nil)
	svc.On("SubmitTraining", mock.Anything).Return(nil, &interfaces.RemoteServiceError{Op: OpSubmit, StatusCode: 500})

	req, _, err := NewTrainer(svc, nil, nil).Train(context.Background(), records, testOptions(), nil)
	var remote *interfaces.RemoteServiceError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, OpSubmit, remote.Op)
	assert.Equal(t, 500, remote.StatusCode)
	require.NotNil(t, req)
}

func TestTrainerReusesCachedUploads(t *testing.T) {
	records := writeImages(t, "robot.png", "sun.png")
	data, err := os.ReadFile(records[0].Path)
	require.NoError(t, err)

	cache := memoryCache{ContentDigest(data): "https://cdn.example/cached-robot.png"}

	svc := new(MockTrainingService)
	svc.On("Upload", "sun.png", "image/png").Return("https://cdn.example/sun.png", nil).Once()
	svc.On("SubmitTraining", mock.Anything).Return(&interfaces.TrainingResult{}, nil)

	req, _, err := NewTrainer(svc, cache, nil).Train(context.Background(), records, testOptions(), nil)
	require.NoError(t, err)

	svc.AssertNotCalled(t, "Upload", "robot.png", "image/png")
	assert.Equal(t, "https://cdn.example/cached-robot.png", req.Images[0].ImageURL)
	assert.Len(t, cache, 2)
}

func TestTrainerWithFakeFal(t *testing.T) {
	fake := newFakeFal(t)
	records := writeImages(t, "robot.png", "sun.png")

	req, res, err := NewTrainer(NewFalClient(fake.config(), nil), nil, nil).Train(context.Background(), records, testOptions(), nil)
	require.NoError(t, err)

	assert.Len(t, fake.uploads, 2)
	assert.Equal(t, "image/png", fake.uploadTypes["robot.png"])
	assert.Equal(t, "https://cdn.example/files/robot.png", req.Images[0].ImageURL)
	assert.Equal(t, "https://cdn.example/lora.safetensors", res.DiffusersLoraFile.URL)
}
