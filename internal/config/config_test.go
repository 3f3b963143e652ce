package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lora-trainer/internal/interfaces"
)

// clearEnv unsets every variable Load reads for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "FAL_KEY", "FAL_API_KEY", "LORA_RETRY_MAX", "LORA_IMAGES_DIR",
		"LORA_TRIGGER_WORD", "LORA_MODEL_NAME", "LORA_STEPS", "LORA_URL", "OPENAI_API_KEY",
		"LORA_MODEL_CONFIG_FILE", "LORA_CACHE_BACKEND", "REDIS_PASSWORD", "LORA_DB_DRIVER",
		"MYSQL_PASSWORD", "RABBITMQ_URL", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "COOLSHIRT", cfg.Training.TriggerWord)
	assert.Equal(t, []string{".png", ".jpg", ".jpeg"}, cfg.Training.Extensions)
	assert.Equal(t, 1200, cfg.Training.Params.Steps)
	assert.Equal(t, 0.0001, cfg.Training.Params.LearningRate)
	assert.Equal(t, 16, cfg.Training.Params.LoraRank)
	assert.Equal(t, "fal-model-config.json", cfg.Output.ModelConfigFile)
	assert.Equal(t, 0, cfg.Fal.RetryMax)
	assert.Zero(t, cfg.Fal.JobTimeout)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fal:
  poll_interval: 2s
  retry_max: 2
training:
  images_dir: ./shirts
  trigger_word: CSHRTX
  params:
    steps: 800
    learning_rate: 0.0004
    batch_size: 1
    resolution: 512
    lora_rank: 8
    gradient_accumulation_steps: 1
output:
  model_config_file: out/model.json
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Fal.PollInterval)
	assert.Equal(t, 2, cfg.Fal.RetryMax)
	assert.Equal(t, "./shirts", cfg.Training.ImagesDir)
	assert.Equal(t, "CSHRTX", cfg.Training.TriggerWord)
	assert.Equal(t, 800, cfg.Training.Params.Steps)
	assert.Equal(t, 0.0004, cfg.Training.Params.LearningRate)
	assert.Equal(t, "out/model.json", cfg.Output.ModelConfigFile)
	// untouched sections keep their defaults
	assert.Equal(t, "fal-ai/flux-lora-fast-training", cfg.Fal.TrainingApp)
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[training]
trigger_word = "TOMLSHIRT"
model_name = "toml-v1"

[training.params]
steps = 600
learning_rate = 0.0002
batch_size = 2
resolution = 768
lora_rank = 32
gradient_accumulation_steps = 2
gradient_checkpointing = false

[cache]
backend = "file"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "TOMLSHIRT", cfg.Training.TriggerWord)
	assert.Equal(t, "toml-v1", cfg.Training.ModelName)
	assert.Equal(t, 600, cfg.Training.Params.Steps)
	assert.False(t, cfg.Training.Params.GradientCheckpointing)
	assert.Equal(t, "file", cfg.Cache.Backend)
}

func TestLoadInvalidFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fal: [not, a, map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("FAL_API_KEY", "legacy")
	t.Setenv("FAL_KEY", "current")
	t.Setenv("LORA_TRIGGER_WORD", "ENVSHIRT")
	t.Setenv("LORA_STEPS", "300")
	t.Setenv("LORA_RETRY_MAX", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "current", cfg.Fal.APIKey)
	assert.Equal(t, "ENVSHIRT", cfg.Training.TriggerWord)
	assert.Equal(t, 300, cfg.Training.Params.Steps)
	assert.Equal(t, 0, cfg.Fal.RetryMax)
}

func TestConfigFileFromEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("training:\n  model_name: from-env-file\n"), 0644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env-file", cfg.Training.ModelName)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Fal.APIKey = "key"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing api key", func(c *Config) { c.Fal.APIKey = "" }, "fal.api_key"},
		{"blank trigger word", func(c *Config) { c.Training.TriggerWord = "  " }, "training.trigger_word"},
		{"no extensions", func(c *Config) { c.Training.Extensions = nil }, "training.extensions"},
		{"caption without trigger word", func(c *Config) { c.Training.CaptionTemplate = "{{subject}}" }, "training.caption_template"},
		{"zero steps", func(c *Config) { c.Training.Params.Steps = 0 }, "training.params.steps"},
		{"negative learning rate", func(c *Config) { c.Training.Params.LearningRate = -1 }, "training.params.learning_rate"},
		{"zero lora rank", func(c *Config) { c.Training.Params.LoraRank = 0 }, "training.params.lora_rank"},
		{"negative retries", func(c *Config) { c.Fal.RetryMax = -1 }, "fal.retry_max"},
		{"unknown cache", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"unknown database", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			var cfgErr *interfaces.ConfigurationError
			require.True(t, errors.As(cfg.Validate(), &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestValidateInference(t *testing.T) {
	cfg := Default()
	var cfgErr *interfaces.ConfigurationError
	require.True(t, errors.As(cfg.ValidateInference(), &cfgErr))

	cfg.Fal.APIKey = "key"
	assert.NoError(t, cfg.ValidateInference())
}

func TestHTTPAddrAndDSN(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr())

	cfg.Database.MySQL.Password = "secret"
	assert.Equal(t, "root:secret@tcp(127.0.0.1:3306)/lora_trainer?charset=utf8mb4&parseTime=True&loc=Local", cfg.MySQLDSN())
}
