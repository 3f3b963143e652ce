package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"

	"lora-trainer/internal/interfaces"
)

// DefaultConfigFile is used when neither --config nor CONFIG_FILE is given
const DefaultConfigFile = "configs/config.yaml"

type Config struct {
	Fal       FalConfig       `yaml:"fal" toml:"fal"`
	Training  TrainingConfig  `yaml:"training" toml:"training"`
	Inference InferenceConfig `yaml:"inference" toml:"inference"`
	OpenAI    OpenAIConfig    `yaml:"openai" toml:"openai"`
	Output    OutputConfig    `yaml:"output" toml:"output"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Notify    NotifyConfig    `yaml:"notify" toml:"notify"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

type FalConfig struct {
	APIKey       string        `yaml:"api_key" toml:"api_key"`
	QueueURL     string        `yaml:"queue_url" toml:"queue_url"`
	StorageURL   string        `yaml:"storage_url" toml:"storage_url"`
	APIURL       string        `yaml:"api_url" toml:"api_url"`
	TrainingApp  string        `yaml:"training_app" toml:"training_app"`
	InferenceApp string        `yaml:"inference_app" toml:"inference_app"`
	BaseApp      string        `yaml:"base_app" toml:"base_app"`
	Timeout      time.Duration `yaml:"timeout" toml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	JobTimeout   time.Duration `yaml:"job_timeout" toml:"job_timeout"`
	RetryMax     int           `yaml:"retry_max" toml:"retry_max"`
}

type TrainingConfig struct {
	ImagesDir       string                     `yaml:"images_dir" toml:"images_dir"`
	Extensions      []string                   `yaml:"extensions" toml:"extensions"`
	TriggerWord     string                     `yaml:"trigger_word" toml:"trigger_word"`
	ModelName       string                     `yaml:"model_name" toml:"model_name"`
	CaptionTemplate string                     `yaml:"caption_template" toml:"caption_template"`
	CaptionPrefix   string                     `yaml:"caption_prefix" toml:"caption_prefix"`
	Params          interfaces.Hyperparameters `yaml:"params" toml:"params"`
	UsageExamples   []string                   `yaml:"usage_examples" toml:"usage_examples"`
}

type InferenceConfig struct {
	PromptTemplate      string        `yaml:"prompt_template" toml:"prompt_template"`
	LoraURL             string        `yaml:"lora_url" toml:"lora_url"`
	LoraScale           float64       `yaml:"lora_scale" toml:"lora_scale"`
	ImageSize           string        `yaml:"image_size" toml:"image_size"`
	NumInferenceSteps   int           `yaml:"num_inference_steps" toml:"num_inference_steps"`
	BaseInferenceSteps  int           `yaml:"base_inference_steps" toml:"base_inference_steps"`
	GuidanceScale       float64       `yaml:"guidance_scale" toml:"guidance_scale"`
	NumImages           int           `yaml:"num_images" toml:"num_images"`
	EnableSafetyChecker bool          `yaml:"enable_safety_checker" toml:"enable_safety_checker"`
	OutputFormat        string        `yaml:"output_format" toml:"output_format"`
	RequestInterval     time.Duration `yaml:"request_interval" toml:"request_interval"`
	TestPrompts         []string      `yaml:"test_prompts" toml:"test_prompts"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" toml:"api_key"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Model   string `yaml:"model" toml:"model"`
	Size    string `yaml:"size" toml:"size"`
	Quality string `yaml:"quality" toml:"quality"`
	Style   string `yaml:"style" toml:"style"`
}

type OutputConfig struct {
	ModelConfigFile string `yaml:"model_config_file" toml:"model_config_file"`
	ManifestFile    string `yaml:"manifest_file" toml:"manifest_file"`
}

type CacheConfig struct {
	Backend   string        `yaml:"backend" toml:"backend"` // "", "file" or "redis"
	Directory string        `yaml:"directory" toml:"directory"`
	TTL       time.Duration `yaml:"ttl" toml:"ttl"`
	Redis     RedisConfig   `yaml:"redis" toml:"redis"`
}

type RedisConfig struct {
	Host      string `yaml:"host" toml:"host"`
	Port      int    `yaml:"port" toml:"port"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	PoolSize  int    `yaml:"pool_size" toml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

type DatabaseConfig struct {
	Driver string       `yaml:"driver" toml:"driver"` // "", "sqlite" or "mysql"
	SQLite SQLiteConfig `yaml:"sqlite" toml:"sqlite"`
	MySQL  MySQLConfig  `yaml:"mysql" toml:"mysql"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host" toml:"host"`
	Port            int           `yaml:"port" toml:"port"`
	Username        string        `yaml:"username" toml:"username"`
	Password        string        `yaml:"password" toml:"password"`
	Database        string        `yaml:"database" toml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

type NotifyConfig struct {
	RabbitMQURL string `yaml:"rabbitmq_url" toml:"rabbitmq_url"`
	Queue       string `yaml:"queue" toml:"queue"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" toml:"host"`
	Port         int           `yaml:"port" toml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load builds the configuration from defaults, an optional YAML or TOML file
// and environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getEnv("CONFIG_FILE", DefaultConfigFile)
	}
	if _, err := os.Stat(path); err == nil {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	overrideByEnv(cfg)
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		return nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		return nil
	}
}

// Default returns the settings of the original CoolShirt training run
func Default() *Config {
	return &Config{
		Fal: FalConfig{
			QueueURL:     "https://queue.fal.run",
			StorageURL:   "https://rest.alpha.fal.ai",
			APIURL:       "https://api.fal.ai",
			TrainingApp:  "fal-ai/flux-lora-fast-training",
			InferenceApp: "fal-ai/flux-lora",
			BaseApp:      "fal-ai/flux/schnell",
			Timeout:      60 * time.Second,
			PollInterval: 5 * time.Second,
		},
		Training: TrainingConfig{
			ImagesDir:       "./training-images/TRAININGFORAI",
			Extensions:      []string{".png", ".jpg", ".jpeg"},
			TriggerWord:     "COOLSHIRT",
			ModelName:       "coolshirt-tshirt-v1",
			CaptionTemplate: "{{trigger_word}} style {{subject}}, vector t-shirt design, white background",
			CaptionPrefix:   "COOLSHIRT style, vector design, white background",
			Params: interfaces.Hyperparameters{
				Steps:                     1200,
				LearningRate:              0.0001,
				BatchSize:                 1,
				Resolution:                1024,
				LoraRank:                  16,
				GradientAccumulationSteps: 4,
				GradientCheckpointing:     true,
			},
			UsageExamples: []string{
				"{{trigger_word}} style cute robot design, vector illustration, white background",
				"{{trigger_word}} style happy sun character, simple design, white background",
				"{{trigger_word}} style cool skateboard graphic, vector art, white background",
			},
		},
		Inference: InferenceConfig{
			PromptTemplate:     "{{trigger_word}} style {{prompt}}, solid white background, vector style, centered, clean",
			LoraScale:          1.0,
			ImageSize:          "square",
			NumInferenceSteps:  28,
			BaseInferenceSteps: 4,
			GuidanceScale:      3.5,
			NumImages:          1,
			OutputFormat:       "png",
			RequestInterval:    2 * time.Second,
			TestPrompts: []string{
				"cute robot character",
				"happy pizza slice with eyes",
				"cool skateboard design",
				"funny cat wearing sunglasses",
				"rainbow ice cream cone",
			},
		},
		OpenAI: OpenAIConfig{
			Model:   "dall-e-3",
			Size:    "1024x1024",
			Quality: "standard",
			Style:   "vivid",
		},
		Output: OutputConfig{
			ModelConfigFile: "fal-model-config.json",
			ManifestFile:    "training_manifest.json",
		},
		Cache: CacheConfig{
			Directory: "./data/upload_cache",
			TTL:       7 * 24 * time.Hour,
			Redis: RedisConfig{
				Host:      "localhost",
				Port:      6379,
				PoolSize:  4,
				KeyPrefix: "lora:upload:",
			},
		},
		Database: DatabaseConfig{
			SQLite: SQLiteConfig{Path: "./data/models.db"},
			MySQL: MySQLConfig{
				Host:            "127.0.0.1",
				Port:            3306,
				Username:        "root",
				Database:        "lora_trainer",
				MaxOpenConns:    5,
				MaxIdleConns:    2,
				ConnMaxLifetime: time.Hour,
			},
		},
		Notify: NotifyConfig{
			Queue: "lora.model.trained",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func overrideByEnv(cfg *Config) {
	// FAL_KEY wins over the legacy FAL_API_KEY
	cfg.Fal.APIKey = getEnv("FAL_API_KEY", cfg.Fal.APIKey)
	cfg.Fal.APIKey = getEnv("FAL_KEY", cfg.Fal.APIKey)
	cfg.Fal.RetryMax = getEnvAsInt("LORA_RETRY_MAX", cfg.Fal.RetryMax)

	cfg.Training.ImagesDir = getEnv("LORA_IMAGES_DIR", cfg.Training.ImagesDir)
	cfg.Training.TriggerWord = getEnv("LORA_TRIGGER_WORD", cfg.Training.TriggerWord)
	cfg.Training.ModelName = getEnv("LORA_MODEL_NAME", cfg.Training.ModelName)
	cfg.Training.Params.Steps = getEnvAsInt("LORA_STEPS", cfg.Training.Params.Steps)

	cfg.Inference.LoraURL = getEnv("LORA_URL", cfg.Inference.LoraURL)
	cfg.OpenAI.APIKey = getEnv("OPENAI_API_KEY", cfg.OpenAI.APIKey)

	cfg.Output.ModelConfigFile = getEnv("LORA_MODEL_CONFIG_FILE", cfg.Output.ModelConfigFile)

	cfg.Cache.Backend = getEnv("LORA_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Cache.Redis.Password)
	cfg.Database.Driver = getEnv("LORA_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.MySQL.Password = getEnv("MYSQL_PASSWORD", cfg.Database.MySQL.Password)
	cfg.Notify.RabbitMQURL = getEnv("RABBITMQ_URL", cfg.Notify.RabbitMQURL)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
}

// Validate checks the settings a training run depends on
func (c *Config) Validate() error {
	if c.Fal.APIKey == "" {
		return &interfaces.ConfigurationError{Field: "fal.api_key", Reason: "not set (export FAL_KEY)"}
	}
	if strings.TrimSpace(c.Training.TriggerWord) == "" {
		return &interfaces.ConfigurationError{Field: "training.trigger_word", Reason: "must not be empty"}
	}
	if c.Training.ImagesDir == "" {
		return &interfaces.ConfigurationError{Field: "training.images_dir", Reason: "must not be empty"}
	}
	if len(c.Training.Extensions) == 0 {
		return &interfaces.ConfigurationError{Field: "training.extensions", Reason: "must list at least one extension"}
	}
	if !strings.Contains(c.Training.CaptionTemplate, "{{trigger_word}}") {
		return &interfaces.ConfigurationError{Field: "training.caption_template", Reason: "must reference {{trigger_word}}"}
	}
	p := c.Training.Params
	switch {
	case p.Steps <= 0:
		return &interfaces.ConfigurationError{Field: "training.params.steps", Reason: "must be positive"}
	case p.LearningRate <= 0:
		return &interfaces.ConfigurationError{Field: "training.params.learning_rate", Reason: "must be positive"}
	case p.BatchSize <= 0:
		return &interfaces.ConfigurationError{Field: "training.params.batch_size", Reason: "must be positive"}
	case p.Resolution <= 0:
		return &interfaces.ConfigurationError{Field: "training.params.resolution", Reason: "must be positive"}
	case p.LoraRank <= 0:
		return &interfaces.ConfigurationError{Field: "training.params.lora_rank", Reason: "must be positive"}
	case p.GradientAccumulationSteps <= 0:
		return &interfaces.ConfigurationError{Field: "training.params.gradient_accumulation_steps", Reason: "must be positive"}
	}
	if c.Output.ModelConfigFile == "" {
		return &interfaces.ConfigurationError{Field: "output.model_config_file", Reason: "must not be empty"}
	}
	if c.Fal.PollInterval <= 0 {
		return &interfaces.ConfigurationError{Field: "fal.poll_interval", Reason: "must be positive"}
	}
	if c.Fal.RetryMax < 0 {
		return &interfaces.ConfigurationError{Field: "fal.retry_max", Reason: "must not be negative"}
	}
	switch c.Cache.Backend {
	case "", "file", "redis":
	default:
		return &interfaces.ConfigurationError{Field: "cache.backend", Reason: fmt.Sprintf("unknown backend %q", c.Cache.Backend)}
	}
	switch c.Database.Driver {
	case "", "sqlite", "mysql":
	default:
		return &interfaces.ConfigurationError{Field: "database.driver", Reason: fmt.Sprintf("unknown driver %q", c.Database.Driver)}
	}
	return nil
}

// ValidateInference checks the settings an inference call depends on
func (c *Config) ValidateInference() error {
	if c.Fal.APIKey == "" {
		return &interfaces.ConfigurationError{Field: "fal.api_key", Reason: "not set (export FAL_KEY)"}
	}
	if c.Inference.NumImages <= 0 {
		return &interfaces.ConfigurationError{Field: "inference.num_images", Reason: "must be positive"}
	}
	if c.Fal.PollInterval <= 0 {
		return &interfaces.ConfigurationError{Field: "fal.poll_interval", Reason: "must be positive"}
	}
	return nil
}

// HTTPAddr returns the listen address of the HTTP server
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MySQLDSN returns the gorm MySQL DSN
func (c *Config) MySQLDSN() string {
	m := c.Database.MySQL
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		m.Username,
		m.Password,
		m.Host,
		m.Port,
		m.Database,
	)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
