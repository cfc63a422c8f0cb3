package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	AuthToken    string        `env:"AUTH_TOKEN"`

	// Object store: "local", "s3" or "gcs".
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"local"`
	StorageDir     string `env:"STORAGE_DIR" envDefault:"./buckets"`
	S3             S3Config
	GCS            GCSConfig

	// Watch the local store for new objects (local backend only).
	WatchEnabled  bool          `env:"WATCH_ENABLED" envDefault:"true"`
	WatchDebounce time.Duration `env:"WATCH_DEBOUNCE" envDefault:"500ms"`

	// Transcoded output location. Empty means next to the source object.
	OutputBucket string `env:"OUTPUT_BUCKET"`
	OutputPrefix string `env:"OUTPUT_PREFIX"`
	ScratchDir   string `env:"SCRATCH_DIR"`

	FFmpegPath          string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath         string `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	TranscodeSampleRate int    `env:"TRANSCODE_SAMPLE_RATE" envDefault:"0"`
	MaxSampleRate       int    `env:"TRANSCODE_MAX_SAMPLE_RATE" envDefault:"48000"`

	// Recognizer: "whisper" or "google".
	Recognizer     string        `env:"RECOGNIZER" envDefault:"whisper"`
	LanguageCode   string        `env:"LANGUAGE_CODE" envDefault:"en-US"`
	WhisperURL     string        `env:"WHISPER_URL" envDefault:"http://localhost:8000/v1/audio/transcriptions"`
	WhisperModel   string        `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	WhisperAPIKey  string        `env:"WHISPER_API_KEY"`
	WhisperTimeout time.Duration `env:"WHISPER_TIMEOUT" envDefault:"5m"`
	// Channels submitted concurrently for multichannel audio.
	WhisperParallel int    `env:"WHISPER_PARALLEL" envDefault:"2"`
	SpeechModel     string `env:"GOOGLE_SPEECH_MODEL"`

	// Outcome events. No broker URL (and no embedded broker) disables publishing.
	EventNamespace  string `env:"EVENT_NAMESPACE" envDefault:"storage-transcribe-audio"`
	SelectedEvents  string `env:"EXT_SELECTED_EVENTS"`
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"storage-transcribe"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"events"`
	MQTTQoS         byte   `env:"MQTT_QOS" envDefault:"1"`
	MQTTEmbedded    string `env:"MQTT_EMBEDDED_ADDR"`

	Workers    int           `env:"WORKERS" envDefault:"2"`
	QueueSize  int           `env:"QUEUE_SIZE" envDefault:"100"`
	RunTimeout time.Duration `env:"RUN_TIMEOUT" envDefault:"0s"`
}

type S3Config struct {
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
}

type GCSConfig struct {
	CredentialsFile string `env:"GCP_CREDENTIALS_FILE"`
}

// EventsEnabled reports whether an event channel is configured.
func (c *Config) EventsEnabled() bool {
	return c.MQTTBrokerURL != "" || c.MQTTEmbedded != ""
}

// Validate checks enum-like fields.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "local", "s3", "gcs":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be local, s3 or gcs, got %q", c.StorageBackend)
	}
	switch c.Recognizer {
	case "whisper", "google":
	default:
		return fmt.Errorf("RECOGNIZER must be whisper or google, got %q", c.Recognizer)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile        string
	HTTPAddr       string
	LogLevel       string
	StorageBackend string
	StorageDir     string
	MQTTBrokerURL  string
	Recognizer     string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.StorageBackend != "" {
		cfg.StorageBackend = overrides.StorageBackend
	}
	if overrides.StorageDir != "" {
		cfg.StorageDir = overrides.StorageDir
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.Recognizer != "" {
		cfg.Recognizer = overrides.Recognizer
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
