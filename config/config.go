// Package config provides unified configuration loading for RAGFlow:
// defaults, then an optional YAML file, then environment-variable overrides.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("RAGFLOW").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete RAGFlow configuration.
type Config struct {
	Oracle    OracleConfig    `yaml:"oracle" env:"ORACLE"`
	Workflow  WorkflowConfig  `yaml:"workflow" env:"WORKFLOW"`
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`
	Compiler  CompilerConfig  `yaml:"compiler" env:"COMPILER"`
	Session   SessionConfig   `yaml:"session" env:"SESSION"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// OracleConfig configures the LLM oracle adapter.
type OracleConfig struct {
	Model             string        `yaml:"model" env:"MODEL"`
	Temperature       float64       `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens         int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	APIKey            string        `yaml:"api_key" env:"API_KEY"`
	BaseURL           string        `yaml:"base_url" env:"BASE_URL"`
}

// WorkflowConfig bounds a workflow run.
type WorkflowConfig struct {
	MaxRetries          int           `yaml:"max_retries" env:"MAX_RETRIES"`
	AcceptanceThreshold float64       `yaml:"acceptance_threshold" env:"ACCEPTANCE_THRESHOLD"`
	WallClockTimeout    time.Duration `yaml:"wall_clock_timeout" env:"WALL_CLOCK_TIMEOUT_SECONDS"`
}

// RetrievalConfig configures the backend façade.
type RetrievalConfig struct {
	KnowledgeStoreURL       string        `yaml:"knowledge_store_url" env:"KNOWLEDGE_STORE_URL"`
	KnowledgeStoreQueryPath string        `yaml:"knowledge_store_query_path" env:"KNOWLEDGE_STORE_QUERY_PATH"`
	WebAPIKey               string        `yaml:"web_api_key" env:"WEB_API_KEY"`
	WebEndpoint             string        `yaml:"web_endpoint" env:"WEB_ENDPOINT"`
	WebTopK                 int           `yaml:"web_top_k" env:"WEB_TOP_K"`
	BackendTimeout          time.Duration `yaml:"backend_timeout" env:"BACKEND_TIMEOUT_SECONDS"`
}

// CompilerConfig bounds the compiled context.
type CompilerConfig struct {
	MaxItems      int    `yaml:"max_items" env:"MAX_ITEMS"`
	MaxChars      int    `yaml:"max_chars" env:"MAX_CHARS"`
	MaxTokens     int    `yaml:"max_tokens" env:"MAX_TOKENS"`
	TokenEncoding string `yaml:"token_encoding" env:"TOKEN_ENCODING"`
}

// SessionConfig configures the optional Redis snapshot mirror. An empty
// RedisAddr keeps the store purely in-memory.
type SessionConfig struct {
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	SnapshotTTL   time.Duration `yaml:"snapshot_ttl" env:"SNAPSHOT_TTL"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level        string   `yaml:"level" env:"LEVEL"`
	Format       string   `yaml:"format" env:"FORMAT"`
	OutputPaths  []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig configures OTLP tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the RAGFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RAGFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation function run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load applies defaults, then the YAML file, then environment overrides, then
// validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			// Bare numbers are seconds; otherwise standard duration syntax.
			if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
				field.SetInt(int64(time.Duration(secs) * time.Second))
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Oracle.Temperature < 0 || c.Oracle.Temperature > 1 {
		errs = append(errs, "oracle temperature must be between 0 and 1")
	}
	if c.Oracle.MaxTokens <= 0 {
		errs = append(errs, "oracle max_tokens must be positive")
	}
	if c.Workflow.MaxRetries < 0 {
		errs = append(errs, "workflow max_retries must be nonnegative")
	}
	if c.Workflow.AcceptanceThreshold <= 0 || c.Workflow.AcceptanceThreshold > 1 {
		errs = append(errs, "workflow acceptance_threshold must be in (0, 1]")
	}
	if c.Compiler.MaxItems <= 0 {
		errs = append(errs, "compiler max_items must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
