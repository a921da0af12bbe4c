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

// Config represents the complete proofsearch configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Worker   WorkerConfig   `yaml:"worker"`
	Merge    MergeConfig    `yaml:"merge"`
	Search   SearchConfig   `yaml:"search"`
	Logging  LoggingConfig  `yaml:"logging"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds the gateway HTTP server configuration.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	BodyLimit    int           `yaml:"body_limit" env:"SERVER_BODY_LIMIT"`
}

// GatewayConfig holds registry, health monitor and router settings.
type GatewayConfig struct {
	LeaseTTL         time.Duration `yaml:"lease_ttl" env:"GATEWAY_LEASE_TTL"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"GATEWAY_SWEEP_INTERVAL"`
	AdmissionTimeout time.Duration `yaml:"admission_timeout" env:"GATEWAY_ADMISSION_TIMEOUT"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"GATEWAY_POLL_INTERVAL"`
	MaxAttempts      int           `yaml:"max_attempts" env:"GATEWAY_MAX_ATTEMPTS"`
	WorkerTimeout    time.Duration `yaml:"worker_timeout" env:"GATEWAY_WORKER_TIMEOUT"`
	Policy           string        `yaml:"policy" env:"GATEWAY_POLICY"`
	CompilerTag      string        `yaml:"compiler_tag" env:"GATEWAY_COMPILER_TAG"`
	EventBuffer      int           `yaml:"event_buffer" env:"GATEWAY_EVENT_BUFFER"`
}

// WorkerConfig holds lifecycle controller settings for one worker process.
type WorkerConfig struct {
	GatewayURL      string        `yaml:"gateway_url" env:"WORKER_GATEWAY_URL"`
	Tag             string        `yaml:"tag" env:"WORKER_TAG"`
	Class           string        `yaml:"class" env:"WORKER_CLASS"`
	Path            string        `yaml:"path" env:"WORKER_PATH"`
	Host            string        `yaml:"host" env:"WORKER_HOST"`
	Command         []string      `yaml:"command,omitempty" env:"WORKER_COMMAND"`
	ReadyPath       string        `yaml:"ready_path" env:"WORKER_READY_PATH"`
	StartTimeout    time.Duration `yaml:"start_timeout" env:"WORKER_START_TIMEOUT"`
	RenewInterval   time.Duration `yaml:"renew_interval" env:"WORKER_RENEW_INTERVAL"`
	GracePeriod     time.Duration `yaml:"grace_period" env:"WORKER_GRACE_PERIOD"`
	MaxLifetime     time.Duration `yaml:"max_lifetime" env:"WORKER_MAX_LIFETIME"`
	AutoRestart     bool          `yaml:"auto_restart" env:"WORKER_AUTO_RESTART"`
	RestartCooldown time.Duration `yaml:"restart_cooldown" env:"WORKER_RESTART_COOLDOWN"`
	RegisterRetries int           `yaml:"register_retries" env:"WORKER_REGISTER_RETRIES"`
	RegisterBackoff time.Duration `yaml:"register_backoff" env:"WORKER_REGISTER_BACKOFF"`
}

// MergeConfig holds merge engine defaults.
type MergeConfig struct {
	Cap            int  `yaml:"cap" env:"MERGE_CAP"`
	Dedup          bool `yaml:"dedup" env:"MERGE_DEDUP"`
	Incremental    bool `yaml:"incremental" env:"MERGE_INCREMENTAL"`
	SkipIncomplete bool `yaml:"skip_incomplete" env:"MERGE_SKIP_INCOMPLETE"`
	DropSolved     bool `yaml:"drop_solved" env:"MERGE_DROP_SOLVED"`
}

// SearchConfig holds round orchestrator settings.
type SearchConfig struct {
	GatewayURL        string        `yaml:"gateway_url" env:"SEARCH_GATEWAY_URL"`
	ProblemFile       string        `yaml:"problem_file" env:"SEARCH_PROBLEM_FILE"`
	OutputDir         string        `yaml:"output_dir" env:"SEARCH_OUTPUT_DIR"`
	Rounds            int           `yaml:"rounds" env:"SEARCH_ROUNDS"`
	SamplesPerProblem int           `yaml:"samples_per_problem" env:"SEARCH_SAMPLES_PER_PROBLEM"`
	Concurrency       int           `yaml:"concurrency" env:"SEARCH_CONCURRENCY"`
	GeneratorTag      string        `yaml:"generator_tag" env:"SEARCH_GENERATOR_TAG"`
	CompilerTag       string        `yaml:"compiler_tag" env:"SEARCH_COMPILER_TAG"`
	MaxTokens         int           `yaml:"max_tokens" env:"SEARCH_MAX_TOKENS"`
	Temperature       float64       `yaml:"temperature" env:"SEARCH_TEMPERATURE"`
	AdmissionTimeout  time.Duration `yaml:"admission_timeout" env:"SEARCH_ADMISSION_TIMEOUT"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"SEARCH_REQUEST_TIMEOUT"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"LOG_MAX_AGE"`
}

// RedisConfig configures the registry mirror.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"REDIS_ENABLED"`
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

// DatabaseConfig configures the round ledger.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled" env:"DATABASE_ENABLED"`
	Driver  string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN     string `yaml:"dsn" env:"DATABASE_DSN"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 660 * time.Second,
			BodyLimit:    64 * 1024 * 1024, // 64MB
		},
		Gateway: GatewayConfig{
			LeaseTTL:         60 * time.Second,
			SweepInterval:    5 * time.Second,
			AdmissionTimeout: 30 * time.Second,
			PollInterval:     time.Second,
			MaxAttempts:      3,
			WorkerTimeout:    600 * time.Second,
			Policy:           "least_inflight",
			CompilerTag:      "lean-compiler",
			EventBuffer:      100,
		},
		Worker: WorkerConfig{
			GatewayURL:      "http://localhost:8080",
			Class:           "model_server",
			Host:            "127.0.0.1",
			ReadyPath:       "/health",
			StartTimeout:    10 * time.Minute,
			GracePeriod:     30 * time.Second,
			RestartCooldown: 5 * time.Second,
			RegisterRetries: 5,
			RegisterBackoff: 15 * time.Second,
		},
		Merge: MergeConfig{
			Cap:            10,
			Dedup:          true,
			SkipIncomplete: true,
		},
		Search: SearchConfig{
			GatewayURL:        "http://localhost:8080",
			OutputDir:         "rounds",
			Rounds:            1,
			SamplesPerProblem: 4,
			Concurrency:       16,
			GeneratorTag:      "solver-8b",
			CompilerTag:       "lean-compiler",
			MaxTokens:         8192,
			Temperature:       1.0,
			AdmissionTimeout:  60 * time.Second,
			RequestTimeout:    900 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "proofsearch:",
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// EffectiveRenewInterval returns the configured renew interval or TTL/3.
func (c *Config) EffectiveRenewInterval() time.Duration {
	if c.Worker.RenewInterval > 0 {
		return c.Worker.RenewInterval
	}
	return c.Gateway.LeaseTTL / 3
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "PS_",
		cmdArgs:   make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the prefix for environment variables.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// WithEnvLookup replaces the environment lookup, mainly for tests.
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := SetValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
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
		return fmt.Errorf("read %s: %w", l.configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		name := l.envPrefix + envTag
		envValue, ok := l.lookupEnv(name)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("env %s -> %s: %w", name, fieldType.Name, err)
		}
	}

	return nil
}

// SetValue sets a configuration value by its yaml dot path, e.g.
// "gateway.lease_ttl=90s".
func SetValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("unknown config path: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("%s is %s, not a section", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, strings.ReplaceAll(name, "_", "")) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		// whitespace-separated, so commands keep their commas
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		field.Set(reflect.ValueOf(strings.Fields(value)))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
