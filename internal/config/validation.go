package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/duke-git/lancet/v2/strutil"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields returns the failing field paths.
func (e ValidationErrors) Fields() []string {
	return slice.Map(e, func(_ int, v ValidationError) string { return v.Field })
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateServerConfig(&cfg.Server)
	v.validateGatewayConfig(&cfg.Gateway)
	v.validateWorkerConfig(cfg)
	v.validateMergeConfig(&cfg.Merge)
	v.validateSearchConfig(&cfg.Search)
	v.validateLoggingConfig(&cfg.Logging)
	v.validateStoreConfig(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// Validate is a shorthand for NewValidator().Validate(c).
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

func (v *Validator) validateServerConfig(cfg *ServerConfig) {
	if cfg.Address == "" {
		v.addError("server.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("server.address", "invalid address format, expected host:port or :port")
	}
	if cfg.ReadTimeout < 0 {
		v.addError("server.read_timeout", "read timeout must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("server.write_timeout", "write timeout must be non-negative")
	}
	if cfg.BodyLimit < 0 {
		v.addError("server.body_limit", "body limit must be non-negative")
	}
}

func (v *Validator) validateGatewayConfig(cfg *GatewayConfig) {
	if cfg.LeaseTTL <= 0 {
		v.addError("gateway.lease_ttl", "lease TTL must be positive")
	}
	if cfg.SweepInterval <= 0 {
		v.addError("gateway.sweep_interval", "sweep interval must be positive")
	} else if cfg.LeaseTTL > 0 && cfg.SweepInterval > cfg.LeaseTTL {
		v.addError("gateway.sweep_interval", "sweep interval should not exceed the lease TTL")
	}
	if cfg.AdmissionTimeout < 0 {
		v.addError("gateway.admission_timeout", "admission timeout must be non-negative")
	}
	if cfg.PollInterval <= 0 {
		v.addError("gateway.poll_interval", "poll interval must be positive")
	}
	if cfg.MaxAttempts < 1 {
		v.addError("gateway.max_attempts", "max attempts must be at least 1")
	}
	if cfg.WorkerTimeout <= 0 {
		v.addError("gateway.worker_timeout", "worker timeout must be positive")
	}
	if !slice.Contain([]string{"least_inflight", "round_robin"}, cfg.Policy) {
		v.addError("gateway.policy", fmt.Sprintf("invalid policy '%s', must be one of: least_inflight, round_robin", cfg.Policy))
	}
	if cfg.EventBuffer < 0 {
		v.addError("gateway.event_buffer", "event buffer must be non-negative")
	}
}

func (v *Validator) validateWorkerConfig(cfg *Config) {
	w := &cfg.Worker
	if w.GatewayURL != "" && !isValidURL(w.GatewayURL) {
		v.addError("worker.gateway_url", "invalid URL")
	}
	if !slice.Contain([]string{"model_server", "proof_compiler"}, w.Class) {
		v.addError("worker.class", fmt.Sprintf("invalid class '%s', must be one of: model_server, proof_compiler", w.Class))
	}
	renew := cfg.EffectiveRenewInterval()
	if renew <= 0 {
		v.addError("worker.renew_interval", "renew interval must be positive")
	} else if renew >= cfg.Gateway.LeaseTTL {
		v.addError("worker.renew_interval", "renew interval must be shorter than gateway.lease_ttl")
	}
	if w.GracePeriod < 0 {
		v.addError("worker.grace_period", "grace period must be non-negative")
	}
	if w.MaxLifetime < 0 {
		v.addError("worker.max_lifetime", "max lifetime must be non-negative")
	}
	if w.RestartCooldown < 0 {
		v.addError("worker.restart_cooldown", "restart cooldown must be non-negative")
	}
	if w.RegisterRetries < 1 {
		v.addError("worker.register_retries", "register retries must be at least 1")
	}
	if w.RegisterBackoff <= 0 {
		v.addError("worker.register_backoff", "register backoff must be positive")
	}
}

func (v *Validator) validateMergeConfig(cfg *MergeConfig) {
	if cfg.Cap < 1 {
		v.addError("merge.cap", "cap must be at least 1")
	}
}

func (v *Validator) validateSearchConfig(cfg *SearchConfig) {
	if cfg.Rounds < 1 {
		v.addError("search.rounds", "rounds must be at least 1")
	}
	if cfg.SamplesPerProblem < 1 {
		v.addError("search.samples_per_problem", "samples per problem must be at least 1")
	}
	if cfg.Concurrency < 1 {
		v.addError("search.concurrency", "concurrency must be at least 1")
	}
	if strutil.IsBlank(cfg.GeneratorTag) {
		v.addError("search.generator_tag", "generator tag is required")
	}
	if strutil.IsBlank(cfg.CompilerTag) {
		v.addError("search.compiler_tag", "compiler tag is required")
	}
	if cfg.GatewayURL != "" && !isValidURL(cfg.GatewayURL) {
		v.addError("search.gateway_url", "invalid URL")
	}
}

func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if cfg.Level == "" {
		v.addError("logging.level", "log level is required")
	} else if !slice.Contain(validLevels, strings.ToLower(cfg.Level)) {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error, fatal", cfg.Level))
	}

	if !slice.Contain([]string{"json", "console"}, strings.ToLower(cfg.Format)) {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	switch cfg.Output {
	case "", "stdout":
	case "file", "both":
		if cfg.FilePath == "" {
			v.addError("logging.file_path", "file path is required for file output")
		}
	default:
		v.addError("logging.output", fmt.Sprintf("invalid output '%s', must be one of: stdout, file, both", cfg.Output))
	}
}

func (v *Validator) validateStoreConfig(cfg *Config) {
	if cfg.Redis.Enabled && !isValidAddress(cfg.Redis.Addr) {
		v.addError("redis.addr", "invalid address format, expected host:port")
	}
	if cfg.Database.Enabled {
		if !slice.Contain([]string{"mysql", "postgres"}, cfg.Database.Driver) {
			v.addError("database.driver", fmt.Sprintf("unsupported driver '%s', must be one of: mysql, postgres", cfg.Database.Driver))
		}
		if strutil.IsBlank(cfg.Database.DSN) {
			v.addError("database.dsn", "dsn is required when the ledger is enabled")
		}
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		v.addError("metrics.path", "path must start with /")
	}
}

// isValidAddress checks if the address is a valid host:port or :port.
func isValidAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}
	if host == "" || net.ParseIP(host) != nil {
		return true
	}
	return isValidHostname(host)
}

// isValidURL accepts absolute http(s) URLs with a host.
func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		for _, c := range label {
			if !isAlphanumeric(byte(c)) && c != '-' {
				return false
			}
		}
	}
	return true
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
